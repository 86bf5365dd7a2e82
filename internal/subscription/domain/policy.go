package domain

import (
	"strings"
	"time"
)

var defaultPlans = map[PlanTier]PlanPolicy{
	PlanFree:    {Tier: PlanFree, Rank: 0, SpeechesLimit: 1},
	PlanTrial:   {Tier: PlanTrial, Rank: 1, SpeechesLimit: 3, RequiresEndDate: true},
	PlanBasic:   {Tier: PlanBasic, Rank: 2, SpeechesLimit: 10, RequiresEndDate: true, GracePeriod: true},
	PlanPremium: {Tier: PlanPremium, Rank: 3, SpeechesLimit: 50, RequiresEndDate: true, GracePeriod: true},
	PlanPro:     {Tier: PlanPro, Rank: 4, SpeechesLimit: UnlimitedSpeeches, GracePeriod: true},
}

type statusBehavior int

const (
	behaviorRenewing statusBehavior = iota
	behaviorGrace
	behaviorNonRenewing
	behaviorTerminal
	behaviorInactive
)

var statusBehaviors = map[SubscriptionStatus]statusBehavior{
	StatusActive:            behaviorRenewing,
	StatusTrialing:          behaviorRenewing,
	StatusPastDue:           behaviorGrace,
	StatusCanceled:          behaviorNonRenewing,
	StatusExpired:           behaviorTerminal,
	StatusUnpaid:            behaviorTerminal,
	StatusIncompleteExpired: behaviorTerminal,
	StatusIncomplete:        behaviorInactive,
	StatusPaused:            behaviorInactive,
}

// Evaluator turns subscription records into effective plans. It performs no
// I/O and is safe for concurrent use.
type Evaluator struct {
	gracePeriod time.Duration
}

// NewEvaluator returns an evaluator that keeps past_due subscriptions on
// grace-eligible plans active for gracePeriod after their last update.
func NewEvaluator(gracePeriod time.Duration) Evaluator {
	return Evaluator{gracePeriod: max(gracePeriod, 0)}
}

// Policy returns the enforcement policy for tier. Unknown tiers resolve to
// the floor.
func Policy(tier PlanTier) PlanPolicy {
	if policy, ok := defaultPlans[NormalizePlan(tier)]; ok {
		return policy
	}
	return defaultPlans[FloorPlan]
}

// NormalizePlan lowercases and trims a plan identifier.
func NormalizePlan(tier PlanTier) PlanTier {
	return PlanTier(strings.ToLower(strings.TrimSpace(string(tier))))
}

// NormalizeStatus lowercases and trims a status string.
func NormalizeStatus(status SubscriptionStatus) SubscriptionStatus {
	return SubscriptionStatus(strings.ToLower(strings.TrimSpace(string(status))))
}

func (e Evaluator) Evaluate(record SubscriptionRecord, now time.Time) EffectivePlanStatus {
	nominal := NormalizePlan(record.Plan)
	policy := Policy(nominal)
	status := NormalizeStatus(record.Status)

	expired, grace := e.expiry(policy, status, record, now)
	active := !expired && e.isActiveStatus(status, record, now)

	out := EffectivePlanStatus{
		NominalPlan:   nominal,
		EffectivePlan: policy.Tier,
		IsActive:      active,
		IsExpired:     expired,
		InGracePeriod: grace && active,
	}
	// fails open; the ledger still gates the action
	out.MissingEndDate = policy.RequiresEndDate && record.EndDate == nil && !expired
	if expired || !active {
		out.EffectivePlan = FloorPlan
	}
	out.SpeechesLimit = Policy(out.EffectivePlan).SpeechesLimit
	out.ShouldShowUpgrade = out.EffectivePlan == FloorPlan && policy.Tier != FloorPlan
	return out
}

func (e Evaluator) expiry(policy PlanPolicy, status SubscriptionStatus, record SubscriptionRecord, now time.Time) (expired bool, grace bool) {
	if record.EndDate != nil && record.EndDate.Before(now) {
		return true, false
	}

	behavior, known := statusBehaviors[status]
	if !known {
		return false, false
	}

	switch behavior {
	case behaviorTerminal:
		return true, false
	case behaviorNonRenewing:
		// paid through a future end date; without one there is nothing left
		return record.EndDate == nil, false
	case behaviorGrace:
		if !policy.GracePeriod || e.gracePeriod == 0 {
			return true, false
		}
		if record.UpdatedAt.IsZero() {
			return false, true
		}
		return now.After(record.UpdatedAt.Add(e.gracePeriod)), true
	}
	return false, false
}

func (e Evaluator) isActiveStatus(status SubscriptionStatus, record SubscriptionRecord, now time.Time) bool {
	behavior, known := statusBehaviors[status]
	if !known {
		return false
	}
	switch behavior {
	case behaviorRenewing, behaviorGrace:
		return true
	case behaviorNonRenewing:
		return record.EndDate != nil && !record.EndDate.Before(now)
	default:
		return false
	}
}

// ResolveSpeechesLimit maps a credit grant to a display limit. Grants at or
// above threshold are unlimited.
func ResolveSpeechesLimit(creditsGranted *int64, threshold int64, fallback int64) int64 {
	if creditsGranted == nil {
		return fallback
	}
	if threshold > 0 && *creditsGranted >= threshold {
		return UnlimitedSpeeches
	}
	return *creditsGranted
}
