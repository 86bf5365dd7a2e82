// Package domain holds the subscription record read from the backend and the
// pure policy that turns it into an effective plan.
package domain

import "time"

// PlanTier identifies a subscription plan.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanTrial   PlanTier = "trial"
	PlanBasic   PlanTier = "basic"
	PlanPremium PlanTier = "premium"
	PlanPro     PlanTier = "pro"
)

// FloorPlan is the most restrictive tier. Expired and inactive subscriptions
// are enforced at this tier.
const FloorPlan = PlanFree

// SubscriptionStatus is the lifecycle status string stored on the record.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusExpired           SubscriptionStatus = "expired"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// UnlimitedSpeeches marks a limit without a ceiling.
const UnlimitedSpeeches int64 = -1

// SubscriptionRecord is the read-only snapshot of a user's subscription.
type SubscriptionRecord struct {
	UserID    string             `json:"user_id"`
	Plan      PlanTier           `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	StartDate time.Time          `json:"start_date"`
	EndDate   *time.Time         `json:"end_date,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Snapshot returns the lightweight fields compared by reconciliation.
func (r SubscriptionRecord) Snapshot() Snapshot {
	return Snapshot{
		Plan:      r.Plan,
		Status:    r.Status,
		EndDate:   r.EndDate,
		UpdatedAt: r.UpdatedAt,
	}
}

// Snapshot is the subset of a subscription polled for drift.
type Snapshot struct {
	Plan      PlanTier           `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	EndDate   *time.Time         `json:"end_date,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Record widens a snapshot back into a record for policy evaluation. The start
// date is not part of the snapshot and policy does not read it.
func (s Snapshot) Record(userID string) SubscriptionRecord {
	return SubscriptionRecord{
		UserID:    userID,
		Plan:      s.Plan,
		Status:    s.Status,
		EndDate:   s.EndDate,
		UpdatedAt: s.UpdatedAt,
	}
}

// EffectivePlanStatus is derived from a record and the current time.
type EffectivePlanStatus struct {
	NominalPlan       PlanTier `json:"nominal_plan"`
	EffectivePlan     PlanTier `json:"effective_plan"`
	IsActive          bool     `json:"is_active"`
	IsExpired         bool     `json:"is_expired"`
	InGracePeriod     bool     `json:"in_grace_period"`
	ShouldShowUpgrade bool     `json:"should_show_upgrade"`
	SpeechesLimit     int64    `json:"speeches_limit"`
	// MissingEndDate is set when the plan requires an end date, the record
	// has none and the plan is kept anyway.
	MissingEndDate    bool     `json:"missing_end_date,omitempty"`
}

// CanUse reports whether the subscription currently grants the product.
func (s EffectivePlanStatus) CanUse() bool {
	return s.IsActive && !s.IsExpired
}

// PlanPolicy describes how a tier is enforced.
type PlanPolicy struct {
	Tier            PlanTier
	Rank            int
	SpeechesLimit   int64
	RequiresEndDate bool
	GracePeriod     bool
}
