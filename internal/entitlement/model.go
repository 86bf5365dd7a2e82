// Package entitlement caches per-user, per-limit-kind access decisions and
// keeps them honest against the subscription record.
package entitlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
)

// SchemaVersion is bumped whenever CachedEntitlement changes shape. Entries
// written under another version read as Empty.
const SchemaVersion = 2

var (
	ErrDecisionUnavailable = errors.New("decision_unavailable")
	ErrCorruptEntry        = errors.New("corrupt_cache_entry")
)

const (
	ReasonUnavailable = "We couldn't verify your plan right now. Please try again."
	ReasonExpired     = "Your subscription has expired. Upgrade to keep creating speeches."
	ReasonInactive    = "Your subscription is not active."
	ReasonNoCredits   = "You have used all speeches for this period."
)

// State is where a key sits in its Empty → Fresh → Stale → Empty lifecycle.
type State string

const (
	StateEmpty State = "empty"
	StateFresh State = "fresh"
	StateStale State = "stale"
)

// FailurePolicy decides what Allow answers when no decision can be obtained.
type FailurePolicy int

const (
	FailClosed FailurePolicy = iota
	FailOpen
)

// InvalidationReason labels why entries were dropped.
type InvalidationReason string

const (
	InvalidateLogout  InvalidationReason = "logout"
	InvalidateDrift   InvalidationReason = "drift"
	InvalidateSync    InvalidationReason = "sync"
	InvalidateRefresh InvalidationReason = "refresh"
)

// CachedEntitlement is one decision as persisted. Entries are replaced whole,
// never patched.
type CachedEntitlement struct {
	SchemaVersion      int                         `json:"schema_version"`
	UserID             string                      `json:"user_id"`
	LimitKind          ledgerdomain.LimitKind      `json:"limit_kind"`
	HasAccess          bool                        `json:"has_access"`
	CanCreateSpeech    bool                        `json:"can_create_speech"`
	ReasonCannotCreate string                      `json:"reason_cannot_create,omitempty"`
	ShouldShowUpgrade  bool                        `json:"should_show_upgrade"`
	IsExpired          bool                        `json:"is_expired"`
	IsActive           bool                        `json:"is_active"`
	NominalPlan        subscriptiondomain.PlanTier `json:"nominal_plan"`
	EffectivePlan      subscriptiondomain.PlanTier `json:"effective_plan"`
	SpeechesLimit      int64                       `json:"speeches_limit"`
	CreditsRemaining   *int64                      `json:"credits_remaining,omitempty"`
	CreditsGranted     *int64                      `json:"credits_granted,omitempty"`
	PeriodID           *string                     `json:"period_id,omitempty"`
	Subscription       subscriptiondomain.Snapshot `json:"subscription"`
	Timestamp          time.Time                   `json:"timestamp"`

	// Retryable marks a synthesized denial after a failed fetch. Such entries
	// are never persisted.
	Retryable bool `json:"retryable,omitempty"`
}

// Unlimited reports whether the entry carries no speech ceiling.
func (e CachedEntitlement) Unlimited() bool {
	return e.SpeechesLimit == subscriptiondomain.UnlimitedSpeeches
}

// State classifies the entry at now. Fresh while now-timestamp <= ttl.
func (e CachedEntitlement) State(now time.Time, ttl time.Duration) State {
	if e.Timestamp.IsZero() {
		return StateEmpty
	}
	if now.Sub(e.Timestamp) > ttl {
		return StateStale
	}
	return StateFresh
}

// compose builds an entry from a freshly evaluated status and, when the
// subscription grants access, the ledger's decision.
func compose(
	record subscriptiondomain.SubscriptionRecord,
	kind ledgerdomain.LimitKind,
	status subscriptiondomain.EffectivePlanStatus,
	decision *ledgerdomain.PermissionDecision,
	unlimitedThreshold int64,
	now time.Time,
) CachedEntitlement {
	entry := CachedEntitlement{
		SchemaVersion:     SchemaVersion,
		UserID:            record.UserID,
		LimitKind:         kind,
		HasAccess:         status.CanUse(),
		ShouldShowUpgrade: status.ShouldShowUpgrade,
		IsExpired:         status.IsExpired,
		IsActive:          status.IsActive,
		NominalPlan:       status.NominalPlan,
		EffectivePlan:     status.EffectivePlan,
		SpeechesLimit:     status.SpeechesLimit,
		Subscription:      record.Snapshot(),
		Timestamp:         now,
	}

	if !entry.HasAccess {
		entry.ReasonCannotCreate = denialReason(status)
		return entry
	}
	if decision == nil {
		entry.ReasonCannotCreate = ReasonUnavailable
		return entry
	}

	entry.CanCreateSpeech = decision.Allowed
	entry.CreditsRemaining = decision.CreditsRemaining
	entry.CreditsGranted = decision.CreditsGranted
	entry.PeriodID = decision.PeriodID
	entry.SpeechesLimit = subscriptiondomain.ResolveSpeechesLimit(decision.CreditsGranted, unlimitedThreshold, status.SpeechesLimit)
	if !decision.Allowed {
		entry.ReasonCannotCreate = decision.Reason
		if entry.ReasonCannotCreate == "" {
			entry.ReasonCannotCreate = ReasonNoCredits
		}
	}
	return entry
}

// restrict applies a status that no longer grants access. It only ever takes
// permissions away.
func (e CachedEntitlement) restrict(status subscriptiondomain.EffectivePlanStatus) CachedEntitlement {
	if status.CanUse() {
		return e
	}
	e.HasAccess = false
	e.CanCreateSpeech = false
	e.IsExpired = status.IsExpired
	e.IsActive = status.IsActive
	e.EffectivePlan = status.EffectivePlan
	e.ShouldShowUpgrade = status.ShouldShowUpgrade
	e.SpeechesLimit = status.SpeechesLimit
	e.ReasonCannotCreate = denialReason(status)
	return e
}

func denialReason(status subscriptiondomain.EffectivePlanStatus) string {
	if status.IsExpired {
		return ReasonExpired
	}
	return ReasonInactive
}

// unavailable is the fail-closed answer handed out when a fetch fails.
func unavailable(userID string, kind ledgerdomain.LimitKind, now time.Time) CachedEntitlement {
	return CachedEntitlement{
		SchemaVersion:      SchemaVersion,
		UserID:             userID,
		LimitKind:          kind,
		ReasonCannotCreate: ReasonUnavailable,
		Timestamp:          now,
		Retryable:          true,
	}
}

func encodeEntry(entry CachedEntitlement) ([]byte, error) {
	entry.Retryable = false
	return json.Marshal(entry)
}

// decodeEntry rejects anything this build did not write for key's identity.
func decodeEntry(raw []byte, userID string, kind ledgerdomain.LimitKind) (CachedEntitlement, error) {
	var entry CachedEntitlement
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedEntitlement{}, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	switch {
	case entry.SchemaVersion != SchemaVersion:
		return CachedEntitlement{}, fmt.Errorf("%w: schema version %d", ErrCorruptEntry, entry.SchemaVersion)
	case entry.Timestamp.IsZero():
		return CachedEntitlement{}, fmt.Errorf("%w: missing timestamp", ErrCorruptEntry)
	case entry.UserID != userID || entry.LimitKind != kind:
		return CachedEntitlement{}, fmt.Errorf("%w: identity mismatch", ErrCorruptEntry)
	}
	entry.Retryable = false
	return entry, nil
}
