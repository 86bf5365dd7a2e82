// Package domain describes the credit ledger as seen by the entitlement
// engine: the server-side permission decision and the credit period it is
// drawn from.
package domain

import (
	"strings"
	"time"
)

// LimitKind names a metered action.
type LimitKind string

const LimitKindSpeeches LimitKind = "speeches"

// ParseLimitKind normalizes raw. Limit kinds are part of persisted cache keys
// and may not contain underscores.
func ParseLimitKind(raw string) (LimitKind, error) {
	kind := strings.ToLower(strings.TrimSpace(raw))
	if kind == "" || strings.ContainsAny(kind, "_ ") {
		return "", ErrInvalidLimitKind
	}
	return LimitKind(kind), nil
}

// CreditPeriod is a bounded allowance window. CreditsRemaining is maintained
// by the backend and is only used for display.
type CreditPeriod struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	CreditsGranted   int64     `json:"credits_granted"`
	CreditsUsed      int64     `json:"credits_used"`
	CreditsRemaining int64     `json:"credits_remaining"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	IsActive         bool      `json:"is_active"`
}

// PermissionDecision is the result of one remote permission check.
type PermissionDecision struct {
	Allowed          bool    `json:"allowed"`
	Reason           string  `json:"reason,omitempty"`
	CreditsRemaining *int64  `json:"credits_remaining,omitempty"`
	CreditsGranted   *int64  `json:"credits_granted,omitempty"`
	PeriodID         *string `json:"period_id,omitempty"`
}
