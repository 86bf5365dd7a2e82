package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrInvalidLimitKind     = errors.New("invalid_limit_kind")
	ErrUnsupportedLimitKind = errors.New("unsupported_limit_kind")
	ErrLedgerUnavailable    = errors.New("ledger_unavailable")
	ErrLedgerRejected       = errors.New("ledger_rejected")
	ErrMalformedDecision    = errors.New("ledger_malformed_decision")
)

// Client checks permissions against the backend. A failed check returns an
// error and never a zero-value decision that could be mistaken for a denial.
type Client interface {
	CheckPermission(ctx context.Context, userID string, kind LimitKind) (PermissionDecision, error)
	GetActivePeriod(ctx context.Context, userID string) (*CreditPeriod, error)
}

// Repository invokes the backend procedures.
type Repository interface {
	CheckPermission(ctx context.Context, db *gorm.DB, procedure, userID string) (PermissionDecision, error)
	FindActivePeriod(ctx context.Context, db *gorm.DB, userID string) (*CreditPeriod, error)
}

// IsFetchFailure reports whether err means no decision could be obtained.
func IsFetchFailure(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrLedgerRejected) ||
		errors.Is(err, ErrMalformedDecision)
}
