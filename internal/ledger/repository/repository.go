package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/speechgate/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type decisionRow struct {
	Allowed          *bool
	Reason           *string
	CreditsRemaining *int64
	CreditsGranted   *int64
	PeriodID         *string
}

// CheckPermission calls procedure, a set-returning function that evaluates
// the user's credit atomically on the server. procedure must come from a fixed
// allow-list because it is interpolated into the statement.
func (r *repo) CheckPermission(ctx context.Context, db *gorm.DB, procedure, userID string) (domain.PermissionDecision, error) {
	var rows []decisionRow
	query := fmt.Sprintf(
		`SELECT allowed, reason, credits_remaining, credits_granted, period_id FROM %s(?)`,
		procedure,
	)
	if err := db.WithContext(ctx).Raw(query, userID).Scan(&rows).Error; err != nil {
		return domain.PermissionDecision{}, err
	}

	if len(rows) != 1 {
		return domain.PermissionDecision{}, fmt.Errorf("%w: %s returned %d rows", domain.ErrMalformedDecision, procedure, len(rows))
	}
	row := rows[0]
	if row.Allowed == nil {
		return domain.PermissionDecision{}, fmt.Errorf("%w: %s returned null allowed", domain.ErrMalformedDecision, procedure)
	}

	decision := domain.PermissionDecision{
		Allowed:          *row.Allowed,
		CreditsRemaining: row.CreditsRemaining,
		CreditsGranted:   row.CreditsGranted,
	}
	if row.Reason != nil {
		decision.Reason = strings.TrimSpace(*row.Reason)
	}
	if row.PeriodID != nil && strings.TrimSpace(*row.PeriodID) != "" {
		id := strings.TrimSpace(*row.PeriodID)
		decision.PeriodID = &id
	}
	if decision.CreditsRemaining != nil && *decision.CreditsRemaining < 0 {
		return domain.PermissionDecision{}, fmt.Errorf("%w: negative credits_remaining", domain.ErrMalformedDecision)
	}
	return decision, nil
}

type periodRow struct {
	ID               string
	UserID           string
	CreditsGranted   int64
	CreditsUsed      int64
	CreditsRemaining int64
	PeriodStart      time.Time
	PeriodEnd        time.Time
	IsActive         bool
}

func (r *repo) FindActivePeriod(ctx context.Context, db *gorm.DB, userID string) (*domain.CreditPeriod, error) {
	var rows []periodRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, credits_granted, credits_used, credits_remaining, period_start, period_end, is_active
		 FROM credit_periods
		 WHERE user_id = ? AND is_active = ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		userID, true,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &domain.CreditPeriod{
		ID:               row.ID,
		UserID:           row.UserID,
		CreditsGranted:   row.CreditsGranted,
		CreditsUsed:      row.CreditsUsed,
		CreditsRemaining: row.CreditsRemaining,
		PeriodStart:      row.PeriodStart.UTC(),
		PeriodEnd:        row.PeriodEnd.UTC(),
		IsActive:         row.IsActive,
	}, nil
}
