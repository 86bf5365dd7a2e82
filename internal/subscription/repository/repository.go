package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/speechgate/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type recordRow struct {
	UserID    string
	Plan      string
	Status    string
	StartDate time.Time
	EndDate   *time.Time
	UpdatedAt time.Time
}

func (r *repo) FindRecord(ctx context.Context, db *gorm.DB, userID string) (*domain.SubscriptionRecord, error) {
	var rows []recordRow
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, plan, status, start_date, end_date, updated_at
		 FROM subscriptions
		 WHERE user_id = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &domain.SubscriptionRecord{
		UserID:    row.UserID,
		Plan:      domain.NormalizePlan(domain.PlanTier(row.Plan)),
		Status:    domain.NormalizeStatus(domain.SubscriptionStatus(row.Status)),
		StartDate: row.StartDate.UTC(),
		EndDate:   utcPtr(row.EndDate),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

type snapshotRow struct {
	Plan      string
	Status    string
	EndDate   *time.Time
	UpdatedAt time.Time
}

func (r *repo) FindSnapshot(ctx context.Context, db *gorm.DB, userID string) (*domain.Snapshot, error) {
	var rows []snapshotRow
	err := db.WithContext(ctx).Raw(
		`SELECT plan, status, end_date, updated_at
		 FROM subscriptions
		 WHERE user_id = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &domain.Snapshot{
		Plan:      domain.NormalizePlan(domain.PlanTier(row.Plan)),
		Status:    domain.NormalizeStatus(domain.SubscriptionStatus(row.Status)),
		EndDate:   utcPtr(row.EndDate),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
