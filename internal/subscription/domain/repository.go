package domain

import (
	"context"

	"gorm.io/gorm"
)

// Repository returns nil without error when the user has no subscription row.
type Repository interface {
	FindRecord(ctx context.Context, db *gorm.DB, userID string) (*SubscriptionRecord, error)
	FindSnapshot(ctx context.Context, db *gorm.DB, userID string) (*Snapshot, error)
}
