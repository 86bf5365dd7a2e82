package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidUserID           = errors.New("invalid_user_id")
	ErrSubscriptionNotFound    = errors.New("subscription_not_found")
	ErrSubscriptionUnavailable = errors.New("subscription_unavailable")
)

// Service reads subscription state from the backend.
type Service interface {
	GetRecord(ctx context.Context, userID string) (SubscriptionRecord, error)
	GetSnapshot(ctx context.Context, userID string) (Snapshot, error)
}

// NormalizeUserID validates a backend user identifier and returns its
// canonical form.
func NormalizeUserID(userID string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return "", ErrInvalidUserID
	}
	return parsed.String(), nil
}
