package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/speechgate/internal/observability/tracing"
	"github.com/smallbiznis/speechgate/internal/subscription/domain"
	"github.com/smallbiznis/speechgate/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("subscription.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetRecord(ctx context.Context, userID string) (domain.SubscriptionRecord, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}

	ctx, span := tracing.Tracer("subscription").Start(ctx, "subscription.GetRecord")
	record, err := s.repo.FindRecord(ctx, s.db, userID)
	err = classify(err)
	if err == nil && record == nil {
		err = domain.ErrSubscriptionNotFound
	}
	if record != nil {
		span.SetAttributes(attribute.String("subscription.plan", string(record.Plan)))
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	return *record, nil
}

func (s *Service) GetSnapshot(ctx context.Context, userID string) (domain.Snapshot, error) {
	userID, err := domain.NormalizeUserID(userID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	ctx, span := tracing.Tracer("subscription").Start(ctx, "subscription.GetSnapshot")
	snapshot, err := s.repo.FindSnapshot(ctx, s.db, userID)
	err = classify(err)
	if err == nil && snapshot == nil {
		err = domain.ErrSubscriptionNotFound
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return *snapshot, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if db.IsUnavailableErr(err) {
		return fmt.Errorf("%w: %w", domain.ErrSubscriptionUnavailable, err)
	}
	return fmt.Errorf("read subscription: %w", err)
}
