package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/speechgate/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	"github.com/smallbiznis/speechgate/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"github.com/smallbiznis/speechgate/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// procedures maps each limit kind to the backend function that checks it.
var procedures = map[domain.LimitKind]string{
	domain.LimitKindSpeeches: "check_speech_permission",
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Metrics *obsmetrics.EntitlementMetrics `optional:"true"`
}

type Client struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	metrics *obsmetrics.EntitlementMetrics
}

func NewClient(p Params) domain.Client {
	return &Client{
		db:      p.DB,
		log:     p.Log.Named("ledger.client"),
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (c *Client) CheckPermission(ctx context.Context, userID string, kind domain.LimitKind) (domain.PermissionDecision, error) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return domain.PermissionDecision{}, err
	}
	procedure, ok := procedures[kind]
	if !ok {
		return domain.PermissionDecision{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedLimitKind, kind)
	}

	ctx, span := tracing.Tracer("ledger").Start(ctx, "ledger.CheckPermission")
	span.SetAttributes(
		attribute.String("ledger.procedure", procedure),
		attribute.String("limit_kind", string(kind)),
	)

	decision, err := c.repo.CheckPermission(ctx, c.db, procedure, userID)
	err = classify(err)
	tracing.EndSpan(span, err)

	c.metrics.IncRemoteCheck(string(kind), outcome(decision, err))
	if err != nil {
		c.log.Warn("permission check failed",
			zap.String("user_id", userID),
			zap.String("limit_kind", string(kind)),
			zap.Error(err),
		)
		return domain.PermissionDecision{}, err
	}
	return decision, nil
}

func (c *Client) GetActivePeriod(ctx context.Context, userID string) (*domain.CreditPeriod, error) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer("ledger").Start(ctx, "ledger.GetActivePeriod")
	period, err := c.repo.FindActivePeriod(ctx, c.db, userID)
	err = classify(err)
	tracing.EndSpan(span, err)
	return period, err
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrMalformedDecision):
		return err
	case db.IsUnavailableErr(err):
		return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}
	if code, ok := db.ServerErrorCode(err); ok {
		return fmt.Errorf("%w: sqlstate %s: %w", domain.ErrLedgerRejected, code, err)
	}
	// anything the driver did not attribute to the server is treated as transport
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}

func outcome(decision domain.PermissionDecision, err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedDecision):
		return obsmetrics.RemoteOutcomeMalformed
	case err != nil:
		return obsmetrics.RemoteOutcomeUnavailable
	case decision.Allowed:
		return obsmetrics.RemoteOutcomeAllowed
	default:
		return obsmetrics.RemoteOutcomeDenied
	}
}
