// Package plansync runs forced plan syncs: clear a user's cached
// entitlements, reload the profile and re-prime every limit kind as one
// unit. Concurrent requests for the same user join the running sync.
package plansync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	"github.com/smallbiznis/speechgate/internal/observability/tracing"
	"github.com/smallbiznis/speechgate/internal/profile"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidTrigger = errors.New("invalid_sync_trigger")

// Trigger records why a sync ran.
type Trigger string

const (
	TriggerManual           Trigger = "manual"
	TriggerPaymentCompleted Trigger = "payment_completed"
	TriggerDrift            Trigger = "drift"
	TriggerLogin            Trigger = "login"
)

// ParseTrigger parses a trigger supplied by a caller. Only the user-facing
// triggers are accepted; drift and login syncs are started internally.
func ParseTrigger(raw string) (Trigger, error) {
	switch trigger := Trigger(strings.ToLower(strings.TrimSpace(raw))); trigger {
	case "":
		return TriggerManual, nil
	case TriggerManual, TriggerPaymentCompleted:
		return trigger, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTrigger, raw)
	}
}

// confirms reports whether the user asked for this sync and expects to be told.
func (t Trigger) confirms() bool {
	return t == TriggerManual || t == TriggerPaymentCompleted
}

// Result describes one completed sync. Joined is set for callers that
// attached to a sync started by someone else.
type Result struct {
	ID           string                          `json:"id"`
	UserID       string                          `json:"user_id"`
	Trigger      Trigger                         `json:"trigger"`
	Profile      profile.Profile                 `json:"profile"`
	Entitlements []entitlement.CachedEntitlement `json:"entitlements"`
	Joined       bool                            `json:"joined"`
	Confirmation string                          `json:"confirmation,omitempty"`
	StartedAt    time.Time                       `json:"started_at"`
	CompletedAt  time.Time                       `json:"completed_at"`
}

// Notifier delivers the user-facing confirmation of a sync.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

type logNotifier struct {
	log *zap.Logger
}

func (n logNotifier) Notify(_ context.Context, userID, message string) error {
	n.log.Info("plan sync confirmed", zap.String("user_id", userID), zap.String("message", message))
	return nil
}

type Params struct {
	fx.In

	Cache    *entitlement.Cache
	Profiles *profile.Service
	Node     *snowflake.Node
	Clock    clock.Clock
	Config   *config.EntitlementConfigHolder
	Log      *zap.Logger
	Metrics  *obsmetrics.EntitlementMetrics `optional:"true"`
	Notifier Notifier                       `optional:"true"`
}

type Coordinator struct {
	cache    *entitlement.Cache
	profiles *profile.Service
	node     *snowflake.Node
	clock    clock.Clock
	cfg      *config.EntitlementConfigHolder
	log      *zap.Logger
	metrics  *obsmetrics.EntitlementMetrics
	notifier Notifier

	flights singleflight.Group
}

func NewCoordinator(p Params) *Coordinator {
	log := p.Log.Named("plansync.coordinator")
	notifier := p.Notifier
	if notifier == nil {
		notifier = logNotifier{log: log}
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Coordinator{
		cache:    p.Cache,
		profiles: p.Profiles,
		node:     p.Node,
		clock:    clk,
		cfg:      p.Config,
		log:      log,
		metrics:  p.Metrics,
		notifier: notifier,
	}
}

// ForceSync clears the user's cache and refetches the profile and every
// limit kind, returning once both have finished. A call made while a sync
// for the same user is running waits for that sync instead of starting one.
// The sync itself is not bound to ctx; ctx only bounds how long this caller
// waits.
func (c *Coordinator) ForceSync(ctx context.Context, userID string, trigger Trigger) (Result, error) {
	return c.forceSync(ctx, userID, trigger, true)
}

// forceSync starts or joins the user's sync. A detached sync outlives ctx;
// otherwise the sync it starts stops at the next step once ctx is done.
func (c *Coordinator) forceSync(ctx context.Context, userID string, trigger Trigger, detach bool) (Result, error) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return Result{}, err
	}
	if trigger == "" {
		trigger = TriggerManual
	}

	leader := false
	ch := c.flights.DoChan(userID, func() (any, error) {
		leader = true
		runCtx := ctx
		if detach {
			runCtx = context.WithoutCancel(ctx)
		}
		return c.run(runCtx, userID, trigger)
	})

	select {
	case res := <-ch:
		if !leader {
			c.metrics.IncSyncJoined()
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		result := res.Val.(Result)
		result.Joined = !leader
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resync is the reconciliation hook. It runs a drift-triggered sync bound to
// ctx, which the poller cancels on teardown.
func (c *Coordinator) Resync(ctx context.Context, userID string, signals []reconcile.Signal) error {
	c.log.Debug("resync requested", zap.String("user_id", userID), zap.Any("signals", signals))
	_, err := c.forceSync(ctx, userID, TriggerDrift, false)
	return err
}

func (c *Coordinator) run(ctx context.Context, userID string, trigger Trigger) (Result, error) {
	cfg := c.cfg.Get()
	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout)
	defer cancel()

	ctx, span := tracing.Tracer("plansync").Start(ctx, "plansync.ForceSync")
	span.SetAttributes(attribute.String("sync.trigger", string(trigger)))

	result, err := c.sync(ctx, userID, trigger)
	tracing.EndSpan(span, err)

	if err != nil {
		c.metrics.IncSyncRun(string(trigger), obsmetrics.SyncResultFailed)
		c.log.Warn("plan sync failed",
			zap.String("user_id", userID),
			zap.String("trigger", string(trigger)),
			zap.Error(err),
		)
		return Result{}, err
	}
	c.metrics.IncSyncRun(string(trigger), obsmetrics.SyncResultOK)
	return result, nil
}

func (c *Coordinator) sync(ctx context.Context, userID string, trigger Trigger) (Result, error) {
	result := Result{
		ID:        c.nextID(),
		UserID:    userID,
		Trigger:   trigger,
		StartedAt: c.clock.Now(),
	}

	reason := entitlement.InvalidateSync
	if trigger == TriggerDrift {
		reason = entitlement.InvalidateDrift
	}
	if err := c.cache.ClearUser(ctx, userID, reason); err != nil {
		return Result{}, fmt.Errorf("clear cache: %w", err)
	}
	// the session may have ended while the cache was cleared
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sync abandoned: %w", err)
	}

	kinds := c.cache.LimitKinds()
	entries := make([]entitlement.CachedEntitlement, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.profiles.Refresh(gctx, userID)
		if err != nil {
			return fmt.Errorf("refresh profile: %w", err)
		}
		result.Profile = p
		return nil
	})
	for i, kind := range kinds {
		g.Go(func() error {
			entry, err := c.cache.GetDecision(gctx, userID, kind)
			if err != nil {
				return fmt.Errorf("prime %s: %w", kind, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result.Entitlements = entries
	result.CompletedAt = c.clock.Now()
	if trigger.confirms() {
		result.Confirmation = confirmation(result.Profile)
		if err := c.notifier.Notify(ctx, userID, result.Confirmation); err != nil {
			c.log.Warn("sync confirmation not delivered", zap.String("user_id", userID), zap.Error(err))
		}
	}

	c.log.Info("plan synced",
		zap.String("sync_id", result.ID),
		zap.String("user_id", userID),
		zap.String("trigger", string(trigger)),
		zap.String("effective_plan", string(result.Profile.Plan.EffectivePlan)),
	)
	return result, nil
}

// Entitlement returns the entry for kind from a sync result.
func (r Result) Entitlement(kind ledgerdomain.LimitKind) (entitlement.CachedEntitlement, bool) {
	for _, entry := range r.Entitlements {
		if entry.LimitKind == kind {
			return entry, true
		}
	}
	return entitlement.CachedEntitlement{}, false
}

func confirmation(p profile.Profile) string {
	return fmt.Sprintf("Your plan is up to date: %s.", p.Plan.EffectivePlan)
}

func (c *Coordinator) nextID() string {
	if c.node == nil {
		return ""
	}
	return c.node.Generate().String()
}
