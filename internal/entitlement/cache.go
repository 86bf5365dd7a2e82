package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/speechgate/internal/cache"
	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	"github.com/smallbiznis/speechgate/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RecordSource exposes the newest subscription record the process has seen
// for a user, typically from the last profile refresh or poll.
type RecordSource interface {
	Latest(userID string) (subscriptiondomain.SubscriptionRecord, bool)
}

type Params struct {
	fx.In

	Store         cache.Store
	Subscriptions subscriptiondomain.Service
	Ledger        ledgerdomain.Client
	Clock         clock.Clock
	Config        *config.EntitlementConfigHolder
	Log           *zap.Logger
	Metrics       *obsmetrics.EntitlementMetrics `optional:"true"`
	Records       RecordSource                   `optional:"true"`
}

// Cache answers gated-action checks from the persisted store and falls back
// to the subscription record and the ledger on a miss.
type Cache struct {
	store   cache.Store
	subs    subscriptiondomain.Service
	ledger  ledgerdomain.Client
	clock   clock.Clock
	cfg     *config.EntitlementConfigHolder
	log     *zap.Logger
	metrics *obsmetrics.EntitlementMetrics
	records RecordSource

	flights singleflight.Group

	genMu       sync.Mutex
	generations map[string]uint64
}

func NewCache(p Params) *Cache {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Cache{
		store:       p.Store,
		subs:        p.Subscriptions,
		ledger:      p.Ledger,
		clock:       clk,
		cfg:         p.Config,
		log:         p.Log.Named("entitlement.cache"),
		metrics:     p.Metrics,
		records:     p.Records,
		generations: make(map[string]uint64),
	}
}

// GetDecision returns the fresh cached entry for (userID, kind) or fetches,
// stores and returns a new one. Concurrent callers for one key share a
// single fetch. On failure the returned entry is a retryable denial and the
// error wraps ErrDecisionUnavailable.
func (c *Cache) GetDecision(ctx context.Context, userID string, kind ledgerdomain.LimitKind) (CachedEntitlement, error) {
	userID, kind, err := normalize(userID, kind)
	if err != nil {
		return CachedEntitlement{}, err
	}

	cfg := c.cfg.Get()
	key := cache.EntryKey(userID, string(kind))
	now := c.clock.Now()

	entry, state := c.load(ctx, key, userID, kind, now, cfg.Cache.TTL)
	if state == StateFresh {
		c.metrics.IncCacheLookup(string(kind), obsmetrics.LookupResultHit)
		return c.override(entry, now), nil
	}
	if state == StateStale {
		c.metrics.IncCacheLookup(string(kind), obsmetrics.LookupResultStale)
	} else {
		c.metrics.IncCacheLookup(string(kind), obsmetrics.LookupResultMiss)
	}

	return c.fetch(ctx, userID, kind, key, cfg)
}

// Allow reports whether the gated action may proceed under policy.
func (c *Cache) Allow(ctx context.Context, userID string, kind ledgerdomain.LimitKind, policy FailurePolicy) (bool, error) {
	entry, err := c.GetDecision(ctx, userID, kind)
	if err != nil {
		if errors.Is(err, ErrDecisionUnavailable) && policy == FailOpen {
			return true, err
		}
		return false, err
	}
	return entry.CanCreateSpeech, nil
}

// Peek returns whatever is stored without going remote. Stale entries are
// returned for optimistic display; the expiry override still applies.
func (c *Cache) Peek(ctx context.Context, userID string, kind ledgerdomain.LimitKind) (CachedEntitlement, State, error) {
	userID, kind, err := normalize(userID, kind)
	if err != nil {
		return CachedEntitlement{}, StateEmpty, err
	}
	now := c.clock.Now()
	entry, state := c.load(ctx, cache.EntryKey(userID, string(kind)), userID, kind, now, c.cfg.Get().Cache.TTL)
	if state == StateEmpty {
		return CachedEntitlement{}, StateEmpty, nil
	}
	return c.override(entry, now), state, nil
}

// Refresh drops the entry and fetches a new one.
func (c *Cache) Refresh(ctx context.Context, userID string, kind ledgerdomain.LimitKind) (CachedEntitlement, error) {
	if err := c.Invalidate(ctx, userID, kind, InvalidateRefresh); err != nil {
		return CachedEntitlement{}, err
	}
	return c.GetDecision(ctx, userID, kind)
}

// Invalidate deletes one entry. Fetches already in flight for the user will
// not write their result back.
func (c *Cache) Invalidate(ctx context.Context, userID string, kind ledgerdomain.LimitKind, reason InvalidationReason) error {
	userID, kind, err := normalize(userID, kind)
	if err != nil {
		return err
	}
	key := cache.EntryKey(userID, string(kind))
	c.bump(userID)
	c.flights.Forget(key)
	c.metrics.IncInvalidation(string(reason))
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// ClearUser deletes every entry of userID by key prefix.
func (c *Cache) ClearUser(ctx context.Context, userID string, reason InvalidationReason) error {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	c.bump(userID)
	for _, kind := range c.cfg.Get().Cache.LimitKinds {
		c.flights.Forget(cache.EntryKey(userID, kind))
	}
	c.metrics.IncInvalidation(string(reason))

	found, err := c.store.Keys(ctx, cache.UserPrefix(userID))
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}
	keys := make([]string, 0, len(found))
	for _, key := range found {
		owner, _, ok := cache.ParseEntryKey(key)
		if !ok || owner != userID {
			continue
		}
		c.flights.Forget(key)
		keys = append(keys, key)
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear cache keys: %w", err)
	}

	c.log.Debug("cleared cached entitlements",
		zap.String("user_id", userID),
		zap.String("reason", string(reason)),
		zap.Int("keys", len(keys)),
	)
	return nil
}

// LimitKinds lists the kinds primed on login and sync.
func (c *Cache) LimitKinds() []ledgerdomain.LimitKind {
	raw := c.cfg.Get().Cache.LimitKinds
	kinds := make([]ledgerdomain.LimitKind, 0, len(raw))
	for _, kind := range raw {
		kinds = append(kinds, ledgerdomain.LimitKind(kind))
	}
	return kinds
}

func (c *Cache) fetch(ctx context.Context, userID string, kind ledgerdomain.LimitKind, key string, cfg config.EntitlementConfig) (CachedEntitlement, error) {
	gen := c.generation(userID)
	// invalidations follow the caller's cancellation, so a caller cancelled
	// before gen was read must not start a flight that could persist
	if err := ctx.Err(); err != nil {
		return unavailable(userID, kind, c.clock.Now()), fmt.Errorf("%w: %w", ErrDecisionUnavailable, err)
	}

	ch := c.flights.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Cache.FetchTimeout)
		defer cancel()

		// the caller may have lost a race with a flight that just stored
		if entry, state := c.load(fetchCtx, key, userID, kind, c.clock.Now(), cfg.Cache.TTL); state == StateFresh {
			return entry, nil
		}

		started := time.Now()
		entry, err := c.compute(fetchCtx, userID, kind, cfg)
		c.metrics.ObserveFetch(time.Since(started))
		if err != nil {
			return nil, err
		}

		if !c.persistIfCurrent(fetchCtx, key, userID, gen, entry) {
			c.log.Debug("discarding entitlement fetched before invalidation",
				zap.String("user_id", userID),
				zap.String("limit_kind", string(kind)),
			)
		}
		return entry, nil
	})

	select {
	case res := <-ch:
		now := c.clock.Now()
		if res.Err != nil {
			c.log.Warn("entitlement fetch failed",
				zap.String("user_id", userID),
				zap.String("limit_kind", string(kind)),
				zap.Error(res.Err),
			)
			return unavailable(userID, kind, now), fmt.Errorf("%w: %w", ErrDecisionUnavailable, res.Err)
		}
		return c.override(res.Val.(CachedEntitlement), now), nil
	case <-ctx.Done():
		return unavailable(userID, kind, c.clock.Now()), fmt.Errorf("%w: %w", ErrDecisionUnavailable, ctx.Err())
	}
}

func (c *Cache) compute(ctx context.Context, userID string, kind ledgerdomain.LimitKind, cfg config.EntitlementConfig) (CachedEntitlement, error) {
	ctx, span := tracing.Tracer("entitlement").Start(ctx, "entitlement.fetch")
	span.SetAttributes(attribute.String("limit_kind", string(kind)))

	entry, err := c.computeEntry(ctx, userID, kind, cfg)
	tracing.EndSpan(span, err)
	return entry, err
}

func (c *Cache) computeEntry(ctx context.Context, userID string, kind ledgerdomain.LimitKind, cfg config.EntitlementConfig) (CachedEntitlement, error) {
	record, err := c.subs.GetRecord(ctx, userID)
	if err != nil {
		return CachedEntitlement{}, fmt.Errorf("read subscription: %w", err)
	}

	evaluator := subscriptiondomain.NewEvaluator(cfg.Policy.GracePeriod)
	status := evaluator.Evaluate(record, c.clock.Now())
	if status.MissingEndDate {
		c.log.Warn("subscription has no end date for a plan that requires one",
			zap.String("user_id", userID),
			zap.String("plan", string(status.NominalPlan)),
		)
	}

	// an expired or inactive plan is denied without spending a ledger call
	var decision *ledgerdomain.PermissionDecision
	if status.CanUse() {
		d, err := c.ledger.CheckPermission(ctx, userID, kind)
		if err != nil {
			return CachedEntitlement{}, err
		}
		decision = &d
	}

	return compose(record, kind, status, decision, cfg.Cache.UnlimitedCreditThreshold, c.clock.Now()), nil
}

// override re-evaluates the entry's subscription at now, preferring a newer
// record when one is known, and withdraws access the record no longer grants.
func (c *Cache) override(entry CachedEntitlement, now time.Time) CachedEntitlement {
	record := entry.Subscription.Record(entry.UserID)
	if c.records != nil {
		if latest, ok := c.records.Latest(entry.UserID); ok && latest.UpdatedAt.After(record.UpdatedAt) {
			record = latest
		}
	}

	status := subscriptiondomain.NewEvaluator(c.cfg.Get().Policy.GracePeriod).Evaluate(record, now)
	if status.CanUse() {
		return entry
	}
	if entry.CanCreateSpeech {
		c.metrics.IncOverride(string(entry.LimitKind))
	}
	return entry.restrict(status)
}

// load reads and validates key. Corrupt entries are deleted and read as Empty.
func (c *Cache) load(ctx context.Context, key, userID string, kind ledgerdomain.LimitKind, now time.Time, ttl time.Duration) (CachedEntitlement, State) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache store read failed", zap.String("key", key), zap.Error(err))
		return CachedEntitlement{}, StateEmpty
	}
	if !ok {
		return CachedEntitlement{}, StateEmpty
	}

	entry, err := decodeEntry(raw, userID, kind)
	if err != nil {
		c.metrics.IncCacheLookup(string(kind), obsmetrics.LookupResultCorrupt)
		c.log.Warn("dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.log.Warn("cache store delete failed", zap.String("key", key), zap.Error(delErr))
		}
		return CachedEntitlement{}, StateEmpty
	}
	return entry, entry.State(now, ttl)
}

// persistIfCurrent writes entry unless userID was invalidated after gen was
// read. The generation lock is held across the write so an invalidation
// either precedes it or deletes what it wrote.
func (c *Cache) persistIfCurrent(ctx context.Context, key, userID string, gen uint64, entry CachedEntitlement) bool {
	raw, err := encodeEntry(entry)
	if err != nil {
		c.log.Warn("encode cache entry failed", zap.String("key", key), zap.Error(err))
		return true
	}

	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.generations[userID] != gen {
		return false
	}
	if err := c.store.Set(ctx, key, raw); err != nil {
		c.log.Warn("cache store write failed", zap.String("key", key), zap.Error(err))
	}
	return true
}

func (c *Cache) generation(userID string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.generations[userID]
}

func (c *Cache) bump(userID string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.generations[userID]++
}

func normalize(userID string, kind ledgerdomain.LimitKind) (string, ledgerdomain.LimitKind, error) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return "", "", err
	}
	kind, err = ledgerdomain.ParseLimitKind(string(kind))
	if err != nil {
		return "", "", err
	}
	return userID, kind, nil
}
