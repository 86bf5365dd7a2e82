package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.uber.org/zap"
)

var ErrPollerStopped = errors.New("poller_stopped")

// SnapshotSource fetches the lightweight subscription fields.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, userID string) (subscriptiondomain.Snapshot, error)
}

// Resyncer clears and re-primes a user's entitlements after drift.
type Resyncer interface {
	Resync(ctx context.Context, userID string, signals []Signal) error
}

// Observer is told about every snapshot a poll sees.
type Observer interface {
	Observe(userID string, snapshot subscriptiondomain.Snapshot)
}

// Deps are the collaborators shared by every poller.
type Deps struct {
	Source   SnapshotSource
	Resyncer Resyncer
	Observer Observer
	Clock    clock.Clock
	Config   *config.EntitlementConfigHolder
	Log      *zap.Logger
	Metrics  *obsmetrics.EntitlementMetrics
}

// Poller reconciles one user's session against the backend.
type Poller struct {
	userID string
	deps   Deps
	log    *zap.Logger

	mu    sync.Mutex
	obs   Observation
	route Route
	// cancels the resync of the tick in flight
	cancelResync context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wake     chan struct{}
	done     chan struct{}
}

// NewPoller baselines on baseline, which may be nil when the session has not
// seen the subscription yet.
func NewPoller(userID string, baseline *subscriptiondomain.Snapshot, route Route, deps Deps) *Poller {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystemClock()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	obs := Observation{LastPollAt: deps.Clock.Now()}
	if baseline != nil {
		snapshot := *baseline
		obs.Baseline = &snapshot
		obs.LastRecentUpdate = snapshot.UpdatedAt
	}

	return &Poller{
		userID: userID,
		deps:   deps,
		log:    deps.Log.Named("reconcile.poller").With(zap.String("user_id", userID)),
		obs:    obs,
		route:  route,
		stopCh: make(chan struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *Poller) UserID() string { return p.userID }

// Interval is the delay before the next tick for the current route.
func (p *Poller) Interval() time.Duration {
	cfg := p.deps.Config.Get().Reconcile
	p.mu.Lock()
	route := p.route
	p.mu.Unlock()

	interval := cfg.PollInterval
	if route == RouteAuthoring && interval > cfg.AuthoringPollInterval {
		interval = cfg.AuthoringPollInterval
	}
	return interval
}

// SetRoute changes the route and re-times a running loop.
func (p *Poller) SetRoute(route Route) {
	p.mu.Lock()
	changed := p.route != route
	p.route = route
	p.mu.Unlock()
	if !changed {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) Route() Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.route
}

// Observation returns a copy of the current poll state.
func (p *Poller) Observation() Observation {
	p.mu.Lock()
	defer p.mu.Unlock()
	obs := p.obs
	if obs.Baseline != nil {
		snapshot := *obs.Baseline
		obs.Baseline = &snapshot
	}
	return obs
}

// Tick runs one poll. It returns the signals that were acted on. After a
// failed resync the baseline is kept so the next tick detects the same drift.
func (p *Poller) Tick(ctx context.Context) ([]Signal, error) {
	if p.Stopped() {
		return nil, ErrPollerStopped
	}
	cfg := p.deps.Config.Get().Reconcile

	pollCtx, cancel := context.WithTimeout(ctx, cfg.PollTimeout)
	snapshot, err := p.deps.Source.GetSnapshot(pollCtx, p.userID)
	cancel()
	if err != nil {
		p.deps.Metrics.IncPollTick(obsmetrics.PollResultError)
		return nil, fmt.Errorf("poll subscription: %w", err)
	}

	now := p.deps.Clock.Now()
	p.mu.Lock()
	if p.Stopped() {
		p.mu.Unlock()
		return nil, ErrPollerStopped
	}
	signals := Detect(p.obs, snapshot, now, cfg.RecentUpdateWindow)
	if len(signals) == 0 {
		p.obs.LastPollAt = now
		if p.obs.Baseline == nil {
			p.obs.Baseline = &snapshot
		}
		p.observe(snapshot)
		p.mu.Unlock()
		p.deps.Metrics.IncPollTick(obsmetrics.PollResultNoDrift)
		return nil, nil
	}
	// Stop takes p.mu, so neither the observation nor the resync can start
	// after a teardown that has already returned
	p.observe(snapshot)
	resyncCtx, cancelResync := context.WithCancel(ctx)
	p.cancelResync = cancelResync
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancelResync = nil
		p.mu.Unlock()
		cancelResync()
	}()

	p.deps.Metrics.IncPollTick(obsmetrics.PollResultDrift)
	for _, signal := range signals {
		p.deps.Metrics.IncDriftSignal(string(signal))
	}
	p.log.Info("subscription drift detected",
		zap.Any("signals", signals),
		zap.String("plan", string(snapshot.Plan)),
		zap.String("status", string(snapshot.Status)),
		zap.Time("updated_at", snapshot.UpdatedAt),
	)

	if err := p.deps.Resyncer.Resync(resyncCtx, p.userID, signals); err != nil {
		if p.Stopped() {
			return signals, ErrPollerStopped
		}
		return signals, fmt.Errorf("resync after drift: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Stopped() {
		return signals, ErrPollerStopped
	}
	p.obs.Baseline = &snapshot
	p.obs.LastPollAt = now
	p.obs.LastRecentUpdate = snapshot.UpdatedAt
	return signals, nil
}

func (p *Poller) observe(snapshot subscriptiondomain.Snapshot) {
	if p.deps.Observer != nil {
		p.deps.Observer.Observe(p.userID, snapshot)
	}
}

// Run ticks until ctx is cancelled or Stop is called. Failures are logged and
// retried on the next tick.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.Interval())
		case <-timer.C:
			p.runTick(ctx)
			timer.Reset(p.Interval())
		}
	}
}

func (p *Poller) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Metrics.IncPollTick(obsmetrics.PollResultError)
			p.log.Error("reconcile tick panicked", zap.Any("panic", r))
		}
	}()

	if _, err := p.Tick(ctx); err != nil && !errors.Is(err, ErrPollerStopped) {
		p.log.Warn("reconcile poll failed", zap.Error(err))
	}
}

// Stop tears the poller down. A resync in flight is cancelled before Stop
// returns and the results of the tick are discarded.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelResync != nil {
		p.cancelResync()
	}
}

func (p *Poller) Stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Done is closed when Run returns.
func (p *Poller) Done() <-chan struct{} { return p.done }
