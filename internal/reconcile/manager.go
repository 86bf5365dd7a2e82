package reconcile

import (
	"context"
	"sync"

	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Source   subscriptiondomain.Service
	Resyncer Resyncer
	Observer Observer `optional:"true"`
	Clock    clock.Clock
	Config   *config.EntitlementConfigHolder
	Log      *zap.Logger
	Metrics  *obsmetrics.EntitlementMetrics `optional:"true"`
}

// Manager owns one poller per signed-in user.
type Manager struct {
	deps Deps
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*Poller
}

func NewManager(p Params) *Manager {
	return NewManagerWithDeps(Deps{
		Source:   p.Source,
		Resyncer: p.Resyncer,
		Observer: p.Observer,
		Clock:    p.Clock,
		Config:   p.Config,
		Log:      p.Log,
		Metrics:  p.Metrics,
	})
}

func NewManagerWithDeps(deps Deps) *Manager {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		log:     deps.Log.Named("reconcile.manager"),
		ctx:     ctx,
		cancel:  cancel,
		pollers: make(map[string]*Poller),
	}
}

// Start runs a poller for userID, replacing any existing one.
func (m *Manager) Start(userID string, baseline *subscriptiondomain.Snapshot, route Route) *Poller {
	poller := NewPoller(userID, baseline, route, m.deps)

	m.mu.Lock()
	previous := m.pollers[userID]
	m.pollers[userID] = poller
	m.mu.Unlock()

	if previous != nil {
		previous.Stop()
	} else {
		m.deps.Metrics.AddActivePollers(1)
	}

	go poller.Run(m.ctx)
	m.log.Debug("poller started",
		zap.String("user_id", userID),
		zap.String("route", string(route)),
		zap.Duration("interval", poller.Interval()),
	)
	return poller
}

// Stop tears down the user's poller. It reports whether one was running.
func (m *Manager) Stop(userID string) bool {
	m.mu.Lock()
	poller, ok := m.pollers[userID]
	delete(m.pollers, userID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	poller.Stop()
	m.deps.Metrics.AddActivePollers(-1)
	return true
}

// SetRoute re-times the user's poller. It reports whether one was running.
func (m *Manager) SetRoute(userID string, route Route) bool {
	poller, ok := m.Get(userID)
	if !ok {
		return false
	}
	poller.SetRoute(route)
	return true
}

func (m *Manager) Get(userID string) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	poller, ok := m.pollers[userID]
	return poller, ok
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}

// StopAll stops every poller and waits for their loops to exit or ctx to end.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	pollers := make([]*Poller, 0, len(m.pollers))
	for userID, poller := range m.pollers {
		pollers = append(pollers, poller)
		delete(m.pollers, userID)
	}
	m.mu.Unlock()

	m.cancel()
	for _, poller := range pollers {
		poller.Stop()
		m.deps.Metrics.AddActivePollers(-1)
	}
	for _, poller := range pollers {
		select {
		case <-poller.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
