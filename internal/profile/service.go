// Package profile keeps the per-user session view: the subscription record,
// its evaluated plan and the active credit period.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrForgotten = errors.New("profile_forgotten")

// Profile is what a signed-in session shows about the user's plan.
type Profile struct {
	UserID        string                                 `json:"user_id"`
	Subscription  subscriptiondomain.SubscriptionRecord  `json:"subscription"`
	Plan          subscriptiondomain.EffectivePlanStatus `json:"plan"`
	CreditPeriod  *ledgerdomain.CreditPeriod             `json:"credit_period,omitempty"`
	SpeechesLimit int64                                  `json:"speeches_limit"`
	RefreshedAt   time.Time                              `json:"refreshed_at"`
}

type Params struct {
	fx.In

	Subscriptions subscriptiondomain.Service
	Ledger        ledgerdomain.Client
	Clock         clock.Clock
	Config        *config.EntitlementConfigHolder
	Log           *zap.Logger
}

type Service struct {
	subs   subscriptiondomain.Service
	ledger ledgerdomain.Client
	clock  clock.Clock
	cfg    *config.EntitlementConfigHolder
	log    *zap.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
	// newest record seen per user, from a refresh or a poll
	latest map[string]subscriptiondomain.SubscriptionRecord
	// bumped by Forget; a refresh started before it does not store
	generations map[string]uint64
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		subs:     p.Subscriptions,
		ledger:   p.Ledger,
		clock:    clk,
		cfg:      p.Config,
		log:      p.Log.Named("profile.service"),
		profiles: make(map[string]Profile),
		latest:   make(map[string]subscriptiondomain.SubscriptionRecord),

		generations: make(map[string]uint64),
	}
}

// Refresh reloads the subscription record and the active credit period.
// A missing credit period is not an error; the plan limit is shown instead.
// When the user is forgotten while the refresh runs, the result is returned
// but not stored, and ErrForgotten is reported.
func (s *Service) Refresh(ctx context.Context, userID string) (Profile, error) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	gen := s.generations[userID]
	s.mu.RUnlock()
	// a caller cancelled before gen was read may already be past Forget
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	ctx, span := tracing.Tracer("profile").Start(ctx, "profile.Refresh")
	profile, err := s.load(ctx, userID)
	tracing.EndSpan(span, err)
	if err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[userID] != gen {
		s.log.Debug("discarding profile loaded before forget", zap.String("user_id", userID))
		return profile, ErrForgotten
	}
	s.profiles[userID] = profile
	s.observeLocked(profile.Subscription)
	return profile, nil
}

func (s *Service) load(ctx context.Context, userID string) (Profile, error) {
	var (
		record subscriptiondomain.SubscriptionRecord
		period *ledgerdomain.CreditPeriod
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		record, err = s.subs.GetRecord(gctx, userID)
		if err != nil {
			return fmt.Errorf("read subscription: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		period, err = s.ledger.GetActivePeriod(gctx, userID)
		if err != nil {
			// display only; the plan limit stands in for it
			s.log.Warn("credit period read failed", zap.String("user_id", userID), zap.Error(err))
			period = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Profile{}, err
	}

	cfg := s.cfg.Get()
	now := s.clock.Now()
	plan := subscriptiondomain.NewEvaluator(cfg.Policy.GracePeriod).Evaluate(record, now)

	limit := plan.SpeechesLimit
	if period != nil && plan.CanUse() {
		granted := period.CreditsGranted
		limit = subscriptiondomain.ResolveSpeechesLimit(&granted, cfg.Cache.UnlimitedCreditThreshold, plan.SpeechesLimit)
	}

	return Profile{
		UserID:        userID,
		Subscription:  record,
		Plan:          plan,
		CreditPeriod:  period,
		SpeechesLimit: limit,
		RefreshedAt:   now,
	}, nil
}

// Get returns the last refreshed profile.
func (s *Service) Get(userID string) (Profile, bool) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return Profile{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[userID]
	return profile, ok
}

// GetOrRefresh returns the cached profile, refreshing when there is none.
func (s *Service) GetOrRefresh(ctx context.Context, userID string) (Profile, error) {
	if profile, ok := s.Get(userID); ok {
		return profile, nil
	}
	return s.Refresh(ctx, userID)
}

// Latest returns the newest subscription record known for userID.
func (s *Service) Latest(userID string) (subscriptiondomain.SubscriptionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.latest[userID]
	return record, ok
}

// Observe records a subscription state seen outside a refresh, such as a
// poll. Older observations are ignored.
func (s *Service) Observe(userID string, snapshot subscriptiondomain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(snapshot.Record(userID))
}

func (s *Service) observeLocked(record subscriptiondomain.SubscriptionRecord) {
	current, ok := s.latest[record.UserID]
	if ok && !record.UpdatedAt.After(current.UpdatedAt) {
		return
	}
	if ok && record.StartDate.IsZero() {
		record.StartDate = current.StartDate
	}
	s.latest[record.UserID] = record
}

// Forget drops everything held for userID.
func (s *Service) Forget(userID string) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
	delete(s.latest, userID)
	s.generations[userID]++
}
