// Package session ties a signed-in user's lifecycle to the engine: login
// primes and starts reconciliation, logout tears it down.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/speechgate/internal/entitlement"
	"github.com/smallbiznis/speechgate/internal/plansync"
	"github.com/smallbiznis/speechgate/internal/profile"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoSession = errors.New("session_not_found")

type Params struct {
	fx.In

	Coordinator *plansync.Coordinator
	Pollers     *reconcile.Manager
	Cache       *entitlement.Cache
	Profiles    *profile.Service
	Log         *zap.Logger
}

type Service struct {
	coordinator *plansync.Coordinator
	pollers     *reconcile.Manager
	cache       *entitlement.Cache
	profiles    *profile.Service
	log         *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		coordinator: p.Coordinator,
		pollers:     p.Pollers,
		cache:       p.Cache,
		profiles:    p.Profiles,
		log:         p.Log.Named("session.service"),
	}
}

// Login refreshes the profile, primes the cache and starts a poller
// baselined on what was loaded. When priming fails the poller still starts,
// without a baseline, and the error is returned.
func (s *Service) Login(ctx context.Context, userID string, route reconcile.Route) (plansync.Result, error) {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return plansync.Result{}, err
	}

	result, err := s.coordinator.ForceSync(ctx, userID, plansync.TriggerLogin)
	if err != nil {
		s.pollers.Start(userID, nil, route)
		return plansync.Result{}, fmt.Errorf("login sync: %w", err)
	}

	baseline := result.Profile.Subscription.Snapshot()
	s.pollers.Start(userID, &baseline, route)
	return result, nil
}

// Logout stops the poller, clears cached entitlements and forgets the
// profile. It is safe to call for a user without a session.
func (s *Service) Logout(ctx context.Context, userID string) error {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return err
	}

	s.pollers.Stop(userID)
	s.profiles.Forget(userID)
	if err := s.cache.ClearUser(ctx, userID, entitlement.InvalidateLogout); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.log.Debug("session closed", zap.String("user_id", userID))
	return nil
}

// SetRoute re-times the user's poller for route.
func (s *Service) SetRoute(userID string, route reconcile.Route) error {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	if !s.pollers.SetRoute(userID, route) {
		return ErrNoSession
	}
	return nil
}

// Active reports whether userID has a running poller.
func (s *Service) Active(userID string) bool {
	userID, err := subscriptiondomain.NormalizeUserID(userID)
	if err != nil {
		return false
	}
	_, ok := s.pollers.Get(userID)
	return ok
}
