package plansync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/speechgate/internal/cache"
	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/profile"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const userID = "5b0c0d8e-1f7e-4a7b-9f0e-2b1f3e9d7c11"

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type stubSubscriptions struct {
	mu     sync.Mutex
	record subscriptiondomain.SubscriptionRecord
}

func (s *stubSubscriptions) set(record subscriptiondomain.SubscriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = record
}

func (s *stubSubscriptions) GetRecord(context.Context, string) (subscriptiondomain.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, nil
}

func (s *stubSubscriptions) GetSnapshot(ctx context.Context, userID string) (subscriptiondomain.Snapshot, error) {
	record, err := s.GetRecord(ctx, userID)
	return record.Snapshot(), err
}

type stubLedger struct {
	mu       sync.Mutex
	calls    int
	decision ledgerdomain.PermissionDecision
	err      error
	entered  chan struct{}
	release  chan struct{}
}

func (s *stubLedger) CheckPermission(context.Context, string, ledgerdomain.LimitKind) (ledgerdomain.PermissionDecision, error) {
	s.mu.Lock()
	s.calls++
	decision, err, entered, release := s.decision, s.err, s.entered, s.release
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return decision, err
}

func (s *stubLedger) GetActivePeriod(context.Context, string) (*ledgerdomain.CreditPeriod, error) {
	return nil, nil
}

func (s *stubLedger) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubLedger) setDecision(decision ledgerdomain.PermissionDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decision = decision
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

type fixture struct {
	coordinator *Coordinator
	cache       *entitlement.Cache
	profiles    *profile.Service
	store       *cache.MemoryStore
	subs        *stubSubscriptions
	ledger      *stubLedger
	notifier    *recordingNotifier
	clock       *clock.FakeClock
	holder      *config.EntitlementConfigHolder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	remaining, granted := int64(40), int64(50)
	f := &fixture{
		store:    cache.NewMemoryStore(),
		subs:     &stubSubscriptions{},
		ledger:   &stubLedger{decision: ledgerdomain.PermissionDecision{Allowed: true, CreditsRemaining: &remaining, CreditsGranted: &granted}},
		notifier: &recordingNotifier{},
		clock:    clock.NewFakeClock(t0),
		holder:   config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig()),
	}
	end := t0.AddDate(0, 1, 0)
	f.subs.set(subscriptiondomain.SubscriptionRecord{
		UserID:    userID,
		Plan:      subscriptiondomain.PlanPremium,
		Status:    subscriptiondomain.StatusActive,
		StartDate: t0.AddDate(0, -1, 0),
		EndDate:   &end,
		UpdatedAt: t0.Add(-24 * time.Hour),
	})

	f.profiles = profile.NewService(profile.Params{
		Subscriptions: f.subs,
		Ledger:        f.ledger,
		Clock:         f.clock,
		Config:        f.holder,
		Log:           zap.NewNop(),
	})
	f.cache = entitlement.NewCache(entitlement.Params{
		Store:         f.store,
		Subscriptions: f.subs,
		Ledger:        f.ledger,
		Clock:         f.clock,
		Config:        f.holder,
		Log:           zap.NewNop(),
		Records:       f.profiles,
	})
	f.coordinator = NewCoordinator(Params{
		Cache:    f.cache,
		Profiles: f.profiles,
		Node:     node,
		Clock:    f.clock,
		Config:   f.holder,
		Log:      zap.NewNop(),
		Notifier: f.notifier,
	})
	return f
}

func TestForceSyncClearsAndReprimes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.cache.GetDecision(ctx, userID, ledgerdomain.LimitKindSpeeches)
	require.NoError(t, err)
	require.True(t, entry.CanCreateSpeech)

	zero, granted := int64(0), int64(50)
	f.ledger.setDecision(ledgerdomain.PermissionDecision{Allowed: false, CreditsRemaining: &zero, CreditsGranted: &granted})
	f.clock.Advance(10 * time.Second)

	result, err := f.coordinator.ForceSync(ctx, userID, TriggerPaymentCompleted)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)
	assert.False(t, result.Joined)
	assert.Equal(t, TriggerPaymentCompleted, result.Trigger)
	assert.Equal(t, 2, f.ledger.callCount())

	synced, ok := result.Entitlement(ledgerdomain.LimitKindSpeeches)
	require.True(t, ok)
	assert.False(t, synced.CanCreateSpeech)
	assert.True(t, synced.Timestamp.Equal(t0.Add(10*time.Second)))
	assert.Equal(t, subscriptiondomain.PlanPremium, result.Profile.Plan.EffectivePlan)

	assert.Equal(t, "Your plan is up to date: premium.", result.Confirmation)
	assert.Equal(t, []string{"Your plan is up to date: premium."}, f.notifier.messages)

	cached, state, err := f.cache.Peek(ctx, userID, ledgerdomain.LimitKindSpeeches)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateFresh, state)
	assert.False(t, cached.CanCreateSpeech)
}

func TestRepeatedForceSyncJoinsRunningSync(t *testing.T) {
	f := newFixture(t)
	f.ledger.entered = make(chan struct{}, 4)
	f.ledger.release = make(chan struct{})

	type outcome struct {
		result Result
		err    error
	}
	results := make(chan outcome, 2)
	runSync := func() {
		result, err := f.coordinator.ForceSync(context.Background(), userID, TriggerManual)
		results <- outcome{result, err}
	}

	go runSync()
	<-f.ledger.entered
	go runSync()
	time.Sleep(20 * time.Millisecond)
	close(f.ledger.release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, 1, f.ledger.callCount())
	assert.Equal(t, first.result.ID, second.result.ID)
	assert.NotEqual(t, first.result.Joined, second.result.Joined)
	assert.Len(t, f.notifier.messages, 1)
}

func TestDriftResyncHasNoConfirmation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coordinator.Resync(context.Background(), userID, []reconcile.Signal{reconcile.SignalPlanChanged}))
	assert.Empty(t, f.notifier.messages)
	assert.Equal(t, 1, f.ledger.callCount())
}

func TestForceSyncSurfacesFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = ledgerdomain.ErrLedgerUnavailable

	_, err := f.coordinator.ForceSync(context.Background(), userID, TriggerManual)
	assert.ErrorIs(t, err, entitlement.ErrDecisionUnavailable)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerUnavailable)
	assert.Empty(t, f.notifier.messages)
	assert.Zero(t, f.store.Len())
}

func TestForceSyncOutlivesCaller(t *testing.T) {
	f := newFixture(t)
	f.ledger.entered = make(chan struct{}, 1)
	f.ledger.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.ForceSync(ctx, userID, TriggerManual)
		done <- err
	}()
	<-f.ledger.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.ledger.release)
	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelledResyncSkipsReprime(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.coordinator.Resync(ctx, userID, []reconcile.Signal{reconcile.SignalPlanChanged})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Never(t, func() bool {
		_, hasProfile := f.profiles.Get(userID)
		return hasProfile || f.store.Len() > 0 || f.ledger.callCount() > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestParseTrigger(t *testing.T) {
	trigger, err := ParseTrigger(" Payment_Completed ")
	require.NoError(t, err)
	assert.Equal(t, TriggerPaymentCompleted, trigger)

	trigger, err = ParseTrigger("")
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, trigger)

	_, err = ParseTrigger("cron")
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	for _, internal := range []string{"drift", "Login"} {
		_, err = ParseTrigger(internal)
		assert.ErrorIs(t, err, ErrInvalidTrigger, internal)
	}
}

// An admin change at T0 is picked up by the tick at T0+30s, which drops the
// still-fresh cached decision and re-primes it from the new plan.
func TestPollerDriftClearsFreshCache(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(t0.Add(-time.Minute))
	ctx := context.Background()

	result, err := f.coordinator.ForceSync(ctx, userID, TriggerLogin)
	require.NoError(t, err)
	baseline := result.Profile.Subscription.Snapshot()
	poller := reconcile.NewPoller(userID, &baseline, reconcile.RouteAuthoring, reconcile.Deps{
		Source:   f.subs,
		Resyncer: f.coordinator,
		Observer: f.profiles,
		Clock:    f.clock,
		Config:   f.holder,
		Log:      zap.NewNop(),
	})

	record, _ := f.subs.GetRecord(ctx, userID)
	record.Status = subscriptiondomain.StatusCanceled
	record.EndDate = nil
	record.UpdatedAt = t0
	f.subs.set(record)

	f.clock.Set(t0.Add(30 * time.Second))
	before, state, err := f.cache.Peek(ctx, userID, ledgerdomain.LimitKindSpeeches)
	require.NoError(t, err)
	require.Equal(t, entitlement.StateFresh, state)
	require.True(t, before.Timestamp.Equal(t0.Add(-time.Minute)))

	signals, err := poller.Tick(ctx)
	require.NoError(t, err)
	assert.Contains(t, signals, reconcile.SignalStatusChanged)
	assert.Contains(t, signals, reconcile.SignalUpdatedAtAdvanced)

	after, err := f.cache.GetDecision(ctx, userID, ledgerdomain.LimitKindSpeeches)
	require.NoError(t, err)
	assert.True(t, after.Timestamp.Equal(t0.Add(30*time.Second)))
	assert.False(t, after.CanCreateSpeech)
	assert.True(t, after.IsExpired)
	assert.Equal(t, 1, f.ledger.callCount())
}
