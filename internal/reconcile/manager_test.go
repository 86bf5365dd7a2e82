package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const otherUser = "0f6c2a5e-8d1b-4c3a-9e7f-6a5b4c3d2e1f"

func TestManagerLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	deps := testDeps(&stubSource{snapshot: baselineSnapshot()}, &recordingResyncer{}, clock.NewSystemClock(), config.DefaultEntitlementConfig())
	deps.Metrics = obsmetrics.NewEntitlementMetricsForRegistry(registry)
	m := NewManagerWithDeps(deps)

	base := baselineSnapshot()
	first := m.Start(userID, &base, RouteDefault)
	m.Start(otherUser, nil, RouteDefault)
	assert.Equal(t, 2, m.Active())

	replacement := m.Start(userID, &base, RouteDefault)
	assert.Equal(t, 2, m.Active())
	assert.True(t, first.Stopped())
	assert.False(t, replacement.Stopped())

	assert.True(t, m.SetRoute(userID, RouteAuthoring))
	assert.Equal(t, RouteAuthoring, replacement.Route())
	assert.False(t, m.SetRoute("missing", RouteAuthoring))

	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP speechgate_reconcile_active_pollers Signed-in sessions with a running reconciliation poller.
# TYPE speechgate_reconcile_active_pollers gauge
speechgate_reconcile_active_pollers{env="test",service="speechgate"} 2
`), "speechgate_reconcile_active_pollers"))

	assert.True(t, m.Stop(userID))
	assert.False(t, m.Stop(userID))
	assert.True(t, replacement.Stopped())
	assert.Equal(t, 1, m.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Zero(t, m.Active())
}
