package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEntitlementConfigIsValid(t *testing.T) {
	cfg := DefaultEntitlementConfig()
	require.NoError(t, ValidateEntitlementConfig(cfg))
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.AuthoringPollInterval)
}

func TestValidateEntitlementConfigCollectsErrors(t *testing.T) {
	cfg := DefaultEntitlementConfig()
	cfg.Cache.TTL = 0
	cfg.Cache.LimitKinds = []string{"speech_drafts"}
	cfg.Sync.Timeout = -time.Second

	err := ValidateEntitlementConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entitlement.cache.ttl")
	assert.Contains(t, err.Error(), "underscores")
	assert.Contains(t, err.Error(), "entitlement.sync.timeout")
}

func TestHolderSetRejectsInvalidConfig(t *testing.T) {
	holder := NewStaticEntitlementConfigHolder(DefaultEntitlementConfig())

	bad := DefaultEntitlementConfig()
	bad.Reconcile.PollInterval = 0
	require.Error(t, holder.Set(bad))
	assert.Equal(t, 30*time.Second, holder.Get().Reconcile.PollInterval)

	good := DefaultEntitlementConfig()
	good.Cache.TTL = 5 * time.Minute
	require.NoError(t, holder.Set(good))
	assert.Equal(t, 5*time.Minute, holder.Get().Cache.TTL)
}

func TestNormalizeLimitKinds(t *testing.T) {
	got := normalizeLimitKinds([]string{" Speeches ", "", "speeches", "exports"})
	assert.Equal(t, []string{"speeches", "exports"}, got)
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *EntitlementConfigHolder
	assert.Equal(t, DefaultEntitlementConfig(), holder.Get())
}
