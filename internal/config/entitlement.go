package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EntitlementConfig carries the tunables of the entitlement engine. It is
// reloaded from entitlement.yml while the process runs.
type EntitlementConfig struct {
	Cache     CacheTuning     `mapstructure:"cache"`
	Policy    PolicyTuning    `mapstructure:"policy"`
	Reconcile ReconcileTuning `mapstructure:"reconcile"`
	Sync      SyncTuning      `mapstructure:"sync"`
}

type CacheTuning struct {
	TTL                      time.Duration `mapstructure:"ttl"`
	FetchTimeout             time.Duration `mapstructure:"fetchTimeout"`
	UnlimitedCreditThreshold int64         `mapstructure:"unlimitedCreditThreshold"`
	LimitKinds               []string      `mapstructure:"limitKinds"`
}

type PolicyTuning struct {
	GracePeriod time.Duration `mapstructure:"gracePeriod"`
}

type ReconcileTuning struct {
	PollInterval          time.Duration `mapstructure:"pollInterval"`
	AuthoringPollInterval time.Duration `mapstructure:"authoringPollInterval"`
	RecentUpdateWindow    time.Duration `mapstructure:"recentUpdateWindow"`
	PollTimeout           time.Duration `mapstructure:"pollTimeout"`
}

type SyncTuning struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		Cache: CacheTuning{
			TTL:                      2 * time.Minute,
			FetchTimeout:             10 * time.Second,
			UnlimitedCreditThreshold: 999999,
			LimitKinds:               []string{"speeches"},
		},
		Policy: PolicyTuning{
			GracePeriod: 72 * time.Hour,
		},
		Reconcile: ReconcileTuning{
			PollInterval:          30 * time.Second,
			AuthoringPollInterval: 2 * time.Minute,
			RecentUpdateWindow:    time.Minute,
			PollTimeout:           10 * time.Second,
		},
		Sync: SyncTuning{
			Timeout: 15 * time.Second,
		},
	}
}

type entitlementFile struct {
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
}

type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementConfig
}

func NewEntitlementConfigHolder(log *zap.Logger) (*EntitlementConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.entitlement")

	v := viper.New()

	v.SetConfigName("entitlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/speechgate/config")
	v.AddConfigPath("/etc/speechgate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPEECHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setEntitlementDefaults(v, DefaultEntitlementConfig())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeEntitlementConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticEntitlementConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEntitlementConfig(v)
		if err != nil {
			log.Warn("entitlement config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("entitlement config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticEntitlementConfigHolder returns a holder that never reloads.
func NewStaticEntitlementConfigHolder(cfg EntitlementConfig) *EntitlementConfigHolder {
	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *EntitlementConfigHolder) Get() EntitlementConfig {
	if h == nil {
		return DefaultEntitlementConfig()
	}
	return h.current.Load().(EntitlementConfig)
}

// Set swaps the active configuration after validating it.
func (h *EntitlementConfigHolder) Set(cfg EntitlementConfig) error {
	if err := ValidateEntitlementConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func setEntitlementDefaults(v *viper.Viper, d EntitlementConfig) {
	v.SetDefault("entitlement.cache.ttl", d.Cache.TTL)
	v.SetDefault("entitlement.cache.fetchTimeout", d.Cache.FetchTimeout)
	v.SetDefault("entitlement.cache.unlimitedCreditThreshold", d.Cache.UnlimitedCreditThreshold)
	v.SetDefault("entitlement.cache.limitKinds", d.Cache.LimitKinds)
	v.SetDefault("entitlement.policy.gracePeriod", d.Policy.GracePeriod)
	v.SetDefault("entitlement.reconcile.pollInterval", d.Reconcile.PollInterval)
	v.SetDefault("entitlement.reconcile.authoringPollInterval", d.Reconcile.AuthoringPollInterval)
	v.SetDefault("entitlement.reconcile.recentUpdateWindow", d.Reconcile.RecentUpdateWindow)
	v.SetDefault("entitlement.reconcile.pollTimeout", d.Reconcile.PollTimeout)
	v.SetDefault("entitlement.sync.timeout", d.Sync.Timeout)
}

func decodeEntitlementConfig(v *viper.Viper) (EntitlementConfig, error) {
	var file entitlementFile
	if err := v.Unmarshal(&file); err != nil {
		return EntitlementConfig{}, err
	}
	cfg := file.Entitlement
	cfg.Cache.LimitKinds = normalizeLimitKinds(cfg.Cache.LimitKinds)
	if err := ValidateEntitlementConfig(cfg); err != nil {
		return EntitlementConfig{}, err
	}
	return cfg, nil
}

func normalizeLimitKinds(kinds []string) []string {
	out := make([]string, 0, len(kinds))
	seen := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out
}

func ValidateEntitlementConfig(cfg EntitlementConfig) error {
	var errs []error
	if cfg.Cache.TTL <= 0 {
		errs = append(errs, errors.New("entitlement.cache.ttl must be positive"))
	}
	if cfg.Cache.FetchTimeout <= 0 {
		errs = append(errs, errors.New("entitlement.cache.fetchTimeout must be positive"))
	}
	if cfg.Cache.UnlimitedCreditThreshold <= 0 {
		errs = append(errs, errors.New("entitlement.cache.unlimitedCreditThreshold must be positive"))
	}
	if len(cfg.Cache.LimitKinds) == 0 {
		errs = append(errs, errors.New("entitlement.cache.limitKinds cannot be empty"))
	}
	for _, kind := range cfg.Cache.LimitKinds {
		if strings.Contains(kind, "_") {
			errs = append(errs, errors.New("entitlement.cache.limitKinds cannot contain underscores"))
			break
		}
	}
	if cfg.Policy.GracePeriod < 0 {
		errs = append(errs, errors.New("entitlement.policy.gracePeriod cannot be negative"))
	}
	if cfg.Reconcile.PollInterval <= 0 {
		errs = append(errs, errors.New("entitlement.reconcile.pollInterval must be positive"))
	}
	if cfg.Reconcile.AuthoringPollInterval <= 0 {
		errs = append(errs, errors.New("entitlement.reconcile.authoringPollInterval must be positive"))
	}
	if cfg.Reconcile.RecentUpdateWindow < 0 {
		errs = append(errs, errors.New("entitlement.reconcile.recentUpdateWindow cannot be negative"))
	}
	if cfg.Reconcile.PollTimeout <= 0 {
		errs = append(errs, errors.New("entitlement.reconcile.pollTimeout must be positive"))
	}
	if cfg.Sync.Timeout <= 0 {
		errs = append(errs, errors.New("entitlement.sync.timeout must be positive"))
	}
	return errors.Join(errs...)
}
