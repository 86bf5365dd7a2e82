package observability

import (
	"strings"

	"github.com/smallbiznis/speechgate/internal/config"
)

// Config is the slice of application configuration the logger, tracer and
// meter providers need.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "speechgate"
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		OtelEnabled:          t.OtelEnabled,
		OtelExporterEndpoint: t.OTLPEndpoint,
		OtelExporterProtocol: t.OTLPProtocol,
		OtelSamplingRatio:    t.SamplingRatio,
	}
}

// Debug is on for debug log level and for development environments.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
