package observability

import (
	"testing"

	"github.com/smallbiznis/speechgate/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigProjectsTelemetry(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppVersion:  " 1.4.0 ",
		Environment: "production",
		Telemetry: config.TelemetryConfig{
			LogLevel:      "warn",
			LogFormat:     "json",
			OtelEnabled:   true,
			OTLPEndpoint:  "collector:4318",
			OTLPProtocol:  "http/protobuf",
			SamplingRatio: 0.5,
		},
	})

	assert.Equal(t, "speechgate", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.Version)
	assert.Equal(t, "collector:4318", cfg.OtelExporterEndpoint)
	assert.Equal(t, "http/protobuf", cfg.OtelExporterProtocol)
	assert.True(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}

func TestDebug(t *testing.T) {
	assert.True(t, Config{LogLevel: "debug", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "Development"}.Debug())
	assert.False(t, Config{LogLevel: "info", Environment: "staging"}.Debug())
}
