package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/statemachine"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("JWT_SIGNING_KEY", "secret")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, 24*time.Hour, cfg.Workers.StaleAfter)
		assert.Equal(t, "status-messages", cfg.Kafka.Topic)
		assert.Empty(t, cfg.Kafka.Brokers)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("JWT_SIGNING_KEY", "secret")
		t.Setenv("CONSENTFLOW_ADDR", ":9090")
		t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
		t.Setenv("SWEEP_STALE_AFTER", "36h")
		t.Setenv("POLL_MAX_CONCURRENT", "3")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 36*time.Hour, cfg.Workers.StaleAfter)
		assert.Equal(t, 3, cfg.Workers.MaxConcurrent)
	})

	t.Run("invalid values are reported", func(t *testing.T) {
		t.Setenv("JWT_SIGNING_KEY", "")
		t.Setenv("SWEEP_STALE_AFTER", "soon")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SWEEP_STALE_AFTER")
		assert.Contains(t, err.Error(), "JWT_SIGNING_KEY")
	})
}

func TestParseConnectors(t *testing.T) {
	raw := []byte(`
connectors:
  dk-energinet:
    country_code: DK
    external_termination: true
    disabled_actions: [terminate]
  us-green-button:
    country_code: US
    poll_cron: "@every 1h"
`)
	connectors, err := ParseConnectors(raw)
	require.NoError(t, err)
	require.Len(t, connectors, 2)

	dk := connectors["dk-energinet"]
	assert.True(t, dk.ExternalTermination)
	caps, err := dk.Capabilities()
	require.NoError(t, err)
	assert.False(t, caps.Allows(statemachine.ActionTerminate))

	_, err = statemachine.New(caps).Transition(models.StatusAccepted, statemachine.ActionTerminate)
	assert.Error(t, err)

	assert.Equal(t, "@every 1h", connectors["us-green-button"].PollCron)
}

func TestParseConnectorsRejectsUnknownAction(t *testing.T) {
	_, err := ParseConnectors([]byte("connectors:\n  x:\n    disabled_actions: [explode]\n"))
	assert.Error(t, err)
}

func TestLoadConnectors(t *testing.T) {
	connectors, err := LoadConnectors("")
	require.NoError(t, err)
	assert.Empty(t, connectors)

	path := filepath.Join(t.TempDir(), "connectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connectors:\n  fr-enedis:\n    country_code: FR\n"), 0o600))
	connectors, err = LoadConnectors(path)
	require.NoError(t, err)
	assert.Equal(t, "FR", connectors["fr-enedis"].CountryCode)

	_, err = LoadConnectors(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFromEnvTracingRatio(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "secret")
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "0.25")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)

	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "2")
	_, err = FromEnv()
	assert.Error(t, err)
}
