package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// minimum environment for a loadable config
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENTEXT_OPENTEXT_BASE_URL", "https://api.opentext.example.com/v1")
	t.Setenv("OPENTEXT_OPENTEXT_API_KEY", "test-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "centerfuze-opentext-service", cfg.Service.Name)
	require.Equal(t, "opentext", cfg.Service.SubjectPrefix)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	require.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	require.Equal(t, 5.0, cfg.RateLimit.InitialRate)
	require.Equal(t, 10*time.Second, cfg.RateLimit.AdjustmentInterval)
	require.Equal(t, 4096, cfg.Cache.Capacity)
	require.Equal(t, 15*time.Minute, cfg.Cache.FaxUsageTTL)
	require.Equal(t, 8, cfg.Engine.Concurrency)
	require.Equal(t, 200*time.Millisecond, cfg.Engine.InitialDelay)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENTEXT_NATS_URL", "nats://bus.internal:4222")
	t.Setenv("OPENTEXT_RATE_LIMIT_MAX_RATE", "50")
	t.Setenv("OPENTEXT_ENGINE_CONCURRENCY", "16")
	t.Setenv("OPENTEXT_CACHE_PORTING_TTL", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "nats://bus.internal:4222", cfg.NATS.URL)
	require.Equal(t, 50.0, cfg.RateLimit.MaxRate)
	require.Equal(t, 16, cfg.Engine.Concurrency)
	require.Equal(t, 90*time.Second, cfg.Cache.PortingTTL)
}

func TestLoadYAMLFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
service:
  subject_prefix: opentext.staging
rate_limit:
  initial_rate: 2.5
  burst: 2
cache:
  capacity: 512
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "opentext.staging", cfg.Service.SubjectPrefix)
	require.Equal(t, 2.5, cfg.RateLimit.InitialRate)
	require.Equal(t, 2, cfg.RateLimit.Burst)
	require.Equal(t, 512, cfg.Cache.Capacity)
	// untouched keys keep their defaults
	require.Equal(t, 20.0, cfg.RateLimit.MaxRate)
}

func TestLoadMissingFileFails(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	t.Setenv("OPENTEXT_OPENTEXT_BASE_URL", "https://api.opentext.example.com/v1")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "api_key")
}

func TestValidateRejectsInvertedRateBounds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENTEXT_RATE_LIMIT_MIN_RATE", "30")
	t.Setenv("OPENTEXT_RATE_LIMIT_MAX_RATE", "10")

	_, err := Load("")
	require.Error(t, err)
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Config{}
	cfg.OpenText.APIKey = "super-secret"
	cfg.OpenText.APISecret = "even-more-secret"
	cfg.NATS.URL = "nats://bus:4222"

	redacted := cfg.Redacted()
	require.Equal(t, "[REDACTED]", redacted.OpenText.APIKey)
	require.Equal(t, "[REDACTED]", redacted.OpenText.APISecret)
	require.Equal(t, "nats://bus:4222", redacted.NATS.URL)
	// original untouched
	require.Equal(t, "super-secret", cfg.OpenText.APIKey)
}

func TestDefaultYAMLRoundTrips(t *testing.T) {
	raw, err := DefaultYAML()
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &parsed))
	require.Contains(t, parsed, "nats")
	require.Contains(t, parsed, "rate_limit")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	setRequiredEnv(t)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Engine.Concurrency)
}
