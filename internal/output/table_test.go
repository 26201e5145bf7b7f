package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/centerfuze/opentext-service/internal/config"
)

func TestConfigTableRedactsSecrets(t *testing.T) {
	cfg := config.Config{
		Service: config.ServiceConfig{Name: "opentext-service", SubjectPrefix: "opentext"},
		NATS:    config.NATSConfig{URL: "nats://localhost:4222"},
		OpenText: config.OpenTextConfig{
			BaseURL:   "https://api.opentext.example",
			APIKey:    "super-secret-key",
			APISecret: "even-more-secret",
			Timeout:   30 * time.Second,
		},
	}

	rendered := ConfigTable(cfg.Redacted())

	require.Contains(t, rendered, "nats://localhost:4222")
	require.Contains(t, rendered, "[REDACTED]")
	require.NotContains(t, rendered, "super-secret-key")
	require.NotContains(t, rendered, "even-more-secret")
}

func TestConfigTableEmptyValuesRenderDash(t *testing.T) {
	rendered := ConfigTable(config.Config{})

	require.Contains(t, rendered, "subject_prefix")
	require.Contains(t, rendered, "-")
}
