// Package output renders CLI-facing views of service state.
package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/centerfuze/opentext-service/internal/config"
)

// ConfigTable renders the effective configuration as an ASCII table.
// Callers should pass cfg.Redacted() so credentials never reach a terminal.
func ConfigTable(cfg config.Config) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Section", "Key", "Value"})

	appendSection(t, "service", []kv{
		{"name", cfg.Service.Name},
		{"subject_prefix", cfg.Service.SubjectPrefix},
		{"queue_group", cfg.Service.QueueGroup},
	})
	appendSection(t, "nats", []kv{
		{"url", cfg.NATS.URL},
		{"name", cfg.NATS.Name},
		{"max_reconnects", cfg.NATS.MaxReconnects},
		{"reconnect_wait", cfg.NATS.ReconnectWait},
		{"connect_timeout", cfg.NATS.ConnectTimeout},
	})
	appendSection(t, "opentext", []kv{
		{"base_url", cfg.OpenText.BaseURL},
		{"api_key", cfg.OpenText.APIKey},
		{"api_secret", cfg.OpenText.APISecret},
		{"timeout", cfg.OpenText.Timeout},
	})
	appendSection(t, "rate_limit", []kv{
		{"initial_rate", cfg.RateLimit.InitialRate},
		{"min_rate", cfg.RateLimit.MinRate},
		{"max_rate", cfg.RateLimit.MaxRate},
		{"burst", cfg.RateLimit.Burst},
		{"increase_step", cfg.RateLimit.IncreaseStep},
		{"increase_after", cfg.RateLimit.IncreaseAfter},
		{"decrease_factor", cfg.RateLimit.DecreaseFactor},
		{"adjustment_interval", cfg.RateLimit.AdjustmentInterval},
	})
	appendSection(t, "cache", []kv{
		{"capacity", cfg.Cache.Capacity},
		{"account_ttl", cfg.Cache.AccountTTL},
		{"fax_usage_ttl", cfg.Cache.FaxUsageTTL},
		{"usage_ttl", cfg.Cache.UsageTTL},
		{"porting_ttl", cfg.Cache.PortingTTL},
		{"compaction_interval", cfg.Cache.CompactionInterval},
	})
	appendSection(t, "engine", []kv{
		{"concurrency", cfg.Engine.Concurrency},
		{"max_attempts", cfg.Engine.MaxAttempts},
		{"initial_delay", cfg.Engine.InitialDelay},
		{"max_delay", cfg.Engine.MaxDelay},
		{"backoff_factor", cfg.Engine.BackoffFactor},
		{"request_timeout", cfg.Engine.RequestTimeout},
	})
	appendSection(t, "server", []kv{
		{"host", cfg.Server.Host},
		{"port", cfg.Server.Port},
		{"read_timeout", cfg.Server.ReadTimeout},
		{"write_timeout", cfg.Server.WriteTimeout},
		{"idle_timeout", cfg.Server.IdleTimeout},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout},
	})
	appendSection(t, "logging", []kv{
		{"level", cfg.Logging.Level},
	})
	appendSection(t, "metrics", []kv{
		{"enabled", cfg.Metrics.Enabled},
		{"port", cfg.Metrics.Port},
	})

	return t.Render()
}

type kv struct {
	key   string
	value any
}

func appendSection(t table.Writer, section string, entries []kv) {
	for i, entry := range entries {
		label := ""
		if i == 0 {
			label = section
		}
		t.AppendRow(table.Row{label, entry.key, formatValue(entry.value)})
	}
	t.AppendSeparator()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return "-"
		}
		return val
	case time.Duration:
		return val.String()
	case float64:
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
