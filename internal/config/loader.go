package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes the environment variable layer: OPENTEXT_NATS_URL
// overrides nats.url, OPENTEXT_OPENTEXT_API_KEY overrides
// opentext.api_key, and so on.
const EnvPrefix = "OPENTEXT"

// Load merges defaults, the optional YAML file at path, and environment
// overrides into a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	decoderOption := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decoderOption); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers the built-in layer. Durations are strings so
// the same values render cleanly from DefaultYAML.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "centerfuze-opentext-service")
	v.SetDefault("service.subject_prefix", "opentext")
	v.SetDefault("service.queue_group", "opentext-service")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "opentext-service")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")

	v.SetDefault("opentext.base_url", "")
	v.SetDefault("opentext.api_key", "")
	v.SetDefault("opentext.api_secret", "")
	v.SetDefault("opentext.timeout", "30s")

	v.SetDefault("rate_limit.initial_rate", 5.0)
	v.SetDefault("rate_limit.min_rate", 0.5)
	v.SetDefault("rate_limit.max_rate", 20.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.increase_step", 0.5)
	v.SetDefault("rate_limit.increase_after", 10)
	v.SetDefault("rate_limit.decrease_factor", 0.5)
	v.SetDefault("rate_limit.adjustment_interval", "10s")

	v.SetDefault("cache.capacity", 4096)
	v.SetDefault("cache.account_ttl", "10m")
	v.SetDefault("cache.fax_usage_ttl", "15m")
	v.SetDefault("cache.usage_ttl", "10m")
	v.SetDefault("cache.porting_ttl", "5m")
	v.SetDefault("cache.compaction_interval", "1m")

	v.SetDefault("engine.concurrency", 8)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.initial_delay", "200ms")
	v.SetDefault("engine.max_delay", "5s")
	v.SetDefault("engine.backoff_factor", 2.0)
	v.SetDefault("engine.request_timeout", "30s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// DefaultYAML renders the default configuration as a starting point
// for `config init`.
func DefaultYAML() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	return yaml.Marshal(v.AllSettings())
}
