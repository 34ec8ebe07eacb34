package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ironveil/hostwatch/pkg/event"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel   string            `mapstructure:"log_level"`
	APIPort    string            `mapstructure:"api_port"`
	Queue      QueueConfig       `mapstructure:"queue"`
	Dispatcher DispatcherConfig  `mapstructure:"dispatcher"`
	Correlator CorrelatorConfig  `mapstructure:"correlator"`
	Collectors CollectorsConfig  `mapstructure:"collectors"`
	Scorer     ScorerConfig      `mapstructure:"scorer"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Thresholds map[string]string `mapstructure:"thresholds"`
}

// QueueConfig bounds the event queue and orders its overload policy.
type QueueConfig struct {
	Capacity  int      `mapstructure:"capacity"`
	DropOrder []string `mapstructure:"drop_order"` // least critical first
}

// DispatcherConfig tunes batching, concurrency, retry, and circuit breaking.
type DispatcherConfig struct {
	BatchMaxSize     int           `mapstructure:"batch_max_size"`
	BatchMaxWait     time.Duration `mapstructure:"batch_max_wait"`
	Concurrency      int           `mapstructure:"concurrency"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// CorrelatorConfig tunes alert deduplication and persistence retries.
type CorrelatorConfig struct {
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
	IndexSize      int           `mapstructure:"index_size"`
	StorageRetries int           `mapstructure:"storage_retries"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// CollectorsConfig holds per-collector settings.
type CollectorsConfig struct {
	File    FileCollectorConfig    `mapstructure:"file"`
	Process ProcessCollectorConfig `mapstructure:"process"`
	Network NetworkCollectorConfig `mapstructure:"network"`
}

type FileCollectorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Paths        []string      `mapstructure:"paths"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ProcessCollectorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type NetworkCollectorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ScorerConfig points at the external scoring service.
type ScorerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects and configures the alert store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // "memory" or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
	MaxAlerts int    `mapstructure:"max_alerts"`
}

// LoadConfig reads the configuration from a YAML file (e.g., config.yaml) and
// environment variables. Every tunable has a default so the daemon starts
// without a config file.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hostwatch/")

	setDefaults(v)

	v.SetEnvPrefix("HOSTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("api_port", "8080")

	v.SetDefault("queue.capacity", 4096)
	v.SetDefault("queue.drop_order", []string{"file", "process", "network"})

	v.SetDefault("dispatcher.batch_max_size", 64)
	v.SetDefault("dispatcher.batch_max_wait", "2s")
	v.SetDefault("dispatcher.concurrency", 4)
	v.SetDefault("dispatcher.retry_attempts", 3)
	v.SetDefault("dispatcher.retry_base_delay", "200ms")
	v.SetDefault("dispatcher.retry_max_delay", "5s")
	v.SetDefault("dispatcher.request_timeout", "10s")
	v.SetDefault("dispatcher.failure_threshold", 5)
	v.SetDefault("dispatcher.cooldown", "30s")
	v.SetDefault("dispatcher.shutdown_grace", "10s")

	v.SetDefault("correlator.dedup_window", "5m")
	v.SetDefault("correlator.index_size", 4096)
	v.SetDefault("correlator.storage_retries", 3)
	v.SetDefault("correlator.buffer_size", 256)

	v.SetDefault("collectors.file.enabled", true)
	v.SetDefault("collectors.file.paths", []string{"/var/log/syslog", "/var/log/auth.log"})
	v.SetDefault("collectors.file.poll_interval", "2s")
	v.SetDefault("collectors.process.enabled", true)
	v.SetDefault("collectors.process.poll_interval", "5s")
	v.SetDefault("collectors.network.enabled", true)
	v.SetDefault("collectors.network.poll_interval", "5s")

	v.SetDefault("scorer.url", "http://127.0.0.1:9090")
	v.SetDefault("scorer.timeout", "10s")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis_addr", "127.0.0.1:6379")
	v.SetDefault("storage.max_alerts", 10000)

	v.SetDefault("thresholds", map[string]string{
		"anomaly":     "medium",
		"signature":   "low",
		"behavioral":  "medium",
		"operational": "info",
	})
}

// DropOrder converts the configured drop order strings into event sources,
// falling back to the default order on invalid entries.
func (c *Config) DropOrder() []event.Source {
	var order []event.Source
	for _, s := range c.Queue.DropOrder {
		src, err := event.ParseSource(s)
		if err != nil {
			return event.DefaultDropOrder
		}
		order = append(order, src)
	}
	if len(order) == 0 {
		return event.DefaultDropOrder
	}
	return order
}

// ThresholdMap converts the configured thresholds into typed form. Unknown
// kinds or severities are reported at startup rather than silently
// suppressing alerts.
func (c *Config) ThresholdMap() (map[event.Kind]event.Severity, error) {
	out := make(map[event.Kind]event.Severity, len(c.Thresholds))
	for k, s := range c.Thresholds {
		kind, err := event.ParseKind(k)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold kind: %w", err)
		}
		sev, err := event.ParseSeverity(s)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold severity for %s: %w", k, err)
		}
		out[kind] = sev
	}
	return out, nil
}
