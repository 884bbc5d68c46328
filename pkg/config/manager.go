// Package config loads and watches the control plane's runtime configuration.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for the control plane.
type Config struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	Quality       QualityConfig       `mapstructure:"quality"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Threshold     ThresholdConfig     `mapstructure:"threshold"`
	Audit         AuditConfig         `mapstructure:"audit"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
}

// SecretsConfig configures at-rest decryption of sensitive values (notably
// observability.api_key) via a SecretsManager. EncryptionKey left empty
// disables decryption entirely: the configured api_key is used as-is.
type SecretsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	Path          string `mapstructure:"path"`
}

// ObservabilityConfig configures the ObservabilityClient (C1).
type ObservabilityConfig struct {
	APIKey               string `mapstructure:"api_key"`
	OrganizationID       string `mapstructure:"organization_id"`
	BaseURL              string `mapstructure:"base_url"`
	RateLimitPerMinute   int    `mapstructure:"rate_limit_per_minute"`
	RequestTimeoutSecs   int    `mapstructure:"request_timeout_seconds"`
	MaxRetries           int    `mapstructure:"max_retries"`
	RetryBaseDelayMillis int    `mapstructure:"retry_base_delay_millis"`
}

// QualityConfig configures the QualityEvaluator (C2) / ThresholdMonitor (C5).
type QualityConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// IngestConfig configures the TraceIngestor (C3) and BatchProcessor (C4).
type IngestConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	BatchSize           int `mapstructure:"batch_size"`
	TraceChanCapacity   int `mapstructure:"trace_chan_capacity"`
}

// ThresholdConfig configures the cooldown/alerting gate shared by C5 and C11.
type ThresholdConfig struct {
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// AuditConfig configures the AuditLog (C12) durable store.
type AuditConfig struct {
	MemSize int    `mapstructure:"mem_size"`
	Path    string `mapstructure:"path"`
	KVURL   string `mapstructure:"kv_url"`
}

// HTTPConfig configures the HTTP adapter (pkg/httpapi).
type HTTPConfig struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Manager wraps a viper instance and exposes the resolved Config along with
// change notifications for any setting that supports hot reload.
type Manager struct {
	v    *viper.Viper
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager creates a configuration manager rooted at configPath (a
// directory searched for a `config.yaml`/`config.json` file); configPath may
// be empty, in which case only environment variables and defaults apply.
func NewManager(configPath string) *Manager {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/qualityplane")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)
	setDefaults(v)

	return &Manager{v: v, path: configPath}
}

// bindEnvVars wires the exact operator-facing environment variable names
// (unprefixed, since they are the wire contract with operators) onto their
// config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("observability.api_key", "OBS_API_KEY")
	_ = v.BindEnv("observability.organization_id", "OBS_ORG_ID")
	_ = v.BindEnv("observability.base_url", "OBS_BASE_URL")
	_ = v.BindEnv("observability.rate_limit_per_minute", "RATE_LIMIT_PER_MINUTE")
	_ = v.BindEnv("quality.threshold", "QUALITY_THRESHOLD")
	_ = v.BindEnv("ingest.poll_interval_seconds", "POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("ingest.batch_size", "BATCH_SIZE")
	_ = v.BindEnv("ingest.trace_chan_capacity", "TRACE_CHAN_CAPACITY")
	_ = v.BindEnv("threshold.cooldown_seconds", "COOLDOWN_SECONDS")
	_ = v.BindEnv("audit.mem_size", "AUDIT_MEM_SIZE")
	_ = v.BindEnv("audit.path", "AUDIT_PATH")
	_ = v.BindEnv("audit.kv_url", "AUDIT_KV_URL")
	_ = v.BindEnv("secrets.encryption_key", "SECRET_ENCRYPTION_KEY")
	_ = v.BindEnv("secrets.path", "SECRET_STORE_PATH")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("observability.base_url", "https://api.smith.langchain.com")
	v.SetDefault("observability.rate_limit_per_minute", 1000)
	v.SetDefault("observability.request_timeout_seconds", 30)
	v.SetDefault("observability.max_retries", 3)
	v.SetDefault("observability.retry_base_delay_millis", 500)
	v.SetDefault("quality.threshold", 0.90)
	v.SetDefault("ingest.poll_interval_seconds", 60)
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.trace_chan_capacity", 1000)
	v.SetDefault("threshold.cooldown_seconds", 3600)
	v.SetDefault("audit.mem_size", 50)
	v.SetDefault("audit.path", "audit_trails/ai_changes_history.json")
	v.SetDefault("http.listen_addr", ":8089")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from file (if present), environment, and
// defaults, validates it, and caches the result.
func (m *Manager) Load() (*Config, error) {
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Quality.Threshold < 0 || cfg.Quality.Threshold > 1 {
		return fmt.Errorf("quality.threshold must be within [0,1], got %f", cfg.Quality.Threshold)
	}
	if cfg.Ingest.PollIntervalSeconds <= 0 {
		return fmt.Errorf("ingest.poll_interval_seconds must be positive")
	}
	if cfg.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if cfg.Ingest.TraceChanCapacity <= 0 {
		return fmt.Errorf("ingest.trace_chan_capacity must be positive")
	}
	if cfg.Threshold.CooldownSeconds < 0 {
		return fmt.Errorf("threshold.cooldown_seconds must not be negative")
	}
	if cfg.Audit.MemSize <= 0 {
		return fmt.Errorf("audit.mem_size must be positive")
	}
	if cfg.Audit.Path == "" && cfg.Audit.KVURL == "" {
		return fmt.Errorf("one of audit.path or audit.kv_url must be set")
	}
	return nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch observes the configuration file for changes and invokes callback
// with the newly loaded configuration. It is safe to call at most once per
// Manager and returns immediately; the watch runs until the process exits.
func (m *Manager) Watch(callback func(*Config)) {
	m.v.WatchConfig()
	m.v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := m.v.Unmarshal(&cfg); err != nil {
			return
		}
		if err := validate(&cfg); err != nil {
			return
		}
		m.mu.Lock()
		m.cfg = &cfg
		m.mu.Unlock()
		callback(&cfg)
	})
}

// PollInterval is a convenience accessor used by components constructed
// before the full Config struct is threaded through.
func (c *IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CooldownDuration converts the configured cooldown to a time.Duration.
func (c *ThresholdConfig) CooldownDuration() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}
