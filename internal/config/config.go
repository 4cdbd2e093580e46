// Package config loads and validates the relay daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"relay/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	API       APIConfig        `mapstructure:"api" yaml:"api"`
	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Router    RouterConfig     `mapstructure:"router" yaml:"router"`
	Budget    BudgetConfig     `mapstructure:"budget" yaml:"budget"`
	Gateway   GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
	Delegate  DelegateConfig   `mapstructure:"delegate" yaml:"delegate"`
	Queue     QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Incident  IncidentConfig   `mapstructure:"incident" yaml:"incident"`
	Memory    MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Policy    PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Storage   StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log       logger.Config    `mapstructure:"log" yaml:"log"`
}

// APIConfig configures the HTTP control plane.
type APIConfig struct {
	Port       int    `mapstructure:"port" yaml:"port"`
	Host       string `mapstructure:"host" yaml:"host"`
	SecretName string `mapstructure:"secret_name" yaml:"secret_name"`
}

// ProviderConfig describes one upstream LLM provider in preferred order.
type ProviderConfig struct {
	ID         string `mapstructure:"id" yaml:"id"`
	Model      string `mapstructure:"model" yaml:"model"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKeyName string `mapstructure:"api_key_name" yaml:"api_key_name"`
}

// RouterConfig holds model routing knobs.
type RouterConfig struct {
	FallbackMode             string        `mapstructure:"fallback_mode" yaml:"fallback_mode"`
	DefaultRateLimitCooldown time.Duration `mapstructure:"default_rate_limit_cooldown" yaml:"default_rate_limit_cooldown"`
	IntelligentPacingMaxWait time.Duration `mapstructure:"intelligent_pacing_max_wait" yaml:"intelligent_pacing_max_wait"`
	MaxRuntimeEvents         int           `mapstructure:"max_runtime_events" yaml:"max_runtime_events"`
	MaxPersistedEvents       int           `mapstructure:"max_persisted_events" yaml:"max_persisted_events"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// BudgetConfig holds usage limits consumed by the budget governor.
type BudgetConfig struct {
	DailyRequestLimit    int           `mapstructure:"daily_request_limit" yaml:"daily_request_limit"`
	DailyTokenLimit      int           `mapstructure:"daily_token_limit" yaml:"daily_token_limit"`
	SessionRequestLimit  int           `mapstructure:"session_request_limit" yaml:"session_request_limit"`
	ProviderRequestLimit int           `mapstructure:"provider_request_limit" yaml:"provider_request_limit"`
	WarningRatio         float64       `mapstructure:"warning_ratio" yaml:"warning_ratio"`
	ProviderCooldown     time.Duration `mapstructure:"provider_cooldown" yaml:"provider_cooldown"`
	DefaultProfile       string        `mapstructure:"default_profile" yaml:"default_profile"`
	PacingDelay          time.Duration `mapstructure:"pacing_delay" yaml:"pacing_delay"`
}

// GatewayConfig holds conversation loop knobs.
type GatewayConfig struct {
	MaxToolRounds      int `mapstructure:"max_tool_rounds" yaml:"max_tool_rounds"`
	DelegationMinScore int `mapstructure:"delegation_min_score" yaml:"delegation_min_score"`
	HotWindowTokens    int `mapstructure:"hot_window_tokens" yaml:"hot_window_tokens"`
	WarmSummaryTokens  int `mapstructure:"warm_summary_tokens" yaml:"warm_summary_tokens"`
	ArchiveTokens      int `mapstructure:"archive_tokens" yaml:"archive_tokens"`
	SystemTokens       int `mapstructure:"system_tokens" yaml:"system_tokens"`
}

// DelegateConfig holds delegation orchestrator knobs.
type DelegateConfig struct {
	Enabled                 bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxConcurrentJobs       int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	MaxRetryAttempts        int           `mapstructure:"max_retry_attempts" yaml:"max_retry_attempts"`
	FailureBreakerThreshold int           `mapstructure:"failure_breaker_threshold" yaml:"failure_breaker_threshold"`
	JobTimeout              time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
}

// QueueConfig holds delivery queue knobs. Endpoints maps platform names to
// outbound webhook URLs; platforms without an endpoint have no adapter.
type QueueConfig struct {
	MaxAttempts  int               `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff  time.Duration     `mapstructure:"base_backoff" yaml:"base_backoff"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	PollInterval time.Duration     `mapstructure:"poll_interval" yaml:"poll_interval"`
	Endpoints    map[string]string `mapstructure:"endpoints" yaml:"endpoints"`
}

// IncidentConfig holds incident manager thresholds.
type IncidentConfig struct {
	RemediationCooldown           time.Duration `mapstructure:"remediation_cooldown" yaml:"remediation_cooldown"`
	QueueBackpressureThreshold    int           `mapstructure:"queue_backpressure_threshold" yaml:"queue_backpressure_threshold"`
	CallbackFailureBurstThreshold int           `mapstructure:"callback_failure_burst_threshold" yaml:"callback_failure_burst_threshold"`
	ModelRoutingFailureThreshold  int           `mapstructure:"model_routing_failure_threshold" yaml:"model_routing_failure_threshold"`
	ContextDegradationThreshold   int           `mapstructure:"context_degradation_threshold" yaml:"context_degradation_threshold"`
	EvaluateInterval              time.Duration `mapstructure:"evaluate_interval" yaml:"evaluate_interval"`
}

// MemoryConfig holds reasoning-aware memory knobs. Memory is enabled only
// when an embedding endpoint is configured.
type MemoryConfig struct {
	EmbeddingDim    int    `mapstructure:"embedding_dim" yaml:"embedding_dim"`
	RecallLimit     int    `mapstructure:"recall_limit" yaml:"recall_limit"`
	MaxDepth        int    `mapstructure:"max_depth" yaml:"max_depth"`
	EdgeLimit       int    `mapstructure:"edge_limit" yaml:"edge_limit"`
	EmbedEndpoint   string `mapstructure:"embed_endpoint" yaml:"embed_endpoint"`
	EmbedModel      string `mapstructure:"embed_model" yaml:"embed_model"`
	EmbedAPIKeyName string `mapstructure:"embed_api_key_name" yaml:"embed_api_key_name"`
}

// PolicyConfig points at the policy profile file.
type PolicyConfig struct {
	ProfilePath string `mapstructure:"profile_path" yaml:"profile_path"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Load reads configuration from the given path, or the default location when
// path is empty. Defaults are applied before unmarshalling.
func Load(path string) (*Config, error) {
	SetDefaults()

	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	viper.SetConfigFile(expanded)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults carry the daemon.
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise surface deep in the runtime.
func (c *Config) Validate() error {
	if c.Budget.WarningRatio <= 0 || c.Budget.WarningRatio >= 1 {
		return fmt.Errorf("config: budget.warning_ratio must be in (0,1), got %v", c.Budget.WarningRatio)
	}
	switch c.Router.FallbackMode {
	case "intelligent_pacing", "aggressive_fallback":
	default:
		return fmt.Errorf("config: router.fallback_mode must be intelligent_pacing or aggressive_fallback, got %q", c.Router.FallbackMode)
	}
	switch c.Budget.DefaultProfile {
	case "economy", "balanced", "performance":
	default:
		return fmt.Errorf("config: budget.default_profile must be economy, balanced or performance, got %q", c.Budget.DefaultProfile)
	}
	if c.Memory.EmbeddingDim <= 0 {
		return fmt.Errorf("config: memory.embedding_dim must be positive, got %d", c.Memory.EmbeddingDim)
	}
	return nil
}

// Secret resolves a named secret from the environment. Required secrets that
// are missing abort startup with a redaction-safe message.
func Secret(name string, required bool) (string, error) {
	if name == "" {
		if required {
			return "", fmt.Errorf("config: secret name is empty")
		}
		return "", nil
	}
	v := os.Getenv(name)
	if v == "" && required {
		return "", fmt.Errorf("config: required secret %s is not set", name)
	}
	return v, nil
}

// DefaultConfigDir returns the default configuration directory (~/.relay).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".relay"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay.yaml"), nil
}

// DefaultDataPath returns the default database file path.
func DefaultDataPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay.db"), nil
}

// ExpandPath expands a ~ prefix in path to the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}

	if path == "~" {
		return os.UserHomeDir()
	}

	return path, nil
}
