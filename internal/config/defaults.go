package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults applies default values for every configuration key.
func SetDefaults() {
	// API control plane
	viper.SetDefault("api.port", 18790)
	viper.SetDefault("api.host", "127.0.0.1")
	viper.SetDefault("api.secret_name", "RELAY_API_SECRET")

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Router
	viper.SetDefault("router.fallback_mode", "aggressive_fallback")
	viper.SetDefault("router.default_rate_limit_cooldown", 60*time.Second)
	viper.SetDefault("router.intelligent_pacing_max_wait", 8*time.Second)
	viper.SetDefault("router.max_runtime_events", 256)
	viper.SetDefault("router.max_persisted_events", 1000)
	viper.SetDefault("router.request_timeout", 120*time.Second)

	// Budget
	viper.SetDefault("budget.daily_request_limit", 500)
	viper.SetDefault("budget.daily_token_limit", 1_500_000)
	viper.SetDefault("budget.session_request_limit", 120)
	viper.SetDefault("budget.provider_request_limit", 300)
	viper.SetDefault("budget.warning_ratio", 0.8)
	viper.SetDefault("budget.provider_cooldown", 5*time.Minute)
	viper.SetDefault("budget.default_profile", "performance")
	viper.SetDefault("budget.pacing_delay", 750*time.Millisecond)

	// Gateway
	viper.SetDefault("gateway.max_tool_rounds", 6)
	viper.SetDefault("gateway.delegation_min_score", 2)
	viper.SetDefault("gateway.hot_window_tokens", 4000)
	viper.SetDefault("gateway.warm_summary_tokens", 1200)
	viper.SetDefault("gateway.archive_tokens", 600)
	viper.SetDefault("gateway.system_tokens", 2000)

	// Delegation
	viper.SetDefault("delegate.enabled", true)
	viper.SetDefault("delegate.max_concurrent_jobs", 3)
	viper.SetDefault("delegate.max_retry_attempts", 1)
	viper.SetDefault("delegate.failure_breaker_threshold", 3)
	viper.SetDefault("delegate.job_timeout", 5*time.Minute)

	// Delivery queue
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.base_backoff", 2*time.Second)
	viper.SetDefault("queue.batch_size", 10)
	viper.SetDefault("queue.poll_interval", 1*time.Second)

	// Incident manager
	viper.SetDefault("incident.remediation_cooldown", 10*time.Minute)
	viper.SetDefault("incident.queue_backpressure_threshold", 25)
	viper.SetDefault("incident.callback_failure_burst_threshold", 5)
	viper.SetDefault("incident.model_routing_failure_threshold", 4)
	viper.SetDefault("incident.context_degradation_threshold", 3)
	viper.SetDefault("incident.evaluate_interval", 30*time.Second)

	// Memory
	viper.SetDefault("memory.embedding_dim", 256)
	viper.SetDefault("memory.recall_limit", 5)
	viper.SetDefault("memory.max_depth", 2)
	viper.SetDefault("memory.edge_limit", 16)
	viper.SetDefault("memory.embed_endpoint", "")
	viper.SetDefault("memory.embed_model", "text-embedding-3-small")
	viper.SetDefault("memory.embed_api_key_name", "")

	// Policy
	viper.SetDefault("policy.profile_path", "")

	// Storage
	viper.SetDefault("storage.path", "~/.relay/relay.db")
}
