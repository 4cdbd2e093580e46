package router

import (
	"encoding/json"
	"errors"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool/function call requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the called function's name and raw arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool represents a tool definition offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a function tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Fallback modes.
const (
	ModeIntelligentPacing  = "intelligent_pacing"
	ModeAggressiveFallback = "aggressive_fallback"
)

// Telemetry event types.
const (
	EventAttempt      = "attempt"
	EventSuccess      = "success"
	EventFailure      = "failure"
	EventRateLimit    = "rate_limit"
	EventCooldownSet  = "cooldown_set"
	EventCooldownWait = "cooldown_wait"
	EventCooldownSkip = "cooldown_skip"
	EventFailover     = "failover"
	EventModeChange   = "mode_change"
	EventSkipped      = "skipped"
)

// ErrAllProvidersExhausted is returned when every configured provider has been
// tried and none produced a usable response.
var ErrAllProvidersExhausted = errors.New("router: all providers exhausted")

// Event is one telemetry record in the in-memory ring.
type Event struct {
	Type       string    `json:"type"`
	ProviderID string    `json:"provider_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageStats is the per-provider usage record exposed in health snapshots.
type UsageStats struct {
	Attempts            int        `json:"attempts"`
	Successes           int        `json:"successes"`
	Failures            int        `json:"failures"`
	RateLimits          int        `json:"rate_limits"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	CooldownReason      string     `json:"cooldown_reason,omitempty"`
}

// HealthSnapshot summarizes router state for the control plane.
type HealthSnapshot struct {
	Mode                string                `json:"mode"`
	CurrentModelID      string                `json:"current_model_id"`
	FailoverCount       int                   `json:"failover_count"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	Providers           map[string]UsageStats `json:"providers"`
	Events              []Event               `json:"events"`
}

// chatRequest is the wire request body.
type chatRequest struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Tools      []Tool    `json:"tools,omitempty"`
	ToolChoice string    `json:"tool_choice,omitempty"`
}

// chatResponse is the wire response body.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
