// Package lane executes an assistant turn's tool calls serially in order,
// gating each call through capability scope and policy checks.
package lane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relay/internal/policy"
	"relay/internal/router"
	"relay/internal/storage"
	"relay/internal/tools"
	"relay/pkg/logger"

	"github.com/rs/zerolog"
)

// DefaultToolTimeout is the ambient cap on a single tool invocation.
const DefaultToolTimeout = 30 * time.Second

// Executor runs tool calls for one assistant turn.
type Executor struct {
	registry    *tools.Registry
	engine      *policy.Engine
	db          *storage.DB
	log         zerolog.Logger
	toolTimeout time.Duration
	maxResult   int
}

// New creates a lane executor.
func New(registry *tools.Registry, engine *policy.Engine, db *storage.DB) *Executor {
	return &Executor{
		registry:    registry,
		engine:      engine,
		db:          db,
		log:         logger.Component("lane"),
		toolTimeout: DefaultToolTimeout,
		maxResult:   DefaultMaxToolResultBytes,
	}
}

// SetToolTimeout overrides the ambient per-tool timeout.
func (e *Executor) SetToolTimeout(d time.Duration) {
	if d > 0 {
		e.toolTimeout = d
	}
}

// Execute runs the calls serially, in order, and returns one tool-role turn
// per call. Denials and failures are returned as tool turns so the
// conversation can recover; Execute itself only fails on context cancellation.
func (e *Executor) Execute(ctx context.Context, sessionID string, calls []router.ToolCall) ([]router.Message, error) {
	results := make([]router.Message, 0, len(calls))

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		content := e.executeOne(ctx, sessionID, call)
		results = append(results, router.Message{
			Role:       router.RoleTool,
			Content:    TruncateToolResult(content, e.maxResult),
			ToolCallID: call.ID,
		})
	}

	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, sessionID string, call router.ToolCall) string {
	name := call.Function.Name
	args := parseArguments(call.Function.Arguments)

	tool, meta, ok := e.registry.Resolve(name)
	if !ok {
		e.log.Warn().Str("tool", name).Msg("unknown tool requested")
		return fmt.Sprintf("Error: Tool '%s' is not registered or unavailable.", name)
	}

	if meta.Source == tools.SourceMCP {
		if reason, denied := e.checkScope(sessionID, tool.Name(), meta.Scope); denied {
			e.audit(sessionID, tool.Name(), "scope_deny", reason, "")
			return fmt.Sprintf("Access Denied: tool '%s' was blocked by policy. Reason: %s", name, reason)
		}
		e.audit(sessionID, tool.Name(), "scope_allow", meta.Scope, "")
	}

	decision := e.engine.Check(sessionID, tool.Name())
	if !decision.Allowed() {
		return fmt.Sprintf("Access Denied: tool '%s' was blocked by policy. Reason: %s", name, decision.Reason)
	}

	output, err := e.invoke(ctx, tool, args)
	if err != nil {
		e.log.Warn().Err(err).Str("tool", name).Msg("tool execution failed")
		return fmt.Sprintf("Error executing tool: %s", sanitize(err))
	}

	return output
}

// checkScope applies the capability scope rules for MCP tools: unclassified
// is denied outright, high-risk needs an explicit allow rule, everything else
// passes.
func (e *Executor) checkScope(sessionID, tool, scope string) (string, bool) {
	switch scope {
	case tools.ScopeUnclassified:
		return "tool scope is unclassified (secure default)", true
	case tools.ScopeHighRisk:
		if !e.engine.HasExplicitAllow(sessionID, tool) {
			return "high-risk tool requires an explicit allow rule", true
		}
		return "", false
	default:
		return "", false
	}
}

// invoke runs the tool under the ambient timeout and converts panics into
// errors.
func (e *Executor) invoke(ctx context.Context, tool tools.Tool, args map[string]any) (output string, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return tool.Execute(ctx, args)
}

func (e *Executor) audit(sessionID, tool, action, reason, profileID string) {
	if e.db == nil {
		return
	}
	if err := e.db.AppendPolicyAudit(sessionID, tool, action, reason, profileID); err != nil {
		e.log.Error().Err(err).Str("tool", tool).Msg("persist audit entry")
	}
}

// parseArguments tolerates malformed JSON by falling back to an empty object.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func sanitize(err error) string {
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
