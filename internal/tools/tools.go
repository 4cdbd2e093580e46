// Package tools defines the tool abstraction the conversation runtime
// executes, and a registry resolving tools by name or alias.
package tools

import (
	"context"
	"encoding/json"
)

// Sources.
const (
	SourceBuiltin = "builtin"
	SourceMCP     = "mcp"
)

// Capability scopes for MCP tools.
const (
	ScopeReadOnly     = "read-only"
	ScopeWriteLimited = "write-limited"
	ScopeHighRisk     = "high-risk"
	ScopeUnclassified = "unclassified"
)

// Tool is a callable capability offered to the model.
type Tool interface {
	// Name returns the canonical tool name.
	Name() string

	// Description returns the tool description shown to the model.
	Description() string

	// Parameters returns the JSON schema of the tool's arguments.
	Parameters() json.RawMessage

	// Execute runs the tool with parsed arguments.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Meta carries registration metadata alongside a tool.
type Meta struct {
	Source  string
	Scope   string
	Aliases []string
}

// Func adapts a plain function into a Tool.
type Func struct {
	FuncName        string
	FuncDescription string
	FuncParameters  json.RawMessage
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string                { return f.FuncName }
func (f *Func) Description() string         { return f.FuncDescription }
func (f *Func) Parameters() json.RawMessage { return f.FuncParameters }

func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}
