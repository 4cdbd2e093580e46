package tools

import (
	"fmt"
	"sync"

	"relay/internal/router"
)

// Registry maps tool names and aliases to registered tools.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	aliases map[string]string
	order   []string
}

type entry struct {
	tool Tool
	meta Meta
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
	}
}

// Register adds a tool. Builtin tools default to source builtin; MCP tools
// without a scope are unclassified.
func (r *Registry) Register(tool Tool, meta Meta) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tools: empty tool name")
	}

	if meta.Source == "" {
		meta.Source = SourceBuiltin
	}
	if meta.Source == SourceMCP && meta.Scope == "" {
		meta.Scope = ScopeUnclassified
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tools: %q already registered", name)
	}

	r.entries[name] = &entry{tool: tool, meta: meta}
	r.order = append(r.order, name)
	for _, alias := range meta.Aliases {
		r.aliases[alias] = name
	}

	return nil
}

// Resolve finds a tool by canonical name or alias.
func (r *Registry) Resolve(name string) (Tool, Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, Meta{}, false
	}
	return e.tool, e.meta, true
}

// Definitions returns wire-format tool definitions in registration order.
func (r *Registry) Definitions() []router.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]router.Tool, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		defs = append(defs, router.Tool{
			Type: "function",
			Function: router.ToolFunction{
				Name:        e.tool.Name(),
				Description: e.tool.Description(),
				Parameters:  e.tool.Parameters(),
			},
		})
	}
	return defs
}

// Names returns canonical tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
