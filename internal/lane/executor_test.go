package lane

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/policy"
	"relay/internal/router"
	"relay/internal/storage"
	"relay/internal/tools"
)

func echoTool(name string) *tools.Func {
	return &tools.Func{
		FuncName: name,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			if v, ok := args["text"].(string); ok {
				return v, nil
			}
			return "empty", nil
		},
	}
}

func testExecutor(t *testing.T, global policy.Profile) (*Executor, *tools.Registry, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := tools.NewRegistry()
	engine := policy.NewEngine(global)
	return New(registry, engine, db), registry, db
}

func call(id, name, args string) router.ToolCall {
	return router.ToolCall{
		ID:       id,
		Type:     "function",
		Function: router.ToolCallFunction{Name: name, Arguments: args},
	}
}

func TestExecute_SerialInOrder(t *testing.T) {
	e, registry, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})
	require.NoError(t, registry.Register(echoTool("echo"), tools.Meta{}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "echo", `{"text":"first"}`),
		call("c2", "echo", `{"text":"second"}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "first", results[0].Content)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "second", results[1].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	for _, r := range results {
		assert.Equal(t, router.RoleTool, r.Role)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	e, _, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "ghost", `{}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Error: Tool 'ghost' is not registered or unavailable.", results[0].Content)
}

func TestExecute_MalformedArguments(t *testing.T) {
	e, registry, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})
	require.NoError(t, registry.Register(echoTool("echo"), tools.Meta{}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "echo", `{not json`),
	})
	require.NoError(t, err)
	assert.Equal(t, "empty", results[0].Content)
}

func TestExecute_PolicyDenySkipsExecutor(t *testing.T) {
	e, registry, _ := testExecutor(t, policy.Profile{
		ID:            "global",
		DefaultAction: policy.ActionAllow,
		Rules: []policy.Rule{
			{SkillName: "shell", Action: policy.ActionDeny, Reason: "shell access disabled"},
		},
	})

	invoked := false
	require.NoError(t, registry.Register(&tools.Func{
		FuncName: "shell",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			invoked = true
			return "ran", nil
		},
	}, tools.Meta{}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "shell", `{}`),
	})
	require.NoError(t, err)
	assert.False(t, invoked, "denied tool must not execute")
	assert.Equal(t, "Access Denied: tool 'shell' was blocked by policy. Reason: shell access disabled", results[0].Content)
}

func TestExecute_AliasResolution(t *testing.T) {
	e, registry, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})
	require.NoError(t, registry.Register(echoTool("echo"), tools.Meta{Aliases: []string{"repeat"}}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "repeat", `{"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", results[0].Content)
}

func TestExecute_UnclassifiedScopeDenied(t *testing.T) {
	e, registry, db := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})

	invoked := false
	require.NoError(t, registry.Register(&tools.Func{
		FuncName: "mystery",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			invoked = true
			return "ran", nil
		},
	}, tools.Meta{Source: tools.SourceMCP}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "mystery", `{}`),
	})
	require.NoError(t, err)
	assert.False(t, invoked)
	assert.Contains(t, results[0].Content, "Access Denied")
	assert.Contains(t, results[0].Content, "secure default")

	audits, err := db.ListPolicyAudits("s1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "scope_deny", audits[0].Action)
}

func TestExecute_HighRiskNeedsExplicitAllow(t *testing.T) {
	// Default allow is not enough for high-risk tools.
	e, registry, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})
	require.NoError(t, registry.Register(echoTool("deploy"), tools.Meta{
		Source: tools.SourceMCP,
		Scope:  tools.ScopeHighRisk,
	}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "deploy", `{"text":"go"}`),
	})
	require.NoError(t, err)
	assert.Contains(t, results[0].Content, "explicit allow rule")

	// With an explicit allow rule it runs.
	e2, registry2, _ := testExecutor(t, policy.Profile{
		ID:            "global",
		DefaultAction: policy.ActionAllow,
		Rules:         []policy.Rule{{SkillName: "deploy", Action: policy.ActionAllow}},
	})
	require.NoError(t, registry2.Register(echoTool("deploy"), tools.Meta{
		Source: tools.SourceMCP,
		Scope:  tools.ScopeHighRisk,
	}))

	results, err = e2.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "deploy", `{"text":"go"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "go", results[0].Content)
}

func TestExecute_ToolErrorAndPanic(t *testing.T) {
	e, registry, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})

	require.NoError(t, registry.Register(&tools.Func{
		FuncName: "failing",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend unavailable")
		},
	}, tools.Meta{}))
	require.NoError(t, registry.Register(&tools.Func{
		FuncName: "panicking",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	}, tools.Meta{}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "failing", `{}`),
		call("c2", "panicking", `{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Error executing tool: backend unavailable", results[0].Content)
	assert.Contains(t, results[1].Content, "Error executing tool: panic: boom")
}

func TestExecute_Timeout(t *testing.T) {
	e, registry, _ := testExecutor(t, policy.Profile{ID: "global", DefaultAction: policy.ActionAllow})
	e.SetToolTimeout(20 * time.Millisecond)

	require.NoError(t, registry.Register(&tools.Func{
		FuncName: "slow",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		},
	}, tools.Meta{}))

	results, err := e.Execute(context.Background(), "s1", []router.ToolCall{
		call("c1", "slow", `{}`),
	})
	require.NoError(t, err)
	assert.Contains(t, results[0].Content, "Error executing tool:")
}

func TestTruncateToolResult(t *testing.T) {
	small := "short output"
	assert.Equal(t, small, TruncateToolResult(small, 1024))

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	out := TruncateToolResult(string(big), 1024)
	assert.Less(t, len(out), 2048)
	assert.Contains(t, out, "truncated")
}
