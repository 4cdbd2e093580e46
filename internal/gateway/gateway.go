// Package gateway drives the conversation loop: it turns inbound platform
// messages into router calls, tool execution rounds, delegation runs and
// outbound deliveries, with per-session serialization and tiered context
// compaction.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/internal/delegate"
	"relay/internal/reasoning"
	"relay/internal/router"
	"relay/internal/storage"
	"relay/pkg/logger"
)

const systemPersona = `You are Relay, a pragmatic operations assistant. Answer directly, use the available tools when they help, and keep replies short.`

// degradedStreakThreshold marks a session degraded after this many
// consecutive compactions.
const degradedStreakThreshold = 3

// ChatBackend is the model routing surface the gateway depends on.
type ChatBackend interface {
	CreateChatCompletion(ctx context.Context, messages []router.Message, tools []router.Tool, opts router.Options) (*router.Message, error)
}

// ToolRunner executes an assistant turn's tool calls.
type ToolRunner interface {
	Execute(ctx context.Context, sessionID string, calls []router.ToolCall) ([]router.Message, error)
}

// ToolCatalog exposes the tool definitions offered to the model.
type ToolCatalog interface {
	Definitions() []router.Tool
}

// Delegator fans a request out into a sub-agent job DAG.
type Delegator interface {
	Run(ctx context.Context, req delegate.Request, exec delegate.ExecuteFunc) (*delegate.Result, error)
}

// MemoryStore ingests turns and recalls related context.
type MemoryStore interface {
	Ingest(ctx context.Context, sessionID, text string) error
	Recall(ctx context.Context, sessionID, query string) (*reasoning.Context, error)
}

// InboundMessage is one message arriving from a chat platform.
type InboundMessage struct {
	Platform string `json:"platform"`
	SenderID string `json:"sender_id"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
}

// Gateway owns the conversation loop for all sessions.
type Gateway struct {
	db       *storage.DB
	cfg      config.GatewayConfig
	backend  ChatBackend
	catalog  ToolCatalog
	runner   ToolRunner
	delegate Delegator
	memory   MemoryStore
	queue    *runQueue
	log      zerolog.Logger

	delegationEnabled bool

	mu      sync.Mutex
	streaks map[string]int
}

// New creates a gateway. delegator and memory may be nil to disable those
// features.
func New(db *storage.DB, cfg config.GatewayConfig, backend ChatBackend, catalog ToolCatalog, runner ToolRunner, delegator Delegator, memory MemoryStore, delegationEnabled bool) *Gateway {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 6
	}
	if cfg.DelegationMinScore <= 0 {
		cfg.DelegationMinScore = delegationThreshold
	}
	return &Gateway{
		db:                db,
		cfg:               cfg,
		backend:           backend,
		catalog:           catalog,
		runner:            runner,
		delegate:          delegator,
		memory:            memory,
		queue:             newRunQueue(32, time.Minute),
		log:               logger.Component("gateway"),
		delegationEnabled: delegationEnabled && delegator != nil,
		streaks:           make(map[string]int),
	}
}

// ProcessMessage handles one inbound platform message end to end and enqueues
// the reply for delivery.
func (g *Gateway) ProcessMessage(ctx context.Context, msg InboundMessage) (string, error) {
	sessionID := msg.Platform + ":" + msg.SenderID

	reply, err := g.ProcessText(ctx, sessionID, msg.Text)
	if err != nil {
		return "", err
	}

	chatID := msg.ChatID
	if chatID == "" {
		chatID = msg.SenderID
	}
	if _, err := g.db.EnqueueDelivery(msg.Platform, chatID, reply); err != nil {
		return reply, fmt.Errorf("enqueue reply: %w", err)
	}

	return reply, nil
}

// ProcessText runs one conversation turn for a session. Runs for the same
// session are serialized FIFO.
func (g *Gateway) ProcessText(ctx context.Context, sessionID, text string) (string, error) {
	var reply string
	err := g.queue.Do(ctx, sessionID, func(ctx context.Context) error {
		r, err := g.run(ctx, sessionID, text)
		reply = r
		return err
	})
	return reply, err
}

// CancelSession drops any queued runs for a session.
func (g *Gateway) CancelSession(sessionID string) {
	g.queue.Cancel(sessionID)
}

// Shutdown waits for in-flight runs to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.queue.Shutdown(ctx)
}

func (g *Gateway) run(ctx context.Context, sessionID, text string) (string, error) {
	platform, senderID := splitSessionID(sessionID)
	if _, err := g.db.EnsureSession(sessionID, platform, senderID); err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}

	if _, err := g.db.AppendMessage(sessionID, router.RoleUser, text, nil, ""); err != nil {
		return "", fmt.Errorf("persist user turn: %w", err)
	}

	memoryBlock := g.recallContext(ctx, sessionID, text)

	if g.delegationEnabled && complexityScore(text) >= g.cfg.DelegationMinScore {
		g.runDelegation(ctx, sessionID, text)
	}

	history, err := g.loadHistory(sessionID)
	if err != nil {
		return "", err
	}

	msgs := make([]router.Message, 0, len(history)+1)
	msgs = append(msgs, router.Message{Role: router.RoleSystem, Content: g.systemPrompt(memoryBlock)})
	msgs = append(msgs, toRouterMessages(history)...)

	tools := g.catalog.Definitions()
	opts := router.Options{SessionID: sessionID}

	for round := 0; round < g.cfg.MaxToolRounds; round++ {
		resp, err := g.backend.CreateChatCompletion(ctx, msgs, tools, opts)
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}

		if _, err := g.db.AppendMessage(sessionID, router.RoleAssistant, resp.Content, toStorageToolCalls(resp.ToolCalls), ""); err != nil {
			return "", fmt.Errorf("persist assistant turn: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			g.ingest(ctx, sessionID, resp.Content)
			return resp.Content, nil
		}

		msgs = append(msgs, *resp)

		results, err := g.runner.Execute(ctx, sessionID, resp.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("execute tools: %w", err)
		}
		for _, r := range results {
			if _, err := g.db.AppendMessage(sessionID, r.Role, r.Content, nil, r.ToolCallID); err != nil {
				return "", fmt.Errorf("persist tool turn: %w", err)
			}
			msgs = append(msgs, r)
		}
	}

	final := fmt.Sprintf("Stopped after %d tool rounds without a final reply.", g.cfg.MaxToolRounds)
	if _, err := g.db.AppendMessage(sessionID, router.RoleAssistant, final, nil, ""); err != nil {
		g.log.Error().Err(err).Str("session", sessionID).Msg("persist round-limit turn")
	}
	return final, nil
}

// recallContext queries memory for context related to the request. Recall
// failures degrade to an empty block; the turn still runs.
func (g *Gateway) recallContext(ctx context.Context, sessionID, text string) string {
	if g.memory == nil {
		return ""
	}
	if err := g.memory.Ingest(ctx, sessionID, text); err != nil {
		g.log.Warn().Err(err).Str("session", sessionID).Msg("memory ingest failed")
	}
	recalled, err := g.memory.Recall(ctx, sessionID, text)
	if err != nil {
		g.log.Warn().Err(err).Str("session", sessionID).Msg("memory recall failed")
		return ""
	}
	return recalled.Render()
}

func (g *Gateway) ingest(ctx context.Context, sessionID, text string) {
	if g.memory == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := g.memory.Ingest(ctx, sessionID, text); err != nil {
		g.log.Warn().Err(err).Str("session", sessionID).Msg("memory ingest failed")
	}
}

// runDelegation fans the request out and records the report as a synthetic
// tool exchange so the model sees it as evidence, not instructions.
func (g *Gateway) runDelegation(ctx context.Context, sessionID, text string) {
	briefs := planBriefs(text)
	if len(briefs) == 0 {
		return
	}

	result, err := g.delegate.Run(ctx, delegate.Request{
		SessionID:     sessionID,
		ParentMessage: excerpt(text, 200),
		Briefs:        briefs,
	}, g.delegateExec)
	if err != nil {
		g.log.Warn().Err(err).Str("session", sessionID).Msg("delegation run failed")
		return
	}

	callID := "delegate-" + uuid.New().String()[:8]
	call := storage.ToolCall{
		ID:       callID,
		Type:     "function",
		Function: mustFunctionJSON("delegate", fmt.Sprintf(`{"briefs":%d}`, len(briefs))),
	}
	if _, err := g.db.AppendMessage(sessionID, router.RoleAssistant, "", []storage.ToolCall{call}, ""); err != nil {
		g.log.Error().Err(err).Str("session", sessionID).Msg("persist delegation call")
		return
	}
	if _, err := g.db.AppendMessage(sessionID, router.RoleTool, result.Summary, nil, callID); err != nil {
		g.log.Error().Err(err).Str("session", sessionID).Msg("persist delegation report")
	}
}

// delegateExec answers one brief with a dedicated model call without tools.
func (g *Gateway) delegateExec(ctx context.Context, brief delegate.Brief) (string, error) {
	prompt := brief.Objective
	if brief.ScopedContext != "" {
		prompt += "\n\nContext:\n" + brief.ScopedContext
	}
	resp, err := g.backend.CreateChatCompletion(ctx, []router.Message{
		{Role: router.RoleSystem, Content: "You are a focused sub-agent. Complete the objective and reply with the result only."},
		{Role: router.RoleUser, Content: prompt},
	}, nil, router.Options{})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// loadHistory loads the session's turns and compacts them when over budget.
// Compaction results are persisted so later loads stay cheap; three
// consecutive compactions mark the session degraded.
func (g *Gateway) loadHistory(sessionID string) ([]*storage.Message, error) {
	msgs, err := g.db.GetMessages(sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	compacted, changed := compact(msgs, g.cfg)
	if changed {
		if err := g.db.ReplaceMessages(sessionID, compacted); err != nil {
			return nil, fmt.Errorf("persist compaction: %w", err)
		}
	}
	g.noteCompaction(sessionID, changed)

	return compacted, nil
}

func (g *Gateway) noteCompaction(sessionID string, compacted bool) {
	g.mu.Lock()
	if compacted {
		g.streaks[sessionID]++
	} else {
		g.streaks[sessionID] = 0
	}
	streak := g.streaks[sessionID]
	g.mu.Unlock()

	if err := g.db.SetDegradedStreak(sessionID, streak); err != nil {
		g.log.Error().Err(err).Str("session", sessionID).Msg("persist degraded streak")
	}
	if streak >= degradedStreakThreshold {
		g.log.Warn().Str("session", sessionID).Int("streak", streak).Msg("session context degraded")
	}
}

func (g *Gateway) systemPrompt(memoryBlock string) string {
	if memoryBlock == "" {
		return systemPersona
	}
	return systemPersona + "\n\n" + memoryBlock
}

// planBriefs splits a complex request into sub-agent briefs. Sequence markers
// (then, after that) order the briefs; parallel clauses run unordered.
func planBriefs(text string) []delegate.Brief {
	parts := splitSequence(text)
	if len(parts) == 0 {
		return nil
	}

	briefs := make([]delegate.Brief, 0, len(parts))
	for i, p := range parts {
		b := delegate.Brief{
			ID:        fmt.Sprintf("step-%d", i+1),
			Title:     excerpt(p, 60),
			Objective: p,
		}
		if i > 0 {
			b.DependsOn = []string{fmt.Sprintf("step-%d", i)}
		}
		briefs = append(briefs, b)
	}
	return briefs
}

func splitSequence(text string) []string {
	normalized := strings.ReplaceAll(text, " after that ", " then ")
	var parts []string
	for _, p := range strings.Split(normalized, " then ") {
		p = strings.TrimSpace(strings.Trim(p, ".,"))
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func splitSessionID(sessionID string) (platform, senderID string) {
	if i := strings.IndexByte(sessionID, ':'); i >= 0 {
		return sessionID[:i], sessionID[i+1:]
	}
	return "local", sessionID
}

func toRouterMessages(msgs []*storage.Message) []router.Message {
	out := make([]router.Message, 0, len(msgs))
	for _, m := range msgs {
		rm := router.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			rm.ToolCalls = append(rm.ToolCalls, router.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: router.ToolCallFunction{
					Name:      tc.GetName(),
					Arguments: tc.GetArguments(),
				},
			})
		}
		out = append(out, rm)
	}
	return out
}

func toStorageToolCalls(calls []router.ToolCall) []storage.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]storage.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, storage.ToolCall{
			ID:       c.ID,
			Type:     c.Type,
			Function: mustFunctionJSON(c.Function.Name, c.Function.Arguments),
		})
	}
	return out
}

func mustFunctionJSON(name, arguments string) json.RawMessage {
	raw, err := json.Marshal(struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{Name: name, Arguments: arguments})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
