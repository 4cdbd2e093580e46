package policy

import (
	"sync"

	"relay/pkg/logger"

	"github.com/rs/zerolog"
)

// DecisionHook is invoked after every check. Hook errors are logged and never
// affect the decision.
type DecisionHook func(sessionID, tool string, d Decision) error

// Engine evaluates tool calls against a global profile and optional
// per-session overrides.
type Engine struct {
	mu         sync.RWMutex
	global     Profile
	sessions   map[string]Profile
	onDecision DecisionHook
	log        zerolog.Logger
}

// NewEngine creates an engine with the given global profile.
func NewEngine(global Profile) *Engine {
	if global.DefaultAction == "" {
		global.DefaultAction = ActionAllow
	}
	return &Engine{
		global:   global,
		sessions: make(map[string]Profile),
		log:      logger.Component("policy"),
	}
}

// OnDecision registers the decision hook.
func (e *Engine) OnDecision(hook DecisionHook) {
	e.mu.Lock()
	e.onDecision = hook
	e.mu.Unlock()
}

// SetGlobalProfile replaces the global profile.
func (e *Engine) SetGlobalProfile(p Profile) {
	e.mu.Lock()
	e.global = p
	e.mu.Unlock()
	e.log.Info().Str("profile", p.ID).Msg("global policy profile updated")
}

// SetSessionProfile installs a per-session override profile.
func (e *Engine) SetSessionProfile(sessionID string, p Profile) {
	e.mu.Lock()
	e.sessions[sessionID] = p
	e.mu.Unlock()
}

// ClearSessionProfile removes a session override.
func (e *Engine) ClearSessionProfile(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// Check evaluates a tool call. Order: session-override rules, session default
// (unless fallback), global rules, global default.
func (e *Engine) Check(sessionID, tool string) Decision {
	e.mu.RLock()
	global := e.global
	session, hasSession := e.sessions[sessionID]
	hook := e.onDecision
	e.mu.RUnlock()

	d := e.evaluate(global, session, hasSession, tool)

	if hook != nil {
		if err := hook(sessionID, tool, d); err != nil {
			e.log.Error().Err(err).Str("tool", tool).Msg("decision hook failed")
		}
	}

	return d
}

// HasExplicitAllow reports whether any applicable rule (not a default action)
// explicitly allows the tool. Used for high-risk scope gating.
func (e *Engine) HasExplicitAllow(sessionID, tool string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if session, ok := e.sessions[sessionID]; ok {
		if r := matchRule(session.Rules, tool); r != nil && r.Action == ActionAllow {
			return true
		}
	}
	if r := matchRule(e.global.Rules, tool); r != nil && r.Action == ActionAllow {
		return true
	}
	return false
}

func (e *Engine) evaluate(global, session Profile, hasSession bool, tool string) Decision {
	if hasSession {
		if r := matchRule(session.Rules, tool); r != nil {
			return Decision{Action: r.Action, Reason: r.Reason, ProfileID: session.ID}
		}
		if session.DefaultAction != "" && session.DefaultAction != ActionFallback {
			return Decision{Action: session.DefaultAction, Reason: "session default", ProfileID: session.ID}
		}
	}

	if r := matchRule(global.Rules, tool); r != nil {
		return Decision{Action: r.Action, Reason: r.Reason, ProfileID: global.ID}
	}

	action := global.DefaultAction
	if action == "" || action == ActionFallback {
		action = ActionAllow
	}
	return Decision{Action: action, Reason: "global default", ProfileID: global.ID}
}

func matchRule(rules []Rule, tool string) *Rule {
	for i := range rules {
		if rules[i].SkillName == tool || rules[i].SkillName == "*" {
			return &rules[i]
		}
	}
	return nil
}
