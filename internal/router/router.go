// Package router implements multi-provider model routing with rate-limit
// cooldowns, budget-directed ordering and two fallback modes.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"relay/internal/budget"
	"relay/internal/config"
	"relay/internal/storage"
	"relay/pkg/logger"

	"github.com/rs/zerolog"
)

const fallbackModeKey = "fallback_mode"

// Governor is the budget governor surface the router depends on.
type Governor interface {
	RoutingDirective(sessionID string) (*budget.RoutingDirective, error)
	RecordUsage(r *budget.UsageRecord) error
	ApplyProviderCooldown(providerID, sessionID, reason string) error
}

// Options carries per-request routing options.
type Options struct {
	SessionID string
}

// Router selects a provider per request and performs the chat completion.
type Router struct {
	cfg      config.RouterConfig
	db       *storage.DB
	governor Governor
	client   *http.Client
	log      zerolog.Logger

	// sleep is swappable so tests do not wait on real pacing delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu                  sync.RWMutex
	providers           []*providerState
	head                int
	mode                string
	failoverCount       int
	consecutiveFailures int
	currentModelID      string
	events              []Event
}

// New builds a router over the ordered provider configurations. API keys are
// resolved by env-var name; keyless providers stay configured but are skipped
// at selection time. The persisted fallback mode wins over the configured one.
func New(db *storage.DB, cfg config.RouterConfig, providerCfgs []config.ProviderConfig, governor Governor) (*Router, error) {
	if len(providerCfgs) == 0 {
		return nil, fmt.Errorf("router: no providers configured")
	}

	providers := make([]*providerState, 0, len(providerCfgs))
	for _, pc := range providerCfgs {
		key, _ := config.Secret(pc.APIKeyName, false)
		providers = append(providers, &providerState{
			id:       pc.ID,
			model:    pc.Model,
			endpoint: pc.Endpoint,
			apiKey:   key,
		})
	}

	mode := cfg.FallbackMode
	if persisted, err := db.GetRoutingSetting(fallbackModeKey); err == nil && validMode(persisted) {
		mode = persisted
	}
	if !validMode(mode) {
		mode = ModeAggressiveFallback
	}

	return &Router{
		cfg:       cfg,
		db:        db,
		governor:  governor,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		log:       logger.Component("router"),
		sleep:     sleepCtx,
		providers: providers,
		mode:      mode,
	}, nil
}

// CreateChatCompletion routes the request across providers and returns the
// assistant message, or ErrAllProvidersExhausted when every provider has been
// tried without a usable response.
func (r *Router) CreateChatCompletion(ctx context.Context, messages []Message, tools []Tool, opts Options) (*Message, error) {
	directive, err := r.governor.RoutingDirective(opts.SessionID)
	if err != nil {
		r.log.Error().Err(err).Msg("routing directive unavailable, using defaults")
		directive = &budget.RoutingDirective{Profile: budget.ProfilePerformance, Severity: budget.SeverityNormal}
	}

	if directive.PacingDelay > 0 {
		if err := r.sleep(ctx, directive.PacingDelay); err != nil {
			return nil, err
		}
	}

	blockedProviders := toSet(directive.BlockedProviders)
	blockedModels := toSet(directive.BlockedModelIDs)

	// Record every blocked provider up front so skips are visible even when
	// the ordering would not have reached them.
	blocked := make(map[string]bool)
	r.mu.RLock()
	all := make([]*providerState, len(r.providers))
	copy(all, r.providers)
	r.mu.RUnlock()
	for _, p := range all {
		if blockedProviders[p.id] || blockedModels[p.model] {
			blocked[p.id] = true
			r.emit(EventSkipped, p, "blocked by budget directive")
			r.recordUsage(opts.SessionID, p, directive.Profile, "skipped", nil, 0, 0, "")
		}
	}

	order := r.orderProviders(directive.Profile)
	for i, p := range order {
		if blocked[p.id] {
			continue
		}

		if p.apiKey == "" {
			continue
		}

		if !r.passCooldown(ctx, p) {
			continue
		}

		msg, retryAfter, err := r.attempt(ctx, p, messages, tools, opts, directive.Profile)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// A rate-limited provider gets one same-provider retry under
		// intelligent pacing when the advertised wait is short enough.
		if retryAfter > 0 && r.Mode() == ModeIntelligentPacing && retryAfter <= r.cfg.IntelligentPacingMaxWait {
			r.emit(EventCooldownWait, p, fmt.Sprintf("pacing retry in %s", retryAfter))
			if err := r.sleep(ctx, retryAfter); err != nil {
				return nil, err
			}
			msg, _, err := r.attempt(ctx, p, messages, tools, opts, directive.Profile)
			if err == nil {
				return msg, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		// Moving past a failed provider counts as a failover.
		if i < len(order)-1 {
			r.mu.Lock()
			r.failoverCount++
			r.mu.Unlock()
			r.emit(EventFailover, p, "provider failed")
		}
	}

	return nil, ErrAllProvidersExhausted
}

// ForceFailover rotates the preferred provider head.
func (r *Router) ForceFailover() {
	r.mu.Lock()
	r.head = (r.head + 1) % len(r.providers)
	r.failoverCount++
	next := r.providers[r.head]
	r.mu.Unlock()

	r.log.Warn().Str("provider", next.id).Msg("forced failover")
	r.emit(EventFailover, next, "preferred head rotated")
}

// ResetPreferredModel restores the configured provider ordering.
func (r *Router) ResetPreferredModel() {
	r.mu.Lock()
	r.head = 0
	r.mu.Unlock()
}

// Mode returns the current fallback mode.
func (r *Router) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode validates and persists a new fallback mode.
func (r *Router) SetMode(mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("invalid fallback mode %q", mode)
	}

	if err := r.db.SetRoutingSetting(fallbackModeKey, mode); err != nil {
		return fmt.Errorf("persist mode: %w", err)
	}

	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()

	r.emit(EventModeChange, nil, mode)
	return nil
}

// Snapshot returns the router health snapshot.
func (r *Router) Snapshot() *HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make(map[string]UsageStats, len(r.providers))
	for _, p := range r.providers {
		providers[p.id] = p.stats
	}

	events := make([]Event, len(r.events))
	copy(events, r.events)

	return &HealthSnapshot{
		Mode:                r.mode,
		CurrentModelID:      r.currentModelID,
		FailoverCount:       r.failoverCount,
		ConsecutiveFailures: r.consecutiveFailures,
		Providers:           providers,
		Events:              events,
	}
}

// ConsecutiveFailures returns the router-wide consecutive failure count, read
// by the incident manager.
func (r *Router) ConsecutiveFailures() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consecutiveFailures
}

// passCooldown reports whether the provider may be attempted now. Under
// intelligent pacing a short cooldown is waited out once; otherwise an active
// cooldown skips the provider.
func (r *Router) passCooldown(ctx context.Context, p *providerState) bool {
	r.mu.RLock()
	active := p.cooldownActive(time.Now())
	var wait time.Duration
	if active && p.stats.CooldownUntil != nil {
		wait = time.Until(*p.stats.CooldownUntil)
	}
	mode := r.mode
	r.mu.RUnlock()

	if !active {
		return true
	}

	if mode == ModeIntelligentPacing && wait <= r.cfg.IntelligentPacingMaxWait {
		r.emit(EventCooldownWait, p, fmt.Sprintf("waiting %s for cooldown", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return false
		}

		r.mu.RLock()
		stillActive := p.cooldownActive(time.Now())
		r.mu.RUnlock()
		if !stillActive {
			return true
		}
	}

	r.emit(EventCooldownSkip, p, "cooldown active")
	return false
}

// attempt performs one HTTP chat completion against a single provider. On a
// 429 it returns the wait the provider advertised so the caller can decide to
// pace and retry.
func (r *Router) attempt(ctx context.Context, p *providerState, messages []Message, tools []Tool, opts Options, profile string) (*Message, time.Duration, error) {
	r.emit(EventAttempt, p, "")
	r.mu.Lock()
	p.stats.Attempts++
	r.mu.Unlock()

	start := time.Now()
	resp, err := r.post(ctx, p, messages, tools)
	latency := time.Since(start)

	if err != nil {
		r.fail(p, opts.SessionID, profile, latency, 0, sanitizeError(err))
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		cooldown := wait
		if cooldown <= 0 {
			cooldown = r.cfg.DefaultRateLimitCooldown
		}
		if cooldown < time.Second {
			cooldown = time.Second
		}

		until := time.Now().Add(cooldown)
		r.mu.Lock()
		p.setCooldown(until, "rate limited")
		p.stats.RateLimits++
		r.mu.Unlock()

		r.emit(EventCooldownSet, p, fmt.Sprintf("cooldown %s", cooldown))
		r.emit(EventRateLimit, p, resp.Status)
		r.fail(p, opts.SessionID, profile, latency, resp.StatusCode, "rate limited")

		if err := r.governor.ApplyProviderCooldown(p.id, opts.SessionID, "rate limited"); err != nil {
			r.log.Error().Err(err).Str("provider", p.id).Msg("apply provider cooldown")
		}

		return nil, wait, fmt.Errorf("provider %s rate limited", p.id)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.emit(EventFailure, p, resp.Status)
		r.fail(p, opts.SessionID, profile, latency, resp.StatusCode, resp.Status)
		return nil, 0, fmt.Errorf("provider %s returned %s", p.id, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.emit(EventFailure, p, "read body")
		r.fail(p, opts.SessionID, profile, latency, resp.StatusCode, sanitizeError(err))
		return nil, 0, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		r.emit(EventFailure, p, "malformed response")
		r.fail(p, opts.SessionID, profile, latency, resp.StatusCode, "malformed response")
		return nil, 0, fmt.Errorf("provider %s: malformed response", p.id)
	}

	if len(parsed.Choices) == 0 {
		r.emit(EventFailure, p, "empty choices")
		r.fail(p, opts.SessionID, profile, latency, resp.StatusCode, "empty choices")
		return nil, 0, fmt.Errorf("provider %s: empty choices", p.id)
	}

	msg := parsed.Choices[0].Message
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		r.emit(EventFailure, p, "empty message")
		r.fail(p, opts.SessionID, profile, latency, resp.StatusCode, "empty message")
		return nil, 0, fmt.Errorf("provider %s: empty message", p.id)
	}

	now := time.Now()
	r.mu.Lock()
	p.clearCooldown()
	p.recordSuccess(now)
	r.consecutiveFailures = 0
	r.currentModelID = p.model
	r.mu.Unlock()

	r.emit(EventSuccess, p, "")
	r.recordUsage(opts.SessionID, p, profile, "success", &parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, int(latency.Milliseconds()), "")

	return &msg, 0, nil
}

func (r *Router) post(ctx context.Context, p *providerState, messages []Message, tools []Tool) (*http.Response, error) {
	reqBody := chatRequest{Model: p.model, Messages: messages, Tools: tools}
	if len(tools) > 0 {
		reqBody.ToolChoice = "auto"
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	return r.client.Do(req)
}

func (r *Router) fail(p *providerState, sessionID, profile string, latency time.Duration, statusCode int, errMsg string) {
	now := time.Now()
	r.mu.Lock()
	p.recordFailure(now, errMsg)
	r.consecutiveFailures++
	r.mu.Unlock()

	r.recordUsage(sessionID, p, profile, "failure", nil, 0, int(latency.Milliseconds()), errMsg)
	if statusCode == 0 {
		r.emit(EventFailure, p, errMsg)
	}
}

func (r *Router) recordUsage(sessionID string, p *providerState, profile, stage string, promptTokens *int, completionTokens, latencyMS int, errMsg string) {
	rec := &budget.UsageRecord{
		SessionID:      sessionID,
		ProviderID:     p.id,
		ModelID:        p.model,
		Profile:        profile,
		Stage:          stage,
		ResponseTokens: completionTokens,
		Latency:        time.Duration(latencyMS) * time.Millisecond,
		Error:          errMsg,
	}
	if promptTokens != nil {
		rec.RequestTokens = *promptTokens
	}
	if err := r.governor.RecordUsage(rec); err != nil {
		r.log.Error().Err(err).Msg("record usage")
	}
}

// orderProviders returns the attempt order for a profile. Performance follows
// the rotated preferred order; balanced and economy use fixed rank tables over
// the configured tiers.
func (r *Router) orderProviders(profile string) []*providerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.providers)
	out := make([]*providerState, 0, n)

	switch profile {
	case budget.ProfileEconomy:
		// Cheapest tier first: reverse configured order.
		for i := n - 1; i >= 0; i-- {
			out = append(out, r.providers[i])
		}
	case budget.ProfileBalanced:
		// Mid tier first, top tier last.
		for i := 1; i < n; i++ {
			out = append(out, r.providers[i])
		}
		out = append(out, r.providers[0])
	default:
		for i := 0; i < n; i++ {
			out = append(out, r.providers[(r.head+i)%n])
		}
	}

	return out
}

// emit appends a telemetry event to the capped ring and persists it with
// newest-N retention.
func (r *Router) emit(eventType string, p *providerState, detail string) {
	e := Event{Type: eventType, Detail: detail, CreatedAt: time.Now()}
	var providerID, modelID string
	if p != nil {
		providerID, modelID = p.id, p.model
		e.ProviderID, e.ModelID = p.id, p.model
	}

	r.mu.Lock()
	r.events = append(r.events, e)
	if max := r.cfg.MaxRuntimeEvents; max > 0 && len(r.events) > max {
		r.events = r.events[len(r.events)-max:]
	}
	r.mu.Unlock()

	if err := r.db.AppendRoutingEvent(providerID, modelID, eventType, detail, r.cfg.MaxPersistedEvents); err != nil {
		r.log.Error().Err(err).Str("type", eventType).Msg("persist routing event")
	}
}

func validMode(mode string) bool {
	return mode == ModeIntelligentPacing || mode == ModeAggressiveFallback
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Zero means
// the header was absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
