// Package budget implements the runtime budget governor: it aggregates model
// usage, derives a severity from configured limits, and emits routing
// directives that the model router follows on every request.
package budget

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relay/internal/config"
	"relay/internal/storage"
	"relay/pkg/logger"

	"github.com/rs/zerolog"
)

// Profiles.
const (
	ProfileEconomy     = "economy"
	ProfileBalanced    = "balanced"
	ProfilePerformance = "performance"
)

// Severities.
const (
	SeverityNormal    = "normal"
	SeverityWarning   = "warning"
	SeverityHardLimit = "hard_limit"
)

// Directive actions.
const (
	ActionIntelligentPacing  = "intelligent_pacing"
	ActionFallbackTightening = "fallback_tightening"
)

const (
	manualProfileKey    = "manual_profile"
	providerCooldownKey = "cooldown:provider:"
)

// RoutingDirective is the governor's per-request instruction to the router.
type RoutingDirective struct {
	Profile          string        `json:"profile"`
	Severity         string        `json:"severity"`
	PacingDelay      time.Duration `json:"pacing_delay"`
	BlockedProviders []string      `json:"blocked_providers"`
	BlockedModelIDs  []string      `json:"blocked_model_ids"`
	Actions          []string      `json:"actions"`
}

// UsageRecord is one routing outcome reported back to the governor.
type UsageRecord struct {
	SessionID      string
	ProviderID     string
	ModelID        string
	Profile        string
	Stage          string // success, failure, skipped
	RequestTokens  int
	ResponseTokens int
	Latency        time.Duration
	StatusCode     int
	Error          string
}

// Governor aggregates usage and derives routing directives.
type Governor struct {
	db  *storage.DB
	cfg config.BudgetConfig
	log zerolog.Logger

	// Model ids blocked under hard_limit, typically the top-tier provider's.
	topTierModels []string

	mu           sync.Mutex
	lastSeverity string
}

// New creates a governor. topTierModels lists the model ids blocked when the
// budget reaches hard_limit.
func New(db *storage.DB, cfg config.BudgetConfig, topTierModels []string) *Governor {
	return &Governor{
		db:            db,
		cfg:           cfg,
		log:           logger.Component("budget"),
		topTierModels: topTierModels,
		lastSeverity:  SeverityNormal,
	}
}

// RoutingDirective computes the current directive for a session. Read-mostly:
// it aggregates the usage log and reads the small state table.
func (g *Governor) RoutingDirective(sessionID string) (*RoutingDirective, error) {
	severity, err := g.deriveSeverity(sessionID)
	if err != nil {
		return nil, fmt.Errorf("derive severity: %w", err)
	}

	blocked, err := g.blockedProviders()
	if err != nil {
		return nil, fmt.Errorf("blocked providers: %w", err)
	}

	d := &RoutingDirective{
		Severity:         severity,
		BlockedProviders: blocked,
	}

	manual, err := g.manualProfile()
	if err != nil {
		return nil, err
	}

	switch {
	case manual != "":
		d.Profile = manual
	case severity == SeverityWarning:
		d.Profile = ProfileBalanced
	case severity == SeverityHardLimit:
		d.Profile = ProfileEconomy
	default:
		d.Profile = g.cfg.DefaultProfile
	}

	if severity == SeverityWarning {
		d.Actions = append(d.Actions, ActionIntelligentPacing)
		d.PacingDelay = g.cfg.PacingDelay
	}
	if severity == SeverityHardLimit {
		d.Actions = append(d.Actions, ActionFallbackTightening)
		d.BlockedModelIDs = append(d.BlockedModelIDs, g.topTierModels...)
	}

	g.noteSeverity(severity, sessionID)

	return d, nil
}

// RecordUsage appends one routing outcome to the usage log.
func (g *Governor) RecordUsage(r *UsageRecord) error {
	return g.db.AppendUsage(&storage.UsageEntry{
		SessionID:      r.SessionID,
		ProviderID:     r.ProviderID,
		ModelID:        r.ModelID,
		Profile:        r.Profile,
		Stage:          r.Stage,
		RequestTokens:  r.RequestTokens,
		ResponseTokens: r.ResponseTokens,
		LatencyMS:      r.Latency.Milliseconds(),
		StatusCode:     r.StatusCode,
		Error:          r.Error,
	})
}

// ApplyProviderCooldown blocks a provider until now + the configured cooldown.
func (g *Governor) ApplyProviderCooldown(providerID, sessionID, reason string) error {
	until := time.Now().Add(g.cfg.ProviderCooldown)
	if err := g.db.SetBudgetState(providerCooldownKey+providerID, reason, &until); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}

	g.log.Warn().
		Str("provider", providerID).
		Str("reason", reason).
		Time("until", until).
		Msg("provider cooldown applied")

	return g.db.AppendBudgetEvent(sessionID, "provider_cooldown",
		fmt.Sprintf("provider %s blocked until %s: %s", providerID, until.Format(time.RFC3339), reason))
}

// SetManualProfile persists a manual profile override. An empty profile
// clears the override.
func (g *Governor) SetManualProfile(profile, sessionID string) error {
	if profile == "" {
		if err := g.db.DeleteBudgetState(manualProfileKey); err != nil {
			return err
		}
		return g.db.AppendBudgetEvent(sessionID, "manual_profile_cleared", "")
	}

	if !ValidProfile(profile) {
		return fmt.Errorf("invalid profile %q", profile)
	}

	if err := g.db.SetBudgetState(manualProfileKey, profile, nil); err != nil {
		return err
	}
	return g.db.AppendBudgetEvent(sessionID, "manual_profile_set", profile)
}

// ResetPolicyState clears the manual profile and all provider cooldowns.
func (g *Governor) ResetPolicyState(sessionID string) error {
	if err := g.db.DeleteBudgetState(manualProfileKey); err != nil {
		return err
	}

	states, err := g.db.ListBudgetStateByPrefix(providerCooldownKey)
	if err != nil {
		return err
	}
	for _, s := range states {
		if err := g.db.DeleteBudgetState(s.Key); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.lastSeverity = SeverityNormal
	g.mu.Unlock()

	return g.db.AppendBudgetEvent(sessionID, "policy_state_reset", "")
}

// Snapshot summarizes the governor's current view for the control plane.
type Snapshot struct {
	Severity         string    `json:"severity"`
	Profile          string    `json:"profile"`
	ManualProfile    string    `json:"manual_profile,omitempty"`
	DailyRequests    int       `json:"daily_requests"`
	DailyTokens      int       `json:"daily_tokens"`
	BlockedProviders []string  `json:"blocked_providers"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Snapshot returns the current budget state.
func (g *Governor) Snapshot() (*Snapshot, error) {
	totals, err := g.db.UsageSince(startOfDay(time.Now()), "", "")
	if err != nil {
		return nil, err
	}

	d, err := g.RoutingDirective("")
	if err != nil {
		return nil, err
	}

	manual, err := g.manualProfile()
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Severity:         d.Severity,
		Profile:          d.Profile,
		ManualProfile:    manual,
		DailyRequests:    totals.Requests,
		DailyTokens:      totals.Tokens,
		BlockedProviders: d.BlockedProviders,
		GeneratedAt:      time.Now(),
	}, nil
}

// ValidProfile reports whether p is a known profile name.
func ValidProfile(p string) bool {
	switch p {
	case ProfileEconomy, ProfileBalanced, ProfilePerformance:
		return true
	}
	return false
}

func (g *Governor) deriveSeverity(sessionID string) (string, error) {
	since := startOfDay(time.Now())

	daily, err := g.db.UsageSince(since, "", "")
	if err != nil {
		return "", err
	}

	ratios := []float64{
		ratio(daily.Requests, g.cfg.DailyRequestLimit),
		ratio(daily.Tokens, g.cfg.DailyTokenLimit),
	}

	if sessionID != "" {
		session, err := g.db.UsageSince(since, sessionID, "")
		if err != nil {
			return "", err
		}
		ratios = append(ratios, ratio(session.Requests, g.cfg.SessionRequestLimit))
	}

	perProvider, err := g.db.UsageByProviderSince(since)
	if err != nil {
		return "", err
	}
	for _, count := range perProvider {
		ratios = append(ratios, ratio(count, g.cfg.ProviderRequestLimit))
	}

	max := 0.0
	for _, r := range ratios {
		if r > max {
			max = r
		}
	}

	switch {
	case max >= 1.0:
		return SeverityHardLimit, nil
	case max >= g.cfg.WarningRatio:
		return SeverityWarning, nil
	default:
		return SeverityNormal, nil
	}
}

// blockedProviders returns providers with an active cooldown, sweeping
// expired rows as it goes.
func (g *Governor) blockedProviders() ([]string, error) {
	states, err := g.db.ListBudgetStateByPrefix(providerCooldownKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var blocked []string
	for _, s := range states {
		if s.CooldownUntil == nil || !s.CooldownUntil.After(now) {
			_ = g.db.DeleteBudgetState(s.Key)
			continue
		}
		blocked = append(blocked, strings.TrimPrefix(s.Key, providerCooldownKey))
	}

	return blocked, nil
}

func (g *Governor) manualProfile() (string, error) {
	s, err := g.db.GetBudgetState(manualProfileKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return s.Value, nil
}

// noteSeverity emits a budget event when the derived severity changes.
func (g *Governor) noteSeverity(severity, sessionID string) {
	g.mu.Lock()
	changed := severity != g.lastSeverity
	g.lastSeverity = severity
	g.mu.Unlock()

	if !changed {
		return
	}

	g.log.Info().Str("severity", severity).Msg("budget severity changed")
	_ = g.db.AppendBudgetEvent(sessionID, "severity_changed", severity)
}

func ratio(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
