package budget

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
	"relay/internal/storage"
)

func testGovernor(t *testing.T, cfg config.BudgetConfig) (*Governor, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = ProfilePerformance
	}
	if cfg.WarningRatio == 0 {
		cfg.WarningRatio = 0.8
	}
	if cfg.ProviderCooldown == 0 {
		cfg.ProviderCooldown = 5 * time.Minute
	}

	return New(db, cfg, []string{"gpt-4o"}), db
}

func recordRequests(t *testing.T, g *Governor, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, g.RecordUsage(&UsageRecord{
			SessionID:  sessionID,
			ProviderID: "primary",
			ModelID:    "gpt-4o",
			Stage:      "success",
			RequestTokens:  10,
			ResponseTokens: 5,
		}))
	}
}

func TestRoutingDirective_Normal(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{
		DailyRequestLimit:    100,
		DailyTokenLimit:      100000,
		SessionRequestLimit:  50,
		ProviderRequestLimit: 80,
	})

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)

	assert.Equal(t, SeverityNormal, d.Severity)
	assert.Equal(t, ProfilePerformance, d.Profile)
	assert.Empty(t, d.Actions)
	assert.Zero(t, d.PacingDelay)
	assert.Empty(t, d.BlockedModelIDs)
}

func TestRoutingDirective_Warning(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{
		DailyRequestLimit:    10,
		DailyTokenLimit:      1000000,
		SessionRequestLimit:  100,
		ProviderRequestLimit: 100,
		PacingDelay:          500 * time.Millisecond,
	})

	recordRequests(t, g, "s1", 8)

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)

	assert.Equal(t, SeverityWarning, d.Severity)
	assert.Equal(t, ProfileBalanced, d.Profile)
	assert.Contains(t, d.Actions, ActionIntelligentPacing)
	assert.Equal(t, 500*time.Millisecond, d.PacingDelay)
}

func TestRoutingDirective_HardLimitBlocksTopTier(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{
		DailyRequestLimit:    120,
		DailyTokenLimit:      100000000,
		SessionRequestLimit:  1000,
		ProviderRequestLimit: 1000,
	})

	recordRequests(t, g, "s1", 130)

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)

	assert.Equal(t, SeverityHardLimit, d.Severity)
	assert.Equal(t, ProfileEconomy, d.Profile)
	assert.Contains(t, d.Actions, ActionFallbackTightening)
	assert.Contains(t, d.BlockedModelIDs, "gpt-4o")
}

func TestRoutingDirective_ManualProfileWins(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{
		DailyRequestLimit:    10,
		DailyTokenLimit:      1000000,
		SessionRequestLimit:  100,
		ProviderRequestLimit: 100,
	})

	recordRequests(t, g, "s1", 8)
	require.NoError(t, g.SetManualProfile(ProfilePerformance, "s1"))

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)

	// Severity still reflects usage, but the manual profile overrides.
	assert.Equal(t, SeverityWarning, d.Severity)
	assert.Equal(t, ProfilePerformance, d.Profile)
}

func TestSetManualProfile_Invalid(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{})
	assert.Error(t, g.SetManualProfile("turbo", "s1"))
}

func TestSetManualProfile_Clear(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{DailyRequestLimit: 100})

	require.NoError(t, g.SetManualProfile(ProfileEconomy, "s1"))
	require.NoError(t, g.SetManualProfile("", "s1"))

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)
	assert.Equal(t, ProfilePerformance, d.Profile)
}

func TestApplyProviderCooldown(t *testing.T) {
	g, db := testGovernor(t, config.BudgetConfig{
		DailyRequestLimit: 100,
		ProviderCooldown:  time.Minute,
	})

	require.NoError(t, g.ApplyProviderCooldown("primary", "s1", "rate limited"))

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)
	assert.Contains(t, d.BlockedProviders, "primary")

	events, err := db.ListBudgetEvents(10)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "provider_cooldown")
}

func TestBlockedProviders_ExpiredSwept(t *testing.T) {
	g, db := testGovernor(t, config.BudgetConfig{DailyRequestLimit: 100})

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.SetBudgetState("cooldown:provider:stale", "old", &past))

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)
	assert.Empty(t, d.BlockedProviders)

	// The expired row was deleted, not just ignored.
	_, err = db.GetBudgetState("cooldown:provider:stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResetPolicyState(t *testing.T) {
	g, _ := testGovernor(t, config.BudgetConfig{
		DailyRequestLimit: 100,
		ProviderCooldown:  time.Minute,
	})

	require.NoError(t, g.SetManualProfile(ProfileEconomy, "s1"))
	require.NoError(t, g.ApplyProviderCooldown("primary", "s1", "rate limited"))
	require.NoError(t, g.ResetPolicyState("s1"))

	d, err := g.RoutingDirective("s1")
	require.NoError(t, err)
	assert.Equal(t, ProfilePerformance, d.Profile)
	assert.Empty(t, d.BlockedProviders)
}
