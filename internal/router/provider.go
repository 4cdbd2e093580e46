package router

import "time"

// providerState tracks one configured provider and its usage record. All
// mutation happens under the router's lock.
type providerState struct {
	id       string
	model    string
	endpoint string
	apiKey   string

	stats UsageStats
}

func (p *providerState) cooldownActive(now time.Time) bool {
	return p.stats.CooldownUntil != nil && p.stats.CooldownUntil.After(now)
}

func (p *providerState) setCooldown(until time.Time, reason string) {
	p.stats.CooldownUntil = &until
	p.stats.CooldownReason = reason
}

func (p *providerState) clearCooldown() {
	p.stats.CooldownUntil = nil
	p.stats.CooldownReason = ""
}

func (p *providerState) recordSuccess(now time.Time) {
	p.stats.Successes++
	p.stats.ConsecutiveFailures = 0
	p.stats.LastUsedAt = &now
	p.stats.LastError = ""
}

func (p *providerState) recordFailure(now time.Time, errMsg string) {
	p.stats.Failures++
	p.stats.ConsecutiveFailures++
	p.stats.LastUsedAt = &now
	p.stats.LastError = errMsg
}
