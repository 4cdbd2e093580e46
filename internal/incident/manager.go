// Package incident watches reliability signals and applies bounded,
// reversible remediations: queue throttling, retry window widening, forced
// model failover and context degradation advisories.
package incident

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/internal/delivery"
	"relay/internal/storage"
	"relay/pkg/logger"
)

// Incident types.
const (
	TypeQueueBackpressure    = "queue_backpressure"
	TypeCallbackFailureStorm = "callback_failure_storm"
	TypeRoutingInstability   = "model_routing_instability"
	TypeContextDegradation   = "context_degradation_sustained"
)

// callbackWindow is the lookback for counting rejected callbacks.
const callbackWindow = 10 * time.Minute

// stormMultiplier is the retry window scale applied during a callback
// failure storm.
const stormMultiplier = 3.0

// QueueController is the delivery worker surface the manager remediates
// through.
type QueueController interface {
	Mode() string
	SetMode(mode string) error
	RetryWindowMultiplier() float64
	SetRetryWindowMultiplier(m float64)
}

// RouterController is the model router surface the manager remediates
// through.
type RouterController interface {
	ForceFailover()
	ConsecutiveFailures() int
}

// Manager runs the detect/remediate/rollback loop.
type Manager struct {
	db     *storage.DB
	cfg    config.IncidentConfig
	queue  QueueController
	router RouterController
	log    zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron

	// Previous values captured before a remediation, for rollback.
	prevQueueMode  string
	prevMultiplier float64
}

// New creates an incident manager.
func New(db *storage.DB, cfg config.IncidentConfig, queue QueueController, router RouterController) *Manager {
	if cfg.RemediationCooldown <= 0 {
		cfg.RemediationCooldown = 5 * time.Minute
	}
	return &Manager{
		db:     db,
		cfg:    cfg,
		queue:  queue,
		router: router,
		log:    logger.Component("incident"),
	}
}

// Start schedules periodic evaluation. Interval resolution is one minute;
// sub-minute configs evaluate every minute.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return errors.New("incident: manager already started")
	}

	every := int(m.cfg.EvaluateInterval.Minutes())
	if every < 1 {
		every = 1
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %dm", every), func() {
		if err := m.Evaluate(); err != nil {
			m.log.Error().Err(err).Msg("scheduled evaluation failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule evaluation: %w", err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop halts scheduled evaluation.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
}

// Evaluate runs every detector once. Also invoked directly by the control
// plane for forced evaluation.
func (m *Manager) Evaluate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, check := range []func() error{
		m.checkQueueBackpressure,
		m.checkCallbackStorm,
		m.checkRoutingInstability,
		m.checkContextDegradation,
	} {
		if err := check(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) checkQueueBackpressure() error {
	depth, err := m.db.QueueDepth()
	if err != nil {
		return err
	}

	firing := m.cfg.QueueBackpressureThreshold > 0 && depth >= m.cfg.QueueBackpressureThreshold
	evidence := fmt.Sprintf("queue depth %d, threshold %d", depth, m.cfg.QueueBackpressureThreshold)

	return m.reconcile(TypeQueueBackpressure, firing, evidence,
		"throttle delivery queue",
		"reduce inbound volume or scale the delivery adapter",
		func(first bool) error {
			if first {
				m.prevQueueMode = m.queue.Mode()
			}
			return m.queue.SetMode(delivery.ModeThrottled)
		},
		func() error {
			mode := m.prevQueueMode
			if mode == "" {
				mode = delivery.ModeNormal
			}
			return m.queue.SetMode(mode)
		})
}

func (m *Manager) checkCallbackStorm() error {
	rejected, err := m.db.CountRejectedCallbacks(time.Now().Add(-callbackWindow))
	if err != nil {
		return err
	}

	firing := m.cfg.CallbackFailureBurstThreshold > 0 && rejected >= m.cfg.CallbackFailureBurstThreshold
	evidence := fmt.Sprintf("%d rejected callbacks in %s, threshold %d", rejected, callbackWindow, m.cfg.CallbackFailureBurstThreshold)

	return m.reconcile(TypeCallbackFailureStorm, firing, evidence,
		"widen retry window",
		"inspect the callback sender; signatures or payloads are failing validation",
		func(first bool) error {
			if first {
				m.prevMultiplier = m.queue.RetryWindowMultiplier()
			}
			m.queue.SetRetryWindowMultiplier(m.prevMultiplier * stormMultiplier)
			return nil
		},
		func() error {
			mult := m.prevMultiplier
			if mult <= 0 {
				mult = 1.0
			}
			m.queue.SetRetryWindowMultiplier(mult)
			return nil
		})
}

func (m *Manager) checkRoutingInstability() error {
	failures := m.router.ConsecutiveFailures()

	firing := m.cfg.ModelRoutingFailureThreshold > 0 && failures >= m.cfg.ModelRoutingFailureThreshold
	evidence := fmt.Sprintf("%d consecutive routing failures, threshold %d", failures, m.cfg.ModelRoutingFailureThreshold)

	return m.reconcile(TypeRoutingInstability, firing, evidence,
		"force failover to next provider",
		"check provider status pages and API keys",
		func(bool) error {
			m.router.ForceFailover()
			return nil
		},
		// Forced failover is not rolled back; the router recovers on its own.
		func() error { return nil })
}

func (m *Manager) checkContextDegradation() error {
	streak, err := m.db.MaxDegradedStreak()
	if err != nil {
		return err
	}

	firing := m.cfg.ContextDegradationThreshold > 0 && streak >= m.cfg.ContextDegradationThreshold
	evidence := fmt.Sprintf("max degraded streak %d, threshold %d", streak, m.cfg.ContextDegradationThreshold)

	// Advisory only: no automatic remediation exists for shrinking context.
	return m.reconcile(TypeContextDegradation, firing, evidence,
		"advisory",
		"raise context budgets or prompt users to start fresh sessions",
		func(bool) error { return nil },
		func() error { return nil })
}

// reconcile moves one incident type through its lifecycle: create+remediate
// when a signal fires, escalate when it keeps firing past the cooldown,
// rollback+resolve when it clears. apply receives first=true only on the
// initial remediation, so pre-incident state is captured exactly once and
// escalations re-apply against it instead of the already-remediated state.
func (m *Manager) reconcile(incidentType string, firing bool, evidence, remediation, recommended string, apply func(first bool) error, rollback func() error) error {
	existing, err := m.db.GetActiveIncident(incidentType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if !firing {
		if existing == nil {
			return nil
		}
		if err := rollback(); err != nil {
			m.log.Error().Err(err).Str("type", incidentType).Msg("rollback failed")
		}
		if err := m.db.UpdateIncident(existing.ID, storage.IncidentResolved, existing.Severity, nil, existing.Attempts); err != nil {
			return err
		}
		return m.db.AppendTimeline(existing.ID, "resolved", "signal cleared, remediation rolled back")
	}

	if existing == nil {
		created, err := m.db.CreateIncident(incidentType, "warning", remediation, evidence, recommended)
		if err != nil {
			return err
		}
		if err := m.db.AppendTimeline(created.ID, "detected", evidence); err != nil {
			return err
		}

		if err := apply(true); err != nil {
			m.log.Error().Err(err).Str("type", incidentType).Msg("remediation failed")
			return m.db.AppendTimeline(created.ID, "remediation_failed", err.Error())
		}
		until := time.Now().Add(m.cfg.RemediationCooldown)
		if err := m.db.UpdateIncident(created.ID, storage.IncidentRemediating, "warning", &until, 1); err != nil {
			return err
		}
		return m.db.AppendTimeline(created.ID, "remediated", remediation)
	}

	// Still firing. Inside the cooldown the same signal only gets a note.
	if existing.CooldownUntil != nil && time.Now().Before(*existing.CooldownUntil) {
		return m.db.AppendTimeline(existing.ID, "cooldown_active", evidence)
	}

	// Past the cooldown and still firing: escalate. Escalation is sticky
	// until the signal clears.
	until := time.Now().Add(m.cfg.RemediationCooldown)
	if err := m.db.UpdateIncident(existing.ID, storage.IncidentEscalated, "critical", &until, existing.Attempts+1); err != nil {
		return err
	}
	if err := m.db.AppendTimeline(existing.ID, "escalated", evidence); err != nil {
		return err
	}
	if err := apply(false); err != nil {
		m.log.Error().Err(err).Str("type", incidentType).Msg("re-remediation failed")
	}
	return nil
}
