// Package delivery drains the outbound message queue against platform
// adapters with retry backoff, dead-lettering and incident-driven runtime
// controls.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/internal/storage"
	"relay/pkg/logger"
)

// Worker modes. Throttled halves the batch size; drain stops new dispatches
// while in-flight attempts complete.
const (
	ModeNormal    = "normal"
	ModeThrottled = "throttled"
	ModeDrain     = "drain"
)

// Adapter sends one payload to a chat platform.
type Adapter interface {
	Send(ctx context.Context, chatID, payload string) error
}

// Metrics is a point-in-time view of the worker.
type Metrics struct {
	Mode                  string  `json:"mode"`
	RetryWindowMultiplier float64 `json:"retry_window_multiplier"`
	TotalSent             int64   `json:"total_sent"`
	TotalFailed           int64   `json:"total_failed"`
	DeadLettered          int64   `json:"dead_lettered"`
	QueueDepth            int     `json:"queue_depth"`
}

// Worker drains the delivery queue in the background.
type Worker struct {
	db       *storage.DB
	cfg      config.QueueConfig
	adapters map[string]Adapter
	log      zerolog.Logger

	mu         sync.Mutex
	mode       string
	multiplier float64

	totalSent    atomic.Int64
	totalFailed  atomic.Int64
	deadLettered atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// NewWorker creates a delivery worker. adapters maps platform names to their
// senders; deliveries for unknown platforms fail their attempt.
func NewWorker(db *storage.DB, cfg config.QueueConfig, adapters map[string]Adapter) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		db:         db,
		cfg:        cfg,
		adapters:   adapters,
		log:        logger.Component("delivery"),
		mode:       ModeNormal,
		multiplier: 1.0,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop halts the poll loop and waits for the in-flight cycle.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunCycle(ctx)
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		}
	}
}

// RunCycle claims and dispatches one batch. Exposed so tests and the doctor
// endpoint can drive the queue without the poll loop.
func (w *Worker) RunCycle(ctx context.Context) int {
	w.mu.Lock()
	mode := w.mode
	w.mu.Unlock()

	if mode == ModeDrain {
		return 0
	}

	batch := w.cfg.BatchSize
	if mode == ModeThrottled {
		batch = (batch + 1) / 2
	}

	claimed, err := w.db.DequeueDeliveries(batch)
	if err != nil {
		w.log.Error().Err(err).Msg("dequeue deliveries")
		return 0
	}

	for _, d := range claimed {
		w.dispatch(ctx, d)
	}
	return len(claimed)
}

func (w *Worker) dispatch(ctx context.Context, d *storage.Delivery) {
	start := time.Now()

	adapter, ok := w.adapters[d.Platform]
	var err error
	if !ok {
		err = fmt.Errorf("no adapter for platform %q", d.Platform)
	} else {
		err = adapter.Send(ctx, d.ChatID, d.Payload)
	}
	elapsed := time.Since(start)

	if err == nil {
		if cerr := w.db.CompleteDelivery(d.ID, d.Attempts, elapsed); cerr != nil {
			w.log.Error().Err(cerr).Str("delivery", d.ID).Msg("complete delivery")
			return
		}
		w.totalSent.Add(1)
		return
	}

	dead := d.Attempts >= w.cfg.MaxAttempts
	next := time.Now().Add(w.backoff(d.Attempts))

	if ferr := w.db.FailDelivery(d.ID, d.Attempts, err.Error(), elapsed, next, dead); ferr != nil {
		w.log.Error().Err(ferr).Str("delivery", d.ID).Msg("fail delivery")
		return
	}

	// TotalFailed counts deliveries that exhausted their attempts, not
	// individual retries.
	if dead {
		w.totalFailed.Add(1)
		w.deadLettered.Add(1)
		w.log.Warn().Str("delivery", d.ID).Int("attempts", d.Attempts).Msg("delivery dead-lettered")
	} else {
		w.log.Warn().Err(err).Str("delivery", d.ID).Int("attempt", d.Attempts).Msg("delivery attempt failed")
	}
}

// backoff grows exponentially with the attempt count, scaled by the runtime
// retry window multiplier.
func (w *Worker) backoff(attempts int) time.Duration {
	w.mu.Lock()
	mult := w.multiplier
	w.mu.Unlock()

	d := w.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return time.Duration(float64(d) * mult)
}

// SetMode switches the runtime dispatch mode.
func (w *Worker) SetMode(mode string) error {
	switch mode {
	case ModeNormal, ModeThrottled, ModeDrain:
	default:
		return fmt.Errorf("delivery: unknown mode %q", mode)
	}
	w.mu.Lock()
	prev := w.mode
	w.mode = mode
	w.mu.Unlock()
	if prev != mode {
		w.log.Info().Str("from", prev).Str("to", mode).Msg("delivery mode changed")
	}
	return nil
}

// Mode returns the current dispatch mode.
func (w *Worker) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// SetRetryWindowMultiplier scales retry backoff; the incident manager raises
// it during callback failure storms.
func (w *Worker) SetRetryWindowMultiplier(m float64) {
	if m <= 0 {
		m = 1.0
	}
	w.mu.Lock()
	w.multiplier = m
	w.mu.Unlock()
}

// RetryWindowMultiplier returns the current backoff scale.
func (w *Worker) RetryWindowMultiplier() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.multiplier
}

// Snapshot returns the worker's metrics.
func (w *Worker) Snapshot() Metrics {
	depth, err := w.db.QueueDepth()
	if err != nil {
		w.log.Error().Err(err).Msg("queue depth")
	}

	w.mu.Lock()
	mode := w.mode
	mult := w.multiplier
	w.mu.Unlock()

	return Metrics{
		Mode:                  mode,
		RetryWindowMultiplier: mult,
		TotalSent:             w.totalSent.Load(),
		TotalFailed:           w.totalFailed.Load(),
		DeadLettered:          w.deadLettered.Load(),
		QueueDepth:            depth,
	}
}
