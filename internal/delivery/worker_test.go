package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
	"relay/internal/storage"
)

type stubAdapter struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (s *stubAdapter) Send(ctx context.Context, chatID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("platform unreachable")
	}
	s.sent = append(s.sent, payload)
	return nil
}

func testWorker(t *testing.T, cfg config.QueueConfig, adapter Adapter) (*Worker, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.BaseBackoff == 0 {
		// Retries become due immediately so tests can drive cycles directly.
		cfg.BaseBackoff = time.Nanosecond
	}
	return NewWorker(db, cfg, map[string]Adapter{"tg": adapter}), db
}

func TestRunCycle_SendsQueuedDelivery(t *testing.T) {
	adapter := &stubAdapter{}
	w, db := testWorker(t, config.QueueConfig{}, adapter)

	_, err := db.EnqueueDelivery("tg", "chat-1", "hello")
	require.NoError(t, err)

	n := w.RunCycle(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello"}, adapter.sent)

	snap := w.Snapshot()
	assert.Equal(t, int64(1), snap.TotalSent)
	assert.Equal(t, 0, snap.QueueDepth)
}

func TestRunCycle_DeadLettersAfterMaxAttempts(t *testing.T) {
	adapter := &stubAdapter{fails: 10}
	w, db := testWorker(t, config.QueueConfig{MaxAttempts: 3}, adapter)

	d, err := db.EnqueueDelivery("tg", "chat-1", "doomed")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		require.Equal(t, 1, w.RunCycle(context.Background()), "cycle %d", i)
	}

	got, err := db.GetDelivery(d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryDeadLetter, got.State)

	attempts, err := db.GetDeliveryAttempts(d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.Contains(t, a.Error, "platform unreachable")
	}

	// Dead-lettered rows are never claimed again.
	assert.Equal(t, 0, w.RunCycle(context.Background()))

	// One delivery failed terminally; retries along the way do not inflate
	// the failure count.
	snap := w.Snapshot()
	assert.Equal(t, int64(1), snap.TotalFailed)
	assert.Equal(t, int64(1), snap.DeadLettered)
}

func TestRunCycle_RetryThenSucceed(t *testing.T) {
	adapter := &stubAdapter{fails: 1}
	w, db := testWorker(t, config.QueueConfig{MaxAttempts: 3}, adapter)

	d, err := db.EnqueueDelivery("tg", "chat-1", "eventually")
	require.NoError(t, err)

	require.Equal(t, 1, w.RunCycle(context.Background()))
	time.Sleep(time.Millisecond)
	require.Equal(t, 1, w.RunCycle(context.Background()))

	got, err := db.GetDelivery(d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliverySent, got.State)
	assert.Equal(t, []string{"eventually"}, adapter.sent)

	snap := w.Snapshot()
	assert.Equal(t, int64(1), snap.TotalSent)
	assert.Equal(t, int64(0), snap.TotalFailed, "a recovered delivery is not a failure")
}

func TestRunCycle_UnknownPlatformFails(t *testing.T) {
	adapter := &stubAdapter{}
	w, db := testWorker(t, config.QueueConfig{MaxAttempts: 1}, adapter)

	d, err := db.EnqueueDelivery("matrix", "room-1", "nope")
	require.NoError(t, err)

	w.RunCycle(context.Background())

	got, err := db.GetDelivery(d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryDeadLetter, got.State)

	attempts, err := db.GetDeliveryAttempts(d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Contains(t, attempts[0].Error, "no adapter")
}

func TestDrainModeStopsDispatch(t *testing.T) {
	adapter := &stubAdapter{}
	w, db := testWorker(t, config.QueueConfig{}, adapter)

	_, err := db.EnqueueDelivery("tg", "chat-1", "held")
	require.NoError(t, err)

	require.NoError(t, w.SetMode(ModeDrain))
	assert.Equal(t, 0, w.RunCycle(context.Background()))
	assert.Empty(t, adapter.sent)

	require.NoError(t, w.SetMode(ModeNormal))
	assert.Equal(t, 1, w.RunCycle(context.Background()))
}

func TestThrottledModeHalvesBatch(t *testing.T) {
	adapter := &stubAdapter{}
	w, db := testWorker(t, config.QueueConfig{BatchSize: 4}, adapter)

	for i := 0; i < 4; i++ {
		_, err := db.EnqueueDelivery("tg", "chat-1", "m")
		require.NoError(t, err)
	}

	require.NoError(t, w.SetMode(ModeThrottled))
	assert.Equal(t, 2, w.RunCycle(context.Background()))
}

func TestRetryWindowMultiplierScalesBackoff(t *testing.T) {
	adapter := &stubAdapter{}
	w, _ := testWorker(t, config.QueueConfig{BaseBackoff: time.Second}, adapter)

	base := w.backoff(2)
	w.SetRetryWindowMultiplier(3)
	assert.Equal(t, 3*base, w.backoff(2))

	assert.Error(t, w.SetMode("bogus"))
}
