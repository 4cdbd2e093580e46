package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when a session's run queue cannot accept work.
	ErrQueueFull = errors.New("gateway: run queue full")

	// ErrSessionClosed is returned when a session's queue is shutting down.
	ErrSessionClosed = errors.New("gateway: session queue closed")

	// ErrRunCancelled is returned when a queued run is cancelled.
	ErrRunCancelled = errors.New("gateway: run cancelled")
)

type queuedRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	fn     func(context.Context) error
	result chan error
}

type sessionQueue struct {
	runs      chan *queuedRun
	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// runQueue serializes gateway runs per session: runs for the same session
// execute FIFO, different sessions in parallel. Idle session workers exit
// after idleTimeout.
type runQueue struct {
	queues      sync.Map
	wg          sync.WaitGroup
	closed      atomic.Bool
	mu          sync.Mutex
	idleTimeout time.Duration
	queueSize   int
}

func newRunQueue(queueSize int, idleTimeout time.Duration) *runQueue {
	if queueSize <= 0 {
		queueSize = 32
	}
	if idleTimeout <= 0 {
		idleTimeout = time.Minute
	}
	return &runQueue{queueSize: queueSize, idleTimeout: idleTimeout}
}

// Do enqueues fn on the session's queue and waits for it to finish.
func (rq *runQueue) Do(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	result, err := rq.enqueue(ctx, sessionID, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rq *runQueue) enqueue(ctx context.Context, sessionID string, fn func(context.Context) error) (<-chan error, error) {
	if rq.closed.Load() {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &queuedRun{
		ctx:    runCtx,
		cancel: cancel,
		fn:     fn,
		result: make(chan error, 1),
	}

	// The closed check and the channel send happen under rq.mu so an idle
	// worker cannot retire the queue between them and strand the run. A
	// queue retired by idle timeout is simply recreated.
	for {
		sq := rq.getOrCreate(sessionID)

		rq.mu.Lock()
		if sq.closed.Load() {
			rq.mu.Unlock()
			if v, ok := rq.queues.Load(sessionID); ok && v.(*sessionQueue) == sq {
				cancel()
				return nil, ErrSessionClosed
			}
			continue
		}
		select {
		case sq.runs <- run:
			rq.mu.Unlock()
			return run.result, nil
		default:
			rq.mu.Unlock()
			cancel()
			return nil, ErrQueueFull
		}
	}
}

func (rq *runQueue) getOrCreate(sessionID string) *sessionQueue {
	if v, ok := rq.queues.Load(sessionID); ok {
		return v.(*sessionQueue)
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if v, ok := rq.queues.Load(sessionID); ok {
		return v.(*sessionQueue)
	}

	sq := &sessionQueue{
		runs:    make(chan *queuedRun, rq.queueSize),
		closeCh: make(chan struct{}),
	}
	rq.queues.Store(sessionID, sq)

	rq.wg.Add(1)
	go rq.worker(sessionID, sq)

	return sq
}

func (rq *runQueue) worker(sessionID string, sq *sessionQueue) {
	defer rq.wg.Done()
	defer func() {
		rq.mu.Lock()
		sq.closed.Store(true)
		rq.queues.CompareAndDelete(sessionID, sq)
		rq.mu.Unlock()

		// Fail anything still queued so waiters are released.
		for {
			select {
			case run := <-sq.runs:
				run.cancel()
				run.result <- ErrRunCancelled
				close(run.result)
			default:
				return
			}
		}
	}()

	idle := time.NewTimer(rq.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case run := <-sq.runs:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(rq.idleTimeout)

			var err error
			func() {
				defer func() {
					if r := recover(); r != nil {
						err = ErrRunCancelled
					}
				}()
				err = run.fn(run.ctx)
			}()
			run.cancel()
			run.result <- err
			close(run.result)

		case <-idle.C:
			// A run may land between the timer firing and this branch
			// executing; retire only if the queue is provably empty.
			rq.mu.Lock()
			if len(sq.runs) > 0 {
				rq.mu.Unlock()
				idle.Reset(rq.idleTimeout)
				continue
			}
			sq.closed.Store(true)
			rq.queues.CompareAndDelete(sessionID, sq)
			rq.mu.Unlock()
			return

		case <-sq.closeCh:
			return
		}
	}
}

// Cancel stops a session's queue; pending runs never execute.
func (rq *runQueue) Cancel(sessionID string) {
	if v, ok := rq.queues.Load(sessionID); ok {
		sq := v.(*sessionQueue)
		sq.closed.Store(true)
		sq.closeOnce.Do(func() { close(sq.closeCh) })
	}
}

// Shutdown stops accepting work and waits for in-flight runs.
func (rq *runQueue) Shutdown(ctx context.Context) error {
	rq.closed.Store(true)

	rq.queues.Range(func(_, value any) bool {
		sq := value.(*sessionQueue)
		sq.closed.Store(true)
		sq.closeOnce.Do(func() { close(sq.closeCh) })
		return true
	})

	done := make(chan struct{})
	go func() {
		rq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
