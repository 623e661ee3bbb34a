package build

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// ProgressEvent is one best-effort phase notification. Delivery is not
// guaranteed; consumers must tolerate gaps.
type ProgressEvent struct {
	BuildID uuid.UUID    `json:"build_id"`
	Phase   domain.Phase `json:"phase"`
	Detail  string       `json:"detail"`
	At      time.Time    `json:"at"`
}

// ProgressSink receives progress events. Implementations may block or
// fail; the dispatcher isolates the build from both.
type ProgressSink interface {
	Publish(event ProgressEvent)
}

// ProgressSinkFunc adapts a function to the ProgressSink interface.
type ProgressSinkFunc func(event ProgressEvent)

// Publish implements the ProgressSink interface.
func (f ProgressSinkFunc) Publish(event ProgressEvent) { f(event) }

const (
	defaultProgressWorkers = 2
	defaultProgressQueue   = 64
)

// ProgressDispatcher delivers progress events off the critical path
// through a bounded worker pool. A full queue drops the event rather than
// blocking the build; sink panics are swallowed. Failures in delivery
// never affect build outcome.
type ProgressDispatcher struct {
	sink  ProgressSink
	queue chan ProgressEvent
	wg    sync.WaitGroup
	// mu excludes Close from in-flight sends: Dispatch holds the read
	// lock across the queue send, so the channel is never closed under
	// a concurrent sender.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewProgressDispatcher starts a dispatcher with the given worker count
// and queue depth; zero values select defaults.
func NewProgressDispatcher(sink ProgressSink, workers, queueSize int) *ProgressDispatcher {
	if workers <= 0 {
		workers = defaultProgressWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultProgressQueue
	}

	d := &ProgressDispatcher{
		sink:   sink,
		queue:  make(chan ProgressEvent, queueSize),
		logger: slog.Default().With("component", "progress"),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *ProgressDispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.publish(event)
	}
}

// publish delivers one event, isolating sink panics from the pool.
func (d *ProgressDispatcher) publish(event ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("progress sink panicked", "panic", r)
		}
	}()
	d.sink.Publish(event)
}

// Dispatch enqueues an event without blocking. Events are dropped (and
// counted) when the queue is full or the dispatcher is closed.
func (d *ProgressDispatcher) Dispatch(event ProgressEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded under backpressure.
func (d *ProgressDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close drains the queue and stops the workers. Dispatch calls after
// Close are no-ops.
func (d *ProgressDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
