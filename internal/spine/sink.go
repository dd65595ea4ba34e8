package spine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/logging"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
)

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e domain.Event) error

// Persist calls f.
func (f SinkFunc) Persist(ctx context.Context, e domain.Event) error {
	return f(ctx, e)
}

// AsyncSink decouples appends from durable writes with a bounded queue and
// a single worker, so events reach the wrapped sink in append order.
// Persist returning nil means the event was queued: the append is logically
// committed and durability is pending. Events the wrapped sink refuses are
// kept, reported by Failed, and re-queued by RetryFailed.
type AsyncSink struct {
	next   Sink
	logger *zap.Logger

	queue  chan domain.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	failed []domain.Event
}

// NewAsyncSink starts the worker. queueSize must be positive.
func NewAsyncSink(next Sink, queueSize int, logger *zap.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncSink{
		next:   next,
		logger: logging.OrNop(logger),
		queue:  make(chan domain.Event, queueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go a.run(ctx)
	return a
}

// Persist enqueues e without blocking. A full queue returns
// ErrSinkBackpressure and the spine keeps e pending.
func (a *AsyncSink) Persist(_ context.Context, e domain.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return domain.Detail(domain.ErrSinkUnavailable, "async sink closed")
	}
	select {
	case a.queue <- e:
		return nil
	default:
		return domain.ErrSinkBackpressure
	}
}

func (a *AsyncSink) run(ctx context.Context) {
	defer close(a.done)
	for e := range a.queue {
		if err := a.next.Persist(ctx, e); err != nil {
			metrics.RecordSinkFailure(e.Domain)
			a.logger.Warn("async sink persist failed",
				zap.String("domain", e.Domain),
				zap.Int64("seq", e.Seq),
				zap.String("event_type", string(e.Type)),
				zap.Error(err))
			a.mu.Lock()
			a.failed = append(a.failed, e)
			a.mu.Unlock()
		}
	}
}

// Failed returns events the wrapped sink rejected, in the order they failed.
func (a *AsyncSink) Failed() []domain.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Event(nil), a.failed...)
}

// RetryFailed puts rejected events back on the queue, oldest first. They
// land behind anything queued since they failed. Events that do not fit stay
// failed and ErrSinkBackpressure is returned.
func (a *AsyncSink) RetryFailed(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return domain.Detail(domain.ErrSinkUnavailable, "async sink closed")
	}
	retry := a.failed
	a.failed = nil
	for i, e := range retry {
		select {
		case a.queue <- e:
		default:
			a.failed = retry[i:]
			return domain.ErrSinkBackpressure
		}
	}
	return nil
}

// Close stops accepting events and waits for the queue to drain. If ctx ends
// first, in-flight writes are cancelled and Close still waits for the worker.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}
