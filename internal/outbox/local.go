package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
)

// MetricDropped counts actions abandoned after exhausting retries.
const MetricDropped = "ActionDropped"

// DefaultMaxRetries bounds redelivery attempts of one action.
const DefaultMaxRetries = 5

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("outbox closed")

// Local is an in-process outbox: a bounded queue drained by a worker pool.
// Retryable failures are retried with exponential backoff; permanent failures
// and exhausted actions are logged and dropped.
type Local struct {
	handler    Handler
	queue      chan Action
	workers    int
	newBackOff func() backoff.BackOff
	maxRetries uint64
	counter    metrics.Counter

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Outbox = (*Local)(nil)

// LocalOption configures a Local outbox.
type LocalOption func(*Local)

// WithBackOff replaces the retry schedule factory.
func WithBackOff(f func() backoff.BackOff) LocalOption {
	return func(l *Local) { l.newBackOff = f }
}

// WithMaxRetries sets the retry bound per action.
func WithMaxRetries(n uint64) LocalOption {
	return func(l *Local) { l.maxRetries = n }
}

// WithCounter reports delivery metrics to c.
func WithCounter(c metrics.Counter) LocalOption {
	return func(l *Local) { l.counter = c }
}

// NewLocal creates a Local outbox with the given worker count and queue
// capacity. Call Start before enqueueing.
func NewLocal(handler Handler, workers, capacity int, opts ...LocalOption) *Local {
	if workers <= 0 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	l := &Local{
		handler:    handler,
		queue:      make(chan Action, capacity),
		workers:    workers,
		newBackOff: defaultBackOff,
		maxRetries: DefaultMaxRetries,
		counter:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Start launches the workers. They stop when ctx is done or after Close has
// drained the queue.
func (l *Local) Start(ctx context.Context) {
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.run(ctx)
	}
}

// Enqueue blocks until a is queued, ctx is done or the outbox is closed.
func (l *Local) Enqueue(ctx context.Context, a Action) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- a:
		return nil
	case <-ctx.Done():
		return faults.New(faults.Timeout, "enqueue", ctx.Err())
	}
}

// Close stops accepting actions and waits for queued ones to be attempted.
func (l *Local) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Local) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-l.queue:
			if !ok {
				return
			}
			l.attempt(ctx, a)
		}
	}
}

func (l *Local) attempt(ctx context.Context, a Action) {
	op := func() error {
		err := l.handler.Deliver(ctx, a)
		if err != nil && !faults.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), l.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("kind", string(a.Kind)).Str("record_id", a.RecordID).Dur("retry_in", wait).Msg("Action delivery failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		l.counter.Incr(MetricDropped)
		log.Error().Err(err).Str("kind", string(a.Kind)).Int64("chat_id", a.ChatID).Str("record_id", a.RecordID).Msg("Dropping action")
	}
}
