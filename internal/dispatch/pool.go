package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("dispatch pool closed")

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Sink accepts events for processing.
type Sink interface {
	Submit(ctx context.Context, ev Event) error
}

// Inline processes events on the caller's goroutine. It is the sink for
// runtimes that freeze once the request returns.
type Inline struct {
	Handler Handler
}

// Submit handles ev synchronously.
func (s Inline) Submit(ctx context.Context, ev Event) error {
	return s.Handler.Handle(ctx, ev)
}

// Pool runs events on a fixed number of workers. Events of different records
// proceed in parallel; the machine serializes events of the same record.
type Pool struct {
	handler Handler
	jobs    chan Event
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a Pool with the given worker count and queue capacity.
func NewPool(handler Handler, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{handler: handler, jobs: make(chan Event, capacity), workers: workers}
}

// Start launches the workers. ctx is passed to every Handle call.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range p.jobs {
				if err := p.handler.Handle(ctx, ev); err != nil {
					log.Error().Err(err).Str("event", eventName(ev)).Msg("Event handling failed")
				}
			}
		}()
	}
}

// Submit queues ev, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- ev:
		return nil
	case <-ctx.Done():
		return faults.New(faults.Timeout, "submit", ctx.Err())
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Start:
		return "start"
	case NewPhoto:
		return "new_photo"
	case InlineAction:
		return "inline_action"
	case PreCheckoutQuery:
		return "pre_checkout"
	case PaymentConfirmed:
		return "payment_confirmed"
	default:
		return "unknown"
	}
}
