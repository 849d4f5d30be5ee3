package processor

import (
	"context"
	"log/slog"
	"sync"

	"entitlements/internal/domain/event"

	"golang.org/x/sync/errgroup"
)

// Enqueuer accepts verified deliveries for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, d event.Delivery) error
}

// Pool runs a fixed number of workers over a bounded queue.
type Pool struct {
	proc    *Processor
	queue   chan event.Delivery
	workers int
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewPool(proc *Processor, workers, queueSize int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		proc:    proc,
		queue:   make(chan event.Delivery, queueSize),
		workers: workers,
		log:     log,
	}
}

// Enqueue never blocks; a full queue is reported as ErrQueueFull.
func (p *Pool) Enqueue(_ context.Context, d event.Delivery) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- d:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes deliveries until ctx is cancelled. Deliveries still queued at
// that point are dead-lettered rather than dropped.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-p.queue:
					queueDepth.Dec()
					p.proc.Process(ctx, d)
				}
			}
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := 0
	for {
		select {
		case d := <-p.queue:
			queueDepth.Dec()
			p.proc.DeadLetterUnprocessed(ctx, d)
			drained++
		default:
			if drained > 0 {
				p.log.Warn("processor stopped with queued events, dead-lettered for replay", "count", drained)
			}
			return err
		}
	}
}
