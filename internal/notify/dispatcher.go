package notify

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultQueueSize is used when DispatcherConfig.QueueSize is not positive.
const DefaultQueueSize = 64

// DispatcherConfig sizes the dispatcher.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher hands messages to a fixed pool of workers through a buffered
// queue. Enqueue never waits: when the queue is full the message is dropped
// and logged.
type Dispatcher struct {
	mailer  Mailer
	lg      *zap.Logger
	queue   chan Message
	workers int
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher. Call Run to start the workers.
func NewDispatcher(mailer Mailer, lg *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		mailer:  mailer,
		lg:      lg,
		queue:   make(chan Message, cfg.QueueSize),
		workers: cfg.Workers,
		timeout: cfg.SendTimeout,
	}
}

// Enqueue schedules msg for delivery and reports whether it was accepted.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		d.lg.Warn("Mail queue full, dropping message",
			zap.String("kind", msg.Kind),
			zap.Int("queue_size", cap(d.queue)),
		)
		return false
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run processes the queue until ctx is cancelled, then delivers whatever is
// still queued and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range d.workers {
		g.Go(func() error {
			d.work(gctx, i+1)
			return nil
		})
	}
	_ = g.Wait()
	d.drain()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	lg := d.lg.With(zap.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.deliver(context.WithoutCancel(ctx), lg, msg)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case msg := <-d.queue:
			d.deliver(context.Background(), d.lg, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, lg *zap.Logger, msg Message) {
	ctx, cancel := context.WithTimeout(zctx.Base(ctx, lg), d.timeout)
	defer cancel()

	if err := d.mailer.Send(ctx, msg); err != nil {
		lg.Error("Mail delivery failed", zap.String("kind", msg.Kind), zap.Error(err))
		return
	}
	lg.Debug("Mail delivered", zap.String("kind", msg.Kind))
}
