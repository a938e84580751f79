package enrich

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/bubblemon/internal/metrics"
)

// Notification results reported to metrics.
const (
	resultSent    = "sent"
	resultFailed  = "failed"
	resultDropped = "dropped"
)

// Dispatcher runs notifications on a fixed pool of workers, detached from the
// request that enqueued them. Notify never blocks.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue  chan Notification
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// NewDispatcher starts cfg.Workers workers draining a queue of cfg.QueueSize.
// The caller must call Close.
func NewDispatcher(sender Sender, cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:  sender,
		logger:  logger,
		metrics: m,
		queue:   make(chan Notification, cfg.QueueSize),
		group:   &errgroup.Group{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for range cfg.Workers {
		d.group.Go(d.work)
	}
	return d
}

// Notify enqueues a notification for groupID. It returns ErrQueueFull when
// the queue is saturated and ErrDispatcherClosed after Close.
func (d *Dispatcher) Notify(groupID uuid.UUID, enhanced bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.count(resultDropped)
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- Notification{GroupID: groupID, Enhanced: enhanced}:
		return nil
	default:
		d.count(resultDropped)
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for queued ones to finish.
// If ctx expires first, in-flight requests are cancelled and the rest of the
// queue is dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() error {
	for n := range d.queue {
		if d.ctx.Err() != nil {
			d.count(resultDropped)
			continue
		}
		if err := d.sender.Send(d.ctx, n); err != nil {
			d.count(resultFailed)
			d.logger.Error("enrichment notification failed",
				"group_id", n.GroupID,
				"enhanced", n.Enhanced,
				"error", err,
			)
			continue
		}
		d.count(resultSent)
		d.logger.Debug("enrichment notification sent", "group_id", n.GroupID, "enhanced", n.Enhanced)
	}
	return nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.EnrichNotifications.WithLabelValues(result).Inc()
	}
}

// Nop discards notifications. Used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(uuid.UUID, bool) error { return nil }
