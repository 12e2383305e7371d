package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler reacts to a committed change. Returning an error leaves the change
// pending so it is delivered again; handlers must tolerate redelivery.
type Handler func(ctx context.Context, change Change) error

type route struct {
	collection string
	kind       ChangeKind
}

type DispatcherOption func(*Dispatcher)

func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

func WithMaxDeliveryAttempts(attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

func WithBatchSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// Dispatcher delivers feed changes to handlers subscribed by collection and
// change kind. Pending changes are processed in Seq order: a failing change
// blocks the ones after it until it succeeds or runs out of attempts. Changes
// are tracked by acknowledgement rather than by a cursor, so one that becomes
// visible late is still delivered on a later pass.
type Dispatcher struct {
	feed   Feed
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[route][]Handler

	pollInterval time.Duration
	maxAttempts  int
	batchSize    int
}

func NewDispatcher(feed Feed, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		feed:         feed,
		logger:       logger,
		handlers:     make(map[route][]Handler),
		pollInterval: time.Second,
		maxAttempts:  10,
		batchSize:    100,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) OnCreate(collection string, h Handler) {
	d.subscribe(route{collection: collection, kind: ChangeCreated}, h)
}

func (d *Dispatcher) OnUpdate(collection string, h Handler) {
	d.subscribe(route{collection: collection, kind: ChangeUpdated}, h)
}

func (d *Dispatcher) subscribe(r route, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[r] = append(d.handlers[r], h)
}

// Run drains the feed whenever it is woken up or the poll interval elapses.
// It returns when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("change delivery incomplete", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.feed.Wake():
		case <-ticker.C:
		}
	}
}

// Drain delivers pending changes until the feed is empty or a change fails.
// It returns the number of changes acknowledged.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	delivered := 0

	for {
		changes, err := d.feed.Pending(ctx, d.batchSize)
		if err != nil {
			return delivered, fmt.Errorf("load pending changes: %w", err)
		}

		if len(changes) == 0 {
			return delivered, nil
		}

		for _, change := range changes {
			if err := d.deliver(ctx, change); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, change Change) error {
	d.mu.RLock()
	handlers := d.handlers[route{collection: change.Collection, kind: change.Kind}]
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		attempts, nackErr := d.feed.Nack(ctx, change.Seq)
		if nackErr != nil {
			return errors.Join(err, nackErr)
		}

		fields := []zap.Field{
			zap.Int64("seq", change.Seq),
			zap.String("collection", change.Collection),
			zap.String("document_id", change.DocumentID),
			zap.String("kind", string(change.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		}

		if attempts < d.maxAttempts {
			d.logger.Warn("change handler failed, will retry", fields...)
			return fmt.Errorf("deliver change %d: %w", change.Seq, err)
		}

		d.logger.Error("change handler failed, giving up", fields...)
	}

	if err := d.feed.Ack(ctx, change.Seq); err != nil {
		return fmt.Errorf("ack change %d: %w", change.Seq, err)
	}

	return nil
}
