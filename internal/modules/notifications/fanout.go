// Package notifications writes in-app notifications for event changes. It
// subscribes to the document change feed, so notifications appear shortly
// after the write that caused them, not within it.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	eventsdomain "github.com/eskrenkovic/matchpoint/internal/modules/events/domain"
	"github.com/eskrenkovic/matchpoint/internal/modules/notifications/domain"

	"go.uber.org/zap"
)

type FanOut struct {
	store    docstore.Store
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

func NewFanOut(store docstore.Store, logger *zap.Logger, location *time.Location, now func() time.Time) *FanOut {
	if location == nil {
		location = time.UTC
	}

	return &FanOut{
		store:    store,
		logger:   logger,
		location: location,
		now:      now,
	}
}

func (f *FanOut) Register(d *docstore.Dispatcher) {
	d.OnCreate(eventsdomain.Collection, f.OnEventCreated)
	d.OnUpdate(eventsdomain.Collection, f.OnEventUpdated)
}

func (f *FanOut) OnEventCreated(ctx context.Context, change docstore.Change) error {
	var event eventsdomain.Event
	if err := change.AfterTo(&event); err != nil {
		return fmt.Errorf("decode created event %s: %w", change.DocumentID, err)
	}

	return f.write(ctx, change, domain.ForProposal(event, change.Seq, f.location, f.now()))
}

func (f *FanOut) OnEventUpdated(ctx context.Context, change docstore.Change) error {
	var before, after eventsdomain.Event
	if err := change.BeforeTo(&before); err != nil {
		return fmt.Errorf("decode previous event %s: %w", change.DocumentID, err)
	}
	if err := change.AfterTo(&after); err != nil {
		return fmt.Errorf("decode updated event %s: %w", change.DocumentID, err)
	}

	return f.write(ctx, change, domain.ForStateChange(before, after, change.Seq, f.now()))
}

// write stores each notification in its own transaction. A failure for one
// recipient does not stop the others; the joined error makes the dispatcher
// redeliver the change and recipients already written are skipped.
func (f *FanOut) write(ctx context.Context, change docstore.Change, notifications []domain.Notification) error {
	var errs []error

	for _, n := range notifications {
		n := n
		err := docstore.RunTransaction(ctx, f.store, func(ctx context.Context, tx docstore.Tx) error {
			_, err := tx.Get(ctx, domain.Collection, n.ID)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, docstore.ErrNotFound):
				return err
			}

			return tx.Create(domain.Collection, n.ID, n)
		})
		if err != nil {
			f.logger.Error(
				"failed to write notification",
				zap.Int64("seq", change.Seq),
				zap.String("event_id", n.EventID),
				zap.String("recipient_id", n.UserID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("notify %s: %w", n.UserID, err))
		}
	}

	if len(notifications) > 0 {
		f.logger.Debug(
			"notifications fanned out",
			zap.Int64("seq", change.Seq),
			zap.String("event_id", change.DocumentID),
			zap.Int("recipients", len(notifications)),
			zap.Int("failed", len(errs)),
		)
	}

	return errors.Join(errs...)
}
