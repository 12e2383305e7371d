package pgstore

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Listen subscribes to the change notification channel so the dispatcher is
// woken as soon as a transaction commits. Without it the dispatcher falls back
// to polling. The listener is closed by Close or when ctx is done.
func (s *Store) Listen(ctx context.Context, dataSourceName string) error {
	onEvent := func(event pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("change listener event", zap.Int("event", int(event)), zap.Error(err))
		}
	}

	listener := pq.NewListener(dataSourceName, 10*time.Second, time.Minute, onEvent)
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	go func() {
		defer func() {
			if err := listener.Close(); err != nil {
				s.logger.Warn("failed to close change listener", zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			// A nil notification means the connection was re-established
			// and notifications may have been missed.
			case <-listener.Notify:
				s.signal()
			case <-time.After(90 * time.Second):
				go func() {
					if err := listener.Ping(); err != nil {
						s.logger.Warn("change listener ping failed", zap.Error(err))
					}
				}()
			}
		}
	}()

	return nil
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
