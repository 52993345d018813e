package events

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Channel is the NOTIFY channel the entity_events insert trigger fires on.
const Channel = "entity_events"

// Listener turns Postgres notifications into worker wake-ups.
type Listener struct {
	dsn          string
	log          *zap.Logger
	pingInterval time.Duration
}

func NewListener(dsn string, log *zap.Logger) *Listener {
	return &Listener{
		dsn:          dsn,
		log:          log.Named("events.listener"),
		pingInterval: 90 * time.Second,
	}
}

// Run blocks until ctx ends. A nil notification after a reconnect still
// wakes the worker since rows may have been inserted while disconnected.
func (l *Listener) Run(ctx context.Context, wake chan<- struct{}) error {
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.log.Warn("events.listener.event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return err
	}
	l.log.Info("events.listener.started", zap.String("channel", Channel))
	signal(wake)

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listener.Notify:
			signal(wake)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.log.Debug("events.listener.ping_failed", zap.Error(err))
				}
			}()
		}
	}
}

func signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
