package db

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// TaskListener subscribes to the task wake-up channel so idle worker lanes
// learn about new or reclaimed tasks without polling. Delivery is best
// effort; lanes still poll on their idle interval as a fallback.
type TaskListener struct {
	listener *pq.Listener
	onNotify func()
}

// NewTaskListener opens a dedicated LISTEN connection. onNotify is invoked
// for every notification and on every reconnect (a reconnect may have
// dropped notifications, so the callback must be safe to over-call).
func NewTaskListener(cfg *Config, onNotify func()) (*TaskListener, error) {
	listener := pq.NewListener(cfg.ConnectionString(), 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn().Err(err).Int("event", int(ev)).Msg("Task listener connection event")
			}
		})

	if err := listener.Listen(taskNotifyChannel); err != nil {
		listener.Close()
		return nil, err
	}

	return &TaskListener{listener: listener, onNotify: onNotify}, nil
}

// Run consumes notifications until ctx is cancelled. Pings the connection
// when idle so a dead link is detected and re-established.
func (l *TaskListener) Run(ctx context.Context) {
	defer l.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.listener.Notify:
			// n is nil when the connection was re-established
			if n == nil {
				log.Debug().Msg("Task listener reconnected")
			}
			l.onNotify()
		case <-time.After(90 * time.Second):
			if err := l.listener.Ping(); err != nil {
				log.Warn().Err(err).Msg("Task listener ping failed")
			}
		}
	}
}
