package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/voxmind/searchsync/internal/model"
)

// notifyPayload is the wire format of a change notification published
// on the source store's NOTIFY channel.
type notifyPayload struct {
	Operation  string `json:"operation"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Version    int64  `json:"version"`
}

// ListenerConfig configures the change-capture listener.
type ListenerConfig struct {
	// DSN is the Postgres connection string. The listener holds its own
	// dedicated connection; LISTEN does not work through a pool.
	DSN string

	// Channel is the NOTIFY channel name.
	Channel string

	// ReconnectBase is the first reconnect delay after a dropped
	// connection; delays double up to ReconnectMax.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// UnhealthyAfter is how long the listener may stay disconnected
	// before Healthy() reports false. It keeps reconnecting either way.
	UnhealthyAfter time.Duration
}

func (c *ListenerConfig) defaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = time.Minute
	}
}

// Listener maintains a live LISTEN subscription on the source store's
// change channel and converts notifications into change events.
//
// Notification delivery is at-most-once: anything published while the
// listener is disconnected is gone. The listener therefore requests a
// reconciliation pass after every reconnect, which restores the
// engine's overall at-least-once guarantee. It never mutates the index
// itself.
type Listener struct {
	cfg  ListenerConfig
	log  zerolog.Logger
	emit func(ctx context.Context, ev model.ChangeEvent) error

	// resync is signalled (coalesced) after every reconnect.
	resync chan struct{}

	mu             sync.Mutex
	connected      bool
	disconnectedAt time.Time
}

// NewListener creates a listener. emit delivers each event to the sync
// coordinator's intake; it may block, which slows notification
// consumption instead of dropping events.
func NewListener(cfg ListenerConfig, log zerolog.Logger, emit func(ctx context.Context, ev model.ChangeEvent) error) *Listener {
	cfg.defaults()
	return &Listener{
		cfg:            cfg,
		log:            log.With().Str("component", "listener").Logger(),
		emit:           emit,
		resync:         make(chan struct{}, 1),
		disconnectedAt: time.Now(),
	}
}

// ResyncRequests is signalled whenever the listener reconnects and may
// have missed notifications. The reconciliation scheduler drains it.
func (l *Listener) ResyncRequests() <-chan struct{} {
	return l.resync
}

// Healthy reports whether the subscription is live or only briefly
// interrupted. Operators watch this through the dashboard; the
// listener itself never gives up.
func (l *Listener) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return true
	}
	return time.Since(l.disconnectedAt) < l.cfg.UnhealthyAfter
}

// Run blocks consuming notifications until ctx is cancelled. Connection
// drops are retried forever with capped exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.cfg.ReconnectBase
	first := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.listenOnce(ctx, first)
		first = false
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.setConnected(false)
		l.log.Warn().Err(err).Dur("retry_in", backoff).Msg("change channel disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.cfg.ReconnectMax {
			backoff = l.cfg.ReconnectMax
		}
	}
}

// listenOnce holds one connection until it fails.
func (l *Listener) listenOnce(ctx context.Context, first bool) error {
	conn, err := pgx.Connect(ctx, l.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Channel, err)
	}

	l.setConnected(true)
	l.log.Info().Str("channel", l.cfg.Channel).Msg("change channel subscribed")

	// Anything published before this point was missed; the very first
	// subscription is covered by the startup sweep the same way.
	if !first {
		l.requestResync()
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handleNotification(ctx, n.Payload)
	}
}

// handleNotification parses one payload and forwards it. Malformed
// payloads are logged and skipped; the reconciliation sweep covers
// whatever change they described.
func (l *Listener) handleNotification(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		l.log.Error().Err(err).Str("payload", payload).Msg("malformed change notification")
		return
	}

	ev, err := eventFromPayload(p)
	if err != nil {
		l.log.Error().Err(err).Str("payload", payload).Msg("unusable change notification")
		return
	}

	if err := l.emit(ctx, ev); err != nil {
		if ctx.Err() == nil {
			l.log.Error().Err(err).Str("entity", ev.Key()).Msg("failed to hand off change event")
		}
	}
}

// eventFromPayload validates and converts a wire payload.
func eventFromPayload(p notifyPayload) (model.ChangeEvent, error) {
	op, ok := model.ParseOperation(p.Operation)
	if !ok {
		return model.ChangeEvent{}, fmt.Errorf("unknown operation %q", p.Operation)
	}
	typ := model.EntityType(p.EntityType)
	if !typ.Valid() {
		return model.ChangeEvent{}, fmt.Errorf("unknown entity type %q", p.EntityType)
	}
	if p.EntityID == "" {
		return model.ChangeEvent{}, fmt.Errorf("missing entity id")
	}
	return model.ChangeEvent{
		Type:          typ,
		EntityID:      p.EntityID,
		Op:            op,
		DetectedAt:    time.Now().UTC(),
		SourceVersion: p.Version,
	}, nil
}

func (l *Listener) requestResync() {
	select {
	case l.resync <- struct{}{}:
	default:
	}
}

func (l *Listener) setConnected(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if up == l.connected {
		return
	}
	l.connected = up
	if !up {
		l.disconnectedAt = time.Now()
	}
}
