package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultReconnectDelay is how long Stream waits before reconnecting.
const DefaultReconnectDelay = time.Second

type streamOptions struct {
	dialer    *websocket.Dialer
	delay     time.Duration
	logger    *slog.Logger
	onConnect func(connected bool)
}

// StreamOption configures Stream.
type StreamOption func(*streamOptions)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) StreamOption {
	return func(o *streamOptions) { o.dialer = d }
}

// WithReconnectDelay overrides the delay between connections.
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(o *streamOptions) { o.delay = d }
}

// WithStreamLogger sets the logger.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(o *streamOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnectionFunc is called with true after each successful dial and
// with false when the connection drops.
func WithConnectionFunc(fn func(connected bool)) StreamOption {
	return func(o *streamOptions) { o.onConnect = fn }
}

// StreamURL returns the websocket URL for q under base (ws:// or wss://).
func StreamURL(base string, q Query) string {
	u := strings.TrimRight(base, "/") + q.resource("status")
	if v := q.values(); v != nil {
		u += "?" + v.Encode()
	}
	return u
}

// Stream connects to the status websocket under base and calls fn for every
// Status received. When the connection closes it reconnects after the
// reconnect delay. It returns nil once ctx is done.
func Stream(ctx context.Context, base string, q Query, fn func(Status), opts ...StreamOption) error {
	o := streamOptions{
		dialer: websocket.DefaultDialer,
		delay:  DefaultReconnectDelay,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "status")
	target := StreamURL(base, q)

	for {
		err := streamOnce(ctx, o, target, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			o.logger.Debug("status stream disconnected", "error", err)
		}

		timer := time.NewTimer(o.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func streamOnce(ctx context.Context, o streamOptions, target string, fn func(Status)) error {
	conn, _, err := o.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dialing status stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		if o.onConnect != nil {
			o.onConnect(false)
		}
	}()
	if o.onConnect != nil {
		o.onConnect(true)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		var st Status
		if err := json.Unmarshal(msg, &st); err != nil {
			o.logger.Warn("invalid status payload", "error", err)
			continue
		}
		fn(st)
	}
}
