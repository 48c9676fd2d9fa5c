// Package transport owns the single outbound connection to the external
// solver. It exposes connection-state events, sends frames while connected
// and reconnects after a fixed delay whenever the link fails.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

const (
	DefaultURL               = "ws://localhost:8765"
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second

	defaultEventBuffer = 64
)

// ErrNotConnected is returned by Send while the channel is not Connected.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventKind tags an Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
)

// Event is emitted on the Events channel in the order things happen on the
// link. Msg is set for EventMessage; Err for EventDisconnected.
type Event struct {
	Kind EventKind
	Msg  wire.Envelope
	Err  error
}

// Options configures a Channel. Zero values fall back to the defaults above.
type Options struct {
	URL               string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Dialer            Dialer
	EventBuffer       int
}

// Channel is the solver link. All methods are safe for concurrent use.
type Channel struct {
	opts   Options
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	state     State
	conn      Conn
	connDone  chan struct{}
	gen       uint64
	reconnect *time.Timer
	closed    bool

	// cause of the last drop, reported by that generation's read loop
	dropGen uint64
	dropErr error

	// activeTimers counts reconnect timers that are scheduled and have not
	// fired or been stopped; maxActiveTimers is its high-water mark.
	activeTimers    int
	maxActiveTimers int
}

// New creates a disconnected Channel. Call Connect to start.
func New(opts Options) *Channel {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{Timeout: opts.DialTimeout}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Channel{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// URL returns the solver endpoint.
func (c *Channel) URL() string {
	return c.opts.URL
}

// Events returns the event stream. It is never closed; stop reading once the
// channel has been closed.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current connection state without any I/O.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a connection attempt unless one is in progress or the link
// is already up. It does not block; the outcome arrives as an Event.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	slog.Info("transport connecting", "url", c.opts.URL)
	go c.dial(gen)
}

func (c *Channel) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.state = Disconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		slog.Warn("transport connect failed", "url", c.opts.URL, "error", err, "retry_in", c.opts.ReconnectDelay)
		c.emit(Event{Kind: EventDisconnected, Err: err})
		return
	}
	c.conn = conn
	c.connDone = make(chan struct{})
	c.state = Connected
	c.stopReconnectLocked()
	connDone := c.connDone
	c.mu.Unlock()

	slog.Info("transport connected", "url", c.opts.URL)
	c.emit(Event{Kind: EventConnected})
	go c.readLoop(gen, conn)
	go c.heartbeat(connDone)
}

// Send transmits env if the channel is Connected. Otherwise it returns
// ErrNotConnected and transmits nothing; queueing is the caller's job.
func (c *Channel) Send(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if err := conn.WriteText(data); err != nil {
		// The read loop of this connection reports the disconnect; Send is
		// called from the goroutine that drains Events and must not block on it.
		c.drop(gen, err)
		return fmt.Errorf("transport: send %s: %w", env.Action, err)
	}
	slog.Debug("transport frame sent", "action", env.Action, "request_id", env.RequestID)
	return nil
}

// Close tears the link down and cancels any pending reconnect. A closed
// Channel never reconnects.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.closeConnDoneLocked()
	c.state = Disconnected
	close(c.done)
	c.mu.Unlock()

	slog.Info("transport closed", "url", c.opts.URL)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ReconnectPending reports whether a reconnect timer is scheduled.
func (c *Channel) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadText()
		if err != nil {
			c.drop(gen, err)
			c.mu.Lock()
			closed := c.closed
			if c.dropGen == gen && c.dropErr != nil {
				err = c.dropErr
			}
			c.mu.Unlock()
			if !closed {
				c.emit(Event{Kind: EventDisconnected, Err: err})
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			slog.Warn("transport dropped malformed frame", "error", err)
			continue
		}
		slog.Debug("transport frame received", "action", env.Action, "request_id", env.RequestID)
		c.emit(Event{Kind: EventMessage, Msg: env})
	}
}

func (c *Channel) heartbeat(connDone <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			if err := c.Send(wire.Envelope{Action: wire.ActionPing}); err != nil {
				slog.Debug("transport heartbeat failed", "error", err)
			}
		}
	}
}

// drop moves a live connection of generation gen to Disconnected and closes
// it. Failures reported by an older generation are ignored. The
// EventDisconnected is emitted by that connection's read loop, which sees the
// closed connection, so drop never blocks on the event stream.
func (c *Channel) drop(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.closeConnDoneLocked()
	c.state = Disconnected
	c.dropGen, c.dropErr = gen, err
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	slog.Warn("transport connection lost", "url", c.opts.URL, "error", err, "retry_in", c.opts.ReconnectDelay)
}

// scheduleReconnectLocked starts the reconnect timer unless one is already
// pending. c.mu must be held.
func (c *Channel) scheduleReconnectLocked() {
	if c.closed || c.reconnect != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		if c.reconnect != t {
			c.mu.Unlock()
			return
		}
		c.reconnect = nil
		c.activeTimers--
		c.mu.Unlock()

		slog.Info("transport reconnect attempt", "url", c.opts.URL)
		c.Connect()
	})
	c.reconnect = t
	c.activeTimers++
	if c.activeTimers > c.maxActiveTimers {
		c.maxActiveTimers = c.activeTimers
	}
}

// stopReconnectLocked supersedes a pending reconnect timer. c.mu must be held.
func (c *Channel) stopReconnectLocked() {
	if c.reconnect == nil {
		return
	}
	c.reconnect.Stop()
	c.reconnect = nil
	c.activeTimers--
}

func (c *Channel) closeConnDoneLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
