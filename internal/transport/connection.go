// Package transport owns the single persistent WebSocket connection to
// the frame server: connection state, exponential-backoff reconnection,
// and heartbeat.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/multiview/internal/clock"
	"github.com/zsiec/multiview/internal/wire"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrNoURL        = errors.New("transport: no server url")
	ErrSuperseded   = errors.New("transport: connect superseded by disconnect")
)

// Defaults applied to zero Config fields.
const (
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 10 * time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the connection uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Message is one inbound WebSocket message. Binary messages carry frame
// batches; text messages carry JSON control messages.
type Message struct {
	Binary bool
	Data   []byte
}

// Config controls a Connection.
type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// HeartbeatInterval is the ping period. Negative disables pings.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	Dial              DialFunc
	Clock             clock.Clock
	Log               *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dial == nil {
		c.Dial = WebSocketDialer(c.DialTimeout)
	}
}

// WebSocketDialer returns a DialFunc backed by gorilla/websocket.
func WebSocketDialer(handshakeTimeout time.Duration) DialFunc {
	d := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  4 << 10,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connection is a reconnecting WebSocket client. Events are delivered
// synchronously: message callbacks run on the read goroutine in arrival
// order, so one slow handler delays the next message. State changes are
// delivered in the order they happen.
type Connection struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	// mu guards every field below it
	mu        sync.Mutex
	state     State
	conn      Conn
	gen       uint64
	attempt   int
	timer     clock.Timer
	heartbeat chan struct{}
	events    []stateEvent
	emitting  bool

	writeMu sync.Mutex

	stateListeners    listeners[func(from, to State)]
	messageListeners  listeners[func(Message)]
	errorListeners    listeners[func(error)]
	sendFailListeners listeners[func(v any, err error)]
}

// New creates a Connection in StateDisconnected.
func New(cfg Config) *Connection {
	cfg.applyDefaults()
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		cfg:   cfg,
		clock: clock.OrReal(cfg.Clock),
		log:   log.With("component", "transport"),
	}
}

// OnStateChange registers fn for state transitions and returns a func
// that removes it.
func (c *Connection) OnStateChange(fn func(from, to State)) func() {
	return c.stateListeners.add(fn)
}

// OnMessage registers fn for inbound messages. The Data slice is only
// valid for the duration of the call.
func (c *Connection) OnMessage(fn func(Message)) func() {
	return c.messageListeners.add(fn)
}

// OnError registers fn for transport errors. Errors never change state
// on their own; a close does.
func (c *Connection) OnError(fn func(error)) func() {
	return c.errorListeners.add(fn)
}

// OnSendFailed registers fn for messages that could not be sent.
func (c *Connection) OnSendFailed(fn func(v any, err error)) func() {
	return c.sendFailListeners.add(fn)
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of reconnect attempts made since the last
// successful connection.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// URL returns the configured server url.
func (c *Connection) URL() string {
	return c.cfg.URL
}

// Connect dials the server. It is a no-op while connecting or connected.
// A pending reconnect is cancelled and replaced by an immediate dial.
// If the dial fails the connection returns to StateDisconnected without
// scheduling a reconnect.
func (c *Connection) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return ErrNoURL
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.flushStates()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.emitError(err)
		c.flushStates()
		return err
	}
	c.establishLocked(conn, gen)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
// No reconnect follows, whatever the prior state.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.attempt = 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn)
	}
	c.flushStates()
}

// Send writes v to the server. []byte is sent as a binary message,
// string as text, and anything else as JSON text. It returns false and
// notifies send-failed listeners if the connection is not open or the
// write fails; it never panics.
func (c *Connection) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.emitSendFailed(v, ErrNotConnected)
		return false
	}

	mt, data, err := encode(v)
	if err != nil {
		c.emitSendFailed(v, err)
		return false
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(c.clock.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(mt, data)
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("transport: write: %w", err)
		c.emitError(err)
		c.emitSendFailed(v, err)
		return false
	}
	return true
}

func encode(v any) (int, []byte, error) {
	switch m := v.(type) {
	case []byte:
		return websocket.BinaryMessage, m, nil
	case string:
		return websocket.TextMessage, []byte(m), nil
	default:
		data, err := wire.Marshal(v)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: encode %T: %w", v, err)
		}
		return websocket.TextMessage, data, nil
	}
}

func (c *Connection) dial(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.cfg.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// establishLocked installs conn as the live connection and starts its
// read loop and heartbeat. It is called with mu held and releases it.
func (c *Connection) establishLocked(conn Conn, gen uint64) {
	c.conn = conn
	c.attempt = 0
	c.setStateLocked(StateConnected)
	if c.cfg.HeartbeatInterval > 0 {
		stop := make(chan struct{})
		c.heartbeat = stop
		go c.runHeartbeat(c.clock.NewTicker(c.cfg.HeartbeatInterval), stop)
	}
	c.mu.Unlock()

	c.log.Info("connected", "url", c.cfg.URL)
	c.flushStates()
	go c.readLoop(conn, gen)
}

func (c *Connection) readLoop(conn Conn, gen uint64) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		msg := Message{Binary: mt == websocket.BinaryMessage, Data: data}
		c.messageListeners.each(func(fn func(Message)) { fn(msg) })
	}
}

// handleClose reacts to the read loop ending. Closes of superseded
// connections are ignored; any other close schedules a reconnect.
func (c *Connection) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	conn.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.emitError(fmt.Errorf("transport: connection lost: %w", err))
	}
	c.log.Warn("connection closed", "error", err)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.scheduleReconnectLocked(gen)
}

// scheduleReconnectLocked arms the backoff timer, or moves to
// StateFailed once attempts are exhausted. It is called with mu held
// and releases it.
func (c *Connection) scheduleReconnectLocked(gen uint64) {
	if c.attempt >= c.cfg.MaxAttempts {
		c.setStateLocked(StateFailed)
		attempts := c.attempt
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted", "attempts", attempts)
		c.flushStates()
		return
	}

	delay := Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, c.attempt)
	c.attempt++
	attempt := c.attempt
	c.setStateLocked(StateReconnecting)
	c.timer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	c.flushStates()
}

func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	conn, err := c.dial(context.Background())

	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.emitError(err)
		c.mu.Lock()
		if gen != c.gen || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.scheduleReconnectLocked(gen)
		return
	}
	c.establishLocked(conn, gen)
}

func (c *Connection) runHeartbeat(t clock.Ticker, stop <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			c.Send(wire.NewPing())
		}
	}
}

func (c *Connection) closeConn(conn Conn) {
	c.writeMu.Lock()
	conn.SetWriteDeadline(c.clock.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	conn.Close()
}

type stateEvent struct {
	from, to State
}

// setStateLocked records the transition for flushStates to deliver.
func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.events = append(c.events, stateEvent{from: c.state, to: s})
	c.state = s
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		close(c.heartbeat)
		c.heartbeat = nil
	}
}

// flushStates delivers queued transitions in the order they were made.
// Only one goroutine delivers at a time; a caller that finds delivery in
// progress leaves its events to that goroutine, so listeners may call
// back into the Connection.
func (c *Connection) flushStates() {
	c.mu.Lock()
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		c.mu.Unlock()
		c.log.Debug("state change", "from", ev.from, "to", ev.to)
		c.stateListeners.each(func(fn func(from, to State)) { fn(ev.from, ev.to) })
		c.mu.Lock()
	}
	c.emitting = false
	c.mu.Unlock()
}

func (c *Connection) emitError(err error) {
	c.errorListeners.each(func(fn func(error)) { fn(err) })
}

func (c *Connection) emitSendFailed(v any, err error) {
	c.sendFailListeners.each(func(fn func(any, error)) { fn(v, err) })
}
