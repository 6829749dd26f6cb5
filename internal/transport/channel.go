// Package transport manages the persistent duplex channel to the
// control plane: connect/reconnect lifecycle with bounded exponential
// backoff, frame decode, heartbeat filtering, and outbound send.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelops/console/internal/dispatch"
	"github.com/sentinelops/console/internal/logging"
	"github.com/sentinelops/console/internal/protocol"
)

var log = logging.L("transport")

// ErrNotConnected is returned by Send while the channel is down.
// Outbound messages are never queued: delivery is at most once.
var ErrNotConnected = errors.New("transport: not connected")

const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10

	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 512 * 1024
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Conn is the subset of the websocket connection the channel needs.
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the given endpoint.
type Dialer func(endpoint string) (Conn, error)

func gorillaDialer(endpoint string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Options configures a Channel.
type Options struct {
	// ServerURL is the control plane base URL; http(s) schemes are
	// rewritten to ws(s) and the stream path appended.
	ServerURL string
	AuthToken string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Dialer and AfterFunc are injection points for tests.
	Dialer    Dialer
	AfterFunc func(time.Duration, func()) *time.Timer
}

// Channel is the process-wide duplex stream. Construct once with New,
// tear down with Disconnect.
type Channel struct {
	opts       Options
	endpoint   string
	dispatcher *dispatch.Dispatcher

	mu              sync.Mutex
	state           State
	attempt         int
	conn            Conn
	gen             int // connection generation; stale reader exits are ignored
	retryTimer      *time.Timer
	shouldReconnect bool
	maxReported     bool
	heartbeatFns    []func(protocol.Envelope)

	writeMu sync.Mutex
}

// New creates a channel feeding the given dispatcher. It does not
// connect; call Connect.
func New(opts Options, d *dispatch.Dispatcher) (*Channel, error) {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}

	endpoint, err := streamURL(opts.ServerURL, opts.AuthToken)
	if err != nil {
		return nil, err
	}

	return &Channel{
		opts:            opts,
		endpoint:        endpoint,
		dispatcher:      d,
		shouldReconnect: true,
	}, nil
}

func streamURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/stream"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current reconnect attempt counter.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// OnHeartbeat registers a dedicated heartbeat listener. Heartbeats are
// kept out of the general dispatcher to avoid noise.
func (c *Channel) OnHeartbeat(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.heartbeatFns = append(c.heartbeatFns, fn)
	c.mu.Unlock()
}

// Connect opens the channel. Idempotent: a no-op while already
// Connecting or Connected, or while a retry timer is pending, so it
// can never produce a duplicate socket or timer. Connecting from the
// Failed state starts a fresh attempt cycle.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.state == Failed {
		c.attempt = 0
		c.maxReported = false
	}
	c.state = Connecting
	c.mu.Unlock()

	go c.dial()
}

func (c *Channel) dial() {
	conn, err := c.opts.Dialer(c.endpoint)

	c.mu.Lock()
	if !c.shouldReconnect && err == nil {
		// Disconnect raced the dial; drop the fresh socket.
		c.state = Disconnected
		c.mu.Unlock()
		conn.Close()
		return
	}
	if err != nil {
		log.Warn("connection failed", logging.KeyError, err)
		c.state = Disconnected
		c.scheduleRetryLocked()
		return
	}

	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.state = Connected
	c.mu.Unlock()

	log.Info("connected", "endpoint", c.opts.ServerURL)
	c.dispatcher.Dispatch(protocol.NewSynthetic(protocol.TypeSyntheticConnected, nil))

	go c.readLoop(conn, gen)
}

// readLoop is the single reader for one connection. Decode, filtering,
// dispatch, and all subscriber work run synchronously here, so
// envelopes of one channel are processed strictly in arrival order.
func (c *Channel) readLoop(conn Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			break
		}
		c.handleFrame(raw)
	}
	c.handleClose(gen)
}

func (c *Channel) handleFrame(raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		// Malformed frames are dropped; the channel stays open.
		log.Debug("dropping malformed frame", logging.KeyError, err)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		c.mu.Lock()
		fns := make([]func(protocol.Envelope), len(c.heartbeatFns))
		copy(fns, c.heartbeatFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(env)
		}
	case protocol.TypeConnected:
		log.Info("server handshake", "source", env.Source)
	default:
		c.dispatcher.Dispatch(env)
	}
}

func (c *Channel) handleClose(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection already superseded this one.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	c.mu.Unlock()

	c.dispatcher.Dispatch(protocol.NewSynthetic(protocol.TypeSyntheticDisconnected, nil))

	c.mu.Lock()
	c.scheduleRetryLocked()
}

// scheduleRetryLocked decides what happens after a failure. Caller
// holds c.mu; the lock is released before any dispatch.
func (c *Channel) scheduleRetryLocked() {
	if c.state == Connecting || c.state == Connected {
		// A manual Connect raced the close; let it drive.
		c.mu.Unlock()
		return
	}
	if !c.shouldReconnect {
		c.state = Disconnected
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.opts.MaxAttempts {
		c.state = Failed
		report := !c.maxReported
		c.maxReported = true
		c.mu.Unlock()
		if report {
			log.Error("reconnect attempts exhausted", "attempts", c.opts.MaxAttempts)
			c.dispatcher.Dispatch(protocol.NewSynthetic(protocol.TypeSyntheticMaxReconnect, map[string]any{
				"attempts": c.opts.MaxAttempts,
			}))
		}
		return
	}

	delay := c.opts.BaseDelay << c.attempt
	if delay > c.opts.MaxDelay || delay <= 0 {
		delay = c.opts.MaxDelay
	}
	c.retryTimer = c.opts.AfterFunc(delay, c.retry)
	c.attempt++
	c.state = Reconnecting
	log.Info("reconnect scheduled", "delay", delay, "attempt", c.attempt)
	c.mu.Unlock()
}

func (c *Channel) retry() {
	c.mu.Lock()
	c.retryTimer = nil
	if !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.mu.Unlock()
	c.dial()
}

// Send serializes and transmits v while Connected. Otherwise the
// message is dropped with a warning and ErrNotConnected: commands sent
// while down are lost at the transport layer.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Warn("send while disconnected, message dropped")
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Disconnect closes the channel and latches automatic reconnection off
// for this instance. Dispatcher subscriptions are left intact.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	if conn == nil {
		c.state = Disconnected
	}
	c.mu.Unlock()

	if conn != nil {
		// The reader observes the close and emits _disconnected.
		conn.Close()
	}
	log.Info("channel stopped")
}
