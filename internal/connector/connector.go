// Package connector is the client-side mirror of the server framework: it
// frames messages, correlates requests with replies, keeps the connection
// alive with heartbeats, and hands every callback to the caller through a
// main-thread action queue so game engines can consume results from their
// own update loop.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/request"
	"github.com/playhive/playhive/internal/session"
)

// Config carries the connector knobs. Exactly one of Addr and URL is set:
// Addr dials plain TCP, URL (ws:// or wss://) dials a WebSocket.
type Config struct {
	Addr string
	URL  string

	// HeartbeatInterval is the client send cadence; 0 selects the default.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout declares the connection dead after this much inbound
	// silence; 0 selects the default.
	HeartbeatTimeout time.Duration
	// RequestTimeout applies to requests issued with timeout<=0.
	RequestTimeout time.Duration
	// MaxMessageSize caps one inbound frame; 0 selects the protocol default.
	MaxMessageSize int
	// ActionQueueSize bounds the main-thread queue; on overflow the oldest
	// tenth is shed with an error log.
	ActionQueueSize int

	// AutoReconnect redials after an unexpected disconnect with exponential
	// backoff between ReconnectMin and ReconnectMax.
	AutoReconnect bool
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultActionQueueSize   = 10000
	defaultReconnectMin      = 250 * time.Millisecond
	defaultReconnectMax      = 15 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ActionQueueSize <= 0 {
		out.ActionQueueSize = DefaultActionQueueSize
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = defaultReconnectMin
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = defaultReconnectMax
	}
	return out
}

// Callbacks are the application hooks. All of them run inside ProcessActions
// on whatever goroutine the application drains the queue from.
type Callbacks struct {
	// OnConnect fires after every successful (re)connect.
	OnConnect func()
	// OnDisconnect fires once per connection loss with the reason.
	OnDisconnect func(err error)
	// OnPush receives server pushes (frames with msgSeq 0).
	OnPush func(msgID string, stageID int64, payload []byte)
}

// Connector is one client connection to a play server.
type Connector struct {
	cfg Config
	cb  Callbacks
	log *slog.Logger

	tracker *request.Tracker
	actions *actionQueue

	mu        sync.Mutex
	tr        session.Transport
	connEpoch uint64
	connected bool
	closed    bool

	// wmu serializes transport writes. Application goroutines and the
	// heartbeat loop both call write; the WebSocket transport in particular
	// forbids concurrent writers.
	wmu sync.Mutex

	lastInbound atomic.Int64
}

// New creates a disconnected connector.
func New(cfg Config, cb Callbacks) *Connector {
	c := &Connector{
		cfg:     cfg.withDefaults(),
		cb:      cb,
		log:     slog.With("comp", "connector"),
		tracker: request.NewTracker(),
	}
	c.actions = newActionQueue(c.cfg.ActionQueueSize, c.log)
	return c
}

// Connect dials the server and starts the read and heartbeat loops. The
// OnConnect callback is queued for the main thread.
func (c *Connector) Connect(ctx context.Context) error {
	tr, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = tr.Close()
		return protocol.ErrConnectionClosed
	}
	if c.connected {
		c.mu.Unlock()
		_ = tr.Close()
		return fmt.Errorf("connector: already connected")
	}
	c.tr = tr
	c.connected = true
	c.connEpoch++
	epoch := c.connEpoch
	c.mu.Unlock()

	c.lastInbound.Store(time.Now().UnixNano())
	if c.cb.OnConnect != nil {
		c.actions.push(c.cb.OnConnect)
	}

	go c.readLoop(tr, epoch)
	go c.heartbeatLoop(tr, epoch)
	return nil
}

func (c *Connector) dial(ctx context.Context) (session.Transport, error) {
	if c.cfg.URL != "" {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrConnectionFailed, c.cfg.URL, err)
		}
		return session.NewWSTransport(conn), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrConnectionFailed, c.cfg.Addr, err)
	}
	return session.NewTCPTransport(conn), nil
}

// IsConnected reports whether a live connection exists.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes a one-way client frame (msgSeq 0).
func (c *Connector) Send(msgID string, stageID int64, payload []byte) error {
	f := protocol.Frame{MsgID: msgID, StageID: stageID, Payload: payload}
	return c.write(&f)
}

// Request sends a correlated request. The completer runs inside
// ProcessActions with either the reply packet (error codes ride on the
// packet) or ErrRequestTimeout / a disconnect error.
func (c *Connector) Request(msgID string, stageID int64, payload []byte, timeout time.Duration, cb request.Completer) error {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	seq := c.tracker.NextSeq()
	queued := func(pkt *protocol.Packet, err error) {
		c.actions.push(func() { cb(pkt, err) })
	}
	if err := c.tracker.Track(seq, "", timeout, queued); err != nil {
		return err
	}

	f := protocol.Frame{MsgID: msgID, MsgSeq: seq, StageID: stageID, Payload: payload}
	if err := c.write(&f); err != nil {
		c.tracker.Cancel(seq)
		return err
	}
	return nil
}

// Call is the blocking form of Request. It bypasses the action queue; do not
// call it from the goroutine that drains ProcessActions.
func (c *Connector) Call(ctx context.Context, msgID string, stageID int64, payload []byte) (*protocol.Packet, error) {
	type outcome struct {
		pkt *protocol.Packet
		err error
	}
	ch := make(chan outcome, 1)

	timeout := c.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	seq := c.tracker.NextSeq()
	if err := c.tracker.Track(seq, "", timeout, func(pkt *protocol.Packet, err error) {
		ch <- outcome{pkt, err}
	}); err != nil {
		return nil, err
	}

	f := protocol.Frame{MsgID: msgID, MsgSeq: seq, StageID: stageID, Payload: payload}
	if err := c.write(&f); err != nil {
		c.tracker.Cancel(seq)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.pkt, out.err
	case <-ctx.Done():
		c.tracker.Cancel(seq)
		return nil, ctx.Err()
	}
}

// ProcessActions runs up to max queued callbacks (max<=0 drains everything)
// and returns the number executed. Call it from the application's update
// loop.
func (c *Connector) ProcessActions(max int) int {
	return c.actions.drain(max)
}

// PendingActions returns the current queue depth.
func (c *Connector) PendingActions() int { return c.actions.len() }

func (c *Connector) write(f *protocol.Frame) error {
	c.mu.Lock()
	tr, ok := c.tr, c.connected
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("connector: %w", protocol.ErrConnectionClosed)
	}
	enc, err := f.Encode(protocol.ClientToServer)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return tr.Write(enc)
}

func (c *Connector) readLoop(tr session.Transport, epoch uint64) {
	dec := protocol.NewDecoder(protocol.ServerToClient, c.cfg.MaxMessageSize)
	chunk := make([]byte, 32<<10)

	for {
		_ = tr.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout + time.Second))
		n, err := tr.Read(chunk)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.drop(epoch, protocol.ErrHeartbeatTimeout)
			} else {
				c.drop(epoch, fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err))
			}
			return
		}
		if err := dec.Feed(chunk[:n]); err != nil {
			c.drop(epoch, err)
			return
		}
		for {
			f, err := dec.Next()
			if err != nil {
				c.drop(epoch, err)
				return
			}
			if f == nil {
				break
			}
			c.handleFrame(f)
		}
	}
}

func (c *Connector) handleFrame(f *protocol.Frame) {
	c.lastInbound.Store(time.Now().UnixNano())

	if f.IsHeartbeat() {
		return
	}
	if f.MsgSeq > 0 {
		pkt := protocol.NewPacket(f.MsgID, f.Payload).WithError(f.ErrorCode)
		if !c.tracker.Complete(f.MsgSeq, "", pkt) {
			c.log.Debug("late reply dropped", "seq", f.MsgSeq, "msgId", f.MsgID)
		}
		return
	}
	if c.cb.OnPush != nil {
		msgID, stageID, payload := f.MsgID, f.StageID, f.Payload
		c.actions.push(func() { c.cb.OnPush(msgID, stageID, payload) })
	}
}

func (c *Connector) heartbeatLoop(tr session.Transport, epoch uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		live := c.connected && c.connEpoch == epoch
		c.mu.Unlock()
		if !live {
			return
		}
		hb := protocol.Frame{MsgID: protocol.HeartbeatMsgID}
		if err := c.write(&hb); err != nil {
			return
		}
	}
}

// drop tears down the connection for one epoch: in-flight requests fail, the
// OnDisconnect callback is queued, and the reconnect loop starts if enabled.
func (c *Connector) drop(epoch uint64, reason error) {
	c.mu.Lock()
	if !c.connected || c.connEpoch != epoch {
		c.mu.Unlock()
		return
	}
	c.connected = false
	tr := c.tr
	c.tr = nil
	closed := c.closed
	c.mu.Unlock()

	_ = tr.Close()
	c.tracker.CancelAll(reason)
	c.log.Info("disconnected", "reason", reason)
	if c.cb.OnDisconnect != nil {
		c.actions.push(func() { c.cb.OnDisconnect(reason) })
	}

	if c.cfg.AutoReconnect && !closed {
		go c.reconnectLoop()
	}
}

func (c *Connector) reconnectLoop() {
	backoff := c.cfg.ReconnectMin
	for {
		c.mu.Lock()
		stop := c.closed || c.connected
		c.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), backoff+5*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("reconnect failed", "error", err, "retryIn", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// Disconnect closes the connection and disables reconnecting. In-flight
// requests fail with ErrConnectionClosed.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.closed = true
	epoch := c.connEpoch
	c.mu.Unlock()
	c.drop(epoch, protocol.ErrConnectionClosed)
}
