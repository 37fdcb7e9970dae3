// Package session owns one client connection per Session: the connected →
// authenticating → authenticated → disconnecting → closed state machine, the
// heartbeat watchdog, and the FIFO send pump. Sessions feed decoded frames
// to a Handler (the dispatcher) and never touch stage state themselves.
package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhive/playhive/internal/buffer"
	"github.com/playhive/playhive/internal/protocol"
)

// State is the session lifecycle state. Transitions are one-way.
type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "closed"
	}
}

// Config carries the per-session knobs.
type Config struct {
	// AuthenticateMsgID is the only msgId accepted before authentication
	// (heartbeats aside).
	AuthenticateMsgID string
	// HeartbeatInterval is the server-side probe cadence; 0 disables probes.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout declares the session dead after this much inbound
	// silence; 0 disables.
	HeartbeatTimeout time.Duration
	// MaxMessageSize caps a whole inbound frame; 0 selects the default.
	MaxMessageSize int
	// SendQueueSize bounds the outbound queue; a full queue disconnects the
	// slow client.
	SendQueueSize int
	// DrainTimeout bounds the outbound drain during disconnect.
	DrainTimeout time.Duration
}

const (
	defaultSendQueueSize = 256
	defaultDrainTimeout  = 200 * time.Millisecond
	readChunkSize        = 32 << 10
)

// Handler consumes session events. OnFrame runs on the session's read
// goroutine; OnDisconnect fires exactly once.
type Handler interface {
	OnFrame(s *Session, f *protocol.Frame)
	OnDisconnect(s *Session, reason error)
}

// Session is one client connection.
type Session struct {
	id      uint64
	tr      Transport
	cfg     Config
	handler Handler
	pool    *buffer.BytePool

	state atomic.Int32

	mu        sync.Mutex
	accountID string
	reason    error

	stageID     atomic.Int64
	lastInbound atomic.Int64 // unix nanos
	lastHBSent  atomic.Int64

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	drained   chan struct{}
}

// New creates a session over tr. The caller starts it with Run.
func New(id uint64, tr Transport, cfg Config, handler Handler, pool *buffer.BytePool) *Session {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	s := &Session{
		id:      id,
		tr:      tr,
		cfg:     cfg,
		handler: handler,
		pool:    pool,
		sendCh:  make(chan []byte, cfg.SendQueueSize),
		closeCh: make(chan struct{}),
		drained: make(chan struct{}),
	}
	now := time.Now().UnixNano()
	s.lastInbound.Store(now)
	s.lastHBSent.Store(now)
	return s
}

// ID returns the server-unique session id.
func (s *Session) ID() uint64 { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.tr.RemoteAddr() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsAuthenticated reports whether the one-way authenticated transition
// happened.
func (s *Session) IsAuthenticated() bool { return s.State() == StateAuthenticated }

// AccountID returns the account bound at authentication, empty before.
func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// StageID returns the stage the session is attached to, 0 if none.
func (s *Session) StageID() int64 { return s.stageID.Load() }

// Pool returns the session's buffer pool, nil when pooling is off. Inbound
// payloads and outbound encode buffers ride it; the dispatcher uses it to
// build pooled packets for stage dispatch.
func (s *Session) Pool() *buffer.BytePool { return s.pool }

// SetAuthenticated publishes the account identity and stage binding. The
// transition to authenticated is one-way; calling it twice only updates the
// stage binding.
func (s *Session) SetAuthenticated(accountID string, stageID int64) {
	s.mu.Lock()
	s.accountID = accountID
	s.mu.Unlock()
	s.stageID.Store(stageID)
	s.state.Store(int32(StateAuthenticated))
}

// Run services the connection until it dies: write pump, heartbeat watchdog,
// then the blocking read loop. Returns the disconnect reason.
func (s *Session) Run() error {
	go s.writePump()
	if s.cfg.HeartbeatTimeout > 0 || s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatWatchdog()
	}

	err := s.readLoop()
	s.Disconnect(err)
	return err
}

func (s *Session) readLoop() error {
	dec := protocol.NewDecoder(protocol.ClientToServer, s.cfg.MaxMessageSize)
	dec.SetPool(s.pool)
	chunk := make([]byte, readChunkSize)

	for {
		if s.cfg.HeartbeatTimeout > 0 {
			// The watchdog is authoritative; the read deadline just keeps
			// the blocking read from outliving it by much.
			_ = s.tr.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout + time.Second))
		}
		n, err := s.tr.Read(chunk)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return protocol.ErrHeartbeatTimeout
			}
			return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
		}
		if err := dec.Feed(chunk[:n]); err != nil {
			return err
		}

		for {
			f, err := dec.Next()
			if err != nil {
				return err
			}
			if f == nil {
				break
			}
			if err := s.handleFrame(f); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleFrame(f *protocol.Frame) error {
	s.lastInbound.Store(time.Now().UnixNano())

	if f.IsHeartbeat() {
		// Always answer heartbeats with a zero-payload heartbeat frame.
		hb := protocol.Frame{MsgID: protocol.HeartbeatMsgID}
		enc, err := s.encode(&hb)
		if err != nil {
			return err
		}
		return s.send(enc)
	}

	// Authentication gate: before the authenticated transition only the
	// configured auth message may pass.
	if !s.IsAuthenticated() {
		if f.MsgID != s.cfg.AuthenticateMsgID {
			slog.Warn("frame before authentication, closing",
				"session", s.id, "remote", s.RemoteAddr(), "msgId", f.MsgID)
			return fmt.Errorf("%w: unauthenticated %q", protocol.ErrConnectionClosed, f.MsgID)
		}
		s.state.CompareAndSwap(int32(StateConnected), int32(StateAuthenticating))
	}

	s.handler.OnFrame(s, f)
	return nil
}

// Push writes a one-way server→client frame. Implements stage.SessionRef.
func (s *Session) Push(msgID string, stageID int64, payload []byte) error {
	f := protocol.Frame{MsgID: msgID, StageID: stageID, Payload: payload}
	enc, err := s.encode(&f)
	if err != nil {
		return err
	}
	return s.send(enc)
}

// Respond writes a correlated reply frame. Implements stage.SessionRef.
func (s *Session) Respond(msgSeq uint16, msgID string, stageID int64, errCode uint16, payload []byte) error {
	f := protocol.Frame{MsgID: msgID, MsgSeq: msgSeq, StageID: stageID, ErrorCode: errCode, Payload: payload}
	enc, err := s.encode(&f)
	if err != nil {
		return err
	}
	return s.send(enc)
}

// encode serializes f into a pooled buffer when a pool is attached. The
// write pump owns the buffer from here and recycles it after the write.
func (s *Session) encode(f *protocol.Frame) ([]byte, error) {
	if s.pool == nil {
		return f.Encode(protocol.ServerToClient)
	}
	buf := s.pool.Get(f.EncodedSize(protocol.ServerToClient))
	return f.AppendEncode(buf[:0], protocol.ServerToClient)
}

func (s *Session) recycle(b []byte) {
	if s.pool != nil {
		s.pool.Put(b)
	}
}

// send queues an encoded frame for FIFO delivery. Non-blocking: a full queue
// means a slow client, which gets disconnected rather than stalling a stage.
func (s *Session) send(encoded []byte) error {
	switch State(s.state.Load()) {
	case StateDisconnecting, StateClosed:
		return fmt.Errorf("session %d: %w", s.id, protocol.ErrConnectionClosed)
	}
	select {
	case s.sendCh <- encoded:
		return nil
	default:
		slog.Warn("send queue full, disconnecting slow client", "session", s.id, "remote", s.RemoteAddr())
		s.Disconnect(protocol.ErrBackpressure)
		return fmt.Errorf("session %d: send queue full", s.id)
	}
}

// writePump is the dedicated writer goroutine: strict FIFO, batches whatever
// is queued into one write when the transport is TCP.
func (s *Session) writePump() {
	defer close(s.drained)
	for {
		select {
		case b := <-s.sendCh:
			if err := s.writeBatched(b); err != nil {
				slog.Debug("session write failed", "session", s.id, "error", err)
				s.Disconnect(fmt.Errorf("%w: %v", protocol.ErrConnectionFailed, err))
				return
			}
		case <-s.closeCh:
			// Bounded drain of whatever was queued before disconnect.
			deadline := time.After(s.cfg.DrainTimeout)
			for {
				select {
				case b := <-s.sendCh:
					if err := s.writeBatched(b); err != nil {
						return
					}
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeBatched(first []byte) error {
	tcp, ok := s.tr.(*tcpTransport)
	queued := len(s.sendCh)
	if !ok || queued == 0 {
		err := s.tr.Write(first)
		s.recycle(first)
		return err
	}

	// writev batching for TCP when more frames are already queued.
	batch := make([][]byte, 0, queued+1)
	batch = append(batch, first)
	for i := 0; i < queued; i++ {
		batch = append(batch, <-s.sendCh)
	}
	// WriteTo consumes the net.Buffers slice; keep batch for recycling.
	bufs := net.Buffers(append([][]byte(nil), batch...))
	_, err := bufs.WriteTo(tcp.conn)
	for _, b := range batch {
		s.recycle(b)
	}
	return err
}

func (s *Session) heartbeatWatchdog() {
	granularity := 50 * time.Millisecond
	if s.cfg.HeartbeatTimeout > 0 && s.cfg.HeartbeatTimeout/10 < granularity {
		granularity = s.cfg.HeartbeatTimeout / 10
	}
	ticker := time.NewTicker(granularity)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			if s.cfg.HeartbeatTimeout > 0 {
				silent := now.Sub(time.Unix(0, s.lastInbound.Load()))
				if silent > s.cfg.HeartbeatTimeout {
					slog.Info("heartbeat timeout", "session", s.id, "remote", s.RemoteAddr(), "silent", silent)
					s.Disconnect(protocol.ErrHeartbeatTimeout)
					return
				}
			}
			if s.cfg.HeartbeatInterval > 0 {
				if now.Sub(time.Unix(0, s.lastHBSent.Load())) > s.cfg.HeartbeatInterval {
					s.lastHBSent.Store(now.UnixNano())
					hb := protocol.Frame{MsgID: protocol.HeartbeatMsgID}
					if enc, err := s.encode(&hb); err == nil {
						_ = s.send(enc)
					}
				}
			}
		}
	}
}

// Disconnect moves the session to disconnecting, drains outbound within the
// configured bound, closes the transport, and fires OnDisconnect exactly
// once. Safe to call from any goroutine, repeatedly.
func (s *Session) Disconnect(reason error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnecting))
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()

		close(s.closeCh)
		go func() {
			select {
			case <-s.drained:
			case <-time.After(s.cfg.DrainTimeout + 50*time.Millisecond):
			}
			_ = s.tr.Close()
			s.state.Store(int32(StateClosed))
			s.handler.OnDisconnect(s, reason)
		}()
	})
}

// CloseReason returns the disconnect reason once set.
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
