package session

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/playhive/playhive/internal/buffer"
	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/testutil"
)

// recordingHandler captures frames and the disconnect reason.
type recordingHandler struct {
	mu         sync.Mutex
	frames     []*protocol.Frame
	disconnect chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{disconnect: make(chan error, 1)}
}

func (h *recordingHandler) OnFrame(s *Session, f *protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnDisconnect(s *Session, reason error) {
	select {
	case h.disconnect <- reason:
	default:
	}
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func startSession(t *testing.T, cfg Config, h Handler) (*Session, net.Conn) {
	t.Helper()
	if cfg.AuthenticateMsgID == "" {
		cfg.AuthenticateMsgID = "Auth"
	}
	client, server := testutil.TCPPair(t)
	s := New(1, NewTCPTransport(server), cfg, h, nil)
	go func() { _ = s.Run() }()
	return s, client
}

func TestSession_AuthGate(t *testing.T) {
	h := newRecordingHandler()
	s, client := startSession(t, Config{}, h)

	// A non-auth message before authentication closes the session.
	testutil.WriteFrame(t, client, &protocol.Frame{MsgID: "Echo", MsgSeq: 1}, protocol.ClientToServer)

	select {
	case reason := <-h.disconnect:
		if !errors.Is(reason, protocol.ErrConnectionClosed) {
			t.Errorf("disconnect reason = %v, want ErrConnectionClosed", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after unauthenticated frame")
	}
	if h.frameCount() != 0 {
		t.Errorf("handler saw %d frames before auth, want 0", h.frameCount())
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestSession_AuthFramePasses(t *testing.T) {
	h := newRecordingHandler()
	s, client := startSession(t, Config{}, h)

	testutil.WriteFrame(t, client, &protocol.Frame{MsgID: "Auth", MsgSeq: 1, Payload: []byte("alice")}, protocol.ClientToServer)

	deadline := time.Now().Add(2 * time.Second)
	for h.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("auth frame never reached the handler")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.State(); got != StateAuthenticating {
		t.Errorf("state = %v, want authenticating", got)
	}

	// After the dispatcher publishes the identity, general traffic flows.
	s.SetAuthenticated("alice", 42)
	if !s.IsAuthenticated() {
		t.Fatal("session not authenticated after SetAuthenticated")
	}
	if s.AccountID() != "alice" || s.StageID() != 42 {
		t.Errorf("identity = (%q, %d), want (alice, 42)", s.AccountID(), s.StageID())
	}

	testutil.WriteFrame(t, client, &protocol.Frame{MsgID: "Echo", MsgSeq: 2, StageID: 42}, protocol.ClientToServer)
	deadline = time.Now().Add(2 * time.Second)
	for h.frameCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("post-auth frame never reached the handler")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_HeartbeatAnswered(t *testing.T) {
	h := newRecordingHandler()
	_, client := startSession(t, Config{}, h)

	testutil.WriteFrame(t, client, &protocol.Frame{MsgID: protocol.HeartbeatMsgID}, protocol.ClientToServer)

	reply := testutil.ReadFrame(t, client, protocol.ServerToClient, 2*time.Second)
	if !reply.IsHeartbeat() {
		t.Errorf("reply msgId = %q, want heartbeat", reply.MsgID)
	}
	if len(reply.Payload) != 0 {
		t.Errorf("heartbeat reply payload len = %d, want 0", len(reply.Payload))
	}
	// Heartbeats never reach the dispatcher.
	if h.frameCount() != 0 {
		t.Errorf("handler saw %d frames, want 0", h.frameCount())
	}
}

// S2: silence beyond heartbeatTimeout disconnects with HeartbeatTimeout.
func TestSession_HeartbeatTimeout(t *testing.T) {
	h := newRecordingHandler()
	s, client := startSession(t, Config{HeartbeatTimeout: 500 * time.Millisecond}, h)

	// Keep the session alive with heartbeats for a while.
	for i := 0; i < 3; i++ {
		testutil.WriteFrame(t, client, &protocol.Frame{MsgID: protocol.HeartbeatMsgID}, protocol.ClientToServer)
		_ = testutil.ReadFrame(t, client, protocol.ServerToClient, time.Second)
		time.Sleep(200 * time.Millisecond)
	}
	if s.State() == StateClosed {
		t.Fatal("session died while heartbeats were flowing")
	}

	// Then stop; the watchdog must fire within timeout plus slack.
	start := time.Now()
	select {
	case reason := <-h.disconnect:
		if !errors.Is(reason, protocol.ErrHeartbeatTimeout) {
			t.Errorf("disconnect reason = %v, want ErrHeartbeatTimeout", reason)
		}
		if d := time.Since(start); d > time.Second {
			t.Errorf("heartbeat timeout fired after %v, want ≈500ms", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat timeout never fired")
	}
}

func TestSession_SendFIFO(t *testing.T) {
	h := newRecordingHandler()
	s, client := startSession(t, Config{}, h)

	const n = 100
	for i := 0; i < n; i++ {
		if err := s.Push("Seq", int64(i), nil); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		f := testutil.ReadFrame(t, client, protocol.ServerToClient, 2*time.Second)
		if f.StageID != int64(i) {
			t.Fatalf("frame %d carried stageId %d: send order not FIFO", i, f.StageID)
		}
	}
}

func TestSession_RespondCarriesSeqAndCode(t *testing.T) {
	h := newRecordingHandler()
	s, client := startSession(t, Config{}, h)

	if err := s.Respond(7, "EchoReply", 42, protocol.CodeActorNotFound, []byte("x")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	f := testutil.ReadFrame(t, client, protocol.ServerToClient, 2*time.Second)
	if f.MsgSeq != 7 || f.ErrorCode != protocol.CodeActorNotFound || f.MsgID != "EchoReply" {
		t.Errorf("reply = %+v, want seq 7 code %d", f, protocol.CodeActorNotFound)
	}
}

// With a buffer pool attached, outbound encode buffers and inbound payloads
// are pooled and recycled; traffic must still round-trip byte for byte.
func TestSession_PooledBuffersRoundTrip(t *testing.T) {
	h := newRecordingHandler()
	pool := buffer.NewBytePool(1024)
	client, server := testutil.TCPPair(t)
	s := New(1, NewTCPTransport(server), Config{AuthenticateMsgID: "Auth"}, h, pool)
	go func() { _ = s.Run() }()

	if s.Pool() != pool {
		t.Fatal("session must expose its pool for packet construction")
	}

	// Outbound: the write pump recycles each pooled encode buffer after the
	// write, so heavy reuse must not corrupt queued frames.
	const n = 50
	for i := 0; i < n; i++ {
		if err := s.Push("Tick", int64(i), []byte{byte(i), byte(i >> 8)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		f := testutil.ReadFrame(t, client, protocol.ServerToClient, 2*time.Second)
		if f.StageID != int64(i) || len(f.Payload) != 2 || f.Payload[0] != byte(i) {
			t.Fatalf("frame %d corrupted: %+v", i, f)
		}
	}

	// Inbound: decoder payloads come from the pool; a packet built over one
	// returns the buffer on Release.
	testutil.WriteFrame(t, client, &protocol.Frame{MsgID: "Auth", MsgSeq: 1, Payload: []byte("alice")}, protocol.ClientToServer)
	deadline := time.Now().Add(2 * time.Second)
	for h.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("auth frame never reached the handler")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.mu.Lock()
	f := h.frames[0]
	h.mu.Unlock()
	if string(f.Payload) != "alice" {
		t.Fatalf("inbound payload = %q, want alice", f.Payload)
	}
	pkt := protocol.NewPooledPacket(f.MsgID, f.Payload, s.Pool())
	pkt.Release()
	if pkt.Payload != nil {
		t.Error("Release must drop the payload reference")
	}
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	h := newRecordingHandler()
	s, _ := startSession(t, Config{}, h)

	s.Disconnect(protocol.ErrConnectionClosed)
	s.Disconnect(protocol.ErrHeartbeatTimeout)

	reason := <-h.disconnect
	if !errors.Is(reason, protocol.ErrConnectionClosed) {
		t.Errorf("reason = %v, want the first Disconnect reason", reason)
	}
	select {
	case r := <-h.disconnect:
		t.Errorf("OnDisconnect fired twice, second reason %v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_RegisterLookupUnregister(t *testing.T) {
	m := NewManager()
	client, server := testutil.TCPPair(t)
	_ = client

	s := New(m.NextID(), NewTCPTransport(server), Config{AuthenticateMsgID: "Auth"}, newRecordingHandler(), nil)
	m.Register(s)

	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	got, ok := m.Get(s.ID())
	if !ok || got != s {
		t.Error("Get returned wrong session")
	}

	s.SetAuthenticated("alice", 1)
	if old := m.BindAccount("alice", s); old != nil {
		t.Error("BindAccount returned an old session on first bind")
	}
	byAcc, ok := m.GetByAccount("alice")
	if !ok || byAcc != s {
		t.Error("GetByAccount returned wrong session")
	}

	m.Unregister(s)
	if m.Count() != 0 {
		t.Errorf("Count() after unregister = %d, want 0", m.Count())
	}
	if _, ok := m.GetByAccount("alice"); ok {
		t.Error("account binding must be removed on unregister")
	}
}

func TestManager_BindAccountEvictsOld(t *testing.T) {
	m := NewManager()
	_, server1 := testutil.TCPPair(t)
	_, server2 := testutil.TCPPair(t)

	s1 := New(m.NextID(), NewTCPTransport(server1), Config{}, newRecordingHandler(), nil)
	s2 := New(m.NextID(), NewTCPTransport(server2), Config{}, newRecordingHandler(), nil)
	m.Register(s1)
	m.Register(s2)

	if old := m.BindAccount("bob", s1); old != nil {
		t.Error("first bind returned old session")
	}
	if old := m.BindAccount("bob", s2); old != s1 {
		t.Error("rebind must return the displaced session")
	}
}
