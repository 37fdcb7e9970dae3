package stage

import (
	"sync"

	"github.com/playhive/playhive/internal/protocol"
)

// stubHandler is a configurable stage handler for tests. Unset callbacks
// default to permissive no-ops.
type stubHandler struct {
	stage *Stage

	onCreate         func(pkt *protocol.Packet) ([]byte, bool)
	onPostCreate     func()
	onDestroy        func()
	onJoinStage      func(a *Actor) bool
	onPostJoinStage  func(a *Actor)
	onConnChanged    func(a *Actor, connected bool)
	onDispatch       func(a *Actor, pkt *protocol.Packet)
	onServerDispatch func(pkt *protocol.Packet)
}

func (h *stubHandler) OnCreate(pkt *protocol.Packet) ([]byte, bool) {
	if h.onCreate != nil {
		return h.onCreate(pkt)
	}
	return nil, true
}

func (h *stubHandler) OnPostCreate() {
	if h.onPostCreate != nil {
		h.onPostCreate()
	}
}

func (h *stubHandler) OnDestroy() {
	if h.onDestroy != nil {
		h.onDestroy()
	}
}

func (h *stubHandler) OnJoinStage(a *Actor) bool {
	if h.onJoinStage != nil {
		return h.onJoinStage(a)
	}
	return true
}

func (h *stubHandler) OnPostJoinStage(a *Actor) {
	if h.onPostJoinStage != nil {
		h.onPostJoinStage(a)
	}
}

func (h *stubHandler) OnConnectionChanged(a *Actor, connected bool) {
	if h.onConnChanged != nil {
		h.onConnChanged(a, connected)
	}
}

func (h *stubHandler) OnDispatch(a *Actor, pkt *protocol.Packet) {
	if h.onDispatch != nil {
		h.onDispatch(a, pkt)
	}
}

func (h *stubHandler) OnServerDispatch(pkt *protocol.Packet) {
	if h.onServerDispatch != nil {
		h.onServerDispatch(pkt)
	}
}

// stubActor is a configurable actor handler. By default it authenticates
// successfully and publishes the accountId carried in the join payload.
type stubActor struct {
	actor *Actor

	onCreate       func()
	onAuthenticate func(pkt *protocol.Packet) bool
	onPostAuth     func()
	onDestroy      func()
}

func (a *stubActor) OnCreate() {
	if a.onCreate != nil {
		a.onCreate()
	}
}

func (a *stubActor) OnAuthenticate(pkt *protocol.Packet) bool {
	if a.onAuthenticate != nil {
		return a.onAuthenticate(pkt)
	}
	a.actor.SetAccountID(string(pkt.Payload))
	return true
}

func (a *stubActor) OnPostAuthenticate() {
	if a.onPostAuth != nil {
		a.onPostAuth()
	}
}

func (a *stubActor) OnDestroy() {
	if a.onDestroy != nil {
		a.onDestroy()
	}
}

// stubSession records frames pushed to it.
type stubSession struct {
	id uint64

	mu     sync.Mutex
	pushed []*protocol.Frame
}

func (s *stubSession) ID() uint64 { return s.id }

func (s *stubSession) Push(msgID string, stageID int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, &protocol.Frame{MsgID: msgID, StageID: stageID, Payload: payload})
	return nil
}

func (s *stubSession) Respond(msgSeq uint16, msgID string, stageID int64, errCode uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, &protocol.Frame{MsgID: msgID, MsgSeq: msgSeq, StageID: stageID, ErrorCode: errCode, Payload: payload})
	return nil
}

func (s *stubSession) frames() []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Frame(nil), s.pushed...)
}

// newTestStage builds a directory with one registered type and returns a
// created stage plus the handler stub for callback wiring. customize runs
// before the create command is posted.
func newTestStage(id int64, customize func(h *stubHandler)) (*Directory, *Stage, *stubHandler) {
	var handler *stubHandler
	reg := NewRegistry()
	reg.Register("test", StageType{
		Handler: func(s *Stage) Handler {
			handler = &stubHandler{stage: s}
			if customize != nil {
				customize(handler)
			}
			return handler
		},
		Actor: func(a *Actor) ActorHandler {
			return &stubActor{actor: a}
		},
	})

	dir := NewDirectory(reg, 0)
	s, _, err := dir.GetOrCreate(id, "test")
	if err != nil {
		panic(err)
	}

	done := make(chan struct{})
	s.Create(protocol.NewPacket("CreateStage", nil), false, func(code uint16, created bool, payload []byte) {
		close(done)
	})
	<-done
	return dir, s, handler
}

// await runs an empty item through the stage queue, so everything posted
// before it has completed once it returns.
func await(s *Stage) {
	done := make(chan struct{})
	s.Post(func() { close(done) })
	<-done
}
