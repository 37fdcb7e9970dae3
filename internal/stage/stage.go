// Package stage implements the per-room serialized event loop, the Actor
// lifecycle, timers, the fixed-timestep game loop, and the per-process stage
// directory. Every message, timer fire, and async result destined for one
// Stage is delivered in a single-goroutine order through its queue.
package stage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/request"
)

// Handler is the user-supplied stage type. All callbacks run on the stage
// worker; they see no concurrency from other messages on the same stage.
type Handler interface {
	// OnCreate initializes the stage from the create payload. The returned
	// bytes become the payload of the create reply.
	OnCreate(pkt *protocol.Packet) ([]byte, bool)
	OnPostCreate()
	OnDestroy()
	// OnJoinStage decides whether an authenticated actor may join.
	OnJoinStage(actor *Actor) bool
	OnPostJoinStage(actor *Actor)
	// OnConnectionChanged reports a disconnect (connected=false) or a
	// reconnect of the actor's session. The actor stays in the table; the
	// handler decides cleanup via its own timer.
	OnConnectionChanged(actor *Actor, connected bool)
	// OnDispatch handles a message from a joined client.
	OnDispatch(actor *Actor, pkt *protocol.Packet)
	// OnServerDispatch handles a message from a peer server addressed to the
	// stage only.
	OnServerDispatch(pkt *protocol.Packet)
}

// ActorHandler is the user-supplied per-user type inside a stage.
type ActorHandler interface {
	OnCreate()
	// OnAuthenticate validates the join payload. On success the handler must
	// publish a non-empty accountId via Actor.SetAccountID.
	OnAuthenticate(pkt *protocol.Packet) bool
	OnPostAuthenticate()
	OnDestroy()
}

// HandlerFactory builds the user stage object for a fresh Stage.
type HandlerFactory func(s *Stage) Handler

// ActorFactory builds the user actor object for a joining session.
type ActorFactory func(a *Actor) ActorHandler

// Replier delivers the outcome of a system command or request back to its
// origin (a client session or a peer server). Called at most once. An empty
// msgID means "answer under the request's own msgId".
type Replier func(msgID string, errCode uint16, payload []byte)

// Comms lets stage code talk to peers without blocking the worker. Request
// completions are posted back onto the issuing stage's queue.
type Comms interface {
	SendToStage(nid string, stageID int64, msgID string, payload []byte) error
	RequestToStage(nid string, stageID int64, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error
	SendToAPI(nid string, msgID string, payload []byte) error
	RequestToAPI(nid string, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error
}

// DefaultDispatchBurst is the number of queue items a worker processes before
// yielding to the scheduler so other stages on shared threads are not starved.
const DefaultDispatchBurst = 256

// Stage owns one room: its user state, actor table, timers, game loop, and
// the FIFO mailbox that serializes everything. At most one worker goroutine
// executes inside a given Stage at any instant.
type Stage struct {
	id        int64
	stageType string
	dir       *Directory
	comms     Comms

	handler      Handler
	actorFactory ActorFactory

	actors  map[string]*Actor
	timers  map[int64]*timerEntry
	loop    *gameLoop
	created bool

	// Mailbox. mu guards queue and running only.
	mailbox mailbox
	burst   int

	// Current-request header, valid only while a request item is executing
	// on the worker. Reply consults it.
	curReplier Replier
	curSeq     uint16
}

// newStage is called by the Directory with the directory lock held; it must
// not invoke user code.
func newStage(id int64, stageType string, dir *Directory, comms Comms, hf HandlerFactory, af ActorFactory, burst int) *Stage {
	if burst <= 0 {
		burst = DefaultDispatchBurst
	}
	s := &Stage{
		id:           id,
		stageType:    stageType,
		dir:          dir,
		comms:        comms,
		actorFactory: af,
		actors:       make(map[string]*Actor),
		timers:       make(map[int64]*timerEntry),
		burst:        burst,
	}
	s.handler = hf(s)
	return s
}

// ID returns the stage id.
func (s *Stage) ID() int64 { return s.id }

// StageType returns the type name the stage was created with.
func (s *Stage) StageType() string { return s.stageType }

// Created reports whether OnCreate has completed. Only meaningful on the
// stage worker.
func (s *Stage) Created() bool { return s.created }

// ActorCount returns the size of the actor table. Only meaningful on the
// stage worker; exposed for handlers and tests.
func (s *Stage) ActorCount() int { return len(s.actors) }

// Actor looks up a joined actor by accountId. Worker-only.
func (s *Stage) Actor(accountID string) (*Actor, bool) {
	a, ok := s.actors[accountID]
	return a, ok
}

// ForEachActor iterates the actor table. Worker-only.
func (s *Stage) ForEachActor(fn func(*Actor)) {
	for _, a := range s.actors {
		fn(a)
	}
}

// SendToAll pushes one encoded message to every actor with a live session.
func (s *Stage) SendToAll(msgID string, payload []byte) {
	for _, a := range s.actors {
		if err := a.Send(msgID, payload); err != nil {
			slog.Debug("stage broadcast skip", "stage", s.id, "account", a.AccountID(), "error", err)
		}
	}
}

// Reply answers the request currently being dispatched under the request's
// own msgId. It is a no-op for one-way messages. Worker-only.
func (s *Stage) Reply(payload []byte) {
	s.ReplyWith("", payload)
}

// ReplyWith answers the current request under an explicit msgId, e.g. a
// request "Echo" answered as "EchoReply". Worker-only.
func (s *Stage) ReplyWith(msgID string, payload []byte) {
	if s.curReplier == nil {
		return
	}
	r := s.curReplier
	s.curReplier = nil
	r(msgID, protocol.CodeSuccess, payload)
}

// ReplyError answers the current request with an error code. Worker-only.
func (s *Stage) ReplyError(code uint16) {
	if s.curReplier == nil {
		return
	}
	r := s.curReplier
	s.curReplier = nil
	r("", code, nil)
}

// CurrentSeq returns the msgSeq of the request being dispatched, 0 for
// one-way messages. Worker-only.
func (s *Stage) CurrentSeq() uint16 { return s.curSeq }

// SendToStage fires a one-way message at a peer stage.
func (s *Stage) SendToStage(nid string, stageID int64, msgID string, payload []byte) error {
	if s.comms == nil {
		return fmt.Errorf("stage %d: no inter-server comms configured", s.id)
	}
	return s.comms.SendToStage(nid, stageID, msgID, payload)
}

// RequestToStage issues a non-blocking request to a peer stage. cb runs on
// this stage's worker as an async-result item.
func (s *Stage) RequestToStage(nid string, stageID int64, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error {
	if s.comms == nil {
		return fmt.Errorf("stage %d: no inter-server comms configured", s.id)
	}
	return s.comms.RequestToStage(nid, stageID, msgID, payload, timeout, func(pkt *protocol.Packet, err error) {
		s.post(func() { cb(pkt, err) })
	})
}

// SendToAPI fires a one-way message at a back-office API service.
func (s *Stage) SendToAPI(nid string, msgID string, payload []byte) error {
	if s.comms == nil {
		return fmt.Errorf("stage %d: no inter-server comms configured", s.id)
	}
	return s.comms.SendToAPI(nid, msgID, payload)
}

// RequestToAPI issues a non-blocking request to an API service. cb runs on
// this stage's worker.
func (s *Stage) RequestToAPI(nid string, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error {
	if s.comms == nil {
		return fmt.Errorf("stage %d: no inter-server comms configured", s.id)
	}
	return s.comms.RequestToAPI(nid, msgID, payload, timeout, func(pkt *protocol.Packet, err error) {
		s.post(func() { cb(pkt, err) })
	})
}

// Post schedules fn on the stage worker behind everything already queued.
// Safe from any goroutine, including reentrantly from the worker itself.
func (s *Stage) Post(fn func()) { s.post(fn) }
