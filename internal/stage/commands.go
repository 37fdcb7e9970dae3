package stage

import (
	"log/slog"

	"github.com/playhive/playhive/internal/protocol"
)

// CreateReply reports the outcome of Create. created distinguishes a fresh
// stage from an existing one on the get-or-create path.
type CreateReply func(code uint16, created bool, payload []byte)

// JoinReply reports the outcome of Join. accountID is the identity the actor
// published during authentication; empty on failure.
type JoinReply func(code uint16, accountID string, payload []byte)

// Create runs the stage creation flow on the worker. With getOrCreate=false a
// second create replies StageAlreadyExists; with getOrCreate=true it replies
// success with created=false. pkt ownership passes to the stage.
func (s *Stage) Create(pkt *protocol.Packet, getOrCreate bool, reply CreateReply) {
	s.post(func() {
		defer pkt.Release()
		defer s.guardCommand("create", func() { reply(protocol.CodeStageCreationFailed, false, nil) })

		if s.created {
			if getOrCreate {
				reply(protocol.CodeSuccess, false, nil)
			} else {
				reply(protocol.CodeStageAlreadyExists, false, nil)
			}
			return
		}

		out, ok := s.guardedOnCreate(pkt)
		if !ok {
			reply(protocol.CodeStageCreationFailed, false, nil)
			s.dir.remove(s.id)
			return
		}
		s.created = true
		s.handler.OnPostCreate()
		reply(protocol.CodeSuccess, true, out)
	})
}

// guardedOnCreate isolates a panicking OnCreate so the failed stage is
// removed instead of wedged.
func (s *Stage) guardedOnCreate(pkt *protocol.Packet) (out []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("OnCreate panic", "stage", s.id, "type", s.stageType, "panic", r)
			out, ok = nil, false
		}
	}()
	return s.handler.OnCreate(pkt)
}

// guardCommand recovers a panic escaping a system-command body. Unlike a
// content dispatch panic, which only fails the one message, a broken command
// leaves the lifecycle in an unknown state: answer the origin, then tear the
// stage down. Must be deferred directly so recover sees the panic.
func (s *Stage) guardCommand(op string, fail func()) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("stage command panic, destroying stage",
		"stage", s.id, "type", s.stageType, "op", op, "panic", r)
	if fail != nil {
		fail()
	}
	s.teardown()
}

// Join runs the actor authentication and join flow on the worker: construct
// the actor, OnCreate → OnAuthenticate → OnPostAuthenticate →
// Stage.OnJoinStage → insert → OnPostJoinStage. Any failure destroys the
// actor and leaves the table untouched.
func (s *Stage) Join(sess SessionRef, pkt *protocol.Packet, reply JoinReply) {
	s.post(func() {
		defer pkt.Release()
		defer s.guardCommand("join", func() { reply(protocol.CodeInternalError, "", nil) })

		if !s.created {
			reply(protocol.CodeStageNotFound, "", nil)
			return
		}

		actor := &Actor{stage: s, session: sess, connected: sess != nil}
		actor.handler = s.actorFactory(actor)
		actor.handler.OnCreate()

		if !actor.handler.OnAuthenticate(pkt) {
			actor.handler.OnDestroy()
			reply(protocol.CodeAuthenticationFailed, "", nil)
			return
		}
		if actor.accountID == "" {
			// Contract violation: OnAuthenticate succeeded without
			// publishing an identity.
			actor.handler.OnDestroy()
			reply(protocol.CodeAccountIDNotSet, "", nil)
			return
		}
		actor.handler.OnPostAuthenticate()

		if !s.handler.OnJoinStage(actor) {
			actor.handler.OnDestroy()
			reply(protocol.CodeJoinStageFailed, "", nil)
			return
		}

		// A lingering actor for the same account (e.g. a dead session whose
		// disconnect cleanup has not run) is displaced by the new join.
		if old, ok := s.actors[actor.accountID]; ok {
			old.handler.OnDestroy()
		}
		s.actors[actor.accountID] = actor
		s.handler.OnPostJoinStage(actor)
		reply(protocol.CodeSuccess, actor.accountID, nil)
	})
}

// Leave removes the actor and invokes its OnDestroy.
func (s *Stage) Leave(accountID string, reply Replier) {
	s.post(func() {
		defer s.guardCommand("leave", func() { reply("", protocol.CodeInternalError, nil) })

		actor, ok := s.actors[accountID]
		if !ok {
			reply("", protocol.CodeActorNotFound, nil)
			return
		}
		delete(s.actors, accountID)
		actor.handler.OnDestroy()
		reply("", protocol.CodeSuccess, nil)
	})
}

// NotifyDisconnect tells the stage an actor's session died. The actor stays
// in the table; the handler decides timeout and cleanup.
func (s *Stage) NotifyDisconnect(accountID string) {
	s.post(func() {
		defer s.guardCommand("disconnect", nil)

		actor, ok := s.actors[accountID]
		if !ok {
			return
		}
		actor.connected = false
		s.handler.OnConnectionChanged(actor, false)
	})
}

// Reconnect rebinds the actor to a new session.
func (s *Stage) Reconnect(accountID string, sess SessionRef, reply Replier) {
	s.post(func() {
		defer s.guardCommand("reconnect", func() { reply("", protocol.CodeInternalError, nil) })

		actor, ok := s.actors[accountID]
		if !ok {
			reply("", protocol.CodeActorNotFound, nil)
			return
		}
		actor.rebind(sess)
		s.handler.OnConnectionChanged(actor, true)
		reply("", protocol.CodeSuccess, nil)
	})
}

// Destroy tears the stage down: cancels timers, stops the game loop,
// destroys every actor, and removes the stage from the directory. done may
// be nil.
func (s *Stage) Destroy(done func()) {
	s.post(func() {
		s.teardown()
		if done != nil {
			done()
		}
	})
}

// teardown runs the destroy sequence inline on the worker.
func (s *Stage) teardown() {
	for id, te := range s.timers {
		te.cancel()
		delete(s.timers, id)
	}
	if s.loop != nil {
		s.loop.stop()
		s.loop = nil
	}
	for id, actor := range s.actors {
		actor.handler.OnDestroy()
		delete(s.actors, id)
	}
	if s.created {
		s.handler.OnDestroy()
		s.created = false
	}
	s.dir.remove(s.id)
}

// PostClient delivers a client message to the actor's stage. For requests
// (seq > 0) replier answers; one-way messages with no matching actor are
// dropped with a log line.
func (s *Stage) PostClient(accountID string, pkt *protocol.Packet, seq uint16, replier Replier) {
	s.post(func() {
		defer pkt.Release()

		actor, ok := s.actors[accountID]
		if !ok {
			slog.Debug("client message for unknown actor", "stage", s.id, "account", accountID, "msgId", pkt.MsgID)
			if seq > 0 && replier != nil {
				replier("", protocol.CodeActorNotFound, nil)
			}
			return
		}
		s.curSeq = seq
		if seq > 0 {
			s.curReplier = replier
		}
		s.handler.OnDispatch(actor, pkt)
		s.curReplier = nil
		s.curSeq = 0
	})
}

// PostServer delivers a peer-server message addressed to the stage only.
func (s *Stage) PostServer(pkt *protocol.Packet, seq uint16, replier Replier) {
	s.post(func() {
		defer pkt.Release()

		s.curSeq = seq
		if seq > 0 {
			s.curReplier = replier
		}
		s.handler.OnServerDispatch(pkt)
		s.curReplier = nil
		s.curSeq = 0
	})
}
