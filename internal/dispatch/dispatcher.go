// Package dispatch glues the transport layers together: it is the session
// frame handler on the client side, the router handler on the server side,
// and the Comms implementation stages use to reach peers. All routing
// decisions (which stage, which tracker, which reply path) live here.
package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/playhive/playhive/internal/api"
	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/request"
	"github.com/playhive/playhive/internal/router"
	"github.com/playhive/playhive/internal/session"
	"github.com/playhive/playhive/internal/stage"
)

// Config tunes the dispatcher.
type Config struct {
	// DefaultStageType is used when a client authenticates into a stage id
	// that does not exist yet.
	DefaultStageType string
	// RequestTimeout applies to inter-server requests issued with timeout<=0.
	RequestTimeout time.Duration
}

const DefaultRequestTimeout = 30 * time.Second

// Dispatcher routes frames and envelopes to stages, API handlers, and the
// server-scope request tracker.
type Dispatcher struct {
	cfg      Config
	stages   *stage.Directory
	sessions *session.Manager
	apiReg   *api.Registry
	tracker  *request.Tracker
	rt       *router.Router
	log      *slog.Logger
}

// New creates a dispatcher and wires it as the stage directory's Comms. The
// router is attached separately because it needs the dispatcher as its
// inbound handler.
func New(cfg Config, stages *stage.Directory, sessions *session.Manager, apiReg *api.Registry) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	d := &Dispatcher{
		cfg:      cfg,
		stages:   stages,
		sessions: sessions,
		apiReg:   apiReg,
		tracker:  request.NewTracker(),
		log:      slog.With("comp", "dispatch"),
	}
	stages.SetComms(d)
	return d
}

// AttachRouter wires the inter-server router. Without one, peer sends fail.
func (d *Dispatcher) AttachRouter(rt *router.Router) { d.rt = rt }

// Tracker exposes the server-scope request tracker, mainly so callers can
// hook OnLateReply and drain it on shutdown.
func (d *Dispatcher) Tracker() *request.Tracker { return d.tracker }

// --- session.Handler ---

// OnFrame handles one decoded client frame. The session has already absorbed
// heartbeats and enforced the pre-auth gate, so everything arriving here is
// either the authenticate message or authenticated traffic.
func (d *Dispatcher) OnFrame(s *session.Session, f *protocol.Frame) {
	if !s.IsAuthenticated() {
		d.authenticate(s, f)
		return
	}

	stageID := f.StageID
	if stageID == 0 {
		stageID = s.StageID()
	}
	st, ok := d.stages.Get(stageID)
	if !ok {
		d.log.Debug("frame for missing stage", "session", s.ID(), "stage", stageID, "msgId", f.MsgID)
		if f.MsgSeq > 0 {
			_ = s.Respond(f.MsgSeq, f.MsgID, stageID, protocol.CodeStageNotFound, nil)
		}
		return
	}

	// Stage-bound payloads ride the session's buffer pool; the stage
	// releases the packet after dispatch.
	pkt := protocol.NewPooledPacket(f.MsgID, f.Payload, s.Pool())
	st.PostClient(s.AccountID(), pkt, f.MsgSeq, d.clientReplier(s, f.MsgSeq, f.MsgID, stageID))
}

// authenticate drives the join flow: ensure the stage exists (get-or-create
// with the configured default type), then run the actor authentication on the
// stage worker. The same auth payload feeds both OnCreate and OnAuthenticate.
func (d *Dispatcher) authenticate(s *session.Session, f *protocol.Frame) {
	stageID := f.StageID
	st, _, err := d.stages.GetOrCreate(stageID, d.cfg.DefaultStageType)
	if err != nil {
		d.log.Warn("authentication failed to resolve stage", "session", s.ID(), "stage", stageID, "error", err)
		_ = s.Respond(f.MsgSeq, f.MsgID, stageID, protocol.CodeStageCreationFailed, nil)
		return
	}
	// Idempotent create queued ahead of the join, so even a session that lost
	// the creation race joins a stage whose OnCreate has run.
	st.Create(protocol.NewPacket(f.MsgID, f.Payload), true, func(code uint16, fresh bool, _ []byte) {
		if code != protocol.CodeSuccess {
			d.log.Warn("implicit stage creation failed", "stage", stageID, "code", code)
		}
	})

	// The create packet above shares this payload; the join item runs after
	// it on the same mailbox, so releasing the pooled buffer there is safe.
	pkt := protocol.NewPooledPacket(f.MsgID, f.Payload, s.Pool())
	msgSeq, msgID := f.MsgSeq, f.MsgID
	st.Join(s, pkt, func(code uint16, accountID string, payload []byte) {
		if code != protocol.CodeSuccess {
			_ = s.Respond(msgSeq, msgID, stageID, code, payload)
			s.Disconnect(fmt.Errorf("%w: code %d", protocol.ErrAuthenticationFailed, code))
			return
		}
		s.SetAuthenticated(accountID, stageID)
		if old := d.sessions.BindAccount(accountID, s); old != nil {
			d.log.Info("displacing older session for account", "account", accountID, "old", old.ID(), "new", s.ID())
			old.Disconnect(protocol.ErrConnectionClosed)
		}
		_ = s.Respond(msgSeq, msgID, stageID, protocol.CodeSuccess, payload)
	})
}

// OnDisconnect reports the dead session to its stage and drops it from the
// manager. The actor survives; the stage handler owns reconnect policy.
func (d *Dispatcher) OnDisconnect(s *session.Session, reason error) {
	d.sessions.Unregister(s)
	if !s.IsAuthenticated() {
		return
	}
	if st, ok := d.stages.Get(s.StageID()); ok {
		st.NotifyDisconnect(s.AccountID())
	}
}

func (d *Dispatcher) clientReplier(s *session.Session, msgSeq uint16, msgID string, stageID int64) stage.Replier {
	if msgSeq == 0 {
		return nil
	}
	return func(replyMsgID string, code uint16, payload []byte) {
		if replyMsgID == "" {
			replyMsgID = msgID
		}
		if err := s.Respond(msgSeq, replyMsgID, stageID, code, payload); err != nil {
			d.log.Debug("reply to closed session dropped", "session", s.ID(), "msgId", replyMsgID, "error", err)
		}
	}
}

// --- router.Handler ---

// OnRoute handles one inbound inter-server envelope: replies resolve the
// server-scope tracker, play traffic goes to the addressed stage, API traffic
// runs on its own goroutine.
func (d *Dispatcher) OnRoute(env *router.Envelope) {
	h := env.Header

	if h.IsReply {
		pkt := protocol.NewPacket(h.MsgID, env.Payload).WithError(h.ErrorCode)
		if !d.tracker.Complete(h.MsgSeq, h.FromNid, pkt) {
			d.log.Debug("late inter-server reply dropped", "seq", h.MsgSeq, "from", h.FromNid, "msgId", h.MsgID)
		}
		return
	}

	switch h.ServiceType {
	case router.ServicePlay:
		d.routeToStage(env)
	case router.ServiceAPI:
		go d.routeToAPI(env)
	default:
		d.log.Warn("envelope for unknown service dropped", "service", h.ServiceType, "msgId", h.MsgID, "from", h.FromNid)
	}
}

func (d *Dispatcher) routeToStage(env *router.Envelope) {
	h := env.Header
	st, ok := d.stages.Get(h.StageID)
	if !ok {
		d.log.Debug("server message for missing stage", "stage", h.StageID, "msgId", h.MsgID, "from", h.FromNid)
		if h.MsgSeq > 0 {
			d.replyToPeer(env, "", protocol.CodeStageNotFound, nil)
		}
		return
	}
	pkt := protocol.NewPacket(h.MsgID, env.Payload)
	st.PostServer(pkt, h.MsgSeq, d.peerReplier(env))
}

func (d *Dispatcher) routeToAPI(env *router.Envelope) {
	h := env.Header
	ctx := api.NewContext(h.FromNid, h.AccountID, h.StageID, h.MsgSeq, d.peerReplier(env), d)
	pkt := protocol.NewPacket(h.MsgID, env.Payload)
	if !d.apiReg.Dispatch(ctx, pkt) {
		d.log.Warn("no api handler registered", "msgId", h.MsgID, "from", h.FromNid)
		if h.MsgSeq > 0 {
			d.replyToPeer(env, "", protocol.CodeInternalError, nil)
		}
	}
}

func (d *Dispatcher) peerReplier(env *router.Envelope) stage.Replier {
	if env.Header.MsgSeq == 0 {
		return nil
	}
	return func(msgID string, code uint16, payload []byte) {
		d.replyToPeer(env, msgID, code, payload)
	}
}

func (d *Dispatcher) replyToPeer(env *router.Envelope, msgID string, code uint16, payload []byte) {
	if d.rt == nil {
		return
	}
	h := env.Header
	if msgID == "" {
		msgID = h.MsgID
	}
	err := d.rt.Send(h.FromNid, &router.Envelope{
		Header: router.RouteHeader{
			MsgSeq:      h.MsgSeq,
			ServiceType: h.ServiceType,
			MsgID:       msgID,
			StageID:     h.StageID,
			AccountID:   h.AccountID,
			IsReply:     true,
			ErrorCode:   code,
		},
		Payload: payload,
	})
	if err != nil {
		d.log.Warn("inter-server reply dropped", "to", h.FromNid, "seq", h.MsgSeq, "error", err)
	}
}

// --- stage.Comms ---

// SendToStage fires a one-way message at a stage on a peer server.
func (d *Dispatcher) SendToStage(nid string, stageID int64, msgID string, payload []byte) error {
	if d.rt == nil {
		return fmt.Errorf("send to %s: no router attached", nid)
	}
	return d.rt.Send(nid, &router.Envelope{
		Header:  router.RouteHeader{ServiceType: router.ServicePlay, MsgID: msgID, StageID: stageID},
		Payload: payload,
	})
}

// RequestToStage issues a tracked request to a stage on a peer server.
func (d *Dispatcher) RequestToStage(nid string, stageID int64, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error {
	return d.requestPeer(nid, router.ServicePlay, stageID, msgID, payload, timeout, cb)
}

// SendToAPI fires a one-way message at a peer API service.
func (d *Dispatcher) SendToAPI(nid string, msgID string, payload []byte) error {
	if d.rt == nil {
		return fmt.Errorf("send to %s: no router attached", nid)
	}
	return d.rt.Send(nid, &router.Envelope{
		Header:  router.RouteHeader{ServiceType: router.ServiceAPI, MsgID: msgID},
		Payload: payload,
	})
}

// RequestToAPI issues a tracked request to a peer API service.
func (d *Dispatcher) RequestToAPI(nid string, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error {
	return d.requestPeer(nid, router.ServiceAPI, 0, msgID, payload, timeout, cb)
}

func (d *Dispatcher) requestPeer(nid string, service uint16, stageID int64, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error {
	if d.rt == nil {
		return fmt.Errorf("request to %s: no router attached", nid)
	}
	if timeout <= 0 {
		timeout = d.cfg.RequestTimeout
	}
	seq := d.tracker.NextSeq()
	if err := d.tracker.Track(seq, nid, timeout, cb); err != nil {
		return err
	}
	err := d.rt.Send(nid, &router.Envelope{
		Header:  router.RouteHeader{MsgSeq: seq, ServiceType: service, MsgID: msgID, StageID: stageID},
		Payload: payload,
	})
	if err != nil {
		// The caller gets the error synchronously; the completer must not
		// also fire for a request that never left.
		d.tracker.Cancel(seq)
		return err
	}
	return nil
}
