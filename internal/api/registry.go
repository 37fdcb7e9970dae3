// Package api dispatches back-office messages arriving over the inter-server
// router to registered handlers. Unlike stage traffic, API handlers have no
// per-entity serialization; each message runs on its own goroutine and the
// handler guards its own shared state.
package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/request"
	"github.com/playhive/playhive/internal/stage"
)

// Handler processes one API message. pkt is owned by the handler for the
// duration of the call; the dispatcher releases it afterwards.
type Handler func(ctx *Context, pkt *protocol.Packet)

// Context carries the origin of the current message and the reply path.
type Context struct {
	FromNid   string
	AccountID string
	StageID   int64
	MsgSeq    uint16

	replier stage.Replier
	comms   stage.Comms
}

// NewContext is used by the dispatcher; replier may be nil for one-way
// messages and comms may be nil when no router is attached.
func NewContext(fromNid, accountID string, stageID int64, msgSeq uint16, replier stage.Replier, comms stage.Comms) *Context {
	return &Context{
		FromNid:   fromNid,
		AccountID: accountID,
		StageID:   stageID,
		MsgSeq:    msgSeq,
		replier:   replier,
		comms:     comms,
	}
}

// Reply answers the current request with a success payload under the
// request's own msgId. No-op for one-way messages; at most one reply is
// delivered.
func (c *Context) Reply(payload []byte) {
	c.ReplyWith("", payload)
}

// ReplyWith answers the current request under an explicit msgId.
func (c *Context) ReplyWith(msgID string, payload []byte) {
	if c.replier == nil {
		return
	}
	r := c.replier
	c.replier = nil
	r(msgID, protocol.CodeSuccess, payload)
}

// ReplyError answers the current request with an error code.
func (c *Context) ReplyError(code uint16) {
	if c.replier == nil {
		return
	}
	r := c.replier
	c.replier = nil
	r("", code, nil)
}

// SendToStage fires a one-way message at a stage on a peer play server.
func (c *Context) SendToStage(nid string, stageID int64, msgID string, payload []byte) error {
	if c.comms == nil {
		return protocol.ErrConnectionFailed
	}
	return c.comms.SendToStage(nid, stageID, msgID, payload)
}

// RequestToStage issues a request to a stage on a peer play server. cb runs
// on an arbitrary goroutine.
func (c *Context) RequestToStage(nid string, stageID int64, msgID string, payload []byte, timeout time.Duration, cb request.Completer) error {
	if c.comms == nil {
		return protocol.ErrConnectionFailed
	}
	return c.comms.RequestToStage(nid, stageID, msgID, payload, timeout, cb)
}

// Registry maps API msgIds to handlers. Populated at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a msgId to a handler. Re-registering replaces the binding.
func (r *Registry) Register(msgID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgID] = h
}

// Lookup returns the handler for a msgId.
func (r *Registry) Lookup(msgID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[msgID]
	return h, ok
}

// Dispatch runs the handler for pkt inline, isolating panics: a panicking
// handler answers the request with CodeUncheckedContents instead of taking
// the process down. Returns false when no handler is registered.
func (r *Registry) Dispatch(ctx *Context, pkt *protocol.Packet) bool {
	h, ok := r.Lookup(pkt.MsgID)
	if !ok {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("api handler panic", "msgId", pkt.MsgID, "from", ctx.FromNid, "panic", rec)
			ctx.ReplyError(protocol.CodeUncheckedContents)
		}
	}()
	h(ctx, pkt)
	return true
}
