package router

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/playhive/playhive/internal/protocol"
)

// Handler consumes envelopes delivered to this server.
type Handler interface {
	OnRoute(env *Envelope)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(env *Envelope)

func (f HandlerFunc) OnRoute(env *Envelope) { f(env) }

// Config tunes the router.
type Config struct {
	// OutboundQueueSize bounds the per-peer send queue. When the queue is
	// full Send fails synchronously with ErrBackpressure.
	OutboundQueueSize int
	// DialTimeout bounds connection establishment to a peer.
	DialTimeout time.Duration
}

const (
	DefaultOutboundQueueSize = 65536
	DefaultDialTimeout       = 5 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.OutboundQueueSize <= 0 {
		out.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	return out
}

// Router moves envelopes between servers. It is symmetric: every server both
// listens for inbound peers and dials outbound ones, so two servers exchanging
// traffic hold two independent links (one per sender). Each link is a single
// TCP connection carrying one yamux stream of length-prefixed envelopes.
type Router struct {
	localNID string
	cfg      Config
	dir      *ServerDirectory
	handler  Handler
	log      *slog.Logger

	mu       sync.Mutex
	peers    map[string]*peerLink
	inbound  map[*yamux.Session]struct{}
	ln       net.Listener
	closed   bool
	closedCh chan struct{}

	wg sync.WaitGroup
}

// New creates a router for the local server identity.
func New(localNID string, dir *ServerDirectory, handler Handler, cfg Config) *Router {
	return &Router{
		localNID: localNID,
		cfg:      cfg.withDefaults(),
		dir:      dir,
		handler:  handler,
		log:      slog.With("comp", "router", "nid", localNID),
		peers:    make(map[string]*peerLink),
		inbound:  make(map[*yamux.Session]struct{}),
		closedCh: make(chan struct{}),
	}
}

// LocalNID returns this server's node identity.
func (r *Router) LocalNID() string { return r.localNID }

// Directory returns the router's server directory view.
func (r *Router) Directory() *ServerDirectory { return r.dir }

// Listen binds the inter-server port and starts accepting peer connections
// until ctx is cancelled or Close is called.
func (r *Router) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("router listen on %s: %w", addr, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return protocol.ErrConnectionClosed
	}
	r.ln = ln
	r.mu.Unlock()

	r.log.Info("router listening", "addr", ln.Addr().String())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
		case <-r.closedCh:
		}
		_ = ln.Close()
	}()

	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *Router) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Error("router accept failed", "error", err)
			}
			return
		}
		r.wg.Add(1)
		go r.serveInbound(conn)
	}
}

func (r *Router) serveInbound(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	mux, err := yamux.Server(conn, yamuxConfig())
	if err != nil {
		r.log.Error("yamux handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer mux.Close()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.inbound[mux] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inbound, mux)
		r.mu.Unlock()
	}()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.readStream(stream)
		}()
	}
}

// readStream delivers inbound envelopes to the handler until the stream ends.
func (r *Router) readStream(stream net.Conn) {
	defer stream.Close()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size == 0 || size > maxEnvelopeSize {
			r.log.Error("bad envelope size, dropping stream", "size", size)
			return
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(stream, body); err != nil {
			return
		}
		env, err := UnmarshalEnvelope(body)
		if err != nil {
			r.log.Error("bad envelope, dropping stream", "error", err)
			return
		}
		if env.Header.FromNid != "" {
			r.dir.Touch(env.Header.FromNid)
		}
		r.handler.OnRoute(env)
	}
}

// Send queues one envelope toward a peer. The envelope's FromNid is stamped
// with the local identity. Fails synchronously with ErrBackpressure when the
// peer's outbound queue is full; the caller owns the failure.
func (r *Router) Send(toNid string, env *Envelope) error {
	env.Header.FromNid = r.localNID

	link, err := r.link(toNid)
	if err != nil {
		return err
	}
	select {
	case <-link.done:
		return protocol.ErrConnectionClosed
	case link.out <- env:
		return nil
	default:
		return fmt.Errorf("outbound queue to %s full (%d): %w",
			toNid, r.cfg.OutboundQueueSize, protocol.ErrBackpressure)
	}
}

// link returns the live link to a peer, dialing one if needed.
func (r *Router) link(nid string) (*peerLink, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, protocol.ErrConnectionClosed
	}
	if l, ok := r.peers[nid]; ok {
		r.mu.Unlock()
		return l, nil
	}
	r.mu.Unlock()

	endpoint, err := r.dir.Resolve(nid)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", endpoint, r.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w: %w", nid, endpoint, protocol.ErrConnectionFailed, err)
	}
	mux, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("yamux to %s: %w", nid, err)
	}
	stream, err := mux.OpenStream()
	if err != nil {
		_ = mux.Close()
		return nil, fmt.Errorf("open stream to %s: %w", nid, err)
	}

	l := &peerLink{
		nid:    nid,
		mux:    mux,
		stream: stream,
		out:    make(chan *Envelope, r.cfg.OutboundQueueSize),
		done:   make(chan struct{}),
		router: r,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = mux.Close()
		return nil, protocol.ErrConnectionClosed
	}
	if existing, ok := r.peers[nid]; ok {
		// Lost the dial race; use the winner.
		r.mu.Unlock()
		_ = mux.Close()
		return existing, nil
	}
	r.peers[nid] = l
	r.mu.Unlock()

	r.log.Info("peer link established", "peer", nid, "endpoint", endpoint)
	r.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// dropLink forgets a dead link so the next Send redials.
func (r *Router) dropLink(l *peerLink) {
	r.mu.Lock()
	if r.peers[l.nid] == l {
		delete(r.peers, l.nid)
	}
	r.mu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
	_ = l.mux.Close()
}

// Close stops the listener and tears down all peer links.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closedCh)
	ln := r.ln
	links := make([]*peerLink, 0, len(r.peers))
	for _, l := range r.peers {
		links = append(links, l)
	}
	r.peers = make(map[string]*peerLink)
	inbound := make([]*yamux.Session, 0, len(r.inbound))
	for mux := range r.inbound {
		inbound = append(inbound, mux)
	}
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, mux := range inbound {
		_ = mux.Close()
	}
	for _, l := range links {
		l.closeOnce.Do(func() { close(l.done) })
		_ = l.mux.Close()
	}
	r.wg.Wait()
	return nil
}

// peerLink is one outbound connection to a peer with a bounded send queue.
type peerLink struct {
	nid       string
	mux       *yamux.Session
	stream    net.Conn
	out       chan *Envelope
	done      chan struct{}
	closeOnce sync.Once
	router    *Router
}

func (l *peerLink) writeLoop() {
	defer l.router.wg.Done()
	defer l.router.dropLink(l)

	var lenBuf [4]byte
	for {
		select {
		case <-l.done:
			return
		case env := <-l.out:
			body, err := env.Marshal()
			if err != nil {
				l.router.log.Error("envelope marshal failed", "peer", l.nid, "msgId", env.Header.MsgID, "error", err)
				continue
			}
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
			if _, err := l.stream.Write(lenBuf[:]); err != nil {
				l.router.log.Warn("peer link lost", "peer", l.nid, "error", err)
				return
			}
			if _, err := l.stream.Write(body); err != nil {
				l.router.log.Warn("peer link lost", "peer", l.nid, "error", err)
				return
			}
		}
	}
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}
