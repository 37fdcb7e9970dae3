// Package server assembles one play server process: client listeners (TCP
// and WebSocket), the session layer, the stage directory, the inter-server
// router, and the admin endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/playhive/playhive/internal/api"
	"github.com/playhive/playhive/internal/buffer"
	"github.com/playhive/playhive/internal/config"
	"github.com/playhive/playhive/internal/dispatch"
	"github.com/playhive/playhive/internal/metrics"
	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/router"
	"github.com/playhive/playhive/internal/session"
	"github.com/playhive/playhive/internal/stage"
)

// Server is one play server process.
type Server struct {
	cfg      config.PlayServer
	stages   *stage.Directory
	sessions *session.Manager
	disp     *dispatch.Dispatcher
	rt       *router.Router
	met      *metrics.Metrics
	pool     *buffer.BytePool

	mu sync.Mutex
	ln net.Listener
}

// New wires a server from its config and the application's registered stage
// types and API handlers.
func New(cfg config.PlayServer, reg *stage.Registry, apiReg *api.Registry) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	sessions := session.NewManager()
	stages := stage.NewDirectory(reg, cfg.StageDispatchBurst)
	stages.SetGameLoopMaxAccumulator(cfg.GameLoopMaxAccumulator())
	disp := dispatch.New(dispatch.Config{
		DefaultStageType: cfg.DefaultStageType,
		RequestTimeout:   cfg.RequestTimeout(),
	}, stages, sessions, apiReg)

	s := &Server{
		cfg:      cfg,
		stages:   stages,
		sessions: sessions,
		disp:     disp,
		pool:     buffer.NewBytePool(64 << 10),
	}
	s.met = metrics.New(func() float64 { return float64(disp.Tracker().Pending()) })
	disp.Tracker().OnLateReply = func(uint16) { s.met.LateReplies.Inc() }
	return s, nil
}

// Stages exposes the stage directory, mainly for app code and tests.
func (s *Server) Stages() *stage.Directory { return s.stages }

// Sessions exposes the session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Dispatcher exposes the dispatcher, the Comms endpoint for peer traffic.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.disp }

// Addr returns the TCP listen address, nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run starts every configured listener and blocks until ctx is cancelled,
// then tears down sessions and stages.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.RouterPort > 0 {
		dir := router.NewServerDirectory()
		for _, p := range s.cfg.Peers {
			dir.Upsert(p.NID, p.Endpoint, router.ServerRunning)
		}
		s.rt = router.New(s.cfg.NID, dir, s.disp, router.Config{
			OutboundQueueSize: s.cfg.RouterQueueSize,
		})
		addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.RouterPort)
		if err := s.rt.Listen(ctx, addr); err != nil {
			return err
		}
		s.disp.AttachRouter(s.rt)
	}

	if s.cfg.TCPPort > 0 {
		addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.TCPPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
		g.Go(func() error { return s.acceptLoop(ctx, ln) })
	}

	if s.cfg.WebSocketPort > 0 {
		g.Go(func() error { return s.serveWebSocket(ctx) })
	}
	if s.cfg.AdminPort > 0 {
		g.Go(func() error { return s.serveAdmin(ctx) })
	}
	g.Go(func() error {
		s.gaugeLoop(ctx)
		return nil
	})

	slog.Info("play server started",
		"nid", s.cfg.NID, "tcp", s.cfg.TCPPort, "ws", s.cfg.WebSocketPort, "router", s.cfg.RouterPort)

	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("failed to accept new connection", "error", err)
			continue
		}

		// TCP keepalive catches dead connections below the heartbeat layer.
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetKeepAlive(true); err != nil {
				slog.Warn("set keepalive failed", "error", err)
			}
			if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
				slog.Warn("set keepalive period failed", "error", err)
			}
		}

		s.startSession(session.NewTCPTransport(conn))
	}
}

func (s *Server) startSession(tr session.Transport) {
	sess := session.New(s.sessions.NextID(), tr, session.Config{
		AuthenticateMsgID: s.cfg.AuthenticateMsgID,
		HeartbeatInterval: s.cfg.HeartbeatInterval(),
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout(),
		MaxMessageSize:    s.cfg.MaxMessageSize,
		SendQueueSize:     s.cfg.SendQueueSize,
	}, &countingHandler{inner: s.disp, met: s.met}, s.pool)
	s.sessions.Register(sess)

	slog.Debug("client connected", "session", sess.ID(), "remote", sess.RemoteAddr())
	go func() {
		_ = sess.Run()
	}()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// Origin policy is the application's concern; the framework accepts all.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) serveWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.startSession(session.NewWSTransport(conn))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.WebSocketPort),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("websocket listener started", "addr", srv.Addr, "path", s.cfg.WebSocketPath)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveAdmin(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.met.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.AdminPort),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("admin endpoint started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.met.SessionsActive.Set(float64(s.sessions.Count()))
			s.met.StagesActive.Set(float64(s.stages.Count()))
		}
	}
}

func (s *Server) shutdown() {
	slog.Info("play server shutting down", "sessions", s.sessions.Count(), "stages", s.stages.Count())
	s.sessions.ForEach(func(sess *session.Session) {
		sess.Disconnect(protocol.ErrConnectionClosed)
	})
	s.stages.DestroyAll()
	s.disp.Tracker().CancelAll(protocol.ErrConnectionClosed)
	if s.rt != nil {
		_ = s.rt.Close()
	}
}

// countingHandler wraps the dispatcher to feed frame metrics.
type countingHandler struct {
	inner session.Handler
	met   *metrics.Metrics
}

func (h *countingHandler) OnFrame(sess *session.Session, f *protocol.Frame) {
	h.met.FramesReceived.Inc()
	h.inner.OnFrame(sess, f)
}

func (h *countingHandler) OnDisconnect(sess *session.Session, reason error) {
	if errors.Is(reason, protocol.ErrBackpressure) {
		h.met.BackpressureHits.Inc()
	}
	h.inner.OnDisconnect(sess, reason)
}
