package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/playhive/playhive/internal/api"
	"github.com/playhive/playhive/internal/config"
	"github.com/playhive/playhive/internal/protocol"
	"github.com/playhive/playhive/internal/server"
	"github.com/playhive/playhive/internal/stage"
)

const ConfigPath = "config/playserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("PLAYHIVE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadPlayServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("playhive server starting",
		"nid", cfg.NID,
		"tcp_port", cfg.TCPPort,
		"log_level", cfg.LogLevel)

	reg := stage.NewRegistry()
	reg.Register("lobby", stage.StageType{
		Handler: func(s *stage.Stage) stage.Handler { return &lobby{s: s} },
		Actor:   func(a *stage.Actor) stage.ActorHandler { return &lobbyActor{a: a} },
	})
	if cfg.DefaultStageType == "" {
		cfg.DefaultStageType = "lobby"
	}

	srv, err := server.New(cfg, reg, api.NewRegistry())
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// lobby is a reference stage type: clients join with any account id, chat
// messages are broadcast to everyone in the same stage.
type lobby struct {
	s *stage.Stage
}

func (l *lobby) OnCreate(pkt *protocol.Packet) ([]byte, bool) {
	slog.Info("lobby created", "stage", l.s.ID())
	return nil, true
}

func (l *lobby) OnPostCreate() {}

func (l *lobby) OnDestroy() {
	slog.Info("lobby destroyed", "stage", l.s.ID())
}

func (l *lobby) OnJoinStage(a *stage.Actor) bool { return true }

func (l *lobby) OnPostJoinStage(a *stage.Actor) {
	l.s.SendToAll("UserJoined", []byte(a.AccountID()))
}

func (l *lobby) OnConnectionChanged(a *stage.Actor, connected bool) {
	if !connected {
		l.s.SendToAll("UserLeft", []byte(a.AccountID()))
	}
}

func (l *lobby) OnDispatch(a *stage.Actor, pkt *protocol.Packet) {
	switch pkt.MsgID {
	case "Chat":
		msg := append([]byte(a.AccountID()+": "), pkt.Payload...)
		l.s.SendToAll("Chat", msg)
		l.s.Reply(nil)
	case "Who":
		var names []byte
		l.s.ForEachActor(func(other *stage.Actor) {
			if len(names) > 0 {
				names = append(names, ',')
			}
			names = append(names, other.AccountID()...)
		})
		l.s.ReplyWith("WhoReply", names)
	default:
		l.s.ReplyError(protocol.CodeInternalError)
	}
}

func (l *lobby) OnServerDispatch(pkt *protocol.Packet) {
	// Peer servers can broadcast into a lobby.
	if pkt.MsgID == "Announce" {
		l.s.SendToAll("Announce", pkt.Payload)
	}
	l.s.Reply(nil)
}

type lobbyActor struct {
	a *stage.Actor
}

func (la *lobbyActor) OnCreate() {}

func (la *lobbyActor) OnAuthenticate(pkt *protocol.Packet) bool {
	if len(pkt.Payload) == 0 {
		return false
	}
	la.a.SetAccountID(string(pkt.Payload))
	return true
}

func (la *lobbyActor) OnPostAuthenticate() {}

func (la *lobbyActor) OnDestroy() {}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
