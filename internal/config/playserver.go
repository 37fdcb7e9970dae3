// Package config loads the play server configuration: defaults first, then
// an optional YAML overlay. A missing file is not an error; the defaults are
// a runnable single-node setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerEntry declares a known peer server for the inter-server router.
type PeerEntry struct {
	NID      string `yaml:"nid"`
	Endpoint string `yaml:"endpoint"`
}

// PlayServer holds all configuration for one play server process.
type PlayServer struct {
	// Identity
	NID string `yaml:"nid"`

	// Client-facing network. The WebSocket listener runs when websocket_port
	// is set; websocket_path only picks the HTTP route it serves.
	BindAddress   string `yaml:"bind_address"`
	TCPPort       int    `yaml:"tcp_port"`
	WebSocketPort int    `yaml:"websocket_port"` // 0 disables
	WebSocketPath string `yaml:"websocket_path"`

	// Inter-server router
	RouterPort int         `yaml:"router_port"` // 0 disables
	Peers      []PeerEntry `yaml:"peers"`

	// Admin/metrics HTTP endpoint; 0 disables
	AdminPort int `yaml:"admin_port"`

	// Protocol
	AuthenticateMsgID string `yaml:"authenticate_msg_id"`
	DefaultStageType  string `yaml:"default_stage_type"`
	MaxMessageSize    int    `yaml:"max_message_size"`

	// Timeouts (milliseconds)
	RequestTimeoutMs    int `yaml:"request_timeout_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `yaml:"heartbeat_timeout_ms"`

	// Per-session outbox capacity
	SendQueueSize int `yaml:"send_queue_size"`

	// Stage workers
	StageDispatchBurst int `yaml:"stage_dispatch_burst"`

	// Game-loop catch-up cap, applied when a stage starts its loop without
	// an explicit one. 0 keeps the built-in 5x-timestep cap.
	GameLoopMaxAccumulatorMs int `yaml:"game_loop_max_accumulator_ms"`

	// Router outbound queue per peer
	RouterQueueSize int `yaml:"router_queue_size"`

	// Logging: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// DefaultPlayServer returns a runnable single-node configuration.
func DefaultPlayServer() PlayServer {
	return PlayServer{
		NID:                 "play:1",
		BindAddress:         "0.0.0.0",
		TCPPort:             7770,
		WebSocketPort:       0,
		WebSocketPath:       "/ws",
		RouterPort:          0,
		AdminPort:           0,
		AuthenticateMsgID:   "Authenticate",
		DefaultStageType:    "",
		MaxMessageSize:      10 << 20,
		RequestTimeoutMs:    30000,
		HeartbeatIntervalMs: 10000,
		HeartbeatTimeoutMs:  30000,
		SendQueueSize:       256,
		StageDispatchBurst:  256,
		RouterQueueSize:     65536,
		LogLevel:            "info",
	}
}

// LoadPlayServer reads the YAML config at path over the defaults. A missing
// file yields the defaults.
func LoadPlayServer(path string) (PlayServer, error) {
	cfg := DefaultPlayServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c PlayServer) Validate() error {
	if c.NID == "" {
		return fmt.Errorf("nid is required")
	}
	if c.TCPPort <= 0 && c.WebSocketPort <= 0 {
		return fmt.Errorf("at least one of tcp_port and websocket_port is required")
	}
	if c.AuthenticateMsgID == "" {
		return fmt.Errorf("authenticate_msg_id is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	return nil
}

func (c PlayServer) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c PlayServer) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c PlayServer) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

func (c PlayServer) GameLoopMaxAccumulator() time.Duration {
	return time.Duration(c.GameLoopMaxAccumulatorMs) * time.Millisecond
}
