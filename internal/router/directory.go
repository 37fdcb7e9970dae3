package router

import (
	"fmt"
	"sync"
	"time"
)

// ServerState describes a peer's availability in the directory view.
type ServerState int

const (
	ServerRunning ServerState = iota
	ServerPaused
	ServerDisabled
)

func (s ServerState) String() string {
	switch s {
	case ServerRunning:
		return "running"
	case ServerPaused:
		return "paused"
	case ServerDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ServerInfo is one entry of the server directory.
type ServerInfo struct {
	NID        string
	Endpoint   string
	State      ServerState
	LastSeenAt time.Time
}

// ServerDirectory is the local view of known peer servers. Entries are fed
// from configuration or an external registry; the router consults it to
// resolve NIDs into dialable endpoints.
type ServerDirectory struct {
	mu      sync.RWMutex
	entries map[string]ServerInfo
}

func NewServerDirectory() *ServerDirectory {
	return &ServerDirectory{entries: make(map[string]ServerInfo)}
}

// Upsert adds or replaces an entry and stamps LastSeenAt.
func (d *ServerDirectory) Upsert(nid, endpoint string, state ServerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[nid] = ServerInfo{NID: nid, Endpoint: endpoint, State: state, LastSeenAt: time.Now()}
}

// Touch refreshes LastSeenAt for a known peer.
func (d *ServerDirectory) Touch(nid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[nid]; ok {
		e.LastSeenAt = time.Now()
		d.entries[nid] = e
	}
}

// SetState updates a peer's state without moving its endpoint.
func (d *ServerDirectory) SetState(nid string, state ServerState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[nid]
	if !ok {
		return false
	}
	e.State = state
	d.entries[nid] = e
	return true
}

// Remove deletes an entry.
func (d *ServerDirectory) Remove(nid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, nid)
}

// Resolve returns the dialable endpoint for a running peer.
func (d *ServerDirectory) Resolve(nid string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[nid]
	if !ok {
		return "", fmt.Errorf("unknown server %q", nid)
	}
	if e.State == ServerDisabled {
		return "", fmt.Errorf("server %q is disabled", nid)
	}
	return e.Endpoint, nil
}

// Snapshot returns a copy of all entries.
func (d *ServerDirectory) Snapshot() []ServerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServerInfo, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}
