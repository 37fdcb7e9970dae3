// Package request correlates outbound requests with their replies by the
// 16-bit msgSeq carried on the wire. One Tracker instance serves one
// correlation scope: a client session, the connector, or the whole process
// for server↔server traffic (entries then carry the peer NID).
package request

import (
	"fmt"
	"sync"
	"time"

	"github.com/playhive/playhive/internal/protocol"
)

// Completer receives exactly one of: a reply packet, or an error.
type Completer func(*protocol.Packet, error)

type pendingEntry struct {
	seq       uint16
	peer      string // "" for session/connector scope
	completer Completer
	timer     *time.Timer
	createdAt time.Time
}

// Tracker pairs an outbound request with exactly one inbound reply or a
// timeout. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pending map[uint16]*pendingEntry
	nextSeq uint16

	// OnLateReply is invoked for replies that arrive after the entry was
	// completed or timed out. Used to bump a metric; may be nil.
	OnLateReply func(seq uint16)
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint16]*pendingEntry)}
}

// NextSeq returns the next sequence value. Skips zero (reserved for one-way
// messages) and wraps at 65535. Skips values that are still pending so a
// long-lived request is never clobbered by a wrapped generator.
func (t *Tracker) NextSeq() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.nextSeq++
		if t.nextSeq == 0 {
			t.nextSeq = 1
		}
		if _, busy := t.pending[t.nextSeq]; !busy {
			return t.nextSeq
		}
	}
}

// Track registers a pending request. The completer fires exactly once: with
// the reply handed to Complete, or with ErrRequestTimeout after timeout.
// peer qualifies the scope for server↔server traffic; pass "" otherwise.
func (t *Tracker) Track(seq uint16, peer string, timeout time.Duration, completer Completer) error {
	if seq == 0 {
		return fmt.Errorf("track: seq 0 is reserved for one-way messages")
	}
	t.mu.Lock()
	if _, busy := t.pending[seq]; busy {
		t.mu.Unlock()
		return fmt.Errorf("track: seq %d already pending", seq)
	}
	e := &pendingEntry{
		seq:       seq,
		peer:      peer,
		completer: completer,
		createdAt: time.Now(),
	}
	e.timer = time.AfterFunc(timeout, func() { t.expire(seq, e) })
	t.pending[seq] = e
	t.mu.Unlock()
	return nil
}

// Complete resolves a pending request with its reply. Returns false when no
// entry is pending for seq (late or duplicate reply) or the entry belongs to
// a different peer; the reply must then be dropped.
func (t *Tracker) Complete(seq uint16, peer string, reply *protocol.Packet) bool {
	t.mu.Lock()
	e, ok := t.pending[seq]
	if !ok || e.peer != peer {
		t.mu.Unlock()
		if t.OnLateReply != nil {
			t.OnLateReply(seq)
		}
		return false
	}
	delete(t.pending, seq)
	t.mu.Unlock()

	e.timer.Stop()
	e.completer(reply, nil)
	return true
}

// Fail rejects a pending request with err. Returns false if not found.
func (t *Tracker) Fail(seq uint16, err error) bool {
	t.mu.Lock()
	e, ok := t.pending[seq]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, seq)
	t.mu.Unlock()

	e.timer.Stop()
	e.completer(nil, err)
	return true
}

// Cancel removes a pending request without firing its completer. Used when
// the caller reports the failure through its own return path.
func (t *Tracker) Cancel(seq uint16) bool {
	t.mu.Lock()
	e, ok := t.pending[seq]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, seq)
	t.mu.Unlock()

	e.timer.Stop()
	return true
}

// CancelAll rejects every pending request with err. Used on disconnect.
func (t *Tracker) CancelAll(err error) {
	t.mu.Lock()
	entries := make([]*pendingEntry, 0, len(t.pending))
	for _, e := range t.pending {
		entries = append(entries, e)
	}
	t.pending = make(map[uint16]*pendingEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.completer(nil, err)
	}
}

// Pending returns the number of in-flight requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) expire(seq uint16, e *pendingEntry) {
	t.mu.Lock()
	cur, ok := t.pending[seq]
	if !ok || cur != e {
		// Completed (or replaced after wrap) before the timer fired.
		t.mu.Unlock()
		return
	}
	delete(t.pending, seq)
	t.mu.Unlock()

	e.completer(nil, protocol.ErrRequestTimeout)
}
