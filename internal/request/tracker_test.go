package request

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playhive/playhive/internal/protocol"
)

func TestTracker_NextSeqSkipsZero(t *testing.T) {
	tr := NewTracker()
	tr.nextSeq = 65534

	seen := map[uint16]bool{}
	for i := 0; i < 4; i++ {
		s := tr.NextSeq()
		if s == 0 {
			t.Fatal("NextSeq returned 0")
		}
		if seen[s] {
			t.Fatalf("NextSeq returned duplicate %d", s)
		}
		seen[s] = true
	}
	if !seen[65535] || !seen[1] {
		t.Errorf("wrap did not pass through 65535 and 1: %v", seen)
	}
}

func TestTracker_NextSeqSkipsPending(t *testing.T) {
	tr := NewTracker()
	if err := tr.Track(1, "", time.Minute, func(*protocol.Packet, error) {}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	tr.nextSeq = 0
	if s := tr.NextSeq(); s != 2 {
		t.Errorf("NextSeq = %d, want 2 (1 is pending)", s)
	}
}

func TestTracker_CompleteFiresOnce(t *testing.T) {
	tr := NewTracker()

	var fired atomic.Int32
	var got *protocol.Packet
	err := tr.Track(7, "", time.Minute, func(p *protocol.Packet, err error) {
		fired.Add(1)
		got = p
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}

	reply := protocol.NewPacket("EchoReply", []byte("hi"))
	if !tr.Complete(7, "", reply) {
		t.Fatal("Complete returned false for a pending seq")
	}
	if tr.Complete(7, "", reply) {
		t.Error("second Complete should return false")
	}
	if fired.Load() != 1 {
		t.Errorf("completer fired %d times, want 1", fired.Load())
	}
	if got != reply {
		t.Error("completer did not receive the reply packet")
	}
}

func TestTracker_DuplicateSeqRejected(t *testing.T) {
	tr := NewTracker()
	noop := func(*protocol.Packet, error) {}
	if err := tr.Track(3, "", time.Minute, noop); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := tr.Track(3, "", time.Minute, noop); err == nil {
		t.Error("Track should reject an already-pending seq")
	}
}

func TestTracker_Timeout(t *testing.T) {
	tr := NewTracker()

	var lateCount atomic.Int32
	tr.OnLateReply = func(uint16) { lateCount.Add(1) }

	done := make(chan error, 1)
	start := time.Now()
	if err := tr.Track(5, "", 100*time.Millisecond, func(p *protocol.Packet, err error) {
		done <- err
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrRequestTimeout) {
			t.Errorf("completer error = %v, want ErrRequestTimeout", err)
		}
		if d := time.Since(start); d < 100*time.Millisecond || d > 250*time.Millisecond {
			t.Errorf("timeout fired after %v, want 100ms..250ms", d)
		}
	case <-time.After(time.Second):
		t.Fatal("completer never fired")
	}

	// A reply arriving after the timeout is dropped and counted.
	if tr.Complete(5, "", protocol.NewPacket("Late", nil)) {
		t.Error("Complete after timeout should return false")
	}
	if lateCount.Load() != 1 {
		t.Errorf("late replies counted = %d, want 1", lateCount.Load())
	}
}

func TestTracker_PeerScope(t *testing.T) {
	tr := NewTracker()
	var fired atomic.Int32
	if err := tr.Track(9, "play:1", time.Minute, func(*protocol.Packet, error) {
		fired.Add(1)
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Same seq from the wrong peer must not complete the entry.
	if tr.Complete(9, "api:2", protocol.NewPacket("R", nil)) {
		t.Error("Complete from the wrong peer should return false")
	}
	if !tr.Complete(9, "play:1", protocol.NewPacket("R", nil)) {
		t.Error("Complete from the right peer should succeed")
	}
	if fired.Load() != 1 {
		t.Errorf("completer fired %d times, want 1", fired.Load())
	}
}

func TestTracker_Fail(t *testing.T) {
	tr := NewTracker()
	sentinel := errors.New("boom")

	done := make(chan error, 1)
	if err := tr.Track(4, "", time.Minute, func(p *protocol.Packet, err error) {
		done <- err
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !tr.Fail(4, sentinel) {
		t.Fatal("Fail returned false for a pending seq")
	}
	if err := <-done; !errors.Is(err, sentinel) {
		t.Errorf("completer error = %v, want sentinel", err)
	}
	if tr.Fail(4, sentinel) {
		t.Error("second Fail should return false")
	}
}

func TestTracker_CancelAll(t *testing.T) {
	tr := NewTracker()
	var fired atomic.Int32
	for seq := uint16(1); seq <= 10; seq++ {
		if err := tr.Track(seq, "", time.Minute, func(p *protocol.Packet, err error) {
			if errors.Is(err, protocol.ErrConnectionClosed) {
				fired.Add(1)
			}
		}); err != nil {
			t.Fatalf("Track %d: %v", seq, err)
		}
	}

	tr.CancelAll(protocol.ErrConnectionClosed)
	if fired.Load() != 10 {
		t.Errorf("completers fired = %d, want 10", fired.Load())
	}
	if tr.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", tr.Pending())
	}
}

// Property 4: for every tracked request the completer fires exactly once,
// with a reply or a timeout, never both — even under racing completers.
func TestTracker_ExactlyOnceUnderRace(t *testing.T) {
	tr := NewTracker()

	const n = 500
	var fired [n + 1]atomic.Int32
	var wg sync.WaitGroup

	for seq := uint16(1); seq <= n; seq++ {
		seq := seq
		if err := tr.Track(seq, "", 20*time.Millisecond, func(p *protocol.Packet, err error) {
			fired[seq].Add(1)
		}); err != nil {
			t.Fatalf("Track %d: %v", seq, err)
		}
	}

	// Race replies against the timeout for every entry.
	for seq := uint16(1); seq <= n; seq++ {
		wg.Add(1)
		seq := seq
		go func() {
			defer wg.Done()
			if seq%2 == 0 {
				time.Sleep(15 * time.Millisecond)
			}
			tr.Complete(seq, "", protocol.NewPacket("R", nil))
		}()
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	for seq := 1; seq <= n; seq++ {
		if c := fired[seq].Load(); c != 1 {
			t.Fatalf("seq %d completer fired %d times, want 1", seq, c)
		}
	}
}
