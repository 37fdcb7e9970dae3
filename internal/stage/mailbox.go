package stage

import (
	"log/slog"
	"sync"

	"github.com/playhive/playhive/internal/protocol"
)

// mailbox is the unbounded FIFO queue behind a Stage. Producers enqueue
// without blocking; the first enqueuer while no worker is running schedules
// one. The queue/running pair is linearized by mu, which gives the same
// guarantees as the lock-free running-flag scheme: at most one worker per
// stage, no lost wakeups, FIFO order.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// post enqueues fn and spins up a worker if none is draining.
func (s *Stage) post(fn func()) {
	s.mailbox.mu.Lock()
	s.mailbox.queue = append(s.mailbox.queue, fn)
	spawn := !s.mailbox.running
	if spawn {
		s.mailbox.running = true
	}
	s.mailbox.mu.Unlock()

	if spawn {
		go s.drain()
	}
}

// drain processes queue items until empty, yielding to the scheduler after
// burst items by handing off to a fresh goroutine. The running flag stays set
// across the handoff so no second worker can start.
func (s *Stage) drain() {
	processed := 0
	for {
		s.mailbox.mu.Lock()
		if len(s.mailbox.queue) == 0 {
			s.mailbox.running = false
			s.mailbox.mu.Unlock()
			return
		}
		fn := s.mailbox.queue[0]
		s.mailbox.queue = s.mailbox.queue[1:]
		s.mailbox.mu.Unlock()

		s.runItem(fn)

		processed++
		if processed >= s.burst {
			go s.drain()
			return
		}
	}
}

// runItem executes one queue item with panic isolation. A panicking user
// callback gets a best-effort UncheckedContentsError reply when the item was
// a request; the stage itself survives.
func (s *Stage) runItem(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stage callback panic", "stage", s.id, "type", s.stageType, "panic", r)
			s.ReplyError(protocol.CodeUncheckedContents)
		}
		s.curReplier = nil
		s.curSeq = 0
	}()
	fn()
}
