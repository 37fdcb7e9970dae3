package connector

import (
	"log/slog"
	"sync"
)

// actionQueue is the bounded main-thread callback queue. Producers are the
// connector's internal goroutines; the single consumer is whoever calls
// drain. On overflow the oldest tenth is shed so fresh events survive a
// stalled consumer.
type actionQueue struct {
	mu    sync.Mutex
	items []func()
	cap   int
	log   *slog.Logger

	shedTotal uint64
}

func newActionQueue(capacity int, log *slog.Logger) *actionQueue {
	return &actionQueue{cap: capacity, log: log}
}

func (q *actionQueue) push(fn func()) {
	q.mu.Lock()
	if len(q.items) >= q.cap {
		shed := q.cap / 10
		if shed < 1 {
			shed = 1
		}
		q.items = q.items[shed:]
		q.shedTotal += uint64(shed)
		total := q.shedTotal
		q.mu.Unlock()
		q.log.Error("action queue overflow, shedding oldest callbacks",
			"shed", shed, "shedTotal", total, "cap", q.cap)
		q.mu.Lock()
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
}

// drain runs up to max callbacks (max<=0 means all currently queued) and
// returns the number executed. Callbacks run outside the lock.
func (q *actionQueue) drain(max int) int {
	q.mu.Lock()
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	batch := q.items[:n]
	q.items = append([]func(){}, q.items[n:]...)
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return n
}

func (q *actionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
