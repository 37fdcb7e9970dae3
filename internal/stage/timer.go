package stage

import (
	"fmt"
	"sync/atomic"
	"time"
)

// timerEntry drives one repeat or count timer. The goroutine owns the
// ticker; every fire is posted onto the stage queue. cancelled is checked
// again inside the posted item so at most the already-enqueued fires run
// after cancellation.
type timerEntry struct {
	id        int64
	cancelled atomic.Bool
	stopCh    chan struct{}
}

func (te *timerEntry) cancel() {
	if te.cancelled.CompareAndSwap(false, true) {
		close(te.stopCh)
	}
}

// RepeatTimer schedules cb every period after initialDelay, forever, on the
// stage worker. Returns the timer id. Worker-only.
func (s *Stage) RepeatTimer(initialDelay, period time.Duration, cb func()) (int64, error) {
	return s.startTimer(initialDelay, period, -1, cb)
}

// CountTimer is RepeatTimer that stops after count firings. count must be
// positive.
func (s *Stage) CountTimer(initialDelay, period time.Duration, count int, cb func()) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("stage %d: count timer needs count > 0, got %d", s.id, count)
	}
	return s.startTimer(initialDelay, period, count, cb)
}

// CancelTimer removes a timer by id. Fires already enqueued at cancel time
// may still run; nothing fires after those. Worker-only.
func (s *Stage) CancelTimer(id int64) bool {
	te, ok := s.timers[id]
	if !ok {
		return false
	}
	te.cancel()
	delete(s.timers, id)
	return true
}

func (s *Stage) startTimer(initialDelay, period time.Duration, count int, cb func()) (int64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("stage %d: timer period must be positive, got %v", s.id, period)
	}
	te := &timerEntry{
		id:     s.dir.nextTimerID(),
		stopCh: make(chan struct{}),
	}
	s.timers[te.id] = te

	go func() {
		delay := time.NewTimer(initialDelay)
		defer delay.Stop()
		select {
		case <-delay.C:
		case <-te.stopCh:
			return
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		remaining := count
		for {
			s.postTimerFire(te, cb)
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					s.post(func() { delete(s.timers, te.id) })
					return
				}
			}
			select {
			case <-ticker.C:
			case <-te.stopCh:
				return
			}
		}
	}()
	return te.id, nil
}

func (s *Stage) postTimerFire(te *timerEntry, cb func()) {
	s.post(func() {
		if te.cancelled.Load() {
			return
		}
		cb()
	})
}
