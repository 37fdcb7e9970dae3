package stage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAccumulatorFactor caps the game loop's frame debt at this many
// timesteps when no explicit cap is given, so a paused stage catches up with
// a small burst instead of a spiral of death.
const DefaultAccumulatorFactor = 5

// gameLoop drives a fixed-timestep simulation. A ticker goroutine posts a
// single coalesced "pump" item onto the stage queue; the pump measures real
// elapsed time, caps the accumulator, and invokes the tick callback once per
// consumed timestep. Because the accumulator advances only when the pump
// executes on the worker, a blocked stage accumulates at most maxAccum of
// debt no matter how long the pause was.
type gameLoop struct {
	stage    *Stage
	timestep time.Duration
	maxAccum time.Duration
	tick     func(delta, total time.Duration)

	pumpQueued atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}

	// Worker-only state.
	lastPump time.Time
	accum    time.Duration
	total    time.Duration
}

// StartGameLoop begins a fixed-timestep loop on the stage. maxAccum <= 0
// falls back to the directory-wide cap, and failing that to
// DefaultAccumulatorFactor × timestep. Starting a second loop fails.
// Worker-only.
func (s *Stage) StartGameLoop(timestep, maxAccum time.Duration, tick func(delta, total time.Duration)) error {
	if timestep <= 0 {
		return fmt.Errorf("stage %d: game loop timestep must be positive, got %v", s.id, timestep)
	}
	if s.loop != nil {
		return fmt.Errorf("stage %d: game loop already running", s.id)
	}
	if maxAccum <= 0 {
		maxAccum = s.dir.gameLoopMaxAccum(timestep)
	}

	gl := &gameLoop{
		stage:    s,
		timestep: timestep,
		maxAccum: maxAccum,
		tick:     tick,
		stopCh:   make(chan struct{}),
		lastPump: time.Now(),
	}
	s.loop = gl

	go func() {
		ticker := time.NewTicker(timestep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				gl.schedulePump()
			case <-gl.stopCh:
				return
			}
		}
	}()
	return nil
}

// StopGameLoop stops future ticks. Pumps already enqueued still run, so the
// stage may see a small residual burst. Worker-only.
func (s *Stage) StopGameLoop() {
	if s.loop == nil {
		return
	}
	s.loop.stop()
	s.loop = nil
}

// GameLoopRunning reports whether a game loop is active. Worker-only.
func (s *Stage) GameLoopRunning() bool { return s.loop != nil }

func (gl *gameLoop) stop() {
	gl.stopOnce.Do(func() { close(gl.stopCh) })
}

// schedulePump posts one pump item unless one is already waiting. Coalescing
// keeps a blocked stage's queue from flooding with tick items.
func (gl *gameLoop) schedulePump() {
	if !gl.pumpQueued.CompareAndSwap(false, true) {
		return
	}
	gl.stage.post(gl.pump)
}

func (gl *gameLoop) pump() {
	gl.pumpQueued.Store(false)

	now := time.Now()
	gl.accum += now.Sub(gl.lastPump)
	gl.lastPump = now
	if gl.accum > gl.maxAccum {
		// Excess frame debt is dropped.
		gl.accum = gl.maxAccum
	}

	for gl.accum >= gl.timestep {
		select {
		case <-gl.stopCh:
			return
		default:
		}
		gl.accum -= gl.timestep
		gl.total += gl.timestep
		gl.tick(gl.timestep, gl.total)
	}
}
