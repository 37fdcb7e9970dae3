package stage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// StageType pairs the factories for one registered stage type.
type StageType struct {
	Handler HandlerFactory
	Actor   ActorFactory
}

// Registry maps stage type names to their factories. Populated at startup,
// read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]StageType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]StageType)}
}

// Register binds a stage type name to its factories. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, st StageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = st
}

// Lookup returns the factories for a stage type name.
func (r *Registry) Lookup(name string) (StageType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.types[name]
	return st, ok
}

const defaultAsyncWorkers = 64

// Directory is the per-process map of live stages. It is the only mutable
// state shared between stages; create-or-get is atomic, so exactly one
// creator wins a race. There is no package-level registry: tests construct
// independent directories without collisions.
type Directory struct {
	mu     sync.RWMutex
	stages map[int64]*Stage

	reg          *Registry
	comms        Comms
	burst        int
	loopMaxAccum time.Duration

	timerID  atomic.Int64
	asyncSem chan struct{}
}

// NewDirectory creates a directory over the given type registry. burst <= 0
// selects DefaultDispatchBurst for stage workers.
func NewDirectory(reg *Registry, burst int) *Directory {
	return &Directory{
		stages:   make(map[int64]*Stage),
		reg:      reg,
		burst:    burst,
		asyncSem: make(chan struct{}, defaultAsyncWorkers),
	}
}

// SetComms wires the inter-server sender used by stages. Must be called
// before any stage issues peer traffic; typically right after construction.
func (d *Directory) SetComms(c Comms) { d.comms = c }

// SetGameLoopMaxAccumulator sets the directory-wide catch-up cap used by
// StartGameLoop calls that pass maxAccum <= 0. 0 keeps the per-call default
// of DefaultAccumulatorFactor times the timestep. Set before serving.
func (d *Directory) SetGameLoopMaxAccumulator(max time.Duration) { d.loopMaxAccum = max }

func (d *Directory) gameLoopMaxAccum(timestep time.Duration) time.Duration {
	if d.loopMaxAccum > 0 {
		return d.loopMaxAccum
	}
	return DefaultAccumulatorFactor * timestep
}

// GetOrCreate returns the stage for id, creating it when absent. The new
// stage is published in the table before its OnCreate ever runs; the winner
// gets created=true. stageType is required on first creation and ignored for
// an existing stage.
func (d *Directory) GetOrCreate(id int64, stageType string) (*Stage, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.stages[id]; ok {
		return s, false, nil
	}
	if stageType == "" {
		return nil, false, fmt.Errorf("stage %d: stageType required on first creation", id)
	}
	st, ok := d.reg.Lookup(stageType)
	if !ok {
		return nil, false, fmt.Errorf("stage %d: unknown stage type %q", id, stageType)
	}
	s := newStage(id, stageType, d, d.comms, st.Handler, st.Actor, d.burst)
	d.stages[id] = s
	return s, true, nil
}

// Get returns the stage for id if present.
func (d *Directory) Get(id int64) (*Stage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stages[id]
	return s, ok
}

// Count returns the number of live stages.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stages)
}

// DestroyAll tears down every stage. Used on shutdown; destruction is
// asynchronous per stage.
func (d *Directory) DestroyAll() {
	d.mu.RLock()
	stages := make([]*Stage, 0, len(d.stages))
	for _, s := range d.stages {
		stages = append(stages, s)
	}
	d.mu.RUnlock()

	for _, s := range stages {
		s.Destroy(nil)
	}
}

// remove drops a stage from the table after DestroyStage finished draining
// or a create failed.
func (d *Directory) remove(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stages, id)
}

// nextTimerID hands out process-unique timer identifiers. Reuse is forbidden.
func (d *Directory) nextTimerID() int64 {
	return d.timerID.Add(1)
}
