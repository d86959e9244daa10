package centralmutex

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ozanturksever/go-centralmutex/protocol"
)

// ProcessID identifies a process among the currently active ones.
type ProcessID = protocol.ProcessID

// maxSampleAttempts bounds id sampling when the id space is nearly full.
const maxSampleAttempts = 10000

// Registry is the table of active processes and the current resource holder.
// It is owned by the simulation context and passed to every component that
// needs it. Thread-safe.
//
// Lock order: coordinator, then registry, then process. A process never
// calls into the registry while holding its own lock.
type Registry struct {
	mu        sync.RWMutex
	processes map[ProcessID]*Process
	holder    ProcessID
	hasHolder bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processes: make(map[ProcessID]*Process),
	}
}

// Register adds p. It fails with ErrProcessExists if the id is taken.
func (r *Registry) Register(p *Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processes[p.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrProcessExists, p.ID())
	}
	r.processes[p.ID()] = p
	return nil
}

// Spawn samples ids until one is free, builds the process with it and
// registers it, all under the registry lock.
func (r *Registry) Spawn(sample func() ProcessID, build func(ProcessID) *Process) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < maxSampleAttempts; i++ {
		id := sample()
		if _, taken := r.processes[id]; taken {
			continue
		}
		p := build(id)
		r.processes[id] = p
		return p, nil
	}
	return nil, ErrIDSpaceExhausted
}

// Unregister removes the process. A removed process cannot hold the
// resource, so a matching holder entry is cleared too.
func (r *Registry) Unregister(id ProcessID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.processes, id)
	if r.hasHolder && r.holder == id {
		r.hasHolder = false
		r.holder = 0
	}
}

// Lookup returns the process registered under id.
func (r *Registry) Lookup(id ProcessID) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	return p, ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []ProcessID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ProcessID, 0, len(r.processes))
	for id := range r.processes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Processes returns the registered processes ordered by id.
func (r *Registry) Processes() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	procs := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	slices.SortFunc(procs, func(a, b *Process) int { return int(a.ID()) - int(b.ID()) })
	return procs
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processes)
}

// CurrentCoordinator returns the id of the registered process holding the
// coordinator role. If several claim it transiently, the highest id wins.
func (r *Registry) CurrentCoordinator() (ProcessID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found bool
		best  ProcessID
	)
	for id, p := range r.processes {
		if p.IsCoordinator() && (!found || id > best) {
			best = id
			found = true
		}
	}
	return best, found
}

// CoordinatorProcess returns the process holding the coordinator role.
func (r *Registry) CoordinatorProcess() (*Process, bool) {
	id, ok := r.CurrentCoordinator()
	if !ok {
		return nil, false
	}
	return r.Lookup(id)
}

// CurrentHolder returns the process currently using the resource.
func (r *Registry) CurrentHolder() (ProcessID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holder, r.hasHolder
}

// SetHolder records id as the process using the resource. It reports
// false, leaving the holder unchanged, if id is not an active process.
func (r *Registry) SetHolder(id ProcessID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[id]
	if !ok || p.Destroyed() {
		return false
	}
	r.holder = id
	r.hasHolder = true
	return true
}

// ClearHolder clears the holder if it is id and reports whether it did.
func (r *Registry) ClearHolder(id ProcessID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasHolder || r.holder != id {
		return false
	}
	r.hasHolder = false
	r.holder = 0
	return true
}
