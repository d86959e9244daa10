package centralmutex

import (
	"errors"
	"slices"
	"testing"
)

func newTestProcess(r *Registry, id ProcessID) *Process {
	return NewProcess(id, r, Config{})
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(newTestProcess(r, 5)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := r.Register(newTestProcess(r, 5))
	if !errors.Is(err, ErrProcessExists) {
		t.Errorf("duplicate Register() error = %v, want ErrProcessExists", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryOrdering(t *testing.T) {
	r := NewRegistry()
	for _, id := range []ProcessID{30, 4, 17} {
		if err := r.Register(newTestProcess(r, id)); err != nil {
			t.Fatal(err)
		}
	}

	if got := r.IDs(); !slices.Equal(got, []ProcessID{4, 17, 30}) {
		t.Errorf("IDs() = %v", got)
	}
	procs := r.Processes()
	if len(procs) != 3 || procs[0].ID() != 4 || procs[2].ID() != 30 {
		t.Errorf("Processes() not ordered by id")
	}
}

func TestRegistrySpawn(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newTestProcess(r, 1)); err != nil {
		t.Fatal(err)
	}

	samples := []ProcessID{1, 1, 2}
	next := 0
	p, err := r.Spawn(
		func() ProcessID { id := samples[next]; next++; return id },
		func(id ProcessID) *Process { return newTestProcess(r, id) },
	)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if p.ID() != 2 {
		t.Errorf("Spawn() id = %d, want 2", p.ID())
	}
	if _, ok := r.Lookup(2); !ok {
		t.Error("spawned process not registered")
	}
}

func TestRegistrySpawnExhausted(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newTestProcess(r, 0)); err != nil {
		t.Fatal(err)
	}

	_, err := r.Spawn(
		func() ProcessID { return 0 },
		func(id ProcessID) *Process { return newTestProcess(r, id) },
	)
	if !errors.Is(err, ErrIDSpaceExhausted) {
		t.Errorf("Spawn() error = %v, want ErrIDSpaceExhausted", err)
	}
}

func TestRegistryCurrentCoordinator(t *testing.T) {
	r := NewRegistry()
	a, b := newTestProcess(r, 3), newTestProcess(r, 8)
	_ = r.Register(a)
	_ = r.Register(b)

	if _, ok := r.CurrentCoordinator(); ok {
		t.Fatal("CurrentCoordinator() found one among ordinary processes")
	}

	a.role = coordinatorRole{}
	if id, ok := r.CurrentCoordinator(); !ok || id != 3 {
		t.Errorf("CurrentCoordinator() = %d, %v; want 3", id, ok)
	}

	// Transient double claim resolves to the highest id.
	b.role = coordinatorRole{}
	if id, _ := r.CurrentCoordinator(); id != 8 {
		t.Errorf("CurrentCoordinator() = %d, want 8", id)
	}
	if p, ok := r.CoordinatorProcess(); !ok || p != b {
		t.Errorf("CoordinatorProcess() = %v, %v", p, ok)
	}
}

func TestRegistryHolder(t *testing.T) {
	r := NewRegistry()
	p := newTestProcess(r, 6)
	_ = r.Register(p)

	if r.SetHolder(99) {
		t.Error("SetHolder() accepted an unknown id")
	}
	if !r.SetHolder(6) {
		t.Fatal("SetHolder(6) = false")
	}
	if id, ok := r.CurrentHolder(); !ok || id != 6 {
		t.Errorf("CurrentHolder() = %d, %v", id, ok)
	}

	if r.ClearHolder(5) {
		t.Error("ClearHolder() cleared another process's hold")
	}
	if !r.ClearHolder(6) {
		t.Error("ClearHolder(6) = false")
	}
	if _, ok := r.CurrentHolder(); ok {
		t.Error("holder still set after ClearHolder")
	}

	r.SetHolder(6)
	r.Unregister(6)
	if _, ok := r.CurrentHolder(); ok {
		t.Error("Unregister did not clear the holder")
	}
	if r.SetHolder(6) {
		t.Error("SetHolder() accepted an unregistered id")
	}
}

func TestRegistrySetHolderRejectsDestroyed(t *testing.T) {
	r := NewRegistry()
	p := newTestProcess(r, 6)
	_ = r.Register(p)

	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()

	if r.SetHolder(6) {
		t.Error("SetHolder() accepted a destroyed process")
	}
}
