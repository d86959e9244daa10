package centralmutex

import "context"

// Hooks lets callers observe a process's lifecycle. All methods are called
// synchronously from the process's own goroutine; implementations should
// spawn goroutines if async behavior is needed. Returned errors are logged.
type Hooks interface {
	// OnPromoted is called after the process successfully became coordinator.
	OnPromoted(ctx context.Context, id ProcessID) error

	// OnUseStart is called right after a grant, before the usage window.
	OnUseStart(ctx context.Context, id ProcessID) error

	// OnUseEnd is called when the usage window ends, before the release is sent.
	OnUseEnd(ctx context.Context, id ProcessID) error

	// OnCoordinatorStopped is called after the process's coordinator was torn down.
	OnCoordinatorStopped(ctx context.Context, id ProcessID) error
}

// NoOpHooks is a default implementation of Hooks that does nothing.
type NoOpHooks struct{}

func (NoOpHooks) OnPromoted(ctx context.Context, _ ProcessID) error           { return nil }
func (NoOpHooks) OnUseStart(ctx context.Context, _ ProcessID) error           { return nil }
func (NoOpHooks) OnUseEnd(ctx context.Context, _ ProcessID) error             { return nil }
func (NoOpHooks) OnCoordinatorStopped(ctx context.Context, _ ProcessID) error { return nil }

var _ Hooks = NoOpHooks{}
