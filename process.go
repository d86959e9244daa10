package centralmutex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/ozanturksever/go-centralmutex/protocol"
)

// Process is a participant that repeatedly acquires the shared resource
// through the coordinator. When the coordinator is unreachable it promotes
// itself by starting a Coordinator bound to the well-known endpoint; the bind
// decides which of several racing processes actually wins.
type Process struct {
	id       ProcessID
	cfg      Config
	registry *Registry
	opts     *processOptions
	logger   *slog.Logger
	election *Election

	mu        sync.Mutex
	role      processRole
	state     State
	acquiring bool
	destroyed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProcess creates a process in the ordinary role. It does not register
// the process; use Registry.Register or Registry.Spawn.
func NewProcess(id ProcessID, registry *Registry, cfg Config, opts ...ProcessOption) *Process {
	cfg.applyDefaults()

	o := defaultProcessOptions()
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Process{
		id:       id,
		cfg:      cfg,
		registry: registry,
		opts:     o,
		logger:   cfg.Logger.With("component", "process", "process", id),
		election: NewElection(registry),
		role:     ordinaryRole{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the process identifier.
func (p *Process) ID() ProcessID {
	return p.id
}

// Role returns the current role.
func (p *Process) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role.role()
}

// IsCoordinator reports whether the process holds the coordinator role.
func (p *Process) IsCoordinator() bool {
	return p.Role().IsCoordinator()
}

// Coordinator returns the coordinator service run by this process, if any.
func (p *Process) Coordinator() (*Coordinator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.role.(coordinatorRole); ok {
		return r.service, true
	}
	return nil, false
}

// State returns the acquisition step the process is in.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Acquiring reports whether an AcquireAndUse call is in flight.
func (p *Process) Acquiring() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquiring
}

// Destroyed reports whether Destroy has been called.
func (p *Process) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Idle reports whether the process is alive and not acquiring.
func (p *Process) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && !p.acquiring
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// AcquireAndUse requests the resource, uses it for a random duration within
// the configured usage window and releases it. Coordinator loss while
// requesting triggers self-promotion and a fresh request. Only one
// acquisition may be in flight per process.
func (p *Process) AcquireAndUse(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrProcessDestroyed
	}
	if p.acquiring {
		p.mu.Unlock()
		return ErrAcquireInProgress
	}
	p.acquiring = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.acquiring = false
		p.state = StateIdle
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	start := time.Now()
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.opts.metrics.ObserveWait(time.Since(start))

	useErr := p.use(ctx)
	if errors.Is(useErr, ErrProcessDestroyed) {
		return useErr
	}
	p.release(ctx)
	return useErr
}

// acquire loops until the resource is granted.
func (p *Process) acquire(ctx context.Context) error {
	for {
		err := p.request(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrConnectionLost) {
			p.logger.Warn("acquisition failed", "error", err)
			return err
		}

		p.logger.Warn("coordinator unreachable", "error", err)
		promoted, perr := p.promote(ctx)
		switch {
		case promoted:
			continue
		case perr == nil, errors.Is(perr, ErrAddressInUse):
			if err := sleepCtx(ctx, p.cfg.RetryBackoff); err != nil {
				return err
			}
		default:
			return perr
		}
	}
}

// request sends one Request and waits for the grant on the same connection.
// The first response is bounded by ReadTimeout; after a Denied the wait is
// unbounded. Loss of the connection is reported as ErrConnectionLost.
func (p *Process) request(ctx context.Context) error {
	p.setState(StateRequesting)

	dialer := net.Dialer{Timeout: p.cfg.ReadTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnectionLost, p.cfg.Address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(p.cfg.ReadTimeout))
	if err := protocol.WriteMessage(conn, protocol.Request(p.id)); err != nil {
		return fmt.Errorf("%w: send request: %w", ErrConnectionLost, err)
	}
	p.logger.Info("requesting resource")

	reader := bufio.NewReader(conn)
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, protocol.ErrMalformedMessage) {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}

		switch {
		case msg.Kind == protocol.KindDenied:
			p.setState(StateWaiting)
			_ = conn.SetReadDeadline(time.Time{})
			p.logger.Info("request denied, waiting for grant")
		case msg.Kind == protocol.KindGranted && msg.ProcessID == p.id:
			p.logger.Info("resource granted")
			return nil
		default:
			return fmt.Errorf("%w: unexpected %s while requesting", ErrProtocolViolation, msg)
		}
	}
}

// use holds the resource for the sampled usage duration. The registry
// holder is cleared before returning.
func (p *Process) use(ctx context.Context) error {
	if !p.registry.SetHolder(p.id) {
		return ErrProcessDestroyed
	}
	p.setState(StateUsing)

	d := p.usageDuration()
	p.logger.Info("using resource", "duration", d)
	_ = p.opts.audit.Log(ctx, AuditEntry{
		ProcessID: p.id,
		Category:  AuditProcess,
		Action:    "use_start",
		Data:      map[string]any{"duration_ms": d.Milliseconds()},
	})
	p.runHook(ctx, "OnUseStart", p.opts.hooks.OnUseStart)

	timer := time.NewTimer(d)
	defer timer.Stop()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
	}

	p.runHook(context.WithoutCancel(ctx), "OnUseEnd", p.opts.hooks.OnUseEnd)
	p.registry.ClearHolder(p.id)
	return err
}

// release notifies the coordinator on a fresh connection. Failures are
// logged and otherwise ignored.
func (p *Process) release(ctx context.Context) {
	p.setState(StateReleasing)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReadTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Address)
	if err != nil {
		p.logger.Warn("release not delivered", "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.ReadTimeout))
	if err := protocol.WriteMessage(conn, protocol.Release(p.id)); err != nil {
		p.logger.Warn("release not delivered", "error", err)
		return
	}
	p.logger.Info("released resource")
}

func (p *Process) usageDuration() time.Duration {
	span := p.cfg.UsageMax - p.cfg.UsageMin
	if span <= 0 {
		return p.cfg.UsageMin
	}
	return p.cfg.UsageMin + rand.N(span+1)
}

// PromoteSelfToCoordinator starts a coordinator in this process. It is a
// no-op if the process already is coordinator, and fails with
// ErrAddressInUse if another process owns the endpoint, in which case the
// process stays ordinary.
func (p *Process) PromoteSelfToCoordinator(ctx context.Context) error {
	_, err := p.promote(ctx)
	return err
}

func (p *Process) promote(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return false, ErrProcessDestroyed
	}
	if _, ok := p.role.(coordinatorRole); ok {
		p.mu.Unlock()
		return false, nil
	}
	prev := p.state
	p.state = StatePromoting
	p.mu.Unlock()
	defer p.setState(prev)

	result := p.election.Run(p.id)
	if result.Winner != p.id {
		p.logger.Debug("election favors another process, bind decides", "winner", result.Winner)
	}

	svc := NewCoordinator(p.id, CoordinatorConfig{
		Address:      p.cfg.Address,
		PollInterval: p.cfg.PollInterval,
		IOTimeout:    p.cfg.ReadTimeout,
		Registry:     p.registry,
		Logger:       p.cfg.Logger,
		Metrics:      p.opts.metrics,
		Audit:        p.opts.audit,
	})
	err := svc.Start(p.ctx)
	p.opts.metrics.ObservePromotion(err)
	if err != nil {
		if errors.Is(err, ErrAddressInUse) {
			p.logger.Info("promotion aborted, coordinator endpoint already bound")
		} else {
			p.logger.Error("promotion failed", "error", err)
		}
		return false, err
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		svc.Stop()
		return false, ErrProcessDestroyed
	}
	p.role = coordinatorRole{service: svc}
	p.mu.Unlock()

	p.logger.Info("promoted to coordinator", "addr", svc.Addr().String())
	_ = p.opts.audit.Log(ctx, AuditEntry{
		ProcessID: p.id,
		Category:  AuditCoordinator,
		Action:    "promoted",
		Data:      map[string]any{"election_winner": result.Winner},
	})
	p.runHook(ctx, "OnPromoted", p.opts.hooks.OnPromoted)
	return true, nil
}

// Destroy tears the process down. A coordinator stops its service first, so
// waiting requesters observe the closure. The process is unregistered last.
func (p *Process) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrProcessDestroyed
	}
	p.destroyed = true
	role := p.role
	p.mu.Unlock()

	p.registry.ClearHolder(p.id)
	p.cancel()

	if r, ok := role.(coordinatorRole); ok {
		r.service.Stop()

		p.mu.Lock()
		p.role = ordinaryRole{}
		p.mu.Unlock()

		p.logger.Info("coordinator terminated")
		p.runHook(ctx, "OnCoordinatorStopped", p.opts.hooks.OnCoordinatorStopped)
	}

	p.registry.Unregister(p.id)
	p.logger.Info("process destroyed", "role", role.role())
	_ = p.opts.audit.Log(ctx, AuditEntry{
		ProcessID: p.id,
		Category:  AuditProcess,
		Action:    "destroyed",
		Data:      map[string]any{"role": role.role().String()},
	})
	return nil
}

func (p *Process) runHook(ctx context.Context, name string, fn func(context.Context, ProcessID) error) {
	if err := fn(ctx, p.id); err != nil {
		p.logger.Warn("hook failed", "hook", name, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
