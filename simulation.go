package centralmutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ozanturksever/go-centralmutex/health"
)

// Simulation owns the registry and drives a fleet of processes: it spawns
// them, periodically kills the coordinator and asks random idle processes to
// use the resource.
type Simulation struct {
	cfg      Config
	opts     *simulationOptions
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics
	health   *Health

	mu        sync.RWMutex
	audit     *Audit
	nc        *nats.Conn
	checker   *health.Checker
	startedAt time.Time

	running      atomic.Bool
	acquisitions sync.WaitGroup
}

// NewSimulation creates a simulation with an empty registry.
func NewSimulation(cfg Config, opts ...SimulationOption) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	o := &simulationOptions{}
	for _, opt := range opts {
		opt(o)
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = NewMetrics(cfg.ClusterID)
	}

	s := &Simulation{
		cfg:      cfg,
		opts:     o,
		logger:   cfg.Logger.With("component", "simulation", "cluster", cfg.ClusterID),
		registry: NewRegistry(),
		metrics:  metrics,
	}
	s.health = NewHealth(s)
	return s, nil
}

// Registry returns the process registry.
func (s *Simulation) Registry() *Registry {
	return s.registry
}

// Metrics returns the metrics the simulation records into.
func (s *Simulation) Metrics() *Metrics {
	return s.metrics
}

// Health returns the HTTP health manager.
func (s *Simulation) Health() *Health {
	return s.health
}

func (s *Simulation) currentAudit() *Audit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audit
}

// Audit returns the audit log, or nil before Run connected to NATS.
func (s *Simulation) Audit() *Audit {
	return s.currentAudit()
}

func (s *Simulation) processOptions() []ProcessOption {
	return []ProcessOption{
		WithHooks(s.opts.hooks),
		WithMetrics(s.metrics),
		WithAudit(s.currentAudit()),
	}
}

// Spawn creates and registers a process with a fresh random id. When no
// coordinator exists the new process promotes itself right away.
func (s *Simulation) Spawn(ctx context.Context) (*Process, error) {
	p, err := s.registry.Spawn(
		func() ProcessID { return ProcessID(rand.IntN(s.cfg.MaxProcessID)) },
		func(id ProcessID) *Process { return NewProcess(id, s.registry, s.cfg, s.processOptions()...) },
	)
	if err != nil {
		s.logger.Warn("could not create process", "error", err)
		return nil, err
	}

	s.metrics.SetProcesses(s.registry.Len())
	s.logger.Info("process created", "process", p.ID())
	_ = s.currentAudit().Log(ctx, AuditEntry{ProcessID: p.ID(), Category: AuditProcess, Action: "created"})

	if _, ok := s.registry.CurrentCoordinator(); !ok {
		if err := p.PromoteSelfToCoordinator(ctx); err != nil {
			s.logger.Warn("new process could not become coordinator", "process", p.ID(), "error", err)
		}
	}
	return p, nil
}

// CrashCoordinator destroys the current coordinator process. It reports the
// id and false if there was none.
func (s *Simulation) CrashCoordinator(ctx context.Context) (ProcessID, bool, error) {
	p, ok := s.registry.CoordinatorProcess()
	if !ok {
		return 0, false, nil
	}
	if err := p.Destroy(ctx); err != nil {
		return p.ID(), false, err
	}

	s.metrics.SetProcesses(s.registry.Len())
	s.logger.Info("coordinator died", "process", p.ID())
	return p.ID(), true, nil
}

// DestroyProcess destroys the process with the given id, stopping its
// coordinator first if it has one.
func (s *Simulation) DestroyProcess(ctx context.Context, id ProcessID) error {
	p, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrProcessNotFound, id)
	}
	if err := p.Destroy(ctx); err != nil {
		return err
	}
	s.metrics.SetProcesses(s.registry.Len())
	return nil
}

// RemoveIdleProcess destroys a random ordinary process that is not acquiring.
func (s *Simulation) RemoveIdleProcess(ctx context.Context) (ProcessID, bool, error) {
	p, ok := s.pickIdle(func(p *Process) bool { return !p.IsCoordinator() })
	if !ok {
		return 0, false, nil
	}
	if err := p.Destroy(ctx); err != nil {
		return p.ID(), false, err
	}

	s.metrics.SetProcesses(s.registry.Len())
	s.logger.Info("process removed", "process", p.ID())
	return p.ID(), true, nil
}

// TriggerAccess starts AcquireAndUse on a random idle process in the
// background and returns its id.
func (s *Simulation) TriggerAccess(ctx context.Context) (ProcessID, bool) {
	p, ok := s.pickIdle(nil)
	if !ok {
		return 0, false
	}

	s.acquisitions.Add(1)
	go func() {
		defer s.acquisitions.Done()
		err := p.AcquireAndUse(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled),
			errors.Is(err, ErrProcessDestroyed),
			errors.Is(err, ErrAcquireInProgress):
			s.logger.Debug("access ended early", "process", p.ID(), "error", err)
		default:
			s.logger.Warn("access failed", "process", p.ID(), "error", err)
		}
	}()
	return p.ID(), true
}

// Wait blocks until every access started by TriggerAccess has returned.
func (s *Simulation) Wait() {
	s.acquisitions.Wait()
}

func (s *Simulation) pickIdle(filter func(*Process) bool) (*Process, bool) {
	var candidates []*Process
	for _, p := range s.registry.Processes() {
		if p.Idle() && (filter == nil || filter(p)) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// Status returns a snapshot of the fleet.
func (s *Simulation) Status() Status {
	s.mu.RLock()
	startedAt := s.startedAt
	nc := s.nc
	s.mu.RUnlock()

	st := Status{
		ClusterID: s.cfg.ClusterID,
		NodeID:    s.cfg.NodeID,
		Connected: nc != nil && nc.IsConnected(),
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt)
	}
	if id, ok := s.registry.CurrentCoordinator(); ok {
		st.Coordinator = &id
	}
	if id, ok := s.registry.CurrentHolder(); ok {
		st.Holder = &id
	}
	for _, p := range s.registry.Processes() {
		st.Processes = append(st.Processes, ProcessStatus{
			ID:    p.ID(),
			Role:  p.Role().String(),
			State: p.State().String(),
		})
	}
	if cp, ok := s.registry.CoordinatorProcess(); ok {
		if svc, ok := cp.Coordinator(); ok {
			st.QueueLength = svc.QueueLength()
			st.Busy = svc.Busy()
		}
	}
	return st
}

// Run starts the outer surfaces and the driver loops and blocks until ctx
// is done. On return every process has been destroyed.
func (s *Simulation) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	nc, ownConn, err := s.connectNATS()
	if err != nil {
		return err
	}
	if ownConn {
		defer nc.Close()
	}

	audit := NewAudit(s.cfg, nc)
	if err := audit.Start(ctx); err != nil {
		return err
	}

	var checker *health.Checker
	if nc != nil {
		checker, err = health.NewChecker(health.Config{
			ClusterID: s.cfg.ClusterID,
			NodeID:    s.cfg.NodeID,
			Conn:      nc,
			Logger:    s.cfg.Logger,
		})
		if err != nil {
			return fmt.Errorf("create health checker: %w", err)
		}
		if err := checker.Start(ctx); err != nil {
			return fmt.Errorf("start health checker: %w", err)
		}
		defer checker.Stop()
	}

	s.mu.Lock()
	s.audit = audit
	s.nc = nc
	s.checker = checker
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.metrics.Start(ctx, s.cfg.MetricsAddr, s.logger); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	if err := s.health.Start(ctx, s.cfg.HealthAddr); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	s.logger.Info("simulation started",
		"addr", s.cfg.Address,
		"spawn_interval", s.cfg.SpawnInterval,
		"coordinator_crash_interval", s.cfg.CoordinatorCrashInterval,
		"nats", nc != nil,
	)

	var wg sync.WaitGroup
	loop := func(interval func() time.Duration, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, interval, fn)
		}()
	}

	fixed := func(d time.Duration) func() time.Duration { return func() time.Duration { return d } }

	if s.cfg.SpawnInterval > 0 {
		// The first process is created right away.
		_, _ = s.Spawn(ctx)
		loop(fixed(s.cfg.SpawnInterval), func(ctx context.Context) { _, _ = s.Spawn(ctx) })
	}
	if s.cfg.CoordinatorCrashInterval > 0 {
		loop(fixed(s.cfg.CoordinatorCrashInterval), func(ctx context.Context) {
			if _, _, err := s.CrashCoordinator(ctx); err != nil {
				s.logger.Warn("could not crash coordinator", "error", err)
			}
		})
	}
	if s.cfg.RemoveInterval > 0 {
		loop(fixed(s.cfg.RemoveInterval), func(ctx context.Context) {
			if _, _, err := s.RemoveIdleProcess(ctx); err != nil {
				s.logger.Warn("could not remove process", "error", err)
			}
		})
	}
	if s.cfg.AccessIntervalMax > 0 {
		loop(s.accessInterval, func(ctx context.Context) { s.TriggerAccess(ctx) })
	}
	if s.cfg.StatusInterval > 0 {
		loop(fixed(s.cfg.StatusInterval), func(context.Context) { s.publishStatus() })
	}

	wg.Wait()
	s.shutdown()
	return nil
}

func (s *Simulation) accessInterval() time.Duration {
	span := s.cfg.AccessIntervalMax - s.cfg.AccessIntervalMin
	if span <= 0 {
		return s.cfg.AccessIntervalMin
	}
	return s.cfg.AccessIntervalMin + rand.N(span+1)
}

// every runs fn after each interval until ctx is done.
func (s *Simulation) every(ctx context.Context, interval func() time.Duration, fn func(context.Context)) {
	for {
		if err := sleepCtx(ctx, interval()); err != nil {
			return
		}
		fn(ctx)
	}
}

func (s *Simulation) publishStatus() {
	st := s.Status()
	s.metrics.SetProcesses(len(st.Processes))

	s.mu.RLock()
	checker := s.checker
	s.mu.RUnlock()
	if checker != nil {
		coord, hasCoord := 0, st.Coordinator != nil
		if hasCoord {
			coord = int(*st.Coordinator)
		}
		holder, hasHolder := 0, st.Holder != nil
		if hasHolder {
			holder = int(*st.Holder)
		}
		checker.SetCoordinator(coord, hasCoord)
		checker.SetHolder(holder, hasHolder)
		checker.SetProcesses(len(st.Processes))
		checker.SetCustom("queueLength", st.QueueLength)
		checker.SetCustom("busy", st.Busy)
	}

	s.logger.Debug("status",
		"coordinator", st.Coordinator,
		"holder", st.Holder,
		"processes", len(st.Processes),
		"queue_length", st.QueueLength,
	)
}

func (s *Simulation) connectNATS() (*nats.Conn, bool, error) {
	if s.opts.nc != nil {
		return s.opts.nc, false, nil
	}
	if s.cfg.NATSURL == "" {
		return nil, false, nil
	}

	opts := []nats.Option{
		nats.Name("centralmutex-" + s.cfg.NodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if s.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(s.cfg.NATSCredentials))
	}
	nc, err := nats.Connect(s.cfg.NATSURL, opts...)
	if err != nil {
		return nil, false, fmt.Errorf("connect NATS: %w", err)
	}
	return nc, true, nil
}

// shutdown destroys every process and waits for in-flight accesses.
func (s *Simulation) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range s.registry.Processes() {
		if err := p.Destroy(ctx); err != nil && !errors.Is(err, ErrProcessDestroyed) {
			s.logger.Warn("could not destroy process", "process", p.ID(), "error", err)
		}
	}
	s.acquisitions.Wait()
	s.metrics.SetProcesses(0)
	s.logger.Info("simulation stopped")
}
