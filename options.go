package centralmutex

import "github.com/nats-io/nats.go"

// ProcessOption configures a Process.
type ProcessOption func(*processOptions)

type processOptions struct {
	hooks   Hooks
	metrics *Metrics
	audit   *Audit
}

func defaultProcessOptions() *processOptions {
	return &processOptions{
		hooks: NoOpHooks{},
	}
}

// WithHooks sets the lifecycle hooks of a process.
func WithHooks(h Hooks) ProcessOption {
	return func(o *processOptions) {
		if h != nil {
			o.hooks = h
		}
	}
}

// WithMetrics sets the metrics a process and its coordinator record into.
func WithMetrics(m *Metrics) ProcessOption {
	return func(o *processOptions) {
		o.metrics = m
	}
}

// WithAudit sets the audit log a process and its coordinator write to.
func WithAudit(a *Audit) ProcessOption {
	return func(o *processOptions) {
		o.audit = a
	}
}

// SimulationOption configures a Simulation.
type SimulationOption func(*simulationOptions)

type simulationOptions struct {
	hooks   Hooks
	nc      *nats.Conn
	metrics *Metrics
}

// WithProcessHooks sets the hooks given to every spawned process.
func WithProcessHooks(h Hooks) SimulationOption {
	return func(o *simulationOptions) {
		o.hooks = h
	}
}

// WithNATSConn uses an existing NATS connection instead of dialing Config.NATSURL.
func WithNATSConn(nc *nats.Conn) SimulationOption {
	return func(o *simulationOptions) {
		o.nc = nc
	}
}

// WithSimulationMetrics uses m instead of a fresh metrics registry.
func WithSimulationMetrics(m *Metrics) SimulationOption {
	return func(o *simulationOptions) {
		o.metrics = m
	}
}
