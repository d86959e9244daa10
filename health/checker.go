package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	ClusterID       string
	NodeID          string
	NATSURLs        []string
	NATSCredentials string

	// Conn, if set, is used instead of dialing NATSURLs. The checker does
	// not close it.
	Conn *nats.Conn

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("ClusterID is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("NodeID is required")
	}
	if c.Conn == nil && len(c.NATSURLs) == 0 {
		return fmt.Errorf("a NATS connection or at least one NATS URL is required")
	}
	return nil
}

// Subject returns the request subject a node answers health queries on.
func Subject(clusterID, nodeID string) string {
	return fmt.Sprintf("centralmutex.%s.health.%s", clusterID, nodeID)
}

type Response struct {
	NodeID      string         `json:"nodeId"`
	Coordinator *int           `json:"coordinator"`
	Holder      *int           `json:"holder"`
	Processes   int            `json:"processes"`
	UptimeMs    int64          `json:"uptimeMs"`
	Timestamp   int64          `json:"timestamp"`
	Custom      map[string]any `json:"custom,omitempty"`
}

// HasCoordinator reports whether the node knew of a coordinator.
func (r Response) HasCoordinator() bool {
	return r.Coordinator != nil
}

type Checker struct {
	cfg         Config
	logger      *slog.Logger
	subject     string
	mu          sync.RWMutex
	coordinator *int
	holder      *int
	processes   int
	custom      map[string]any
	startedAt   time.Time
	nc          *nats.Conn
	ownConn     bool
	sub         *nats.Subscription
}

func NewChecker(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:     cfg,
		logger:  logger.With("component", "health", "cluster", cfg.ClusterID, "node", cfg.NodeID),
		subject: Subject(cfg.ClusterID, cfg.NodeID),
		custom:  make(map[string]any),
	}, nil
}

func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil {
		return nil
	}

	nc, own := c.cfg.Conn, false
	if nc == nil {
		var err error
		nc, err = c.connect(nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
		if err != nil {
			return err
		}
		own = true
	}

	sub, err := nc.Subscribe(c.subject, c.handleRequest)
	if err != nil {
		if own {
			nc.Close()
		}
		return fmt.Errorf("subscribe health subject: %w", err)
	}

	c.nc = nc
	c.ownConn = own
	c.sub = sub
	c.startedAt = time.Now()

	c.logger.Info("health checker started", "subject", c.subject)
	return nil
}

func (c *Checker) connect(opts ...nats.Option) (*nats.Conn, error) {
	if c.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(c.cfg.NATSCredentials))
	}
	nc, err := nats.Connect(c.cfg.NATSURLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	return nc, nil
}

func (c *Checker) Stop() {
	c.mu.Lock()
	sub := c.sub
	nc := c.nc
	own := c.ownConn
	c.sub = nil
	c.nc = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil && own {
		nc.Close()
	}
	c.logger.Info("health checker stopped")
}

// SetCoordinator records the current coordinator; ok false clears it.
func (c *Checker) SetCoordinator(id int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinator = optional(id, ok)
}

// SetHolder records the current resource holder; ok false clears it.
func (c *Checker) SetHolder(id int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holder = optional(id, ok)
}

func (c *Checker) SetProcesses(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processes = n
}

func (c *Checker) SetCustom(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[key] = value
}

func optional(id int, ok bool) *int {
	if !ok {
		return nil
	}
	return &id
}

func (c *Checker) QueryNode(ctx context.Context, nodeID string, timeout time.Duration) (Response, error) {
	if nodeID == "" {
		return Response{}, fmt.Errorf("nodeID is required")
	}

	subject := Subject(c.cfg.ClusterID, nodeID)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		nc = c.cfg.Conn
	}

	var msg *nats.Msg
	var err error

	if nc != nil && nc.IsConnected() {
		msg, err = nc.RequestWithContext(reqCtx, subject, nil)
	} else {
		if len(c.cfg.NATSURLs) == 0 {
			return Response{}, fmt.Errorf("no NATS connection available")
		}
		tmp, errConn := c.connect(nats.Timeout(timeout))
		if errConn != nil {
			return Response{}, errConn
		}
		defer tmp.Close()
		msg, err = tmp.RequestWithContext(reqCtx, subject, nil)
	}

	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Checker) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}

	resp := c.buildResponse()
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal health response", "error", err)
		return
	}

	if err := msg.Respond(data); err != nil {
		c.logger.Error("failed to respond to health request", "error", err)
	}
}

func (c *Checker) buildResponse() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var uptimeMs int64
	if !c.startedAt.IsZero() {
		uptimeMs = now.Sub(c.startedAt).Milliseconds()
	}

	custom := make(map[string]any, len(c.custom))
	for k, v := range c.custom {
		custom[k] = v
	}

	return Response{
		NodeID:      c.cfg.NodeID,
		Coordinator: c.coordinator,
		Holder:      c.holder,
		Processes:   c.processes,
		UptimeMs:    uptimeMs,
		Timestamp:   now.UnixMilli(),
		Custom:      custom,
	}
}
