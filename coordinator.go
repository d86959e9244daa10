package centralmutex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/ozanturksever/go-centralmutex/protocol"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Address is the well-known endpoint to bind.
	Address string

	// PollInterval is how often the dispatch loop looks at the queue.
	PollInterval time.Duration

	// IOTimeout bounds reading the first message of a connection and every write.
	IOTimeout time.Duration

	// Registry, if set, tracks the holder from the moment a grant is sent,
	// so a successor taking over mid-use still sees the resource as held.
	// The holder recorded there is adopted when the endpoint is bound, and
	// queued requesters that are no longer active in it are dropped.
	Registry *Registry

	Logger  *slog.Logger
	Metrics *Metrics
	Audit   *Audit
}

// livenessWindow bounds the read used to check that a queued requester is
// still connected before it is granted.
const livenessWindow = time.Millisecond

// pendingRequest is a requester connection held open until its grant.
type pendingRequest struct {
	id         ProcessID
	conn       net.Conn
	enqueuedAt time.Time
	// denying is set while Denied is being written; the entry is not
	// granted before that write completes.
	denying bool
}

// Coordinator serializes resource requests. It runs inside the process that
// holds the coordinator role and owns the listening endpoint, the FIFO wait
// queue and the busy flag. Nothing outside this type touches that state;
// other processes only reach it over the wire.
//
// A Coordinator is single use: once stopped it cannot be started again.
type Coordinator struct {
	owner  ProcessID
	cfg    CoordinatorConfig
	logger *slog.Logger

	mu        sync.Mutex
	busy      bool
	holder    ProcessID
	grantedAt time.Time
	queue     []pendingRequest
	reading   map[net.Conn]struct{} // accepted connections whose first message is pending
	listener  net.Listener
	running   bool
	stopped   bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCoordinator creates a coordinator owned by the given process.
func NewCoordinator(owner ProcessID, cfg CoordinatorConfig) *Coordinator {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		owner:   owner,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "coordinator", "coordinator", owner),
		reading: make(map[net.Conn]struct{}),
	}
}

// AdoptHolder marks the resource as held by id. It is meant to be called
// before Start when taking over from a coordinator that died while the
// resource was in use. With a Registry configured, Start adopts the
// registry holder on its own.
func (c *Coordinator) AdoptHolder(id ProcessID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adoptHolderLocked(id)
}

func (c *Coordinator) adoptHolderLocked(id ProcessID) {
	c.busy = true
	c.holder = id
	c.grantedAt = time.Now()
	c.logger.Info("adopting current resource holder", "holder", id)
}

// Start binds the endpoint and launches the accept and dispatch loops.
// It fails with ErrAddressInUse when another coordinator owns the endpoint.
// Cancelling ctx stops the coordinator.
//
// The registry holder is read only after the bind succeeded: a holder that
// clears its entry later sends its Release to this coordinator.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.stopped {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", c.cfg.Address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrAddressInUse, c.cfg.Address)
		}
		return fmt.Errorf("listen %s: %w", c.cfg.Address, err)
	}

	if c.cfg.Registry != nil && !c.busy {
		if holder, ok := c.cfg.Registry.CurrentHolder(); ok {
			c.adoptHolderLocked(holder)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.listener = ln
	c.cancel = cancel
	c.running = true

	c.wg.Add(2)
	go c.acceptLoop(runCtx)
	go c.dispatchLoop(runCtx)

	context.AfterFunc(runCtx, c.Stop)

	c.publishStateLocked()
	c.logger.Info("coordinator ready for requests", "addr", ln.Addr().String())
	_ = c.cfg.Audit.Log(ctx, AuditEntry{
		ProcessID: c.owner,
		Category:  AuditCoordinator,
		Action:    "started",
		Data:      map[string]any{"addr": ln.Addr().String()},
	})
	return nil
}

// Stop cancels both loops, closes the listener and closes every held
// connection, so blocked requesters observe the closure. It is idempotent
// and returns once all goroutines have exited.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	started := c.listener != nil
	c.stopped = true
	c.mu.Unlock()

	if !started {
		return
	}
	c.stopOnce.Do(c.shutdown)
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.running = false
	pending := c.queue
	c.queue = nil
	reading := make([]net.Conn, 0, len(c.reading))
	for conn := range c.reading {
		reading = append(reading, conn)
	}
	clear(c.reading)
	c.mu.Unlock()

	c.cancel()
	_ = c.listener.Close()
	for _, p := range pending {
		_ = p.conn.Close()
	}
	for _, conn := range reading {
		_ = conn.Close()
	}
	c.wg.Wait()

	c.cfg.Metrics.SetQueueState(0, false)
	c.logger.Info("coordinator stopped", "dropped_requests", len(pending))
	_ = c.cfg.Audit.Log(context.Background(), AuditEntry{
		ProcessID: c.owner,
		Category:  AuditCoordinator,
		Action:    "stopped",
		Data:      map[string]any{"dropped_requests": len(pending)},
	})
}

// Owner returns the id of the process running this coordinator.
func (c *Coordinator) Owner() ProcessID {
	return c.owner
}

// Addr returns the bound address, or nil before Start.
func (c *Coordinator) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Running reports whether the coordinator is serving.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Busy reports whether the resource is currently granted.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Holder returns the process the resource was last granted to, if busy.
func (c *Coordinator) Holder() (ProcessID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder, c.busy
}

// QueueLength returns the number of waiting requests.
func (c *Coordinator) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Queued returns the waiting process ids in grant order.
func (c *Coordinator) Queued() []ProcessID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedLocked()
}

func (c *Coordinator) queuedLocked() []ProcessID {
	ids := make([]ProcessID, len(c.queue))
	for i, p := range c.queue {
		ids[i] = p.id
	}
	return ids
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}

		if !c.track(conn) {
			_ = conn.Close()
			return
		}
		go c.handleConn(conn)
	}
}

// track registers conn as being read and accounts its handler in the wait group.
func (c *Coordinator) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}
	c.reading[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) untrackAndClose(conn net.Conn) {
	c.mu.Lock()
	delete(c.reading, conn)
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Coordinator) handleConn(conn net.Conn) {
	defer c.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))
	msg, err := protocol.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		c.untrackAndClose(conn)
		if errors.Is(err, protocol.ErrMalformedMessage) {
			c.cfg.Metrics.ObserveProtocolError("malformed")
			c.logger.Warn("dropping connection with malformed message",
				"remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		c.logger.Debug("connection closed before any message", "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch msg.Kind {
	case protocol.KindRequest:
		c.handleRequest(conn, msg.ProcessID)
	case protocol.KindRelease:
		c.untrackAndClose(conn)
		c.handleRelease(msg.ProcessID)
	default:
		c.untrackAndClose(conn)
		c.cfg.Metrics.ObserveProtocolError("unexpected_kind")
		c.logger.Warn("rejecting message",
			"process", msg.ProcessID,
			"error", fmt.Errorf("%w: coordinator received %s", ErrProtocolViolation, msg))
	}
}

// handleRequest queues the requester. When the resource cannot be granted
// right away the requester is told so with Denied. That is the case while
// the resource is busy and also while earlier requests are still queued,
// even if the resource is momentarily free, so that queued requesters keep
// their turn. The entry is queued before Denied is written, outside the
// lock; dispatch does not grant it until the write is done, which keeps
// Denied ahead of Granted on the wire.
func (c *Coordinator) handleRequest(conn net.Conn, id ProcessID) {
	c.mu.Lock()
	delete(c.reading, conn)
	if !c.running {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}

	// A holder never requests while holding, so its grant was abandoned.
	var abandoned time.Duration
	abandonedGrant := c.busy && c.holder == id
	if abandonedGrant {
		abandoned = time.Since(c.grantedAt)
		c.busy = false
		c.clearRegistryHolder(id)
	}

	// At most one entry per process: a new request supersedes a stale one.
	var stale net.Conn
	if i := slices.IndexFunc(c.queue, func(p pendingRequest) bool { return p.id == id }); i >= 0 {
		stale = c.queue[i].conn
		c.queue = slices.Delete(c.queue, i, i+1)
	}

	denied := c.busy || len(c.queue) > 0
	c.queue = append(c.queue, pendingRequest{id: id, conn: conn, enqueuedAt: time.Now(), denying: denied})
	queued := c.queuedLocked()
	c.publishStateLocked()
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
		c.logger.Warn("replaced stale queue entry", "process", id)
	}
	if abandonedGrant {
		c.cfg.Metrics.ObserveRelease(true, abandoned)
		c.logger.Warn("holder requested again, previous grant treated as released", "process", id)
	}

	if denied && !c.sendDenied(conn, id) {
		return
	}

	c.cfg.Metrics.ObserveRequest(denied)

	action := "accepted"
	if denied {
		action = "denied"
		c.logger.Info("request denied, added to wait queue", "process", id, "queue", queued)
	} else {
		c.logger.Info("request accepted", "process", id)
	}
	_ = c.cfg.Audit.Log(context.Background(), AuditEntry{
		ProcessID: id,
		Category:  AuditRequest,
		Action:    action,
		Data:      map[string]any{"coordinator": c.owner, "queue_length": len(queued)},
	})
}

// sendDenied writes Denied to a queued requester and makes its entry
// grantable. A requester that cannot be written to is removed from the
// queue and false is returned.
func (c *Coordinator) sendDenied(conn net.Conn, id ProcessID) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
	err := protocol.WriteMessage(conn, protocol.Denied(id))
	_ = conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	i := slices.IndexFunc(c.queue, func(p pendingRequest) bool { return p.conn == conn })
	switch {
	case i < 0:
		// Replaced by a newer request or dropped by Stop.
	case err != nil:
		c.queue = slices.Delete(c.queue, i, i+1)
	default:
		c.queue[i].denying = false
	}
	c.publishStateLocked()
	c.mu.Unlock()

	if err != nil {
		_ = conn.Close()
		c.logger.Debug("requester gone before denial", "process", id, "error", err)
		return false
	}
	return true
}

// handleRelease frees the resource when the release comes from the holder.
func (c *Coordinator) handleRelease(id ProcessID) {
	c.mu.Lock()
	var (
		accepted bool
		held     time.Duration
		reason   string
	)
	switch {
	case !c.busy:
		reason = "resource is not busy"
	case c.holder != id:
		reason = fmt.Sprintf("resource is held by %d", c.holder)
	default:
		accepted = true
		held = time.Since(c.grantedAt)
		c.busy = false
		c.clearRegistryHolder(id)
	}
	c.publishStateLocked()
	c.mu.Unlock()

	c.cfg.Metrics.ObserveRelease(accepted, held)

	if !accepted {
		c.cfg.Metrics.ObserveProtocolError("stray_release")
		c.logger.Warn("ignoring release", "process", id,
			"error", fmt.Errorf("%w: %s", ErrProtocolViolation, reason))
		return
	}

	c.logger.Info("resource released", "process", id, "held", held)
	_ = c.cfg.Audit.Log(context.Background(), AuditEntry{
		ProcessID: id,
		Category:  AuditRelease,
		Action:    "accepted",
		Data:      map[string]any{"coordinator": c.owner, "held_ms": held.Milliseconds()},
	})
}

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatchNext()
		}
	}
}

// dispatchNext grants the head of the queue if the resource is free and
// reports whether a grant was delivered. It is the only place busy turns
// true. Requesters that are gone are dropped and the next entry is tried
// right away: a connection closed by the peer, a process no longer active in
// the registry or a grant that cannot be written. The requester is presumed
// dead and retries on its own if it is not.
func (c *Coordinator) dispatchNext() bool {
	for {
		next, ok := c.popGrantable()
		if !ok {
			return false
		}

		if err := checkAlive(next.conn); err != nil {
			c.dropRequester(next, "connection closed", err)
			continue
		}

		c.mu.Lock()
		if !c.running || c.busy {
			// Stopped, or a holder was adopted meanwhile: put the entry back.
			if c.running {
				c.queue = slices.Insert(c.queue, 0, next)
				c.mu.Unlock()
				return false
			}
			c.mu.Unlock()
			_ = next.conn.Close()
			return false
		}
		if c.cfg.Registry != nil && !c.cfg.Registry.SetHolder(next.id) {
			c.mu.Unlock()
			c.dropRequester(next, "process no longer active", nil)
			continue
		}
		c.busy = true
		c.holder = next.id
		c.grantedAt = time.Now()
		c.publishStateLocked()
		c.mu.Unlock()

		_ = next.conn.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
		err := protocol.WriteMessage(next.conn, protocol.Granted(next.id))
		_ = next.conn.Close()
		c.cfg.Metrics.ObserveGrant(err)

		if err != nil {
			c.mu.Lock()
			if c.busy && c.holder == next.id {
				c.busy = false
				c.clearRegistryHolder(next.id)
				c.publishStateLocked()
			}
			c.mu.Unlock()

			c.logger.Info("dropping unreachable requester", "process", next.id, "error", err)
			continue
		}

		c.logger.Info("granting resource", "process", next.id, "waited", time.Since(next.enqueuedAt))
		_ = c.cfg.Audit.Log(context.Background(), AuditEntry{
			ProcessID: next.id,
			Category:  AuditGrant,
			Action:    "sent",
			Data:      map[string]any{"coordinator": c.owner},
		})
		return true
	}
}

// popGrantable removes and returns the head of the queue when the resource
// is free and the head's Denied has been written.
func (c *Coordinator) popGrantable() (pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.busy || len(c.queue) == 0 || c.queue[0].denying {
		return pendingRequest{}, false
	}
	next := c.queue[0]
	c.queue[0] = pendingRequest{}
	c.queue = c.queue[1:]
	c.publishStateLocked()
	return next, true
}

func (c *Coordinator) dropRequester(p pendingRequest, reason string, err error) {
	_ = p.conn.Close()
	c.cfg.Metrics.ObserveGrant(errRequesterGone)
	c.logger.Info("dropping vanished requester", "process", p.id, "reason", reason, "error", err)
	_ = c.cfg.Audit.Log(context.Background(), AuditEntry{
		ProcessID: p.id,
		Category:  AuditGrant,
		Action:    "dropped",
		Data:      map[string]any{"coordinator": c.owner, "reason": reason},
	})
}

var errRequesterGone = errors.New("requester gone")

// checkAlive reports an error if the peer has closed conn. A waiting
// requester sends nothing after its Request, so a read that times out means
// the connection is still open.
func checkAlive(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(livenessWindow))
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := conn.Read(buf[:])
	var netErr net.Error
	if err == nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return nil
	}
	return err
}

// clearRegistryHolder is called with c.mu held; the registry lock nests inside it.
func (c *Coordinator) clearRegistryHolder(id ProcessID) {
	if c.cfg.Registry != nil {
		c.cfg.Registry.ClearHolder(id)
	}
}

func (c *Coordinator) publishStateLocked() {
	c.cfg.Metrics.SetQueueState(len(c.queue), c.busy)
}
