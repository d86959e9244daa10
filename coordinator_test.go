package centralmutex_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	centralmutex "github.com/ozanturksever/go-centralmutex"
	"github.com/ozanturksever/go-centralmutex/protocol"
	"github.com/ozanturksever/go-centralmutex/testutil"
)

const replyTimeout = 2 * time.Second

func startCoordinator(t *testing.T, owner centralmutex.ProcessID, cfg centralmutex.CoordinatorConfig) (*centralmutex.Coordinator, string) {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = testutil.FreeAddr(t)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	c := centralmutex.NewCoordinator(owner, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, cfg.Address
}

func expectMessage(t *testing.T, r *testutil.Requester, want protocol.Message) {
	t.Helper()

	got, err := r.Next(replyTimeout)
	require.NoError(t, err, "process %d waiting for %s", r.ID, want)
	assert.Equal(t, want, got)
}

func TestCoordinator_GrantsFreeResourceWithoutDenial(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	r := testutil.Request(t, addr, 5)
	expectMessage(t, r, protocol.Granted(5))

	// The grant is the last message on the connection.
	_, err := r.Next(replyTimeout)
	assert.ErrorIs(t, err, io.EOF)

	holder, busy := c.Holder()
	assert.True(t, busy)
	assert.Equal(t, centralmutex.ProcessID(5), holder)
}

func TestCoordinator_DeniesWhileBusyThenGrantsOnSameConnection(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))

	waiter := testutil.Request(t, addr, 9)
	expectMessage(t, waiter, protocol.Denied(9))
	require.Eventually(t, func() bool { return c.QueueLength() == 1 }, replyTimeout, 5*time.Millisecond)

	testutil.Release(t, addr, 5)
	expectMessage(t, waiter, protocol.Granted(9))

	id, busy := c.Holder()
	assert.True(t, busy)
	assert.Equal(t, centralmutex.ProcessID(9), id)
	assert.Zero(t, c.QueueLength())
}

func TestCoordinator_GrantsInArrivalOrder(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	holder := testutil.Request(t, addr, 100)
	expectMessage(t, holder, protocol.Granted(100))

	ids := []centralmutex.ProcessID{30, 10, 20}
	waiters := make([]*testutil.Requester, len(ids))
	for i, id := range ids {
		waiters[i] = testutil.Request(t, addr, id)
		expectMessage(t, waiters[i], protocol.Denied(id))
	}
	require.Eventually(t, func() bool { return len(c.Queued()) == len(ids) }, replyTimeout, 5*time.Millisecond)
	assert.Equal(t, ids, c.Queued())

	prev := centralmutex.ProcessID(100)
	for i, id := range ids {
		testutil.Release(t, addr, prev)
		expectMessage(t, waiters[i], protocol.Granted(id))
		prev = id
	}
}

func TestCoordinator_StopClosesWaitingConnections(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))
	waiter := testutil.Request(t, addr, 9)
	expectMessage(t, waiter, protocol.Denied(9))

	c.Stop()
	c.Stop()

	_, err := waiter.Next(replyTimeout)
	assert.Error(t, err)
	assert.False(t, c.Running())

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "endpoint should be closed")

	assert.ErrorIs(t, c.Start(context.Background()), centralmutex.ErrAlreadyStarted)
}

func TestCoordinator_SecondBindFailsWithAddressInUse(t *testing.T) {
	_, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	second := centralmutex.NewCoordinator(2, centralmutex.CoordinatorConfig{Address: addr, Logger: discardLogger()})
	err := second.Start(context.Background())
	assert.ErrorIs(t, err, centralmutex.ErrAddressInUse)

	// Never started, so Stop is a no-op.
	second.Stop()
}

func TestCoordinator_SuccessorBindsAfterStop(t *testing.T) {
	first, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})
	first.Stop()

	_, _ = startCoordinator(t, 2, centralmutex.CoordinatorConfig{Address: addr})
	r := testutil.Request(t, addr, 5)
	expectMessage(t, r, protocol.Granted(5))
}

func TestCoordinator_ContextCancelStops(t *testing.T) {
	addr := testutil.FreeAddr(t)
	c := centralmutex.NewCoordinator(1, centralmutex.CoordinatorConfig{Address: addr, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !c.Running() }, replyTimeout, 5*time.Millisecond)
}

func TestCoordinator_MalformedMessageDoesNotStopService(t *testing.T) {
	m := centralmutex.NewMetrics("test")
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{Metrics: m})

	testutil.SendLine(t, addr, []byte("not json\n"))
	testutil.SendLine(t, addr, []byte("\n"))
	testutil.SendLine(t, addr, []byte(`{"processId":3,"kind":"Granted"}`+"\n"))

	r := testutil.Request(t, addr, 5)
	expectMessage(t, r, protocol.Granted(5))

	assert.Eventually(t, func() bool {
		return promtestutil.ToFloat64(m.ProtocolErrors.WithLabelValues("test", "malformed")) == 2 &&
			promtestutil.ToFloat64(m.ProtocolErrors.WithLabelValues("test", "unexpected_kind")) == 1
	}, replyTimeout, 10*time.Millisecond)
	assert.True(t, c.Busy())
}

func TestCoordinator_IgnoresReleaseFromNonHolder(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))

	testutil.Release(t, addr, 7)
	assert.Never(t, func() bool { return !c.Busy() }, 150*time.Millisecond, 10*time.Millisecond)

	testutil.Release(t, addr, 5)
	assert.Eventually(t, func() bool { return !c.Busy() }, replyTimeout, 5*time.Millisecond)

	// A release while idle changes nothing.
	testutil.Release(t, addr, 5)
	r := testutil.Request(t, addr, 8)
	expectMessage(t, r, protocol.Granted(8))
}

func TestCoordinator_HolderRequestingAgainReleasesPreviousGrant(t *testing.T) {
	_, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	first := testutil.Request(t, addr, 5)
	expectMessage(t, first, protocol.Granted(5))

	again := testutil.Request(t, addr, 5)
	expectMessage(t, again, protocol.Granted(5))
}

func TestCoordinator_ReplacesStaleQueueEntry(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))

	stale := testutil.Request(t, addr, 9)
	expectMessage(t, stale, protocol.Denied(9))
	fresh := testutil.Request(t, addr, 9)
	expectMessage(t, fresh, protocol.Denied(9))

	_, err := stale.Next(replyTimeout)
	assert.Error(t, err, "stale connection should be closed")
	assert.Eventually(t, func() bool { return c.QueueLength() == 1 }, replyTimeout, 5*time.Millisecond)

	testutil.Release(t, addr, 5)
	expectMessage(t, fresh, protocol.Granted(9))
}

func TestCoordinator_DropsVanishedRequester(t *testing.T) {
	m := centralmutex.NewMetrics("test")
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{Metrics: m})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))

	gone := testutil.Request(t, addr, 9)
	expectMessage(t, gone, protocol.Denied(9))
	live := testutil.Request(t, addr, 11)
	expectMessage(t, live, protocol.Denied(11))
	gone.Close()

	testutil.Release(t, addr, 5)
	expectMessage(t, live, protocol.Granted(11))

	id, busy := c.Holder()
	assert.True(t, busy)
	assert.Equal(t, centralmutex.ProcessID(11), id)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.GrantsTotal.WithLabelValues("test", "dropped")))
}

func TestCoordinator_DropsVanishedRequesterWhenIdle(t *testing.T) {
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))
	gone := testutil.Request(t, addr, 9)
	expectMessage(t, gone, protocol.Denied(9))
	gone.Close()

	testutil.Release(t, addr, 5)
	require.Eventually(t, func() bool { return c.QueueLength() == 0 }, replyTimeout, 5*time.Millisecond)
	assert.Never(t, c.Busy, 100*time.Millisecond, 10*time.Millisecond)

	r := testutil.Request(t, addr, 12)
	expectMessage(t, r, protocol.Granted(12))
}

// registerProcesses registers idle processes so the registry treats the ids
// as active requesters.
func registerProcesses(t *testing.T, reg *centralmutex.Registry, ids ...centralmutex.ProcessID) map[centralmutex.ProcessID]*centralmutex.Process {
	t.Helper()

	procs := make(map[centralmutex.ProcessID]*centralmutex.Process, len(ids))
	for _, id := range ids {
		p := centralmutex.NewProcess(id, reg, centralmutex.Config{Logger: discardLogger()})
		require.NoError(t, reg.Register(p))
		procs[id] = p
	}
	return procs
}

func TestCoordinator_SkipsRequesterNoLongerRegistered(t *testing.T) {
	reg := centralmutex.NewRegistry()
	procs := registerProcesses(t, reg, 5, 9, 11)
	c, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{Registry: reg})

	holder := testutil.Request(t, addr, 5)
	expectMessage(t, holder, protocol.Granted(5))
	held, ok := reg.CurrentHolder()
	require.True(t, ok)
	assert.Equal(t, centralmutex.ProcessID(5), held)

	// 9 keeps its connection open but is destroyed while queued.
	waiter := testutil.Request(t, addr, 9)
	expectMessage(t, waiter, protocol.Denied(9))
	live := testutil.Request(t, addr, 11)
	expectMessage(t, live, protocol.Denied(11))
	require.NoError(t, procs[9].Destroy(context.Background()))

	testutil.Release(t, addr, 5)
	expectMessage(t, live, protocol.Granted(11))

	_, err := waiter.Next(replyTimeout)
	assert.Error(t, err, "dropped requester is disconnected without a grant")

	id, busy := c.Holder()
	assert.True(t, busy)
	assert.Equal(t, centralmutex.ProcessID(11), id)
}

func TestCoordinator_AdoptsRegistryHolderAtBind(t *testing.T) {
	reg := centralmutex.NewRegistry()
	registerProcesses(t, reg, 3, 4)
	require.True(t, reg.SetHolder(3))

	c, addr := startCoordinator(t, 2, centralmutex.CoordinatorConfig{Registry: reg})
	id, busy := c.Holder()
	require.True(t, busy)
	assert.Equal(t, centralmutex.ProcessID(3), id)

	r := testutil.Request(t, addr, 4)
	expectMessage(t, r, protocol.Denied(4))

	testutil.Release(t, addr, 3)
	expectMessage(t, r, protocol.Granted(4))
}

// A holder that finishes while the successor is still unbound clears the
// registry first; the successor must then start free rather than wait for a
// release that was never delivered.
func TestCoordinator_HolderClearedBeforeBindIsNotAdopted(t *testing.T) {
	reg := centralmutex.NewRegistry()
	registerProcesses(t, reg, 3, 4)
	require.True(t, reg.SetHolder(3))

	c := centralmutex.NewCoordinator(2, centralmutex.CoordinatorConfig{
		Address:      testutil.FreeAddr(t),
		PollInterval: 5 * time.Millisecond,
		Registry:     reg,
		Logger:       discardLogger(),
	})
	require.True(t, reg.ClearHolder(3))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	assert.False(t, c.Busy())
	r := testutil.Request(t, c.Addr().String(), 4)
	expectMessage(t, r, protocol.Granted(4))
}

func TestCoordinator_AdoptedHolderMustReleaseFirst(t *testing.T) {
	addr := testutil.FreeAddr(t)
	c := centralmutex.NewCoordinator(4, centralmutex.CoordinatorConfig{
		Address:      addr,
		PollInterval: 5 * time.Millisecond,
		Logger:       discardLogger(),
	})
	c.AdoptHolder(3)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	r := testutil.Request(t, addr, 4)
	expectMessage(t, r, protocol.Denied(4))

	testutil.Release(t, addr, 3)
	expectMessage(t, r, protocol.Granted(4))
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	m := centralmutex.NewMetrics("test")
	_, addr := startCoordinator(t, 1, centralmutex.CoordinatorConfig{Metrics: m})

	a := testutil.Request(t, addr, 5)
	expectMessage(t, a, protocol.Granted(5))
	b := testutil.Request(t, addr, 6)
	expectMessage(t, b, protocol.Denied(6))
	testutil.Release(t, addr, 5)
	expectMessage(t, b, protocol.Granted(6))

	assert.Eventually(t, func() bool {
		return promtestutil.ToFloat64(m.ReleasesTotal.WithLabelValues("test", "accepted")) == 1
	}, replyTimeout, 10*time.Millisecond)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.RequestsTotal.WithLabelValues("test", "queued")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.RequestsTotal.WithLabelValues("test", "denied")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.GrantsTotal.WithLabelValues("test", "delivered")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.ResourceBusy.WithLabelValues("test")))
}
