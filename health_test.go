package centralmutex_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	centralmutex "github.com/ozanturksever/go-centralmutex"
)

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) int {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth_ReadinessFollowsCoordinator(t *testing.T) {
	sim := newSimulation(t, testConfig(t))
	srv := httptest.NewServer(sim.Health().Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/health", nil))

	var status centralmutex.HealthStatus
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv, "/ready", &status))
	assert.Equal(t, "failing", status.Status)
	assert.Contains(t, status.Checks["coordinator"].Error, "no coordinator")

	_, err := sim.Spawn(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/ready", &status))
	assert.Equal(t, "passing", status.Status)
}

func TestHealth_CustomChecks(t *testing.T) {
	sim := newSimulation(t, testConfig(t))
	_, err := sim.Spawn(context.Background())
	require.NoError(t, err)

	h := sim.Health()
	h.Register("disk", func(ctx context.Context) error { return errors.New("disk full") })

	result := h.Check(context.Background())
	assert.Equal(t, "failing", result.Status)
	assert.Equal(t, "passing", result.Checks["coordinator"].Status)
	assert.Equal(t, "disk full", result.Checks["disk"].Error)

	h.Unregister("disk")
	assert.Equal(t, "passing", h.Check(context.Background()).Status)
}

func TestHealth_StatusEndpoint(t *testing.T) {
	sim := newSimulation(t, testConfig(t))
	p, err := sim.Spawn(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(sim.Health().Handler())
	defer srv.Close()

	var body struct {
		Health centralmutex.HealthStatus `json:"health"`
		Status centralmutex.Status       `json:"status"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/status", &body))
	assert.Equal(t, "passing", body.Health.Status)
	require.NotNil(t, body.Status.Coordinator)
	assert.Equal(t, p.ID(), *body.Status.Coordinator)
	require.Len(t, body.Status.Processes, 1)
	assert.Equal(t, "COORDINATOR", body.Status.Processes[0].Role)
}

func TestHealth_StartWithoutAddrIsNoOp(t *testing.T) {
	sim := newSimulation(t, testConfig(t))
	require.NoError(t, sim.Health().Start(context.Background(), ""))
	sim.Health().Stop()
}
