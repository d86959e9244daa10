package centralmutex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	centralmutex "github.com/ozanturksever/go-centralmutex"
	"github.com/ozanturksever/go-centralmutex/testutil"
)

func TestAudit_LogAndQuery(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	audit := centralmutex.NewAudit(centralmutex.Config{ClusterID: "audit-test", NodeID: "node-1"}, nc)
	require.True(t, audit.Enabled())

	ctx := context.Background()
	require.NoError(t, audit.Start(ctx))

	start := time.Now()
	require.NoError(t, audit.Log(ctx, centralmutex.AuditEntry{ProcessID: 4, Category: centralmutex.AuditCoordinator, Action: "promoted"}))
	require.NoError(t, audit.Log(ctx, centralmutex.AuditEntry{ProcessID: 7, Category: centralmutex.AuditGrant, Action: "sent"}))
	require.NoError(t, audit.Log(ctx, centralmutex.AuditEntry{ProcessID: 4, Category: centralmutex.AuditProcess, Action: "destroyed"}))
	require.NoError(t, nc.Flush())

	var all []centralmutex.AuditEntry
	require.Eventually(t, func() bool {
		entries, err := audit.Query(ctx, centralmutex.AuditFilter{})
		all = entries
		return err == nil && len(entries) == 3
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "node-1", all[0].NodeID)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].Timestamp.Before(start.Add(-time.Second)))

	promoted, err := audit.Query(ctx, centralmutex.AuditFilter{Category: centralmutex.AuditCoordinator})
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, "promoted", promoted[0].Action)

	id := centralmutex.ProcessID(4)
	byProcess, err := audit.Query(ctx, centralmutex.AuditFilter{ProcessID: &id})
	require.NoError(t, err)
	assert.Len(t, byProcess, 2)

	byAction, err := audit.Query(ctx, centralmutex.AuditFilter{Action: "sent"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, centralmutex.ProcessID(7), byAction[0].ProcessID)
}

func TestAudit_Disabled(t *testing.T) {
	var nilAudit *centralmutex.Audit
	assert.False(t, nilAudit.Enabled())
	assert.NoError(t, nilAudit.Log(context.Background(), centralmutex.AuditEntry{Action: "x"}))

	audit := centralmutex.NewAudit(centralmutex.Config{}, nil)
	assert.False(t, audit.Enabled())
	assert.NoError(t, audit.Start(context.Background()))
	assert.NoError(t, audit.Log(context.Background(), centralmutex.AuditEntry{Action: "x"}))

	_, err := audit.Query(context.Background(), centralmutex.AuditFilter{})
	assert.Error(t, err)
}
