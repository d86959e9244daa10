// Package health answers health queries for a coordination simulation over
// NATS request/reply.
//
// A running simulation advertises the current coordinator, the resource
// holder and the number of active processes; operators query it from
// anywhere on the NATS network.
//
// # Usage
//
//	checker, err := health.NewChecker(health.Config{
//	    ClusterID: "centralmutex",
//	    NodeID:    "host-1",
//	    NATSURLs:  []string{"nats://localhost:4222"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := checker.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer checker.Stop()
//
//	checker.SetCoordinator(417, true)
//	checker.SetHolder(88, true)
//	checker.SetProcesses(6)
//
//	// Query another host
//	resp, err := checker.QueryNode(ctx, "host-2", 5*time.Second)
//
// # NATS Subject Pattern
//
// Health queries use the subject pattern: centralmutex.<clusterID>.health.<nodeID>
package health
