// Package centralmutex implements centralized mutual exclusion over TCP with
// coordinator takeover.
//
// One process holds the coordinator role. It owns a well-known TCP endpoint,
// a busy flag and a FIFO queue of requester connections. Every other process
// acquires the shared resource by sending a Request and waiting on the same
// connection for Granted (after an optional Denied), uses the resource for a
// while and sends Release on a fresh connection.
//
// When a requester sees the coordinator vanish (connection refused, closed
// or no first response within the read timeout) it promotes itself by
// binding the endpoint. Several requesters may race; the bind lets exactly
// one win and the others retry as ordinary requesters.
//
// # Quick Start
//
//	sim, err := centralmutex.NewSimulation(centralmutex.Config{
//	    Address:  "127.0.0.1:8000",
//	    UsageMin: 2 * time.Second,
//	    UsageMax: 4 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sim.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Processes can also be driven directly:
//
//	registry := centralmutex.NewRegistry()
//	p := centralmutex.NewProcess(42, registry, cfg)
//	_ = registry.Register(p)
//	if err := p.AcquireAndUse(ctx); err != nil {
//	    log.Println(err)
//	}
//
// # Wire Protocol
//
// Messages are JSON objects, one per line:
//
//	{"processId":42,"kind":"Request"}
//
// Kinds are Request, Denied, Granted and Release. See package protocol.
//
// # Known Gap
//
// A holder that dies before sending Release leaves the coordinator busy
// forever. There is no lease.
package centralmutex
