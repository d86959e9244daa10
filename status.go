package centralmutex

import (
	"encoding/json"
	"time"
)

// Status is a snapshot of a simulation.
type Status struct {
	// ClusterID is the cluster identifier.
	ClusterID string `json:"clusterId"`

	// NodeID is the identifier of the host running the simulation.
	NodeID string `json:"nodeId"`

	// Coordinator is the process holding the coordinator role, if any.
	Coordinator *ProcessID `json:"coordinator"`

	// Holder is the process using the resource, if any.
	Holder *ProcessID `json:"holder"`

	// Processes lists the active processes ordered by id.
	Processes []ProcessStatus `json:"processes"`

	// QueueLength and Busy are the coordinator's view; both are zero
	// without a coordinator.
	QueueLength int  `json:"queueLength"`
	Busy        bool `json:"busy"`

	// Uptime is how long the simulation has been running.
	Uptime time.Duration `json:"uptime"`

	// Connected indicates whether the simulation is connected to NATS.
	Connected bool `json:"connected"`
}

// ProcessStatus describes one process.
type ProcessStatus struct {
	ID    ProcessID `json:"id"`
	Role  string    `json:"role"`
	State string    `json:"state"`
}

// HasCoordinator returns true if some process holds the coordinator role.
func (s Status) HasCoordinator() bool {
	return s.Coordinator != nil
}

// statusJSON is used for custom JSON marshaling.
type statusJSON struct {
	ClusterID   string          `json:"clusterId"`
	NodeID      string          `json:"nodeId"`
	Coordinator *ProcessID      `json:"coordinator"`
	Holder      *ProcessID      `json:"holder"`
	Processes   []ProcessStatus `json:"processes"`
	QueueLength int             `json:"queueLength"`
	Busy        bool            `json:"busy"`
	UptimeMs    int64           `json:"uptimeMs"`
	Connected   bool            `json:"connected"`
}

// MarshalJSON implements json.Marshaler to serialize Uptime as milliseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	procs := s.Processes
	if procs == nil {
		procs = []ProcessStatus{}
	}
	return json.Marshal(statusJSON{
		ClusterID:   s.ClusterID,
		NodeID:      s.NodeID,
		Coordinator: s.Coordinator,
		Holder:      s.Holder,
		Processes:   procs,
		QueueLength: s.QueueLength,
		Busy:        s.Busy,
		UptimeMs:    s.Uptime.Milliseconds(),
		Connected:   s.Connected,
	})
}

// UnmarshalJSON implements json.Unmarshaler, reading uptimeMs back into Uptime.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw statusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Status{
		ClusterID:   raw.ClusterID,
		NodeID:      raw.NodeID,
		Coordinator: raw.Coordinator,
		Holder:      raw.Holder,
		Processes:   raw.Processes,
		QueueLength: raw.QueueLength,
		Busy:        raw.Busy,
		Uptime:      time.Duration(raw.UptimeMs) * time.Millisecond,
		Connected:   raw.Connected,
	}
	return nil
}
