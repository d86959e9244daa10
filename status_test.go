package centralmutex

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStatusHasCoordinator(t *testing.T) {
	id := ProcessID(7)
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{
			name:   "coordinator present",
			status: Status{Coordinator: &id},
			want:   true,
		},
		{
			name:   "no coordinator",
			status: Status{},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.HasCoordinator(); got != tt.want {
				t.Errorf("HasCoordinator() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	coord, holder := ProcessID(9), ProcessID(3)
	status := Status{
		ClusterID:   "sim",
		NodeID:      "host-1",
		Coordinator: &coord,
		Holder:      &holder,
		Processes: []ProcessStatus{
			{ID: 3, Role: "ORDINARY", State: "USING"},
			{ID: 9, Role: "COORDINATOR", State: "IDLE"},
		},
		QueueLength: 2,
		Busy:        true,
		Uptime:      1500 * time.Millisecond,
		Connected:   true,
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"uptimeMs":1500`) {
		t.Errorf("uptime not serialized as milliseconds: %s", data)
	}

	var got Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Uptime != status.Uptime {
		t.Errorf("Uptime = %v, want %v", got.Uptime, status.Uptime)
	}
	if got.Coordinator == nil || *got.Coordinator != coord {
		t.Errorf("Coordinator = %v, want %d", got.Coordinator, coord)
	}
	if got.Holder == nil || *got.Holder != holder {
		t.Errorf("Holder = %v, want %d", got.Holder, holder)
	}
	if len(got.Processes) != 2 || got.Processes[1].Role != "COORDINATOR" {
		t.Errorf("Processes = %+v", got.Processes)
	}
	if got.QueueLength != 2 || !got.Busy || !got.Connected {
		t.Errorf("coordinator view lost: %+v", got)
	}
}

func TestStatusJSONEmpty(t *testing.T) {
	data, err := json.Marshal(Status{ClusterID: "sim"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	s := string(data)
	for _, want := range []string{`"coordinator":null`, `"holder":null`, `"processes":[]`} {
		if !strings.Contains(s, want) {
			t.Errorf("Marshal() = %s, want it to contain %s", s, want)
		}
	}
}

func TestStatusHasCoordinatorOnReturnedValue(t *testing.T) {
	id := ProcessID(2)
	snapshot := func() Status { return Status{Coordinator: &id} }

	if !snapshot().HasCoordinator() {
		t.Error("HasCoordinator() = false for a snapshot with a coordinator")
	}
}
