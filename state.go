package centralmutex

// Role represents the role of a process.
type Role int

const (
	// RoleOrdinary indicates the process only requests the resource.
	RoleOrdinary Role = iota
	// RoleCoordinator indicates the process arbitrates access to the resource.
	RoleCoordinator
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleOrdinary:
		return "ORDINARY"
	case RoleCoordinator:
		return "COORDINATOR"
	default:
		return "UNKNOWN"
	}
}

// IsCoordinator returns true if the role is coordinator.
func (r Role) IsCoordinator() bool {
	return r == RoleCoordinator
}

// processRole is the role variant a process holds. Only the coordinator
// variant carries a service handle.
type processRole interface {
	role() Role
}

type ordinaryRole struct{}

func (ordinaryRole) role() Role { return RoleOrdinary }

type coordinatorRole struct {
	service *Coordinator
}

func (coordinatorRole) role() Role { return RoleCoordinator }

// State is the step of the acquisition cycle a process is in.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateWaiting
	StatePromoting
	StateUsing
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	case StateWaiting:
		return "WAITING"
	case StatePromoting:
		return "PROMOTING"
	case StateUsing:
		return "USING"
	case StateReleasing:
		return "RELEASING"
	default:
		return "UNKNOWN"
	}
}
