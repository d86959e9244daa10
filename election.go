package centralmutex

// ElectCoordinator returns the highest identifier among candidates and hint.
// It is deterministic and has no side effects: the highest id always wins,
// as in the bully algorithm.
func ElectCoordinator(candidates []ProcessID, hint ProcessID) ProcessID {
	winner := hint
	for _, id := range candidates {
		if id > winner {
			winner = id
		}
	}
	return winner
}

// ElectionResult is the outcome of an advisory election.
type ElectionResult struct {
	Winner ProcessID
	// Incumbent is true when the winner already holds the coordinator role.
	Incumbent bool
}

// Election runs advisory elections over the registered processes.
//
// Re-coordination is driven by self-promotion on connection loss; the
// endpoint bind decides who really becomes coordinator. Election only tells
// a promoting process who the bully algorithm would have picked.
type Election struct {
	registry *Registry
}

// NewElection creates an election over the registry.
func NewElection(registry *Registry) *Election {
	return &Election{registry: registry}
}

// Run elects among the registered ids plus initiator.
func (e *Election) Run(initiator ProcessID) ElectionResult {
	winner := ElectCoordinator(e.registry.IDs(), initiator)
	current, ok := e.registry.CurrentCoordinator()
	return ElectionResult{
		Winner:    winner,
		Incumbent: ok && current == winner,
	}
}
