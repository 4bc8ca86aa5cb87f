package invoice

// transitions is the complete state machine. Completed and Cancelled are
// terminal: no outgoing edges.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusFunded, StatusCancelled},
	StatusFunded:     {StatusInProgress, StatusDisputed, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusFunded, StatusDisputed, StatusCompleted, StatusCancelled},
	StatusDisputed:   {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status accepts no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the invoice holds custody that work can be paid
// from, i.e. milestone activity and disputes are possible.
func Active(s Status) bool {
	return s == StatusFunded || s == StatusInProgress
}
