package registry

// Status is a machine's place in the provisioning lifecycle.
type Status string

const (
	// StatusAwaitingAssignment means registered with no OS chosen yet.
	StatusAwaitingAssignment Status = "AwaitingAssignment"
	// StatusInstallingOS means an installation workflow is in flight.
	StatusInstallingOS Status = "InstallingOS"
	// StatusReady means installation completed and the machine is adopted.
	StatusReady Status = "Ready"
	// StatusExistingOS means the machine runs a pre-existing unmanaged OS.
	StatusExistingOS Status = "ExistingOS"
	// StatusError means the workflow failed or timed out.
	StatusError Status = "Error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingAssignment, StatusInstallingOS, StatusReady, StatusExistingOS, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s ends a workflow's lifecycle. Terminal states
// can only be left through operator-triggered re-imaging.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusExistingOS, StatusError:
		return true
	}
	return false
}

// statusTransitions holds the allowed one-directional moves. Re-imaging
// re-enters InstallingOS from every terminal state.
var statusTransitions = map[Status][]Status{
	StatusAwaitingAssignment: {StatusInstallingOS, StatusExistingOS, StatusError},
	StatusInstallingOS:       {StatusReady, StatusError},
	StatusReady:              {StatusInstallingOS},
	StatusExistingOS:         {StatusInstallingOS},
	StatusError:              {StatusInstallingOS},
}

// CanTransition reports whether moving from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanAssignOS reports whether an OS assignment is allowed in the given
// status. Assignment from a terminal state is re-imaging.
func CanAssignOS(s Status) bool {
	switch s {
	case StatusAwaitingAssignment, StatusReady, StatusExistingOS, StatusError:
		return true
	}
	return false
}
