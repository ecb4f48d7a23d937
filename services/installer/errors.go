package installer

import "fmt"

// AddressConflictError reports that no usable floating address could be
// claimed, or that a previously claimed address is now taken.
type AddressConflictError struct {
	IP     string
	Reason string
}

func (e *AddressConflictError) Error() string {
	if e.IP == "" {
		return "address conflict: " + e.Reason
	}
	return fmt.Sprintf("address conflict on %s: %s", e.IP, e.Reason)
}

// DeploymentError wraps a failure in a specific install phase.
type DeploymentError struct {
	Phase Phase
	Err   error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("install phase %s: %v", e.Phase, e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }
