package instance

import (
	"fmt"

	"cislave/internal/provisioning"
)

// NoImageFoundError is returned when no non-deprecated base image matches
// a distribution's name prefix
type NoImageFoundError struct {
	Project string
	Prefix  string
}

func (e *NoImageFoundError) Error() string {
	return fmt.Sprintf("no image found in project %s matching prefix %q", e.Project, e.Prefix)
}

// ProvisioningError is returned when instance creation did not finish
// successfully, either because the provider reported a failure or because
// the poller gave up waiting.
type ProvisioningError struct {
	Instance string
	Status   string
	Reason   string
}

func (e *ProvisioningError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("instance %s failed to provision (operation status %s): %s", e.Instance, e.Status, e.Reason)
	}
	return fmt.Sprintf("instance %s failed to provision: operation status %s", e.Instance, e.Status)
}

// InstanceNotFoundError is returned when a saved state names an instance
// the provider no longer knows
type InstanceNotFoundError struct {
	Instance string
	Err      error
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found; if it was deleted outside of cislave, remove the stale state record", e.Instance)
}

func (e *InstanceNotFoundError) Unwrap() error {
	return e.Err
}

// UnexpectedInstanceStateError is returned when a saved instance is neither
// running nor terminated
type UnexpectedInstanceStateError struct {
	Instance string
	Status   string
}

func (e *UnexpectedInstanceStateError) Error() string {
	return fmt.Sprintf("instance %s is in unexpected state %s; resolve it in the provider console and retry", e.Instance, e.Status)
}

// OperationFailedError is returned when a finished operation carries a
// provider reported error
type OperationFailedError struct {
	Instance  string
	Operation *provisioning.Operation
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s operation %s on %s failed: %s", e.Operation.Kind, e.Operation.Name, e.Instance, e.Operation.Error)
}
