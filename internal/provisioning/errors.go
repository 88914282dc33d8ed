package provisioning

import (
	"errors"
	"fmt"
)

// ErrNotFound matches (via errors.Is) any provider error meaning the
// addressed resource does not exist.
var ErrNotFound = errors.New("resource not found")

// CallError wraps a failed provider API call
type CallError struct {
	Op       string // client method, e.g. "instances.get"
	Resource string
	Code     int // HTTP status or equivalent, 0 when unknown
	NotFound bool
	Err      error
}

func (e *CallError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %d: %v", e.Op, e.Resource, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) see through the wrapper
func (e *CallError) Is(target error) bool {
	return target == ErrNotFound && e.NotFound
}

func notFound(op, resource string) error {
	return &CallError{Op: op, Resource: resource, Code: 404, NotFound: true, Err: ErrNotFound}
}
