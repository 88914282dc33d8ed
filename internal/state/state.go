// Package state holds the durable record needed to reattach to an instance
// in a later process run, and the stores that persist it.
package state

import (
	"context"
	"errors"
	"fmt"
)

// DefaultFileName is the conventional location of the state record.
const DefaultFileName = ".state.json"

// ErrNotFound is returned by Store.Load when no record exists at the path.
var ErrNotFound = errors.New("state record not found")

// State is the minimal record needed to find an instance again.
// It is a value type: use the With* methods to derive updated copies.
type State struct {
	InstanceName string `json:"instance_name" yaml:"instance_name"`
	IPAddress    string `json:"ip_address" yaml:"ip_address"`
	Distribution string `json:"distro" yaml:"distro"`
	Zone         string `json:"zone" yaml:"zone"`
}

// WithIPAddress returns a copy of s with the IP address replaced
func (s State) WithIPAddress(ip string) State {
	s.IPAddress = ip
	return s
}

// Validate checks that every field except the IP address is set
func (s State) Validate() error {
	switch {
	case s.InstanceName == "":
		return fmt.Errorf("state is missing instance_name")
	case s.Distribution == "":
		return fmt.Errorf("state is missing distro")
	case s.Zone == "":
		return fmt.Errorf("state is missing zone")
	}
	return nil
}

// Store persists state records under caller supplied paths
type Store interface {
	Load(ctx context.Context, path string) (State, error)
	Save(ctx context.Context, path string, s State) error
	Delete(ctx context.Context, path string) error
	Close() error
}

// Locker is implemented by stores that can serialise access to one record
// across processes. The returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, path string) (func() error, error)
}

// SerializationError reports a record that could not be encoded or decoded
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("state record %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
