package provisioning

import "fmt"

// OperationScope decides which status endpoint an operation is queried on
type OperationScope string

const (
	ScopeZone   OperationScope = "zone"
	ScopeGlobal OperationScope = "global"
)

// OperationKind is the action an operation performs
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpStart  OperationKind = "start"
	OpStop   OperationKind = "stop"
	OpDelete OperationKind = "delete"
	OpImage  OperationKind = "image"
)

// Operation statuses
const (
	OperationPending = "PENDING"
	OperationRunning = "RUNNING"
	OperationDone    = "DONE"
)

// Operation is a handle on an asynchronous provider action. It only lives
// for the duration of a poll and is never persisted.
type Operation struct {
	Name    string
	Kind    OperationKind
	Scope   OperationScope
	Project string
	Zone    string
	Target  string
	Status  string
	Error   string // provider reported failure, set once the operation is done
	Raw     string // provider representation, for diagnostics
}

// Done reports whether the provider considers the operation finished
func (o *Operation) Done() bool {
	return o != nil && o.Status == OperationDone
}

// Succeeded reports whether the operation finished without a provider error
func (o *Operation) Succeeded() bool {
	return o.Done() && o.Error == ""
}

func (o *Operation) String() string {
	if o == nil {
		return "<nil operation>"
	}
	return fmt.Sprintf("%s %s (%s, %s)", o.Kind, o.Target, o.Name, o.Status)
}
