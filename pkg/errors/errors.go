package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrNotFound error type for objects not found
type ErrNotFound struct {
	// ID unique object identifier.
	ID string
	// Type of the object which wasn't found
	Type string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%v with UID/Name: %v not found", e.Type, e.ID)
}

// ErrNotSupported error type for operations a driver does not implement
type ErrNotSupported struct {
	// Type of the entity that doesn't support the operation
	Type string
	// Operation is the unsupported operation
	Operation string
}

func (e *ErrNotSupported) Error() string {
	return fmt.Sprintf("%v: %v is not supported", e.Type, e.Operation)
}

// ErrControlPlaneQuery is returned when the control plane is unreachable or its
// output cannot be parsed.
type ErrControlPlaneQuery struct {
	// Query is the command that was run against the control plane
	Query string
	// Cause is the underlying reason
	Cause string
}

func (e *ErrControlPlaneQuery) Error() string {
	return fmt.Sprintf("control plane query [%v] failed. Cause: %v", e.Query, e.Cause)
}

// ErrServiceControl is returned when a start/stop request for a gateway could not be delivered.
type ErrServiceControl struct {
	// Gateway is the hostname of the target gateway
	Gateway string
	// Action is the requested transition
	Action string
	// Cause is the underlying reason
	Cause string
}

func (e *ErrServiceControl) Error() string {
	return fmt.Sprintf("[ %v ] failed to %v gateway service. Cause: %v", e.Gateway, e.Action, e.Cause)
}

// ErrSplitBrain is returned when more than one gateway claims ACTIVE ownership of an ANA group.
type ErrSplitBrain struct {
	// GroupID is the ANA group with multiple owners
	GroupID int
	// Owners are the gateways reporting ACTIVE
	Owners []string
}

func (e *ErrSplitBrain) Error() string {
	return fmt.Sprintf("found more than one Active path for ANA group %v: [%v]",
		e.GroupID, strings.Join(e.Owners, ", "))
}

// ErrIOStalled is returned when a namespace shows no forward progress in the validation window.
type ErrIOStalled struct {
	// Namespace is the namespace key
	Namespace string
	// Samples are the observed used_size values
	Samples []uint64
}

func (e *ErrIOStalled) Error() string {
	return fmt.Sprintf("[ %v ] IO is not progressing - %v", e.Namespace, e.Samples)
}

// ErrIOProgress is returned when a namespace shows progress while it was expected to be blocked.
type ErrIOProgress struct {
	// Namespace is the namespace key
	Namespace string
	// Samples are the observed used_size values
	Samples []uint64
}

func (e *ErrIOProgress) Error() string {
	return fmt.Sprintf("[ %v ] IO is progressing while expected to be blocked - %v", e.Namespace, e.Samples)
}

// ErrTimedOut is returned when a bounded wait expires without convergence.
type ErrTimedOut struct {
	// Operation is what was being waited for
	Operation string
	// Timeout is the configured deadline
	Timeout time.Duration
}

func (e *ErrTimedOut) Error() string {
	return fmt.Sprintf("%v failed even after %v timeout", e.Operation, e.Timeout)
}

// ErrInvalidFaultStep is returned when a fault-injection step fails validation.
type ErrInvalidFaultStep struct {
	// Index of the step in the plan
	Index int
	// Cause is the validation failure
	Cause string
}

func (e *ErrInvalidFaultStep) Error() string {
	return fmt.Sprintf("invalid fault-injection step #%v: %v", e.Index, e.Cause)
}

// ErrValidateGateway is returned when a gateway fails a post-operation check,
// e.g. a returning node got a different ANA group id.
type ErrValidateGateway struct {
	// ID of the gateway
	ID string
	// Cause of the failure
	Cause string
}

func (e *ErrValidateGateway) Error() string {
	return fmt.Sprintf("Failed to validate gateway: %v Err: %v", e.ID, e.Cause)
}
