package node

import (
	"fmt"
)

// ErrFailedToTestConnection error type when failing to test connection
type ErrFailedToTestConnection struct {
	Node  Node
	Cause string
}

func (e *ErrFailedToTestConnection) Error() string {
	return fmt.Sprintf("Failed to test connnection to %v. Cause: %v", e.Node.Name, e.Cause)
}

// ErrFailedToRebootNode error type when failing to reboot a node
type ErrFailedToRebootNode struct {
	Node  Node
	Cause string
}

func (e *ErrFailedToRebootNode) Error() string {
	return fmt.Sprintf("Failed to reboot node: %v. Cause: %v", e.Node.Name, e.Cause)
}

// ErrFailedToRunCommand error type when failing to run command
type ErrFailedToRunCommand struct {
	Addr  string
	Cause string
}

func (e *ErrFailedToRunCommand) Error() string {
	return fmt.Sprintf("Failed to run command on: %v. Cause: %v", e.Addr, e.Cause)
}

// ErrFailedToRunSystemctlOnNode error type when failing to run systemctl on a node
type ErrFailedToRunSystemctlOnNode struct {
	Node    Node
	Service string
	Cause   string
}

func (e *ErrFailedToRunSystemctlOnNode) Error() string {
	return fmt.Sprintf("Failed to run systemctl for %v on node %v. Cause: %v", e.Service, e.Node.Name, e.Cause)
}

// ErrFailedToSetPowerState error type when failing to power a node off or on
type ErrFailedToSetPowerState struct {
	Node  Node
	State string
	Cause string
}

func (e *ErrFailedToSetPowerState) Error() string {
	return fmt.Sprintf("Failed to power %v node: %v. Cause: %v", e.State, e.Node.Name, e.Cause)
}
