package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portworx/nvmeof-ha/pkg/errors"
)

// Type identifies the role of a node in the test bed
type Type string

const (
	// TypeGateway identifies a node that runs an NVMe-oF gateway
	TypeGateway Type = "Gateway"
	// TypeInitiator identifies a node that connects to gateways and generates IO
	TypeInitiator Type = "Initiator"
	// TypeAdmin identifies the node where control plane commands are run
	TypeAdmin Type = "Admin"
)

// Node encapsulates a node in the test bed
type Node struct {
	// ID is the identifier used by test plans, e.g. "node6"
	ID string
	// Name is the hostname
	Name       string
	Addresses  []string
	UsableAddr string
	Type       Type
}

// ConnectionOpts provide basic options for all operations and can be embedded by other options
type ConnectionOpts struct {
	Timeout         time.Duration
	TimeBeforeRetry time.Duration
	// IgnoreError returns the output of a failed command instead of an error
	IgnoreError bool
	// Sudo runs the command with sudo
	Sudo bool
}

// RebootNodeOpts provide additional options for reboot operation
type RebootNodeOpts struct {
	Force bool
	ConnectionOpts
}

// SystemctlOpts provide options for systemctl operations
type SystemctlOpts struct {
	// Action is one of start, stop, restart
	Action string
	ConnectionOpts
}

var (
	nodeDrivers = make(map[string]Driver)
	driversLock sync.RWMutex
)

// Driver provides the node driver interface
type Driver interface {
	// Init initializes the node driver and tests connectivity to the given nodes
	Init(nodes []Node) error

	// String returns the string name of this driver.
	String() string

	// RunCommand runs the given command on the node and returns its combined output.
	// The command is aborted when ctx is cancelled.
	RunCommand(ctx context.Context, n Node, cmd string, options ConnectionOpts) (string, error)

	// Systemctl runs the given systemctl action against a service unit on the node
	Systemctl(ctx context.Context, n Node, service string, options SystemctlOpts) error

	// IsServiceActive returns true when the service unit reports active
	IsServiceActive(ctx context.Context, n Node, service string, options ConnectionOpts) (bool, error)

	// RebootNode reboots the given node
	RebootNode(n Node, options RebootNodeOpts) error

	// TestConnection tests connection to given node. returns nil if driver can connect to given node
	TestConnection(n Node, options ConnectionOpts) error
}

// PowerDriver is implemented by drivers that control the power of the machines behind nodes
type PowerDriver interface {
	// PowerOffNode powers the node off and waits until it is stopped
	PowerOffNode(ctx context.Context, n Node, options ConnectionOpts) error
	// PowerOnNode powers the node on and waits until it is running
	PowerOnNode(ctx context.Context, n Node, options ConnectionOpts) error
}

// Register registers the given node driver
func Register(name string, d Driver) error {
	driversLock.Lock()
	defer driversLock.Unlock()
	if _, ok := nodeDrivers[name]; ok {
		return fmt.Errorf("node driver: %s is already registered", name)
	}
	nodeDrivers[name] = d
	return nil
}

// Get returns a registered node driver
func Get(name string) (Driver, error) {
	driversLock.RLock()
	defer driversLock.RUnlock()
	if d, ok := nodeDrivers[name]; ok {
		return d, nil
	}
	return nil, &errors.ErrNotFound{
		ID:   name,
		Type: "Node Driver",
	}
}

type notSupportedDriver struct{}

// NotSupportedDriver provides the default driver with none of the operations supported
var NotSupportedDriver = &notSupportedDriver{}

func (d *notSupportedDriver) Init(nodes []Node) error {
	return &errors.ErrNotSupported{
		Type:      "Function",
		Operation: "Init()",
	}
}

func (d *notSupportedDriver) String() string {
	return "Operation String() is not supported"
}

func (d *notSupportedDriver) RunCommand(ctx context.Context, n Node, cmd string, options ConnectionOpts) (string, error) {
	return "", &errors.ErrNotSupported{
		Type:      "Function",
		Operation: "RunCommand()",
	}
}

func (d *notSupportedDriver) Systemctl(ctx context.Context, n Node, service string, options SystemctlOpts) error {
	return &errors.ErrNotSupported{
		Type:      "Function",
		Operation: "Systemctl()",
	}
}

func (d *notSupportedDriver) IsServiceActive(ctx context.Context, n Node, service string, options ConnectionOpts) (bool, error) {
	return false, &errors.ErrNotSupported{
		Type:      "Function",
		Operation: "IsServiceActive()",
	}
}

func (d *notSupportedDriver) RebootNode(n Node, options RebootNodeOpts) error {
	return &errors.ErrNotSupported{
		Type:      "Function",
		Operation: "RebootNode()",
	}
}

func (d *notSupportedDriver) TestConnection(n Node, options ConnectionOpts) error {
	return &errors.ErrNotSupported{
		Type:      "Function",
		Operation: "TestConnection()",
	}
}
