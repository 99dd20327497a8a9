// Package fault injects and restores gateway failures.
package fault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/task"
)

// Tool is the mechanism used to fail a gateway
type Tool string

const (
	// ToolSystemctl stops and starts the gateway systemd unit
	ToolSystemctl Tool = "systemctl"
	// ToolDaemon stops and starts the daemon through the orchestrator
	ToolDaemon Tool = "daemon"
	// ToolMaintenanceMode puts the gateway host in and out of maintenance
	ToolMaintenanceMode Tool = "maintenance_mode"
	// ToolReboot force reboots the gateway node
	ToolReboot Tool = "reboot"
	// ToolPowerOnOff powers the gateway node off and back on
	ToolPowerOnOff Tool = "power_on_off"
	// ToolDaemonRedeploy redeploys the daemon. It has no fail-back phase.
	ToolDaemonRedeploy Tool = "daemon_redeploy"
)

var toolAliases = map[string]Tool{
	"maintanence_mode": ToolMaintenanceMode,
}

// ParseTool returns the tool named s
func ParseTool(s string) (Tool, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if t, ok := toolAliases[name]; ok {
		return t, nil
	}
	switch t := Tool(name); t {
	case ToolSystemctl, ToolDaemon, ToolMaintenanceMode, ToolReboot, ToolPowerOnOff, ToolDaemonRedeploy:
		return t, nil
	}
	return "", fmt.Errorf("unknown fault-injection tool %q", s)
}

// HasFailback is false for tools whose failure restores itself
func (t Tool) HasFailback() bool {
	return t != ToolDaemonRedeploy
}

// Step is one declarative fault-injection step
type Step struct {
	Tool  Tool
	Nodes []string
}

// Validate checks the step has a known tool and a non empty set of distinct targets
func (s Step) Validate(index int) error {
	if _, err := ParseTool(string(s.Tool)); err != nil {
		return &errors.ErrInvalidFaultStep{Index: index, Cause: err.Error()}
	}
	if len(s.Nodes) == 0 {
		return &errors.ErrInvalidFaultStep{Index: index, Cause: "no target nodes"}
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return &errors.ErrInvalidFaultStep{Index: index, Cause: "empty node id"}
		}
		if seen[n] {
			return &errors.ErrInvalidFaultStep{Index: index, Cause: fmt.Sprintf("node %s listed twice", n)}
		}
		seen[n] = true
	}
	return nil
}

func (s Step) String() string {
	return fmt.Sprintf("%s on %v", s.Tool, s.Nodes)
}

// Injector fails and restores a gateway. Requests are idempotent and do not wait
// for the control plane to converge.
type Injector interface {
	// Stop fails the gateway
	Stop(ctx context.Context, gw *gateway.Gateway) error
	// Start restores the gateway
	Start(ctx context.Context, gw *gateway.Gateway) error
	// IsActive reports whether the gateway service is running
	IsActive(ctx context.Context, gw *gateway.Gateway) (bool, error)
}

// WaitForServiceState polls the injector until the gateway service reaches the wanted
// state. Query errors count as "not yet": a stopped or rebooting node often refuses them.
func WaitForServiceState(ctx context.Context, inj Injector, gw *gateway.Gateway, wantActive bool,
	timeout, interval time.Duration) error {
	outcome, err := task.WaitUntil(func() (bool, error) {
		active, err := inj.IsActive(ctx, gw)
		if err != nil {
			log.Warnf("[ %s ] service state query failed, check again: %v", gw.Hostname, err)
			return false, nil
		}
		if active == wantActive {
			return true, nil
		}
		log.Warnf("[ %s ] service is still not in wanted state (active=%v). check again", gw.Hostname, wantActive)
		return false, nil
	}, timeout, interval)
	if err != nil {
		return err
	}
	return outcome.Err(fmt.Sprintf("[ %s ] waiting for service active=%v", gw.Hostname, wantActive))
}
