package fault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/log"
)

const (
	defaultRebootTimeout = 15 * time.Minute
	defaultRetryInterval = 10 * time.Second
)

// CephRunner runs ceph commands against the control plane
type CephRunner interface {
	Ceph(ctx context.Context, args ...string) (string, error)
}

// Deps are the collaborators injectors are built from
type Deps struct {
	Driver node.Driver
	Ceph   CephRunner
	// Power controls node power for the power_on_off tool
	Power node.PowerDriver
	// Opts are the connection options used for node commands
	Opts node.ConnectionOpts
	// RebootTimeout bounds how long a rebooted node may take to come back
	RebootTimeout time.Duration
}

// New returns the injector implementing tool
func New(tool Tool, deps Deps) (Injector, error) {
	switch tool {
	case ToolSystemctl:
		if deps.Driver == nil {
			return nil, fmt.Errorf("%s injector needs a node driver", tool)
		}
		return &systemctl{driver: deps.Driver, opts: deps.Opts}, nil
	case ToolReboot:
		if deps.Driver == nil {
			return nil, fmt.Errorf("%s injector needs a node driver", tool)
		}
		timeout := deps.RebootTimeout
		if timeout == 0 {
			timeout = defaultRebootTimeout
		}
		return &reboot{driver: deps.Driver, opts: deps.Opts, timeout: timeout}, nil
	case ToolPowerOnOff:
		if deps.Driver == nil || deps.Power == nil {
			return nil, fmt.Errorf("%s injector needs a node driver and a power driver", tool)
		}
		timeout := deps.RebootTimeout
		if timeout == 0 {
			timeout = defaultRebootTimeout
		}
		return &power{
			reboot: reboot{driver: deps.Driver, opts: deps.Opts, timeout: timeout},
			power:  deps.Power,
		}, nil
	case ToolDaemon, ToolMaintenanceMode, ToolDaemonRedeploy:
		if deps.Ceph == nil {
			return nil, fmt.Errorf("%s injector needs a ceph runner", tool)
		}
		return &orch{ceph: deps.Ceph, tool: tool}, nil
	}
	return nil, &errors.ErrNotSupported{Type: "Fault tool", Operation: string(tool)}
}

func serviceControlErr(gw *gateway.Gateway, action string, err error) error {
	return &errors.ErrServiceControl{Gateway: gw.Hostname, Action: action, Cause: err.Error()}
}

type systemctl struct {
	driver node.Driver
	opts   node.ConnectionOpts
}

func (s *systemctl) control(ctx context.Context, gw *gateway.Gateway, action string) error {
	log.Infof("[ %s ] %sing NVMeofGW service %s", gw.Hostname, action, gw.ServiceUnit)
	if err := s.driver.Systemctl(ctx, gw.Node, gw.ServiceUnit, node.SystemctlOpts{
		Action:         action,
		ConnectionOpts: s.opts,
	}); err != nil {
		return serviceControlErr(gw, action, err)
	}
	return nil
}

func (s *systemctl) Stop(ctx context.Context, gw *gateway.Gateway) error {
	return s.control(ctx, gw, "stop")
}

func (s *systemctl) Start(ctx context.Context, gw *gateway.Gateway) error {
	return s.control(ctx, gw, "start")
}

func (s *systemctl) IsActive(ctx context.Context, gw *gateway.Gateway) (bool, error) {
	return s.driver.IsServiceActive(ctx, gw.Node, gw.ServiceUnit, s.opts)
}

type reboot struct {
	driver  node.Driver
	opts    node.ConnectionOpts
	timeout time.Duration
}

func (r *reboot) Stop(ctx context.Context, gw *gateway.Gateway) error {
	log.Infof("[ %s ] rebooting gateway node", gw.Hostname)
	if err := r.driver.RebootNode(gw.Node, node.RebootNodeOpts{Force: true, ConnectionOpts: r.opts}); err != nil {
		return serviceControlErr(gw, "reboot", err)
	}
	return nil
}

// Start waits for the node to come back; the gateway unit starts with the node.
func (r *reboot) Start(ctx context.Context, gw *gateway.Gateway) error {
	log.Infof("[ %s ] waiting for gateway node to be back up", gw.Hostname)
	if err := r.driver.TestConnection(gw.Node, node.ConnectionOpts{
		Timeout:         r.timeout,
		TimeBeforeRetry: defaultRetryInterval,
	}); err != nil {
		return serviceControlErr(gw, "start", err)
	}
	return nil
}

func (r *reboot) IsActive(ctx context.Context, gw *gateway.Gateway) (bool, error) {
	return r.driver.IsServiceActive(ctx, gw.Node, gw.ServiceUnit, r.opts)
}

// power cuts node power instead of rebooting; recovery waits the same way as reboot
type power struct {
	reboot
	power node.PowerDriver
}

func (p *power) Stop(ctx context.Context, gw *gateway.Gateway) error {
	log.Infof("[ %s ] powering off gateway node", gw.Hostname)
	if err := p.power.PowerOffNode(ctx, gw.Node, p.opts); err != nil {
		return serviceControlErr(gw, "power off", err)
	}
	return nil
}

func (p *power) Start(ctx context.Context, gw *gateway.Gateway) error {
	log.Infof("[ %s ] powering on gateway node", gw.Hostname)
	if err := p.power.PowerOnNode(ctx, gw.Node, p.opts); err != nil {
		return serviceControlErr(gw, "power on", err)
	}
	return p.reboot.Start(ctx, gw)
}

// orch drives the gateway through the ceph orchestrator
type orch struct {
	ceph CephRunner
	tool Tool
}

func (o *orch) Stop(ctx context.Context, gw *gateway.Gateway) error {
	var args []string
	switch o.tool {
	case ToolMaintenanceMode:
		args = []string{"orch", "host", "maintenance", "enter", gw.Hostname, "--force"}
	case ToolDaemonRedeploy:
		args = []string{"orch", "daemon", "redeploy", gw.DaemonName}
	default:
		args = []string{"orch", "daemon", "stop", gw.DaemonName}
	}
	return o.apply(ctx, gw, "stop", args)
}

func (o *orch) Start(ctx context.Context, gw *gateway.Gateway) error {
	switch o.tool {
	case ToolDaemonRedeploy:
		return nil
	case ToolMaintenanceMode:
		return o.apply(ctx, gw, "start", []string{"orch", "host", "maintenance", "exit", gw.Hostname})
	default:
		return o.apply(ctx, gw, "start", []string{"orch", "daemon", "start", gw.DaemonName})
	}
}

func (o *orch) apply(ctx context.Context, gw *gateway.Gateway, action string, args []string) error {
	log.Infof("[ %s ] %s NVMeofGW using %s: ceph %s", gw.Hostname, action, o.tool, strings.Join(args, " "))
	out, err := o.ceph.Ceph(ctx, args...)
	if err != nil {
		return serviceControlErr(gw, action, err)
	}
	if o.tool == ToolDaemonRedeploy && !strings.Contains(out, "Scheduled") {
		return serviceControlErr(gw, "redeploy", fmt.Errorf("unexpected output: %s", strings.TrimSpace(out)))
	}
	return nil
}

type daemonStatus struct {
	Status *int `json:"status"`
}

// IsActive reads the daemon status from "ceph orch ps"; status 1 is running
func (o *orch) IsActive(ctx context.Context, gw *gateway.Gateway) (bool, error) {
	daemonType, daemonID, ok := strings.Cut(gw.DaemonName, ".")
	if !ok {
		return false, fmt.Errorf("malformed daemon name %q", gw.DaemonName)
	}
	out, err := o.ceph.Ceph(ctx, "orch", "ps", "--daemon_type", daemonType, "--daemon_id", daemonID,
		"--refresh", "--format", "json")
	if err != nil {
		return false, err
	}

	var daemons []daemonStatus
	if i := strings.Index(out, "["); i > 0 {
		out = out[i:]
	}
	if err := json.Unmarshal([]byte(out), &daemons); err != nil {
		return false, fmt.Errorf("failed to decode orch ps output: %v", err)
	}
	if len(daemons) == 0 || daemons[0].Status == nil {
		return false, fmt.Errorf("daemon %s not found in orch ps output", gw.DaemonName)
	}
	return *daemons[0].Status == 1, nil
}
