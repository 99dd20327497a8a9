package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/drivers/initiator"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/config"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	"github.com/portworx/nvmeof-ha/pkg/fault"
	"github.com/portworx/nvmeof-ha/pkg/ha"
	"github.com/portworx/nvmeof-ha/pkg/log"
	haversion "github.com/portworx/nvmeof-ha/pkg/version"
)

// runner holds the collaborators shared by the HA and the scale flows
type runner struct {
	plan   *config.Plan
	driver node.Driver
	power  node.PowerDriver
	client *controlplane.Client
	fsid   string
	waiter *ha.Waiter
	io     *ha.IOValidator
}

func newRunner(ctx context.Context, plan *config.Plan, driverName, powerName string) (*runner, error) {
	nodes, err := plan.RegisterNodes()
	if err != nil {
		return nil, err
	}
	d, err := node.Get(driverName)
	if err != nil {
		return nil, err
	}
	if err := d.Init(nodes); err != nil {
		return nil, err
	}
	power, err := powerDriver(d, powerName, nodes)
	if err != nil {
		return nil, err
	}

	admin, err := plan.Admin()
	if err != nil {
		return nil, err
	}
	client := controlplane.New(&controlplane.NodeExecutor{Driver: d, Node: admin}, plan.ControlPlane())
	if v, err := client.ClusterVersion(ctx); err != nil {
		log.Warnf("Failed to read the cluster version: %v", err)
	} else if release, build, err := haversion.ParseRelease(v); err == nil {
		log.InfoD("Ceph cluster version: %s (build %q)", release, build)
	} else {
		log.InfoD("Ceph cluster version: %s", v)
	}

	fsid := plan.FSID
	if fsid == "" {
		out, err := client.Ceph(ctx, "fsid")
		if err != nil {
			return nil, fmt.Errorf("fsid is not set in the plan and could not be read: %v", err)
		}
		fsid = lastLine(out)
	}

	return &runner{
		plan:   plan,
		driver: d,
		power:  power,
		client: client,
		fsid:   fsid,
		waiter: ha.NewWaiter(client),
		io:     ha.NewIOValidator(client, plan.IOOptions()),
	}, nil
}

// powerDriver returns the driver controlling node power. Without a name it is the
// node driver itself, or nil when that driver cannot control power.
func powerDriver(d node.Driver, name string, nodes []node.Node) (node.PowerDriver, error) {
	if name == "" || name == d.String() {
		p, _ := d.(node.PowerDriver)
		return p, nil
	}
	pd, err := node.Get(name)
	if err != nil {
		return nil, err
	}
	p, ok := pd.(node.PowerDriver)
	if !ok {
		return nil, fmt.Errorf("node driver %s cannot control node power", name)
	}
	if err := pd.Init(nodes); err != nil {
		return nil, err
	}
	return p, nil
}

// lastLine drops the "Inferring fsid" style lines cephadm prints first
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func (r *runner) run(ctx context.Context, mode string) error {
	if (mode == modeHA || mode == modeAll) && len(r.plan.FaultInjectionMethods) > 0 {
		if err := r.runHA(ctx); err != nil {
			return err
		}
	}
	if (mode == modeScale || mode == modeAll) && len(r.plan.LoadBalancing) > 0 {
		return r.runScale(ctx)
	}
	return nil
}

func (r *runner) gateways(ctx context.Context) ([]*gateway.Gateway, error) {
	groups, err := r.client.ResolveGatewayGroups(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Discover(groups, node.GetNodesByType(node.TypeGateway), r.fsid)
}

// generators builds one initiator per plan entry, discovering through the
// configured gateway or the first one.
func (r *runner) generators(gws []*gateway.Gateway) ([]ha.IOGenerator, error) {
	var gens []ha.IOGenerator
	for _, spec := range r.plan.Initiators {
		n, err := r.plan.Node(spec.Node)
		if err != nil {
			return nil, err
		}
		target := gws[0].Node
		if spec.Gateway != "" {
			if target, err = r.plan.Node(spec.Gateway); err != nil {
				return nil, err
			}
		}
		gens = append(gens, initiator.New(r.driver, n, spec.InitiatorConfig(nodeAddr(target))))
	}
	return gens, nil
}

func nodeAddr(n node.Node) string {
	if n.UsableAddr != "" {
		return n.UsableAddr
	}
	if len(n.Addresses) > 0 {
		return n.Addresses[0]
	}
	return n.Name
}

func (r *runner) injectors(tool fault.Tool) (fault.Injector, error) {
	return fault.New(tool, fault.Deps{
		Driver:        r.driver,
		Ceph:          r.client,
		Power:         r.power,
		RebootTimeout: r.plan.Timeouts.Service,
	})
}

func (r *runner) runHA(ctx context.Context) error {
	gws, err := r.gateways(ctx)
	if err != nil {
		return err
	}
	log.InfoD("Gateways under test: %v", gws)

	gens, err := r.generators(gws)
	if err != nil {
		return err
	}
	steps, err := r.plan.Steps()
	if err != nil {
		return err
	}
	for i, step := range steps {
		if step.Tool == fault.ToolPowerOnOff && r.power == nil {
			return fmt.Errorf("fault-injection step #%d uses %s but no --%s can control node power",
				i, step.Tool, powerDriverCliFlag)
		}
	}

	o := ha.NewOrchestrator(r.client, r.waiter, r.io, r.injectors, gws, gens, r.plan.HAOptions())
	reports, err := o.Run(ctx, steps)
	printStepReports(reports)
	return err
}

func (r *runner) runScale(ctx context.Context) error {
	opts, err := r.plan.ScaleOptions()
	if err != nil {
		return err
	}
	s := ha.NewScaleCoordinator(r.client, r.waiter, r.io, r.fsid, opts)

	gws, err := s.Gateways(ctx)
	if err != nil {
		return err
	}
	gens, err := r.generators(gws)
	if err != nil {
		return err
	}
	if err := ha.ConnectAll(ctx, gens); err != nil {
		return err
	}
	namespaces, err := r.client.ReadNamespaces(ctx, nodeAddr(gws[0].Node))
	if err != nil {
		return err
	}

	haOpts := r.plan.HAOptions()
	kickIn := haOpts.IOKickIn
	if kickIn == 0 {
		kickIn = ha.DefaultIOKickIn
	}

	var results []ha.ScaleResult
	defer func() { printScaleResults(results) }()
	for i, step := range r.plan.LoadBalancing {
		var result ha.ScaleResult
		_, err := ha.RunWithIO(ctx, gens, kickIn, haOpts.IOStopGrace, func() error {
			var err error
			if len(step.ScaleDown) > 0 {
				result, err = s.ScaleDown(ctx, step.ScaleDown)
			} else {
				result, err = s.ScaleUp(ctx, step.ScaleUp, namespaces)
			}
			return err
		})
		results = append(results, result)
		if err != nil {
			return errors.Wrapf(err, "load_balancing step #%d", i)
		}
	}
	return nil
}
