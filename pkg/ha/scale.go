package ha

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/metrics"
	"github.com/portworx/nvmeof-ha/pkg/task"
	haversion "github.com/portworx/nvmeof-ha/pkg/version"
)

const (
	defaultSettleDelay = 60 * time.Second

	phaseScaleDown = "scale_down"
	phaseScaleUp   = "scale_up"
	toolRedeploy   = "redeploy"
)

var (
	// releases from which the control plane reports DELETING gateways
	deletingRelease = version.Must(version.NewVersion("8.0"))
	// releases from which namespaces are rebalanced across gateways
	autoBalanceRelease = version.Must(version.NewVersion("8.1"))
)

// ScaleOptions tune the scale coordinator. Zero values use the defaults.
type ScaleOptions struct {
	// Timeout bounds every convergence wait
	Timeout time.Duration
	// Interval is the time between two snapshots
	Interval time.Duration
	// SettleDelay is waited before the load balance check
	SettleDelay time.Duration
	// Release of the storage product, gates the DELETING wait and the load
	// balance check. Nil enables both.
	Release *version.Version
}

// ScaleResult reports a scale operation
type ScaleResult struct {
	Operation string
	Nodes     []string
	// Gateways are the removed or added gateways
	Gateways []*gateway.Gateway
	// Namespaces is the validated namespace set
	Namespaces []controlplane.Namespace
	Start      time.Time
	End        time.Time
	Elapsed    time.Duration
	// Convergence is the time from redeploy to the last converged gateway
	Convergence time.Duration
}

// ScaleCoordinator changes the gateway pool membership and validates ownership
// and I/O around the change. Gateway nodes are resolved from the node registry.
type ScaleCoordinator struct {
	cp     ControlPlane
	waiter *Waiter
	io     *IOValidator
	fsid   string
	opts   ScaleOptions

	// members are the hostnames the pool is deployed on
	members map[string]bool
	// groups remembers the ANA group every node ever held
	groups map[string]int
}

// NewScaleCoordinator returns a coordinator for the pool described by cp
func NewScaleCoordinator(cp ControlPlane, waiter *Waiter, io *IOValidator, fsid string, opts ScaleOptions) *ScaleCoordinator {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultScaleTimeout
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultWaitInterval
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	return &ScaleCoordinator{
		cp:     cp,
		waiter: waiter,
		io:     io,
		fsid:   fsid,
		opts:   opts,
		groups: make(map[string]int),
	}
}

func (s *ScaleCoordinator) gated(min *version.Version) bool {
	return haversion.AtLeast(s.opts.Release, min)
}

// Gateways returns handles on the registered gateways that are not being deleted,
// sorted by ANA group id.
func (s *ScaleCoordinator) Gateways(ctx context.Context) ([]*gateway.Gateway, error) {
	m, err := s.cp.ShowGateways(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]int, len(m.Gateways))
	for _, rec := range m.Gateways {
		if rec.Availability == controlplane.AvailabilityDeleting {
			continue
		}
		live[rec.ID] = rec.ANAGroupID
	}
	gws, err := gateway.Discover(live, node.GetNodesByType(node.TypeGateway), s.fsid)
	if err != nil {
		return nil, err
	}
	if s.members == nil {
		s.members = make(map[string]bool, len(gws))
		for _, gw := range gws {
			s.members[gw.Hostname] = true
		}
	}
	for _, gw := range gws {
		s.groups[gw.Node.ID] = gw.ANAGroupID
	}
	return gws, nil
}

func (s *ScaleCoordinator) memberHosts() []string {
	hosts := make([]string, 0, len(s.members))
	for h := range s.members {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// ScaleDown removes the gateways running on nodeIDs from the pool. Namespaces of
// the removed groups must keep progressing through the surviving gateways.
func (s *ScaleCoordinator) ScaleDown(ctx context.Context, nodeIDs []string) (ScaleResult, error) {
	result := ScaleResult{Operation: phaseScaleDown, Nodes: nodeIDs, Start: time.Now()}
	log.InfoD("%v: Scaling down NVMe service", nodeIDs)

	gws, err := s.Gateways(ctx)
	if err != nil {
		return result, err
	}
	toRemove, survivors, err := gateway.Categorize(gws, nodeIDs)
	if err != nil {
		return result, err
	}
	if len(survivors) == 0 {
		return result, fmt.Errorf("scaling down %v leaves no gateway in the pool", nodeIDs)
	}
	result.Gateways = toRemove

	namespaces, err := s.cp.ReadNamespaces(ctx, serverAddr(survivors[0]), gateway.GroupIDs(toRemove)...)
	if err != nil {
		return result, err
	}
	result.Namespaces = namespaces
	if err := s.io.ValidateProgress(ctx, namespaces, false); err != nil {
		return result, err
	}

	for _, gw := range toRemove {
		delete(s.members, gw.Hostname)
	}
	if err := s.cp.Deploy(ctx, s.memberHosts()); err != nil {
		return result, err
	}

	deployed := time.Now()
	if s.gated(deletingRelease) {
		for _, gw := range toRemove {
			p := Deleting(gw)
			p.Name = fmt.Sprintf("[ %s ] Scale down of NVMeofGW service", gw.Hostname)
			if _, err := s.waiter.Wait(ctx, p, s.opts.Timeout, s.opts.Interval); err != nil {
				return result, err
			}
			log.InfoD("[ %s ] Total time taken to scale down - %v", gw.Hostname, time.Since(deployed))
		}
	}
	result.Convergence = time.Since(deployed)
	metrics.ObserveConvergence(phaseScaleDown, toolRedeploy, result.Convergence)

	if err := s.balanced(ctx); err != nil {
		return result, err
	}
	if err := s.io.ValidateProgress(ctx, namespaces, false); err != nil {
		return result, err
	}
	return s.finish(result), nil
}

// ScaleUp adds the gateways running on nodeIDs to the pool. A node that served
// a group before must come back on that same group and own it.
func (s *ScaleCoordinator) ScaleUp(ctx context.Context, nodeIDs []string, preexisting []controlplane.Namespace) (ScaleResult, error) {
	result := ScaleResult{Operation: phaseScaleUp, Nodes: nodeIDs, Namespaces: preexisting, Start: time.Now()}
	log.InfoD("%v: Scaling up NVMe service", nodeIDs)

	if err := s.io.ValidateProgress(ctx, preexisting, false); err != nil {
		return result, err
	}

	if _, err := s.Gateways(ctx); err != nil {
		return result, err
	}
	previous := make(map[string]int, len(s.groups))
	for id, grp := range s.groups {
		previous[id] = grp
	}

	nodes, err := node.GetNodesByIDs(nodeIDs)
	if err != nil {
		return result, err
	}
	for _, n := range nodes {
		s.members[n.Name] = true
	}
	if err := s.cp.Deploy(ctx, s.memberHosts()); err != nil {
		return result, err
	}
	deployed := time.Now()

	added, err := s.waitForRegistration(ctx, nodeIDs)
	if err != nil {
		return result, err
	}
	result.Gateways = added

	for _, gw := range added {
		if grp, ok := previous[gw.Node.ID]; ok {
			if grp != gw.ANAGroupID {
				return result, &tperrors.ErrValidateGateway{
					ID:    gw.ID,
					Cause: fmt.Sprintf("anagrpids are not matching after scaleup: had %d, got %d", grp, gw.ANAGroupID),
				}
			}
			log.Infof("[ %s ] took over its previous ANA group %d", gw.Hostname, grp)
		}
	}

	for _, gw := range added {
		p := OwnedBy(gw)
		p.Name = fmt.Sprintf("[ %s ] Scale up of NVMeofGW service", gw.Hostname)
		if _, err := s.waiter.Wait(ctx, p, s.opts.Timeout, s.opts.Interval); err != nil {
			return result, err
		}
		log.InfoD("[ %s ] Total time taken to scale up - %v", gw.Hostname, time.Since(deployed))
	}
	result.Convergence = time.Since(deployed)
	metrics.ObserveConvergence(phaseScaleUp, toolRedeploy, result.Convergence)

	if err := s.balanced(ctx); err != nil {
		return result, err
	}
	if err := s.io.ValidateProgress(ctx, preexisting, false); err != nil {
		return result, err
	}
	return s.finish(result), nil
}

// waitForRegistration waits until every node runs a registered gateway
func (s *ScaleCoordinator) waitForRegistration(ctx context.Context, nodeIDs []string) ([]*gateway.Gateway, error) {
	var added []*gateway.Gateway
	outcome, err := task.WaitUntil(func() (bool, error) {
		gws, err := s.Gateways(ctx)
		if err != nil {
			return false, err
		}
		added = added[:0]
		for _, id := range nodeIDs {
			gw, err := gateway.FindByNode(gws, id)
			if err != nil {
				log.Warnf("[ %s ] gateway is not registered yet", id)
				return false, nil
			}
			added = append(added, gw)
		}
		return true, nil
	}, s.opts.Timeout, s.opts.Interval)
	if err != nil {
		return nil, err
	}
	return added, outcome.Err(fmt.Sprintf("registration of gateways on %v", nodeIDs))
}

func (s *ScaleCoordinator) balanced(ctx context.Context) error {
	if !s.gated(autoBalanceRelease) {
		return nil
	}
	if err := sleepCtx(ctx, s.opts.SettleDelay); err != nil {
		return err
	}
	counts, err := s.ValidateAutoLoadBalance(ctx)
	if err != nil {
		return err
	}
	log.Infof("Validated namespaces in each GW: %v", counts)
	return nil
}

// ValidateAutoLoadBalance checks every gateway serves total/num ± num namespaces,
// where num is the number of gateways. It returns the count per gw-id.
func (s *ScaleCoordinator) ValidateAutoLoadBalance(ctx context.Context) (map[string]int, error) {
	m, err := s.cp.ShowGateways(ctx)
	if err != nil {
		return nil, err
	}
	return CheckLoadBalance(m)
}

// CheckLoadBalance applies the load balance bound to a gateway map
func CheckLoadBalance(m controlplane.GatewayMap) (map[string]int, error) {
	num := len(m.Gateways)
	if num == 0 {
		return nil, &tperrors.ErrNotFound{ID: "any", Type: "Gateway"}
	}
	perGateway := float64(m.NumNamespaces) / float64(num)
	log.Infof("Total namespaces in GW group: %d, GWs: %d, namespaces per GW: %.2f", m.NumNamespaces, num, perGateway)

	counts := make(map[string]int, num)
	for _, gw := range m.Gateways {
		if math.Abs(float64(gw.NumNamespaces)-perGateway) > float64(num) {
			return counts, &tperrors.ErrValidateGateway{
				ID: gw.ID,
				Cause: fmt.Sprintf("invalid num-namespaces %d, must be between %.2f and %.2f",
					gw.NumNamespaces, perGateway-float64(num), perGateway+float64(num)),
			}
		}
		counts[gw.ID] = gw.NumNamespaces
	}
	return counts, nil
}

func (s *ScaleCoordinator) finish(result ScaleResult) ScaleResult {
	result.End = time.Now()
	result.Elapsed = result.End.Sub(result.Start)
	log.InfoD("%s of %v completed in %v", result.Operation, result.Nodes, result.Elapsed)
	return result
}
