package ha

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	"github.com/portworx/nvmeof-ha/pkg/fault"
)

const testFSID = "fsid-1"

type fakeGateway struct {
	id    string
	host  string
	group int
	avail controlplane.Availability
}

// fakeCluster simulates a gateway pool. A stopped gateway's group moves to the
// available gateway with the lowest group after lag reads.
type fakeCluster struct {
	mu sync.Mutex

	gateways   map[string]*fakeGateway
	namespaces []controlplane.Namespace
	usage      map[string]uint64
	// stalled images never grow
	stalled map[string]bool
	// frozen stops every image from growing
	frozen bool

	// lag is the number of reads a change takes to show up
	lag     int
	pending int
	// splitBrain makes every available gateway report ACTIVE for every group
	splitBrain bool
	// noTakeover keeps failed groups without an owner
	noTakeover bool
	// reassign gives returning hosts a fresh group id
	reassign bool
	// dropRemoved deletes removed gateways from the map instead of marking them
	// DELETING. Survivors keep reporting their groups.
	dropRemoved bool
	orphans     map[int]bool
	// failQuery makes every state read fail
	failQuery error

	groupOf   map[string]int
	nextGroup int
	deploys   [][]string
	reads     int
}

func newFakeCluster(hosts ...string) *fakeCluster {
	c := &fakeCluster{
		gateways: make(map[string]*fakeGateway),
		usage:    make(map[string]uint64),
		stalled:  make(map[string]bool),
		groupOf:  make(map[string]int),
		orphans:  make(map[int]bool),
	}
	for _, h := range hosts {
		c.addGateway(h)
	}
	return c
}

func gatewayID(host string, gen int) string {
	return fmt.Sprintf("client.nvmeof.rbd.%s.gen%d", host, gen)
}

func (c *fakeCluster) addGateway(host string) *fakeGateway {
	grp, ok := c.groupOf[host]
	if !ok || c.reassign {
		grp = c.nextGroup
		c.nextGroup++
		c.groupOf[host] = grp
	}
	gw := &fakeGateway{id: gatewayID(host, len(c.deploys)), host: host, group: grp, avail: controlplane.AvailabilityAvailable}
	c.gateways[gw.id] = gw
	delete(c.orphans, grp)
	return gw
}

func (c *fakeCluster) addNamespaces(perGroup int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, gw := range c.sorted() {
		for i := 0; i < perGroup; i++ {
			image := fmt.Sprintf("image-%d-%d", gw.group, i)
			c.namespaces = append(c.namespaces, controlplane.Namespace{
				Subsystem:  "nqn.2016-06.io.spdk:cnode1",
				NSID:       len(c.namespaces) + 1,
				Pool:       "rbd",
				Image:      image,
				ANAGroupID: gw.group,
			})
		}
	}
}

func (c *fakeCluster) sorted() []*fakeGateway {
	gws := make([]*fakeGateway, 0, len(c.gateways))
	for _, gw := range c.gateways {
		gws = append(gws, gw)
	}
	sort.Slice(gws, func(i, j int) bool {
		if gws[i].group != gws[j].group {
			return gws[i].group < gws[j].group
		}
		return gws[i].id < gws[j].id
	})
	return gws
}

// owner returns who serves grp
func (c *fakeCluster) owner(grp int) string {
	for _, gw := range c.sorted() {
		if gw.group == grp && gw.avail == controlplane.AvailabilityAvailable {
			return gw.id
		}
	}
	if c.noTakeover {
		return ""
	}
	for _, gw := range c.sorted() {
		if gw.avail == controlplane.AvailabilityAvailable {
			return gw.id
		}
	}
	return ""
}

// groups returns every group reported by the pool, sorted
func (c *fakeCluster) groups() []int {
	var groups []int
	for _, gw := range c.sorted() {
		groups = append(groups, gw.group)
	}
	for grp := range c.orphans {
		groups = append(groups, grp)
	}
	sort.Ints(groups)
	return groups
}

func (c *fakeCluster) gatewayMap() controlplane.GatewayMap {
	m := controlplane.GatewayMap{Pool: "rbd", NumNamespaces: len(c.namespaces)}
	gws := c.sorted()
	groups := c.groups()
	for _, gw := range gws {
		rec := controlplane.GatewayRecord{
			ID:           gw.id,
			ANAGroupID:   gw.group,
			Availability: gw.avail,
			States:       make(map[int]controlplane.GatewayState),
		}
		for _, ns := range c.namespaces {
			if c.owner(ns.ANAGroupID) == gw.id {
				rec.NumNamespaces++
			}
		}
		for _, grp := range groups {
			rec.States[grp] = controlplane.StateStandby
			if c.owner(grp) == gw.id {
				rec.States[grp] = controlplane.StateActive
			}
		}
		m.Gateways = append(m.Gateways, rec)
	}
	if c.splitBrain {
		for i := range m.Gateways {
			for grp, st := range m.Gateways[i].States {
				if st == controlplane.StateStandby && m.Gateways[i].Availability == controlplane.AvailabilityAvailable {
					m.Gateways[i].States[grp] = controlplane.StateActive
				}
			}
		}
	}
	return m
}

func (c *fakeCluster) ReadANAStates(ctx context.Context, groups ...int) (controlplane.ANAStates, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.failQuery != nil {
		return nil, c.failQuery
	}
	if c.pending > 0 {
		c.pending--
		return c.stale(), nil
	}
	states := c.gatewayMap().ANAStates()
	if len(groups) == 0 {
		return states, nil
	}
	filtered := make(controlplane.ANAStates)
	for _, g := range groups {
		if st, ok := states[g]; ok {
			filtered[g] = st
		}
	}
	return filtered, nil
}

// stale reports every gateway as AVAILABLE serving its own group
func (c *fakeCluster) stale() controlplane.ANAStates {
	m := controlplane.GatewayMap{}
	for _, gw := range c.sorted() {
		m.Gateways = append(m.Gateways, controlplane.GatewayRecord{
			ID:           gw.id,
			ANAGroupID:   gw.group,
			Availability: controlplane.AvailabilityAvailable,
			States:       map[int]controlplane.GatewayState{gw.group: controlplane.StateActive},
		})
	}
	return m.ANAStates()
}

func (c *fakeCluster) ShowGateways(ctx context.Context) (controlplane.GatewayMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatewayMap(), nil
}

func (c *fakeCluster) ReadNamespaces(ctx context.Context, server string, groups ...int) ([]controlplane.Namespace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := make(map[int]bool)
	for _, g := range groups {
		want[g] = true
	}
	var out []controlplane.Namespace
	for _, ns := range c.namespaces {
		if len(groups) == 0 || want[ns.ANAGroupID] {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (c *fakeCluster) ReadUsage(ctx context.Context, pool, image string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen && !c.stalled[image] {
		c.usage[image] += 4096
	}
	return c.usage[image], nil
}

func (c *fakeCluster) Deploy(ctx context.Context, hosts []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deploys = append(c.deploys, hosts)
	want := make(map[string]bool)
	for _, h := range hosts {
		want[h] = true
	}
	present := make(map[string]bool)
	for _, gw := range c.gateways {
		if gw.avail == controlplane.AvailabilityDeleting {
			continue
		}
		if !want[gw.host] {
			gw.avail = controlplane.AvailabilityDeleting
			if c.dropRemoved {
				delete(c.gateways, gw.id)
				c.orphans[gw.group] = true
			}
			continue
		}
		present[gw.host] = true
	}
	for _, h := range hosts {
		if present[h] {
			continue
		}
		for id, gw := range c.gateways {
			if gw.host == h {
				delete(c.gateways, id)
			}
		}
		c.addGateway(h)
	}
	return nil
}

func (c *fakeCluster) setAvailability(gwID string, avail controlplane.Availability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	gw, ok := c.gateways[gwID]
	if !ok {
		return fmt.Errorf("unknown gateway %s", gwID)
	}
	gw.avail = avail
	c.pending = c.lag
	return nil
}

// handles returns gateway handles for every host, registering their nodes
func (c *fakeCluster) handles() []*gateway.Gateway {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make(map[string]int)
	var nodes []node.Node
	for _, gw := range c.sorted() {
		if gw.avail == controlplane.AvailabilityDeleting {
			continue
		}
		groups[gw.id] = gw.group
		nodes = append(nodes, hostNode(gw.host))
	}
	gws, err := gateway.Discover(groups, nodes, testFSID)
	if err != nil {
		panic(err)
	}
	return gws
}

func hostNode(host string) node.Node {
	return node.Node{
		ID:        strings.Replace(host, "ceph-", "", 1),
		Name:      host,
		Addresses: []string{"10.0.0." + strings.TrimPrefix(host, "ceph-node")},
		Type:      node.TypeGateway,
	}
}

func registerNodes(hosts ...string) {
	node.ResetRegistry()
	for _, h := range hosts {
		if err := node.AddNode(hostNode(h)); err != nil {
			panic(err)
		}
	}
}

// fakeInjector flips gateway availability in the fake cluster
type fakeInjector struct {
	cluster *fakeCluster
	mu      sync.Mutex
	calls   []string
	failOn  string
	// restart brings a stopped gateway straight back, like a redeploy
	restart bool
}

func (f *fakeInjector) record(action string, gw *gateway.Gateway) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+" "+gw.Hostname)
	if f.failOn == action {
		return fmt.Errorf("%s failed on %s", action, gw.Hostname)
	}
	return nil
}

func (f *fakeInjector) Stop(ctx context.Context, gw *gateway.Gateway) error {
	if err := f.record("stop", gw); err != nil {
		return err
	}
	if err := f.cluster.setAvailability(gw.ID, controlplane.AvailabilityUnavailable); err != nil {
		return err
	}
	if f.restart {
		return f.cluster.setAvailability(gw.ID, controlplane.AvailabilityAvailable)
	}
	return nil
}

func (f *fakeInjector) Start(ctx context.Context, gw *gateway.Gateway) error {
	if err := f.record("start", gw); err != nil {
		return err
	}
	return f.cluster.setAvailability(gw.ID, controlplane.AvailabilityAvailable)
}

func (f *fakeInjector) IsActive(ctx context.Context, gw *gateway.Gateway) (bool, error) {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	return f.cluster.gateways[gw.ID].avail == controlplane.AvailabilityAvailable, nil
}

func (f *fakeInjector) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInjector) factory() InjectorFactory {
	return func(tool fault.Tool) (fault.Injector, error) {
		return f, nil
	}
}

// fakeGenerator runs until stopped and reports a fio like latency
type fakeGenerator struct {
	name string

	mu          sync.Mutex
	runs        int
	stops       int
	connected   bool
	stop        chan struct{}
	pendingStop bool
}

func newFakeGenerator(name string) *fakeGenerator {
	return &fakeGenerator{name: name}
}

func (g *fakeGenerator) String() string { return g.name }

func (g *fakeGenerator) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	return nil
}

func (g *fakeGenerator) RunIO(ctx context.Context) (string, error) {
	const report = "    clat (usec): min=100, max=1500k, avg=300.1, stdev=1.0\n"
	g.mu.Lock()
	g.runs++
	if g.pendingStop {
		g.pendingStop = false
		g.mu.Unlock()
		return report, nil
	}
	stop := make(chan struct{})
	g.stop = stop
	g.mu.Unlock()

	select {
	case <-stop:
		return report, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *fakeGenerator) StopIO(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops++
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	} else {
		g.pendingStop = true
	}
	return nil
}

func (g *fakeGenerator) counts() (runs, stops int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs, g.stops
}

func fastWaiter(c *fakeCluster) *Waiter {
	w := NewWaiter(c)
	w.Timeout = 300 * time.Millisecond
	w.Interval = time.Millisecond
	return w
}

func fastValidator(c *fakeCluster) *IOValidator {
	return NewIOValidator(c, IOValidatorOptions{
		SampleInterval:   time.Millisecond,
		RetryDelay:       time.Millisecond,
		Attempts:         3,
		QueriesPerSecond: 10000,
	})
}
