// Package config loads the YAML test plan: the test bed nodes, the gateway
// service, the fault-injection steps, the scale operations and the timeouts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/portworx/nvmeof-ha/drivers/initiator"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	"github.com/portworx/nvmeof-ha/pkg/fault"
	"github.com/portworx/nvmeof-ha/pkg/ha"
	haversion "github.com/portworx/nvmeof-ha/pkg/version"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// Roles a node can have in the plan
const (
	RoleGateway   = "gateway"
	RoleInitiator = "initiator"
	RoleAdmin     = "admin"
)

var roleTypes = map[string]node.Type{
	RoleGateway:   node.TypeGateway,
	RoleInitiator: node.TypeInitiator,
	RoleAdmin:     node.TypeAdmin,
}

// NodeList accepts either a single node id or a list of them
type NodeList []string

// UnmarshalYAML implements yaml.Unmarshaler
func (l *NodeList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*l = NodeList{single}
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return fmt.Errorf("nodes must be a node id or a list of node ids: %v", err)
	}
	*l = list
	return nil
}

// NodeSpec is one machine of the test bed
type NodeSpec struct {
	ID        string   `yaml:"id"`
	Hostname  string   `yaml:"hostname"`
	Addresses []string `yaml:"addresses"`
	Role      string   `yaml:"role"`
}

// FaultMethod is one entry of fault-injection-methods
type FaultMethod struct {
	Tool  string   `yaml:"tool"`
	Nodes NodeList `yaml:"nodes"`
}

// ScaleStep is one entry of load_balancing. Exactly one field is set.
type ScaleStep struct {
	ScaleDown []string `yaml:"scale_down"`
	ScaleUp   []string `yaml:"scale_up"`
}

// InitiatorSpec connects a client node to the gateways
type InitiatorSpec struct {
	Node string `yaml:"node"`
	// Gateway is the node id used for discovery, the first gateway when empty
	Gateway       string `yaml:"gateway"`
	DiscoveryPort int    `yaml:"listener_port"`
	IODepth       int    `yaml:"iodepth"`
	Size          string `yaml:"size"`
	RW            string `yaml:"rw"`
	BlockSize     string `yaml:"bs"`
}

// Timeouts bound the waits. Zero values use the engine defaults.
type Timeouts struct {
	Failover    time.Duration `yaml:"failover"`
	Failback    time.Duration `yaml:"failback"`
	Service     time.Duration `yaml:"service"`
	Scale       time.Duration `yaml:"scale"`
	Interval    time.Duration `yaml:"interval"`
	IOKickIn    time.Duration `yaml:"io_kick_in"`
	IOStopGrace time.Duration `yaml:"io_stop_grace"`
	StepDelay   time.Duration `yaml:"step_delay"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	Command     time.Duration `yaml:"command"`
}

// IOValidation tunes the I/O progress checks
type IOValidation struct {
	Samples          int           `yaml:"samples"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	Attempts         int           `yaml:"attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Workers          int           `yaml:"workers"`
	QueriesPerSecond float64       `yaml:"queries_per_second"`
}

// Plan is a complete test plan
type Plan struct {
	Pool        string `yaml:"rbd_pool"`
	Group       string `yaml:"gw_group"`
	FSID        string `yaml:"fsid"`
	Release     string `yaml:"release"`
	CephPrefix  string `yaml:"ceph_prefix"`
	GatewayCLI  string `yaml:"gateway_cli"`
	GatewayPort int    `yaml:"gateway_port"`

	Nodes                 []NodeSpec      `yaml:"nodes"`
	FaultInjectionMethods []FaultMethod   `yaml:"fault-injection-methods"`
	LoadBalancing         []ScaleStep     `yaml:"load_balancing"`
	Initiators            []InitiatorSpec `yaml:"initiators"`
	RepeatHACount         int             `yaml:"repeat_ha_count"`
	Workers               int             `yaml:"workers"`
	Timeouts              Timeouts        `yaml:"timeouts"`
	IO                    IOValidation    `yaml:"io"`
}

// Load reads and validates the plan at path
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %v", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a plan
func Parse(data []byte) (*Plan, error) {
	p := &Plan{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate reports every problem of the plan at once
func (p *Plan) Validate() error {
	var errs error
	if p.Pool == "" {
		errs = multierr.Append(errs, fmt.Errorf("rbd_pool is required"))
	}
	if _, err := p.ReleaseVersion(); err != nil {
		errs = multierr.Append(errs, err)
	}

	roles := make(map[string]string, len(p.Nodes))
	admins := 0
	for i, n := range p.Nodes {
		if n.ID == "" || n.Hostname == "" {
			errs = multierr.Append(errs, fmt.Errorf("node #%d needs an id and a hostname", i))
			continue
		}
		if _, ok := roles[n.ID]; ok {
			errs = multierr.Append(errs, fmt.Errorf("node %s is defined twice", n.ID))
			continue
		}
		if _, ok := roleTypes[n.Role]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("node %s has unknown role %q", n.ID, n.Role))
		}
		if n.Role == RoleAdmin {
			admins++
		}
		roles[n.ID] = n.Role
	}
	if admins != 1 {
		errs = multierr.Append(errs, fmt.Errorf("exactly one admin node is required, found %d", admins))
	}

	requireRole := func(what, id, role string) {
		if got, ok := roles[id]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%s: unknown node %s", what, id))
		} else if got != role {
			errs = multierr.Append(errs, fmt.Errorf("%s: node %s is a %s node, not a %s node", what, id, got, role))
		}
	}

	steps, err := p.Steps()
	errs = multierr.Append(errs, err)
	for i, step := range steps {
		for _, id := range step.Nodes {
			requireRole(fmt.Sprintf("fault-injection step #%d", i), id, RoleGateway)
		}
	}

	for i, s := range p.LoadBalancing {
		what := fmt.Sprintf("load_balancing step #%d", i)
		ids := s.ScaleDown
		if (len(s.ScaleDown) == 0) == (len(s.ScaleUp) == 0) {
			errs = multierr.Append(errs, fmt.Errorf("%s needs exactly one of scale_down and scale_up", what))
			continue
		}
		if len(ids) == 0 {
			ids = s.ScaleUp
		}
		for _, id := range ids {
			requireRole(what, id, RoleGateway)
		}
	}

	for i, in := range p.Initiators {
		what := fmt.Sprintf("initiator #%d", i)
		requireRole(what, in.Node, RoleInitiator)
		if in.Gateway != "" {
			requireRole(what, in.Gateway, RoleGateway)
		}
	}
	if len(p.FaultInjectionMethods) > 0 && len(p.Initiators) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("fault-injection-methods need at least one initiator"))
	}
	if p.RepeatHACount < 0 {
		errs = multierr.Append(errs, fmt.Errorf("repeat_ha_count must not be negative"))
	}
	if p.IO.Samples != 0 && p.IO.Samples < 2 {
		errs = multierr.Append(errs, fmt.Errorf("io.samples must be at least 2 to detect progress, got %d", p.IO.Samples))
	}
	return errs
}

// Steps converts fault-injection-methods into validated fault steps
func (p *Plan) Steps() ([]fault.Step, error) {
	steps := make([]fault.Step, 0, len(p.FaultInjectionMethods))
	var errs error
	for i, m := range p.FaultInjectionMethods {
		tool, err := fault.ParseTool(m.Tool)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fault-injection step #%d: %v", i, err))
			continue
		}
		step := fault.Step{Tool: tool, Nodes: []string(m.Nodes)}
		if err := step.Validate(i); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		steps = append(steps, step)
	}
	return steps, errs
}

// ReleaseVersion parses the storage product release, nil when unset
func (p *Plan) ReleaseVersion() (*version.Version, error) {
	if strings.TrimSpace(p.Release) == "" {
		return nil, nil
	}
	v, _, err := haversion.ParseRelease(p.Release)
	if err != nil {
		return nil, fmt.Errorf("invalid release %q: %v", p.Release, err)
	}
	return v, nil
}

// Node returns the test bed node with the given id
func (p *Plan) Node(id string) (node.Node, error) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n.toNode(), nil
		}
	}
	return node.Node{}, fmt.Errorf("node %s is not defined in the plan", id)
}

// Admin returns the node control plane commands run on
func (p *Plan) Admin() (node.Node, error) {
	for _, n := range p.Nodes {
		if n.Role == RoleAdmin {
			return n.toNode(), nil
		}
	}
	return node.Node{}, fmt.Errorf("no admin node in the plan")
}

func (n NodeSpec) toNode() node.Node {
	return node.Node{
		ID:        n.ID,
		Name:      n.Hostname,
		Addresses: n.Addresses,
		Type:      roleTypes[n.Role],
	}
}

// RegisterNodes adds every node of the plan to the node registry
func (p *Plan) RegisterNodes() ([]node.Node, error) {
	nodes := make([]node.Node, 0, len(p.Nodes))
	for _, spec := range p.Nodes {
		n := spec.toNode()
		if err := node.AddNode(n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ControlPlane returns the control plane client settings
func (p *Plan) ControlPlane() controlplane.Config {
	return controlplane.Config{
		Pool:           p.Pool,
		Group:          p.Group,
		CephPrefix:     p.CephPrefix,
		GatewayCLI:     p.GatewayCLI,
		GatewayPort:    p.GatewayPort,
		CommandTimeout: p.Timeouts.Command,
	}
}

// InitiatorConfig returns the settings of initiator in, discovering through
// the gateway address gatewayAddr.
func (in InitiatorSpec) InitiatorConfig(gatewayAddr string) initiator.Config {
	return initiator.Config{
		Gateway:       gatewayAddr,
		DiscoveryPort: in.DiscoveryPort,
		IODepth:       in.IODepth,
		Size:          in.Size,
		RW:            in.RW,
		BlockSize:     in.BlockSize,
	}
}

// HAOptions returns the orchestrator options
func (p *Plan) HAOptions() ha.Options {
	return ha.Options{
		RepeatCount:     p.RepeatHACount,
		IOKickIn:        p.Timeouts.IOKickIn,
		FailoverTimeout: p.Timeouts.Failover,
		FailbackTimeout: p.Timeouts.Failback,
		ServiceTimeout:  p.Timeouts.Service,
		Interval:        p.Timeouts.Interval,
		Workers:         p.Workers,
		IOStopGrace:     p.Timeouts.IOStopGrace,
		StepDelay:       p.Timeouts.StepDelay,
	}
}

// IOOptions returns the I/O validator options
func (p *Plan) IOOptions() ha.IOValidatorOptions {
	return ha.IOValidatorOptions{
		Samples:          p.IO.Samples,
		SampleInterval:   p.IO.SampleInterval,
		Attempts:         p.IO.Attempts,
		RetryDelay:       p.IO.RetryDelay,
		Workers:          p.IO.Workers,
		QueriesPerSecond: p.IO.QueriesPerSecond,
	}
}

// ScaleOptions returns the scale coordinator options
func (p *Plan) ScaleOptions() (ha.ScaleOptions, error) {
	release, err := p.ReleaseVersion()
	if err != nil {
		return ha.ScaleOptions{}, err
	}
	return ha.ScaleOptions{
		Timeout:     p.Timeouts.Scale,
		Interval:    p.Timeouts.Interval,
		SettleDelay: p.Timeouts.SettleDelay,
		Release:     release,
	}, nil
}
