package controlplane

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/log"
)

const (
	// DefaultCephPrefix runs ceph commands inside the admin container
	DefaultCephPrefix = "cephadm shell --"
	// DefaultGatewayPort is the gateway gRPC port used by the gateway CLI
	DefaultGatewayPort = 5500
	// DefaultCommandTimeout bounds every control plane command
	DefaultCommandTimeout = 10 * time.Minute
)

// Executor runs a shell command where the control plane can be reached
type Executor interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// NodeExecutor runs commands on a node through a node driver
type NodeExecutor struct {
	Driver node.Driver
	Node   node.Node
	Opts   node.ConnectionOpts
}

// Run implements Executor
func (e *NodeExecutor) Run(ctx context.Context, cmd string) (string, error) {
	return e.Driver.RunCommand(ctx, e.Node, cmd, e.Opts)
}

// Config describes where the gateway service lives
type Config struct {
	// Pool is the pool the gateway service was deployed with
	Pool string
	// Group is the gateway group, empty for the default group
	Group string
	// CephPrefix is prepended to every ceph/rbd command
	CephPrefix string
	// GatewayCLI invokes the gateway CLI, e.g. "podman run --rm quay.io/ceph/nvmeof-cli:1.2.5"
	GatewayCLI string
	// GatewayPort is the gateway gRPC port
	GatewayPort int
	// CommandTimeout bounds each command
	CommandTimeout time.Duration
}

// Client reads cluster state from the control plane and applies gateway placement.
// It never retries: callers own the retry policy.
type Client struct {
	exec Executor
	cfg  Config
}

// New returns a control plane client running commands through exec
func New(exec Executor, cfg Config) *Client {
	if cfg.CephPrefix == "" {
		cfg.CephPrefix = DefaultCephPrefix
	}
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = DefaultGatewayPort
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Client{exec: exec, cfg: cfg}
}

// Config returns the client configuration
func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) run(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	out, err := c.exec.Run(ctx, cmd)
	if err != nil {
		return out, &errors.ErrControlPlaneQuery{Query: cmd, Cause: err.Error()}
	}
	return out, nil
}

// Ceph runs a ceph command through the configured prefix
func (c *Client) Ceph(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, fmt.Sprintf("%s ceph %s", c.cfg.CephPrefix, strings.Join(args, " ")))
}

// ShowGateways returns the parsed gateway map of the configured pool and group
func (c *Client) ShowGateways(ctx context.Context) (GatewayMap, error) {
	cmd := fmt.Sprintf("%s ceph nvme-gw show %s '%s'", c.cfg.CephPrefix, c.cfg.Pool, c.cfg.Group)
	out, err := c.run(ctx, cmd)
	if err != nil {
		return GatewayMap{}, err
	}
	m, err := ParseGatewayMap(out)
	if err != nil {
		return GatewayMap{}, &errors.ErrControlPlaneQuery{Query: cmd, Cause: err.Error()}
	}
	return m, nil
}

// ReadANAStates returns the ANA state of the given groups, or of every group when none is given
func (c *Client) ReadANAStates(ctx context.Context, groups ...int) (ANAStates, error) {
	m, err := c.ShowGateways(ctx)
	if err != nil {
		return nil, err
	}
	states := m.ANAStates()
	if len(groups) == 0 {
		return states, nil
	}

	filtered := make(ANAStates, len(groups))
	for _, grp := range groups {
		if st, ok := states[grp]; ok {
			filtered[grp] = st
		}
	}
	return filtered, nil
}

// ResolveGatewayGroups returns gw-id to anagrp-id for every registered gateway
func (c *Client) ResolveGatewayGroups(ctx context.Context) (map[string]int, error) {
	m, err := c.ShowGateways(ctx)
	if err != nil {
		return nil, err
	}
	return m.Groups(), nil
}

func (c *Client) gatewayCLI(server string, args string) string {
	return fmt.Sprintf("%s --server-address %s --server-port %d --format json %s",
		c.cfg.GatewayCLI, server, c.cfg.GatewayPort, args)
}

// ReadNamespaces lists namespaces through the gateway at server and keeps the ones
// whose load balancing group is in groups. No groups returns every namespace.
func (c *Client) ReadNamespaces(ctx context.Context, server string, groups ...int) ([]Namespace, error) {
	cmd := c.gatewayCLI(server, "subsystem list")
	out, err := c.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	subsystems, err := ParseSubsystems(out)
	if err != nil {
		return nil, &errors.ErrControlPlaneQuery{Query: cmd, Cause: err.Error()}
	}

	wanted := make(map[int]bool, len(groups))
	for _, grp := range groups {
		wanted[grp] = true
	}

	var nss []Namespace
	for _, sub := range subsystems {
		cmd := c.gatewayCLI(server, fmt.Sprintf("namespace list --subsystem %s", sub))
		out, err := c.run(ctx, cmd)
		if err != nil {
			return nil, err
		}
		list, err := ParseNamespaces(sub, out)
		if err != nil {
			return nil, &errors.ErrControlPlaneQuery{Query: cmd, Cause: err.Error()}
		}
		for _, ns := range list {
			if len(groups) == 0 || wanted[ns.ANAGroupID] {
				nss = append(nss, ns)
			}
		}
	}

	sort.Slice(nss, func(i, j int) bool { return nss[i].Key() < nss[j].Key() })
	log.Debugf("Namespaces found for ANA-grp-id %v: %d", groups, len(nss))
	return nss, nil
}

// ReadUsage returns the used bytes of pool/image
func (c *Client) ReadUsage(ctx context.Context, pool, image string) (uint64, error) {
	cmd := fmt.Sprintf("%s rbd --format json du %s/%s", c.cfg.CephPrefix, pool, image)
	out, err := c.run(ctx, cmd)
	if err != nil {
		return 0, err
	}
	used, err := ParseUsedSize(out)
	if err != nil {
		return 0, &errors.ErrControlPlaneQuery{Query: cmd, Cause: err.Error()}
	}
	return used, nil
}

// Deploy converges the gateway service to run on exactly the given hosts
func (c *Client) Deploy(ctx context.Context, hosts []string) error {
	if len(hosts) == 0 {
		return &errors.ErrControlPlaneQuery{Query: "orch apply nvmeof", Cause: "empty placement"}
	}
	args := []string{"orch", "apply", "nvmeof", c.cfg.Pool}
	if c.cfg.Group != "" {
		args = append(args, c.cfg.Group)
	}
	args = append(args, fmt.Sprintf("--placement=\"%s\"", strings.Join(hosts, ",")))

	out, err := c.Ceph(ctx, args...)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Scheduled") {
		return &errors.ErrControlPlaneQuery{
			Query: strings.Join(args, " "),
			Cause: fmt.Sprintf("unexpected output: %s", strings.TrimSpace(out)),
		}
	}
	log.Infof("Scheduled nvmeof service on %v", hosts)
	return nil
}

// ClusterVersion returns the version reported by "ceph version", e.g. "18.2.1-194.el9cp"
func (c *Client) ClusterVersion(ctx context.Context) (string, error) {
	out, err := c.Ceph(ctx, "version")
	if err != nil {
		return "", err
	}
	// ceph version 18.2.1-194.el9cp (...) reef (stable)
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", &errors.ErrControlPlaneQuery{Query: "ceph version", Cause: fmt.Sprintf("unexpected output: %s", out)}
}
