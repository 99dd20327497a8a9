// Package gateway provides handles on the NVMe-oF gateways under test.
package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	"github.com/portworx/nvmeof-ha/pkg/errors"
)

const clientPrefix = "client."

// Gateway is a handle on one gateway daemon. ANAGroupID is assigned by the
// control plane at registration and never changes for the life of the handle.
type Gateway struct {
	// ID is the control plane gw-id, e.g. client.nvmeof.rbd.ceph-node1.abcdef
	ID string
	// DaemonName is the orchestrator daemon name, e.g. nvmeof.rbd.ceph-node1.abcdef
	DaemonName string
	// Hostname of the node running the daemon
	Hostname string
	// ANAGroupID is the ANA group this gateway owns at steady state
	ANAGroupID int
	// ServiceUnit is the systemd unit running the daemon
	ServiceUnit string
	// Node is the node running the daemon
	Node node.Node
}

// New returns a gateway handle for the given gw-id running on n
func New(n node.Node, gwID string, anaGroupID int, fsid string) *Gateway {
	daemon := strings.TrimPrefix(gwID, clientPrefix)
	return &Gateway{
		ID:          gwID,
		DaemonName:  daemon,
		Hostname:    n.Name,
		ANAGroupID:  anaGroupID,
		ServiceUnit: fmt.Sprintf("ceph-%s@%s.service", fsid, daemon),
		Node:        n,
	}
}

func (g *Gateway) String() string {
	return fmt.Sprintf("%s (ana-grp %d)", g.Hostname, g.ANAGroupID)
}

// Availability returns the availability the control plane reports for this gateway's group
func (g *Gateway) Availability(states controlplane.ANAStates) (controlplane.Availability, bool) {
	st, ok := states[g.ANAGroupID]
	if !ok {
		return "", false
	}
	return st.Availability, true
}

// Discover builds handles for every gw-id whose hostname matches one of the nodes.
// The result is sorted by ANA group id.
func Discover(groups map[string]int, nodes []node.Node, fsid string) ([]*Gateway, error) {
	var gws []*Gateway
	for gwID, grp := range groups {
		n, ok := nodeForGateway(gwID, nodes)
		if !ok {
			continue
		}
		gws = append(gws, New(n, gwID, grp, fsid))
	}
	if len(gws) == 0 {
		return nil, &errors.ErrNotFound{ID: "any", Type: "Gateway"}
	}
	sort.Slice(gws, func(i, j int) bool { return gws[i].ANAGroupID < gws[j].ANAGroupID })
	return gws, nil
}

// nodeForGateway matches a gw-id to its node. The hostname is the second last
// dot separated field of the daemon name.
func nodeForGateway(gwID string, nodes []node.Node) (node.Node, bool) {
	parts := strings.Split(strings.TrimPrefix(gwID, clientPrefix), ".")
	if len(parts) < 2 {
		return node.Node{}, false
	}
	host := parts[len(parts)-2]
	for _, n := range nodes {
		if n.Name == host {
			return n, true
		}
	}
	return node.Node{}, false
}

// Categorize splits gateways into the ones running on the given node IDs and the survivors
func Categorize(gws []*Gateway, nodeIDs []string) (toFail []*Gateway, survivors []*Gateway, err error) {
	wanted := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = true
	}

	found := make(map[string]bool, len(nodeIDs))
	for _, gw := range gws {
		if wanted[gw.Node.ID] {
			toFail = append(toFail, gw)
			found[gw.Node.ID] = true
			continue
		}
		survivors = append(survivors, gw)
	}

	for _, id := range nodeIDs {
		if !found[id] {
			return nil, nil, &errors.ErrNotFound{ID: id, Type: "Gateway node"}
		}
	}
	return toFail, survivors, nil
}

// FindByID returns the gateway with the given gw-id
func FindByID(gws []*Gateway, gwID string) (*Gateway, error) {
	for _, gw := range gws {
		if gw.ID == gwID {
			return gw, nil
		}
	}
	return nil, &errors.ErrNotFound{ID: gwID, Type: "Gateway"}
}

// FindByNode returns the gateway running on the node with the given plan ID
func FindByNode(gws []*Gateway, nodeID string) (*Gateway, error) {
	for _, gw := range gws {
		if gw.Node.ID == nodeID {
			return gw, nil
		}
	}
	return nil, &errors.ErrNotFound{ID: nodeID, Type: "Gateway node"}
}

// GroupIDs returns the ANA group ids of the given gateways
func GroupIDs(gws []*Gateway) []int {
	ids := make([]int, 0, len(gws))
	for _, gw := range gws {
		ids = append(ids, gw.ANAGroupID)
	}
	return ids
}

// Hostnames returns the hostnames of the given gateways
func Hostnames(gws []*Gateway) []string {
	hosts := make([]string, 0, len(gws))
	for _, gw := range gws {
		hosts = append(hosts, gw.Hostname)
	}
	return hosts
}
