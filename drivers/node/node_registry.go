package node

import (
	"fmt"
	"sort"
	"sync"

	"github.com/portworx/nvmeof-ha/pkg/errors"
)

var (
	nodeRegistry = make(map[string]Node)
	lock         sync.RWMutex
)

// AddNode adds a node to the node collection
func AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node ID must be set to add a node")
	}
	lock.Lock()
	defer lock.Unlock()
	if _, ok := nodeRegistry[n.ID]; ok {
		return fmt.Errorf("node %s is already registered", n.ID)
	}
	nodeRegistry[n.ID] = n
	return nil
}

// UpdateNode updates a given node if it exists in the node collection
func UpdateNode(n Node) error {
	lock.Lock()
	defer lock.Unlock()
	if _, ok := nodeRegistry[n.ID]; !ok {
		return fmt.Errorf("Node to be updated does not exist")
	}
	nodeRegistry[n.ID] = n
	return nil
}

// GetNode returns the node registered under the given plan ID
func GetNode(id string) (Node, error) {
	lock.RLock()
	defer lock.RUnlock()
	n, ok := nodeRegistry[id]
	if !ok {
		return Node{}, &errors.ErrNotFound{ID: id, Type: "Node"}
	}
	return n, nil
}

// GetNodesByIDs resolves plan IDs to nodes, preserving order
func GetNodesByIDs(ids []string) ([]Node, error) {
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, err := GetNode(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetNodes returns all the nodes from the node collection sorted by ID
func GetNodes() []Node {
	lock.RLock()
	defer lock.RUnlock()
	var nodeList []Node
	for _, n := range nodeRegistry {
		nodeList = append(nodeList, n)
	}
	sort.Slice(nodeList, func(i, j int) bool { return nodeList[i].ID < nodeList[j].ID })
	return nodeList
}

// GetNodesByType returns the nodes with the given role sorted by ID
func GetNodesByType(t Type) []Node {
	var nodeList []Node
	for _, n := range GetNodes() {
		if n.Type == t {
			nodeList = append(nodeList, n)
		}
	}
	return nodeList
}

// Contains checks if the node is present in the given list of nodes
func Contains(nodes []Node, n Node) bool {
	for _, value := range nodes {
		if value.ID == n.ID {
			return true
		}
	}
	return false
}

// ResetRegistry drops every registered node
func ResetRegistry() {
	lock.Lock()
	defer lock.Unlock()
	nodeRegistry = make(map[string]Node)
}
