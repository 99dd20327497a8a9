// Package ha validates the high availability of NVMe-oF gateways. It fails
// gateways, waits for ANA group ownership to move to a survivor, checks client
// I/O keeps progressing, fails back and scales the gateway pool.
package ha

import (
	"context"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
)

// StateReader returns a fresh ANA state snapshot
type StateReader interface {
	ReadANAStates(ctx context.Context, groups ...int) (controlplane.ANAStates, error)
}

// UsageReader returns the bytes used by an image
type UsageReader interface {
	ReadUsage(ctx context.Context, pool, image string) (uint64, error)
}

// NamespaceReader lists namespaces served by the gateway at server
type NamespaceReader interface {
	ReadNamespaces(ctx context.Context, server string, groups ...int) ([]controlplane.Namespace, error)
}

// Redeployer converges the gateway pool to exactly the given hosts
type Redeployer interface {
	Deploy(ctx context.Context, hosts []string) error
}

// GatewayMapReader returns the full gateway map of the pool
type GatewayMapReader interface {
	ShowGateways(ctx context.Context) (controlplane.GatewayMap, error)
}

// ControlPlane is everything the validation engine reads from or asks of the cluster
type ControlPlane interface {
	StateReader
	UsageReader
	NamespaceReader
	Redeployer
	GatewayMapReader
}

// IOGenerator runs a long running workload from an initiator
type IOGenerator interface {
	String() string
	// RunIO blocks until the workload ends and returns its report
	RunIO(ctx context.Context) (string, error)
	// StopIO asks a running workload to finish and report
	StopIO(ctx context.Context) error
}

// Connector is implemented by generators that must attach to the gateways before running I/O
type Connector interface {
	Connect(ctx context.Context) error
}

// serverAddr is the address the gateway CLI is pointed at
func serverAddr(gw *gateway.Gateway) string {
	if gw.Node.UsableAddr != "" {
		return gw.Node.UsableAddr
	}
	if len(gw.Node.Addresses) > 0 {
		return gw.Node.Addresses[0]
	}
	return gw.Hostname
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
