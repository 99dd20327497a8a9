package ha

import (
	"context"
	"fmt"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/task"
)

const (
	// DefaultWaitTimeout bounds failover and failback convergence
	DefaultWaitTimeout = 60 * time.Second
	// DefaultWaitInterval is the time between two snapshots
	DefaultWaitInterval = 5 * time.Second
	// DefaultScaleTimeout bounds scale up and scale down convergence
	DefaultScaleTimeout = 600 * time.Second
)

// Predicate is a condition over one ANA state snapshot. Check returns
// (false, nil) while the cluster has not converged yet; an error is fatal.
type Predicate struct {
	Name  string
	Check func(states controlplane.ANAStates) (bool, error)
}

// Waiter polls the control plane until a predicate holds
type Waiter struct {
	reader   StateReader
	Timeout  time.Duration
	Interval time.Duration
}

// NewWaiter returns a waiter with the default timeout and interval
func NewWaiter(reader StateReader) *Waiter {
	return &Waiter{
		reader:   reader,
		Timeout:  DefaultWaitTimeout,
		Interval: DefaultWaitInterval,
	}
}

// WaitUntil evaluates p on a fresh snapshot every interval until it holds or
// timeout expires. Zero values fall back to the waiter defaults. Every snapshot
// is checked for split brain across all groups before p is evaluated.
// Query errors and split brain abort the wait.
func (w *Waiter) WaitUntil(ctx context.Context, p Predicate, timeout, interval time.Duration) (task.WaitOutcome, error) {
	if timeout == 0 {
		timeout = w.Timeout
	}
	if interval == 0 {
		interval = w.Interval
	}

	return task.WaitUntil(func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		states, err := w.reader.ReadANAStates(ctx)
		if err != nil {
			return false, err
		}
		if err := CheckSplitBrain(states); err != nil {
			return false, err
		}
		done, err := p.Check(states)
		if err != nil {
			return false, err
		}
		if !done {
			log.Warnf("%s: not yet, check again", p.Name)
		}
		return done, nil
	}, timeout, interval)
}

// Wait runs WaitUntil and converts an expired wait into ErrTimedOut named after p
func (w *Waiter) Wait(ctx context.Context, p Predicate, timeout, interval time.Duration) (task.WaitOutcome, error) {
	outcome, err := w.WaitUntil(ctx, p, timeout, interval)
	if err != nil {
		return outcome, err
	}
	if err := outcome.Err(p.Name); err != nil {
		return outcome, err
	}
	log.Infof("%s converged in %v after %d checks", p.Name, outcome.Elapsed, outcome.Attempts)
	return outcome, nil
}

func isUnavailable(a controlplane.Availability) bool {
	return a == controlplane.AvailabilityUnavailable || a == controlplane.AvailabilityDeleting
}

// GatewayUnavailable holds once the gateway's group reads UNAVAILABLE or DELETING
func GatewayUnavailable(gw *gateway.Gateway) Predicate {
	return Predicate{
		Name: fmt.Sprintf("[ %s ] ANA group %d unavailable", gw.Hostname, gw.ANAGroupID),
		Check: func(states controlplane.ANAStates) (bool, error) {
			avail, ok := gw.Availability(states)
			return ok && isUnavailable(avail), nil
		},
	}
}

// GatewayAvailable holds once the gateway's group reads AVAILABLE and exactly
// one live gateway is ACTIVE for it.
func GatewayAvailable(gw *gateway.Gateway) Predicate {
	return Predicate{
		Name: fmt.Sprintf("[ %s ] ANA group %d available", gw.Hostname, gw.ANAGroupID),
		Check: func(states controlplane.ANAStates) (bool, error) {
			avail, ok := gw.Availability(states)
			if !ok || avail != controlplane.AvailabilityAvailable {
				return false, nil
			}
			owners, err := FindActiveOwners(states, gw.ANAGroupID)
			return len(owners) == 1, err
		},
	}
}

// FailedOver holds once the gateway is unavailable and a single other gateway
// has taken its group over.
func FailedOver(gw *gateway.Gateway) Predicate {
	return Predicate{
		Name: fmt.Sprintf("[ %s ] failover of ANA group %d", gw.Hostname, gw.ANAGroupID),
		Check: func(states controlplane.ANAStates) (bool, error) {
			avail, ok := gw.Availability(states)
			if !ok || !isUnavailable(avail) {
				return false, nil
			}
			owners, err := FindActiveOwners(states, gw.ANAGroupID)
			if err != nil {
				return false, err
			}
			if len(owners) == 1 && owners[0] != gw.ID {
				log.Infof("%s is new and only Active GW for failed %s", owners[0], gw.Hostname)
				return true, nil
			}
			return false, nil
		},
	}
}

// OwnedBy holds once the gateway is available and is the only ACTIVE gateway of its own group
func OwnedBy(gw *gateway.Gateway) Predicate {
	return Predicate{
		Name: fmt.Sprintf("[ %s ] ownership of ANA group %d", gw.Hostname, gw.ANAGroupID),
		Check: func(states controlplane.ANAStates) (bool, error) {
			avail, ok := gw.Availability(states)
			if !ok || avail != controlplane.AvailabilityAvailable {
				return false, nil
			}
			owners, err := FindActiveOwners(states, gw.ANAGroupID)
			if err != nil {
				return false, err
			}
			if len(owners) == 1 && owners[0] == gw.ID {
				log.Infof("%s restored to original path", gw.Hostname)
				return true, nil
			}
			return false, nil
		},
	}
}

// Deleting holds once a removed gateway reads DELETING, or is gone from the
// gateway map, and a single surviving gateway serves its group. A group no
// gateway reports any more has been fully resolved.
func Deleting(gw *gateway.Gateway) Predicate {
	return Predicate{
		Name: fmt.Sprintf("[ %s ] removal of ANA group %d", gw.Hostname, gw.ANAGroupID),
		Check: func(states controlplane.ANAStates) (bool, error) {
			st, ok := states[gw.ANAGroupID]
			if !ok {
				log.Infof("[ %s ] ANA group %d is no longer reported", gw.Hostname, gw.ANAGroupID)
				return true, nil
			}
			if st.Owner == gw.ID && st.Availability != controlplane.AvailabilityDeleting {
				return false, nil
			}
			owners, err := FindActiveOwners(states, gw.ANAGroupID)
			if err != nil {
				return false, err
			}
			return len(owners) == 1 && owners[0] != gw.ID, nil
		},
	}
}
