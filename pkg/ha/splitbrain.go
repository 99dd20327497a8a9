package ha

import (
	"sort"
	"strconv"

	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/metrics"
)

// FindActiveOwners returns the live gateways reporting ACTIVE for groupID.
// One owner means the group has converged and none means not yet.
// More than one is a split brain and is returned as a fatal ErrSplitBrain.
func FindActiveOwners(states controlplane.ANAStates, groupID int) ([]string, error) {
	st, ok := states[groupID]
	if !ok {
		return nil, nil
	}
	owners := st.ActiveGateways()
	if len(owners) > 1 {
		metrics.IncSplitBrain(groupID)
		return owners, &tperrors.ErrSplitBrain{GroupID: groupID, Owners: owners}
	}
	return owners, nil
}

// CheckSplitBrain runs FindActiveOwners over every group of the snapshot
func CheckSplitBrain(states controlplane.ANAStates) error {
	groups := make([]int, 0, len(states))
	for grp := range states {
		groups = append(groups, grp)
	}
	sort.Ints(groups)
	for _, grp := range groups {
		if _, err := FindActiveOwners(states, grp); err != nil {
			return err
		}
	}
	return nil
}

// ResolveOptimizedPath returns the single gateway serving groupID
func ResolveOptimizedPath(states controlplane.ANAStates, groupID int) (string, error) {
	owners, err := FindActiveOwners(states, groupID)
	if err != nil {
		return "", err
	}
	if len(owners) == 0 {
		return "", &tperrors.ErrNotFound{
			ID:   strconv.Itoa(groupID),
			Type: "Active gateway for ANA group",
		}
	}
	return owners[0], nil
}
