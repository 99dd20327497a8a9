package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/portworx/nvmeof-ha/pkg/ha"
	"github.com/portworx/nvmeof-ha/pkg/log"
)

func stateColor(r ha.StepReport) string {
	if r.Err != nil {
		return color.RedString("%s", r.State)
	}
	return color.GreenString("%s", r.State)
}

// formatStepReport renders one step of the HA run on a single line
func formatStepReport(r ha.StepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[iteration %d step %d] %s on %v: %s", r.Iteration, r.Index, r.Step.Tool,
		r.Gateways, stateColor(r))
	if r.Namespaces > 0 {
		fmt.Fprintf(&b, ", %s namespaces", color.YellowString("%d", r.Namespaces))
	}
	if r.FailoverTime > 0 {
		fmt.Fprintf(&b, ", failover %v (max clat %v)", r.FailoverTime, r.FailoverLatency)
	}
	if r.FailbackTime > 0 {
		fmt.Fprintf(&b, ", failback %v (max clat %v)", r.FailbackTime, r.FailbackLatency)
	}
	if len(r.FailoverOwners) > 0 {
		groups := make([]int, 0, len(r.FailoverOwners))
		for grp := range r.FailoverOwners {
			groups = append(groups, grp)
		}
		sort.Ints(groups)
		owners := make([]string, 0, len(groups))
		for _, grp := range groups {
			owners = append(owners, fmt.Sprintf("%d->%s", grp, r.FailoverOwners[grp]))
		}
		fmt.Fprintf(&b, ", owners after failover [%s]", strings.Join(owners, " "))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, ": %s", color.RedString("%s", r.Err))
	}
	return b.String()
}

func printStepReports(reports []ha.StepReport) {
	if len(reports) == 0 {
		return
	}
	log.InfoD("%s", color.YellowString("Failover and failback summary"))
	for _, r := range reports {
		log.InfoD("%s", formatStepReport(r))
	}
}

// formatScaleResult renders one scale operation on a single line
func formatScaleResult(r ha.ScaleResult) string {
	return fmt.Sprintf("%s of %v: %d gateways, %s namespaces, converged in %v, took %v",
		r.Operation, r.Nodes, len(r.Gateways), color.YellowString("%d", len(r.Namespaces)),
		r.Convergence, r.Elapsed)
}

func printScaleResults(results []ha.ScaleResult) {
	if len(results) == 0 {
		return
	}
	log.InfoD("%s", color.YellowString("Scale summary"))
	for _, r := range results {
		log.InfoD("%s", formatScaleResult(r))
	}
}
