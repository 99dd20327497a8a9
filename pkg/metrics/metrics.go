// Package metrics exposes prometheus collectors for HA validation runs.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	// metricPhase for the convergence phase (failover, failback, scale_down, scale_up)
	metricPhase = "phase"
	// metricTool for the fault-injection tool
	metricTool = "tool"
	// metricGroup for the ANA group id
	metricGroup = "ana_group"
	// metricMode for the I/O validation mode
	metricMode = "mode"
	// metricResult for the outcome of an operation
	metricResult = "result"

	resultSuccess = "success"
	resultFailure = "failure"
)

// Push sends every registered collector to the Pushgateway at url under job,
// grouped by run id.
func Push(url, job, runID string) error {
	if url == "" {
		return fmt.Errorf("no pushgateway url given")
	}
	return push.New(url, job).
		Grouping("run_id", runID).
		Gatherer(prometheus.DefaultGatherer).
		Push()
}

func result(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

func groupLabel(groupID int) string {
	return strconv.Itoa(groupID)
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}
