package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// convergenceDuration for time taken by the control plane to converge after a fault
	convergenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nvmeof_ha_convergence_seconds",
		Help:    "Time taken for ANA group ownership to converge",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 120, 300, 600},
	}, []string{metricPhase, metricTool})
	// splitBrainCounter for groups observed with more than one ACTIVE owner
	splitBrainCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_ha_split_brain_total",
		Help: "Number of times an ANA group was seen with more than one active owner",
	}, []string{metricGroup})
	// ioValidationCounter for I/O progress validations
	ioValidationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_ha_io_validations_total",
		Help: "I/O progress validations by mode and result",
	}, []string{metricMode, metricResult})
	// stepCounter for fault-injection steps
	stepCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_ha_steps_total",
		Help: "Fault-injection steps by tool and result",
	}, []string{metricTool, metricResult})
	// failoverLatency for the max completion latency fio saw during a phase
	failoverLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvmeof_ha_failover_latency_seconds",
		Help: "Max I/O completion latency observed by fio during a fault phase",
	}, []string{metricPhase})
)

// ObserveConvergence records how long a phase took to converge
func ObserveConvergence(phase, tool string, d time.Duration) {
	convergenceDuration.WithLabelValues(phase, tool).Observe(seconds(d))
}

// IncSplitBrain counts a split-brain observation on groupID
func IncSplitBrain(groupID int) {
	splitBrainCounter.WithLabelValues(groupLabel(groupID)).Inc()
}

// IncIOValidation counts an I/O validation outcome
func IncIOValidation(negative bool, err error) {
	mode := "positive"
	if negative {
		mode = "negative"
	}
	ioValidationCounter.WithLabelValues(mode, result(err)).Inc()
}

// IncStep counts a fault-injection step outcome
func IncStep(tool string, err error) {
	stepCounter.WithLabelValues(tool, result(err)).Inc()
}

// SetFailoverLatency records the max completion latency of a phase
func SetFailoverLatency(phase string, d time.Duration) {
	failoverLatency.WithLabelValues(phase).Set(seconds(d))
}

func init() {
	prometheus.MustRegister(convergenceDuration)
	prometheus.MustRegister(splitBrainCounter)
	prometheus.MustRegister(ioValidationCounter)
	prometheus.MustRegister(stepCounter)
	prometheus.MustRegister(failoverLatency)
}
