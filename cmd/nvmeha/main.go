// nvmeha validates the high availability of a Ceph NVMe-oF gateway pool.
//
// It runs the fault-injection steps of a test plan (failover and failback with
// client I/O checks), the scale steps of the plan, or both.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/portworx/nvmeof-ha/drivers/node/aws"
	_ "github.com/portworx/nvmeof-ha/drivers/node/ssh"
	"github.com/portworx/nvmeof-ha/pkg/config"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/metrics"
	"github.com/portworx/nvmeof-ha/pkg/version"
)

const (
	planCliFlag        = "plan"
	modeCliFlag        = "mode"
	nodeDriverCliFlag  = "node-driver"
	powerDriverCliFlag = "power-driver"
	logLocationCliFlag = "log-location"
	logLevelCliFlag    = "log-level"
	pushgatewayCliFlag = "pushgateway"
	jobNameCliFlag     = "job-name"
)

const (
	modeHA    = "ha"
	modeScale = "scale"
	modeAll   = "all"

	defaultNodeDriver  = "ssh"
	defaultLogLocation = "/testresults/"
	defaultLogLevel    = "info"
	defaultJobName     = "nvmeof-ha"
	logFileName        = "nvmeha.log"
)

func main() {
	var planPath, mode, nodeDriver, powerDriver, logLoc, logLevel, pushURL, jobName string

	flag.StringVar(&planPath, planCliFlag, "", "Path to the YAML test plan")
	flag.StringVar(&mode, modeCliFlag, modeAll, "What to run from the plan: ha, scale or all")
	flag.StringVar(&nodeDriver, nodeDriverCliFlag, defaultNodeDriver, "Name of the node driver to use")
	flag.StringVar(&powerDriver, powerDriverCliFlag, "",
		"Node driver used for power_on_off faults, defaults to --node-driver when it can control power")
	flag.StringVar(&logLoc, logLocationCliFlag, defaultLogLocation, "Directory of the log file, empty to log to stdout only")
	flag.StringVar(&logLevel, logLevelCliFlag, defaultLogLevel, "Log level")
	flag.StringVar(&pushURL, pushgatewayCliFlag, "", "Prometheus Pushgateway URL, metrics are not pushed when empty")
	flag.StringVar(&jobName, jobNameCliFlag, defaultJobName, "Job name the metrics are pushed under")
	flag.Parse()

	log.SetLoglevel(logLevel)
	if logLoc != "" {
		log.SetFileOutput(log.NewLogFile(filepath.Join(logLoc, logFileName)))
	}
	if planPath == "" {
		log.Fatalf("--%s is required", planCliFlag)
	}
	switch mode {
	case modeHA, modeScale, modeAll:
	default:
		log.Fatalf("unknown --%s %q", modeCliFlag, mode)
	}

	runID := uuid.New().String()
	log.InfoD("nvmeha %s: starting run %s with plan %s", version.Version, runID, planPath)

	plan, err := config.Load(planPath)
	log.FailOnError(err, "failed to load test plan %s", planPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r, err := newRunner(ctx, plan, nodeDriver, powerDriver)
	log.FailOnError(err, "failed to set up the test bed")
	err = r.run(ctx, mode)

	if pushURL != "" {
		if perr := metrics.Push(pushURL, jobName, runID); perr != nil {
			log.Warnf("Failed to push metrics to %s: %v", pushURL, perr)
		}
	}
	if err != nil {
		log.Errorf("Run %s failed: %v", runID, err)
		cancel()
		os.Exit(1)
	}
	log.InfoD("Run %s passed", runID)
}
