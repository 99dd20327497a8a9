package ha

import (
	"context"
	"fmt"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/drivers/initiator"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	"github.com/portworx/nvmeof-ha/pkg/fault"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// State is how far a fault-injection step got
type State string

const (
	// StatePrepared means targets and namespaces are resolved
	StatePrepared State = "PREPARED"
	// StateBaselineValidated means I/O progressed before the fault
	StateBaselineValidated State = "BASELINE_VALIDATED"
	// StateFailedOver means every failed group moved to a survivor
	StateFailedOver State = "FAILED_OVER"
	// StatePostFailoverValidated means I/O progressed after failover
	StatePostFailoverValidated State = "POST_FAILOVER_VALIDATED"
	// StateFailedBack means every failed gateway owns its group again
	StateFailedBack State = "FAILED_BACK"
	// StatePostFailbackValidated means I/O progressed after failback
	StatePostFailbackValidated State = "POST_FAILBACK_VALIDATED"

	phaseFailover = "failover"
	phaseFailback = "failback"

	// DefaultIOKickIn is waited after starting I/O and before validating it
	DefaultIOKickIn = 20 * time.Second

	defaultServiceTimeout = 300 * time.Second
	defaultFaultWorkers   = 4
)

// InjectorFactory returns the injector implementing tool
type InjectorFactory func(tool fault.Tool) (fault.Injector, error)

// Options tune the orchestrator. Zero values use the defaults.
type Options struct {
	// RepeatCount is how many times the whole step list runs
	RepeatCount int
	// IOKickIn is waited after starting I/O and before validating it
	IOKickIn time.Duration
	// FailoverTimeout bounds the failover wait of every gateway
	FailoverTimeout time.Duration
	// FailbackTimeout bounds the failback wait of every gateway
	FailbackTimeout time.Duration
	// ServiceTimeout bounds waits on the gateway service itself
	ServiceTimeout time.Duration
	// Interval is the time between two snapshots
	Interval time.Duration
	// Workers bounds the gateways failed or restored in parallel
	Workers int
	// IOStopGrace is how long stopped I/O may take to report
	IOStopGrace time.Duration
	// StepDelay is waited between two steps
	StepDelay time.Duration
}

// StepReport records what a fault-injection step reached
type StepReport struct {
	Iteration int
	Index     int
	Step      fault.Step
	State     State
	// Gateways are the failed gateways
	Gateways   []string
	Namespaces int
	// FailoverOwners maps every failed group to the gateway serving it after failover
	FailoverOwners map[int]string
	FailoverTime   time.Duration
	FailbackTime   time.Duration
	// FailoverLatency is the max completion latency fio saw during failover
	FailoverLatency time.Duration
	FailbackLatency time.Duration
	Start           time.Time
	End             time.Time
	Err             error
}

// Orchestrator runs failover and failback cycles over a list of fault-injection steps
type Orchestrator struct {
	cp         ControlPlane
	waiter     *Waiter
	io         *IOValidator
	injectors  InjectorFactory
	gateways   []*gateway.Gateway
	generators []IOGenerator
	opts       Options
}

// NewOrchestrator returns an orchestrator failing the given gateways while the generators run I/O
func NewOrchestrator(cp ControlPlane, waiter *Waiter, io *IOValidator, injectors InjectorFactory,
	gateways []*gateway.Gateway, generators []IOGenerator, opts Options) *Orchestrator {
	if opts.RepeatCount <= 0 {
		opts.RepeatCount = 1
	}
	if opts.IOKickIn == 0 {
		opts.IOKickIn = DefaultIOKickIn
	}
	if opts.FailoverTimeout == 0 {
		opts.FailoverTimeout = DefaultWaitTimeout
	}
	if opts.FailbackTimeout == 0 {
		opts.FailbackTimeout = DefaultWaitTimeout
	}
	if opts.ServiceTimeout == 0 {
		opts.ServiceTimeout = defaultServiceTimeout
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultWaitInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultFaultWorkers
	}
	if opts.IOStopGrace == 0 {
		opts.IOStopGrace = DefaultIOStopGrace
	}
	return &Orchestrator{
		cp:         cp,
		waiter:     waiter,
		io:         io,
		injectors:  injectors,
		gateways:   gateways,
		generators: generators,
		opts:       opts,
	}
}

// Prepare connects every generator that needs it to the gateways
func (o *Orchestrator) Prepare(ctx context.Context) error {
	if len(o.generators) == 0 {
		return fmt.Errorf("no initiators to run IO from")
	}
	return ConnectAll(ctx, o.generators)
}

// Run validates the steps, prepares the initiators and runs the step list
// RepeatCount times. The first failure aborts the remaining steps and is
// returned as is, together with the reports of the steps run so far.
func (o *Orchestrator) Run(ctx context.Context, steps []fault.Step) ([]StepReport, error) {
	for i, step := range steps {
		if err := step.Validate(i); err != nil {
			return nil, err
		}
	}
	if err := o.Prepare(ctx); err != nil {
		return nil, err
	}

	log.Infof("Repeat HA count is %d", o.opts.RepeatCount)
	var reports []StepReport
	for iter := 0; iter < o.opts.RepeatCount; iter++ {
		log.InfoD("Failover and failback execution for iteration number %d", iter)
		for idx, step := range steps {
			if len(reports) > 0 {
				if err := sleepCtx(ctx, o.opts.StepDelay); err != nil {
					return reports, err
				}
			}
			report := StepReport{Iteration: iter, Index: idx, Step: step, State: StatePrepared, Start: time.Now()}
			err := o.runStep(ctx, &report)
			report.End = time.Now()
			report.Err = err
			reports = append(reports, report)
			metrics.IncStep(string(step.Tool), err)
			if err != nil {
				log.Errorf("Step %d (%s) failed at %s: %v", idx, step, report.State, err)
				return reports, err
			}
			log.InfoD("Step %d (%s) reached %s in %v", idx, step, report.State, report.End.Sub(report.Start))
		}
	}
	return reports, nil
}

func (o *Orchestrator) runStep(ctx context.Context, report *StepReport) error {
	step := report.Step
	log.InfoD("Failover and Failback execution on %v using %s", step.Nodes, step.Tool)

	inj, err := o.injectors(step.Tool)
	if err != nil {
		return err
	}
	toFail, survivors, err := gateway.Categorize(o.gateways, step.Nodes)
	if err != nil {
		return err
	}
	if len(survivors) == 0 {
		return fmt.Errorf("failing %v leaves no surviving gateway", step.Nodes)
	}
	report.Gateways = gateway.Hostnames(toFail)

	namespaces, err := o.namespacesOf(ctx, toFail)
	if err != nil {
		return err
	}
	report.Namespaces = len(namespaces)

	err = o.withIO(ctx, phaseFailover, &report.FailoverLatency, func() error {
		log.Infof("Validating IO before failover")
		if err := o.io.ValidateProgress(ctx, namespaces, false); err != nil {
			return err
		}
		report.State = StateBaselineValidated

		log.InfoD("Failover started")
		elapsed, err := o.converge(ctx, toFail, func(ctx context.Context, gw *gateway.Gateway) error {
			return o.failover(ctx, inj, step.Tool, gw)
		})
		if err != nil {
			return err
		}
		report.FailoverTime = elapsed
		report.State = StateFailedOver
		metrics.ObserveConvergence(phaseFailover, string(step.Tool), elapsed)
		log.InfoD("Failover completed in %v", elapsed)

		log.Infof("Validating IO after failover")
		if err := o.io.ValidateProgress(ctx, namespaces, false); err != nil {
			return err
		}
		report.State = StatePostFailoverValidated

		report.FailoverOwners, err = o.owners(ctx, toFail)
		return err
	})
	if err != nil {
		return err
	}

	if !step.Tool.HasFailback() {
		return nil
	}

	return o.withIO(ctx, phaseFailback, &report.FailbackLatency, func() error {
		log.Infof("Validating IO before failback")
		if err := o.io.ValidateProgress(ctx, namespaces, false); err != nil {
			return err
		}

		log.InfoD("Failback started")
		elapsed, err := o.converge(ctx, toFail, func(ctx context.Context, gw *gateway.Gateway) error {
			return o.failback(ctx, inj, gw)
		})
		if err != nil {
			return err
		}
		report.FailbackTime = elapsed
		report.State = StateFailedBack
		metrics.ObserveConvergence(phaseFailback, string(step.Tool), elapsed)
		log.InfoD("Failback completed in %v", elapsed)

		log.Infof("Validating IO after failback")
		if err := o.io.ValidateProgress(ctx, namespaces, false); err != nil {
			return err
		}
		report.State = StatePostFailbackValidated
		return nil
	})
}

// namespacesOf lists the namespaces of the groups owned by gws
func (o *Orchestrator) namespacesOf(ctx context.Context, gws []*gateway.Gateway) ([]controlplane.Namespace, error) {
	var all []controlplane.Namespace
	for _, gw := range gws {
		namespaces, err := o.cp.ReadNamespaces(ctx, serverAddr(gw), gw.ANAGroupID)
		if err != nil {
			return nil, err
		}
		log.Infof("Namespaces for failed gateway %s before failover: %d", gw, len(namespaces))
		all = append(all, namespaces...)
	}
	return all, nil
}

// converge runs fn for every gateway with bounded parallelism. fn injects and
// waits on one gateway so a node is never acted on while another task waits on it.
func (o *Orchestrator) converge(ctx context.Context, gws []*gateway.Gateway,
	fn func(ctx context.Context, gw *gateway.Gateway) error) (time.Duration, error) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, gw := range gws {
		gw := gw
		g.Go(func() error {
			return fn(gctx, gw)
		})
	}
	err := g.Wait()
	return time.Since(start), err
}

func (o *Orchestrator) wait(ctx context.Context, p Predicate, timeout time.Duration) error {
	_, err := o.waiter.Wait(ctx, p, timeout, o.opts.Interval)
	return err
}

func (o *Orchestrator) failover(ctx context.Context, inj fault.Injector, tool fault.Tool, gw *gateway.Gateway) error {
	log.Infof("[ %s ]: Failing Over NVMe Service using %s", gw.Hostname, tool)
	if err := inj.Stop(ctx, gw); err != nil {
		return err
	}
	if tool.HasFailback() {
		return o.wait(ctx, FailedOver(gw), o.opts.FailoverTimeout)
	}
	// a redeployed daemon comes back by itself
	if err := fault.WaitForServiceState(ctx, inj, gw, true, o.opts.ServiceTimeout, o.opts.Interval); err != nil {
		return err
	}
	return o.wait(ctx, GatewayAvailable(gw), o.opts.FailoverTimeout)
}

func (o *Orchestrator) failback(ctx context.Context, inj fault.Injector, gw *gateway.Gateway) error {
	log.Infof("[ %s ]: Failback / Restore Gateway", gw.Hostname)
	if err := inj.Start(ctx, gw); err != nil {
		return err
	}
	if err := fault.WaitForServiceState(ctx, inj, gw, true, o.opts.ServiceTimeout, o.opts.Interval); err != nil {
		return err
	}
	return o.wait(ctx, OwnedBy(gw), o.opts.FailbackTimeout)
}

// owners resolves the gateway serving every failed group
func (o *Orchestrator) owners(ctx context.Context, gws []*gateway.Gateway) (map[int]string, error) {
	states, err := o.cp.ReadANAStates(ctx, gateway.GroupIDs(gws)...)
	if err != nil {
		return nil, err
	}
	owners := make(map[int]string, len(gws))
	for _, gw := range gws {
		owner, err := ResolveOptimizedPath(states, gw.ANAGroupID)
		if err != nil {
			return nil, err
		}
		name := owner
		if active, err := gateway.FindByID(o.gateways, owner); err == nil {
			name = active.Hostname
		}
		log.Infof("Active gateway after failover for %s is %s", gw.Hostname, name)
		owners[gw.ANAGroupID] = owner
	}
	return owners, nil
}

// withIO runs fn inside RunWithIO and records the max fio completion latency of the phase
func (o *Orchestrator) withIO(ctx context.Context, phase string, latency *time.Duration, fn func() error) error {
	outputs, err := RunWithIO(ctx, o.generators, o.opts.IOKickIn, o.opts.IOStopGrace, fn)
	if max, perr := initiator.MaxCompletionLatency(outputs...); perr == nil {
		*latency = max
		metrics.SetFailoverLatency(phase, max)
		log.InfoD("Max completion latency during %s is %v", phase, max)
	} else {
		log.Warnf("No %s latency: %v", phase, perr)
	}
	return err
}
