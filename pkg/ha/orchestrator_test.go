package ha

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/fault"
)

var _ = Describe("{FailoverFailback}", func() {
	var (
		cluster  *fakeCluster
		injector *fakeInjector
		gens     []*fakeGenerator
		opts     Options
	)

	newOrchestrator := func() *Orchestrator {
		var generators []IOGenerator
		for _, g := range gens {
			generators = append(generators, g)
		}
		return NewOrchestrator(cluster, fastWaiter(cluster), fastValidator(cluster), injector.factory(),
			cluster.handles(), generators, opts)
	}

	expectIOStopped := func() {
		for _, g := range gens {
			runs, stops := g.counts()
			Expect(runs).To(BeNumerically(">", 0))
			Expect(stops).To(Equal(runs), "%s has unstopped IO", g)
		}
	}

	BeforeEach(func() {
		cluster = newFakeCluster("ceph-node1", "ceph-node2", "ceph-node3", "ceph-node4")
		cluster.addNamespaces(2)
		cluster.lag = 2
		injector = &fakeInjector{cluster: cluster}
		gens = []*fakeGenerator{newFakeGenerator("client-1"), newFakeGenerator("client-2")}
		opts = Options{
			IOKickIn:        time.Millisecond,
			FailoverTimeout: 500 * time.Millisecond,
			FailbackTimeout: 500 * time.Millisecond,
			ServiceTimeout:  500 * time.Millisecond,
			Interval:        time.Millisecond,
			IOStopGrace:     100 * time.Millisecond,
		}
	})

	It("fails over a single gateway and fails it back", func() {
		var reports []StepReport
		var err error
		failed := gatewayID("ceph-node3", 0)

		Step("Stop the gateway owning ANA group 2", func() {
			reports, err = newOrchestrator().Run(context.Background(), []fault.Step{
				{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		Step("Validate the step went through failover and failback", func() {
			Expect(reports).To(HaveLen(1))
			r := reports[0]
			Expect(r.State).To(Equal(StatePostFailbackValidated))
			Expect(r.Gateways).To(Equal([]string{"ceph-node3"}))
			Expect(r.Namespaces).To(Equal(2))
			Expect(r.FailoverOwners).To(HaveKeyWithValue(2, gatewayID("ceph-node1", 0)))
			Expect(r.FailoverOwners[2]).NotTo(Equal(failed))
			Expect(r.FailoverLatency).To(Equal(1500 * time.Millisecond))
			Expect(r.FailbackLatency).To(Equal(1500 * time.Millisecond))
			Expect(r.Err).NotTo(HaveOccurred())
		})

		Step("Validate group 2 is back on its original gateway", func() {
			states, err := cluster.ReadANAStates(context.Background())
			Expect(err).NotTo(HaveOccurred())
			owner, err := ResolveOptimizedPath(states, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal(failed))
			Expect(injector.recorded()).To(Equal([]string{"stop ceph-node3", "start ceph-node3"}))
		})

		By("Validate IO was started and stopped for both phases")
		for _, g := range gens {
			runs, _ := g.counts()
			Expect(runs).To(Equal(2))
			Expect(g.connected).To(BeTrue())
		}
		expectIOStopped()
	})

	It("fails over several gateways of one step in parallel", func() {
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolDaemon, Nodes: []string{"node2", "node3"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(reports[0].State).To(Equal(StatePostFailbackValidated))
		Expect(reports[0].Namespaces).To(Equal(4))
		Expect(reports[0].FailoverOwners).To(Equal(map[int]string{
			1: gatewayID("ceph-node1", 0),
			2: gatewayID("ceph-node1", 0),
		}))
		Expect(injector.recorded()).To(ConsistOf(
			"stop ceph-node2", "stop ceph-node3", "start ceph-node2", "start ceph-node3"))
	})

	It("repeats the step list", func() {
		opts.RepeatCount = 2
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node2"}},
			{Tool: fault.ToolMaintenanceMode, Nodes: []string{"node4"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(reports).To(HaveLen(4))
		for i, r := range reports {
			Expect(r.Iteration).To(Equal(i / 2))
			Expect(r.Index).To(Equal(i % 2))
			Expect(r.State).To(Equal(StatePostFailbackValidated))
		}
		Expect(injector.recorded()).To(HaveLen(8))
		expectIOStopped()
	})

	It("does not fail back a redeployed daemon", func() {
		injector.restart = true
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolDaemonRedeploy, Nodes: []string{"node2"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(reports[0].State).To(Equal(StatePostFailoverValidated))
		Expect(reports[0].FailbackTime).To(BeZero())
		Expect(reports[0].FailoverOwners).To(HaveKeyWithValue(1, gatewayID("ceph-node2", 0)))
		Expect(injector.recorded()).To(Equal([]string{"stop ceph-node2"}))
		for _, g := range gens {
			runs, _ := g.counts()
			Expect(runs).To(Equal(1))
		}
		expectIOStopped()
	})

	It("aborts on split brain", func() {
		cluster.splitBrain = true
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
			{Tool: fault.ToolSystemctl, Nodes: []string{"node2"}},
		})
		var splitBrain *tperrors.ErrSplitBrain
		Expect(err).To(BeAssignableToTypeOf(splitBrain))
		Expect(reports).To(HaveLen(1))
		Expect(reports[0].State).To(Equal(StateBaselineValidated))
		Expect(reports[0].Err).To(Equal(err))
		expectIOStopped()
	})

	It("times out when no gateway takes the group over", func() {
		cluster.noTakeover = true
		opts.FailoverTimeout = 30 * time.Millisecond
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
		})
		var timedOut *tperrors.ErrTimedOut
		Expect(err).To(BeAssignableToTypeOf(timedOut))
		Expect(err.(*tperrors.ErrTimedOut).Timeout).To(Equal(30 * time.Millisecond))
		Expect(reports[0].State).To(Equal(StateBaselineValidated))
		expectIOStopped()
	})

	It("stops at the first injector failure", func() {
		injector.failOn = "start"
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
		})
		Expect(err).To(MatchError(ContainSubstring("start failed on ceph-node3")))
		Expect(reports[0].State).To(Equal(StatePostFailoverValidated))
		expectIOStopped()
	})

	It("fails when IO does not progress", func() {
		cluster.frozen = true
		reports, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
		})
		var stalled *tperrors.ErrIOStalled
		Expect(err).To(BeAssignableToTypeOf(stalled))
		Expect(reports[0].State).To(Equal(StatePrepared))
		Expect(injector.recorded()).To(BeEmpty())
		expectIOStopped()
	})

	It("rejects invalid plans before touching the cluster", func() {
		_, err := newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
			{Tool: "pull_cable", Nodes: []string{"node2"}},
		})
		var invalid *tperrors.ErrInvalidFaultStep
		Expect(err).To(BeAssignableToTypeOf(invalid))
		Expect(err.(*tperrors.ErrInvalidFaultStep).Index).To(Equal(1))
		Expect(injector.recorded()).To(BeEmpty())

		_, err = newOrchestrator().Run(context.Background(), []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node1", "node2", "node3", "node4"}},
		})
		Expect(err).To(MatchError(ContainSubstring("leaves no surviving gateway")))
	})

	It("needs an initiator", func() {
		gens = nil
		err := newOrchestrator().Prepare(context.Background())
		Expect(err).To(HaveOccurred())
	})

	It("gives up when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		opts.IOKickIn = time.Hour
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := newOrchestrator().Run(ctx, []fault.Step{
			{Tool: fault.ToolSystemctl, Nodes: []string{"node3"}},
		})
		Expect(err).To(MatchError(context.Canceled))
		expectIOStopped()
	})
})
