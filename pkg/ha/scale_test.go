package ha

import (
	"context"
	"time"

	"github.com/hashicorp/go-version"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/portworx/nvmeof-ha/drivers/gateway"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
)

var _ = Describe("{ScaleDownScaleUp}", func() {
	hosts := []string{"ceph-node1", "ceph-node2", "ceph-node3", "ceph-node4", "ceph-node5", "ceph-node6"}

	var (
		cluster *fakeCluster
		opts    ScaleOptions
	)

	newCoordinator := func() *ScaleCoordinator {
		return NewScaleCoordinator(cluster, fastWaiter(cluster), fastValidator(cluster), testFSID, opts)
	}

	BeforeEach(func() {
		registerNodes(hosts...)
		cluster = newFakeCluster(hosts...)
		cluster.addNamespaces(2)
		opts = ScaleOptions{
			Timeout:     300 * time.Millisecond,
			Interval:    time.Millisecond,
			SettleDelay: time.Millisecond,
		}
	})

	It("scales down two gateways and scales them back up on their groups", func() {
		s := newCoordinator()
		var preexisting []controlplane.Namespace

		Step("Scale down node5 and node6", func() {
			result, err := s.ScaleDown(context.Background(), []string{"node5", "node6"})
			Expect(err).NotTo(HaveOccurred())
			Expect(gateway.GroupIDs(result.Gateways)).To(Equal([]int{4, 5}))
			Expect(result.Namespaces).To(HaveLen(4))
			Expect(result.Elapsed).To(BeNumerically(">=", result.Convergence))
			Expect(cluster.deploys).To(Equal([][]string{
				{"ceph-node1", "ceph-node2", "ceph-node3", "ceph-node4"},
			}))
		})

		Step("Validate removed groups are served by the survivors", func() {
			gws, err := s.Gateways(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(gateway.Hostnames(gws)).To(Equal(hosts[:4]))

			states, err := cluster.ReadANAStates(context.Background())
			Expect(err).NotTo(HaveOccurred())
			for _, grp := range []int{4, 5} {
				owner, err := ResolveOptimizedPath(states, grp)
				Expect(err).NotTo(HaveOccurred())
				Expect(owner).To(Equal(gatewayID("ceph-node1", 0)))
			}
			preexisting, err = cluster.ReadNamespaces(context.Background(), "")
			Expect(err).NotTo(HaveOccurred())
		})

		Step("Scale node5 and node6 back up", func() {
			result, err := s.ScaleUp(context.Background(), []string{"node5", "node6"}, preexisting)
			Expect(err).NotTo(HaveOccurred())
			Expect(gateway.GroupIDs(result.Gateways)).To(Equal([]int{4, 5}))
			Expect(result.Gateways[0].ID).To(Equal(gatewayID("ceph-node5", 2)))
			Expect(result.Namespaces).To(HaveLen(12))
			Expect(cluster.deploys[1]).To(Equal(hosts))
		})

		Step("Validate every gateway owns its own group again", func() {
			gws, err := s.Gateways(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(gws).To(HaveLen(6))
			states, err := cluster.ReadANAStates(context.Background())
			Expect(err).NotTo(HaveOccurred())
			for _, gw := range gws {
				owner, err := ResolveOptimizedPath(states, gw.ANAGroupID)
				Expect(err).NotTo(HaveOccurred())
				Expect(owner).To(Equal(gw.ID))
			}

			counts, err := s.ValidateAutoLoadBalance(context.Background())
			Expect(err).NotTo(HaveOccurred())
			for _, n := range counts {
				Expect(n).To(Equal(2))
			}
		})
	})

	It("scales down when removed gateways leave the map right away", func() {
		cluster.dropRemoved = true
		s := newCoordinator()

		Step("Scale down node6", func() {
			result, err := s.ScaleDown(context.Background(), []string{"node6"})
			Expect(err).NotTo(HaveOccurred())
			Expect(gateway.GroupIDs(result.Gateways)).To(Equal([]int{5}))
		})

		Step("Validate group 5 is served by a survivor", func() {
			show, err := cluster.ShowGateways(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(show.Groups()).NotTo(HaveKey(gatewayID("ceph-node6", 0)))
			states, err := cluster.ReadANAStates(context.Background())
			Expect(err).NotTo(HaveOccurred())
			owner, err := ResolveOptimizedPath(states, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal(gatewayID("ceph-node1", 0)))
		})

		Step("Scale node6 back up on group 5", func() {
			namespaces, err := cluster.ReadNamespaces(context.Background(), "")
			Expect(err).NotTo(HaveOccurred())
			result, err := s.ScaleUp(context.Background(), []string{"node6"}, namespaces)
			Expect(err).NotTo(HaveOccurred())
			Expect(gateway.GroupIDs(result.Gateways)).To(Equal([]int{5}))
		})
	})

	It("times out when a dropped gateway's group is never taken over", func() {
		cluster.dropRemoved = true
		cluster.noTakeover = true
		_, err := newCoordinator().ScaleDown(context.Background(), []string{"node6"})
		var timedOut *tperrors.ErrTimedOut
		Expect(err).To(BeAssignableToTypeOf(timedOut))
	})

	It("fails when a returning node gets a different group", func() {
		s := newCoordinator()
		_, err := s.ScaleDown(context.Background(), []string{"node6"})
		Expect(err).NotTo(HaveOccurred())

		cluster.reassign = true
		namespaces, _ := cluster.ReadNamespaces(context.Background(), "")
		_, err = s.ScaleUp(context.Background(), []string{"node6"}, namespaces)
		var invalid *tperrors.ErrValidateGateway
		Expect(err).To(BeAssignableToTypeOf(invalid))
		Expect(err.Error()).To(ContainSubstring("anagrpids are not matching after scaleup"))
	})

	It("adds a brand new gateway", func() {
		cluster = newFakeCluster(hosts[:5]...)
		cluster.addNamespaces(2)
		s := newCoordinator()

		result, err := s.ScaleUp(context.Background(), []string{"node6"}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Gateways).To(HaveLen(1))
		Expect(result.Gateways[0].ANAGroupID).To(Equal(5))
	})

	It("refuses to remove every gateway", func() {
		_, err := newCoordinator().ScaleDown(context.Background(),
			[]string{"node1", "node2", "node3", "node4", "node5", "node6"})
		Expect(err).To(MatchError(ContainSubstring("leaves no gateway")))
		Expect(cluster.deploys).To(BeEmpty())
	})

	It("skips the DELETING wait on releases without it", func() {
		cluster.noTakeover = true
		By("Timing out on a release reporting DELETING")
		_, err := newCoordinator().ScaleDown(context.Background(), []string{"node6"})
		var timedOut *tperrors.ErrTimedOut
		Expect(err).To(BeAssignableToTypeOf(timedOut))

		By("Not waiting on an older release")
		registerNodes(hosts...)
		cluster = newFakeCluster(hosts...)
		cluster.noTakeover = true
		opts.Release = version.Must(version.NewVersion("7.1"))
		s := newCoordinator()
		result, err := s.ScaleDown(context.Background(), []string{"node6"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Gateways).To(HaveLen(1))
	})

	It("fails the scale down when the load is not balanced", func() {
		cluster = newFakeCluster(hosts...)
		cluster.addNamespaces(8)
		s := newCoordinator()
		// 48 namespaces over 6 gateways, node1 ends up with 24
		_, err := s.ScaleDown(context.Background(), []string{"node5", "node6"})
		var invalid *tperrors.ErrValidateGateway
		Expect(err).To(BeAssignableToTypeOf(invalid))
		Expect(err.(*tperrors.ErrValidateGateway).ID).To(Equal(gatewayID("ceph-node1", 0)))
	})
})
