/*
Copyright 2024 The BrokerLB Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package manager_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/isolation"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/manager"
	"github.com/kubewharf/brokerlb-core/pkg/metrics"
	"github.com/kubewharf/brokerlb-core/pkg/ownership"
	"github.com/kubewharf/brokerlb-core/pkg/placement"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
	"github.com/kubewharf/brokerlb-core/pkg/shedding"
	"github.com/kubewharf/brokerlb-core/pkg/splitting"
	"github.com/kubewharf/brokerlb-core/pkg/store/memstore"
)

func TestManager(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Load Manager Suite")
}

type fakeAdmin struct{}

func (fakeAdmin) UnloadNamespaceBundle(context.Context, types.ServiceUnitID) error { return nil }
func (fakeAdmin) SplitNamespaceBundle(context.Context, types.ServiceUnitID) error  { return nil }

func newManager(cfg *config.Configuration, coord *memstore.Store, brokerName string, leader bool) *manager.LoadManager {
	est := quota.NewEstimator(cfg)
	return manager.New(
		cfg, coord, brokerName,
		func() bool { return leader },
		func() types.LoadReport {
			return types.LoadReport{
				SystemUsage: types.SystemResourceUsage{
					types.ResourceCPU: {Usage: 10, Limit: 100},
				},
			}
		},
		est,
		ranking.NewEngine(est),
		shedding.NewShedder(cfg, coord, fakeAdmin{}),
		splitting.NewSplitter(cfg, fakeAdmin{}),
		metrics.DummyMetricEmitter{},
	)
}

func newManagerWithPlacement(cfg *config.Configuration, coord *memstore.Store, brokerName string, leader bool) (*manager.LoadManager, *ownership.Cache) {
	est := quota.NewEstimator(cfg)
	rankingEngine := ranking.NewEngine(est)
	lm := manager.New(
		cfg, coord, brokerName,
		func() bool { return leader },
		func() types.LoadReport {
			return types.LoadReport{
				SystemUsage: types.SystemResourceUsage{
					types.ResourceCPU: {Usage: 10, Limit: 100},
				},
			}
		},
		est, rankingEngine,
		shedding.NewShedder(cfg, coord, fakeAdmin{}),
		splitting.NewSplitter(cfg, fakeAdmin{}),
		metrics.DummyMetricEmitter{},
	)
	lm.SetPlacement(placement.NewEngine(rankingEngine, est, isolation.NoPolicy{}, placement.LeastLoadedServer{}, cfg))
	ownershipCache := ownership.New(coord, ownership.Identity{BrokerURL: brokerName, WebAddr: brokerName}, time.Minute)
	lm.SetOwnership(ownershipCache)
	return lm, ownershipCache
}

var _ = ginkgo.Describe("LoadManager", func() {
	var (
		coord *memstore.Store
		cfg   *config.Configuration
		ctx   context.Context
	)

	ginkgo.BeforeEach(func() {
		coord = memstore.New()
		cfg = config.NewDefaultConfiguration()
		ctx = context.Background()
	})

	ginkgo.It("registers its own ephemeral presence node on Start", func() {
		lm := newManager(cfg, coord, "broker-1:8080", true)
		gomega.Expect(lm.Start(ctx)).To(gomega.Succeed())

		data, err := coord.GetData(ctx, manager.PathBrokersRoot+"/broker-1:8080")
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		var report types.LoadReport
		gomega.Expect(json.Unmarshal(data, &report)).To(gomega.Succeed())
		gomega.Expect(report.BrokerName).To(gomega.Equal("broker-1:8080"))
	})

	ginkgo.It("fails to start when the presence path is already occupied", func() {
		lm1 := newManager(cfg, coord, "broker-1:8080", true)
		gomega.Expect(lm1.Start(ctx)).To(gomega.Succeed())

		lm2 := newManager(cfg, coord, "broker-1:8080", true)
		gomega.Expect(lm2.Start(ctx)).To(gomega.HaveOccurred())
	})

	ginkgo.It("picks up a newly registered broker through the watch-triggered rank update", func() {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		lm := newManager(cfg, coord, "broker-1:8080", true)
		gomega.Expect(lm.Start(runCtx)).To(gomega.Succeed())
		lm.Run(runCtx)

		report := types.LoadReport{BrokerName: "broker-2:8080"}
		data, err := json.Marshal(report)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		_, err = coord.CreateEphemeral(runCtx, manager.PathBrokersRoot+"/broker-2:8080", data)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		gomega.Eventually(func() int {
			return len(lm.CurrentReports())
		}, time.Second).Should(gomega.BeNumerically(">=", 2))
	})

	ginkgo.It("has no loaded reports before any rank update has run", func() {
		lm := newManager(cfg, coord, "broker-1:8080", false)
		gomega.Expect(lm.Start(ctx)).To(gomega.Succeed())
		gomega.Expect(lm.CurrentReports()).To(gomega.BeEmpty())
	})

	ginkgo.It("assigns a new bundle to the sole broker and acquires it locally", func() {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		lm, ownershipCache := newManagerWithPlacement(cfg, coord, "broker-1:8080", true)
		gomega.Expect(lm.Start(runCtx)).To(gomega.Succeed())
		lm.Run(runCtx)

		gomega.Eventually(func() int {
			return len(lm.CurrentReports())
		}, time.Second).Should(gomega.BeNumerically(">=", 1))

		bundle := types.ServiceUnitID("tenant/cluster/namespace/0x00000000_0xffffffff")
		info, err := lm.AssignOwner(runCtx, bundle)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(info.OwnerBrokerURL).To(gomega.Equal("broker-1:8080"))
		gomega.Expect(ownershipCache.IsOwnedLocally(bundle)).To(gomega.BeTrue())
	})
})
