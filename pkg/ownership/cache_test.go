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

package ownership_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/ownership"
	"github.com/kubewharf/brokerlb-core/pkg/store/memstore"
)

func TestOwnership(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Ownership Cache Suite")
}

var _ = ginkgo.Describe("OwnershipCache", func() {
	var (
		coord   *memstore.Store
		cacheA  *ownership.Cache
		cacheB  *ownership.Cache
		bundle  types.ServiceUnitID
		ctx     context.Context
	)

	ginkgo.BeforeEach(func() {
		coord = memstore.New()
		cacheA = ownership.New(coord, ownership.Identity{BrokerURL: "pulsar://broker-a:6650", WebAddr: "http://broker-a:8080"}, time.Minute)
		cacheB = ownership.New(coord, ownership.Identity{BrokerURL: "pulsar://broker-b:6650", WebAddr: "http://broker-b:8080"}, time.Minute)
		bundle = types.ServiceUnitID("tenant/cluster/ns/0x00000000_0xffffffff")
		ctx = context.Background()
	})

	ginkgo.It("grants exactly one caller the winning acquire", func() {
		info, err := cacheA.TryAcquire(ctx, bundle)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(info.OwnerBrokerURL).To(gomega.Equal("pulsar://broker-a:6650"))

		other, err := cacheB.TryAcquire(ctx, bundle)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(other.OwnerBrokerURL).To(gomega.Equal("pulsar://broker-a:6650"))
		gomega.Expect(cacheB.IsOwnedLocally(bundle)).To(gomega.BeFalse())
	})

	ginkgo.It("resolves concurrent acquires for the same bundle to a single winner", func() {
		const n = 8
		results := make([]types.EphemeralOwnerInfo, n)
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				info, err := cacheA.TryAcquire(ctx, bundle)
				gomega.Expect(err).NotTo(gomega.HaveOccurred())
				results[i] = info
			}(i)
		}
		wg.Wait()

		for _, r := range results {
			gomega.Expect(r.OwnerBrokerURL).To(gomega.Equal("pulsar://broker-a:6650"))
		}
	})

	ginkgo.It("moves an active bundle through disable to release", func() {
		_, err := cacheA.TryAcquire(ctx, bundle)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		owner, err := cacheA.GetOwner(ctx, bundle)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(owner.Disabled).To(gomega.BeFalse())

		gomega.Expect(cacheA.DisableOwnership(ctx, bundle)).To(gomega.Succeed())
		owner, err = cacheA.GetOwner(ctx, bundle)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(owner.Disabled).To(gomega.BeTrue())

		cacheA.RemoveOwnership(bundle)
		gomega.Expect(cacheA.IsOwnedLocally(bundle)).To(gomega.BeFalse())

		gomega.Eventually(func() error {
			_, err := coord.GetData(ctx, "/namespace/"+string(bundle))
			return err
		}).Should(gomega.HaveOccurred())
	})

	ginkgo.It("reports no owner for an untouched bundle", func() {
		_, err := cacheA.GetOwner(ctx, types.ServiceUnitID("tenant/cluster/ns/0xaaaaaaaa_0xbbbbbbbb"))
		gomega.Expect(err).To(gomega.MatchError(ownership.ErrNoOwner))
	})
})
