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

package ranking

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
)

func report(cpuPct, memPct float64) *types.LoadReport {
	return &types.LoadReport{
		SystemUsage: types.SystemResourceUsage{
			types.ResourceCPU:    {Usage: cpuPct, Limit: 100},
			types.ResourceMemory: {Usage: memPct, Limit: 100},
		},
		BundleStats: map[types.ServiceUnitID]types.NamespaceBundleStats{},
	}
}

func TestEngine_RankOrdering_LLS(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	est := quota.NewEstimator(cfg)
	eng := NewEngine(est)

	reports := types.ReportSet{
		"low":  report(10, 10),
		"high": report(90, 10),
	}

	idx := eng.Update(nil, reports, est.AvgBundleQuota(), StrategyLeastLoadedServer)

	low := idx.ByBroker["low"].FinalRank
	high := idx.ByBroker["high"].FinalRank
	rt.Less(low, high)
}

func TestEngine_Idempotent(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	est := quota.NewEstimator(cfg)
	eng := NewEngine(est)

	reports := types.ReportSet{
		"a": report(40, 20),
		"b": report(60, 30),
	}

	first := eng.Update(nil, reports, est.AvgBundleQuota(), StrategyLeastLoadedServer)
	second := eng.Update(nil, reports, est.AvgBundleQuota(), StrategyLeastLoadedServer)

	rt.Equal(first.ByBroker["a"].FinalRank, second.ByBroker["a"].FinalRank)
	rt.Equal(first.ByBroker["b"].FinalRank, second.ByBroker["b"].FinalRank)
	rt.Equal(first.Brokers(), second.Brokers())
}

func TestEngine_PublishesAtomicSnapshot(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	est := quota.NewEstimator(cfg)
	eng := NewEngine(est)

	rt.Nil(eng.Current())

	reports := types.ReportSet{"a": report(10, 10)}
	eng.Update(nil, reports, est.AvgBundleQuota(), StrategyLeastLoadedServer)

	rt.NotNil(eng.Current())
	rt.Contains(eng.Current().ByBroker, "a")
}

func TestEngine_PreAllocationCarriesForward(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	est := quota.NewEstimator(cfg)
	eng := NewEngine(est)

	reports := types.ReportSet{"a": report(10, 10)}
	first := eng.Update(nil, reports, est.AvgBundleQuota(), StrategyLeastLoadedServer)
	first.ByBroker["a"].Ranking.PreAllocatedBundles.Insert("p/c/ns/0x0_0xf")

	second := eng.Update(first, reports, est.AvgBundleQuota(), StrategyLeastLoadedServer)
	rt.True(second.ByBroker["a"].Ranking.PreAllocatedBundles.Has("p/c/ns/0x0_0xf"))
}
