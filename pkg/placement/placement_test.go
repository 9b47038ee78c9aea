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

package placement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/isolation"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
)

func idleReport() *types.LoadReport {
	return &types.LoadReport{
		SystemUsage: types.SystemResourceUsage{
			types.ResourceCPU:    {Usage: 0, Limit: 100},
			types.ResourceMemory: {Usage: 0, Limit: 100},
		},
		BundleStats: map[types.ServiceUnitID]types.NamespaceBundleStats{},
	}
}

func loadedReport(pct float64, numBundles int) *types.LoadReport {
	bundles := make(map[types.ServiceUnitID]types.NamespaceBundleStats, numBundles)
	for i := 0; i < numBundles; i++ {
		id := types.ServiceUnitID(string(rune('a'+i)) + "/c/ns/0x0_0xf")
		bundles[id] = types.NamespaceBundleStats{Topics: 10}
	}
	return &types.LoadReport{
		SystemUsage: types.SystemResourceUsage{
			types.ResourceCPU:    {Usage: pct, Limit: 100},
			types.ResourceMemory: {Usage: pct, Limit: 100},
		},
		BundleStats: bundles,
	}
}

func newEngine(t *testing.T, cfg *config.Configuration, strategy Strategy, reports types.ReportSet) (*Engine, *ranking.Engine, *quota.Estimator) {
	t.Helper()
	est := quota.NewEstimator(cfg)
	rankEng := ranking.NewEngine(est)
	rankEng.Update(nil, reports, est.AvgBundleQuota(), strategy.Name())
	eng := NewEngine(rankEng, est, isolation.NoPolicy{}, strategy, cfg)
	return eng, rankEng, est
}

func TestAssign_FreshClusterWRRS(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	reports := types.ReportSet{
		"A": idleReport(),
		"B": idleReport(),
		"C": idleReport(),
	}
	eng, rankEng, _ := newEngine(t, cfg, WeightedRandomSelection{}, reports)

	bundle := types.ServiceUnitID("p/c/ns/0x0_0xf")
	chosen, err := eng.Assign(bundle)
	rt.NoError(err)
	rt.Contains([]string{"A", "B", "C"}, chosen)

	idx := rankEng.Current()
	for broker, snap := range idx.ByBroker {
		if broker == chosen {
			rt.True(snap.Ranking.PreAllocatedBundles.Has(string(bundle)))
		} else {
			rt.False(snap.Ranking.PreAllocatedBundles.Has(string(bundle)))
		}
	}
}

func TestAssign_LLSPrefersLowerLoaded(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	cfg.Shedding.UnderloadThresholdPercent = 50
	cfg.Placement.OverloadThresholdPercent = 85

	reports := types.ReportSet{
		"A": loadedReport(20, 1),
		"B": loadedReport(80, 5),
	}
	eng, _, _ := newEngine(t, cfg, LeastLoadedServer{}, reports)

	chosen, err := eng.Assign(types.ServiceUnitID("p/c/ns/0x0_0xf"))
	rt.NoError(err)
	rt.Equal("A", chosen)
}

func TestAssign_LLSUnderloadThresholdFlip(t *testing.T) {
	mkReports := func() types.ReportSet {
		return types.ReportSet{
			"A": idleReport(),
			"B": loadedReport(30, 1),
		}
	}

	cfg := config.NewDefaultConfiguration()
	cfg.Shedding.UnderloadThresholdPercent = 50
	cfg.Placement.OverloadThresholdPercent = 85
	eng, _, _ := newEngine(t, cfg, LeastLoadedServer{}, mkReports())
	chosen, err := eng.Assign(types.ServiceUnitID("p/c/ns/0x0_0xf"))
	require.NoError(t, err)
	require.Equal(t, "B", chosen)

	cfg2 := config.NewDefaultConfiguration()
	cfg2.Shedding.UnderloadThresholdPercent = 20
	cfg2.Placement.OverloadThresholdPercent = 85
	eng2, _, _ := newEngine(t, cfg2, LeastLoadedServer{}, mkReports())
	chosen2, err := eng2.Assign(types.ServiceUnitID("p/c/ns/0x0_0xf"))
	require.NoError(t, err)
	require.Equal(t, "A", chosen2)
}

func TestAssign_LLSAllSaturatedUsesRotation(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	cfg.Shedding.UnderloadThresholdPercent = 50
	cfg.Placement.OverloadThresholdPercent = 85

	reports := types.ReportSet{
		"A": loadedReport(105, 2),
		"B": loadedReport(105, 2),
		"C": loadedReport(105, 2),
		"D": loadedReport(105, 2),
	}
	eng, _, _ := newEngine(t, cfg, LeastLoadedServer{}, reports)

	// Candidates scan in sorted order, so the rotating fallback walks
	// A, B, C, D as the cursor advances.
	first, err := eng.Assign(types.ServiceUnitID("p/c/ns/0x0_0xf"))
	rt.NoError(err)
	rt.Equal("A", first)
	rt.EqualValues(1, eng.RotationCursor())

	second, err := eng.Assign(types.ServiceUnitID("p/c/ns/0x1_0xf"))
	rt.NoError(err)
	rt.Equal("B", second)
	rt.EqualValues(2, eng.RotationCursor())
}
