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

package splitting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
)

type fakeAdmin struct {
	splitCalls []types.ServiceUnitID
}

func (f *fakeAdmin) UnloadNamespaceBundle(context.Context, types.ServiceUnitID) error { return nil }

func (f *fakeAdmin) SplitNamespaceBundle(_ context.Context, bundle types.ServiceUnitID) error {
	f.splitCalls = append(f.splitCalls, bundle)
	return nil
}

func hotBundle() types.NamespaceBundleStats {
	return types.NamespaceBundleStats{
		Topics:     2,
		MsgRateIn:  10 * 30000,
		MsgRateOut: 0,
	}
}

// TestSplitter_HotBundleSplitsOnceThenCapped: a hot bundle in a namespace
// one below its cap splits once; once the namespace hits the cap, further
// ticks issue nothing more.
func TestSplitter_HotBundleSplitsOnceThenCapped(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()
	cfg.Splitting.MaxBundleCount = 3

	bundleID := types.ServiceUnitID("p/c/ns/0x0_0xf")
	report := &types.LoadReport{
		BundleStats: map[types.ServiceUnitID]types.NamespaceBundleStats{
			bundleID: hotBundle(),
		},
	}

	ad := &fakeAdmin{}
	s := NewSplitter(cfg, ad)

	counts := map[string]int{"p/c/ns": 2}
	split := s.Tick(context.Background(), report, counts)
	rt.Equal([]types.ServiceUnitID{bundleID}, split)
	rt.Equal(3, counts["p/c/ns"])

	split = s.Tick(context.Background(), report, counts)
	rt.Empty(split)
	rt.Len(ad.splitCalls, 1)
}

func TestSplitter_SingleTopicCannotSplit(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()

	bundleID := types.ServiceUnitID("p/c/ns/0x0_0xf")
	stats := hotBundle()
	stats.Topics = 1
	report := &types.LoadReport{
		BundleStats: map[types.ServiceUnitID]types.NamespaceBundleStats{bundleID: stats},
	}

	ad := &fakeAdmin{}
	s := NewSplitter(cfg, ad)
	split := s.Tick(context.Background(), report, map[string]int{})
	rt.Empty(split)
	rt.Empty(ad.splitCalls)
}

func TestSplitter_BelowLimitsNoSplit(t *testing.T) {
	rt := require.New(t)
	cfg := config.NewDefaultConfiguration()

	bundleID := types.ServiceUnitID("p/c/ns/0x0_0xf")
	report := &types.LoadReport{
		BundleStats: map[types.ServiceUnitID]types.NamespaceBundleStats{
			bundleID: {Topics: 5, MsgRateIn: 10, MsgRateOut: 10},
		},
	}

	ad := &fakeAdmin{}
	s := NewSplitter(cfg, ad)
	split := s.Tick(context.Background(), report, map[string]int{})
	rt.Empty(split)
	rt.Empty(ad.splitCalls)
}

func TestNamespaceBundleCounts(t *testing.T) {
	rt := require.New(t)
	reports := types.ReportSet{
		"broker-1": &types.LoadReport{
			BundleStats: map[types.ServiceUnitID]types.NamespaceBundleStats{
				"p/c/ns1/0x0_0x1": {},
				"p/c/ns1/0x1_0x2": {},
				"p/c/ns2/0x0_0x1": {},
			},
		},
	}
	counts := NamespaceBundleCounts(reports)
	rt.Equal(2, counts["p/c/ns1"])
	rt.Equal(1, counts["p/c/ns2"])
}
