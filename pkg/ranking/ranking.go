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

// Package ranking derives, from the current load reports and the prior
// ranking snapshot, a fresh ResourceUnitRanking per broker and the
// sortedRankings index placement draws candidates from. Publication is a
// single atomic pointer swap so concurrent readers never observe a torn
// snapshot.
package ranking

import (
	"math"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
)

// Strategy names, matching the coordination-store /loadbalance/settings/strategy values.
const (
	StrategyLeastLoadedServer       = "leastLoadedServer"
	StrategyWeightedRandomSelection = "weightedRandomSelection"
)

// Snapshot is one broker's published rank: its full ResourceUnitRanking
// plus the scalar finalRank used for bucketing into sortedRankings.
type Snapshot struct {
	Broker    string
	Ranking   *types.ResourceUnitRanking
	FinalRank int64
}

// Index is the published, read-only view of the latest ranking pass.
type Index struct {
	Strategy string
	ByBroker map[string]*Snapshot
	// SortedRankings maps rank -> set of broker names at that rank, as
	// described by the design: for LLS ascending load% is "better", for
	// WRRS higher rank is "better" (more free capacity), both representable
	// by the same ordered map of rank -> brokers.
	SortedRankings map[int64]sets.String
}

// Engine runs ranking passes and publishes the resulting Index.
type Engine struct {
	estimator *quota.Estimator
	cpuFactor func() float64
	memFactor func() float64

	published atomic.Value // holds *Index
}

// NewEngine returns an Engine reading load factors from estimator.
func NewEngine(estimator *quota.Estimator) *Engine {
	e := &Engine{estimator: estimator}
	e.cpuFactor = estimator.CPULoadFactor
	e.memFactor = estimator.MemoryLoadFactor
	e.published.Store((*Index)(nil))
	return e
}

// Current returns the most recently published Index, or nil before the
// first successful Update.
func (e *Engine) Current() *Index {
	v := e.published.Load()
	if v == nil {
		return nil
	}
	return v.(*Index)
}

// Update runs one ranking pass. prior is the previous Index (nil on the
// first call); reports is the current snapshot of per-broker load reports.
// defaultQuota seeds estimatedMaxCapacity for brokers with no bundles yet.
func (e *Engine) Update(prior *Index, reports types.ReportSet, defaultQuota types.ResourceQuota, strategy string) *Index {
	cpuFactor, memFactor := e.cpuFactor(), e.memFactor()

	idx := &Index{
		Strategy:       strategy,
		ByBroker:       make(map[string]*Snapshot, len(reports)),
		SortedRankings: make(map[int64]sets.String),
	}

	for broker, report := range reports {
		if report == nil {
			continue
		}
		r := types.NewResourceUnitRanking()
		r.SystemUsage = report.SystemUsage

		loadedBundles := sets.NewString()
		for bundleID := range report.BundleStats {
			loadedBundles.Insert(string(bundleID))
		}
		r.LoadedBundles = loadedBundles

		preAllocated := sets.NewString()
		var preAllocatedQuota types.ResourceQuota
		if prior != nil {
			if prevSnap, ok := prior.ByBroker[broker]; ok && prevSnap.Ranking != nil {
				// Step 1: drop any pre-allocation that has since shown up
				// in this broker's own report.
				for _, bundleID := range prevSnap.Ranking.PreAllocatedBundles.List() {
					if !loadedBundles.Has(bundleID) {
						preAllocated.Insert(bundleID)
						preAllocatedQuota = preAllocatedQuota.Add(e.estimator.QuotaFor(types.ServiceUnitID(bundleID)))
					}
				}
			}
		}
		r.PreAllocatedBundles = preAllocated
		r.PreAllocatedQuota = preAllocatedQuota

		var allocatedQuota types.ResourceQuota
		for bundleID := range report.BundleStats {
			allocatedQuota = allocatedQuota.Add(e.estimator.QuotaFor(types.ServiceUnitID(bundleID)))
		}
		r.AllocatedQuota = allocatedQuota

		finalRank := finalRankFor(strategy, r, defaultQuota, cpuFactor, memFactor)

		snap := &Snapshot{Broker: broker, Ranking: r, FinalRank: finalRank}
		idx.ByBroker[broker] = snap

		bucket, ok := idx.SortedRankings[finalRank]
		if !ok {
			bucket = sets.NewString()
			idx.SortedRankings[finalRank] = bucket
		}
		bucket.Insert(broker)
	}

	e.published.Store(idx)
	return idx
}

func finalRankFor(strategy string, r *types.ResourceUnitRanking, defaultQuota types.ResourceQuota, cpuFactor, memFactor float64) int64 {
	loadPct := r.EstimatedLoadPercentage(cpuFactor, memFactor)

	if strategy == StrategyWeightedRandomSelection {
		idleRatio := math.Max(0, 100-loadPct) / 100
		capacity := r.EstimatedMaxCapacity(defaultQuota, cpuFactor, memFactor)
		return int64(math.Floor(float64(capacity) * idleRatio * idleRatio))
	}
	return int64(math.Floor(loadPct))
}

// Brokers returns idx's broker names sorted by ascending finalRank (LLS
// reads this as ascending load, WRRS as ascending free capacity).
func (idx *Index) Brokers() []string {
	if idx == nil {
		return nil
	}
	ranks := lo.Keys(idx.SortedRankings)
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })

	var out []string
	for _, rank := range ranks {
		out = append(out, idx.SortedRankings[rank].List()...)
	}
	return out
}
