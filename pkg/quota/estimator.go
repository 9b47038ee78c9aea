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

package quota

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// minMsgRateForFactors and minMemGroupsForFactor gate cpu/mem load-factor
// recomputation: below these cluster-wide totals there isn't enough signal
// to trust a fresh factor estimate, so the previous one is kept.
const (
	minMsgRateForFactors  = 1000
	minMemGroupsForFactor = 30
	minBundlesForDefault  = 30
)

// Estimator holds the cluster-wide smoothed state: the cpu/memory load
// factors, the average bundle quota and every bundle's individually
// smoothed quota. Each LoadManager owns one Estimator.
type Estimator struct {
	mu sync.Mutex

	cfg *config.Configuration

	cpuLoadFactor    float64
	memoryLoadFactor float64
	avgBundleQuota   types.ResourceQuota
	quotaByBundle    map[types.ServiceUnitID]types.ResourceQuota

	lastUpdateTimestamp int64 // epoch millis
}

// NewEstimator returns an Estimator seeded with cfg's defaults.
func NewEstimator(cfg *config.Configuration) *Estimator {
	return &Estimator{
		cfg:              cfg,
		cpuLoadFactor:    cfg.Quota.CPUFactor,
		memoryLoadFactor: cfg.Quota.MemFactor,
		avgBundleQuota: types.ResourceQuota{
			MsgRateIn:    cfg.Quota.DefaultMsgRateIn,
			MsgRateOut:   cfg.Quota.DefaultMsgRateOut,
			BandwidthIn:  cfg.Quota.DefaultBandwidthIn,
			BandwidthOut: cfg.Quota.DefaultBandwidthOut,
			Memory:       cfg.Quota.DefaultMemory,
			Dynamic:      true,
		},
		quotaByBundle: make(map[types.ServiceUnitID]types.ResourceQuota),
	}
}

// CPULoadFactor returns the current smoothed cpu-per-msg-rate factor.
func (e *Estimator) CPULoadFactor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cpuLoadFactor
}

// MemoryLoadFactor returns the current smoothed memory-per-entity-group
// factor.
func (e *Estimator) MemoryLoadFactor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memoryLoadFactor
}

// SetLoadFactors seeds the smoothed load factors, used when a restarted
// controller reads the persisted values back from the coordination store.
// Inputs are clamped to the fixed bounds before taking effect.
func (e *Estimator) SetLoadFactors(cpu, mem float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cpuLoadFactor = clamp(cpu, config.MinCPUFactor, config.MaxCPUFactor)
	e.memoryLoadFactor = clamp(mem, config.MinMemFactor, config.MaxMemFactor)
}

// SetBundleQuota replaces one bundle's quota verbatim. A quota with
// Dynamic=false is administrator-pinned: Update never smooths it again,
// and it is exempt from the dynamic clamp bounds. Storing a Dynamic=true
// quota lifts a previous pin and smoothing resumes from the stored value.
func (e *Estimator) SetBundleQuota(id types.ServiceUnitID, q types.ResourceQuota) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotaByBundle[id] = q
}

// SetAvgBundleQuota replaces the default bundle quota verbatim. With
// Dynamic=false the default is frozen against smoothing until a
// Dynamic=true quota is stored again.
func (e *Estimator) SetAvgBundleQuota(q types.ResourceQuota) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.avgBundleQuota = q
}

// AvgBundleQuota returns the current smoothed default bundle quota.
func (e *Estimator) AvgBundleQuota() types.ResourceQuota {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgBundleQuota
}

// QuotaFor returns the smoothed quota for a specific bundle, falling back
// to AvgBundleQuota when the bundle hasn't been observed yet.
func (e *Estimator) QuotaFor(id types.ServiceUnitID) types.ResourceQuota {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.quotaByBundle[id]; ok {
		return q
	}
	return e.avgBundleQuota
}

// aggregate is the per-tick sum across all reports.
type aggregate struct {
	totalMsgRateIn, totalMsgRateOut     float64
	totalBandwidthIn, totalBandwidthOut float64
	totalCPUUsage, totalMemoryUsage     float64
	totalBundles                        int
	totalMemGroups                      float64

	perBundle map[types.ServiceUnitID]bundleSample
}

type bundleSample struct {
	msgRateIn, msgRateOut       float64
	throughputIn, throughputOut float64
	memGroups                   float64
}

func aggregateReports(reports types.ReportSet) aggregate {
	agg := aggregate{perBundle: make(map[types.ServiceUnitID]bundleSample)}

	for _, report := range reports {
		if report == nil {
			continue
		}
		agg.totalCPUUsage += report.SystemUsage.Get(types.ResourceCPU).Usage
		agg.totalMemoryUsage += report.SystemUsage.Get(types.ResourceMemory).Usage

		for bundleID, bstats := range report.BundleStats {
			agg.totalBundles++
			agg.totalMsgRateIn += bstats.MsgRateIn
			agg.totalMsgRateOut += bstats.MsgRateOut
			agg.totalBandwidthIn += bstats.MsgThroughputIn
			agg.totalBandwidthOut += bstats.MsgThroughputOut

			mg := bstats.MemGroups()
			agg.totalMemGroups += mg

			existing := agg.perBundle[bundleID]
			existing.msgRateIn += bstats.MsgRateIn
			existing.msgRateOut += bstats.MsgRateOut
			existing.throughputIn += bstats.MsgThroughputIn
			existing.throughputOut += bstats.MsgThroughputOut
			existing.memGroups += mg
			agg.perBundle[bundleID] = existing
		}
	}
	return agg
}

// Update runs one estimator tick against reports, whose latest timestamp
// (maximum over all brokers) drives timePast for the smoothing windows.
func (e *Estimator) Update(reports types.ReportSet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	latest := e.latestTimestamp(reports)
	var timePast time.Duration
	if e.lastUpdateTimestamp > 0 && latest > e.lastUpdateTimestamp {
		timePast = time.Duration(latest-e.lastUpdateTimestamp) * time.Millisecond
	}

	agg := aggregateReports(reports)
	totalMsgRate := agg.totalMsgRateIn + agg.totalMsgRateOut

	if totalMsgRate > minMsgRateForFactors && agg.totalMemGroups > minMemGroupsForFactor {
		cpuSample := clamp(agg.totalCPUUsage/totalMsgRate, config.MinCPUFactor, config.MaxCPUFactor)
		memSample := clamp(agg.totalMemoryUsage/agg.totalMemGroups, config.MinMemFactor, config.MaxMemFactor)

		e.cpuLoadFactor = clamp(smooth(e.cpuLoadFactor, cpuSample, timePast), config.MinCPUFactor, config.MaxCPUFactor)
		e.memoryLoadFactor = clamp(smooth(e.memoryLoadFactor, memSample, timePast), config.MinMemFactor, config.MaxMemFactor)
	}

	if agg.totalBundles > minBundlesForDefault && e.avgBundleQuota.Dynamic {
		n := float64(agg.totalBundles)
		e.avgBundleQuota = e.smoothQuota(e.avgBundleQuota, types.ResourceQuota{
			MsgRateIn:    agg.totalMsgRateIn / n,
			MsgRateOut:   agg.totalMsgRateOut / n,
			BandwidthIn:  agg.totalBandwidthIn / n,
			BandwidthOut: agg.totalBandwidthOut / n,
			Memory:       (agg.totalMemGroups / n) * e.memoryLoadFactor,
			Dynamic:      true,
		}, timePast)
	}

	for bundleID, sample := range agg.perBundle {
		old, ok := e.quotaByBundle[bundleID]
		if ok && !old.Dynamic {
			// administrator-pinned, frozen against smoothing
			continue
		}
		if !ok {
			old = e.avgBundleQuota
		}
		sampleQuota := types.ResourceQuota{
			MsgRateIn:    sample.msgRateIn,
			MsgRateOut:   sample.msgRateOut,
			BandwidthIn:  sample.throughputIn,
			BandwidthOut: sample.throughputOut,
			Memory:       sample.memGroups * e.memoryLoadFactor,
			Dynamic:      true,
		}
		e.quotaByBundle[bundleID] = e.smoothQuota(old, sampleQuota, timePast)
	}

	e.lastUpdateTimestamp = latest
}

func (e *Estimator) smoothQuota(old, sample types.ResourceQuota, timePast time.Duration) types.ResourceQuota {
	msgRateIn := clamp(sample.MsgRateIn, config.MinMsgRateIn, config.MaxMsgRateIn)
	msgRateOut := clamp(sample.MsgRateOut, config.MinMsgRateOut, config.MaxMsgRateOut)
	bandwidthIn := clamp(sample.BandwidthIn, config.MinBandwidthIn, config.MaxBandwidthIn)
	bandwidthOut := clamp(sample.BandwidthOut, config.MinBandwidthOut, config.MaxBandwidthOut)
	memory := clamp(sample.Memory, config.MinMemory, config.MaxMemory)

	return types.ResourceQuota{
		MsgRateIn:    clamp(smooth(old.MsgRateIn, msgRateIn, timePast), config.MinMsgRateIn, config.MaxMsgRateIn),
		MsgRateOut:   clamp(smooth(old.MsgRateOut, msgRateOut, timePast), config.MinMsgRateOut, config.MaxMsgRateOut),
		BandwidthIn:  clamp(smooth(old.BandwidthIn, bandwidthIn, timePast), config.MinBandwidthIn, config.MaxBandwidthIn),
		BandwidthOut: clamp(smooth(old.BandwidthOut, bandwidthOut, timePast), config.MinBandwidthOut, config.MaxBandwidthOut),
		Memory:       clamp(smooth(old.Memory, memory, timePast), config.MinMemory, config.MaxMemory),
		Dynamic:      true,
	}
}

func (e *Estimator) latestTimestamp(reports types.ReportSet) int64 {
	var latest int64
	for _, r := range reports {
		if r != nil && r.TimestampMillis > latest {
			latest = r.TimestampMillis
		}
	}
	return latest
}

// ClusterDiagnostics is a snapshot of cluster-wide statistics, computed on
// demand rather than maintained incrementally; it is surfaced for
// operator-facing tooling and is never consulted by the smoothing or
// ranking logic itself.
type ClusterDiagnostics struct {
	MeanCPUPercent   float64
	MedianCPUPercent float64
	P95CPUPercent    float64
}

// Diagnostics computes ClusterDiagnostics over the current reports' CPU
// usage percentages.
func Diagnostics(reports types.ReportSet) (ClusterDiagnostics, error) {
	samples := make([]float64, 0, len(reports))
	for _, r := range reports {
		if r == nil {
			continue
		}
		samples = append(samples, r.SystemUsage.Get(types.ResourceCPU).PercentUsage())
	}
	if len(samples) == 0 {
		return ClusterDiagnostics{}, nil
	}

	mean, err := stats.Mean(samples)
	if err != nil {
		return ClusterDiagnostics{}, err
	}
	median, err := stats.Median(samples)
	if err != nil {
		return ClusterDiagnostics{}, err
	}
	p95, err := stats.Percentile(samples, 95)
	if err != nil {
		general.Warningf("quota: failed to compute p95 cpu over %d samples: %v", len(samples), err)
		p95 = mean
	}

	return ClusterDiagnostics{MeanCPUPercent: mean, MedianCPUPercent: median, P95CPUPercent: p95}, nil
}
