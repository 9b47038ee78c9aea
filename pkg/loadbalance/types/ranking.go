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

package types

import "k8s.io/apimachinery/pkg/util/sets"

// ResourceUnitRanking is the derived per-broker ranking record: what it
// actually uses, what it has been pre-allocated but hasn't reported yet.
type ResourceUnitRanking struct {
	SystemUsage SystemResourceUsage

	LoadedBundles  sets.String
	AllocatedQuota ResourceQuota

	PreAllocatedBundles sets.String
	PreAllocatedQuota   ResourceQuota
}

// NewResourceUnitRanking returns a ranking with empty bundle sets.
func NewResourceUnitRanking() *ResourceUnitRanking {
	return &ResourceUnitRanking{
		SystemUsage:         SystemResourceUsage{},
		LoadedBundles:       sets.NewString(),
		AllocatedQuota:      ResourceQuota{},
		PreAllocatedBundles: sets.NewString(),
		PreAllocatedQuota:   ResourceQuota{},
	}
}

// Idle reports whether the broker carries no loaded and no pre-allocated
// bundles.
func (r *ResourceUnitRanking) Idle() bool {
	return r.LoadedBundles.Len() == 0 && r.PreAllocatedBundles.Len() == 0
}

// quotaPercent converts an aggregated quota field back into a resource
// usage percentage. The cpu load factor translates the message-rate quota
// into cpu usage; the memory and bandwidth quotas are already in usage
// units, so memFactor is not used.
func quotaPercent(kind ResourceKind, q ResourceQuota, usage SystemResourceUsage, cpuFactor, memFactor float64) float64 {
	limit := usage.Get(kind).Limit
	if limit <= 0 {
		return 0
	}
	var asUsage float64
	switch kind {
	case ResourceCPU:
		asUsage = (q.MsgRateIn + q.MsgRateOut) * cpuFactor
	case ResourceMemory:
		asUsage = q.Memory
	case ResourceBandwidthIn:
		asUsage = q.BandwidthIn
	case ResourceBandwidthOut:
		asUsage = q.BandwidthOut
	default:
		return 0
	}
	return 100 * asUsage / limit
}

// QuotaPercent converts the broker's combined allocated + pre-allocated
// quota into a usage percentage for one resource kind, for observability
// surfaces that report per-resource quota pressure.
func (r *ResourceUnitRanking) QuotaPercent(kind ResourceKind, cpuFactor, memFactor float64) float64 {
	combined := r.AllocatedQuota.Add(r.PreAllocatedQuota)
	return quotaPercent(kind, combined, r.SystemUsage, cpuFactor, memFactor)
}

// EstimatedLoadPercentage is the max over resources of
// max(actualUsage%, allocatedQuota% + preAllocatedQuota%), so that
// pre-allocation the next report hasn't caught up with yet is never hidden
// by a stale report.
func (r *ResourceUnitRanking) EstimatedLoadPercentage(cpuFactor, memFactor float64) float64 {
	combined := r.AllocatedQuota.Add(r.PreAllocatedQuota)
	best := 0.0
	for _, kind := range AllResourceKinds {
		actual := r.SystemUsage.Get(kind).PercentUsage()
		quota := quotaPercent(kind, combined, r.SystemUsage, cpuFactor, memFactor)
		if actual > best {
			best = actual
		}
		if quota > best {
			best = quota
		}
	}
	return best
}

// EstimatedMaxCapacity is the maximum number of default-sized bundles this
// broker could still host given its remaining headroom across resources,
// estimated from the default bundle quota.
func (r *ResourceUnitRanking) EstimatedMaxCapacity(defaultQuota ResourceQuota, cpuFactor, memFactor float64) int64 {
	loadPct := r.EstimatedLoadPercentage(cpuFactor, memFactor)
	headroomPct := 100 - loadPct
	if headroomPct <= 0 {
		return 0
	}

	best := int64(-1)
	consider := func(kind ResourceKind, quotaAmount float64) {
		limit := r.SystemUsage.Get(kind).Limit
		if limit <= 0 || quotaAmount <= 0 {
			return
		}
		headroomAbs := limit * headroomPct / 100
		cap := int64(headroomAbs / quotaAmount)
		if best < 0 || cap < best {
			best = cap
		}
	}

	consider(ResourceCPU, (defaultQuota.MsgRateIn+defaultQuota.MsgRateOut)*cpuFactor)
	consider(ResourceMemory, defaultQuota.Memory)
	consider(ResourceBandwidthIn, defaultQuota.BandwidthIn)
	consider(ResourceBandwidthOut, defaultQuota.BandwidthOut)

	if best < 0 {
		return 0
	}
	return best
}
