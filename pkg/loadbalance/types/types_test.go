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

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceUnitID_Namespace(t *testing.T) {
	rt := require.New(t)

	id := ServiceUnitID("tenant/cluster/ns/0x00000000_0xffffffff")
	rt.Equal("tenant/cluster/ns", id.Namespace())
	rt.NoError(id.Validate())

	rt.Error(ServiceUnitID("tenant/ns").Validate())
}

func TestNamespaceBundleStats_MemGroups(t *testing.T) {
	rt := require.New(t)

	rt.Equal(1.0, NamespaceBundleStats{}.MemGroups())
	// 500 entities is exactly one extra group.
	rt.Equal(2.0, NamespaceBundleStats{Topics: 300, ProducerCount: 100, ConsumerCount: 100}.MemGroups())
	rt.Equal(1.5, NamespaceBundleStats{Topics: 250}.MemGroups())
}

func TestResourceQuota_Add(t *testing.T) {
	rt := require.New(t)

	a := ResourceQuota{MsgRateIn: 10, MsgRateOut: 20, BandwidthIn: 100, BandwidthOut: 200, Memory: 5, Dynamic: true}
	b := ResourceQuota{MsgRateIn: 1, MsgRateOut: 2, BandwidthIn: 10, BandwidthOut: 20, Memory: 1, Dynamic: false}

	sum := a.Add(b)
	rt.Equal(11.0, sum.MsgRateIn)
	rt.Equal(22.0, sum.MsgRateOut)
	rt.Equal(110.0, sum.BandwidthIn)
	rt.Equal(220.0, sum.BandwidthOut)
	rt.Equal(6.0, sum.Memory)
	rt.True(sum.Dynamic)
}

func TestSystemResourceUsage_MaxPercentUsage(t *testing.T) {
	rt := require.New(t)

	usage := SystemResourceUsage{
		ResourceCPU:         {Usage: 30, Limit: 100},
		ResourceBandwidthIn: {Usage: 900, Limit: 1000},
		// Unknown limit is ignored rather than treated as saturated.
		ResourceMemory: {Usage: 50, Limit: 0},
	}
	kind, pct := usage.MaxPercentUsage()
	rt.Equal(ResourceBandwidthIn, kind)
	rt.Equal(90.0, pct)
}

func TestLoadReport_WireFormat(t *testing.T) {
	rt := require.New(t)

	report := LoadReport{
		BrokerName:      "broker-1:8080",
		WebAddr:         "http://broker-1:8080",
		BrokerAddr:      "pulsar://broker-1:6650",
		TimestampMillis: 1700000000000,
		SystemUsage: SystemResourceUsage{
			ResourceCPU: {Usage: 12.5, Limit: 100},
		},
		BundleStats: map[ServiceUnitID]NamespaceBundleStats{
			"t/c/ns/0x0_0xf": {Topics: 3, MsgRateIn: 7},
		},
		Overloaded: true,
	}

	data, err := json.Marshal(&report)
	rt.NoError(err)

	var raw map[string]interface{}
	rt.NoError(json.Unmarshal(data, &raw))
	rt.Contains(raw, "brokerName")
	rt.Contains(raw, "webServiceAddress")
	rt.Contains(raw, "brokerAddress")
	rt.Contains(raw, "timestamp")
	rt.Contains(raw, "systemResourceUsage")
	rt.Contains(raw, "bundleStats")
	rt.Contains(raw, "overloaded")

	var back LoadReport
	rt.NoError(json.Unmarshal(data, &back))
	rt.Equal(report.BrokerName, back.BrokerName)
	rt.Equal(report.TimestampMillis, back.TimestampMillis)
	rt.Equal(report.BundleStats, back.BundleStats)
}

func TestResourceUnitRanking_EstimatedLoadPercentage(t *testing.T) {
	rt := require.New(t)

	r := NewResourceUnitRanking()
	r.SystemUsage = SystemResourceUsage{
		ResourceCPU:    {Usage: 20, Limit: 100},
		ResourceMemory: {Usage: 10, Limit: 100},
	}
	rt.Equal(20.0, r.EstimatedLoadPercentage(0.03, 25))

	// A pre-allocated memory quota above actual usage dominates: placement
	// must not hide what a stale report hasn't caught up with yet.
	r.PreAllocatedQuota = ResourceQuota{Memory: 60}
	rt.Equal(60.0, r.EstimatedLoadPercentage(0.03, 25))
}

func TestResourceUnitRanking_EstimatedMaxCapacity(t *testing.T) {
	rt := require.New(t)

	r := NewResourceUnitRanking()
	r.SystemUsage = SystemResourceUsage{
		ResourceCPU:    {Usage: 0, Limit: 100},
		ResourceMemory: {Usage: 0, Limit: 100},
	}

	// Memory is the binding resource: 100 MB headroom / 50 MB per bundle.
	quota := ResourceQuota{MsgRateIn: 30, MsgRateOut: 30, Memory: 50}
	rt.EqualValues(2, r.EstimatedMaxCapacity(quota, 0.03, 25))

	// Saturated broker has no capacity at all.
	r.SystemUsage[ResourceCPU] = ResourceUsage{Usage: 100, Limit: 100}
	rt.EqualValues(0, r.EstimatedMaxCapacity(quota, 0.03, 25))
}

func TestResourceUnitRanking_Idle(t *testing.T) {
	rt := require.New(t)

	r := NewResourceUnitRanking()
	rt.True(r.Idle())

	r.PreAllocatedBundles.Insert("t/c/ns/0x0_0xf")
	rt.False(r.Idle())
}
