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

// Package placement chooses an owning broker for a service unit from the
// set of eligible candidates. Two strategies are supported as tagged
// variants of the same Strategy capability rather than through
// inheritance: LeastLoadedServer and WeightedRandomSelection.
package placement

import (
	"math"
	"math/rand"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
)

// Candidate is one broker under consideration for a placement decision.
type Candidate struct {
	Broker  string
	Ranking *types.ResourceUnitRanking
	Rank    int64
}

// Strategy is the capability set every placement variant implements: a
// name and a pick over a candidate set. The per-broker rank a pick may
// weigh by is computed by the ranking package.
type Strategy interface {
	// Name identifies the strategy, matching the coordination-store
	// settings string.
	Name() string

	// Pick selects one candidate out of candidates, which is guaranteed
	// non-empty. cpuFactor/memFactor are the cluster's current smoothed
	// load factors, cursor is the current rotation cursor (read-only here;
	// the caller owns advancing it), defaultQuota seeds capacity estimates
	// for idle brokers.
	Pick(candidates []Candidate, cpuFactor, memFactor float64, cursor int64, defaultQuota types.ResourceQuota, underloadThreshold, overloadThreshold float64) Candidate
}

// LeastLoadedServer implements the four-tracked-pick deterministic
// algorithm described by the design: prefer warm-but-not-overloaded
// brokers, fall back to idle ones, then to the broker with the largest
// absolute headroom, and finally to a rotating pick to avoid a thundering
// herd once everyone is saturated.
type LeastLoadedServer struct{}

func (LeastLoadedServer) Name() string { return ranking.StrategyLeastLoadedServer }

func (LeastLoadedServer) Pick(candidates []Candidate, cpuFactor, memFactor float64, cursor int64, defaultQuota types.ResourceQuota, underloadThreshold, overloadThreshold float64) Candidate {
	var (
		selected      *Candidate
		idle          *Candidate
		maxAvailable  *Candidate
		maxAvailScore = -1.0
		minLoad       = math.MaxFloat64
	)

	for i := range candidates {
		c := &candidates[i]
		loadPct := c.Ranking.EstimatedLoadPercentage(cpuFactor, memFactor)

		if c.Ranking.Idle() {
			if idle == nil {
				idle = c
			}
		} else if loadPct < minLoad {
			minLoad = loadPct
			selected = c
		}

		capacity := c.Ranking.EstimatedMaxCapacity(defaultQuota, cpuFactor, memFactor)
		availScore := float64(capacity) * (1 - loadPct/100)
		if availScore > maxAvailScore {
			maxAvailScore = availScore
			maxAvailable = c
		}
	}

	if selected == nil {
		// Every candidate is idle (or the set is all-idle ties); minLoad
		// wasn't assigned from a non-idle candidate, so treat overall load
		// as 0 for the underload comparison below.
		minLoad = 0
	}

	randomRU := candidates[int(cursor)%len(candidates)]

	switch {
	case (minLoad > underloadThreshold && idle != nil) || selected == nil:
		if idle != nil {
			return *idle
		}
		return randomRU
	case minLoad >= 100:
		return randomRU
	case minLoad > overloadThreshold:
		if maxAvailable != nil {
			return *maxAvailable
		}
		return randomRU
	default:
		return *selected
	}
}

// WeightedRandomSelection picks among candidates with probability
// proportional to their ranking.Engine-assigned rank (higher rank, which
// for WRRS already encodes free capacity, means higher probability).
type WeightedRandomSelection struct {
	// Rand is the source used for weighting; defaults to the package-level
	// math/rand functions when nil so production code doesn't need to wire
	// one up, while tests can inject a seeded source for determinism.
	Rand *rand.Rand
}

func (WeightedRandomSelection) Name() string { return ranking.StrategyWeightedRandomSelection }

func (s WeightedRandomSelection) Pick(candidates []Candidate, _, _ float64, _ int64, _ types.ResourceQuota, _, _ float64) Candidate {
	total := int64(0)
	for _, c := range candidates {
		total += weightFloor(c.Rank)
	}
	if total <= 0 {
		return candidates[s.intn(len(candidates))]
	}

	pick := s.int63n(total)
	var running int64
	for _, c := range candidates {
		running += weightFloor(c.Rank)
		if pick < running {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// weightFloor ensures every candidate has at least some chance of
// selection even at rank 0, so a broker whose estimated free capacity
// rounds down to nothing under WRRS is not excluded outright.
func weightFloor(rank int64) int64 {
	if rank <= 0 {
		return 1
	}
	return rank
}

func (s WeightedRandomSelection) intn(n int) int {
	if s.Rand != nil {
		return s.Rand.Intn(n)
	}
	return rand.Intn(n)
}

func (s WeightedRandomSelection) int63n(n int64) int64 {
	if s.Rand != nil {
		return s.Rand.Int63n(n)
	}
	return rand.Int63n(n)
}

var (
	_ Strategy = LeastLoadedServer{}
	_ Strategy = WeightedRandomSelection{}
)
