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
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/isolation"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// ErrNoBrokerAvailable is returned by Assign when no candidate survives
// filtering, for example because the ranking engine hasn't published a
// snapshot yet or every broker is excluded by isolation policy. Callers
// must treat this as retriable.
var ErrNoBrokerAvailable = errors.New("placement: no broker available")

// Engine chooses an owner for a service unit from the brokers currently
// present in the ranking Index, under the configured Strategy and Policy.
// It owns the rotation cursor and mutates the ranking snapshot's
// pre-allocation bookkeeping, both under the same lock, for the whole
// candidate scan.
type Engine struct {
	mu sync.Mutex

	rankingEngine *ranking.Engine
	estimator     *quota.Estimator
	policy        isolation.Policy
	strategy      Strategy
	cfg           *config.Configuration

	rotationCursor int64
}

// NewEngine returns an Engine assigning bundles against rankingEngine's
// published snapshots.
func NewEngine(rankingEngine *ranking.Engine, estimator *quota.Estimator, policy isolation.Policy, strategy Strategy, cfg *config.Configuration) *Engine {
	if policy == nil {
		policy = isolation.NoPolicy{}
	}
	return &Engine{
		rankingEngine: rankingEngine,
		estimator:     estimator,
		policy:        policy,
		strategy:      strategy,
		cfg:           cfg,
	}
}

// Assign chooses a broker for serviceUnit and records the pre-allocation on
// the chosen broker's ranking so subsequent placements in the same interval
// see it before the broker's next load report confirms it.
func (e *Engine) Assign(serviceUnit types.ServiceUnitID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.rankingEngine.Current()
	if idx == nil || len(idx.ByBroker) == 0 {
		return "", ErrNoBrokerAvailable
	}

	bundleKey := string(serviceUnit)

	// Stickiness: if some broker already has this bundle pre-allocated,
	// it owns the placement outright regardless of current load.
	for broker, snap := range idx.ByBroker {
		if snap.Ranking.PreAllocatedBundles.Has(bundleKey) {
			return broker, nil
		}
	}

	// About to be re-placed: drop it from wherever it's currently loaded so
	// the candidate scan below sees consistent bookkeeping once the new
	// owner's pre-allocation is recorded.
	for _, snap := range idx.ByBroker {
		snap.Ranking.LoadedBundles.Delete(bundleKey)
	}

	// Candidate order must be stable across calls for the rotationCursor
	// fallback to actually rotate, so the map keys are sorted first.
	allBrokers := lo.Keys(idx.ByBroker)
	sort.Strings(allBrokers)
	primary, shared := e.policy.Split(serviceUnit.Namespace(), allBrokers)

	var pool []string
	if len(primary) > 0 {
		pool = primary
		if e.policy.ShouldFailoverToSecondaries(serviceUnit.Namespace(), len(primary)) {
			pool = append(append([]string{}, primary...), shared...)
		}
	} else {
		pool = shared
	}
	if len(pool) == 0 {
		return "", ErrNoBrokerAvailable
	}

	candidates := make([]Candidate, 0, len(pool))
	for _, broker := range pool {
		snap, ok := idx.ByBroker[broker]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Broker: broker, Ranking: snap.Ranking, Rank: snap.FinalRank})
	}
	if len(candidates) == 0 {
		return "", ErrNoBrokerAvailable
	}

	cpuFactor, memFactor := e.estimator.CPULoadFactor(), e.estimator.MemoryLoadFactor()
	defaultQuota := e.estimator.AvgBundleQuota()

	chosen := e.strategy.Pick(candidates, cpuFactor, memFactor, e.rotationCursor,
		defaultQuota, e.cfg.Shedding.UnderloadThresholdPercent, e.cfg.Placement.OverloadThresholdPercent)

	e.rotationCursor = (e.rotationCursor + 1) % 1_000_000

	bundleQuota := e.estimator.QuotaFor(serviceUnit)
	chosenRanking := idx.ByBroker[chosen.Broker].Ranking
	chosenRanking.PreAllocatedBundles.Insert(bundleKey)
	chosenRanking.PreAllocatedQuota = chosenRanking.PreAllocatedQuota.Add(bundleQuota)

	general.InfoS("assigned service unit", "bundle", bundleKey, "broker", chosen.Broker, "strategy", e.strategy.Name())
	return chosen.Broker, nil
}

// RotationCursor returns the current rotation cursor value, exposed for
// tests asserting the randomRU tie-break advances deterministically.
func (e *Engine) RotationCursor() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotationCursor
}
