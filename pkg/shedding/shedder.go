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

// Package shedding implements the periodic, leader-only scan that picks one
// bundle per overloaded broker to unload, subject to a rebalancing-target
// check and a per-bundle rate limit.
package shedding

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kubewharf/brokerlb-core/pkg/admin"
	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/store"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// KillSwitchPath is the coordination-store flag that, when present, makes
// the shedder dry-run: it still picks and logs a victim but never calls the
// admin RPC.
const KillSwitchPath = "/admin/flags/load-shedding-unload-disabled"

// Shedder scans the current load reports for overloaded brokers and
// requests an unload of at most one bundle per broker per tick, and at most
// MaxUnloadBundlesPerCycle bundles per tick in total.
type Shedder struct {
	cfg         *config.Configuration
	coord       store.CoordinationStore
	adminClient admin.Client

	// recentlyUnloaded rate-limits re-unloading the same bundle within the
	// configured grace period; TTL eviction does the bookkeeping so the
	// shedder never needs an explicit sweep.
	recentlyUnloaded *gocache.Cache
}

// NewShedder returns a Shedder with a grace-period cache sized from cfg.
func NewShedder(cfg *config.Configuration, coord store.CoordinationStore, adminClient admin.Client) *Shedder {
	grace := time.Duration(cfg.Shedding.GracePeriodMinutes) * time.Minute
	return &Shedder{
		cfg:              cfg,
		coord:            coord,
		adminClient:      adminClient,
		recentlyUnloaded: gocache.New(grace, grace/2),
	}
}

// Tick runs one shedding pass over reports. It returns the bundles it
// requested an unload for, for logging/metrics by the caller; in dry-run
// the would-be victims are only logged and nothing is returned.
func (s *Shedder) Tick(ctx context.Context, reports types.ReportSet) []types.ServiceUnitID {
	if !s.cfg.Shedding.Enabled || !s.cfg.Shedding.LoadBalancerSheddingEnabled {
		return nil
	}

	dryRun := s.cfg.Shedding.DryRun
	if _, err := s.coord.GetData(ctx, KillSwitchPath); err == nil {
		dryRun = true
	}

	var unloaded []types.ServiceUnitID
	for brokerName, report := range reports {
		if len(unloaded) >= s.cfg.Shedding.MaxUnloadBundlesPerCycle {
			break
		}
		if report == nil {
			continue
		}
		kind, pct := report.SystemUsage.MaxPercentUsage()
		if pct <= s.cfg.Placement.OverloadThresholdPercent {
			continue
		}

		victim, ok := s.pickVictim(brokerName, report, kind, reports)
		if !ok {
			continue
		}

		if _, found := s.recentlyUnloaded.Get(string(victim)); found {
			continue
		}

		if dryRun {
			general.InfoS("shedding dry-run, would unload bundle", "broker", brokerName, "bundle", victim)
			continue
		}

		if err := s.adminClient.UnloadNamespaceBundle(ctx, victim); err != nil {
			general.ErrorS(err, "shedding: unload request failed", "broker", brokerName, "bundle", victim)
			continue
		}

		s.recentlyUnloaded.SetDefault(string(victim), struct{}{})
		unloaded = append(unloaded, victim)
		general.InfoS("shedding: issued unload", "broker", brokerName, "bundle", victim, "bottleneck", kind)
	}
	return unloaded
}

// pickVictim sorts brokerName's bundles descending by their contribution to
// kind and returns the first one for which some other broker in reports is
// comfortably below threshold on every resource.
func (s *Shedder) pickVictim(brokerName string, report *types.LoadReport, kind types.ResourceKind, reports types.ReportSet) (types.ServiceUnitID, bool) {
	if len(report.BundleStats) <= 1 {
		general.Warningf("shedding: broker %s owns only one bundle, skipping", brokerName)
		return "", false
	}

	type candidate struct {
		id          types.ServiceUnitID
		contribution float64
	}

	candidates := make([]candidate, 0, len(report.BundleStats))
	for id, stats := range report.BundleStats {
		candidates = append(candidates, candidate{id: id, contribution: contributionFor(kind, stats)})
	}

	general.SortByKeyDescending(candidates, func(c candidate) float64 { return c.contribution })

	if !s.isBrokerAvailableForRebalancing(brokerName, reports) {
		return "", false
	}
	return candidates[0].id, true
}

// isBrokerAvailableForRebalancing reports whether at least one broker other
// than excludeBroker is below the comfort-load threshold on every resource.
func (s *Shedder) isBrokerAvailableForRebalancing(excludeBroker string, reports types.ReportSet) bool {
	for broker, report := range reports {
		if broker == excludeBroker || report == nil {
			continue
		}
		if allResourcesBelow(report.SystemUsage, s.cfg.Shedding.ComfortLoadThresholdPercent) {
			return true
		}
	}
	return false
}

func allResourcesBelow(usage types.SystemResourceUsage, threshold float64) bool {
	for _, kind := range types.AllResourceKinds {
		if usage.Get(kind).PercentUsage() > threshold {
			return false
		}
	}
	return true
}

func contributionFor(kind types.ResourceKind, stats types.NamespaceBundleStats) float64 {
	switch kind {
	case types.ResourceBandwidthIn:
		return stats.MsgThroughputIn
	case types.ResourceBandwidthOut:
		return stats.MsgThroughputOut
	case types.ResourceCPU:
		return stats.MsgRateIn + stats.MsgRateOut
	case types.ResourceMemory, types.ResourceDirectMemory:
		return stats.MemGroups()
	default:
		return 0
	}
}
