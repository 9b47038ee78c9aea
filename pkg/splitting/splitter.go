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

// Package splitting implements the periodic scan over a single broker's
// latest load report that detects bundles outgrowing their topic, session,
// message-rate or bandwidth limits and requests they be split, subject to a
// per-namespace cap on bundle count.
package splitting

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/kubewharf/brokerlb-core/pkg/admin"
	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// Splitter requests a split for any bundle in a broker's own report that
// exceeds the configured per-bundle limits, as long as the bundle can still
// be divided and its namespace has headroom under MaxBundleCount.
type Splitter struct {
	cfg         *config.Configuration
	adminClient admin.Client
}

// NewSplitter returns a Splitter issuing split requests through
// adminClient.
func NewSplitter(cfg *config.Configuration, adminClient admin.Client) *Splitter {
	return &Splitter{cfg: cfg, adminClient: adminClient}
}

// Tick scans report for bundles needing a split and issues the requests.
// namespaceBundleCounts is the current bundle count per namespace across
// the whole cluster, used to enforce MaxBundleCount; callers derive it from
// the latest ReportSet. It returns the bundles a split was requested for,
// so the caller can force the next load-report update.
func (s *Splitter) Tick(ctx context.Context, report *types.LoadReport, namespaceBundleCounts map[string]int) []types.ServiceUnitID {
	if !s.cfg.Splitting.Enabled || report == nil {
		return nil
	}

	var split []types.ServiceUnitID
	for bundleID, stats := range report.BundleStats {
		if !s.needsSplit(stats) {
			continue
		}

		if stats.Topics <= 1 {
			general.Warningf("splitting: bundle %s needs split but has only %d topic(s), cannot divide", bundleID, stats.Topics)
			continue
		}

		namespace := bundleID.Namespace()
		if namespaceBundleCounts[namespace] >= s.cfg.Splitting.MaxBundleCount {
			general.Warningf("splitting: namespace %s at bundle cap %d, skipping split of %s", namespace, s.cfg.Splitting.MaxBundleCount, bundleID)
			continue
		}

		if err := s.adminClient.SplitNamespaceBundle(ctx, bundleID); err != nil {
			general.ErrorS(err, "splitting: split request failed", "bundle", bundleID)
			continue
		}

		namespaceBundleCounts[namespace]++
		split = append(split, bundleID)
		general.InfoS("splitting: issued split", "bundle", bundleID)
	}
	return split
}

func (s *Splitter) needsSplit(stats types.NamespaceBundleStats) bool {
	lim := s.cfg.Splitting
	return stats.Topics > lim.MaxTopicsPerBundle ||
		(stats.ProducerCount+stats.ConsumerCount) > lim.MaxSessionsPerBundle ||
		(stats.MsgRateIn+stats.MsgRateOut) > lim.MaxMsgRatePerBundle ||
		(stats.MsgThroughputIn+stats.MsgThroughputOut) > lim.MaxBandwidthPerBundle
}

// NamespaceBundleCounts tallies, across every report in the cluster, how
// many bundles each namespace currently has, for use as Tick's
// namespaceBundleCounts argument.
func NamespaceBundleCounts(reports types.ReportSet) map[string]int {
	counts := make(map[string]int)
	seen := make(map[string]sets.Empty)
	for _, report := range reports {
		if report == nil {
			continue
		}
		for bundleID := range report.BundleStats {
			key := string(bundleID)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = sets.Empty{}
			counts[bundleID.Namespace()]++
		}
	}
	return counts
}
