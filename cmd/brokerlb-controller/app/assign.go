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

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubewharf/brokerlb-core/pkg/isolation"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/manager"
	"github.com/kubewharf/brokerlb-core/pkg/metrics"
	"github.com/kubewharf/brokerlb-core/pkg/ownership"
	"github.com/kubewharf/brokerlb-core/pkg/placement"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
	"github.com/kubewharf/brokerlb-core/pkg/shedding"
	"github.com/kubewharf/brokerlb-core/pkg/splitting"
	"github.com/kubewharf/brokerlb-core/pkg/store/etcdstore"
)

// newAssignCommand exposes the placement decision + ownership acquisition
// path as an operator tool, standing in for the admin RPC/HTTP lookup
// surface this module doesn't implement (out of scope).
func newAssignCommand(opts *sharedOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <service-unit-id>",
		Short: "Decide (and, if this broker wins, acquire) the owner of a service unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.brokerName == "" {
				return cmd.Help()
			}
			bundle := types.ServiceUnitID(args[0])
			if err := bundle.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg := opts.configuration()

			coord, err := etcdstore.New(ctx, etcdstore.Options{
				Endpoints:         cfg.Store.Endpoints,
				SessionTTLSeconds: cfg.Store.SessionTTLSeconds,
				DialTimeout:       cfg.Store.DialTimeout,
			})
			if err != nil {
				return err
			}
			defer coord.Close()

			estimator := quota.NewEstimator(cfg)
			rankingEngine := ranking.NewEngine(estimator)

			children, err := coord.GetChildren(ctx, manager.PathBrokersRoot)
			if err != nil {
				return err
			}
			reports := make(types.ReportSet, len(children))
			for _, child := range children {
				data, err := coord.GetData(ctx, manager.PathBrokersRoot+"/"+child)
				if err != nil {
					continue
				}
				var report types.LoadReport
				if err := json.Unmarshal(data, &report); err != nil {
					continue
				}
				reports[child] = &report
			}
			estimator.Update(reports)
			rankingEngine.Update(nil, reports, estimator.AvgBundleQuota(), ranking.StrategyLeastLoadedServer)

			lm := manager.New(
				cfg, coord, opts.brokerName,
				func() bool { return true },
				func() types.LoadReport { return types.LoadReport{} },
				estimator, rankingEngine,
				shedding.NewShedder(cfg, coord, noopAdmin{}),
				splitting.NewSplitter(cfg, noopAdmin{}),
				metrics.DummyMetricEmitter{},
			)
			lm.SetPlacement(placement.NewEngine(rankingEngine, estimator, isolation.NoPolicy{}, placement.LeastLoadedServer{}, cfg))
			lm.SetOwnership(ownership.New(coord, ownership.Identity{BrokerURL: opts.brokerName, WebAddr: opts.brokerName}, 30*time.Second))

			info, err := lm.AssignOwner(ctx, bundle)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "owner=%s disabled=%v\n", info.OwnerBrokerURL, info.Disabled)
			return nil
		},
	}
	return cmd
}

type noopAdmin struct{}

func (noopAdmin) UnloadNamespaceBundle(context.Context, types.ServiceUnitID) error { return nil }
func (noopAdmin) SplitNamespaceBundle(context.Context, types.ServiceUnitID) error  { return nil }
