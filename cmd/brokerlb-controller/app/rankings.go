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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/manager"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
	"github.com/kubewharf/brokerlb-core/pkg/store/etcdstore"
)

func newRankingsCommand(opts *sharedOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rankings",
		Short: "Print the current per-broker ranking snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			estimator := quota.NewEstimator(cfg)
			estimator.Update(reports)
			idx := ranking.NewEngine(estimator).Update(nil, reports, estimator.AvgBundleQuota(), ranking.StrategyLeastLoadedServer)

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Broker", "Rank", "Bundles", "Max Resource %"})
			for _, broker := range idx.Brokers() {
				snap := idx.ByBroker[broker]
				_, maxPct := snap.Ranking.SystemUsage.MaxPercentUsage()
				t.AppendRow(table.Row{broker, snap.FinalRank, snap.Ranking.LoadedBundles.Len(), fmt.Sprintf("%.1f", maxPct)})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}
