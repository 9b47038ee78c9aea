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
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kubewharf/brokerlb-core/pkg/admin"
	"github.com/kubewharf/brokerlb-core/pkg/config/dynamic"
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
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

func newServeCommand(opts *sharedOptions) *cobra.Command {
	var (
		adminAddr         string
		isLeader          bool
		dynamicConfigPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the load-balancing control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.brokerName == "" {
				return cmd.Help()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

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

			adminClient := admin.NewHTTPClient(adminAddr, 24*time.Hour)
			estimator := quota.NewEstimator(cfg)
			emitter := metrics.NewPrometheusEmitter(prometheus.NewRegistry())
			rankingEngine := ranking.NewEngine(estimator)

			lm := manager.New(
				cfg, coord, opts.brokerName,
				func() bool { return isLeader },
				// The host resource probe is an external collaborator this module
				// does not implement; a real deployment plugs in the broker's
				// own metrics here.
				func() types.LoadReport { return types.LoadReport{} },
				estimator,
				rankingEngine,
				shedding.NewShedder(cfg, coord, adminClient),
				splitting.NewSplitter(cfg, adminClient),
				emitter,
			)

			strategy := placement.Strategy(placement.LeastLoadedServer{})
			if cfg.Placement.Strategy == "weightedRandom" {
				strategy = placement.WeightedRandomSelection{}
			}
			policy := isolation.Policy(isolation.NoPolicy{})
			if data, err := coord.GetData(ctx, manager.PathSettingsIsolation); err == nil {
				rules, err := isolation.ParseRules(data)
				if err != nil {
					return err
				}
				policy = isolation.NewStaticPolicy(rules)
			}
			lm.SetPlacement(placement.NewEngine(rankingEngine, estimator, policy, strategy, cfg))

			ownershipCache := ownership.New(coord, ownership.Identity{
				BrokerURL: adminAddr,
				WebAddr:   adminAddr,
			}, 30*time.Second)
			lm.SetOwnership(ownershipCache)

			if dynamicConfigPath != "" {
				watcher, err := dynamic.NewWatcher(dynamicConfigPath, cfg)
				if err != nil {
					return err
				}
				lm.SetConfigWatcher(watcher)
				defer watcher.Close()
			}

			if err := lm.Start(ctx); err != nil {
				return err
			}
			lm.Run(ctx)

			general.InfoS("brokerlb-controller: serving", "broker", opts.brokerName, "leader", isLeader)
			<-ctx.Done()
			general.InfoS("brokerlb-controller: shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin-addr", "http://127.0.0.1:8080", "base URL of the broker admin RPC endpoint")
	cmd.Flags().BoolVar(&isLeader, "leader", false, "run the leader-only shedding/splitting/quota-writer tasks; leader election itself is out of scope for this binary")
	cmd.Flags().StringVar(&dynamicConfigPath, "dynamic-config-path", "", "path to a JSON file of shedding/splitting/placement overrides, hot-reloaded via fsnotify; disabled when empty")

	return cmd
}
