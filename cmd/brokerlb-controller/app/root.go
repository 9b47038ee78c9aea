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

// Package app wires the brokerlb-controller cobra command tree: flag
// parsing into a config.Configuration, then delegating to the serve,
// rankings and assign subcommands.
package app

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kubewharf/brokerlb-core/pkg/config"
)

// sharedOptions holds the flags every subcommand needs to dial the
// coordination store, layered onto config.NewDefaultConfiguration().
type sharedOptions struct {
	endpoints   []string
	dialTimeout time.Duration
	brokerName  string
}

func (o *sharedOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&o.endpoints, "store-endpoints", []string{"127.0.0.1:2379"}, "coordination store (etcd) endpoints")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", 5*time.Second, "coordination store dial timeout")
	fs.StringVar(&o.brokerName, "broker-name", "", "this broker's host:port identity, as registered under /loadbalance/brokers")
}

func (o *sharedOptions) configuration() *config.Configuration {
	cfg := config.NewDefaultConfiguration()
	cfg.Store.Endpoints = o.endpoints
	cfg.Store.DialTimeout = o.dialTimeout
	return cfg
}

// NewRootCommand returns the brokerlb-controller command tree.
func NewRootCommand() *cobra.Command {
	opts := &sharedOptions{}

	root := &cobra.Command{
		Use:   "brokerlb-controller",
		Short: "Broker cluster load-balancing controller",
		Long: "brokerlb-controller drives bundle placement, load shedding, bundle\n" +
			"splitting and per-bundle quota estimation for a broker cluster\n" +
			"coordinated through an etcd-backed store.",
		SilenceUsage: true,
	}

	root.PersistentFlags().AddFlagSet(persistentFlagSet(opts))
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newRankingsCommand(opts))
	root.AddCommand(newAssignCommand(opts))

	return root
}

func persistentFlagSet(opts *sharedOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("shared", pflag.ExitOnError)
	opts.addFlags(fs)
	return fs
}
