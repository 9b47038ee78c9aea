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

// LoadReport is a broker's periodic self-report, replicated through the
// coordination store at /loadbalance/brokers/<host>:<port>.
type LoadReport struct {
	BrokerName    string `json:"brokerName"`
	WebAddr       string `json:"webServiceAddress"`
	WebAddrTLS    string `json:"webServiceAddressTls,omitempty"`
	BrokerAddr    string `json:"brokerAddress"`
	BrokerAddrTLS string `json:"brokerAddressTls,omitempty"`

	// TimestampMillis is epoch milliseconds, monotonic per broker.
	TimestampMillis int64 `json:"timestamp"`

	SystemUsage SystemResourceUsage                   `json:"systemResourceUsage"`
	BundleStats map[ServiceUnitID]NamespaceBundleStats `json:"bundleStats"`

	Overloaded  bool `json:"overloaded"`
	Underloaded bool `json:"underloaded"`
}

// TotalBundleCount returns len(BundleStats).
func (r *LoadReport) TotalBundleCount() int {
	if r == nil {
		return 0
	}
	return len(r.BundleStats)
}

// ReportSet is the set of most-recent reports, keyed by broker name. It is
// the snapshot type passed to the quota estimator and ranking engine each
// tick.
type ReportSet map[string]*LoadReport
