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

// Package quota implements the cluster-wide adaptive quota estimator: an
// exponentially-weighted smoother with asymmetric ramp-up/ramp-down
// windows, producing the cpu/memory load factors and per-bundle quotas the
// ranking engine and placement strategies read.
package quota

import (
	"time"

	"github.com/kubewharf/brokerlb-core/pkg/config"
)

// smooth applies the exponentially-weighted update described by the
// ramp-up/ramp-down windows: a fast window while the sample is rising, a
// slow window while it's falling, so a momentary dip doesn't immediately
// undercut a quota that's about to be needed again.
func smooth(old, sample float64, timePast time.Duration) float64 {
	w := config.RampDownWindow
	if sample >= old {
		w = config.RampUpWindow
	}

	weight := timePast.Minutes() / w.Minutes()
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return (1-weight)*old + weight*sample
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
