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

package general

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Health checks for the controller's scheduled tasks. Each task registers
// its check once at construction time (the load manager registers
// report-writer, rank-updater, quota-writer and ownership-session) and
// then reports through UpdateHealthzStateByError from its tick.
// GetHealthzCheckResults is the read side an embedding broker wires into
// its readiness probe.

// HealthzCheckName identifies one registered check, e.g. "rank-updater".
type HealthzCheckName string

// HealthzCheckState is the last state a check's owner reported.
type HealthzCheckState string

// HealthzCheckMode decides how a check's staleness is judged.
type HealthzCheckMode string

const (
	HealthzCheckStateReady    HealthzCheckState = "Ready"
	HealthzCheckStateNotReady HealthzCheckState = "NotReady"

	// HealthzCheckModeHeartbeat expects the owning task to report on every
	// tick. The check fails once the heartbeat is older than its timeout,
	// or once it has stayed NotReady for longer than its toleration period
	// (a single failed tick between healthy ones is tolerated).
	HealthzCheckModeHeartbeat HealthzCheckMode = "heartbeat"
	// HealthzCheckModeReport expects a report only when the owner has
	// something to say. The check fails while the last report is a failure
	// or older than its timeout.
	HealthzCheckModeReport HealthzCheckMode = "report"

	initMessage = "init"
)

// HealthzCheckResult is the externally visible verdict for one check.
type HealthzCheckResult struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

type healthzCheck struct {
	mode  HealthzCheckMode
	state HealthzCheckState

	message          string
	lastUpdateTime   time.Time
	unhealthySince   time.Time
	timeoutPeriod    time.Duration
	tolerationPeriod time.Duration
}

var (
	healthzChecks    = make(map[HealthzCheckName]*healthzCheck)
	healthzCheckLock sync.RWMutex
)

func (c *healthzCheck) update(state HealthzCheckState, message string) {
	now := time.Now()
	if c.state == HealthzCheckStateReady && state != HealthzCheckStateReady {
		c.unhealthySince = now
	}
	c.state = state
	c.message = message
	c.lastUpdateTime = now
}

// RegisterHeartbeatCheck registers name as a heartbeat-mode check.
// Re-registering an existing name is a no-op, so a constructor can run
// more than once in the same process (tests, embedded restarts).
func RegisterHeartbeatCheck(name string, timeout time.Duration, initState HealthzCheckState, tolerationPeriod time.Duration) {
	registerHealthzCheck(name, HealthzCheckModeHeartbeat, timeout, initState, tolerationPeriod)
}

// RegisterReportCheck registers name as a report-mode check.
func RegisterReportCheck(name string, timeout time.Duration, initState HealthzCheckState) {
	registerHealthzCheck(name, HealthzCheckModeReport, timeout, initState, 0)
}

func registerHealthzCheck(name string, mode HealthzCheckMode, timeout time.Duration, initState HealthzCheckState, tolerationPeriod time.Duration) {
	healthzCheckLock.Lock()
	defer healthzCheckLock.Unlock()

	if existing, ok := healthzChecks[HealthzCheckName(name)]; ok {
		if existing.mode != mode {
			klog.Errorf("healthz check %s is already registered with mode %s, refusing %s", name, existing.mode, mode)
		}
		return
	}

	check := &healthzCheck{
		mode:             mode,
		state:            initState,
		message:          initMessage,
		timeoutPeriod:    timeout,
		tolerationPeriod: tolerationPeriod,
	}
	if mode == HealthzCheckModeHeartbeat {
		check.lastUpdateTime = time.Now()
	}
	healthzChecks[HealthzCheckName(name)] = check
}

// UpdateHealthzStateByError reports one tick's outcome: nil marks the
// check ready, a non-nil error marks it not ready carrying the error text.
func UpdateHealthzStateByError(name string, err error) error {
	if err != nil {
		return UpdateHealthzState(name, HealthzCheckStateNotReady, err.Error())
	}
	return UpdateHealthzState(name, HealthzCheckStateReady, "")
}

// UpdateHealthzState records state for a previously registered check.
func UpdateHealthzState(name string, state HealthzCheckState, message string) error {
	healthzCheckLock.Lock()
	defer healthzCheckLock.Unlock()

	check, ok := healthzChecks[HealthzCheckName(name)]
	if !ok {
		return fmt.Errorf("healthz check %s is not registered", name)
	}
	check.update(state, message)
	return nil
}

// GetHealthzCheckResults evaluates every registered check against the
// clock and returns the verdicts, keyed by check name.
func GetHealthzCheckResults() map[HealthzCheckName]HealthzCheckResult {
	healthzCheckLock.RLock()
	defer healthzCheckLock.RUnlock()

	now := time.Now()
	results := make(map[HealthzCheckName]HealthzCheckResult, len(healthzChecks))
	for name, check := range healthzChecks {
		ready := true
		message := check.message

		switch check.mode {
		case HealthzCheckModeHeartbeat:
			if check.timeoutPeriod > 0 && now.Sub(check.lastUpdateTime) > check.timeoutPeriod {
				ready = false
				message = fmt.Sprintf("no heartbeat for more than %v, last at %v", check.timeoutPeriod, check.lastUpdateTime)
			}
			if check.state != HealthzCheckStateReady {
				if check.tolerationPeriod <= 0 || now.Sub(check.unhealthySince) > check.tolerationPeriod {
					ready = false
				}
			}
		case HealthzCheckModeReport:
			ready = check.state == HealthzCheckStateReady
			if check.timeoutPeriod > 0 && !check.lastUpdateTime.IsZero() && now.Sub(check.lastUpdateTime) > check.timeoutPeriod {
				ready = false
				message = "stale report"
			}
		}

		results[name] = HealthzCheckResult{Ready: ready, Message: message}
	}
	return results
}
