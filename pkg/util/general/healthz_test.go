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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatCheck(t *testing.T) {
	rt := require.New(t)

	name := "rank-updater-test"
	RegisterHeartbeatCheck(name, 50*time.Millisecond, HealthzCheckStateReady, 50*time.Millisecond)

	rt.True(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)

	// Heartbeat goes stale.
	time.Sleep(80 * time.Millisecond)
	rt.False(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)

	// A single failed tick is tolerated while fresh.
	rt.NoError(UpdateHealthzStateByError(name, errors.New("store timeout")))
	rt.True(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)

	// But not once it outlasts the toleration period.
	time.Sleep(80 * time.Millisecond)
	rt.False(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)

	// A healthy tick recovers immediately.
	rt.NoError(UpdateHealthzStateByError(name, nil))
	rt.True(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)
}

func TestReportCheck(t *testing.T) {
	rt := require.New(t)

	name := "quota-writer-test"
	RegisterReportCheck(name, 50*time.Millisecond, HealthzCheckStateNotReady)

	// Not ready until the first successful report arrives.
	rt.False(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)

	rt.NoError(UpdateHealthzStateByError(name, nil))
	rt.True(GetHealthzCheckResults()[HealthzCheckName(name)].Ready)

	// A report older than the timeout no longer counts.
	time.Sleep(80 * time.Millisecond)
	res := GetHealthzCheckResults()[HealthzCheckName(name)]
	rt.False(res.Ready)
	rt.Equal("stale report", res.Message)

	rt.NoError(UpdateHealthzStateByError(name, errors.New("write rejected")))
	res = GetHealthzCheckResults()[HealthzCheckName(name)]
	rt.False(res.Ready)
	rt.Equal("write rejected", res.Message)
}

func TestRegisterIsIdempotent(t *testing.T) {
	rt := require.New(t)

	name := "report-writer-test"
	RegisterHeartbeatCheck(name, time.Minute, HealthzCheckStateReady, time.Minute)
	rt.NoError(UpdateHealthzState(name, HealthzCheckStateNotReady, "degraded"))

	// Re-registering must not reset the recorded state.
	RegisterHeartbeatCheck(name, time.Minute, HealthzCheckStateReady, time.Minute)
	rt.Equal("degraded", GetHealthzCheckResults()[HealthzCheckName(name)].Message)
}

func TestUpdateUnregisteredCheck(t *testing.T) {
	require.Error(t, UpdateHealthzState("never-registered", HealthzCheckStateReady, ""))
}
