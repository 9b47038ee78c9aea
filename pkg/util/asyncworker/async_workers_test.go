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

package asyncworker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitIdle(t *testing.T, asw *AsyncWorkers, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !asw.IsWorking(name) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("work %s still in flight after 5s", name)
}

func TestAddWork_RunsImmediately(t *testing.T) {
	rt := require.New(t)
	asw := NewAsyncWorkers("test")

	done := make(chan int, 1)
	rt.NoError(asw.AddWork("sum", &Work{
		Fn: func(_ context.Context, params ...interface{}) error {
			done <- params[0].(int) + params[1].(int)
			return nil
		},
		Params:      []interface{}{1, 2},
		DeliveredAt: time.Now(),
	}))

	select {
	case got := <-done:
		rt.Equal(3, got)
	case <-time.After(time.Second):
		rt.FailNow("work never ran")
	}
	waitIdle(t, asw, "sum")
}

// A burst of submissions against an in-flight key must collapse to a
// single additional run, and that run must be the latest submission:
// this is the property the rank-update trigger depends on.
func TestAddWork_CoalescesBurstToLatest(t *testing.T) {
	rt := require.New(t)
	asw := NewAsyncWorkers("test")

	block := make(chan struct{})
	started := make(chan struct{})
	rt.NoError(asw.AddWork("rank", &Work{
		Fn: func(context.Context, ...interface{}) error {
			close(started)
			<-block
			return nil
		},
		DeliveredAt: time.Now(),
	}))
	<-started

	var runs, ranIdx int32
	ranIdx = -1
	for i := 0; i < 5; i++ {
		idx := int32(i)
		rt.NoError(asw.AddWork("rank", &Work{
			Fn: func(context.Context, ...interface{}) error {
				atomic.AddInt32(&runs, 1)
				atomic.StoreInt32(&ranIdx, idx)
				return nil
			},
			DeliveredAt: time.Now(),
		}))
	}

	close(block)
	waitIdle(t, asw, "rank")

	rt.EqualValues(1, atomic.LoadInt32(&runs))
	rt.EqualValues(4, atomic.LoadInt32(&ranIdx))
}

func TestLastError(t *testing.T) {
	rt := require.New(t)
	asw := NewAsyncWorkers("test")

	wantErr := errors.New("store unavailable")
	rt.NoError(asw.AddWork("acquire", &Work{
		Fn:          func(context.Context, ...interface{}) error { return wantErr },
		DeliveredAt: time.Now(),
	}))
	waitIdle(t, asw, "acquire")

	rt.Equal(wantErr, asw.LastError("acquire"))
	rt.NoError(asw.LastError("never-submitted"))
}

func TestAddWork_RejectsNilWork(t *testing.T) {
	asw := NewAsyncWorkers("test")
	require.Error(t, asw.AddWork("bad", nil))
	require.Error(t, asw.AddWork("bad", &Work{}))
}
