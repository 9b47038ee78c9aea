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

// Package asyncworker provides a small fire-and-forget executor where work
// is keyed by name: a new submission for a key that is already in flight is
// not run concurrently with it; instead it is queued as the single
// replacement to run once the in-flight one finishes. The control loop's
// rank-update submissions rely on this coalescing behavior (a burst of
// coordination-store watch events collapses to one re-rank). The ownership
// cache also runs its acquire attempts here, but concurrent callers for the
// same bundle path share one create through the cache's own pending map.
package asyncworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// Fn is the function a unit of Work runs. params are passed through
// verbatim from Work.Params.
type Fn func(ctx context.Context, params ...interface{}) error

// Work is one named unit of async work.
type Work struct {
	Fn          Fn
	Params      []interface{}
	DeliveredAt time.Time
}

type workStatus struct {
	working bool
	lastErr error
}

// AsyncWorkers runs named Work items, one goroutine per in-flight key.
type AsyncWorkers struct {
	name string

	workLock            sync.Mutex
	workStatuses        map[string]*workStatus
	lastUndeliveredWork map[string]*Work
}

// NewAsyncWorkers returns an AsyncWorkers identified by name, used only in
// log lines.
func NewAsyncWorkers(name string) *AsyncWorkers {
	return &AsyncWorkers{
		name:                name,
		workStatuses:        make(map[string]*workStatus),
		lastUndeliveredWork: make(map[string]*Work),
	}
}

// AddWork submits work under workName. If workName is not currently
// in flight, a goroutine is started immediately. If it is, work replaces
// whatever was previously queued as the pending replacement for workName
// (only the most recent submission survives) and is picked up once the
// in-flight run completes.
func (asw *AsyncWorkers) AddWork(workName string, work *Work) error {
	if work == nil || work.Fn == nil {
		return fmt.Errorf("nil work or work.Fn for %s", workName)
	}

	asw.workLock.Lock()
	status, ok := asw.workStatuses[workName]
	if !ok {
		status = &workStatus{}
		asw.workStatuses[workName] = status
	}

	if status.working {
		asw.lastUndeliveredWork[workName] = work
		asw.workLock.Unlock()
		return nil
	}

	status.working = true
	asw.workLock.Unlock()

	go asw.run(workName, work)
	return nil
}

func (asw *AsyncWorkers) run(workName string, work *Work) {
	for {
		ctx := context.Background()
		err := work.Fn(ctx, work.Params...)
		if err != nil {
			general.Errorf("[asyncworker:%s] work %s failed: %v", asw.name, workName, err)
		}

		asw.workLock.Lock()
		status := asw.workStatuses[workName]
		status.lastErr = err

		next, ok := asw.lastUndeliveredWork[workName]
		if !ok {
			status.working = false
			asw.workLock.Unlock()
			return
		}
		delete(asw.lastUndeliveredWork, workName)
		asw.workLock.Unlock()

		work = next
	}
}

// LastError returns the error of the most recent completed run of
// workName, if any work has completed for that key.
func (asw *AsyncWorkers) LastError(workName string) error {
	asw.workLock.Lock()
	defer asw.workLock.Unlock()
	status, ok := asw.workStatuses[workName]
	if !ok {
		return nil
	}
	return status.lastErr
}

// IsWorking reports whether workName currently has a goroutine running.
func (asw *AsyncWorkers) IsWorking(workName string) bool {
	asw.workLock.Lock()
	defer asw.workLock.Unlock()
	status, ok := asw.workStatuses[workName]
	return ok && status.working
}
