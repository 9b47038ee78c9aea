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

// Package dynamic hot-reloads the subset of Configuration that operators
// expect to change without a restart: shedding/splitting/placement toggles
// and thresholds, mirrored locally from the coordination store's
// /loadbalance/settings tree into a JSON file so a single fsnotify watch
// covers every setting at once.
package dynamic

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// Overrides is the mutable subset of Configuration a running controller can
// pick up without a restart.
type Overrides struct {
	Shedding  config.SheddingConfiguration  `json:"shedding"`
	Splitting config.SplittingConfiguration `json:"splitting"`
	Placement config.PlacementConfiguration `json:"placement"`
}

// Watcher watches a local file for Overrides and applies them on top of a
// base Configuration, publishing the merged result behind a mutex for
// readers to snapshot.
type Watcher struct {
	path string
	base *config.Configuration

	mu      sync.RWMutex
	current *config.Configuration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher constructs a Watcher for path, seeded with base until the file
// is first read successfully.
func NewWatcher(path string, base *config.Configuration) (*Watcher, error) {
	w := &Watcher{
		path:    path,
		base:    base,
		current: base,
		stopCh:  make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fw

	w.reload()

	if err := fw.Add(path); err != nil {
		general.Warningf("dynamic config: failed to watch %s, continuing with base config: %v", path, err)
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			general.Warningf("dynamic config: watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			general.Warningf("dynamic config: failed to read %s: %v", w.path, err)
		}
		return
	}

	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		general.Warningf("dynamic config: failed to parse %s, keeping previous config: %v", w.path, err)
		return
	}

	merged := *w.base
	merged.Shedding = o.Shedding
	merged.Splitting = o.Splitting
	merged.Placement = o.Placement
	if err := merged.Validate(); err != nil {
		general.Warningf("dynamic config: rejected reload of %s: %v", w.path, err)
		return
	}

	w.mu.Lock()
	w.current = &merged
	w.mu.Unlock()
	general.Infof("dynamic config: reloaded overrides from %s", w.path)
}

// Current returns the most recently accepted merged configuration.
func (w *Watcher) Current() *config.Configuration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watch goroutine and closes the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
