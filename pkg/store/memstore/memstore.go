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

// Package memstore is an in-process CoordinationStore, used by tests that
// exercise ownership, placement and manager logic without a real etcd
// cluster. It implements the same interface as etcdstore so call sites
// never special-case it.
package memstore

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/kubewharf/brokerlb-core/pkg/store"
)

// Store is a fake CoordinationStore backed by a plain map, guarded by a
// single mutex. Good enough for unit tests; not for concurrency stress.
type Store struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string][]chan store.ChildEvent
	closed   bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		watchers: make(map[string][]chan store.ChildEvent),
	}
}

func clean(p string) string {
	return strings.TrimRight(p, "/")
}

func parentOf(p string) string {
	return path.Dir(clean(p))
}

func childName(parent, p string) string {
	rest := strings.TrimPrefix(clean(p), clean(parent))
	rest = strings.TrimPrefix(rest, "/")
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

func (s *Store) notify(parent string, ev store.ChildEvent) {
	for _, ch := range s.watchers[parent] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CreateEphemeral implements store.CoordinationStore.
func (s *Store) CreateEphemeral(_ context.Context, p string, data []byte) (store.CreateResult, error) {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[p]; ok {
		return store.CreateResult{Created: false, Existed: true, Owner: existing}, nil
	}
	s.data[p] = append([]byte(nil), data...)
	s.notify(parentOf(p), store.ChildEvent{Type: store.ChildAdded, Child: childName(parentOf(p), p)})
	return store.CreateResult{Created: true}, nil
}

// SetData implements store.CoordinationStore.
func (s *Store) SetData(_ context.Context, p string, data []byte) error {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	wasPresent := false
	if _, ok := s.data[p]; ok {
		wasPresent = true
	}
	s.data[p] = append([]byte(nil), data...)
	if !wasPresent {
		s.notify(parentOf(p), store.ChildEvent{Type: store.ChildAdded, Child: childName(parentOf(p), p)})
	}
	return nil
}

// GetData implements store.CoordinationStore.
func (s *Store) GetData(_ context.Context, p string) ([]byte, error) {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[p]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Delete implements store.CoordinationStore.
func (s *Store) Delete(_ context.Context, p string) error {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[p]; !ok {
		return nil
	}
	delete(s.data, p)
	s.notify(parentOf(p), store.ChildEvent{Type: store.ChildRemoved, Child: childName(parentOf(p), p)})
	return nil
}

// GetChildren implements store.CoordinationStore.
func (s *Store) GetChildren(_ context.Context, p string) ([]string, error) {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	prefix := p + "/"
	for k := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := childName(p, k)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

// WatchChildren implements store.CoordinationStore.
func (s *Store) WatchChildren(ctx context.Context, p string) (<-chan store.ChildEvent, error) {
	p = clean(p)
	ch := make(chan store.ChildEvent, 32)

	s.mu.Lock()
	s.watchers[p] = append(s.watchers[p], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[p]
		for i, c := range list {
			if c == ch {
				s.watchers[p] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Close implements store.CoordinationStore. It only sets a flag that no
// other method checks: no node is removed, later calls still succeed, and
// pending watches end only when their own ctx is done.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RemoveAllOwnedBy deletes every path under prefix, used by tests to
// simulate a broker's session expiring (all its ephemeral nodes vanish at
// once).
func (s *Store) RemoveAllOwnedBy(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
}

var _ store.CoordinationStore = (*Store)(nil)
