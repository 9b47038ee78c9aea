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

// Package etcdstore implements store.CoordinationStore on top of an etcd v3
// cluster. Ephemeral nodes are modeled with a single session-wide lease;
// atomic create is a single-shot Txn keyed on CreateRevision==0 so that two
// brokers racing to claim the same bundle never both win.
package etcdstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kubewharf/brokerlb-core/pkg/store"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// Options configures a Store.
type Options struct {
	Endpoints []string
	// SessionTTLSeconds is the lease TTL backing every ephemeral node
	// created by this Store. A broker that stops renewing its session
	// (crash, network partition) loses all its ephemeral nodes once this
	// elapses.
	SessionTTLSeconds int64
	DialTimeout       time.Duration
}

// Store is an etcd-backed CoordinationStore.
type Store struct {
	cli       *clientv3.Client
	leaseID   clientv3.LeaseID
	keepAlive <-chan *clientv3.LeaseKeepAliveResponse
	cancelKA  context.CancelFunc
}

// New dials etcd and establishes the session lease used for every
// subsequent CreateEphemeral call.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.SessionTTLSeconds <= 0 {
		opts.SessionTTLSeconds = 30
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}

	lease, err := cli.Grant(ctx, opts.SessionTTLSeconds)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("grant lease: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		cli.Close()
		return nil, fmt.Errorf("keepalive lease: %w", err)
	}

	s := &Store{cli: cli, leaseID: lease.ID, keepAlive: keepAlive, cancelKA: cancel}
	go s.drainKeepAlive()
	return s, nil
}

// drainKeepAlive consumes keepalive responses so etcd's client library
// keeps renewing the lease; a stalled channel means the session is about to
// expire, which is logged so operators notice before bundles start
// flapping ownership.
func (s *Store) drainKeepAlive() {
	for range s.keepAlive {
	}
	general.Warningf("etcdstore: lease %x keepalive channel closed, session is expiring", s.leaseID)
}

func clean(p string) string {
	return strings.TrimRight(p, "/")
}

// CreateEphemeral implements store.CoordinationStore.
func (s *Store) CreateEphemeral(ctx context.Context, p string, data []byte) (store.CreateResult, error) {
	p = clean(p)
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(p), "=", 0)).
		Then(clientv3.OpPut(p, string(data), clientv3.WithLease(s.leaseID))).
		Else(clientv3.OpGet(p))

	resp, err := txn.Commit()
	if err != nil {
		return store.CreateResult{}, fmt.Errorf("create ephemeral %s: %w", p, err)
	}
	if resp.Succeeded {
		return store.CreateResult{Created: true}, nil
	}

	getResp := resp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// Lost a race with a concurrent delete; treat as a transient miss the
		// caller should retry rather than a steady-state conflict.
		return store.CreateResult{}, fmt.Errorf("create ephemeral %s: lost race, no owner visible", p)
	}
	return store.CreateResult{Existed: true, Owner: getResp.Kvs[0].Value}, nil
}

// SetData implements store.CoordinationStore.
func (s *Store) SetData(ctx context.Context, p string, data []byte) error {
	p = clean(p)
	// A plain Put would detach an existing node from the session lease, so
	// an existing key keeps its lease and only a missing key is created bare.
	_, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(p), ">", 0)).
		Then(clientv3.OpPut(p, string(data), clientv3.WithIgnoreLease())).
		Else(clientv3.OpPut(p, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("set data %s: %w", p, err)
	}
	return nil
}

// GetData implements store.CoordinationStore.
func (s *Store) GetData(ctx context.Context, p string) ([]byte, error) {
	p = clean(p)
	resp, err := s.cli.Get(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("get data %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Delete implements store.CoordinationStore.
func (s *Store) Delete(ctx context.Context, p string) error {
	p = clean(p)
	_, err := s.cli.Delete(ctx, p)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// GetChildren implements store.CoordinationStore.
func (s *Store) GetChildren(ctx context.Context, p string) ([]string, error) {
	p = clean(p)
	prefix := p + "/"
	resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("get children %s: %w", p, err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, rest)
	}
	return out, nil
}

// WatchChildren implements store.CoordinationStore.
func (s *Store) WatchChildren(ctx context.Context, p string) (<-chan store.ChildEvent, error) {
	p = clean(p)
	prefix := p + "/"
	out := make(chan store.ChildEvent, 32)

	wch := s.cli.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				general.Errorf("etcdstore: watch %s error: %v", p, resp.Err())
				return
			}
			for _, ev := range resp.Events {
				rest := strings.TrimPrefix(string(ev.Kv.Key), prefix)
				if idx := strings.Index(rest, "/"); idx >= 0 {
					rest = rest[:idx]
				}
				if rest == "" {
					continue
				}
				childEv := store.ChildEvent{Child: rest}
				switch ev.Type {
				case clientv3.EventTypePut:
					if ev.IsCreate() {
						childEv.Type = store.ChildAdded
						out <- childEv
					}
				case clientv3.EventTypeDelete:
					childEv.Type = store.ChildRemoved
					out <- childEv
				}
			}
		}
	}()

	return out, nil
}

// Close releases the session lease (dropping every ephemeral node it
// backs) and closes the underlying client.
func (s *Store) Close() error {
	s.cancelKA()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.cli.Revoke(ctx, s.leaseID)
	return s.cli.Close()
}

var _ store.CoordinationStore = (*Store)(nil)
