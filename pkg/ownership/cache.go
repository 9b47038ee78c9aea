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

// Package ownership implements the acquisition/release state machine that
// binds a service unit to exactly one broker, using the coordination
// store's atomic-create-ephemeral as a poor-man's compare-and-set. A bundle
// path is in exactly one of three places at any time from this broker's
// perspective: the local owned map (this broker holds the lock, active or
// disabled), the read-only remote cache (some other broker holds it, and
// we last observed it at some point), or neither (unknown, fetch on
// demand). The two caches are kept disjoint in semantics: once a path is
// locally owned, reads never consult the remote cache for it.
package ownership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/store"
	"github.com/kubewharf/brokerlb-core/pkg/util/asyncworker"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// ErrNoOwner is returned by GetOwner when neither this broker nor any peer
// currently owns the bundle.
var ErrNoOwner = errors.New("ownership: bundle has no owner")

// namespacePathPrefix is the coordination-store root every bundle's
// ephemeral ownership node lives under.
const namespacePathPrefix = "/namespace/"

func ownerPath(bundle types.ServiceUnitID) string {
	return namespacePathPrefix + string(bundle)
}

// Identity is this broker's own connection info, stamped into every
// ephemeral node it creates.
type Identity struct {
	BrokerURL    string
	BrokerURLTLS string
	WebAddr      string
	WebAddrTLS   string
}

// Cache is the per-broker ownership cache.
type Cache struct {
	coord     store.CoordinationStore
	identity  Identity
	sessionID string

	workers *asyncworker.AsyncWorkers

	mu      sync.Mutex
	owned   map[string]*types.OwnedBundle
	pending map[string]*acquireCall

	// remote is the read-only cache of peers' ownership info, keyed by
	// coordination-store path. Entries for paths present in owned are
	// never consulted or populated.
	remote *gocache.Cache
}

// New returns a Cache for a broker identified by identity, talking to
// coord. remoteTTL bounds how long a remote owner lookup is trusted before
// the next GetOwner call re-fetches it.
func New(coord store.CoordinationStore, identity Identity, remoteTTL time.Duration) *Cache {
	if remoteTTL <= 0 {
		remoteTTL = 30 * time.Second
	}
	return &Cache{
		coord:     coord,
		identity:  identity,
		sessionID: uuid.New().String(),
		workers:   asyncworker.NewAsyncWorkers("ownership"),
		owned:     make(map[string]*types.OwnedBundle),
		pending:   make(map[string]*acquireCall),
		remote:    gocache.New(remoteTTL, remoteTTL),
	}
}

func (c *Cache) selfInfo(disabled bool) types.EphemeralOwnerInfo {
	return types.EphemeralOwnerInfo{
		OwnerBrokerURL: c.identity.BrokerURL,
		OwnerBrokerTLS: c.identity.BrokerURLTLS,
		WebServiceURL:  c.identity.WebAddr,
		WebServiceTLS:  c.identity.WebAddrTLS,
		Disabled:       disabled,
		SessionID:      c.sessionID,
	}
}

// acquireCall is the promise shared by every concurrent TryAcquire caller
// for the same bundle path: the first caller's insertion into pending is
// synchronous, so a second caller arriving before the store round-trip
// completes observes the same in-flight call instead of racing a second
// create against the coordination store.
type acquireCall struct {
	done chan struct{}
	once sync.Once
	info types.EphemeralOwnerInfo
	err  error
}

func newAcquireCall() *acquireCall {
	return &acquireCall{done: make(chan struct{})}
}

func (a *acquireCall) resolve(info types.EphemeralOwnerInfo, err error) {
	a.once.Do(func() {
		a.info, a.err = info, err
		close(a.done)
	})
}

func (a *acquireCall) wait(ctx context.Context) (types.EphemeralOwnerInfo, error) {
	select {
	case <-a.done:
		return a.info, a.err
	case <-ctx.Done():
		return types.EphemeralOwnerInfo{}, ctx.Err()
	}
}

// TryAcquire attempts to bind bundle to this broker. A bundle already held
// locally (active) resolves immediately with this broker's own info.
// Concurrent callers for the same not-yet-resolved bundle share one
// in-flight coordination-store round trip. NodeExists is not an error: it
// resolves successfully with the winning peer's EphemeralOwnerInfo.
func (c *Cache) TryAcquire(ctx context.Context, bundle types.ServiceUnitID) (types.EphemeralOwnerInfo, error) {
	key := string(bundle)

	c.mu.Lock()
	if ob, ok := c.owned[key]; ok && ob.Active {
		c.mu.Unlock()
		return c.selfInfo(false), nil
	}
	if call, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return call.wait(ctx)
	}

	call := newAcquireCall()
	c.pending[key] = call
	c.mu.Unlock()

	work := &asyncworker.Work{
		Fn: func(ctx context.Context, _ ...interface{}) error {
			info, err := c.doAcquire(context.Background(), bundle)
			call.resolve(info, err)
			return err
		},
		DeliveredAt: time.Now(),
	}
	if err := c.workers.AddWork("acquire:"+key, work); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		call.resolve(types.EphemeralOwnerInfo{}, err)
		return types.EphemeralOwnerInfo{}, err
	}

	return call.wait(ctx)
}

// doAcquire runs the atomic create against the coordination store and
// updates local state according to the outcome, per the acquisition state
// machine: create-ok moves the bundle to owned-active, create-exists moves
// it to owned-by-other (a success, not an error), any other store error
// invalidates the pending entry so the next caller retries from scratch.
func (c *Cache) doAcquire(ctx context.Context, bundle types.ServiceUnitID) (types.EphemeralOwnerInfo, error) {
	key := string(bundle)
	path := ownerPath(bundle)

	data, err := json.Marshal(c.selfInfo(false))
	if err != nil {
		c.clearPending(key)
		return types.EphemeralOwnerInfo{}, fmt.Errorf("ownership: marshal self info: %w", err)
	}

	result, err := c.coord.CreateEphemeral(ctx, path, data)
	if err != nil {
		c.clearPending(key)
		return types.EphemeralOwnerInfo{}, fmt.Errorf("ownership: acquire %s: %w", bundle, err)
	}

	if result.Created {
		c.mu.Lock()
		c.owned[key] = &types.OwnedBundle{BundleID: bundle, Active: true}
		delete(c.pending, key)
		c.mu.Unlock()
		c.remote.Delete(path)
		general.InfoS("ownership: acquired bundle", "bundle", bundle)
		return c.selfInfo(false), nil
	}

	// NodeExists: the store handed back the winner's data inline, so no
	// separate read is needed. An empty payload means we lost a race
	// against a concurrent delete of the node we just saw created; that is
	// reported as the original failure so the caller retries.
	if len(result.Owner) == 0 {
		c.clearPending(key)
		return types.EphemeralOwnerInfo{}, fmt.Errorf("ownership: acquire %s: node existed but owner payload was empty", bundle)
	}

	var owner types.EphemeralOwnerInfo
	if err := json.Unmarshal(result.Owner, &owner); err != nil {
		c.clearPending(key)
		return types.EphemeralOwnerInfo{}, fmt.Errorf("ownership: acquire %s: decode owner payload: %w", bundle, err)
	}

	c.clearPending(key)
	c.remote.SetDefault(path, owner)
	general.InfoS("ownership: bundle already owned", "bundle", bundle, "owner", owner.OwnerBrokerURL)
	return owner, nil
}

func (c *Cache) clearPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// GetOwner returns the current owner info for bundle. A locally-owned
// bundle is reported from local state, and one still being acquired here
// reports the outcome of that attempt, without ever touching the remote
// cache; otherwise the remote ephemeral node is
// read through, or served from the read-only cache if still fresh.
func (c *Cache) GetOwner(ctx context.Context, bundle types.ServiceUnitID) (types.EphemeralOwnerInfo, error) {
	key := string(bundle)
	path := ownerPath(bundle)

	c.mu.Lock()
	if ob, ok := c.owned[key]; ok {
		c.mu.Unlock()
		return c.selfInfo(!ob.Active), nil
	}
	if call, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return call.wait(ctx)
	}
	c.mu.Unlock()

	if v, found := c.remote.Get(path); found {
		return v.(types.EphemeralOwnerInfo), nil
	}

	data, err := c.coord.GetData(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.EphemeralOwnerInfo{}, ErrNoOwner
		}
		return types.EphemeralOwnerInfo{}, fmt.Errorf("ownership: get owner %s: %w", bundle, err)
	}

	var owner types.EphemeralOwnerInfo
	if err := json.Unmarshal(data, &owner); err != nil {
		return types.EphemeralOwnerInfo{}, fmt.Errorf("ownership: decode owner %s: %w", bundle, err)
	}
	c.remote.SetDefault(path, owner)
	return owner, nil
}

// RemoveOwnership invalidates this broker's local claim on bundle
// synchronously: the caller is guaranteed GetOwner no longer reports local
// ownership once this returns. The remote ephemeral node delete is
// asynchronous and idempotent (it auto-expires on session loss regardless).
func (c *Cache) RemoveOwnership(bundle types.ServiceUnitID) {
	key := string(bundle)
	path := ownerPath(bundle)

	c.mu.Lock()
	_, wasOwned := c.owned[key]
	delete(c.owned, key)
	c.mu.Unlock()

	if !wasOwned {
		return
	}
	c.remote.Delete(path)

	work := &asyncworker.Work{
		Fn: func(ctx context.Context, _ ...interface{}) error {
			return c.coord.Delete(ctx, path)
		},
		DeliveredAt: time.Now(),
	}
	_ = c.workers.AddWork("release:"+key, work)
}

// DisableOwnership marks bundle inactive locally (the broker keeps the
// lock but stops serving traffic, used during graceful handover) and
// overwrites the ephemeral node with disabled=true so peers refetching the
// owner see the same state.
func (c *Cache) DisableOwnership(ctx context.Context, bundle types.ServiceUnitID) error {
	key := string(bundle)
	path := ownerPath(bundle)

	c.mu.Lock()
	ob, ok := c.owned[key]
	if ok {
		ob.Active = false
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("ownership: disable %s: not locally owned", bundle)
	}

	c.remote.Delete(path)
	data, err := json.Marshal(c.selfInfo(true))
	if err != nil {
		return fmt.Errorf("ownership: marshal disabled info: %w", err)
	}
	if err := c.coord.SetData(ctx, path, data); err != nil {
		return fmt.Errorf("ownership: disable %s: %w", bundle, err)
	}
	general.InfoS("ownership: disabled bundle", "bundle", bundle)
	return nil
}

// OwnedBundles returns a snapshot of every bundle this broker currently
// holds (active or disabled), for the report writer to populate its
// LoadReport.
func (c *Cache) OwnedBundles() []types.OwnedBundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.OwnedBundle, 0, len(c.owned))
	for _, ob := range c.owned {
		out = append(out, *ob)
	}
	return out
}

// IsOwnedLocally reports whether bundle is currently in this broker's
// owned map (active or disabled).
func (c *Cache) IsOwnedLocally(bundle types.ServiceUnitID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[string(bundle)]
	return ok
}
