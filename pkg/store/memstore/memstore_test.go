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

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubewharf/brokerlb-core/pkg/store"
)

func TestStore_CreateEphemeral_SingleOwner(t *testing.T) {
	rt := require.New(t)
	s := New()
	ctx := context.Background()

	res1, err := s.CreateEphemeral(ctx, "/namespace/a/b/c/0x0_0xf", []byte("owner1"))
	rt.NoError(err)
	rt.True(res1.Created)

	res2, err := s.CreateEphemeral(ctx, "/namespace/a/b/c/0x0_0xf", []byte("owner2"))
	rt.NoError(err)
	rt.False(res2.Created)
	rt.True(res2.Existed)
	rt.Equal("owner1", string(res2.Owner))
}

func TestStore_GetSetDelete(t *testing.T) {
	rt := require.New(t)
	s := New()
	ctx := context.Background()

	_, err := s.GetData(ctx, "/missing")
	rt.ErrorIs(err, store.ErrNotFound)

	rt.NoError(s.SetData(ctx, "/loadbalance/settings/strategy", []byte("v1")))
	v, err := s.GetData(ctx, "/loadbalance/settings/strategy")
	rt.NoError(err)
	rt.Equal("v1", string(v))

	rt.NoError(s.Delete(ctx, "/loadbalance/settings/strategy"))
	_, err = s.GetData(ctx, "/loadbalance/settings/strategy")
	rt.ErrorIs(err, store.ErrNotFound)
}

func TestStore_GetChildren(t *testing.T) {
	rt := require.New(t)
	s := New()
	ctx := context.Background()

	rt.NoError(s.SetData(ctx, "/loadbalance/brokers/b1:8080", []byte("{}")))
	rt.NoError(s.SetData(ctx, "/loadbalance/brokers/b2:8080", []byte("{}")))

	children, err := s.GetChildren(ctx, "/loadbalance/brokers")
	rt.NoError(err)
	rt.ElementsMatch([]string{"b1:8080", "b2:8080"}, children)
}

func TestStore_WatchChildren(t *testing.T) {
	rt := require.New(t)
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.WatchChildren(ctx, "/loadbalance/brokers")
	rt.NoError(err)

	rt.NoError(s.SetData(context.Background(), "/loadbalance/brokers/b1:8080", []byte("{}")))

	select {
	case ev := <-events:
		rt.Equal(store.ChildAdded, ev.Type)
		rt.Equal("b1:8080", ev.Child)
	case <-time.After(time.Second):
		rt.Fail("timed out waiting for child event")
	}
}
