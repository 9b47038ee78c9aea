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

package admin

import (
	"context"
	"testing"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/require"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
)

func TestHTTPClient_UnloadNamespaceBundle(t *testing.T) {
	defer gock.Off()

	client := NewHTTPClient("http://broker1.example.com:8080", 0)
	gock.InterceptClient(client.http)

	gock.New("http://broker1.example.com:8080").
		Put("/admin/v2/namespaces/p/c/ns/unload/0x00000000_0xffffffff").
		Reply(204)

	err := client.UnloadNamespaceBundle(context.Background(), types.ServiceUnitID("p/c/ns/0x00000000_0xffffffff"))
	require.NoError(t, err)
	require.True(t, gock.IsDone())
}

func TestHTTPClient_SplitNamespaceBundle_ErrorStatus(t *testing.T) {
	defer gock.Off()

	client := NewHTTPClient("http://broker1.example.com:8080", 0)
	gock.InterceptClient(client.http)

	gock.New("http://broker1.example.com:8080").
		Put("/admin/v2/namespaces/p/c/ns/split/0x00000000_0xffffffff").
		Reply(500)

	err := client.SplitNamespaceBundle(context.Background(), types.ServiceUnitID("p/c/ns/0x00000000_0xffffffff"))
	require.Error(t, err)
}
