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

// Package admin is the RPC collaborator the shedder and splitter call to
// tell a broker to release or divide a bundle. The core never implements
// the broker side of this protocol — only the client used to reach it.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
)

// Client is the admin RPC surface the load manager depends on.
type Client interface {
	UnloadNamespaceBundle(ctx context.Context, bundle types.ServiceUnitID) error
	SplitNamespaceBundle(ctx context.Context, bundle types.ServiceUnitID) error
}

// HTTPClient is the default Client, issuing admin REST calls against a
// broker's web service address.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient returns an HTTPClient targeting baseURL (a broker or
// load-balancer admin endpoint). idleTimeout is how long an idle
// connection is kept (24h when not positive); every request is bounded by
// a fixed 30-second timeout.
func NewHTTPClient(baseURL string, idleTimeout time.Duration) *HTTPClient {
	if idleTimeout <= 0 {
		idleTimeout = 24 * time.Hour
	}
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout: idleTimeout,
			},
		},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("admin: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin: %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// UnloadNamespaceBundle implements Client, calling
// PUT /admin/v2/namespaces/{namespace}/unload/{rangeToken}.
func (c *HTTPClient) UnloadNamespaceBundle(ctx context.Context, bundle types.ServiceUnitID) error {
	namespace, rangeToken := splitBundle(bundle)
	path := fmt.Sprintf("/admin/v2/namespaces/%s/unload/%s", namespace, url.PathEscape(rangeToken))
	return c.do(ctx, http.MethodPut, path)
}

// SplitNamespaceBundle implements Client, calling
// PUT /admin/v2/namespaces/{namespace}/split/{rangeToken}.
func (c *HTTPClient) SplitNamespaceBundle(ctx context.Context, bundle types.ServiceUnitID) error {
	namespace, rangeToken := splitBundle(bundle)
	path := fmt.Sprintf("/admin/v2/namespaces/%s/split/%s", namespace, url.PathEscape(rangeToken))
	return c.do(ctx, http.MethodPut, path)
}

// splitBundle separates a ServiceUnitID into its namespace and opaque range
// token (the part after the namespace's trailing slash).
func splitBundle(bundle types.ServiceUnitID) (namespace, rangeToken string) {
	namespace = bundle.Namespace()
	s := string(bundle)
	if len(s) > len(namespace) {
		rangeToken = s[len(namespace)+1:]
	}
	return namespace, rangeToken
}

var _ Client = (*HTTPClient)(nil)
