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

// Package isolation resolves, per namespace, which brokers are preferred
// ("primary") owners versus fallback ("shared") owners, and when placement
// should fail over from the former to the latter. The policy is a
// capability interface rather than a single struct so a cluster can plug
// in host-label-based or namespace-pattern-based rules without touching
// the placement engine.
package isolation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Policy partitions a set of candidate brokers for namespace into primary
// and shared groups, and decides whether placement should consider the
// shared group given how many primaries are currently viable.
type Policy interface {
	// Split returns the primary and shared subsets of candidates for
	// namespace. A broker may appear in neither set if the policy excludes
	// it outright, or in shared only if there is no primary preference at
	// all.
	Split(namespace string, candidates []string) (primary, shared []string)

	// ShouldFailoverToSecondaries reports whether placement should
	// consider the shared set given that primaryCount primaries are
	// currently viable candidates.
	ShouldFailoverToSecondaries(namespace string, primaryCount int) bool
}

// NoPolicy is the zero-configuration Policy: every candidate is shared,
// there is never a primary set, so placement always considers every
// broker. Used when no isolation rule has been configured for a cluster or
// namespace.
type NoPolicy struct{}

func (NoPolicy) Split(_ string, candidates []string) (primary, shared []string) {
	return nil, candidates
}

func (NoPolicy) ShouldFailoverToSecondaries(_ string, primaryCount int) bool {
	return true
}

// Rule pins one namespace (or namespace prefix ending in "*") to a set of
// primary broker hosts. Shared brokers are added to the candidates once
// fewer than MinPrimaries primaries are viable (or, when MinPrimaries is
// not positive, only once no primary is viable).
type Rule struct {
	NamespacePattern string   `json:"namespacePattern"`
	PrimaryBrokers   []string `json:"primaryBrokers"`
	MinPrimaries     int      `json:"minPrimaries"`
}

// ParseRules decodes an administrator-written rule list, as stored at the
// coordination store's isolation-policies settings node.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("isolation: parse rules: %w", err)
	}
	for i, r := range rules {
		if r.NamespacePattern == "" {
			return nil, fmt.Errorf("isolation: rule %d has an empty namespace pattern", i)
		}
	}
	return rules, nil
}

func (r Rule) matches(namespace string) bool {
	if strings.HasSuffix(r.NamespacePattern, "*") {
		return strings.HasPrefix(namespace, strings.TrimSuffix(r.NamespacePattern, "*"))
	}
	return r.NamespacePattern == namespace
}

// StaticPolicy is a Policy backed by an administrator-configured list of
// Rules, checked in order; the first matching rule wins. Namespaces
// matching no rule behave like NoPolicy.
type StaticPolicy struct {
	Rules []Rule
}

// NewStaticPolicy returns a StaticPolicy enforcing rules, checked in the
// order given.
func NewStaticPolicy(rules []Rule) *StaticPolicy {
	return &StaticPolicy{Rules: rules}
}

func (p *StaticPolicy) ruleFor(namespace string) (Rule, bool) {
	for _, r := range p.Rules {
		if r.matches(namespace) {
			return r, true
		}
	}
	return Rule{}, false
}

// Split implements Policy.
func (p *StaticPolicy) Split(namespace string, candidates []string) (primary, shared []string) {
	rule, ok := p.ruleFor(namespace)
	if !ok {
		return nil, candidates
	}

	primarySet := make(map[string]bool, len(rule.PrimaryBrokers))
	for _, b := range rule.PrimaryBrokers {
		primarySet[b] = true
	}

	for _, c := range candidates {
		if primarySet[c] {
			primary = append(primary, c)
		} else {
			shared = append(shared, c)
		}
	}
	return primary, shared
}

// ShouldFailoverToSecondaries implements Policy.
func (p *StaticPolicy) ShouldFailoverToSecondaries(namespace string, primaryCount int) bool {
	rule, ok := p.ruleFor(namespace)
	if !ok {
		return true
	}
	if rule.MinPrimaries <= 0 {
		return primaryCount == 0
	}
	return primaryCount < rule.MinPrimaries
}

var _ Policy = NoPolicy{}
var _ Policy = (*StaticPolicy)(nil)
