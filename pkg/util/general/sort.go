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

package general

import "sort"

// SortByKeyDescending sorts items in place, descending by the float64 key
// extracted through keyOf. Stable, so items with equal keys keep their
// input order.
func SortByKeyDescending[T any](items []T, keyOf func(T) float64) {
	sort.SliceStable(items, func(i, j int) bool {
		return keyOf(items[i]) > keyOf(items[j])
	})
}

// CmpFloat64 returns true if a should sort before b (ascending).
func CmpFloat64(a, b float64) bool {
	return a < b
}
