// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/perfsession/libpf"

import (
	"cmp"
	"slices"
)

// Set is a convenience alias for a map with a `Void` key.
type Set[T comparable] map[T]Void

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// SliceToSet creates a set from a slice, deduplicating it.
func SliceToSet[T comparable](s []T) Set[T] {
	set := make(map[T]Void, len(s))
	for _, item := range s {
		set[item] = Void{}
	}
	return set
}

// SortedKeys returns the keys of a map in ascending order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
