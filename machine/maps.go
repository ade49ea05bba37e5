// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package machine // import "go.opentelemetry.io/perfsession/machine"

import (
	"fmt"
	"io"
	"slices"
	"sort"

	"go.opentelemetry.io/perfsession/symbol"
)

// Map is an address range backed by a DSO.
type Map struct {
	Start uint64
	// End is exclusive.
	End   uint64
	Pgoff uint64
	DSO   *symbol.DSO
	// identity maps use the address itself as DSO address, as the kernel
	// symbols are absolute.
	identity bool
}

// NewMap returns a map of length bytes of dso at start.
func NewMap(dso *symbol.DSO, start, length, pgoff uint64) *Map {
	return &Map{Start: start, End: start + length, Pgoff: pgoff, DSO: dso}
}

// Contains reports whether ip falls within the map.
func (m *Map) Contains(ip uint64) bool {
	return m.Start <= ip && ip < m.End
}

// MapIP translates ip into the address space of the DSO file.
func (m *Map) MapIP(ip uint64) uint64 {
	if m.identity {
		return ip
	}
	return ip - m.Start + m.Pgoff
}

func (m *Map) String() string {
	return fmt.Sprintf("%x-%x %x %s", m.Start, m.End, m.Pgoff, m.DSO.LongName)
}

// Maps is a set of non-overlapping maps sorted by start address.
type Maps struct {
	maps []*Map
}

// Insert adds m, dropping the older maps it overlaps.
func (ms *Maps) Insert(m *Map) {
	ms.maps = slices.DeleteFunc(ms.maps, func(old *Map) bool {
		return old.Start < m.End && m.Start < old.End
	})
	i := sort.Search(len(ms.maps), func(i int) bool {
		return ms.maps[i].Start >= m.Start
	})
	ms.maps = slices.Insert(ms.maps, i, m)
}

// Find returns the map containing ip, or nil.
func (ms *Maps) Find(ip uint64) *Map {
	i := sort.Search(len(ms.maps), func(i int) bool {
		return ms.maps[i].End > ip
	})
	if i < len(ms.maps) && ms.maps[i].Contains(ip) {
		return ms.maps[i]
	}
	return nil
}

// All returns the maps in address order.
func (ms *Maps) All() []*Map {
	return ms.maps
}

// Len returns the number of maps.
func (ms *Maps) Len() int {
	return len(ms.maps)
}

// Fprint writes one line per map.
func (ms *Maps) Fprint(w io.Writer) error {
	for _, m := range ms.maps {
		if _, err := fmt.Fprintln(w, m); err != nil {
			return err
		}
	}
	return nil
}
