// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbol holds the symbol tables of binary images (DSOs) and loads
// them from ELF files, kernel images and kallsyms.
package symbol // import "go.opentelemetry.io/perfsession/symbol"

import (
	"fmt"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is a function. The range [Start, End] is inclusive.
type Symbol struct {
	Start uint64
	End   uint64
	Name  string
}

// Contains reports whether addr lies within the symbol.
func (s *Symbol) Contains(addr uint64) bool {
	return addr >= s.Start && addr <= s.End
}

// DisplayName returns the demangled name, or Name when it is not mangled.
func (s *Symbol) DisplayName() string {
	return demangle.Filter(s.Name)
}

// Table is the set of symbols of one DSO ordered by start address. All
// symbols are inserted first, then Fixup orders them and fills in their
// ends. Find must not be called before Fixup.
type Table struct {
	syms  []Symbol
	fixed bool
}

// Insert adds a symbol of size bytes. A zero size symbol ends where the
// next one starts.
func (t *Table) Insert(name string, start, size uint64) {
	end := start
	if size > 0 {
		end = start + size - 1
	}
	t.syms = append(t.syms, Symbol{Start: start, End: end, Name: name})
	t.fixed = false
}

// Fixup sorts the symbols by start and sets the end of each symbol to one
// before the start of the next. Symbols sharing a start address keep their
// insertion order and share the same end. The last symbol keeps the end
// derived from its size.
func (t *Table) Fixup() {
	sort.SliceStable(t.syms, func(i, j int) bool {
		return t.syms[i].Start < t.syms[j].Start
	})
	for i := 0; i < len(t.syms); {
		j := i + 1
		for j < len(t.syms) && t.syms[j].Start == t.syms[i].Start {
			j++
		}
		if j < len(t.syms) {
			end := t.syms[j].Start - 1
			for k := i; k < j; k++ {
				t.syms[k].End = end
			}
		}
		i = j
	}
	t.fixed = true
}

// Find returns the symbol containing addr, or nil. Of several symbols
// starting at the same address the first inserted one is returned.
func (t *Table) Find(addr uint64) *Symbol {
	if !t.fixed {
		return nil
	}
	i := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Start > addr
	}) - 1
	if i < 0 {
		return nil
	}
	for i > 0 && t.syms[i-1].Start == t.syms[i].Start {
		i--
	}
	if !t.syms[i].Contains(addr) {
		return nil
	}
	return &t.syms[i]
}

// Len returns the number of symbols.
func (t *Table) Len() int {
	return len(t.syms)
}

// Symbols returns the symbols in address order. The slice must not be
// modified.
func (t *Table) Symbols() []Symbol {
	return t.syms
}

// Fprint writes one " start-end name" line per symbol.
func (t *Table) Fprint(w io.Writer) error {
	for i := range t.syms {
		s := &t.syms[i]
		if _, err := fmt.Fprintf(w, " %x-%x %s\n", s.Start, s.End, s.Name); err != nil {
			return err
		}
	}
	return nil
}
