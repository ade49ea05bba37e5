// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixupFillsEnds(t *testing.T) {
	tbl := &Table{}
	tbl.Insert("c", 0x300, 0x10)
	tbl.Insert("a", 0x100, 0x10)
	tbl.Insert("b", 0x200, 0)
	tbl.Insert("d", 0x400, 0x20)
	tbl.Fixup()

	syms := tbl.Symbols()
	require.Len(t, syms, 4)
	for i := range syms[:len(syms)-1] {
		assert.Equal(t, syms[i+1].Start-1, syms[i].End, syms[i].Name)
		assert.Less(t, syms[i].End, syms[i+1].Start)
	}
	assert.Equal(t, uint64(0x41f), syms[3].End)
}

func TestFind(t *testing.T) {
	tbl := &Table{}
	tbl.Insert("main", 0x1000, 0x20)
	tbl.Insert("helper", 0x1040, 0x8)
	tbl.Insert("alias_first", 0x2000, 0x10)
	tbl.Insert("alias_second", 0x2000, 0x10)

	assert.Nil(t, tbl.Find(0x1000), "find before fixup")
	tbl.Fixup()

	tests := map[string]struct {
		addr uint64
		want string
	}{
		"start":        {addr: 0x1000, want: "main"},
		"filled gap":   {addr: 0x103f, want: "main"},
		"next":         {addr: 0x1040, want: "helper"},
		"before first": {addr: 0xfff},
		"duplicate":    {addr: 0x2008, want: "alias_first"},
		"past last":    {addr: 0x2010},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sym := tbl.Find(tc.addr)
			if tc.want == "" {
				assert.Nil(t, sym)
				return
			}
			require.NotNil(t, sym)
			assert.Equal(t, tc.want, sym.Name)
		})
	}

	// Duplicates share one end.
	syms := tbl.Symbols()
	assert.Equal(t, syms[2].End, syms[3].End)
	assert.Equal(t, "alias_first", syms[2].Name)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "foo::bar()", (&Symbol{Name: "_ZN3foo3barEv"}).DisplayName())
	assert.Equal(t, "main", (&Symbol{Name: "main"}).DisplayName())
}

func TestFprint(t *testing.T) {
	tbl := &Table{}
	tbl.Insert("a", 0x10, 4)
	tbl.Insert("b", 0x20, 4)
	tbl.Fixup()
	var out bytes.Buffer
	require.NoError(t, tbl.Fprint(&out))
	assert.Equal(t, " 10-1f a\n 20-23 b\n", out.String())
}
