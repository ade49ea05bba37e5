// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "go.opentelemetry.io/perfsession/libpf/pfelf"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Symbol is a function symbol. Start is expressed as a file offset so it can
// be matched against addresses translated through a mapping's pgoff.
type Symbol struct {
	Name  string
	Start uint64
	Size  uint64
}

// isFunction reports whether sym names a defined, sized function.
func isFunction(sym *elf.Sym64) bool {
	return elf.ST_TYPE(sym.Info) == elf.STT_FUNC &&
		sym.Name != 0 &&
		elf.SectionIndex(sym.Shndx) != elf.SHN_UNDEF &&
		sym.Size != 0
}

// symbolTable holds the raw entries and string table of a SHT_SYMTAB or
// SHT_DYNSYM section.
type symbolTable struct {
	syms []byte
	strs []byte
}

func (f *File) readSymbolTable(symTab *Section) (*symbolTable, error) {
	if symTab.Link >= uint32(len(f.Sections)) {
		return nil, fmt.Errorf("failed to read %v strtab: link %v out of range",
			symTab.Name, symTab.Link)
	}
	strTab := &f.Sections[symTab.Link]
	strs, err := strTab.Data(maxBytesLargeSection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", strTab.Name, err)
	}
	syms, err := symTab.Data(maxBytesLargeSection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", symTab.Name, err)
	}
	return &symbolTable{syms: syms, strs: strs}, nil
}

func (st *symbolTable) len() int {
	return len(st.syms) / int(unsafe.Sizeof(elf.Sym64{}))
}

func (st *symbolTable) sym(idx int) (*elf.Sym64, bool) {
	symSz := int(unsafe.Sizeof(elf.Sym64{}))
	off := idx * symSz
	if idx < 0 || off+symSz > len(st.syms) {
		return nil, false
	}
	return (*elf.Sym64)(unsafe.Pointer(&st.syms[off])), true
}

// PLTSymbols synthesizes one "<name>@plt" symbol per PLT relocation. Entry i
// of the relocation table maps to PLT slot i+1 since slot 0 is the resolver
// stub. Missing .rela.plt/.rel.plt, a relocation table not linked to .dynsym,
// or a missing .plt produce no symbols and no error.
func (f *File) PLTSymbols() ([]Symbol, error) {
	dynsym, dynsymIdx := f.sectionIndex(".dynsym")
	if dynsym == nil {
		return nil, nil
	}

	relPlt := f.Section(".rela.plt")
	if relPlt == nil {
		relPlt = f.Section(".rel.plt")
		if relPlt == nil {
			return nil, nil
		}
	}
	if relPlt.Link != uint32(dynsymIdx) {
		return nil, nil
	}
	plt := f.Section(".plt")
	if plt == nil {
		return nil, nil
	}

	relData, err := relPlt.Data(maxBytesLargeSection)
	if err != nil {
		return nil, err
	}
	st, err := f.readSymbolTable(dynsym)
	if err != nil {
		return nil, err
	}

	var entSize int
	switch relPlt.Type {
	case elf.SHT_RELA:
		entSize = int(unsafe.Sizeof(elf.Rela64{}))
	case elf.SHT_REL:
		entSize = int(unsafe.Sizeof(elf.Rel64{}))
	default:
		return nil, nil
	}
	if relPlt.Entsize != 0 {
		entSize = int(relPlt.Entsize)
	}
	if entSize < 16 {
		return nil, fmt.Errorf("invalid %s entry size %d", relPlt.Name, entSize)
	}

	nrRel := len(relData) / entSize
	out := make([]Symbol, 0, nrRel)
	pltOffset := plt.Offset
	for i := range nrRel {
		// r_offset is followed by r_info in both REL and RELA layouts.
		info := binary.LittleEndian.Uint64(relData[i*entSize+8:])
		pltOffset += plt.Entsize
		name := ""
		if sym, ok := st.sym(int(elf.R_SYM64(info))); ok {
			name, _ = getString(st.strs, int(sym.Name))
		}
		out = append(out, Symbol{
			Name:  name + "@plt",
			Start: pltOffset,
			Size:  plt.Entsize,
		})
	}
	return out, nil
}

// FuncSymbols returns the function symbols of .symtab, or of .dynsym when the
// file has been stripped. Symbol values are rebased from virtual addresses to
// file offsets using the header of the section each symbol lives in.
func (f *File) FuncSymbols() ([]Symbol, error) {
	return f.funcSymbols(true)
}

// VirtualFuncSymbols is FuncSymbols without the rebase. Kernel images are
// mapped at their link addresses, so their symbols keep st_value.
func (f *File) VirtualFuncSymbols() ([]Symbol, error) {
	if err := f.LoadSections(); err != nil {
		return nil, err
	}
	return f.funcSymbols(false)
}

func (f *File) funcSymbols(rebase bool) ([]Symbol, error) {
	symTab := f.Section(".symtab")
	if symTab == nil {
		symTab = f.Section(".dynsym")
	}
	if symTab == nil {
		return nil, ErrNoSymbols
	}
	st, err := f.readSymbolTable(symTab)
	if err != nil {
		return nil, err
	}

	var out []Symbol
	for i := range st.len() {
		sym, _ := st.sym(i)
		if !isFunction(sym) {
			continue
		}
		if int(sym.Shndx) >= len(f.Sections) {
			// SHN_ABS and friends carry no section to rebase against.
			continue
		}
		name, ok := getString(st.strs, int(sym.Name))
		if !ok {
			continue
		}
		start := sym.Value
		if rebase {
			sec := &f.Sections[sym.Shndx]
			start -= sec.Addr - sec.Offset
		}
		out = append(out, Symbol{
			Name:  name,
			Start: start,
			Size:  sym.Size,
		})
	}
	return out, nil
}

// Symbols returns the synthesized PLT symbols followed by the function
// symbols, the full set used for symbolizing a DSO.
func (f *File) Symbols() ([]Symbol, error) {
	if err := f.LoadSections(); err != nil {
		return nil, err
	}
	plt, err := f.PLTSymbols()
	if err != nil {
		return nil, err
	}
	funcs, err := f.FuncSymbols()
	if err != nil {
		return nil, err
	}
	return append(plt, funcs...), nil
}
