// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/perfsession/testsupport"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
)

const (
	// ELFTextOffset is the file offset of the .text section in generated ELF files.
	ELFTextOffset = 0x1000
	// ELFLoadBias is the difference between virtual addresses and file offsets
	// in generated ELF files.
	ELFLoadBias = 0x400000
	// ELFPLTEntrySize is the size of one generated .plt slot.
	ELFPLTEntrySize = 16
)

// ELFSymbol describes a symbol placed in .text of a generated ELF file.
type ELFSymbol struct {
	Name string
	// Offset is relative to the start of .text.
	Offset uint64
	Size   uint64
	// Object marks a data symbol (STT_OBJECT) instead of a function.
	Object bool
}

// ELFSpec describes a minimal 64-bit little-endian ELF shared object.
type ELFSpec struct {
	TextSize uint64
	// Symtab symbols go to .symtab. When empty no .symtab is emitted.
	Symtab []ELFSymbol
	// Dynsym symbols go to .dynsym together with one undefined entry per
	// import.
	Dynsym []ELFSymbol
	// Imports produce a .plt and a .rela.plt with one JUMP_SLOT each.
	Imports []string
	// BuildID is stored in a .note.gnu.build-id section when non-empty.
	BuildID []byte
}

// PLTStart returns the file offset of PLT slot i+1, where the i-th import resolves.
func PLTStart(spec *ELFSpec, i int) uint64 {
	return pltOffset(spec) + uint64(i+1)*ELFPLTEntrySize
}

func pltOffset(spec *ELFSpec) uint64 {
	return alignUp(ELFTextOffset+spec.TextSize, 16)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func structBytes(v any) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

type elfBuilder struct {
	buf   []byte
	shdrs []elf.Section64
	shstr []byte
}

func (b *elfBuilder) pad(to uint64) {
	for uint64(len(b.buf)) < to {
		b.buf = append(b.buf, 0)
	}
}

func (b *elfBuilder) name(n string) uint32 {
	idx := uint32(len(b.shstr))
	b.shstr = append(b.shstr, n...)
	b.shstr = append(b.shstr, 0)
	return idx
}

func (b *elfBuilder) add(name string, sh elf.Section64, data []byte) uint32 {
	if sh.Addralign == 0 {
		sh.Addralign = 8
	}
	b.pad(alignUp(uint64(len(b.buf)), sh.Addralign))
	sh.Name = b.name(name)
	sh.Off = uint64(len(b.buf))
	sh.Size = uint64(len(data))
	if sh.Flags&uint64(elf.SHF_ALLOC) != 0 {
		sh.Addr = sh.Off + ELFLoadBias
	}
	b.buf = append(b.buf, data...)
	b.shdrs = append(b.shdrs, sh)
	return uint32(len(b.shdrs) - 1)
}

func symbolEntries(syms []ELFSymbol, textIdx uint32, strtab *[]byte) []elf.Sym64 {
	out := []elf.Sym64{{}}
	for _, s := range syms {
		typ := elf.STT_FUNC
		if s.Object {
			typ = elf.STT_OBJECT
		}
		out = append(out, elf.Sym64{
			Name:  uint32(len(*strtab)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, typ),
			Shndx: uint16(textIdx),
			Value: ELFLoadBias + ELFTextOffset + s.Offset,
			Size:  s.Size,
		})
		*strtab = append(*strtab, s.Name...)
		*strtab = append(*strtab, 0)
	}
	return out
}

// BuildELF renders spec into the bytes of an ELF file.
func BuildELF(spec *ELFSpec) []byte {
	b := &elfBuilder{shstr: []byte{0}}
	b.shdrs = append(b.shdrs, elf.Section64{})
	b.pad(ELFTextOffset)

	textIdx := b.add(".text", elf.Section64{
		Type:      uint32(elf.SHT_PROGBITS),
		Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Addralign: 16,
	}, make([]byte, spec.TextSize))

	var pltIdx uint32
	if len(spec.Imports) > 0 {
		b.pad(pltOffset(spec))
		pltIdx = b.add(".plt", elf.Section64{
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addralign: 16,
			Entsize:   ELFPLTEntrySize,
		}, make([]byte, (len(spec.Imports)+1)*ELFPLTEntrySize))
	}

	if len(spec.BuildID) > 0 {
		note := structBytes([]uint32{4, uint32(len(spec.BuildID)), 3})
		note = append(note, 'G', 'N', 'U', 0)
		note = append(note, spec.BuildID...)
		for len(note)%4 != 0 {
			note = append(note, 0)
		}
		b.add(".note.gnu.build-id", elf.Section64{
			Type:      uint32(elf.SHT_NOTE),
			Flags:     uint64(elf.SHF_ALLOC),
			Addralign: 4,
		}, note)
	}

	if len(spec.Dynsym) > 0 || len(spec.Imports) > 0 {
		dynstr := []byte{0}
		dsyms := symbolEntries(spec.Dynsym, textIdx, &dynstr)
		firstImport := len(dsyms)
		for _, imp := range spec.Imports {
			dsyms = append(dsyms, elf.Sym64{
				Name: uint32(len(dynstr)),
				Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			})
			dynstr = append(dynstr, imp...)
			dynstr = append(dynstr, 0)
		}
		dynstrIdx := b.add(".dynstr", elf.Section64{
			Type:      uint32(elf.SHT_STRTAB),
			Flags:     uint64(elf.SHF_ALLOC),
			Addralign: 1,
		}, dynstr)
		dynsymIdx := b.add(".dynsym", elf.Section64{
			Type:    uint32(elf.SHT_DYNSYM),
			Flags:   uint64(elf.SHF_ALLOC),
			Link:    dynstrIdx,
			Info:    1,
			Entsize: 24,
		}, structBytes(dsyms))

		if len(spec.Imports) > 0 {
			relas := make([]elf.Rela64, 0, len(spec.Imports))
			for i := range spec.Imports {
				relas = append(relas, elf.Rela64{
					Off:  uint64(0x3000 + 8*i),
					Info: elf.R_INFO(uint32(firstImport+i), uint32(elf.R_X86_64_JMP_SLOT)),
				})
			}
			b.add(".rela.plt", elf.Section64{
				Type:    uint32(elf.SHT_RELA),
				Flags:   uint64(elf.SHF_ALLOC),
				Link:    dynsymIdx,
				Info:    pltIdx,
				Entsize: 24,
			}, structBytes(relas))
		}
	}

	if len(spec.Symtab) > 0 {
		strtab := []byte{0}
		syms := symbolEntries(spec.Symtab, textIdx, &strtab)
		strtabIdx := b.add(".strtab", elf.Section64{
			Type:      uint32(elf.SHT_STRTAB),
			Addralign: 1,
		}, strtab)
		b.add(".symtab", elf.Section64{
			Type:    uint32(elf.SHT_SYMTAB),
			Link:    strtabIdx,
			Info:    1,
			Entsize: 24,
		}, structBytes(syms))
	}

	// The name must be registered before the table itself is emitted.
	shstrName := b.name(".shstrtab")
	shstrIdx := len(b.shdrs)
	b.shdrs = append(b.shdrs, elf.Section64{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint64(len(b.buf)),
		Size:      uint64(len(b.shstr)),
		Addralign: 1,
	})
	b.buf = append(b.buf, b.shstr...)

	b.pad(alignUp(uint64(len(b.buf)), 8))
	shoff := uint64(len(b.buf))
	b.buf = append(b.buf, structBytes(b.shdrs)...)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     ELFLoadBias + ELFTextOffset,
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(b.shdrs)),
		Shstrndx:  uint16(shstrIdx),
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	copy(b.buf, structBytes(&hdr))

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  ELFLoadBias,
		Paddr:  ELFLoadBias,
		Filesz: shoff,
		Memsz:  shoff,
		Align:  0x1000,
	}
	copy(b.buf[64:], structBytes(&prog))
	return b.buf
}

// WriteELF writes the ELF file described by spec to path.
func WriteELF(path string, spec *ELFSpec) error {
	return os.WriteFile(path, BuildELF(spec), 0o644)
}
