// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// package pfelf implements functions for processing of ELF files and extracting data from
// them. This file implements an independent ELF parser from debug.elf with different usage:
//   - optimized for speed (and supports only 64-bit little-endian ELF files)
//   - loads only portions of the ELF really needed and accessed (minimizing CPU/RSS)
//   - can handle ELF files without program headers (separate debug info files)
//   - extracts function symbols and synthesizes PLT entries for symbolization

// The Executable and Linking Format (ELF) specification is available at:
//   https://refspecs.linuxfoundation.org/elf/elf.pdf

package pfelf // import "go.opentelemetry.io/perfsession/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/perfsession/internal/mmap"
	"go.opentelemetry.io/perfsession/libpf"
)

const (
	// maxBytesSmallSection is the maximum section size for small libpf
	// parsed sections (e.g. notes and debug link)
	maxBytesSmallSection = 4 * 1024

	// maxBytesLargeSection is the maximum section size for large libpf
	// parsed sections (e.g. symbol tables and string tables; libxul
	// has about 4MB .dynstr)
	maxBytesLargeSection = 16 * 1024 * 1024
)

// ErrNotELF is returned when the file is not an ELF
var ErrNotELF = errors.New("not an ELF file")

// ErrNoSymbols is returned when neither .symtab nor .dynsym is present
var ErrNoSymbols = errors.New("no symbol table")

// File represents an open ELF file
type File struct {
	// closer is called internally when resources for this File are to be released
	closer io.Closer

	// elfReader is the ReadAt implementation used for this File
	elfReader io.ReaderAt

	// Sections contains the program sections if loaded
	Sections []Section

	// elfHeader is the ELF file header
	elfHeader elf.Header64

	// Fields to mimic elf.debug
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
}

// Section represents a section header, and data associated with it
type Section struct {
	elf.SectionHeader

	// Embed ReaderAt for ReadAt method.
	io.ReaderAt

	// Do not embed SectionReader directly, or as public member. We can't
	// return the same copy to multiple callers, otherwise they corrupt
	// each other's reader file position.
	sr *io.SectionReader
}

// Open maps the named file read-only and prepares it for use as an ELF binary.
func Open(name string) (*File, error) {
	m, err := mmap.Open(name)
	if err != nil {
		return nil, err
	}

	ff, err := newFile(m, m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return ff, nil
}

// Close closes the File.
func (f *File) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return
}

// NewFile creates a new ELF file object that borrows the given reader.
func NewFile(r io.ReaderAt) (*File, error) {
	return newFile(r, nil)
}

func newFile(r io.ReaderAt, closer io.Closer) (*File, error) {
	f := &File{
		elfReader: r,
		closer:    closer,
	}

	hdr := &f.elfHeader
	if _, err := r.ReadAt(libpf.SliceFrom(hdr), 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.Ident[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, ErrNotELF
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB ||
		elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, fmt.Errorf("unsupported ELF file: %v", hdr.Ident)
	}

	// fill the Machine and Type fields
	f.Machine = elf.Machine(hdr.Machine)
	f.Type = elf.Type(hdr.Type)
	f.Entry = hdr.Entry

	return f, nil
}

// getString extracts a null terminated string from an ELF string table
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen == -1 {
		return "", false
	}
	return string(section[start : start+slen]), true
}

// LoadSections loads the ELF file sections
func (f *File) LoadSections() error {
	if f.Sections != nil {
		// Already loaded.
		return nil
	}

	hdr := &f.elfHeader
	if hdr.Shnum == 0 {
		// No sections. Nothing to do.
		return nil
	}
	if hdr.Shstrndx >= hdr.Shnum {
		return fmt.Errorf("invalid ELF section string table index (%d / %d)",
			hdr.Shstrndx, hdr.Shnum)
	}

	// Load section headers
	sections := make([]elf.Section64, hdr.Shnum)
	if _, err := f.elfReader.ReadAt(libpf.SliceFrom(sections), int64(hdr.Shoff)); err != nil {
		return err
	}

	loaded := make([]Section, hdr.Shnum)
	for i, sh := range sections {
		s := &loaded[i]
		s.SectionHeader = elf.SectionHeader{
			Type:      elf.SectionType(sh.Type),
			Flags:     elf.SectionFlag(sh.Flags),
			Addr:      sh.Addr,
			Offset:    sh.Off,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
			FileSize:  sh.Size,
		}
		if s.Type == elf.SHT_NOBITS {
			s.FileSize = 0
		}
		s.sr = io.NewSectionReader(f.elfReader, int64(s.Offset), int64(s.FileSize))
		s.ReaderAt = s.sr
	}

	// Load the section name string table
	strsh := loaded[hdr.Shstrndx]
	if strsh.FileSize >= 1024*1024 {
		return fmt.Errorf("section headers string table too large (%d)",
			strsh.FileSize)
	}
	strtab, err := strsh.Data(maxBytesLargeSection)
	if err != nil {
		return err
	}
	for i := range loaded {
		sh := &loaded[i]
		var ok bool
		sh.Name, ok = getString(strtab, int(sections[i].Name))
		if !ok {
			return fmt.Errorf("bad section name index (section %d, index %d/%d)",
				i, sections[i].Name, len(strtab))
		}
	}
	f.Sections = loaded

	return nil
}

// Section returns a section with the given name, or nil if no such section exists.
func (f *File) Section(name string) *Section {
	s, _ := f.sectionIndex(name)
	return s
}

// sectionIndex returns the named section and its header index.
func (f *File) sectionIndex(name string) (*Section, int) {
	if err := f.LoadSections(); err != nil {
		return nil, -1
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s, i
		}
	}
	return nil, -1
}

// GetBuildID returns the ELF BuildID if present
func (f *File) GetBuildID() (string, error) {
	s := f.Section(".note.gnu.build-id")
	if s == nil {
		s = f.Section(".notes")
	}
	if s == nil {
		return "", ErrNoBuildID
	}
	data, err := s.Data(maxBytesSmallSection)
	if err != nil {
		return "", err
	}

	return getBuildIDFromNotes(data)
}

// Data loads the whole section header referenced data, and returns it as a slice.
func (sh *Section) Data(maxSize uint) ([]byte, error) {
	if sh.Flags&elf.SHF_COMPRESSED != 0 {
		return nil, errors.New("compressed sections not supported")
	}
	if sh.FileSize > uint64(maxSize) {
		return nil, fmt.Errorf("section size %d is too large", sh.FileSize)
	}
	p := make([]byte, sh.FileSize)
	_, err := sh.ReadAt(p, 0)
	return p, err
}
