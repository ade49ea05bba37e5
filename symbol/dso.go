// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbol // import "go.opentelemetry.io/perfsession/symbol"

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/kallsyms"
	"go.opentelemetry.io/perfsession/libpf/pfelf"
	"go.opentelemetry.io/perfsession/perfevent"
)

// Kind tells user space images from kernels.
type Kind uint8

const (
	KindUser Kind = iota
	KindKernel
	KindGuestKernel
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindGuestKernel:
		return "guest-kernel"
	default:
		return "user"
	}
}

// Names of the kernel DSOs.
const (
	KernelName      = "[kernel.kallsyms]"
	GuestKernelName = "[guest.kernel.kallsyms]"
	VDSOName        = "[vdso]"
)

// debugDir is where distributions install separate debug info.
const debugDir = "/usr/lib/debug"

// DSO is a binary image with its symbols and build id.
type DSO struct {
	LongName  string
	ShortName string
	Kind      Kind
	// Hit is set once a sample resolved into the DSO.
	Hit bool

	buildID    [perfevent.BuildIDSize]byte
	hasBuildID bool

	symbols *Table
	loaded  bool
}

// NewDSO returns a DSO without symbols.
func NewDSO(longName string) *DSO {
	return &DSO{
		LongName:  longName,
		ShortName: path.Base(longName),
		symbols:   &Table{},
	}
}

// SetBuildID stores id, truncated to the size of the record field.
func (d *DSO) SetBuildID(id []byte) {
	d.buildID = [perfevent.BuildIDSize]byte{}
	copy(d.buildID[:], id)
	d.hasBuildID = true
}

// HasBuildID reports whether a build id is known.
func (d *DSO) HasBuildID() bool {
	return d.hasBuildID
}

// BuildID returns the build id in the layout of build-id records.
func (d *DSO) BuildID() [perfevent.BuildIDSize]byte {
	return d.buildID
}

// BuildIDString returns the hex form of the 20 byte SHA-1 build id.
func (d *DSO) BuildIDString() string {
	if !d.hasBuildID {
		return ""
	}
	return hex.EncodeToString(d.buildID[:20])
}

// Symbols returns the symbol table. It is empty until Load succeeded.
func (d *DSO) Symbols() *Table {
	return d.symbols
}

// Loaded reports whether symbol loading was attempted.
func (d *DSO) Loaded() bool {
	return d.loaded
}

// SetSymbols replaces the symbols, e.g. with a table built by hand.
func (d *DSO) SetSymbols(t *Table) {
	if !t.fixed {
		t.Fixup()
	}
	d.symbols = t
	d.loaded = true
}

// FindSymbol returns the symbol containing addr, or nil.
func (d *DSO) FindSymbol(addr uint64) *Symbol {
	return d.symbols.Find(addr)
}

// LoadConfig selects where symbols and build ids are read from.
type LoadConfig struct {
	// SymfsRoot prefixes every DSO path.
	SymfsRoot string
	// VmlinuxPath is an uncompressed kernel image. When empty or unusable
	// kernel symbols come from KallsymsPath.
	VmlinuxPath  string
	KallsymsPath string
	// KernelNotesPath holds the build id of the running kernel.
	KernelNotesPath string
}

func (c *LoadConfig) symfs(name string) string {
	if c == nil || c.SymfsRoot == "" {
		return name
	}
	return filepath.Join(c.SymfsRoot, name)
}

func (c *LoadConfig) kallsymsPath() string {
	if c == nil || c.KallsymsPath == "" {
		return kallsyms.DefaultPath
	}
	return c.KallsymsPath
}

// Load reads the symbols of the DSO once and returns their number. Zero or
// a negative count means no symbols are available. Kernel DSOs are loaded
// through LoadKernel.
func (d *DSO) Load(cfg *LoadConfig) int {
	if d.loaded {
		return d.symbols.Len()
	}
	d.loaded = true
	if d.Kind != KindUser {
		return d.loadKernel(cfg)
	}
	if strings.HasPrefix(d.LongName, "[") {
		return -1
	}

	for _, variant := range debugVariants(d.LongName) {
		t, err := loadELF(cfg.symfs(variant))
		if err != nil {
			log.Debugf("No symbols in %s: %v", variant, err)
			continue
		}
		if t.Len() == 0 {
			continue
		}
		d.symbols = t
		return t.Len()
	}
	return -1
}

// debugVariants lists the files tried for the symbols of name, separate
// debug info first.
func debugVariants(name string) []string {
	return []string{
		debugDir + name + ".debug",
		debugDir + name,
		name,
	}
}

var errNoFuncSymbols = errors.New("no function symbols")

// loadELF returns the filled symbol table of the ELF file at path. Tables
// are shared through the DSO cache and must not be modified.
func loadELF(path string) (*Table, error) {
	if t, ok := cachedTable(path); ok {
		return t, nil
	}
	ef, err := pfelf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	syms, err := ef.Symbols()
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, errNoFuncSymbols
	}
	t := &Table{}
	for _, s := range syms {
		t.Insert(s.Name, s.Start, s.Size)
	}
	t.Fixup()
	cacheTable(path, t)
	return t, nil
}

// loadKernel prefers the configured vmlinux and falls back to kallsyms
// when the image yields no symbols.
func (d *DSO) loadKernel(cfg *LoadConfig) int {
	if d.Kind == KindGuestKernel {
		return -1
	}
	if cfg != nil && cfg.VmlinuxPath != "" {
		if n, err := d.loadVmlinux(cfg.VmlinuxPath); err == nil && n > 0 {
			return n
		} else if err != nil {
			log.Debugf("Failed to load %s: %v", cfg.VmlinuxPath, err)
		}
	}
	n, err := d.loadKallsyms(cfg.kallsymsPath())
	if err != nil {
		log.Warnf("Failed to load kernel symbols: %v", err)
		return -1
	}
	return n
}

func (d *DSO) loadVmlinux(path string) (int, error) {
	ef, err := pfelf.Open(path)
	if err != nil {
		return -1, err
	}
	defer ef.Close()
	syms, err := ef.VirtualFuncSymbols()
	if err != nil {
		return -1, err
	}
	t := &Table{}
	for _, s := range syms {
		t.Insert(s.Name, s.Start, s.Size)
	}
	t.Fixup()
	d.symbols = t
	return t.Len(), nil
}

// loadKallsyms inserts the text symbols of the kernel and of its modules.
// Their ends follow from the next symbol.
func (d *DSO) loadKallsyms(path string) (int, error) {
	syms, err := kallsyms.Load(path)
	if err != nil {
		return -1, err
	}
	t := &Table{}
	for i := range syms {
		t.Insert(syms[i].Name, uint64(syms[i].Address), 0)
	}
	t.Fixup()
	d.symbols = t
	return t.Len(), nil
}

// ReadBuildID fills in the build id from the image file, or for the host
// kernel from the notes exported by sysfs.
func (d *DSO) ReadBuildID(cfg *LoadConfig) error {
	var (
		id  string
		err error
	)
	switch {
	case d.Kind == KindKernel && d.LongName == KernelName:
		if cfg != nil && cfg.KernelNotesPath != "" {
			id, err = pfelf.GetBuildIDFromNotesFile(cfg.KernelNotesPath)
		} else {
			id, err = kallsyms.BuildID(kallsyms.Kernel)
		}
	case d.Kind != KindUser || strings.HasPrefix(d.LongName, "["):
		return fmt.Errorf("%s has no build id source", d.LongName)
	default:
		id, err = fileBuildID(cfg.symfs(d.LongName))
	}
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("bad build id %q: %w", id, err)
	}
	d.SetBuildID(raw)
	return nil
}

func fileBuildID(path string) (string, error) {
	ef, err := pfelf.Open(path)
	if err != nil {
		return "", err
	}
	defer ef.Close()
	if err := ef.LoadSections(); err != nil {
		return "", err
	}
	return ef.GetBuildID()
}
