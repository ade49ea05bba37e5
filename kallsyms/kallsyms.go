// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package kallsyms provides functionality for reading /proc/kallsyms
// and the kernel build id, the inputs for symbolizing kernel addresses.
package kallsyms // import "go.opentelemetry.io/perfsession/kallsyms"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"unsafe"

	"go.opentelemetry.io/perfsession/libpf"
	"go.opentelemetry.io/perfsession/libpf/pfelf"
	"go.opentelemetry.io/perfsession/stringutil"
)

// Kernel is the internal name for "module" containing the built-in symbols
const Kernel = "vmlinux"

// DefaultPath is the kernel symbol table exported by procfs.
const DefaultPath = "/proc/kallsyms"

// pointerBits is the number of bits for pointer. Used to validate data
// from the kernel kallsyms file.
const pointerBits = int(unsafe.Sizeof(libpf.Address(0)) * 8)

var ErrSymbolPermissions = errors.New("unable to read kallsyms addresses - check capabilities")

// Symbol is one text symbol of the running kernel.
type Symbol struct {
	Address libpf.Address
	Name    string
	// Module is Kernel for symbols of the main image.
	Module string
}

// Parse parses /proc/kallsyms format data from the reader 'r'. Only text
// symbols (types T, t, W and w) are returned, in file order. A table where
// every address reads as zero, as kptr_restrict produces, is reported as
// ErrSymbolPermissions.
func Parse(r io.Reader) ([]Symbol, error) {
	var syms []Symbol
	noSymbols := true

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		var fields [4]string
		nFields := stringutil.FieldsN(line, fields[:])
		if nFields < 3 {
			return nil, fmt.Errorf("unexpected line in kallsyms: '%s'", line)
		}

		// Skip non-text symbols, see 'man nm'.
		if strings.IndexByte("TtWw", fields[1][0]) == -1 {
			continue
		}

		address, err := strconv.ParseUint(fields[0], 16, pointerBits)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address value: '%s'", fields[0])
		}
		if address != 0 {
			noSymbols = false
		}

		moduleName := Kernel
		if fields[3] != "" {
			moduleName = fields[3]
			if moduleName[0] != '[' || moduleName[len(moduleName)-1] != ']' {
				return nil, fmt.Errorf("failed to parse module name: '%s'", moduleName)
			}
			moduleName = moduleName[1 : len(moduleName)-1]
		}

		syms = append(syms, Symbol{
			Address: libpf.Address(address),
			Name:    fields[2],
			Module:  moduleName,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if noSymbols {
		return nil, ErrSymbolPermissions
	}
	return syms, nil
}

// Load reads and parses the kallsyms file at path.
func Load(path string) ([]Symbol, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open kallsyms: %v", err)
	}
	defer file.Close()
	return Parse(file)
}

// Readable reports whether the kallsyms file at path exposes real addresses.
func Readable(path string) bool {
	_, err := Load(path)
	return err == nil
}

// notesFile returns the sysfs notes file carrying the build id of a module.
func notesFile(module string) string {
	if module == Kernel {
		return "/sys/kernel/notes"
	}
	return path.Join("/sys/module", module, "notes/.note.gnu.build-id")
}

// BuildID returns the hex build id of the running kernel or of a loaded
// module.
func BuildID(module string) (string, error) {
	return pfelf.GetBuildIDFromNotesFile(notesFile(module))
}
