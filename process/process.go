// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/perfsession/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/stringutil"
)

// GetMappings returns this error when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// DefaultRoot is the procfs mount point.
const DefaultRoot = "/proc"

// systemProcess provides an implementation of the Process interface for a
// process visible under a procfs mount.
type systemProcess struct {
	root string
	pid  int32
	tid  int32
}

var _ Process = &systemProcess{}

var bufPool sync.Pool

// mappingParseBufferSize defines the initial buffer size used to store lines from
// /proc/PID/maps during parsing of mappings.
const mappingParseBufferSize = 256

func init() {
	bufPool = sync.Pool{
		New: func() any {
			buf := make([]byte, mappingParseBufferSize)
			return &buf
		},
	}
}

// New returns an object with Process interface accessing it
func New(pid, tid int32) Process {
	return NewWithRoot(DefaultRoot, pid, tid)
}

// NewWithRoot is New for a procfs mounted at root.
func NewWithRoot(root string, pid, tid int32) Process {
	return &systemProcess{
		root: root,
		pid:  pid,
		tid:  tid,
	}
}

func (sp *systemProcess) PID() int32 {
	return sp.pid
}

func (sp *systemProcess) procPath(elems ...string) string {
	return filepath.Join(append([]string{sp.root, strconv.Itoa(int(sp.pid))}, elems...)...)
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

func parseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanBuf := bufPool.Get().(*[]byte)
	if scanBuf == nil {
		return mappings, 0, errors.New("failed to get memory from sync pool")
	}
	defer func() {
		// Reset memory and return it for reuse.
		for j := 0; j < len(*scanBuf); j++ {
			(*scanBuf)[j] = 0x0
		}
		bufPool.Put(scanBuf)
	}()

	scanner.Buffer(*scanBuf, 8192)
	for scanner.Scan() {
		var fields [6]string
		var addrs [2]string
		var devs [2]string

		line := scanner.Text()
		if stringutil.FieldsN(line, fields[:]) < 5 {
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[0], "-", addrs[:]) < 2 {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}

		if stringutil.SplitN(fields[3], ":", devs[:]) < 2 {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(devs[0], 16, 64)
		if err != nil {
			log.Debugf("major device: failed to convert %s to uint64: %v", devs[0], err)
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(devs[1], 16, 64)
		if err != nil {
			log.Debugf("minor device: failed to convert %s to uint64: %v", devs[1], err)
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if inode == 0 {
			switch fields[5] {
			case VdsoPathName:
				path = VdsoPathName
			case "":
				// This is an anonymous mapping, keep it
			default:
				// Ignore other pseudo-files such as [heap] or [stack]
				continue
			}
		} else {
			path = trimMappingPath(fields[5])
		}

		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", addrs[0], err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			log.Debugf("vend: failed to convert %s to uint64: %v", addrs[1], err)
			numParseErrors++
			continue
		}

		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("fileOffset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// GetMappings will process the mappings file from proc. When the main thread
// has exited its maps file is empty, and the file of the thread this object
// was created for is tried instead.
func (sp *systemProcess) GetMappings() ([]Mapping, uint32, error) {
	mapsFile, err := os.Open(sp.procPath("maps"))
	if err != nil {
		return nil, 0, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if err != nil {
		return mappings, numParseErrors, err
	}
	if len(mappings) > 0 {
		return mappings, numParseErrors, nil
	}

	log.Debugf("PID: %v main thread exit", sp.pid)
	if sp.pid == sp.tid {
		return mappings, numParseErrors, ErrNoMappings
	}

	log.Debugf("TID: %v extracting mappings", sp.tid)
	mapsFileAlt, err := os.Open(sp.procPath("task", strconv.Itoa(int(sp.tid)), "maps"))
	if err != nil {
		return mappings, numParseErrors, ErrNoMappings
	}
	defer mapsFileAlt.Close()
	mappings, numParseErrors, err = parseMappings(mapsFileAlt)
	if err != nil || len(mappings) == 0 {
		return mappings, numParseErrors, ErrNoMappings
	}
	return mappings, numParseErrors, nil
}

// String implements fmt.Stringer.
func (sp *systemProcess) String() string {
	return fmt.Sprintf("%s/%d", sp.root, sp.pid)
}
