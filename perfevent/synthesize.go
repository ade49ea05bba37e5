// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perfsession/perfevent"

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/kallsyms"
	"go.opentelemetry.io/perfsession/proc"
	"go.opentelemetry.io/perfsession/process"
)

// KernelMmapName is the file name of the synthesized kernel text mapping.
const KernelMmapName = "[kernel.kallsyms]._text"

// hostKernelPid is the pid of kernel mappings of the host machine.
const hostKernelPid = ^uint32(0)

// EmitFunc receives a synthesized event and the misc bits of its header.
type EmitFunc func(misc uint16, ev Event) error

// Synthesizer produces the COMM and MMAP events of already running
// processes from a procfs mount.
type Synthesizer struct {
	root string
}

// NewSynthesizer returns a Synthesizer reading procfs at root, or /proc
// when root is empty.
func NewSynthesizer(root string) *Synthesizer {
	if root == "" {
		root = process.DefaultRoot
	}
	return &Synthesizer{root: root}
}

// Task emits one COMM event per thread of pid followed by one MMAP event
// per executable mapping. A process that vanishes while it is inspected
// is not an error, the events gathered up to that point are kept. It
// returns the number of events emitted.
func (sy *Synthesizer) Task(pid int32, emit EmitFunc) (int, error) {
	tids, err := proc.ListTIDs(sy.root, pid)
	if err != nil {
		log.Debugf("PID %d exited before synthesis: %v", pid, err)
		return 0, nil
	}

	taskFS, err := procfs.NewFS(filepath.Join(sy.root, strconv.Itoa(int(pid)), "task"))
	if err != nil {
		return 0, nil
	}

	n := 0
	tgid := uint32(pid)
	for _, tid := range tids {
		task, err := taskFS.Proc(int(tid))
		if err != nil {
			continue
		}
		status, err := task.NewStatus()
		if err != nil {
			log.Debugf("Skipping TID %d of %d: %v", tid, pid, err)
			continue
		}
		if status.TGID > 0 {
			tgid = uint32(status.TGID)
		}
		if err := emit(uint16(CPUModeUser), &CommEvent{
			Pid:  tgid,
			Tid:  uint32(tid),
			Comm: status.Name,
		}); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}

	mappings, _, err := process.NewWithRoot(sy.root, pid, pid).GetMappings()
	if err != nil {
		log.Debugf("No mappings for PID %d: %v", pid, err)
		return n, nil
	}
	for i := range mappings {
		m := &mappings[i]
		if !m.IsExecutable() || (m.IsAnonymous() && !m.IsVDSO()) {
			continue
		}
		if err := emit(uint16(CPUModeUser), &MmapEvent{
			Pid:      tgid,
			Tid:      uint32(pid),
			Start:    m.Vaddr,
			Len:      m.Length,
			Pgoff:    m.FileOffset,
			Filename: m.Path,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Threads runs Task for every process visible in procfs.
func (sy *Synthesizer) Threads(emit EmitFunc) (int, error) {
	pids, err := proc.ListPIDs(sy.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}
	total := 0
	for _, pid := range pids {
		n, err := sy.Task(pid, emit)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// KernelMmap emits the MMAP event of the kernel text mapping, which starts
// at the _text symbol of the kallsyms file at path. Restricted kallsyms
// yield kallsyms.ErrSymbolPermissions.
func KernelMmap(path string, emit EmitFunc) error {
	syms, err := kallsyms.Load(path)
	if err != nil {
		return err
	}
	var start uint64
	found := false
	for _, name := range []string{"_text", "_stext"} {
		for i := range syms {
			if syms[i].Name == name && syms[i].Module == kallsyms.Kernel {
				start, found = uint64(syms[i].Address), true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return errors.New("no _text symbol in kallsyms")
	}
	return emit(uint16(CPUModeKernel), &MmapEvent{
		Pid:      hostKernelPid,
		Start:    start,
		Len:      ^uint64(0) - start,
		Pgoff:    start,
		Filename: KernelMmapName,
	})
}
