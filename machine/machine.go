// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package machine keeps track of the host and guest machines of a session,
// their threads, maps and DSOs, and resolves sampled addresses to symbols.
package machine // import "go.opentelemetry.io/perfsession/machine"

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/symbol"
)

// Machine is the host or a guest.
type Machine struct {
	// Pid is perfdata.HostKernelID for the host, the pid of the guest's
	// hypervisor process otherwise.
	Pid int32

	Kernel *symbol.DSOList
	User   *symbol.DSOList

	threads map[int32]*Thread

	// kernelMap spans the kernel image up to the top of the address
	// space. modules holds the maps of the other kernel mmaps.
	kernelMap *Map
	modules   Maps

	cfg *symbol.LoadConfig
	// guestKernel enables resolving guest kernel addresses.
	guestKernel bool
}

func newMachine(pid int32, cfg *symbol.LoadConfig, guestKernel bool) *Machine {
	kind, name := symbol.KindKernel, symbol.KernelName
	if pid != perfdata.HostKernelID {
		kind, name = symbol.KindGuestKernel, symbol.GuestKernelName
	}
	m := &Machine{
		Pid:         pid,
		Kernel:      symbol.NewDSOList(kind),
		User:        symbol.NewDSOList(symbol.KindUser),
		threads:     make(map[int32]*Thread),
		cfg:         cfg,
		guestKernel: guestKernel,
	}
	m.kernelMap = &Map{
		End:      math.MaxUint64,
		DSO:      m.Kernel.FindOrCreate(name),
		identity: true,
	}
	return m
}

// IsHost reports whether m is the host.
func (m *Machine) IsHost() bool {
	return m.Pid == perfdata.HostKernelID
}

// KernelDSO returns the DSO of the kernel image.
func (m *Machine) KernelDSO() *symbol.DSO {
	return m.kernelMap.DSO
}

// KernelMap returns the map of the kernel image.
func (m *Machine) KernelMap() *Map {
	return m.kernelMap
}

// FindThread returns the thread pid, or nil.
func (m *Machine) FindThread(pid int32) *Thread {
	return m.threads[pid]
}

// FindOrCreateThread returns the thread pid, creating it on first use.
func (m *Machine) FindOrCreateThread(pid int32) *Thread {
	t, ok := m.threads[pid]
	if !ok {
		t = newThread(pid)
		m.threads[pid] = t
	}
	return t
}

// Threads returns all threads ordered by pid.
func (m *Machine) Threads() []*Thread {
	pids := slices.Sorted(maps.Keys(m.threads))
	out := make([]*Thread, 0, len(pids))
	for _, pid := range pids {
		out = append(out, m.threads[pid])
	}
	return out
}

// isKernelImage reports whether an mmap of name maps the kernel itself
// rather than a module.
func isKernelImage(name string) bool {
	return strings.HasPrefix(name, "[kernel.kallsyms") ||
		strings.HasPrefix(name, "[guest.kernel.kallsyms")
}

// ProcessMmap records a mapping. Kernel mmaps move the start of the kernel
// map or add a module map; user mmaps go to the thread.
func (m *Machine) ProcessMmap(mode perfevent.CPUMode, ev *perfevent.MmapEvent) {
	if mode.IsKernel() {
		if isKernelImage(ev.Filename) {
			m.kernelMap.Start = ev.Start
			return
		}
		km := NewMap(m.Kernel.FindOrCreate(ev.Filename), ev.Start, ev.Len, ev.Pgoff)
		km.identity = true
		m.modules.Insert(km)
		return
	}
	t := m.FindOrCreateThread(int32(ev.Pid))
	t.InsertMap(NewMap(m.User.FindOrCreate(ev.Filename), ev.Start, ev.Len, ev.Pgoff))
}

// findKernelMap returns the module map containing ip, falling back to the
// kernel image.
func (m *Machine) findKernelMap(ip uint64) *Map {
	if km := m.modules.Find(ip); km != nil {
		return km
	}
	if m.kernelMap.Contains(ip) {
		return m.kernelMap
	}
	return nil
}

// DSOLists returns the kernel and the user DSO list.
func (m *Machine) DSOLists() []*symbol.DSOList {
	return []*symbol.DSOList{m.Kernel, m.User}
}

// Machines is the registry of the host and its guests.
type Machines struct {
	// GuestKernel enables resolving guest kernel samples. It applies to
	// machines created afterwards.
	GuestKernel bool

	host   *Machine
	guests map[int32]*Machine
	cfg    *symbol.LoadConfig
}

// NewMachines returns a registry holding the host. cfg selects where
// symbols are loaded from and may be nil.
func NewMachines(cfg *symbol.LoadConfig) *Machines {
	return &Machines{
		host:   newMachine(perfdata.HostKernelID, cfg, false),
		guests: make(map[int32]*Machine),
		cfg:    cfg,
	}
}

// Host returns the host machine.
func (ms *Machines) Host() *Machine {
	return ms.host
}

// Find returns the machine pid, or nil.
func (ms *Machines) Find(pid int32) *Machine {
	if pid == perfdata.HostKernelID {
		return ms.host
	}
	return ms.guests[pid]
}

// FindOrCreate returns the machine pid, creating a guest on first use.
func (ms *Machines) FindOrCreate(pid int32) *Machine {
	if m := ms.Find(pid); m != nil {
		return m
	}
	m := newMachine(pid, ms.cfg, ms.GuestKernel)
	ms.guests[pid] = m
	log.Debugf("New guest machine %d", pid)
	return m
}

// All returns the host followed by the guests ordered by pid.
func (ms *Machines) All() []*Machine {
	out := []*Machine{ms.host}
	for _, pid := range slices.Sorted(maps.Keys(ms.guests)) {
		out = append(out, ms.guests[pid])
	}
	return out
}

// DSOLists returns the DSO lists of all machines, kernel before user.
func (ms *Machines) DSOLists() []*symbol.DSOList {
	var out []*symbol.DSOList
	for _, m := range ms.All() {
		out = append(out, m.DSOLists()...)
	}
	return out
}

// ApplyBuildID attaches the build id of rec to the DSO it names. Records
// of a cpumode without DSO list are ignored.
func (ms *Machines) ApplyBuildID(rec *perfdata.BuildIDRecord) {
	m := ms.FindOrCreate(rec.Event.Pid)
	var list *symbol.DSOList
	switch rec.CPUMode() {
	case perfevent.CPUModeKernel, perfevent.CPUModeGuestKernel:
		list = m.Kernel
	case perfevent.CPUModeUser, perfevent.CPUModeGuestUser:
		list = m.User
	default:
		log.Debugf("Ignoring build id of %s with cpumode %v",
			rec.Event.Filename, rec.CPUMode())
		return
	}
	d := list.FindOrCreate(rec.Event.Filename)
	d.SetBuildID(rec.Event.BuildID[:])
}

// BuildIDRecords returns a record for every hit DSO with a build id, the
// host first and kernel DSOs before user DSOs.
func (ms *Machines) BuildIDRecords() []perfdata.BuildIDRecord {
	var out []perfdata.BuildIDRecord
	for _, m := range ms.All() {
		kernelMode, userMode := perfevent.CPUModeKernel, perfevent.CPUModeUser
		if !m.IsHost() {
			kernelMode, userMode = perfevent.CPUModeGuestKernel, perfevent.CPUModeGuestUser
		}
		out = appendBuildIDRecords(out, m.Pid, m.Kernel, kernelMode)
		out = appendBuildIDRecords(out, m.Pid, m.User, userMode)
	}
	return out
}

func appendBuildIDRecords(out []perfdata.BuildIDRecord, pid int32,
	list *symbol.DSOList, mode perfevent.CPUMode) []perfdata.BuildIDRecord {
	for _, d := range list.All() {
		if !d.HasBuildID() || !d.Hit {
			continue
		}
		out = append(out, perfdata.BuildIDRecord{
			Misc: uint16(mode),
			Event: perfevent.BuildIDEvent{
				Pid:      pid,
				BuildID:  d.BuildID(),
				Filename: d.LongName,
			},
		})
	}
	return out
}

// ReadBuildIDs reads the missing build ids of all machines' DSOs, only of
// hit ones when withHits is set. It reports whether any DSO has one.
func (ms *Machines) ReadBuildIDs(withHits bool) bool {
	have := false
	for _, l := range ms.DSOLists() {
		if l.ReadBuildIDs(ms.cfg, withHits) {
			have = true
		}
	}
	return have
}

// FprintBuildIDs writes the build ids of all machines' DSOs.
func (ms *Machines) FprintBuildIDs(w io.Writer, withHits bool) error {
	for _, l := range ms.DSOLists() {
		if err := l.FprintBuildIDs(w, withHits); err != nil {
			return fmt.Errorf("failed to print build ids: %w", err)
		}
	}
	return nil
}
