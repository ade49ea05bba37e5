// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package machine // import "go.opentelemetry.io/perfsession/machine"

import "strconv"

// Thread is a task seen in the event stream. Threads live until the
// session ends, EXIT records do not remove them.
type Thread struct {
	Pid int32

	comm    string
	commSet bool
	parent  *Thread
	maps    Maps
}

func newThread(pid int32) *Thread {
	return &Thread{Pid: pid, comm: ":" + strconv.Itoa(int(pid))}
}

// Comm returns the command name, ":<pid>" until one was set or inherited.
func (t *Thread) Comm() string {
	return t.comm
}

// CommSet reports whether the command name came from a COMM record or the
// parent.
func (t *Thread) CommSet() bool {
	return t.commSet
}

// SetComm sets the command name.
func (t *Thread) SetComm(comm string) {
	t.comm = comm
	t.commSet = true
}

// Parent returns the thread t was forked from, or nil.
func (t *Thread) Parent() *Thread {
	return t.parent
}

// Fork links t to parent. t inherits the parent's command name, when the
// parent has one, and its maps.
func (t *Thread) Fork(parent *Thread) {
	t.parent = parent
	if parent.commSet {
		t.SetComm(parent.comm)
	}
	for _, m := range parent.maps.All() {
		t.maps.Insert(m)
	}
}

// InsertMap adds m to the thread's address space.
func (t *Thread) InsertMap(m *Map) {
	t.maps.Insert(m)
}

// FindMap returns the map of the thread containing ip, or nil.
func (t *Thread) FindMap(ip uint64) *Map {
	return t.maps.Find(ip)
}

// Maps returns the maps of the thread.
func (t *Thread) Maps() *Maps {
	return &t.maps
}
