// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
)

// Handler processes one decoded record. h is the record header in native
// byte order.
type Handler[E perfevent.Event] func(s *Session, h perfevent.Header, ev E) error

// TracingDataHandler receives the tracing data following a TRACING_DATA
// record.
type TracingDataHandler func(s *Session, h perfevent.Header,
	ev *perfevent.TracingDataEvent, data []byte) error

// Ops selects the handler of each record type. A nil handler only counts
// the records of its type.
type Ops struct {
	Sample      Handler[*perfevent.SampleEvent]
	Mmap        Handler[*perfevent.MmapEvent]
	Comm        Handler[*perfevent.CommEvent]
	Fork        Handler[*perfevent.TaskEvent]
	Exit        Handler[*perfevent.TaskEvent]
	Lost        Handler[*perfevent.LostEvent]
	Read        Handler[*perfevent.ReadEvent]
	Throttle    Handler[*perfevent.ThrottleEvent]
	Unthrottle  Handler[*perfevent.ThrottleEvent]
	Attr        Handler[*perfevent.AttrEvent]
	EventType   Handler[*perfevent.EventTypeEvent]
	TracingData TracingDataHandler
	BuildID     Handler[*perfevent.BuildIDEvent]
}

// DefaultOps returns the handlers that maintain the machine registry and
// the header of a session. Sample stays unset.
func DefaultOps() Ops {
	return Ops{
		Mmap:        ProcessMmap,
		Comm:        ProcessComm,
		Fork:        ProcessTask,
		Exit:        ProcessTask,
		Lost:        ProcessLost,
		Attr:        ProcessAttr,
		EventType:   ProcessEventType,
		TracingData: ProcessTracingData,
		BuildID:     ProcessBuildID,
	}
}

func stub[E perfevent.Event](_ *Session, h perfevent.Header, _ E) error {
	log.Debugf("PERF_RECORD_%s: unhandled", h.Type)
	return nil
}

func fill[E perfevent.Event](h *Handler[E]) {
	if *h == nil {
		*h = stub[E]
	}
}

func (o *Ops) fillDefaults() {
	fill(&o.Sample)
	fill(&o.Mmap)
	fill(&o.Comm)
	fill(&o.Fork)
	fill(&o.Exit)
	fill(&o.Lost)
	fill(&o.Read)
	fill(&o.Throttle)
	fill(&o.Unthrottle)
	fill(&o.Attr)
	fill(&o.EventType)
	fill(&o.BuildID)
	if o.TracingData == nil {
		o.TracingData = func(_ *Session, h perfevent.Header,
			_ *perfevent.TracingDataEvent, _ []byte) error {
			log.Debugf("PERF_RECORD_%s: unhandled", h.Type)
			return nil
		}
	}
}

// ProcessComm sets the command name of the thread.
func ProcessComm(s *Session, _ perfevent.Header, ev *perfevent.CommEvent) error {
	log.Debugf("PERF_RECORD_COMM: %s:%d", ev.Comm, ev.Pid)
	s.machines.Host().FindOrCreateThread(int32(ev.Pid)).SetComm(ev.Comm)
	return nil
}

// ProcessMmap adds the mapping to the machine the record belongs to.
func ProcessMmap(s *Session, h perfevent.Header, ev *perfevent.MmapEvent) error {
	log.Debugf(" %d/%d: [%#x(%#x) @ %#x]: %s",
		int32(ev.Pid), int32(ev.Tid), ev.Start, ev.Len, ev.Pgoff, ev.Filename)
	mode := h.CPUMode()
	m := s.machines.Host()
	if mode.IsGuest() {
		m = s.machines.FindOrCreate(int32(ev.Pid))
	}
	m.ProcessMmap(mode, ev)
	return nil
}

// ProcessTask links a forked thread to its parent. Threads are kept after
// they exit.
func ProcessTask(s *Session, h perfevent.Header, ev *perfevent.TaskEvent) error {
	log.Debugf("(%d:%d):(%d:%d)", ev.Pid, ev.Tid, ev.Ppid, ev.Ptid)
	if ev.Exit || ev.Pid == ev.Ppid {
		return nil
	}
	host := s.machines.Host()
	child := host.FindOrCreateThread(int32(ev.Pid))
	child.Fork(host.FindOrCreateThread(int32(ev.Ppid)))
	return nil
}

// ProcessLost accumulates the number of lost events.
func ProcessLost(s *Session, _ perfevent.Header, ev *perfevent.LostEvent) error {
	log.Debugf(": id:%d: lost:%d", ev.ID, ev.Lost)
	s.stats.Lost += ev.Lost
	return nil
}

// ProcessAttr adds the attribute to the header of a pipe session.
func ProcessAttr(s *Session, _ perfevent.Header, ev *perfevent.AttrEvent) error {
	s.header.AddAttr(ev.Attr, ev.IDs)
	return s.updateSampleType()
}

// ProcessEventType adds the event type to the header.
func ProcessEventType(s *Session, _ perfevent.Header, ev *perfevent.EventTypeEvent) error {
	s.header.PushEventType(ev.ID, ev.Name)
	return nil
}

// ProcessTracingData skips the tracing data. Repiping copies it like every
// other byte of the input.
func ProcessTracingData(_ *Session, _ perfevent.Header,
	ev *perfevent.TracingDataEvent, _ []byte) error {
	log.Debugf("Skipping %d bytes of tracing data", ev.Size)
	return nil
}

// ProcessBuildID attaches the build id to its DSO.
func ProcessBuildID(s *Session, h perfevent.Header, ev *perfevent.BuildIDEvent) error {
	s.machines.ApplyBuildID(&perfdata.BuildIDRecord{Misc: h.Misc, Event: *ev})
	return nil
}
