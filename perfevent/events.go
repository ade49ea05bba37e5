// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perfsession/perfevent"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/perfsession/libpf"
	"go.opentelemetry.io/perfsession/stringutil"
)

var (
	// ErrTruncated is returned when a payload is shorter than its layout.
	ErrTruncated = errors.New("truncated record")
	// ErrUnsupportedSample is returned for sample layouts that can not be
	// decoded, such as PERF_SAMPLE_READ.
	ErrUnsupportedSample = errors.New("unsupported sample type")
	// ErrUnknownRecord is returned when decoding a record of unknown type.
	ErrUnknownRecord = errors.New("unknown record type")
	// ErrRecordTooLarge is returned when an encoded record exceeds the 16 bit size field.
	ErrRecordTooLarge = errors.New("record too large")
)

// BuildIDSize is the size of the build id field of a build id record.
// Only the first 20 bytes are used by SHA-1 build ids.
const BuildIDSize = 24

// BuildIDNameAlign is the alignment of the file name of build id records.
const BuildIDNameAlign = 64

// BuildIDFixedSize is the size of a build id record without its file name.
const BuildIDFixedSize = HeaderSize + 4 + BuildIDSize

// Event is the decoded payload of a record.
type Event interface {
	Type() RecordType
}

// MmapEvent reports a new executable mapping.
type MmapEvent struct {
	Pid, Tid   uint32
	Start, Len uint64
	Pgoff      uint64
	Filename   string
}

// CommEvent reports the command name of a thread.
type CommEvent struct {
	Pid, Tid uint32
	Comm     string
}

// TaskEvent is a FORK or, when Exit is set, an EXIT record.
type TaskEvent struct {
	Exit      bool
	Pid, Ppid uint32
	Tid, Ptid uint32
	Time      uint64
}

// LostEvent reports events dropped by the kernel.
type LostEvent struct {
	ID, Lost uint64
}

// ThrottleEvent is a THROTTLE or, when Unthrottle is set, an UNTHROTTLE record.
type ThrottleEvent struct {
	Unthrottle bool
	Time       uint64
	ID         uint64
	StreamID   uint64
}

// ReadEvent holds a counter value.
type ReadEvent struct {
	Pid, Tid    uint32
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
	ID          uint64
}

// SampleEvent holds the fields selected by the sample type of its attribute.
type SampleEvent struct {
	IP        uint64
	Pid, Tid  uint32
	Time      uint64
	Addr      uint64
	ID        uint64
	StreamID  uint64
	CPU       uint32
	Period    uint64
	Callchain []uint64
	Raw       []byte
}

// AttrEvent carries an event attribute and its ids in pipe mode.
type AttrEvent struct {
	Attr Attr
	IDs  []uint64
}

// EventTypeEvent carries an event type entry in pipe mode.
type EventTypeEvent struct {
	EventType
}

// TracingDataEvent announces Size bytes of tracing data following the record.
type TracingDataEvent struct {
	Size uint32
}

// BuildIDEvent associates a file with its build id.
type BuildIDEvent struct {
	Pid      int32
	BuildID  [BuildIDSize]byte
	Filename string
}

// TracingDataRecordSize is the size of a TRACING_DATA record without the
// trailing data.
const TracingDataRecordSize = HeaderSize + 8

func (*MmapEvent) Type() RecordType { return RecordMmap }
func (*CommEvent) Type() RecordType { return RecordComm }
func (*LostEvent) Type() RecordType { return RecordLost }
func (*ReadEvent) Type() RecordType { return RecordRead }
func (*SampleEvent) Type() RecordType { return RecordSample }
func (*AttrEvent) Type() RecordType { return RecordHeaderAttr }
func (*EventTypeEvent) Type() RecordType { return RecordHeaderEventType }
func (*BuildIDEvent) Type() RecordType { return RecordHeaderBuildID }

func (*TracingDataEvent) Type() RecordType {
	return RecordHeaderTracingData
}

func (e *TaskEvent) Type() RecordType {
	if e.Exit {
		return RecordExit
	}
	return RecordFork
}

func (e *ThrottleEvent) Type() RecordType {
	if e.Unthrottle {
		return RecordUnthrottle
	}
	return RecordThrottle
}

// DecodeHeader decodes the record header at the start of b.
func DecodeHeader(b []byte, order ByteOrder) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		Type: RecordType(order.Uint32(b)),
		Misc: order.Uint16(b[4:]),
		Size: order.Uint16(b[6:]),
	}, nil
}

// PutHeader encodes h into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header, order ByteOrder) {
	order.PutUint32(b, uint32(h.Type))
	order.PutUint16(b[4:], h.Misc)
	order.PutUint16(b[6:], h.Size)
}

// reader is a bounds checked cursor over a payload.
type reader struct {
	b     []byte
	order ByteOrder
	err   error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = ErrTruncated
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) u32() uint32 {
	if v := r.take(4); v != nil {
		return r.order.Uint32(v)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if v := r.take(8); v != nil {
		return r.order.Uint64(v)
	}
	return 0
}

// Decode decodes the payload of a record, which excludes the header.
// Samples are decoded according to sampleType.
func Decode(h Header, payload []byte, sampleType SampleType, order ByteOrder) (Event, error) {
	r := &reader{b: payload, order: order}
	var ev Event
	switch h.Type {
	case RecordMmap:
		e := &MmapEvent{Pid: r.u32(), Tid: r.u32(), Start: r.u64(), Len: r.u64(), Pgoff: r.u64()}
		e.Filename = stringutil.CString(r.b)
		ev = e
	case RecordComm:
		e := &CommEvent{Pid: r.u32(), Tid: r.u32()}
		e.Comm = stringutil.CString(r.b)
		ev = e
	case RecordFork, RecordExit:
		ev = &TaskEvent{Exit: h.Type == RecordExit,
			Pid: r.u32(), Ppid: r.u32(), Tid: r.u32(), Ptid: r.u32(), Time: r.u64()}
	case RecordLost:
		ev = &LostEvent{ID: r.u64(), Lost: r.u64()}
	case RecordThrottle, RecordUnthrottle:
		ev = &ThrottleEvent{Unthrottle: h.Type == RecordUnthrottle,
			Time: r.u64(), ID: r.u64(), StreamID: r.u64()}
	case RecordRead:
		ev = &ReadEvent{Pid: r.u32(), Tid: r.u32(), Value: r.u64(),
			TimeEnabled: r.u64(), TimeRunning: r.u64(), ID: r.u64()}
	case RecordSample:
		s, err := DecodeSample(payload, sampleType, order)
		if err != nil {
			return nil, err
		}
		return s, nil
	case RecordHeaderAttr:
		return decodeAttrEvent(payload, order)
	case RecordHeaderEventType:
		e := &EventTypeEvent{}
		e.ID = r.u64()
		e.Name = stringutil.CString(r.take(min(len(r.b), EventTypeNameLen)))
		ev = e
	case RecordHeaderTracingData:
		ev = &TracingDataEvent{Size: r.u32()}
	case RecordHeaderBuildID:
		e := &BuildIDEvent{Pid: int32(r.u32())}
		copy(e.BuildID[:], r.take(BuildIDSize))
		e.Filename = stringutil.CString(r.b)
		ev = e
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownRecord, h.Type)
	}
	if r.err != nil {
		return nil, fmt.Errorf("PERF_RECORD_%s: %w", h.Type, r.err)
	}
	return ev, nil
}

func decodeAttrEvent(payload []byte, order ByteOrder) (Event, error) {
	attr, err := DecodeAttr(payload, order)
	if err != nil {
		return nil, fmt.Errorf("PERF_RECORD_ATTR: %w", err)
	}
	size := int(attr.Size)
	if size < AttrSize || size > len(payload) {
		size = AttrSize
	}
	ids := payload[size:]
	e := &AttrEvent{Attr: attr, IDs: make([]uint64, len(ids)/8)}
	for i := range e.IDs {
		e.IDs[i] = order.Uint64(ids[i*8:])
	}
	return e, nil
}

// DecodeSample decodes a sample payload. Fields are laid out in the order
// the kernel writes them, which differs from the bit order for ID,
// STREAM_ID, CPU and PERIOD.
func DecodeSample(payload []byte, sampleType SampleType, order ByteOrder) (*SampleEvent, error) {
	if sampleType.Has(SampleRead) {
		return nil, fmt.Errorf("%w: PERF_SAMPLE_READ", ErrUnsupportedSample)
	}
	r := &reader{b: payload, order: order}
	s := &SampleEvent{}
	if sampleType.Has(SampleIP) {
		s.IP = r.u64()
	}
	if sampleType.Has(SampleTID) {
		s.Pid, s.Tid = r.u32(), r.u32()
	}
	if sampleType.Has(SampleTime) {
		s.Time = r.u64()
	}
	if sampleType.Has(SampleAddr) {
		s.Addr = r.u64()
	}
	if sampleType.Has(SampleID) {
		s.ID = r.u64()
	}
	if sampleType.Has(SampleStreamID) {
		s.StreamID = r.u64()
	}
	if sampleType.Has(SampleCPU) {
		s.CPU = r.u32()
		_ = r.u32()
	}
	if sampleType.Has(SamplePeriod) {
		s.Period = r.u64()
	}
	if sampleType.Has(SampleCallchain) {
		nr := r.u64()
		if nr > uint64(len(r.b)/8) {
			return nil, fmt.Errorf("callchain of %d entries: %w", nr, ErrTruncated)
		}
		s.Callchain = make([]uint64, nr)
		for i := range s.Callchain {
			s.Callchain[i] = r.u64()
		}
	}
	if sampleType.Has(SampleRaw) {
		size := r.u32()
		s.Raw = r.take(int(size))
	}
	if r.err != nil {
		return nil, fmt.Errorf("PERF_RECORD_SAMPLE: %w", r.err)
	}
	return s, nil
}

// TimeOf extracts the timestamp of a sample payload without decoding
// the whole sample. It returns false when the sample type has no time.
func TimeOf(payload []byte, sampleType SampleType, order ByteOrder) (uint64, bool) {
	if !sampleType.Has(SampleTime) {
		return 0, false
	}
	off := 0
	if sampleType.Has(SampleIP) {
		off += 8
	}
	if sampleType.Has(SampleTID) {
		off += 8
	}
	if len(payload) < off+8 {
		return 0, false
	}
	return order.Uint64(payload[off:]), true
}

func appendString(b []byte, s string, align int) []byte {
	padded := libpf.AlignUp(len(s)+1, align)
	b = append(b, s...)
	return append(b, make([]byte, padded-len(s))...)
}

// Encode returns the complete record for ev, header included. Samples are
// encoded according to sampleType.
func Encode(ev Event, misc uint16, sampleType SampleType, order ByteOrder) ([]byte, error) {
	b := make([]byte, HeaderSize, 64)
	switch e := ev.(type) {
	case *MmapEvent:
		b = order.AppendUint32(b, e.Pid)
		b = order.AppendUint32(b, e.Tid)
		b = order.AppendUint64(b, e.Start)
		b = order.AppendUint64(b, e.Len)
		b = order.AppendUint64(b, e.Pgoff)
		b = appendString(b, e.Filename, 8)
	case *CommEvent:
		b = order.AppendUint32(b, e.Pid)
		b = order.AppendUint32(b, e.Tid)
		b = appendString(b, e.Comm, 8)
	case *TaskEvent:
		b = order.AppendUint32(b, e.Pid)
		b = order.AppendUint32(b, e.Ppid)
		b = order.AppendUint32(b, e.Tid)
		b = order.AppendUint32(b, e.Ptid)
		b = order.AppendUint64(b, e.Time)
	case *LostEvent:
		b = order.AppendUint64(b, e.ID)
		b = order.AppendUint64(b, e.Lost)
	case *ThrottleEvent:
		b = order.AppendUint64(b, e.Time)
		b = order.AppendUint64(b, e.ID)
		b = order.AppendUint64(b, e.StreamID)
	case *ReadEvent:
		b = order.AppendUint32(b, e.Pid)
		b = order.AppendUint32(b, e.Tid)
		b = order.AppendUint64(b, e.Value)
		b = order.AppendUint64(b, e.TimeEnabled)
		b = order.AppendUint64(b, e.TimeRunning)
		b = order.AppendUint64(b, e.ID)
	case *SampleEvent:
		var err error
		if b, err = appendSample(b, e, sampleType, order); err != nil {
			return nil, err
		}
	case *AttrEvent:
		attr := e.Attr
		attr.Size = AttrSize
		b = attr.Encode(b, order)
		for _, id := range e.IDs {
			b = order.AppendUint64(b, id)
		}
	case *EventTypeEvent:
		b = order.AppendUint64(b, e.ID)
		name := e.Name
		if len(name) > EventTypeNameLen-1 {
			name = name[:EventTypeNameLen-1]
		}
		b = appendString(b, name, 8)
	case *TracingDataEvent:
		b = order.AppendUint32(b, e.Size)
		b = order.AppendUint32(b, 0)
	case *BuildIDEvent:
		b = order.AppendUint32(b, uint32(e.Pid))
		b = append(b, e.BuildID[:]...)
		b = appendString(b, e.Filename, BuildIDNameAlign)
	default:
		return nil, fmt.Errorf("%w %T", ErrUnknownRecord, ev)
	}
	if len(b) > 0xffff {
		return nil, fmt.Errorf("PERF_RECORD_%s of %d bytes: %w",
			ev.Type(), len(b), ErrRecordTooLarge)
	}
	PutHeader(b, Header{Type: ev.Type(), Misc: misc, Size: uint16(len(b))}, order)
	return b, nil
}

func appendSample(b []byte, s *SampleEvent, sampleType SampleType,
	order ByteOrder) ([]byte, error) {
	if sampleType.Has(SampleRead) {
		return nil, fmt.Errorf("%w: PERF_SAMPLE_READ", ErrUnsupportedSample)
	}
	if sampleType.Has(SampleIP) {
		b = order.AppendUint64(b, s.IP)
	}
	if sampleType.Has(SampleTID) {
		b = order.AppendUint32(b, s.Pid)
		b = order.AppendUint32(b, s.Tid)
	}
	if sampleType.Has(SampleTime) {
		b = order.AppendUint64(b, s.Time)
	}
	if sampleType.Has(SampleAddr) {
		b = order.AppendUint64(b, s.Addr)
	}
	if sampleType.Has(SampleID) {
		b = order.AppendUint64(b, s.ID)
	}
	if sampleType.Has(SampleStreamID) {
		b = order.AppendUint64(b, s.StreamID)
	}
	if sampleType.Has(SampleCPU) {
		b = order.AppendUint32(b, s.CPU)
		b = order.AppendUint32(b, 0)
	}
	if sampleType.Has(SamplePeriod) {
		b = order.AppendUint64(b, s.Period)
	}
	if sampleType.Has(SampleCallchain) {
		b = order.AppendUint64(b, uint64(len(s.Callchain)))
		for _, ip := range s.Callchain {
			b = order.AppendUint64(b, ip)
		}
	}
	if sampleType.Has(SampleRaw) {
		b = order.AppendUint32(b, uint32(len(s.Raw)))
		b = append(b, s.Raw...)
		b = append(b, make([]byte, libpf.AlignUp(len(b), 8)-len(b))...)
	}
	return b, nil
}
