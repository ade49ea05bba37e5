// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfevent defines the perf event records found in perf data
// files and pipes: the common record header, the event attribute, the
// decoded payload of every record type and their wire encoding.
package perfevent // import "go.opentelemetry.io/perfsession/perfevent"

import (
	"encoding/binary"
	"fmt"
)

// RecordType is the type field of a record header.
type RecordType uint32

// Kernel generated records.
const (
	RecordMmap       RecordType = 1
	RecordLost       RecordType = 2
	RecordComm       RecordType = 3
	RecordExit       RecordType = 4
	RecordThrottle   RecordType = 5
	RecordUnthrottle RecordType = 6
	RecordFork       RecordType = 7
	RecordRead       RecordType = 8
	RecordSample     RecordType = 9
)

// Records only produced by the tools, used to carry header data in pipe mode.
const (
	RecordHeaderAttr        RecordType = 64
	RecordHeaderEventType   RecordType = 65
	RecordHeaderTracingData RecordType = 66
	RecordHeaderBuildID     RecordType = 67

	// RecordHeaderMax is one past the last known record type.
	RecordHeaderMax RecordType = 68
)

var recordNames = map[RecordType]string{
	RecordMmap:              "MMAP",
	RecordLost:              "LOST",
	RecordComm:              "COMM",
	RecordExit:              "EXIT",
	RecordThrottle:          "THROTTLE",
	RecordUnthrottle:        "UNTHROTTLE",
	RecordFork:              "FORK",
	RecordRead:              "READ",
	RecordSample:            "SAMPLE",
	RecordHeaderAttr:        "ATTR",
	RecordHeaderEventType:   "EVENT_TYPE",
	RecordHeaderTracingData: "TRACING_DATA",
	RecordHeaderBuildID:     "BUILD_ID",
}

// String returns the name used in PERF_RECORD_<name>, or "UNKNOWN".
func (t RecordType) String() string {
	if name, ok := recordNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Known reports whether t is a record type this package can decode.
func (t RecordType) Known() bool {
	_, ok := recordNames[t]
	return ok
}

// KnownRecordTypes returns all known record types in ascending order.
func KnownRecordTypes() []RecordType {
	return []RecordType{
		RecordMmap, RecordLost, RecordComm, RecordExit, RecordThrottle,
		RecordUnthrottle, RecordFork, RecordRead, RecordSample,
		RecordHeaderAttr, RecordHeaderEventType, RecordHeaderTracingData,
		RecordHeaderBuildID,
	}
}

// HeaderSize is the size of the common record header.
const HeaderSize = 8

// Header is the common header of every record.
type Header struct {
	Type RecordType
	Misc uint16
	// Size includes the header.
	Size uint16
}

// CPUMode is the execution mode stored in the low bits of Header.Misc.
type CPUMode uint16

const (
	CPUModeMask        = 7
	CPUModeUnknown     CPUMode = 0
	CPUModeKernel      CPUMode = 1
	CPUModeUser        CPUMode = 2
	CPUModeHypervisor  CPUMode = 3
	CPUModeGuestKernel CPUMode = 4
	CPUModeGuestUser   CPUMode = 5
)

// CPUMode extracts the execution mode from Misc.
func (h Header) CPUMode() CPUMode {
	return CPUMode(h.Misc & CPUModeMask)
}

// IsGuest reports whether the mode belongs to a guest machine.
func (m CPUMode) IsGuest() bool {
	return m == CPUModeGuestKernel || m == CPUModeGuestUser
}

// IsKernel reports whether the mode is the host or guest kernel.
func (m CPUMode) IsKernel() bool {
	return m == CPUModeKernel || m == CPUModeGuestKernel
}

func (m CPUMode) String() string {
	switch m {
	case CPUModeKernel:
		return "kernel"
	case CPUModeUser:
		return "user"
	case CPUModeHypervisor:
		return "hypervisor"
	case CPUModeGuestKernel:
		return "guest-kernel"
	case CPUModeGuestUser:
		return "guest-user"
	default:
		return "unknown"
	}
}

// Callchain context markers. Entries at or above ContextMax switch the
// execution mode of the following addresses.
const (
	ContextHV          = ^uint64(32 - 1)
	ContextKernel      = ^uint64(128 - 1)
	ContextUser        = ^uint64(512 - 1)
	ContextGuest       = ^uint64(2048 - 1)
	ContextGuestKernel = ^uint64(2176 - 1)
	ContextGuestUser   = ^uint64(2560 - 1)
	ContextMax         = ^uint64(4095 - 1)
)

// SampleType bits select the fields of a sample record.
type SampleType uint64

const (
	SampleIP        SampleType = 1 << 0
	SampleTID       SampleType = 1 << 1
	SampleTime      SampleType = 1 << 2
	SampleAddr      SampleType = 1 << 3
	SampleRead      SampleType = 1 << 4
	SampleCallchain SampleType = 1 << 5
	SampleID        SampleType = 1 << 6
	SampleCPU       SampleType = 1 << 7
	SamplePeriod    SampleType = 1 << 8
	SampleStreamID  SampleType = 1 << 9
	SampleRaw       SampleType = 1 << 10
)

// Has reports whether all bits of f are set.
func (s SampleType) Has(f SampleType) bool {
	return s&f == f
}

// Attr flag bits.
const (
	AttrFlagDisabled      uint64 = 1 << 0
	AttrFlagInherit       uint64 = 1 << 1
	AttrFlagPinned        uint64 = 1 << 2
	AttrFlagExclusive     uint64 = 1 << 3
	AttrFlagExcludeUser   uint64 = 1 << 4
	AttrFlagExcludeKernel uint64 = 1 << 5
	AttrFlagExcludeHV     uint64 = 1 << 6
	AttrFlagExcludeIdle   uint64 = 1 << 7
	AttrFlagMmap          uint64 = 1 << 8
	AttrFlagComm          uint64 = 1 << 9
	AttrFlagFreq          uint64 = 1 << 10
	AttrFlagInheritStat   uint64 = 1 << 11
	AttrFlagEnableOnExec  uint64 = 1 << 12
	AttrFlagTask          uint64 = 1 << 13
	AttrFlagWatermark     uint64 = 1 << 14
	attrPreciseIPShift           = 15
	AttrFlagMmapData      uint64 = 1 << 17
	AttrFlagSampleIDAll   uint64 = 1 << 18
)

// AttrSize is the encoded size of an Attr (PERF_ATTR_SIZE_VER1).
const AttrSize = 72

// Attr mirrors struct perf_event_attr as stored in data files.
type Attr struct {
	Type uint32
	// Size is the encoded size. Zero encodes as AttrSize.
	Size uint32
	Config uint64
	// SamplePeriod holds the sample frequency when AttrFlagFreq is set.
	SamplePeriod uint64
	SampleType   SampleType
	ReadFormat   uint64
	Flags        uint64
	WakeupEvents uint32
	BPType       uint32
	Config1      uint64
	Config2      uint64
}

// PreciseIP returns the two bit skid constraint.
func (a *Attr) PreciseIP() uint8 {
	return uint8(a.Flags>>attrPreciseIPShift) & 3
}

// Encode appends the encoded attribute to b.
func (a *Attr) Encode(b []byte, order ByteOrder) []byte {
	size := a.Size
	if size == 0 {
		size = AttrSize
	}
	b = order.AppendUint32(b, a.Type)
	b = order.AppendUint32(b, size)
	b = order.AppendUint64(b, a.Config)
	b = order.AppendUint64(b, a.SamplePeriod)
	b = order.AppendUint64(b, uint64(a.SampleType))
	b = order.AppendUint64(b, a.ReadFormat)
	b = order.AppendUint64(b, a.Flags)
	b = order.AppendUint32(b, a.WakeupEvents)
	b = order.AppendUint32(b, a.BPType)
	b = order.AppendUint64(b, a.Config1)
	b = order.AppendUint64(b, a.Config2)
	return b
}

// DecodeAttr decodes an attribute from the first AttrSize bytes of b.
// Larger attributes of newer writers are accepted, the extra fields are
// ignored.
func DecodeAttr(b []byte, order ByteOrder) (Attr, error) {
	if len(b) < AttrSize {
		return Attr{}, fmt.Errorf("attr of %d bytes is too short", len(b))
	}
	return Attr{
		Type:         order.Uint32(b[0:]),
		Size:         order.Uint32(b[4:]),
		Config:       order.Uint64(b[8:]),
		SamplePeriod: order.Uint64(b[16:]),
		SampleType:   SampleType(order.Uint64(b[24:])),
		ReadFormat:   order.Uint64(b[32:]),
		Flags:        order.Uint64(b[40:]),
		WakeupEvents: order.Uint32(b[48:]),
		BPType:       order.Uint32(b[52:]),
		Config1:      order.Uint64(b[56:]),
		Config2:      order.Uint64(b[64:]),
	}, nil
}

// EventTypeNameLen is the size of the name field of an event type entry.
const EventTypeNameLen = 64

// EventTypeSize is the encoded size of an event type entry.
const EventTypeSize = 8 + EventTypeNameLen

// EventType maps an event config to its symbolic name.
type EventType struct {
	ID   uint64
	Name string
}

// Encode appends the 72 byte entry, truncating the name to 63 bytes.
func (e *EventType) Encode(b []byte, order ByteOrder) []byte {
	b = order.AppendUint64(b, e.ID)
	var name [EventTypeNameLen]byte
	copy(name[:EventTypeNameLen-1], e.Name)
	return append(b, name[:]...)
}

// ByteOrder decodes and appends fixed size integers.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// NativeEndian is the byte order records are decoded in after swapping.
var NativeEndian ByteOrder = binary.NativeEndian

// OppositeEndian returns the byte order a foreign-endian writer used.
func OppositeEndian() ByteOrder {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
