// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perfsession/perfevent"

import "math/bits"

// swapper byte swaps fixed size fields in place. Fields beyond the end of
// the buffer are left alone, decoding reports the truncation later.
type swapper struct {
	b   []byte
	off int
}

func (s *swapper) u16() {
	if s.off+2 <= len(s.b) {
		s.b[s.off], s.b[s.off+1] = s.b[s.off+1], s.b[s.off]
	}
	s.off += 2
}

func (s *swapper) u32() uint32 {
	var v uint32
	if s.off+4 <= len(s.b) {
		v = bits.ReverseBytes32(NativeEndian.Uint32(s.b[s.off:]))
		NativeEndian.PutUint32(s.b[s.off:], v)
	}
	s.off += 4
	return v
}

func (s *swapper) u64() uint64 {
	var v uint64
	if s.off+8 <= len(s.b) {
		v = bits.ReverseBytes64(NativeEndian.Uint64(s.b[s.off:]))
		NativeEndian.PutUint64(s.b[s.off:], v)
	}
	s.off += 8
	return v
}

func (s *swapper) u64s(n int) {
	for range n {
		s.u64()
	}
}

// rest returns the number of 8 byte words left.
func (s *swapper) rest() int {
	if s.off >= len(s.b) {
		return 0
	}
	return (len(s.b) - s.off) / 8
}

// swapFunc swaps the payload of one record type in place.
type swapFunc func(s *swapper, sampleType SampleType)

var swapTable = map[RecordType]swapFunc{
	RecordMmap: func(s *swapper, _ SampleType) {
		s.u32()
		s.u32()
		s.u64s(3)
	},
	RecordComm: func(s *swapper, _ SampleType) {
		s.u32()
		s.u32()
	},
	RecordFork: swapTask,
	RecordExit: swapTask,
	RecordLost: func(s *swapper, _ SampleType) {
		s.u64s(2)
	},
	RecordThrottle:   swapThrottle,
	RecordUnthrottle: swapThrottle,
	RecordRead: func(s *swapper, _ SampleType) {
		s.u32()
		s.u32()
		s.u64s(4)
	},
	RecordSample:     swapSample,
	RecordHeaderAttr: swapAttrEvent,
	RecordHeaderEventType: func(s *swapper, _ SampleType) {
		s.u64()
	},
	RecordHeaderTracingData: func(s *swapper, _ SampleType) {
		s.u32()
	},
	RecordHeaderBuildID: func(s *swapper, _ SampleType) {
		s.u32()
	},
}

func swapTask(s *swapper, _ SampleType) {
	for range 4 {
		s.u32()
	}
	s.u64()
}

func swapThrottle(s *swapper, _ SampleType) {
	s.u64s(3)
}

func swapSample(s *swapper, sampleType SampleType) {
	if sampleType.Has(SampleIP) {
		s.u64()
	}
	if sampleType.Has(SampleTID) {
		s.u32()
		s.u32()
	}
	for _, f := range []SampleType{SampleTime, SampleAddr, SampleID, SampleStreamID} {
		if sampleType.Has(f) {
			s.u64()
		}
	}
	if sampleType.Has(SampleCPU) {
		s.u32()
		s.u32()
	}
	if sampleType.Has(SamplePeriod) {
		s.u64()
	}
	if sampleType.Has(SampleRead) {
		// Unsupported layout, decoding rejects it.
		return
	}
	if sampleType.Has(SampleCallchain) {
		nr := s.u64()
		s.u64s(int(min(nr, uint64(s.rest()))))
	}
	if sampleType.Has(SampleRaw) {
		s.u32()
	}
}

func swapAttr(s *swapper) {
	s.u32()
	s.u32()
	s.u64s(5)
	s.u32()
	s.u32()
	s.u64s(2)
}

func swapAttrEvent(s *swapper, _ SampleType) {
	swapAttr(s)
	if len(s.b) >= 8 {
		// Fields of newer attribute versions are not swapped.
		if size := int(NativeEndian.Uint32(s.b[4:])); size > AttrSize && size <= len(s.b) {
			s.off = size
		}
	}
	s.u64s(s.rest())
}

// SwapHeader swaps the record header at the start of b in place.
func SwapHeader(b []byte) {
	s := &swapper{b: b}
	s.u32()
	s.u16()
	s.u16()
}

// SwapPayload swaps the payload of a record of type t in place. The header
// must already be in native order. Unknown record types are left alone and
// it reports false for them.
func SwapPayload(t RecordType, payload []byte, sampleType SampleType) bool {
	fn, ok := swapTable[t]
	if !ok {
		return false
	}
	fn(&swapper{b: payload}, sampleType)
	return true
}
