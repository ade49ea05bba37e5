// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/perfsession/machine"
	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
)

// Writer encodes records. It is safe for concurrent use.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	sampleType perfevent.SampleType
	order      perfevent.ByteOrder
	size       uint64
}

// NewWriter returns a Writer encoding records in order and samples
// according to sampleType.
func NewWriter(w io.Writer, sampleType perfevent.SampleType,
	order perfevent.ByteOrder) *Writer {
	return &Writer{w: w, sampleType: sampleType, order: order}
}

// Emit encodes and writes ev. It has the signature of perfevent.EmitFunc.
func (w *Writer) Emit(misc uint16, ev perfevent.Event) error {
	rec, err := perfevent.Encode(ev, misc, w.sampleType, w.order)
	if err != nil {
		return err
	}
	return w.Write(rec)
}

// Write writes an encoded record.
func (w *Writer) Write(rec []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(rec)
	w.size += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Size returns the number of bytes written.
func (w *Writer) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// SynthesizeAttrs emits a HEADER_ATTR record per attribute of hdr.
func SynthesizeAttrs(hdr *perfdata.Header, emit perfevent.EmitFunc) error {
	for i := range hdr.Attrs {
		a := &hdr.Attrs[i]
		if err := emit(0, &perfevent.AttrEvent{Attr: a.Attr, IDs: a.IDs}); err != nil {
			return err
		}
	}
	return nil
}

// SynthesizeEventTypes emits a HEADER_EVENT_TYPE record per event type of
// hdr.
func SynthesizeEventTypes(hdr *perfdata.Header, emit perfevent.EmitFunc) error {
	for i := range hdr.EventTypes {
		ev := &perfevent.EventTypeEvent{EventType: hdr.EventTypes[i]}
		if err := emit(0, ev); err != nil {
			return err
		}
	}
	return nil
}

// SynthesizeBuildIDs emits a HEADER_BUILD_ID record per hit DSO with a
// build id.
func SynthesizeBuildIDs(ms *machine.Machines, emit perfevent.EmitFunc) error {
	for _, rec := range ms.BuildIDRecords() {
		if err := emit(rec.Misc, &rec.Event); err != nil {
			return err
		}
	}
	return nil
}
