// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfdata reads and writes the perf data container: the file
// header, the event attributes with their sample ids, the event type
// table and the optional feature sections that follow the data section.
package perfdata // import "go.opentelemetry.io/perfsession/perfdata"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/stringutil"
)

// Magic starts every data file and pipe stream.
var Magic = [8]byte{'P', 'E', 'R', 'F', 'F', 'I', 'L', 'E'}

const (
	// FileHeaderSize is the size of the file header with feature bitmap.
	FileHeaderSize = 104
	// LegacyHeaderSize is the size of headers written before feature
	// sections existed.
	LegacyHeaderSize = 72
	// FileAttrSize is an attribute followed by its ids section.
	FileAttrSize = perfevent.AttrSize + fileSectionSize

	fileSectionSize = 16
)

// FileSection locates a region of the file.
type FileSection struct {
	Offset uint64
	Size   uint64
}

func (s FileSection) append(b []byte, order perfevent.ByteOrder) []byte {
	b = order.AppendUint64(b, s.Offset)
	return order.AppendUint64(b, s.Size)
}

func decodeSection(b []byte, order perfevent.ByteOrder) FileSection {
	return FileSection{Offset: order.Uint64(b), Size: order.Uint64(b[8:])}
}

// FileAttr is an event attribute and the sample ids recorded for it.
type FileAttr struct {
	Attr perfevent.Attr
	IDs  []uint64
}

// Header is the decoded file header.
type Header struct {
	Attrs      []FileAttr
	EventTypes []perfevent.EventType

	AttrOffset  uint64
	EventOffset uint64
	EventSize   uint64
	DataOffset  uint64
	DataSize    uint64

	Features FeatureSet

	// NeedsSwap is set when the file was written on a host of the other
	// byte order. Order is the byte order of the file.
	NeedsSwap bool
	Order     perfevent.ByteOrder

	frozen bool
}

// New returns an empty header for writing in native byte order.
func New() *Header {
	return &Header{Order: perfevent.NativeEndian}
}

// Frozen reports whether the header was finalized.
func (h *Header) Frozen() bool {
	return h.frozen
}

// AddAttr appends an attribute with its sample ids.
func (h *Header) AddAttr(attr perfevent.Attr, ids []uint64) {
	h.Attrs = append(h.Attrs, FileAttr{Attr: attr, IDs: ids})
}

// PushEventType records the name of an event config. Names are
// truncated to 63 bytes, a config already present is kept.
func (h *Header) PushEventType(id uint64, name string) {
	for i := range h.EventTypes {
		if h.EventTypes[i].ID == id {
			return
		}
	}
	if len(name) > perfevent.EventTypeNameLen-1 {
		name = name[:perfevent.EventTypeNameLen-1]
	}
	h.EventTypes = append(h.EventTypes, perfevent.EventType{ID: id, Name: name})
}

// EventName returns the name of attr from the event type table, falling
// back to the generic name of its type and config.
func (h *Header) EventName(attr *perfevent.Attr) string {
	for i := range h.EventTypes {
		if h.EventTypes[i].ID == attr.Config {
			return h.EventTypes[i].Name
		}
	}
	return perfevent.GenericName(attr.Type, attr.Config)
}

// SampleType returns the sample type shared by all attributes.
func (h *Header) SampleType() (perfevent.SampleType, error) {
	if len(h.Attrs) == 0 {
		return 0, nil
	}
	st := h.Attrs[0].Attr.SampleType
	for i := range h.Attrs[1:] {
		if h.Attrs[i+1].Attr.SampleType != st {
			return 0, formatErrorf("non matching sample_type %#x and %#x",
				uint64(st), uint64(h.Attrs[i+1].Attr.SampleType))
		}
	}
	return st, nil
}

// AttrByID returns the attribute that owns sample id, or nil.
func (h *Header) AttrByID(id uint64) *FileAttr {
	for i := range h.Attrs {
		for _, v := range h.Attrs[i].IDs {
			if v == id {
				return &h.Attrs[i]
			}
		}
	}
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(b), err)
	}
	if n < len(b) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(b))
	}
	return nil
}

// Write lays out the header region of w: the id arrays, the attributes,
// the event types and finally the file header at offset 0. The data
// section starts right after the event types. With finalize set the
// feature sections are appended after the data section and the header
// becomes frozen. On return the write position of w is the end of the
// data section.
func (h *Header) Write(w io.WriteSeeker, env *WriteEnv, finalize bool) error {
	return h.WriteOrder(w, env, finalize, perfevent.NativeEndian)
}

// WriteOrder is Write with every field encoded in order instead of the
// native byte order. Records of the data section must use the same order.
func (h *Header) WriteOrder(w io.WriteSeeker, env *WriteEnv, finalize bool,
	order perfevent.ByteOrder) error {
	if h.frozen {
		return ErrFrozen
	}
	h.Order = order
	h.NeedsSwap = order != perfevent.NativeEndian

	var buf []byte
	cursor := uint64(FileHeaderSize)
	idSections := make([]FileSection, len(h.Attrs))
	for i := range h.Attrs {
		idSections[i] = FileSection{Offset: cursor, Size: uint64(8 * len(h.Attrs[i].IDs))}
		for _, id := range h.Attrs[i].IDs {
			buf = order.AppendUint64(buf, id)
		}
		cursor += idSections[i].Size
	}

	h.AttrOffset = cursor
	for i := range h.Attrs {
		attr := h.Attrs[i].Attr
		attr.Size = perfevent.AttrSize
		buf = attr.Encode(buf, order)
		buf = idSections[i].append(buf, order)
	}
	cursor += uint64(FileAttrSize * len(h.Attrs))

	h.EventOffset = cursor
	h.EventSize = uint64(perfevent.EventTypeSize * len(h.EventTypes))
	for i := range h.EventTypes {
		buf = h.EventTypes[i].Encode(buf, order)
	}
	cursor += h.EventSize

	if h.DataOffset != 0 && h.DataOffset != cursor {
		return fmt.Errorf("%w: data moves from %#x to %#x",
			ErrLayoutChanged, h.DataOffset, cursor)
	}
	h.DataOffset = cursor

	if _, err := w.Seek(FileHeaderSize, io.SeekStart); err != nil {
		return err
	}
	if err := writeAll(w, buf); err != nil {
		return err
	}

	if finalize {
		if err := h.writeFeatures(w, env); err != nil {
			return err
		}
	}

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeAll(w, h.encode(order)); err != nil {
		return err
	}
	if _, err := w.Seek(int64(h.DataOffset+h.DataSize), io.SeekStart); err != nil {
		return err
	}
	if finalize {
		h.frozen = true
	}
	return nil
}

func (h *Header) encode(order perfevent.ByteOrder) []byte {
	b := make([]byte, 0, FileHeaderSize)
	b = append(b, Magic[:]...)
	b = order.AppendUint64(b, FileHeaderSize)
	b = order.AppendUint64(b, FileAttrSize)
	b = FileSection{h.AttrOffset, uint64(FileAttrSize * len(h.Attrs))}.append(b, order)
	b = FileSection{h.DataOffset, h.DataSize}.append(b, order)
	b = FileSection{h.EventOffset, h.EventSize}.append(b, order)
	for _, word := range h.Features {
		b = order.AppendUint64(b, word)
	}
	return b
}

// writeFeatures writes the section index and the payloads of all set
// features after the data section. Features that fail to produce a
// payload are cleared and leave a zero entry at the end of the index.
func (h *Header) writeFeatures(w io.WriteSeeker, env *WriteEnv) error {
	feats := h.Features.Features()
	if len(feats) == 0 {
		return nil
	}
	indexStart := h.DataOffset + h.DataSize
	cursor := indexStart + uint64(fileSectionSize*len(feats))
	if _, err := w.Seek(int64(cursor), io.SeekStart); err != nil {
		return err
	}

	index := make([]FileSection, len(feats))
	p := 0
	for _, f := range feats {
		var ops featureOps
		if f < FeatLast {
			ops = featureTable[f]
		}
		if ops.write == nil {
			log.Debugf("Dropping unknown feature %v", f)
			h.Features.Clear(f)
			continue
		}
		fw := &featureWriter{order: h.Order}
		if err := ops.write(fw, h, env); err != nil {
			log.Debugf("Failed to write feature %v: %v", f, err)
			h.Features.Clear(f)
			continue
		}
		if err := writeAll(w, fw.buf); err != nil {
			return err
		}
		index[p] = FileSection{Offset: cursor, Size: uint64(len(fw.buf))}
		cursor += uint64(len(fw.buf))
		p++
	}

	var b []byte
	for _, sec := range index {
		b = sec.append(b, h.Order)
	}
	if _, err := w.Seek(int64(indexStart), io.SeekStart); err != nil {
		return err
	}
	return writeAll(w, b)
}

// readFull reads len(b) bytes at off, mapping a short read to
// io.ErrUnexpectedEOF.
func readFull(r io.ReaderAt, b []byte, off uint64) error {
	n, err := r.ReadAt(b, int64(off))
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Read decodes the header, the attributes with their ids and the event
// types of a data file. Files written on a host of the other byte order
// are detected through the attribute size.
func Read(r io.ReaderAt) (*Header, error) {
	raw := make([]byte, FileHeaderSize)
	n, err := r.ReadAt(raw, 0)
	if n < LegacyHeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, formatErrorf("file of %d bytes is too small", n)
		}
		return nil, err
	}
	if !bytes.Equal(raw[:8], Magic[:]) {
		return nil, formatErrorf("bad magic %q", raw[:8])
	}

	h := &Header{Order: perfevent.NativeEndian}
	if attrSize := h.Order.Uint64(raw[16:]); attrSize != FileAttrSize {
		if bits.ReverseBytes64(attrSize) != FileAttrSize {
			return nil, formatErrorf("unknown attr size %d", attrSize)
		}
		h.Order = perfevent.OppositeEndian()
		h.NeedsSwap = true
	}

	switch size := h.Order.Uint64(raw[8:]); size {
	case FileHeaderSize:
		if n < FileHeaderSize {
			return nil, formatErrorf("header truncated at %d bytes", n)
		}
		for i := range h.Features {
			h.Features[i] = perfevent.NativeEndian.Uint64(raw[LegacyHeaderSize+8*i:])
		}
		if h.NeedsSwap {
			h.Features = swapFeatures(h.Features)
		}
	case LegacyHeaderSize:
		// No feature bitmap.
	default:
		return nil, formatErrorf("unknown header size %d", size)
	}

	attrs := decodeSection(raw[24:], h.Order)
	data := decodeSection(raw[40:], h.Order)
	events := decodeSection(raw[56:], h.Order)
	h.DataOffset, h.DataSize = data.Offset, data.Size
	h.AttrOffset = attrs.Offset
	h.EventOffset, h.EventSize = events.Offset, events.Size

	if err := h.readAttrs(r, attrs); err != nil {
		return nil, err
	}
	if _, err := h.SampleType(); err != nil {
		return nil, err
	}
	if err := h.readEventTypes(r, events); err != nil {
		return nil, err
	}
	return h, nil
}

// swapFeatures recovers the bitmap of a foreign-endian file. The bitmap is
// an array of unsigned longs, so its layout depends on the word size of
// the writer. A 64 bit swap is tried first and validated by the hostname
// bit, which every writer sets. Then a 32 bit swap of the low halves.
// When neither sets the hostname bit only the build-id table is assumed.
func swapFeatures(words FeatureSet) FeatureSet {
	var out FeatureSet
	for i, w := range words {
		out[i] = bits.ReverseBytes64(w)
	}
	if out.Has(FeatHostname) {
		return out
	}
	for i := range out {
		orig := bits.ReverseBytes64(out[i])
		out[i] = uint64(bits.ReverseBytes32(uint32(orig)))
	}
	if out.Has(FeatHostname) {
		return out
	}
	out = FeatureSet{}
	out.Set(FeatBuildID)
	return out
}

// maxEntries bounds table sizes taken from untrusted headers.
const maxEntries = 1 << 20

func (h *Header) readAttrs(r io.ReaderAt, sec FileSection) error {
	nr := sec.Size / FileAttrSize
	if nr > maxEntries {
		return formatErrorf("%d attributes exceed limit", nr)
	}
	b := make([]byte, FileAttrSize)
	for i := range nr {
		if err := readFull(r, b, sec.Offset+i*FileAttrSize); err != nil {
			return fmt.Errorf("failed to read attr %d: %w", i, err)
		}
		attr, err := perfevent.DecodeAttr(b, h.Order)
		if err != nil {
			return err
		}
		ids := decodeSection(b[perfevent.AttrSize:], h.Order)
		if ids.Size/8 > maxEntries {
			return formatErrorf("attr %d has %d ids", i, ids.Size/8)
		}
		raw := make([]byte, ids.Size/8*8)
		if err := readFull(r, raw, ids.Offset); err != nil {
			return fmt.Errorf("failed to read ids of attr %d: %w", i, err)
		}
		fa := FileAttr{Attr: attr, IDs: make([]uint64, len(raw)/8)}
		for j := range fa.IDs {
			fa.IDs[j] = h.Order.Uint64(raw[8*j:])
		}
		h.Attrs = append(h.Attrs, fa)
	}
	return nil
}

func (h *Header) readEventTypes(r io.ReaderAt, sec FileSection) error {
	nr := sec.Size / perfevent.EventTypeSize
	if nr == 0 {
		return nil
	}
	if nr > maxEntries {
		return formatErrorf("%d event types exceed limit", nr)
	}
	raw := make([]byte, nr*perfevent.EventTypeSize)
	if err := readFull(r, raw, sec.Offset); err != nil {
		return fmt.Errorf("failed to read event types: %w", err)
	}
	h.EventTypes = make([]perfevent.EventType, nr)
	for i := range h.EventTypes {
		b := raw[i*perfevent.EventTypeSize:]
		h.EventTypes[i] = perfevent.EventType{
			ID:   h.Order.Uint64(b),
			Name: stringutil.CString(b[8:perfevent.EventTypeSize]),
		}
	}
	return nil
}

// FeatureSection is the location of one present feature.
type FeatureSection struct {
	Feature Feature
	FileSection
}

// FeatureSections reads the feature index that follows the data section
// and pairs its entries with the set feature bits.
func (h *Header) FeatureSections(r io.ReaderAt) ([]FeatureSection, error) {
	feats := h.Features.Features()
	if len(feats) == 0 {
		return nil, nil
	}
	raw := make([]byte, fileSectionSize*len(feats))
	if err := readFull(r, raw, h.DataOffset+h.DataSize); err != nil {
		return nil, fmt.Errorf("failed to read feature index: %w", err)
	}
	out := make([]FeatureSection, len(feats))
	for i, f := range feats {
		out[i] = FeatureSection{
			Feature:     f,
			FileSection: decodeSection(raw[fileSectionSize*i:], h.Order),
		}
	}
	return out, nil
}

// ProcessSections calls fn for every known feature with a reader limited
// to its section. Unknown features are skipped.
func (h *Header) ProcessSections(r io.ReaderAt,
	fn func(f Feature, sec FileSection, sr *io.SectionReader) error) error {
	secs, err := h.FeatureSections(r)
	if err != nil {
		return err
	}
	for _, s := range secs {
		if s.Feature >= FeatLast {
			log.Debugf("Unknown feature %d, continuing", s.Feature)
			continue
		}
		if s.Offset > 1<<62 || s.Size > 1<<62 {
			log.Debugf("Failed to seek to feature %v at %#x", s.Feature, s.Offset)
			continue
		}
		sr := io.NewSectionReader(r, int64(s.Offset), int64(s.Size))
		if err := fn(s.Feature, s.FileSection, sr); err != nil {
			return err
		}
	}
	return nil
}

// ReadBuildIDs returns the records of the BUILD_ID feature, or nil when
// the file has none. An unreadable table is logged and yields no records.
func (h *Header) ReadBuildIDs(r io.ReaderAt) ([]BuildIDRecord, error) {
	var records []BuildIDRecord
	err := h.ProcessSections(r, func(f Feature, sec FileSection, sr *io.SectionReader) error {
		if f != FeatBuildID {
			return nil
		}
		data, err := io.ReadAll(sr)
		if err == nil && uint64(len(data)) != sec.Size {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			log.Debugf("Failed to read build-id table: %v", err)
			return nil
		}
		records, err = ParseBuildIDTable(data, h.Order)
		if err != nil {
			log.Debugf("Failed to parse build-id table: %v", err)
			records = nil
		}
		return nil
	})
	return records, err
}
