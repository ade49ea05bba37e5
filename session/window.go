// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"os"

	"go.opentelemetry.io/perfsession/internal/mmap"
	"go.opentelemetry.io/perfsession/perfevent"
)

// maxRecordSize is the largest record a 16 bit size field describes.
const maxRecordSize = 0xffff

// window is a sliding mapping over the data section. Records are read
// from offset+head. Mapped pages are private so records can be byte
// swapped in place.
type window struct {
	f        *os.File
	fileSize int64
	size     int
	pageSize int

	region *mmap.Region
	offset int64
	head   int
}

func newWindow(f *os.File, fileSize int64, start uint64, pages int) *window {
	pageSize := os.Getpagesize()
	// A window always holds a page misaligned record of maximum size.
	minPages := (maxRecordSize+pageSize-1)/pageSize + 1
	w := &window{
		f:        f,
		fileSize: fileSize,
		size:     max(pages, minPages) * pageSize,
		pageSize: pageSize,
	}
	shift := int64(start) &^ int64(pageSize-1)
	w.offset = shift
	w.head = int(int64(start) - shift)
	return w
}

// pos returns the file offset of the cursor.
func (w *window) pos() uint64 {
	return uint64(w.offset) + uint64(w.head)
}

// remap maps the window at offset, unmapping the previous mapping.
func (w *window) remap() error {
	w.unmap()
	length := int(min(int64(w.size), w.fileSize-w.offset))
	r, err := mmap.MapRegion(w.f, w.offset, length)
	if err != nil {
		return err
	}
	w.region = r
	return nil
}

// atBoundary reports whether n bytes at the cursor extend past the
// mapping.
func (w *window) atBoundary(n int) bool {
	return w.region == nil || w.head+n > len(w.region.Bytes())
}

// slide moves the window forward to the page holding the cursor.
func (w *window) slide() error {
	shift := w.head &^ (w.pageSize - 1)
	w.offset += int64(shift)
	w.head -= shift
	return w.remap()
}

// bytes returns n bytes at the cursor. The caller ensures they are mapped.
func (w *window) bytes(n int) []byte {
	return w.region.Bytes()[w.head : w.head+n]
}

func (w *window) advance(n int) {
	w.head += n
}

// resync aligns the cursor down to 8 bytes and steps over one word.
func (w *window) resync() {
	w.head &^= 7
	w.head += 8
}

func (w *window) unmap() {
	if w.region != nil {
		_ = w.region.Close()
		w.region = nil
	}
}

// header returns the record header bytes at the cursor, sliding the
// window when they are not mapped.
func (w *window) header() ([]byte, error) {
	if w.atBoundary(perfevent.HeaderSize) {
		if err := w.slide(); err != nil {
			return nil, err
		}
	}
	return w.bytes(perfevent.HeaderSize), nil
}

// record returns the size bytes of the record at the cursor, sliding the
// window when they are not mapped.
func (w *window) record(size int) ([]byte, error) {
	if w.atBoundary(size) {
		if err := w.slide(); err != nil {
			return nil, err
		}
	}
	return w.bytes(size), nil
}
