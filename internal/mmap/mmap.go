// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mmap is inspired by golang.org/x/exp/mmap with
// additional functionality for windowed mappings.
package mmap // import "go.opentelemetry.io/perfsession/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalRequest indicates that the requested data exceeds the available mapped data.
	ErrInvalRequest = errors.New("invalid request")

	// ErrClosed is returned when accessing a closed mapping.
	ErrClosed = errors.New("mmap: closed")
)

// ReaderAt reads a memory-mapped file.
//
// Like any io.ReaderAt, clients can execute parallel ReadAt calls, but it is
// not safe to call Close and reading methods concurrently.
type ReaderAt struct {
	data []byte
}

// Close closes the reader.
func (r *ReaderAt) Close() error {
	if r.data == nil {
		return nil
	} else if len(r.data) == 0 {
		r.data = nil
		return nil
	}
	data := r.data
	r.data = nil
	runtime.SetFinalizer(r, nil)
	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped file.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// ReadAt implements the io.ReaderAt interface.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.data == nil {
		return 0, ErrClosed
	}
	if off < 0 || int64(len(r.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Subslice returns a subset of the mmaped backed data.
func (r *ReaderAt) Subslice(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > r.Len() {
		return nil, fmt.Errorf("requested data %d at 0x%x exceeds %d: %w",
			length, offset, r.Len(), ErrInvalRequest)
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Open memory-maps the named file for reading.
func Open(filename string) (*ReaderAt, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		// Treat (size == 0) as a special case, avoiding the syscall, since
		// "man 2 mmap" says "the length... must be greater than 0".
		return &ReaderAt{
			data: make([]byte, 0),
		}, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("mmap: file %q has negative size", filename)
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", filename)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	r := &ReaderAt{data}

	runtime.SetFinalizer(r, (*ReaderAt).Close)
	return r, nil
}

// Region is a private, writable mapping of a file range. Writes go to
// copy-on-write pages and never reach the file, which allows in-place
// byte swapping of mapped records.
type Region struct {
	data   []byte
	offset int64
}

// MapRegion maps length bytes of f starting at the page aligned offset.
func MapRegion(f *os.File, offset int64, length int) (*Region, error) {
	if offset%int64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("mmap: offset 0x%x is not page aligned: %w",
			offset, ErrInvalRequest)
	}
	if length <= 0 {
		return nil, fmt.Errorf("mmap: invalid length %d: %w", length, ErrInvalRequest)
	}
	data, err := unix.Mmap(int(f.Fd()), offset, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: failed to map 0x%x+%d: %w", offset, length, err)
	}
	r := &Region{data: data, offset: offset}
	runtime.SetFinalizer(r, (*Region).Close)
	return r, nil
}

// Bytes returns the mapped data. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	return r.data
}

// Offset returns the file offset of the first mapped byte.
func (r *Region) Offset() int64 {
	return r.offset
}

// Close unmaps the region. It is safe to call Close multiple times.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	runtime.SetFinalizer(r, nil)
	return unix.Munmap(data)
}
