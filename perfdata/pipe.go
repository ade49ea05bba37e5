// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfdata // import "go.opentelemetry.io/perfsession/perfdata"

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"go.opentelemetry.io/perfsession/perfevent"
)

// PipeHeaderSize is the size of the header that starts a pipe stream.
const PipeHeaderSize = 16

// WritePipeHeader writes the stream header of pipe mode.
func WritePipeHeader(w io.Writer) error {
	b := make([]byte, 0, PipeHeaderSize)
	b = append(b, Magic[:]...)
	b = perfevent.NativeEndian.AppendUint64(b, PipeHeaderSize)
	return writeAll(w, b)
}

// ReadPipeHeader consumes the stream header of pipe mode and returns an
// empty header carrying the byte order of the stream. When repipe is not
// nil the header is copied to it verbatim once the magic matched.
func ReadPipeHeader(r io.Reader, repipe io.Writer) (*Header, error) {
	b := make([]byte, PipeHeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read pipe header: %w", err)
	}
	if !bytes.Equal(b[:8], Magic[:]) {
		return nil, formatErrorf("bad magic %q", b[:8])
	}
	if repipe != nil {
		if err := writeAll(repipe, b); err != nil {
			return nil, err
		}
	}
	h := &Header{Order: perfevent.NativeEndian}
	if size := h.Order.Uint64(b[8:]); size != PipeHeaderSize {
		if bits.ReverseBytes64(size) != PipeHeaderSize {
			return nil, formatErrorf("unknown pipe header size %d", size)
		}
		h.Order = perfevent.OppositeEndian()
		h.NeedsSwap = true
	}
	return h, nil
}
