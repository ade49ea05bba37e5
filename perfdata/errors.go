// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfdata // import "go.opentelemetry.io/perfsession/perfdata"

import (
	"errors"
	"fmt"
)

var (
	// ErrFrozen is returned when writing a header that was already finalized.
	ErrFrozen = errors.New("header is frozen")

	// ErrShortWrite is returned when fewer bytes than requested were written.
	ErrShortWrite = errors.New("short write")

	// ErrLayoutChanged is returned when rewriting a header would move the
	// data section.
	ErrLayoutChanged = errors.New("header layout changed")
)

// FormatError describes input that is not a valid perf data file or pipe.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "incompatible file format: " + e.Reason
}

func formatErrorf(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// IsFormatError reports whether err is or wraps a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
