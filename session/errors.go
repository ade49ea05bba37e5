// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import "errors"

var (
	// ErrEmptyFile is returned when opening a zero sized file.
	ErrEmptyFile = errors.New("zero-sized file, nothing to do")
	// ErrNotOwner is returned when the input file belongs to another user.
	ErrNotOwner = errors.New("file not owned by current user or root")
	// ErrCorruptStream is returned when resynchronizing on zero sized
	// record headers failed too often in a row.
	ErrCorruptStream = errors.New("corrupt event stream")
)
