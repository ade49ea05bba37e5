// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds small types and helpers shared by the session engine
// packages.
package libpf // import "go.opentelemetry.io/perfsession/libpf"

// Void allows to use maps as sets without memory allocation for the values.
// From the "Go Programming Language":
//
//	The struct type with no fields is called the empty struct, written struct{}. It has size zero
//	and carries no information but may be useful nonetheless. Some Go programmers
//	use it instead of bool as the value type of a map that represents a set, to emphasize
//	that only the keys are significant, but the space saving is marginal and the syntax more
//	cumbersome, so we generally avoid it.
type Void struct{}

// Address represents an address, or offset within a process
type Address uint64
