// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"io"
	"os"

	"go.opentelemetry.io/perfsession/kallsyms"
	"go.opentelemetry.io/perfsession/symbol"
)

const (
	// DefaultMmapWindowPages is the number of pages mapped at a time.
	DefaultMmapWindowPages = 32
	// DefaultMaxResync is the number of consecutive zero sized headers
	// skipped before a stream is considered corrupt.
	DefaultMaxResync = 1024
)

// Config holds the settings of a session.
type Config struct {
	// Force skips the ownership check of the input file.
	Force bool
	// OrderedSamples delivers samples in timestamp order through the
	// reorder buffer.
	OrderedSamples bool
	// Repipe copies the input stream of a pipe session to Output.
	Repipe bool
	Output io.Writer

	MmapWindowPages int
	MaxResync       int

	// DebugDir is the root of the build-id cache.
	DebugDir       string
	NoBuildIDCache bool

	VmlinuxPath  string
	KallsymsPath string
	// SymfsRoot prefixes every DSO path.
	SymfsRoot string
	// GuestKernel enables resolving guest kernel samples.
	GuestKernel bool
}

func (c *Config) applyDefaults() {
	if c.MmapWindowPages <= 0 {
		c.MmapWindowPages = DefaultMmapWindowPages
	}
	if c.MaxResync <= 0 {
		c.MaxResync = DefaultMaxResync
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.KallsymsPath == "" {
		c.KallsymsPath = kallsyms.DefaultPath
	}
}

func (c *Config) loadConfig() *symbol.LoadConfig {
	return &symbol.LoadConfig{
		SymfsRoot:    c.SymfsRoot,
		VmlinuxPath:  c.VmlinuxPath,
		KallsymsPath: c.KallsymsPath,
	}
}
