// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package host collects the properties of the recording machine that are
// stored in the feature sections of a perf data file.
package host // import "go.opentelemetry.io/perfsession/hostmetadata/host"

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	defaultProcRoot = "/proc"
	defaultSysRoot  = "/sys"
)

// Config selects the procfs and sysfs mount points facts are read from.
// Empty fields select the system defaults.
type Config struct {
	ProcRoot string
	SysRoot  string
}

func (c Config) procRoot() string {
	if c.ProcRoot == "" {
		return defaultProcRoot
	}
	return c.ProcRoot
}

func (c Config) sysRoot() string {
	if c.SysRoot == "" {
		return defaultSysRoot
	}
	return c.SysRoot
}

// NUMANode describes one memory node.
type NUMANode struct {
	ID         uint32
	MemTotalKB uint64
	MemFreeKB  uint64
	// CPUs is the node cpulist, e.g. "0-3,8-11".
	CPUs string
}

// Facts holds host properties. A fact that could not be determined keeps
// its zero value, and the matching feature section is then left out.
type Facts struct {
	Hostname  string
	OSRelease string
	Arch      string

	NrCPUsConfigured uint32
	NrCPUsOnline     uint32

	CPUDesc    string
	CPUID      string
	TotalMemKB uint64

	// CoreSiblings and ThreadSiblings are deduplicated sibling lists in
	// CPU order.
	CoreSiblings   []string
	ThreadSiblings []string

	NUMANodes []NUMANode
}

func sanitizeString(str []byte) string {
	// Trim byte array from 0x00 bytes
	return string(bytes.Trim(str, "\x00"))
}

// Collect gathers all facts concurrently. Individual sources that fail are
// logged and skipped; only a failing uname is reported as an error.
func Collect(cfg Config) (*Facts, error) {
	facts := &Facts{}

	uname := &unix.Utsname{}
	if err := unix.Uname(uname); err != nil {
		return nil, fmt.Errorf("error calling uname: %v", err)
	}
	facts.Hostname = sanitizeString(uname.Nodename[:])
	facts.OSRelease = sanitizeString(uname.Release[:])
	facts.Arch = sanitizeString(uname.Machine[:])

	// Each collector owns distinct fields of facts.
	warn := func(what string, err error) {
		log.Warnf("Unable to determine %s: %v", what, err)
	}

	g := errgroup.Group{}
	g.Go(func() error {
		configured, online, err := nrCPUs(cfg.sysRoot())
		if err != nil {
			warn("number of CPUs", err)
			return nil
		}
		facts.NrCPUsConfigured, facts.NrCPUsOnline = configured, online
		return nil
	})
	g.Go(func() error {
		desc, err := cpuDesc(cfg.procRoot())
		if err != nil {
			warn("CPU description", err)
			return nil
		}
		facts.CPUDesc = desc
		return nil
	})
	g.Go(func() error {
		id, err := cpuidString()
		if err != nil {
			warn("CPUID", err)
			return nil
		}
		facts.CPUID = id
		return nil
	})
	g.Go(func() error {
		total, err := totalMemKB(cfg.procRoot())
		if err != nil {
			warn("total memory", err)
			return nil
		}
		facts.TotalMemKB = total
		return nil
	})
	g.Go(func() error {
		cores, threads, err := cpuTopology(cfg.sysRoot())
		if err != nil {
			warn("CPU topology", err)
			return nil
		}
		facts.CoreSiblings, facts.ThreadSiblings = cores, threads
		return nil
	})
	g.Go(func() error {
		nodes, err := numaTopology(cfg.sysRoot())
		if err != nil {
			warn("NUMA topology", err)
			return nil
		}
		facts.NUMANodes = nodes
		return nil
	})
	_ = g.Wait()

	return facts, nil
}
