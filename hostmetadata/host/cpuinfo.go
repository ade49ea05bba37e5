// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "go.opentelemetry.io/perfsession/hostmetadata/host"

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"

	"go.opentelemetry.io/perfsession/libpf"
	"go.opentelemetry.io/perfsession/stringutil"
)

// nrCPUs returns the number of present and online CPUs.
func nrCPUs(sysRoot string) (configured, online uint32, err error) {
	present, err := ParseCPUCoreIDs(filepath.Join(sysRoot, cpuPresentPath))
	if err != nil {
		return 0, 0, err
	}
	onlineIDs, err := ParseCPUCoreIDs(filepath.Join(sysRoot, cpuOnlinePath))
	if err != nil {
		return 0, 0, err
	}
	return uint32(len(present)), uint32(len(onlineIDs)), nil
}

// cpuDesc returns the model name of the first CPU in /proc/cpuinfo with
// runs of white space squashed.
func cpuDesc(procRoot string) (string, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %v", procRoot, err)
	}
	infos, err := fs.CPUInfo()
	if err != nil {
		return "", fmt.Errorf("error reading cpuinfo: %v", err)
	}
	for i := range infos {
		if desc := stringutil.SquashSpaces(infos[i].ModelName); desc != "" {
			return desc, nil
		}
	}
	return "", errors.New("no model name in cpuinfo")
}

// totalMemKB returns MemTotal from /proc/meminfo in kB.
func totalMemKB(procRoot string) (uint64, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %v", procRoot, err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("error reading meminfo: %v", err)
	}
	if mi.MemTotal == nil {
		return 0, errors.New("no MemTotal in meminfo")
	}
	return *mi.MemTotal, nil
}

// cpuTopology returns the distinct core and thread sibling lists, in CPU order.
func cpuTopology(sysRoot string) (cores, threads []string, err error) {
	sys, err := sysfs.NewFS(sysRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s filesystem: %v", sysRoot, err)
	}
	cpus, err := sys.CPUs()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CPUs: %v", err)
	}
	if len(cpus) == 0 {
		return nil, nil, errors.New("no CPUs in sysfs")
	}

	seenCores := make(libpf.Set[string])
	seenThreads := make(libpf.Set[string])
	for _, cpu := range cpus {
		topology, err := cpu.Topology()
		if err != nil {
			// Offline CPUs have no topology directory.
			continue
		}
		if _, ok := seenCores[topology.CoreSiblingsList]; !ok {
			seenCores[topology.CoreSiblingsList] = libpf.Void{}
			cores = append(cores, topology.CoreSiblingsList)
		}
		if _, ok := seenThreads[topology.ThreadSiblingsList]; !ok {
			seenThreads[topology.ThreadSiblingsList] = libpf.Void{}
			threads = append(threads, topology.ThreadSiblingsList)
		}
	}
	if len(cores) == 0 {
		return nil, nil, errors.New("no CPU topology available")
	}
	return cores, threads, nil
}
