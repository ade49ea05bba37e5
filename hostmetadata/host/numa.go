// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "go.opentelemetry.io/perfsession/hostmetadata/host"

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/perfsession/stringutil"
)

const nodeDir = "devices/system/node"

// parseNodeMeminfo extracts MemTotal and MemFree from a per-node meminfo
// file, whose lines read "Node <n> <Key>: <value> kB".
func parseNodeMeminfo(data []byte) (total, free uint64, err error) {
	var haveTotal, haveFree bool
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var fields [5]string
		if stringutil.FieldsN(scanner.Text(), fields[:]) < 4 {
			continue
		}
		var dst *uint64
		switch fields[2] {
		case "MemTotal:":
			dst, haveTotal = &total, true
		case "MemFree:":
			dst, haveFree = &free, true
		default:
			continue
		}
		v, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid %s value '%s'", fields[2], fields[3])
		}
		*dst = v
	}
	if !haveTotal || !haveFree {
		return 0, 0, errors.New("incomplete node meminfo")
	}
	return total, free, scanner.Err()
}

// numaTopology reads memory size and CPU list of every online NUMA node.
func numaTopology(sysRoot string) ([]NUMANode, error) {
	base := filepath.Join(sysRoot, nodeDir)
	ids, err := ParseCPUCoreIDs(filepath.Join(base, "online"))
	if err != nil {
		return nil, err
	}

	nodes := make([]NUMANode, 0, len(ids))
	for _, id := range ids {
		dir := filepath.Join(base, "node"+strconv.Itoa(id))
		meminfo, err := os.ReadFile(filepath.Join(dir, "meminfo"))
		if err != nil {
			return nil, err
		}
		total, free, err := parseNodeMeminfo(meminfo)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		cpus, err := ParseCPUCoreIDs(filepath.Join(dir, "cpulist"))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, NUMANode{
			ID:         uint32(id),
			MemTotalKB: total,
			MemFreeKB:  free,
			CPUs:       writeCPURange(cpus),
		})
	}
	return nodes, nil
}
