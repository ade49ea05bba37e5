// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package proc provides functionality for enumerating processes and their
// threads via /proc.
package proc // import "go.opentelemetry.io/perfsession/proc"

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

const defaultMountPoint = "/proc"

func listNumericDirs(dir string) ([]int32, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]int32, 0, len(files))
	for _, f := range files {
		// Make sure this is a PID file entry
		if !f.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(f.Name(), 10, 31)
		if err != nil {
			continue
		}
		ids = append(ids, int32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// ListPIDs returns the PIDs found under the proc filesystem mount point
// root, or /proc when root is empty, in ascending order.
func ListPIDs(root string) ([]int32, error) {
	if root == "" {
		root = defaultMountPoint
	}
	return listNumericDirs(root)
}

// ListTIDs returns the thread ids of pid in ascending order.
func ListTIDs(root string, pid int32) ([]int32, error) {
	if root == "" {
		root = defaultMountPoint
	}
	return listNumericDirs(filepath.Join(root, strconv.Itoa(int(pid)), "task"))
}
