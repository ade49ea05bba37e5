// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perfsession/perfevent"

import "fmt"

// Attribute types.
const (
	TypeHardware   uint32 = 0
	TypeSoftware   uint32 = 1
	TypeTracepoint uint32 = 2
	TypeHWCache    uint32 = 3
	TypeRaw        uint32 = 4
	TypeBreakpoint uint32 = 5
)

// Software event configs.
const (
	SWCPUClock        uint64 = 0
	SWTaskClock       uint64 = 1
	SWPageFaults      uint64 = 2
	SWContextSwitches uint64 = 3
	SWCPUMigrations   uint64 = 4
	SWPageFaultsMin   uint64 = 5
	SWPageFaultsMaj   uint64 = 6
	SWAlignmentFaults uint64 = 7
	SWEmulationFaults uint64 = 8
)

var hardwareNames = []string{
	"cycles",
	"instructions",
	"cache-references",
	"cache-misses",
	"branches",
	"branch-misses",
	"bus-cycles",
}

var softwareNames = []string{
	"cpu-clock",
	"task-clock",
	"page-faults",
	"context-switches",
	"CPU-migrations",
	"minor-faults",
	"major-faults",
	"alignment-faults",
	"emulation-faults",
}

// GenericName returns the symbolic name of the well known hardware and
// software events and a raw type/config description otherwise.
func GenericName(typ uint32, config uint64) string {
	switch typ {
	case TypeHardware:
		if config < uint64(len(hardwareNames)) {
			return hardwareNames[config]
		}
	case TypeSoftware:
		if config < uint64(len(softwareNames)) {
			return softwareNames[config]
		}
	case TypeRaw:
		return fmt.Sprintf("r%x", config)
	}
	return fmt.Sprintf("unknown:%d:%#x", typ, config)
}
