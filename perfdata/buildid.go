// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfdata // import "go.opentelemetry.io/perfsession/perfdata"

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/stringutil"
)

// Machine ids of build-id records.
const (
	HostKernelID         int32 = -1
	DefaultGuestKernelID int32 = 0
)

// BuildIDRecord is one entry of the build-id table. Misc carries the cpumode
// that selects the kernel or user DSO list of the machine Event.Pid.
type BuildIDRecord struct {
	Misc  uint16
	Event perfevent.BuildIDEvent
}

// CPUMode returns the cpumode of the record.
func (r *BuildIDRecord) CPUMode() perfevent.CPUMode {
	return perfevent.CPUMode(r.Misc & perfevent.CPUModeMask)
}

func appendBuildIDTable(b []byte, records []BuildIDRecord,
	order perfevent.ByteOrder) ([]byte, error) {
	for i := range records {
		rec, err := perfevent.Encode(&records[i].Event, records[i].Misc, 0, order)
		if err != nil {
			return nil, err
		}
		b = append(b, rec...)
	}
	return b, nil
}

// oldBuildIDFixedSize is the fixed part of records written before the pid
// field existed.
const oldBuildIDFixedSize = perfevent.HeaderSize + perfevent.BuildIDSize

// brokenKallsymsName is what the file name of the first kernel record reads
// like when an old table lacking the pid field is parsed in the new layout.
const brokenKallsymsName = "nel.kallsyms]"

// ParseBuildIDTable decodes the BUILD_ID feature payload.
func ParseBuildIDTable(data []byte, order perfevent.ByteOrder) ([]BuildIDRecord, error) {
	var out []BuildIDRecord
	for off := 0; off < len(data); {
		h, size, err := buildIDHeader(data[off:], perfevent.BuildIDFixedSize, order)
		if err != nil {
			return nil, err
		}
		rec := data[off : off+size]
		name := stringutil.CString(rec[perfevent.BuildIDFixedSize:])
		if strings.HasPrefix(name, brokenKallsymsName) {
			return parseOldBuildIDTable(data, order)
		}
		ev := perfevent.BuildIDEvent{
			Pid:      int32(order.Uint32(rec[perfevent.HeaderSize:])),
			Filename: name,
		}
		copy(ev.BuildID[:], rec[perfevent.HeaderSize+4:])
		out = append(out, BuildIDRecord{Misc: h.Misc, Event: ev})
		off += size
	}
	return out, nil
}

func parseOldBuildIDTable(data []byte, order perfevent.ByteOrder) ([]BuildIDRecord, error) {
	var out []BuildIDRecord
	for off := 0; off < len(data); {
		h, size, err := buildIDHeader(data[off:], oldBuildIDFixedSize, order)
		if err != nil {
			return nil, err
		}
		rec := data[off : off+size]
		pid := HostKernelID
		if mode := perfevent.CPUMode(h.Misc); mode == perfevent.CPUModeGuestKernel ||
			mode == perfevent.CPUModeGuestUser {
			pid = DefaultGuestKernelID
		}
		ev := perfevent.BuildIDEvent{
			Pid:      pid,
			Filename: stringutil.CString(rec[oldBuildIDFixedSize:]),
		}
		copy(ev.BuildID[:], rec[perfevent.HeaderSize:])
		out = append(out, BuildIDRecord{Misc: h.Misc, Event: ev})
		off += size
	}
	return out, nil
}

func buildIDHeader(b []byte, fixed int, order perfevent.ByteOrder) (perfevent.Header, int, error) {
	h, err := perfevent.DecodeHeader(b, order)
	if err != nil {
		return h, 0, err
	}
	size := int(h.Size)
	if size < fixed || size > len(b) {
		return h, 0, fmt.Errorf("build-id record of %d bytes: %w", size, perfevent.ErrTruncated)
	}
	return h, size, nil
}
