// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package machine // import "go.opentelemetry.io/perfsession/machine"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/symbol"
)

// AddrLocation is the result of resolving a sampled address. A nil Map
// means the address did not resolve, which is not an error.
type AddrLocation struct {
	Thread  *Thread
	CPUMode perfevent.CPUMode
	IP      uint64
	// Addr is IP translated into the DSO, valid when Map is set.
	Addr uint64
	Map  *Map
	Sym  *symbol.Symbol
	// Level is the one letter execution level shown in reports.
	Level byte
}

// DSO returns the DSO of the location, or nil.
func (al *AddrLocation) DSO() *symbol.DSO {
	if al.Map == nil {
		return nil
	}
	return al.Map.DSO
}

func levelOf(mode perfevent.CPUMode) byte {
	switch mode {
	case perfevent.CPUModeKernel:
		return 'k'
	case perfevent.CPUModeUser:
		return '.'
	case perfevent.CPUModeHypervisor:
		return 'H'
	case perfevent.CPUModeGuestKernel:
		return 'g'
	case perfevent.CPUModeGuestUser:
		return 'u'
	default:
		return '?'
	}
}

// Resolve finds the map and symbol of ip executed by t in mode. Symbols of
// a DSO are loaded on its first resolved address.
func (m *Machine) Resolve(t *Thread, mode perfevent.CPUMode, ip uint64) AddrLocation {
	al := AddrLocation{Thread: t, CPUMode: mode, IP: ip, Level: levelOf(mode)}

	switch {
	case mode == perfevent.CPUModeKernel:
		al.Map = m.findKernelMap(ip)
	case mode == perfevent.CPUModeGuestKernel && m.guestKernel:
		al.Map = m.findKernelMap(ip)
	case mode == perfevent.CPUModeUser && t != nil:
		al.Map = t.FindMap(ip)
	}
	if al.Map == nil {
		return al
	}

	dso := al.Map.DSO
	dso.Hit = true
	if !dso.Loaded() {
		if n := dso.Load(m.cfg); n <= 0 {
			log.Debugf("No symbols found in %s", dso.LongName)
		}
	}
	al.Addr = al.Map.MapIP(ip)
	al.Sym = dso.FindSymbol(al.Addr)
	return al
}

// ResolveCallchain resolves every address of chain. Context markers switch
// the mode of the addresses following them and are left out of the result.
// The chain starts in user mode.
func (m *Machine) ResolveCallchain(t *Thread, chain []uint64) []AddrLocation {
	mode := perfevent.CPUModeUser
	out := make([]AddrLocation, 0, len(chain))
	for _, ip := range chain {
		if ip >= perfevent.ContextMax {
			switch ip {
			case perfevent.ContextHV:
				mode = perfevent.CPUModeHypervisor
			case perfevent.ContextKernel:
				mode = perfevent.CPUModeKernel
			case perfevent.ContextUser:
				mode = perfevent.CPUModeUser
			case perfevent.ContextGuestKernel:
				mode = perfevent.CPUModeGuestKernel
			case perfevent.ContextGuestUser:
				mode = perfevent.CPUModeGuestUser
			}
			continue
		}
		out = append(out, m.Resolve(t, mode, ip))
	}
	return out
}
