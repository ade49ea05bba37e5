// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfdata // import "go.opentelemetry.io/perfsession/perfdata"

import (
	"errors"
	"fmt"
	"io"
	"math/bits"

	"go.opentelemetry.io/perfsession/hostmetadata/host"
	"go.opentelemetry.io/perfsession/libpf"
	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/stringutil"
)

// Feature identifies an optional header section.
type Feature uint8

const (
	FeatTraceInfo    Feature = 1
	FeatBuildID      Feature = 2
	FeatHostname     Feature = 3
	FeatOSRelease    Feature = 4
	FeatVersion      Feature = 5
	FeatArch         Feature = 6
	FeatNrCPUs       Feature = 7
	FeatCPUDesc      Feature = 8
	FeatCPUID        Feature = 9
	FeatTotalMem     Feature = 10
	FeatCmdline      Feature = 11
	FeatEventDesc    Feature = 12
	FeatCPUTopology  Feature = 13
	FeatNUMATopology Feature = 14

	// FeatLast is one past the last known feature.
	FeatLast Feature = 15
)

// featureBits is the width of the feature bitmap.
const featureBits = 256

// FeatureSet is the 256 bit feature bitmap of the file header.
type FeatureSet [featureBits / 64]uint64

func (s *FeatureSet) Set(f Feature)      { s[f/64] |= 1 << (f % 64) }
func (s *FeatureSet) Clear(f Feature)    { s[f/64] &^= 1 << (f % 64) }
func (s *FeatureSet) Has(f Feature) bool { return s[f/64]&(1<<(f%64)) != 0 }

// Count returns the number of set bits.
func (s *FeatureSet) Count() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

// Features returns the set features in ascending order.
func (s *FeatureSet) Features() []Feature {
	out := make([]Feature, 0, s.Count())
	for i := range featureBits {
		if s.Has(Feature(i)) {
			out = append(out, Feature(i))
		}
	}
	return out
}

// StandardFeatures returns the features a recording sets: every host
// fact, the command line, the event descriptions and the build-id table.
func StandardFeatures() FeatureSet {
	var s FeatureSet
	for f := FeatBuildID; f < FeatLast; f++ {
		s.Set(f)
	}
	return s
}

var errNoData = errors.New("no data for feature")

// featureOps describes how a feature is written and printed. print is nil
// for features that are consumed rather than displayed.
type featureOps struct {
	name     string
	write    func(fw *featureWriter, h *Header, env *WriteEnv) error
	print    func(w io.Writer, fr *featureReader, h *Header) error
	fullOnly bool
}

var featureTable = [FeatLast]featureOps{
	FeatTraceInfo:    {name: "TRACE_INFO", write: writeTraceInfo},
	FeatBuildID:      {name: "BUILD_ID", write: writeBuildID},
	FeatHostname:     {name: "HOSTNAME", write: writeHostname, print: printString("hostname")},
	FeatOSRelease:    {name: "OSRELEASE", write: writeOSRelease, print: printString("os release")},
	FeatVersion:      {name: "VERSION", write: writeVersion, print: printString("perf version")},
	FeatArch:         {name: "ARCH", write: writeArch, print: printString("arch")},
	FeatNrCPUs:       {name: "NRCPUS", write: writeNrCPUs, print: printNrCPUs},
	FeatCPUDesc:      {name: "CPUDESC", write: writeCPUDesc, print: printString("cpudesc")},
	FeatCPUID:        {name: "CPUID", write: writeCPUID, print: printString("cpuid")},
	FeatTotalMem:     {name: "TOTAL_MEM", write: writeTotalMem, print: printTotalMem},
	FeatCmdline:      {name: "CMDLINE", write: writeCmdline, print: printCmdline},
	FeatEventDesc:    {name: "EVENT_DESC", write: writeEventDesc, print: printEventDesc},
	FeatCPUTopology:  {name: "CPU_TOPOLOGY", write: writeCPUTopology, print: printCPUTopology, fullOnly: true},
	FeatNUMATopology: {name: "NUMA_TOPOLOGY", write: writeNUMATopology, print: printNUMATopology, fullOnly: true},
}

func (f Feature) String() string {
	if f > 0 && f < FeatLast {
		return "HEADER_" + featureTable[f].name
	}
	return fmt.Sprintf("HEADER_FEAT_%d", uint8(f))
}

// WriteEnv holds the inputs of the feature writers.
type WriteEnv struct {
	Facts *host.Facts
	// Exe is the path of the recording executable, Args its arguments.
	Exe     string
	Args    []string
	Version string
	// BuildIDs is the build-id table, see BuildIDRecord.
	BuildIDs []BuildIDRecord
	// TraceInfo is stored verbatim.
	TraceInfo []byte
}

// featureWriter accumulates the payload of one feature section.
type featureWriter struct {
	buf   []byte
	order perfevent.ByteOrder
}

func (fw *featureWriter) u32(v uint32) { fw.buf = fw.order.AppendUint32(fw.buf, v) }
func (fw *featureWriter) u64(v uint64) { fw.buf = fw.order.AppendUint64(fw.buf, v) }

// str writes a length prefixed string padded to 64 bytes.
func (fw *featureWriter) str(s string) {
	n := libpf.AlignUp(len(s)+1, 64)
	fw.u32(uint32(n))
	fw.buf = append(fw.buf, s...)
	fw.buf = append(fw.buf, make([]byte, n-len(s))...)
}

// nonEmpty writes s or fails when it is empty.
func (fw *featureWriter) nonEmpty(s string) error {
	if s == "" {
		return errNoData
	}
	fw.str(s)
	return nil
}

func facts(env *WriteEnv) *host.Facts {
	if env == nil || env.Facts == nil {
		return &host.Facts{}
	}
	return env.Facts
}

func writeTraceInfo(fw *featureWriter, _ *Header, env *WriteEnv) error {
	if env == nil || len(env.TraceInfo) == 0 {
		return errNoData
	}
	fw.buf = append(fw.buf, env.TraceInfo...)
	return nil
}

func writeBuildID(fw *featureWriter, _ *Header, env *WriteEnv) error {
	if env == nil || len(env.BuildIDs) == 0 {
		return errors.New("no build ids with hits")
	}
	var err error
	fw.buf, err = appendBuildIDTable(fw.buf, env.BuildIDs, fw.order)
	return err
}

func writeHostname(fw *featureWriter, _ *Header, env *WriteEnv) error {
	return fw.nonEmpty(facts(env).Hostname)
}

func writeOSRelease(fw *featureWriter, _ *Header, env *WriteEnv) error {
	return fw.nonEmpty(facts(env).OSRelease)
}

func writeArch(fw *featureWriter, _ *Header, env *WriteEnv) error {
	return fw.nonEmpty(facts(env).Arch)
}

func writeVersion(fw *featureWriter, _ *Header, env *WriteEnv) error {
	if env == nil {
		return errNoData
	}
	return fw.nonEmpty(env.Version)
}

func writeCPUDesc(fw *featureWriter, _ *Header, env *WriteEnv) error {
	return fw.nonEmpty(facts(env).CPUDesc)
}

func writeCPUID(fw *featureWriter, _ *Header, env *WriteEnv) error {
	return fw.nonEmpty(facts(env).CPUID)
}

func writeNrCPUs(fw *featureWriter, _ *Header, env *WriteEnv) error {
	f := facts(env)
	if f.NrCPUsConfigured == 0 {
		return errNoData
	}
	fw.u32(f.NrCPUsConfigured)
	fw.u32(f.NrCPUsOnline)
	return nil
}

func writeTotalMem(fw *featureWriter, _ *Header, env *WriteEnv) error {
	f := facts(env)
	if f.TotalMemKB == 0 {
		return errNoData
	}
	fw.u64(f.TotalMemKB)
	return nil
}

func writeCmdline(fw *featureWriter, _ *Header, env *WriteEnv) error {
	if env == nil || env.Exe == "" {
		return errNoData
	}
	fw.u32(uint32(len(env.Args) + 1))
	fw.str(env.Exe)
	for _, arg := range env.Args {
		fw.str(arg)
	}
	return nil
}

func writeEventDesc(fw *featureWriter, h *Header, _ *WriteEnv) error {
	if len(h.Attrs) == 0 {
		return errNoData
	}
	fw.u32(uint32(len(h.Attrs)))
	fw.u32(perfevent.AttrSize)
	for i := range h.Attrs {
		fa := &h.Attrs[i]
		attr := fa.Attr
		attr.Size = perfevent.AttrSize
		fw.buf = attr.Encode(fw.buf, fw.order)
		fw.u32(uint32(len(fa.IDs)))
		fw.str(h.EventName(&fa.Attr))
		for _, id := range fa.IDs {
			fw.u64(id)
		}
	}
	return nil
}

func writeCPUTopology(fw *featureWriter, _ *Header, env *WriteEnv) error {
	f := facts(env)
	if len(f.CoreSiblings) == 0 || len(f.ThreadSiblings) == 0 {
		return errNoData
	}
	fw.u32(uint32(len(f.CoreSiblings)))
	for _, s := range f.CoreSiblings {
		fw.str(s)
	}
	fw.u32(uint32(len(f.ThreadSiblings)))
	for _, s := range f.ThreadSiblings {
		fw.str(s)
	}
	return nil
}

func writeNUMATopology(fw *featureWriter, _ *Header, env *WriteEnv) error {
	f := facts(env)
	if len(f.NUMANodes) == 0 {
		return errNoData
	}
	fw.u32(uint32(len(f.NUMANodes)))
	for _, n := range f.NUMANodes {
		fw.u32(n.ID)
		fw.u64(n.MemTotalKB)
		fw.u64(n.MemFreeKB)
		fw.str(n.CPUs)
	}
	return nil
}

// featureReader decodes a feature section. Reads past the end of the
// section fail with io.ErrUnexpectedEOF.
type featureReader struct {
	r     io.Reader
	order perfevent.ByteOrder
}

func (fr *featureReader) read(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

func (fr *featureReader) u32() (uint32, error) {
	b, err := fr.read(4)
	if err != nil {
		return 0, err
	}
	return fr.order.Uint32(b), nil
}

func (fr *featureReader) u64() (uint64, error) {
	b, err := fr.read(8)
	if err != nil {
		return 0, err
	}
	return fr.order.Uint64(b), nil
}

// maxStringLen bounds the length prefix of a section string.
const maxStringLen = 1 << 20

func (fr *featureReader) str() (string, error) {
	n, err := fr.u32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string of %d bytes exceeds limit", n)
	}
	b, err := fr.read(int(n))
	if err != nil {
		return "", err
	}
	return stringutil.CString(b), nil
}
