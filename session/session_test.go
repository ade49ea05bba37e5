// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perfsession/hostmetadata/host"
	"go.opentelemetry.io/perfsession/metrics"
	"go.opentelemetry.io/perfsession/ordered"
	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/symbol"
	"go.opentelemetry.io/perfsession/testsupport"
)

const testSampleType = perfevent.SampleIP | perfevent.SampleTID |
	perfevent.SampleTime | perfevent.SampleCPU | perfevent.SamplePeriod

var (
	testBuildID = []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14,
	}
	user = uint16(perfevent.CPUModeUser)
)

func testAttr() perfevent.Attr {
	return perfevent.Attr{
		Type:       perfevent.TypeSoftware,
		Config:     perfevent.SWCPUClock,
		SampleType: testSampleType,
	}
}

// writeInit places an executable with a main function at /bin/init of a
// new symfs root.
func writeInit(t *testing.T) string {
	t.Helper()
	symbol.PurgeCache()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, testsupport.WriteELF(filepath.Join(root, "bin", "init"),
		&testsupport.ELFSpec{
			TextSize: 0x100,
			Symtab:   []testsupport.ELFSymbol{{Name: "main", Offset: 0x40, Size: 0x20}},
			BuildID:  testBuildID,
		}))
	return root
}

func testConfig(root string) Config {
	return Config{
		Output:       io.Discard,
		SymfsRoot:    root,
		KallsymsPath: filepath.Join(root, "kallsyms"),
		DebugDir:     filepath.Join(root, "debug"),
	}
}

type record struct {
	misc uint16
	ev   perfevent.Event
}

// initRecords start the thread 42 running /bin/init.
func initRecords() []record {
	return []record{
		{user, &perfevent.CommEvent{Pid: 42, Tid: 42, Comm: "init"}},
		{user, &perfevent.MmapEvent{Pid: 42, Tid: 42, Start: 0x400000, Len: 0x1000,
			Pgoff: testsupport.ELFTextOffset, Filename: "/bin/init"}},
	}
}

func sample(ip uint64, ts uint64) record {
	return record{user, &perfevent.SampleEvent{IP: ip, Pid: 42, Tid: 42, Time: ts, Period: 1}}
}

type dataFile struct {
	t     *testing.T
	f     *os.File
	hdr   *perfdata.Header
	w     *Writer
	order perfevent.ByteOrder
}

func newDataFile(t *testing.T) *dataFile {
	t.Helper()
	return newDataFileOrder(t, perfevent.NativeEndian)
}

// newDataFileOrder starts a container written as a host of the given byte
// order would write it.
func newDataFileOrder(t *testing.T, order perfevent.ByteOrder) *dataFile {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "perf.data"))
	require.NoError(t, err)
	hdr := perfdata.New()
	hdr.AddAttr(testAttr(), []uint64{1})
	hdr.PushEventType(perfevent.SWCPUClock, "cpu-clock")
	require.NoError(t, hdr.WriteOrder(f, nil, false, order))
	return &dataFile{t: t, f: f, hdr: hdr, w: NewWriter(f, testSampleType, order), order: order}
}

func (d *dataFile) emit(recs ...record) {
	for _, r := range recs {
		require.NoError(d.t, d.w.Emit(r.misc, r.ev))
	}
}

func (d *dataFile) raw(b []byte) {
	require.NoError(d.t, d.w.Write(b))
}

// finish writes the data size and returns the path of the file.
func (d *dataFile) finish() string {
	d.hdr.DataSize = d.w.Size()
	require.NoError(d.t, d.hdr.WriteOrder(d.f, nil, false, d.order))
	require.NoError(d.t, d.f.Close())
	return d.f.Name()
}

// finalize writes the data size and then the feature sections set in
// features, and returns the path of the file.
func (d *dataFile) finalize(features []perfdata.Feature, env *perfdata.WriteEnv) string {
	d.hdr.DataSize = d.w.Size()
	require.NoError(d.t, d.hdr.WriteOrder(d.f, nil, false, d.order))
	for _, f := range features {
		d.hdr.Features.Set(f)
	}
	require.NoError(d.t, d.hdr.WriteOrder(d.f, env, true, d.order))
	require.NoError(d.t, d.f.Close())
	return d.f.Name()
}

type resolved struct {
	Pid  int32
	Comm string
	Sym  string
	Time uint64
}

func collectSamples(out *[]resolved) Handler[*perfevent.SampleEvent] {
	return func(s *Session, h perfevent.Header, ev *perfevent.SampleEvent) error {
		t, al := s.ResolveSample(h, ev)
		r := resolved{Pid: t.Pid, Comm: t.Comm(), Time: ev.Time}
		if al.Sym != nil {
			r.Sym = al.Sym.Name
		}
		*out = append(*out, r)
		return nil
	}
}

func processFile(t *testing.T, path string, cfg Config) (*Session, []resolved) {
	t.Helper()
	s, err := Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var out []resolved
	ops := DefaultOps()
	ops.Sample = collectSamples(&out)
	require.NoError(t, s.Process(context.Background(), ops))
	return s, out
}

func TestProcessFile(t *testing.T) {
	root := writeInit(t)
	d := newDataFile(t)
	d.emit(initRecords()...)
	d.emit(sample(0x400050, 100), sample(0xdead, 200))
	path := d.finish()

	s, out := processFile(t, path, testConfig(root))
	assert.False(t, s.IsPipe())
	assert.Equal(t, testSampleType, s.SampleType())
	assert.Equal(t, []resolved{
		{Pid: 42, Comm: "init", Sym: "main", Time: 100},
		{Pid: 42, Comm: "init", Time: 200},
	}, out)

	st := s.Stats()
	assert.Equal(t, uint64(4), st.Totals[0])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordComm])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordMmap])
	assert.Equal(t, uint64(2), st.Totals[perfevent.RecordSample])
	assert.Equal(t, uint64(1), st.Unresolved)

	idle := s.Machines().Host().FindThread(0)
	require.NotNil(t, idle)
	assert.Equal(t, "swapper", idle.Comm())
}

func TestProcessFileOrdered(t *testing.T) {
	root := writeInit(t)
	P := ordered.FlushPeriod
	d := newDataFile(t)
	d.emit(initRecords()...)
	d.emit(sample(0x400050, 3), sample(0x400050, 1), sample(0x400050, 2))
	path := d.finish()

	times := func(rs []resolved) []uint64 {
		var ts []uint64
		for _, r := range rs {
			ts = append(ts, r.Time)
		}
		return ts
	}

	_, out := processFile(t, path, testConfig(root))
	assert.Equal(t, []uint64{3, 1, 2}, times(out))

	cfg := testConfig(root)
	cfg.OrderedSamples = true
	_, out = processFile(t, path, cfg)
	assert.Equal(t, []uint64{1, 2, 3}, times(out))

	// A sample older than the last flush is dropped.
	d = newDataFile(t)
	d.emit(initRecords()...)
	d.emit(sample(0x400050, 1), sample(0x400050, P), sample(0x400050, 1+2*P),
		sample(0x400050, 2+2*P), sample(0x400050, P))
	s, out := processFile(t, d.finish(), cfg)
	assert.Equal(t, []uint64{1, P, 1 + 2*P, 2 + 2*P}, times(out))
	assert.Equal(t, uint64(1), s.Stats().OrderingErrors)
	assert.Equal(t, uint64(5), s.Stats().Totals[perfevent.RecordSample])
}

func TestProcessFileOppositeEndian(t *testing.T) {
	root := writeInit(t)
	d := newDataFileOrder(t, perfevent.OppositeEndian())
	d.emit(initRecords()...)
	d.emit(sample(0x400050, 300), sample(0x400058, 100), sample(0xdead, 200))

	var id [perfevent.BuildIDSize]byte
	copy(id[:], testBuildID)
	path := d.finalize([]perfdata.Feature{perfdata.FeatHostname, perfdata.FeatBuildID},
		&perfdata.WriteEnv{
			Facts: &host.Facts{Hostname: "builder"},
			BuildIDs: []perfdata.BuildIDRecord{{
				Misc: user,
				Event: perfevent.BuildIDEvent{
					Pid: perfdata.HostKernelID, BuildID: id, Filename: "/bin/init",
				},
			}},
		})

	late := resolved{Pid: 42, Comm: "init", Sym: "main", Time: 300}
	early := resolved{Pid: 42, Comm: "init", Sym: "main", Time: 100}
	unknown := resolved{Pid: 42, Comm: "init", Time: 200}
	for name, tc := range map[string]struct {
		ordered bool
		want    []resolved
	}{
		"unordered": {want: []resolved{late, early, unknown}},
		"ordered":   {ordered: true, want: []resolved{early, unknown, late}},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(root)
			cfg.OrderedSamples = tc.ordered
			s, out := processFile(t, path, cfg)

			hdr := s.Header()
			assert.True(t, hdr.NeedsSwap)
			assert.True(t, hdr.Features.Has(perfdata.FeatHostname))
			assert.True(t, hdr.Features.Has(perfdata.FeatBuildID))
			assert.Equal(t, testSampleType, s.SampleType())

			assert.Equal(t, tc.want, out)
			st := s.Stats()
			assert.Equal(t, uint64(1), st.Totals[perfevent.RecordComm])
			assert.Equal(t, uint64(1), st.Totals[perfevent.RecordMmap])
			assert.Equal(t, uint64(3), st.Totals[perfevent.RecordSample])
			assert.Equal(t, uint64(1), st.Unresolved)
			assert.Equal(t, uint64(0), st.Resyncs)

			dso := s.Machines().Host().User.Find("/bin/init")
			require.NotNil(t, dso)
			assert.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", dso.BuildIDString())
		})
	}
}

func TestProcessFileWindowSlide(t *testing.T) {
	d := newDataFile(t)
	const n = 20000
	for i := range n {
		d.emit(record{user, &perfevent.CommEvent{
			Pid: uint32(i + 1), Tid: uint32(i + 1), Comm: fmt.Sprintf("t%d", i%100),
		}})
	}
	cfg := testConfig(t.TempDir())
	s, _ := processFile(t, d.finish(), cfg)

	assert.Equal(t, uint64(n), s.Stats().Totals[perfevent.RecordComm])
	assert.Equal(t, uint64(0), s.Stats().Resyncs)
	last := s.Machines().Host().FindThread(n)
	require.NotNil(t, last)
	assert.Equal(t, fmt.Sprintf("t%d", (n-1)%100), last.Comm())
}

func TestProcessFileResync(t *testing.T) {
	d := newDataFile(t)
	d.emit(record{user, &perfevent.CommEvent{Pid: 1, Tid: 1, Comm: "a"}})
	d.raw(make([]byte, 8))
	d.emit(record{user, &perfevent.CommEvent{Pid: 2, Tid: 2, Comm: "b"}})
	s, _ := processFile(t, d.finish(), testConfig(t.TempDir()))

	assert.Equal(t, uint64(1), s.Stats().Resyncs)
	assert.Equal(t, uint64(2), s.Stats().Totals[perfevent.RecordComm])
	assert.Equal(t, "b", s.Machines().Host().FindThread(2).Comm())
}

func TestProcessFileCorrupt(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxResync = 4

	d := newDataFile(t)
	d.raw(make([]byte, 8*4))
	d.emit(record{user, &perfevent.CommEvent{Pid: 1, Tid: 1, Comm: "a"}})
	s, _ := processFile(t, d.finish(), cfg)
	assert.Equal(t, uint64(4), s.Stats().Resyncs)
	assert.Equal(t, uint64(1), s.Stats().Totals[perfevent.RecordComm])

	d = newDataFile(t)
	d.raw(make([]byte, 8*5))
	d.emit(record{user, &perfevent.CommEvent{Pid: 1, Tid: 1, Comm: "a"}})
	s, err := Open(d.finish(), cfg)
	require.NoError(t, err)
	defer s.Close()
	err = s.Process(context.Background(), DefaultOps())
	require.ErrorIs(t, err, ErrCorruptStream)
}

func TestProcessFileUnknownAndTruncated(t *testing.T) {
	d := newDataFile(t)
	unknown := make([]byte, 16)
	perfevent.PutHeader(unknown, perfevent.Header{Type: 50, Size: 16}, perfevent.NativeEndian)
	d.raw(unknown)
	d.emit(record{user, &perfevent.CommEvent{Pid: 1, Tid: 1, Comm: "a"}})
	// The last record claims more bytes than the file holds.
	partial := make([]byte, 16)
	perfevent.PutHeader(partial, perfevent.Header{Type: perfevent.RecordComm, Size: 64},
		perfevent.NativeEndian)
	d.raw(partial)
	s, _ := processFile(t, d.finish(), testConfig(t.TempDir()))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.UnknownEvents)
	assert.Equal(t, uint64(2), st.Totals[0])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordComm])
}

func TestProcessUnfinishedFile(t *testing.T) {
	d := newDataFile(t)
	d.emit(record{user, &perfevent.CommEvent{Pid: 1, Tid: 1, Comm: "a"}})
	d.emit(record{user, &perfevent.CommEvent{Pid: 2, Tid: 2, Comm: "b"}})
	// The data size stays zero, the records run up to the end of file.
	require.NoError(t, d.f.Close())
	s, _ := processFile(t, d.f.Name(), testConfig(t.TempDir()))
	assert.Equal(t, uint64(2), s.Stats().Totals[perfevent.RecordComm])
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	_, err := Open(filepath.Join(dir, "missing"), cfg)
	require.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = Open(empty, cfg)
	require.ErrorIs(t, err, ErrEmptyFile)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, bytes.Repeat([]byte("x"), 256), 0o600))
	_, err = Open(garbage, cfg)
	require.Error(t, err)
	assert.True(t, perfdata.IsFormatError(err))
}

func TestCloseIdempotent(t *testing.T) {
	d := newDataFile(t)
	s, err := Open(d.finish(), testConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestStatsFprint(t *testing.T) {
	var st Stats
	st.count(perfevent.RecordSample)
	st.count(perfevent.RecordSample)
	st.count(perfevent.RecordComm)

	var buf bytes.Buffer
	require.NoError(t, st.Fprint(&buf))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1+len(perfevent.KnownRecordTypes()))
	assert.Equal(t, "     TOTAL events:          3", lines[0])
	assert.Contains(t, lines, "      COMM events:          1")
	assert.Contains(t, lines, "    SAMPLE events:          2")
	assert.Contains(t, lines, "  BUILD_ID events:          0")
}

func TestStatsMetrics(t *testing.T) {
	var st Stats
	st.count(perfevent.RecordSample)
	st.Resyncs = 2
	assert.ElementsMatch(t, []metrics.Metric{
		{ID: metrics.IDRecordsSample, Value: 1},
		{ID: metrics.IDResyncs, Value: 2},
	}, st.Metrics())

	assert.Empty(t, st.Metrics())

	st.count(perfevent.RecordSample)
	st.Lost += 7
	assert.ElementsMatch(t, []metrics.Metric{
		{ID: metrics.IDRecordsSample, Value: 1},
		{ID: metrics.IDLostEvents, Value: 7},
	}, st.Metrics())
}
