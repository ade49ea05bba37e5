// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elastic/go-perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perfsession/buildid"
	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
)

func TestConvertRecord(t *testing.T) {
	misc, ev, ok := convertRecord(&perf.SampleRecord{
		RecordHeader: perf.RecordHeader{Misc: user},
		IP:           0x400050,
		Pid:          42,
		Tid:          43,
		Time:         1000,
		CPU:          3,
		Period:       250000,
	})
	require.True(t, ok)
	assert.Equal(t, user, misc)
	assert.Equal(t, &perfevent.SampleEvent{
		IP: 0x400050, Pid: 42, Tid: 43, Time: 1000, CPU: 3, Period: 250000,
	}, ev)

	_, ev, ok = convertRecord(&perf.MmapRecord{
		Pid: 42, Tid: 42, Addr: 0x400000, Len: 0x1000, PageOffset: 0x1000, Filename: "/bin/init",
	})
	require.True(t, ok)
	assert.Equal(t, &perfevent.MmapEvent{
		Pid: 42, Tid: 42, Start: 0x400000, Len: 0x1000, Pgoff: 0x1000, Filename: "/bin/init",
	}, ev)

	_, ev, ok = convertRecord(&perf.CommRecord{Pid: 42, Tid: 42, NewName: "init"})
	require.True(t, ok)
	assert.Equal(t, &perfevent.CommEvent{Pid: 42, Tid: 42, Comm: "init"}, ev)

	_, ev, ok = convertRecord(&perf.ExitRecord{Pid: 42, Ppid: 1, Tid: 42, Ptid: 1, Time: 5})
	require.True(t, ok)
	assert.Equal(t, perfevent.RecordExit, ev.Type())

	_, ev, ok = convertRecord(&perf.UnthrottleRecord{Time: 9, ID: 1})
	require.True(t, ok)
	assert.Equal(t, perfevent.RecordUnthrottle, ev.Type())

	_, _, ok = convertRecord(&perf.AuxRecord{})
	assert.False(t, ok)
}

type ringRead struct {
	rec perf.Record
	err error
}

// scriptedRing replays reads and cancels the capture once they run out.
type scriptedRing struct {
	reads  []ringRead
	calls  int
	cancel context.CancelFunc
}

func (s *scriptedRing) ReadRecord(ctx context.Context) (perf.Record, error) {
	if s.calls >= len(s.reads) {
		s.cancel()
		return nil, ctx.Err()
	}
	r := s.reads[s.calls]
	s.calls++
	return r.rec, r.err
}

func encodedSize(t *testing.T, ev perfevent.Event) uint64 {
	t.Helper()
	rec, err := perfevent.Encode(ev, 0, recordSampleType, perfevent.NativeEndian)
	require.NoError(t, err)
	return uint64(len(rec))
}

func TestReadRing(t *testing.T) {
	errBadRead := errors.New("unknown record type 99")
	comm := &perf.CommRecord{Pid: 42, Tid: 42, NewName: "init"}
	sample := &perf.SampleRecord{IP: 0x400050, Pid: 42, Tid: 42, Time: 7}

	t.Run("skips undecodable records", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ring := &scriptedRing{cancel: cancel, reads: []ringRead{
			{err: errBadRead},
			{rec: comm},
			{err: errBadRead},
			{rec: sample},
		}}
		r := &Recorder{w: NewWriter(io.Discard, recordSampleType, perfevent.NativeEndian)}
		require.NoError(t, r.readRing(ctx, ring))
		assert.Equal(t, 4, ring.calls)
		assert.Equal(t,
			encodedSize(t, &perfevent.CommEvent{Pid: 42, Tid: 42, Comm: "init"})+
				encodedSize(t, &perfevent.SampleEvent{IP: 0x400050, Pid: 42, Tid: 42, Time: 7}),
			r.w.Size())
	})

	t.Run("persistent errors end the capture", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		reads := make([]ringRead, 2*maxReadFailures)
		for i := range reads {
			reads[i].err = errBadRead
		}
		ring := &scriptedRing{cancel: cancel, reads: reads}
		r := &Recorder{w: NewWriter(io.Discard, recordSampleType, perfevent.NativeEndian)}
		err := r.readRing(ctx, ring)
		require.ErrorIs(t, err, errBadRead)
		assert.Equal(t, maxReadFailures, ring.calls)
	})

	t.Run("disabled event", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ring := &scriptedRing{cancel: cancel, reads: []ringRead{{err: perf.ErrDisabled}}}
		r := &Recorder{w: NewWriter(io.Discard, recordSampleType, perfevent.NativeEndian)}
		require.ErrorIs(t, r.readRing(ctx, ring), perf.ErrDisabled)
		assert.Equal(t, 1, ring.calls)
	})
}

//nolint:lll
const initMaps = `00400000-00401000 r-xp 00001000 fd:01 1234                               /bin/init
`

func writeProcFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRecorderFinish(t *testing.T) {
	root := writeInit(t)
	procRoot := t.TempDir()
	writeProcFile(t, filepath.Join(procRoot, "42/task/42/status"),
		"Name:\tinit\nTgid:\t42\nPid:\t42\n")
	writeProcFile(t, filepath.Join(procRoot, "42/maps"), initMaps)

	output := filepath.Join(t.TempDir(), "perf.data")
	debugDir := filepath.Join(t.TempDir(), "debug")
	r := NewRecorder(RecordConfig{
		Output:   output,
		CPUs:     []int{0},
		ProcRoot: procRoot,
		Args:     []string{"record", "-o", output},
		Session: Config{
			SymfsRoot:    root,
			KallsymsPath: filepath.Join(root, "kallsyms"),
			DebugDir:     debugDir,
		},
	})

	require.NoError(t, r.begin([]uint64{7}))
	r.progress(time.Now())
	require.NoError(t, r.w.Emit(user, &perfevent.SampleEvent{
		IP: 0x400050, Pid: 42, Tid: 42, Time: 1, Period: 1,
	}))
	require.NoError(t, r.finish())
	require.NoError(t, r.f.Close())

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	hdr, err := perfdata.Read(f)
	require.NoError(t, err)
	require.Len(t, hdr.Attrs, 1)
	assert.Equal(t, []uint64{7}, hdr.Attrs[0].IDs)
	assert.Equal(t, "cpu-clock", hdr.EventName(&hdr.Attrs[0].Attr))
	assert.NotZero(t, hdr.DataSize)
	assert.True(t, hdr.Features.Has(perfdata.FeatBuildID))

	records, err := hdr.ReadBuildIDs(f)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/bin/init", records[0].Event.Filename)
	assert.Equal(t, perfevent.CPUModeUser, records[0].CPUMode())
	assert.Equal(t, testBuildID, records[0].Event.BuildID[:20])

	_, ok := buildid.New(debugDir).Lookup("0102030405060708090a0b0c0d0e0f1011121314")
	assert.True(t, ok)

	s, err := Open(output, testConfig(root))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Process(context.Background(), DefaultOps()))
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordComm])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordMmap])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordSample])
	assert.Equal(t, "init", s.Machines().Host().FindThread(42).Comm())
}
