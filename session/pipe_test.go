// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
)

// pipeStream encodes a pipe stream in order: the stream header, the
// header records and recs.
func pipeStream(t *testing.T, order perfevent.ByteOrder, recs ...record) []byte {
	t.Helper()
	var buf bytes.Buffer
	b := append([]byte(nil), perfdata.Magic[:]...)
	buf.Write(order.AppendUint64(b, perfdata.PipeHeaderSize))

	hdr := perfdata.New()
	hdr.AddAttr(testAttr(), []uint64{1, 2})
	hdr.PushEventType(perfevent.SWCPUClock, "cpu-clock")
	w := NewWriter(&buf, testSampleType, order)
	require.NoError(t, SynthesizeAttrs(hdr, w.Emit))
	require.NoError(t, SynthesizeEventTypes(hdr, w.Emit))
	for _, r := range recs {
		require.NoError(t, w.Emit(r.misc, r.ev))
	}
	return buf.Bytes()
}

func processPipe(t *testing.T, stream []byte, cfg Config) (*Session, []resolved) {
	t.Helper()
	s, err := OpenPipe(bytes.NewReader(stream), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var out []resolved
	ops := DefaultOps()
	ops.Sample = collectSamples(&out)
	require.NoError(t, s.Process(context.Background(), ops))
	return s, out
}

func checkPipeSession(t *testing.T, s *Session, out []resolved) {
	t.Helper()
	assert.True(t, s.IsPipe())
	assert.Nil(t, s.File())
	assert.Equal(t, testSampleType, s.SampleType())
	require.Len(t, s.Header().Attrs, 1)
	assert.Equal(t, []uint64{1, 2}, s.Header().Attrs[0].IDs)
	require.Len(t, s.Header().EventTypes, 1)
	assert.Equal(t, "cpu-clock", s.Header().EventTypes[0].Name)

	assert.Equal(t, []resolved{{Pid: 42, Comm: "init", Sym: "main", Time: 100}}, out)
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordHeaderAttr])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordHeaderEventType])
	assert.Equal(t, uint64(1), st.Totals[perfevent.RecordSample])
}

func TestProcessPipe(t *testing.T) {
	root := writeInit(t)
	stream := pipeStream(t, perfevent.NativeEndian,
		append(initRecords(), sample(0x400050, 100))...)
	s, out := processPipe(t, stream, testConfig(root))
	checkPipeSession(t, s, out)
	assert.False(t, s.Header().NeedsSwap)
}

func TestProcessPipeOppositeEndian(t *testing.T) {
	root := writeInit(t)
	order := perfevent.OppositeEndian()
	stream := pipeStream(t, order, append(initRecords(), sample(0x400050, 100))...)
	s, out := processPipe(t, stream, testConfig(root))
	checkPipeSession(t, s, out)
	assert.True(t, s.Header().NeedsSwap)
}

func TestProcessPipeTracingData(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pipeStream(t, perfevent.NativeEndian))
	w := NewWriter(&buf, testSampleType, perfevent.NativeEndian)
	require.NoError(t, w.Emit(0, &perfevent.TracingDataEvent{Size: 5}))
	require.NoError(t, w.Write([]byte{'h', 'e', 'l', 'l', 'o', 0, 0, 0}))
	require.NoError(t, w.Emit(user, &perfevent.CommEvent{Pid: 7, Tid: 7, Comm: "after"}))

	var data []byte
	s, err := OpenPipe(bytes.NewReader(buf.Bytes()), testConfig(t.TempDir()))
	require.NoError(t, err)
	ops := DefaultOps()
	ops.TracingData = func(_ *Session, _ perfevent.Header,
		_ *perfevent.TracingDataEvent, b []byte) error {
		data = append(data, b...)
		return nil
	}
	require.NoError(t, s.Process(context.Background(), ops))

	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, uint64(1), s.Stats().Totals[perfevent.RecordHeaderTracingData])
	assert.Equal(t, "after", s.Machines().Host().FindThread(7).Comm())
}

func TestProcessPipeResync(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pipeStream(t, perfevent.NativeEndian))
	w := NewWriter(&buf, testSampleType, perfevent.NativeEndian)
	require.NoError(t, w.Write(make([]byte, 16)))
	require.NoError(t, w.Emit(user, &perfevent.CommEvent{Pid: 7, Tid: 7, Comm: "x"}))

	s, _ := processPipe(t, buf.Bytes(), testConfig(t.TempDir()))
	assert.Equal(t, uint64(2), s.Stats().Resyncs)
	assert.Equal(t, "x", s.Machines().Host().FindThread(7).Comm())
}

func TestProcessPipeCancelled(t *testing.T) {
	stream := pipeStream(t, perfevent.NativeEndian, initRecords()...)
	s, err := OpenPipe(bytes.NewReader(stream), testConfig(t.TempDir()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Process(ctx, DefaultOps()))
	assert.Zero(t, s.Stats().Totals[0])
}

func TestOpenPipeBadMagic(t *testing.T) {
	_, err := OpenPipe(bytes.NewReader(bytes.Repeat([]byte{'x'}, 16)),
		testConfig(t.TempDir()))
	require.Error(t, err)
	assert.True(t, perfdata.IsFormatError(err))
}

func TestInject(t *testing.T) {
	root := writeInit(t)
	stream := pipeStream(t, perfevent.NativeEndian,
		append(initRecords(), sample(0x400050, 100))...)

	var out bytes.Buffer
	require.NoError(t, Inject(context.Background(), bytes.NewReader(stream), &out,
		testConfig(root), false))
	assert.Equal(t, stream, out.Bytes())
}

func TestInjectBuildIDs(t *testing.T) {
	root := writeInit(t)
	stream := pipeStream(t, perfevent.NativeEndian,
		append(initRecords(), sample(0x400050, 100))...)

	var out bytes.Buffer
	require.NoError(t, Inject(context.Background(), bytes.NewReader(stream), &out,
		testConfig(root), true))
	require.Greater(t, out.Len(), len(stream))
	assert.Equal(t, stream, out.Bytes()[:len(stream)])

	rest := out.Bytes()[len(stream):]
	h, err := perfevent.DecodeHeader(rest, perfevent.NativeEndian)
	require.NoError(t, err)
	require.Equal(t, perfevent.RecordHeaderBuildID, h.Type)
	assert.Equal(t, perfevent.CPUModeUser, h.CPUMode())
	require.Len(t, rest, int(h.Size))

	ev, err := perfevent.Decode(h, rest[perfevent.HeaderSize:], 0, perfevent.NativeEndian)
	require.NoError(t, err)
	bid, ok := ev.(*perfevent.BuildIDEvent)
	require.True(t, ok)
	assert.Equal(t, "/bin/init", bid.Filename)
	assert.Equal(t, testBuildID, bid.BuildID[:20])

	// The injected stream reads back with the build id applied.
	s, _ := processPipe(t, out.Bytes(), testConfig(root))
	dso := s.Machines().Host().User.Find("/bin/init")
	require.NotNil(t, dso)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", dso.BuildIDString())
}
