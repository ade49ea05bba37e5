// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perfsession/kallsyms"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

//nolint:lll
const initMaps = `00400000-00401000 r-xp 00000000 fd:01 1234                               /bin/init
00600000-00601000 rw-p 00000000 fd:01 1234                               /bin/init
7f0000000000-7f0000001000 r-xp 00000000 00:00 0
7ffd1c7d8000-7ffd1c7da000 r-xp 00000000 00:00 0                          [vdso]
`

func fakeProc(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "42/task/42/status"), "Name:\tinit\nTgid:\t42\nPid:\t42\n")
	writeFile(t, filepath.Join(root, "42/task/43/status"), "Name:\tworker\nTgid:\t42\nPid:\t43\n")
	writeFile(t, filepath.Join(root, "42/maps"), initMaps)
	return root
}

type emitted struct {
	misc uint16
	ev   Event
}

func collect(out *[]emitted) EmitFunc {
	return func(misc uint16, ev Event) error {
		*out = append(*out, emitted{misc, ev})
		return nil
	}
}

func TestSynthesizeTask(t *testing.T) {
	var out []emitted
	n, err := NewSynthesizer(fakeProc(t)).Task(42, collect(&out))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	user := uint16(CPUModeUser)
	assert.Equal(t, []emitted{
		{user, &CommEvent{Pid: 42, Tid: 42, Comm: "init"}},
		{user, &CommEvent{Pid: 42, Tid: 43, Comm: "worker"}},
		{user, &MmapEvent{Pid: 42, Tid: 42, Start: 0x400000, Len: 0x1000,
			Filename: "/bin/init"}},
		{user, &MmapEvent{Pid: 42, Tid: 42, Start: 0x7ffd1c7d8000, Len: 0x2000,
			Filename: "[vdso]"}},
	}, out)
}

func TestSynthesizeVanishedTask(t *testing.T) {
	var out []emitted
	n, err := NewSynthesizer(fakeProc(t)).Task(1000, collect(&out))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, out)
}

func TestSynthesizeThreads(t *testing.T) {
	root := fakeProc(t)
	// A process without task directory races with its exit.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "7"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	var out []emitted
	n, err := NewSynthesizer(root).Threads(collect(&out))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, out, 4)
}

func TestKernelMmap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kallsyms")
	writeFile(t, path, "ffffffff81000000 T _text\nffffffff81000100 T start_kernel\n")

	var out []emitted
	require.NoError(t, KernelMmap(path, collect(&out)))
	require.Len(t, out, 1)
	assert.Equal(t, uint16(CPUModeKernel), out[0].misc)
	assert.Equal(t, &MmapEvent{
		Pid:      ^uint32(0),
		Start:    0xffffffff81000000,
		Len:      ^uint64(0) - 0xffffffff81000000,
		Pgoff:    0xffffffff81000000,
		Filename: KernelMmapName,
	}, out[0].ev)

	writeFile(t, path, "0000000000000000 T _text\n")
	require.ErrorIs(t, KernelMmap(path, collect(&out)), kallsyms.ErrSymbolPermissions)

	writeFile(t, path, "ffffffff81000100 T start_kernel\n")
	require.Error(t, KernelMmap(path, collect(&out)))
}
