// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:lll
var testMappings = `55fe82710000-55fe8273c000 r--p 00000000 fd:01 1068432                    /tmp/usr_bin_seahorse
55fe8273c000-55fe827be000 r-xp 0002c000 fd:01 1068432                    /tmp/usr_bin_seahorse
55fe827be000-55fe82836000 r--p 000ae000 fd:01 1068432                    /tmp/usr_bin_seahorse
55fe82836000-55fe8283d000 r--p 00125000 fd:01 1068432                    /tmp/usr_bin_seahorse
55fe8283d000-55fe8283e000 rw-p 0012c000 fd:01 1068432                    /tmp/usr_bin_seahorse
7f63c8c3e000-7f63c8de0000 r-xp 00085000 08:01 1048922                    /tmp/usr_lib_x86_64-linux-gnu_libcrypto.so.1.1
7f63c8ebf000-7f63c8fef000 r-xp 0001c000 1fd:01 1075944                   /tmp/usr_lib_x86_64-linux-gnu_libopensc.so.6.0.0
7f63c8eef000-7f63c8fdf000 r-xp 0001c000 1fd:01
7f63c8eef000-7f63c8fdf000 r-xp 0001c000 1fd.01 1075944
7f63c8eef000-7f63c8fdf000 r- 0001c000 1fd:01 1075944
7f63c8eef000 r-xp 0001c000 1fd:01 1075944
7f8b929f0000-7f8b92a00000 r-xp 00000000 00:00 0 
7ffd1c5f2000-7ffd1c613000 rw-p 00000000 00:00 0                          [stack]
7ffd1c7d8000-7ffd1c7da000 r-xp 00000000 00:00 0                          [vdso]`

func TestParseMappings(t *testing.T) {
	mappings, numParseErrors, err := parseMappings(strings.NewReader(testMappings))
	require.NoError(t, err)
	require.Equal(t, uint32(4), numParseErrors)
	assert.NotNil(t, mappings)

	expected := []Mapping{
		{
			Vaddr:      0x55fe82710000,
			Device:     0xfd01,
			Flags:      elf.PF_R,
			Inode:      1068432,
			Length:     0x2c000,
			FileOffset: 0,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x55fe8273c000,
			Device:     0xfd01,
			Flags:      elf.PF_R + elf.PF_X,
			Inode:      1068432,
			Length:     0x82000,
			FileOffset: 0x2c000,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x55fe827be000,
			Device:     0xfd01,
			Flags:      elf.PF_R,
			Inode:      1068432,
			Length:     0x78000,
			FileOffset: 0xae000,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x55fe82836000,
			Device:     0xfd01,
			Flags:      elf.PF_R,
			Inode:      1068432,
			Length:     0x7000,
			FileOffset: 0x125000,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x55fe8283d000,
			Device:     0xfd01,
			Flags:      elf.PF_R + elf.PF_W,
			Inode:      1068432,
			Length:     0x1000,
			FileOffset: 0x12c000,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x7f63c8c3e000,
			Device:     0x0801,
			Flags:      elf.PF_R + elf.PF_X,
			Inode:      1048922,
			Length:     0x1A2000,
			FileOffset: 544768,
			Path:       "/tmp/usr_lib_x86_64-linux-gnu_libcrypto.so.1.1",
		},
		{
			Vaddr:      0x7f63c8ebf000,
			Device:     0x1fd01,
			Flags:      elf.PF_R + elf.PF_X,
			Inode:      1075944,
			Length:     0x130000,
			FileOffset: 114688,
			Path:       "/tmp/usr_lib_x86_64-linux-gnu_libopensc.so.6.0.0",
		},
		{
			Vaddr:      0x7f8b929f0000,
			Device:     0x0,
			Flags:      elf.PF_R + elf.PF_X,
			Inode:      0,
			Length:     0x10000,
			FileOffset: 0,
			Path:       "",
		},
		{
			Vaddr:  0x7ffd1c7d8000,
			Flags:  elf.PF_R + elf.PF_X,
			Length: 0x2000,
			Path:   VdsoPathName,
		},
	}
	assert.Equal(t, expected, mappings)
}

func TestNewPIDOfSelf(t *testing.T) {
	pid := int32(os.Getpid())
	pr := New(pid, pid)
	assert.Equal(t, pid, pr.PID())

	mappings, numParseErrors, err := pr.GetMappings()
	require.NoError(t, err)
	require.Equal(t, uint32(0), numParseErrors)
	assert.NotEmpty(t, mappings)
}

func TestMainThreadExit(t *testing.T) {
	root := t.TempDir()
	pidDir := filepath.Join(root, "42")
	taskDir := filepath.Join(pidDir, "task", "43")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "maps"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "maps"), []byte(
		"00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon\n"), 0o644))

	_, _, err := NewWithRoot(root, 42, 42).GetMappings()
	require.ErrorIs(t, err, ErrNoMappings)

	mappings, _, err := NewWithRoot(root, 42, 43).GetMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "/usr/bin/dbus-daemon", mappings[0].Path)
	assert.True(t, mappings[0].IsExecutable())

	_, _, err = NewWithRoot(root, int32(999999), 0).GetMappings()
	assert.Error(t, err)
}
