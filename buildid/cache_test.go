// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package buildid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perfsession/symbol"
)

const testBuildID = "0102030405060708090a0b0c0d0e0f1011121314"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

func TestAddAndRemove(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "bin", "init")
	writeFile(t, bin, "ELF payload")
	c := New(filepath.Join(root, "debug"))

	require.NoError(t, c.Add(testBuildID, bin, false))

	link := c.LinkPath(testBuildID)
	assert.Equal(t, filepath.Join(c.Dir, ".build-id", "01", testBuildID[2:]), link)
	target, err := os.Readlink(link)
	require.NoError(t, err)
	realBin, err := filepath.EvalSymlinks(bin)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", realBin, testBuildID), target)

	got, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "ELF payload", string(got))

	found, ok := c.Lookup(testBuildID)
	assert.True(t, ok)
	assert.Equal(t, link, found)

	// Adding the same file again is fine.
	require.NoError(t, c.Add(testBuildID, bin, false))

	// Another file claiming the build id is not.
	other := filepath.Join(root, "bin", "other")
	writeFile(t, other, "different")
	require.ErrorIs(t, c.Add(testBuildID, other, false), ErrLinkConflict)

	require.NoError(t, c.Remove(testBuildID))
	_, err = os.Lstat(link)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(c.contentPath(testBuildID, realBin))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, ok = c.Lookup(testBuildID)
	assert.False(t, ok)

	assert.Error(t, c.Remove(testBuildID))
}

func TestAddMissingFile(t *testing.T) {
	c := New(t.TempDir())
	assert.Error(t, c.Add(testBuildID, "/does/not/exist", false))
}

func TestInvalidBuildID(t *testing.T) {
	c := New(t.TempDir())
	for _, id := range []string{"", "ab", "xyz123"} {
		assert.ErrorIs(t, c.Add(id, "/bin/true", false), ErrInvalidBuildID, id)
		assert.ErrorIs(t, c.Remove(id), ErrInvalidBuildID, id)
	}
}

func TestAddKallsyms(t *testing.T) {
	root := t.TempDir()
	readable := filepath.Join(root, "kallsyms")
	writeFile(t, readable, "ffffffff81000000 T _text\n")

	c := New(filepath.Join(root, "debug"))
	c.KallsymsPath = readable
	require.NoError(t, c.Add(testBuildID, symbol.KernelName, true))

	target, err := os.Readlink(c.LinkPath(testBuildID))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", symbol.KernelName, testBuildID), target)
	got, err := os.ReadFile(c.LinkPath(testBuildID))
	require.NoError(t, err)
	assert.Equal(t, "ffffffff81000000 T _text\n", string(got))

	restricted := filepath.Join(root, "restricted")
	writeFile(t, restricted, "0000000000000000 T _text\n")
	c = New(filepath.Join(root, "debug2"))
	c.KallsymsPath = restricted
	require.NoError(t, c.Add(testBuildID, symbol.KernelName, true))
	_, ok := c.Lookup(testBuildID)
	assert.False(t, ok)
}

func TestAddDSOs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bin", "hit"), "hit")
	writeFile(t, filepath.Join(root, "bin", "cold"), "cold")
	kallsymsPath := filepath.Join(root, "kallsyms")
	writeFile(t, kallsymsPath, "ffffffff81000000 T _text\n")

	kernel := symbol.NewDSOList(symbol.KindKernel)
	k := kernel.FindOrCreate(symbol.KernelName)
	k.SetBuildID([]byte{0xaa, 0xbb, 0xcc})
	k.Hit = true

	user := symbol.NewDSOList(symbol.KindUser)
	hit := user.FindOrCreate("/bin/hit")
	hit.SetBuildID([]byte{0x11, 0x22})
	hit.Hit = true
	cold := user.FindOrCreate("/bin/cold")
	cold.SetBuildID([]byte{0x33, 0x44})
	user.FindOrCreate("/bin/nobuildid").Hit = true

	c := New(filepath.Join(root, "debug"))
	c.KallsymsPath = kallsymsPath
	c.SymfsRoot = root
	require.NoError(t, c.AddDSOs(kernel, user))

	_, ok := c.Lookup(k.BuildIDString())
	assert.True(t, ok)
	_, ok = c.Lookup(hit.BuildIDString())
	assert.True(t, ok)
	_, ok = c.Lookup(cold.BuildIDString())
	assert.False(t, ok)

	hit2 := symbol.NewDSOList(symbol.KindUser).FindOrCreate("/bin/missing")
	hit2.SetBuildID([]byte{0x55})
	assert.Error(t, c.AddDSO(hit2))
	assert.Error(t, c.AddDSO(symbol.NewDSO("/bin/hit")))
}
