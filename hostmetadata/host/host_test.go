// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fakeSys builds a sysfs tree with 4 CPUs on one socket, 2 threads per core,
// and two NUMA nodes.
func fakeSys(t *testing.T) string {
	root := t.TempDir()
	cpuDir := filepath.Join(root, "devices/system/cpu")
	writeFile(t, filepath.Join(cpuDir, "present"), "0-3\n")
	writeFile(t, filepath.Join(cpuDir, "online"), "0-2\n")
	threads := []string{"0,2", "1,3", "0,2", "1,3"}
	for i, sib := range threads {
		topo := filepath.Join(cpuDir, "cpu"+strconv.Itoa(i), "topology")
		writeFile(t, filepath.Join(topo, "core_id"), strconv.Itoa(i%2)+"\n")
		writeFile(t, filepath.Join(topo, "physical_package_id"), "0\n")
		writeFile(t, filepath.Join(topo, "core_siblings_list"), "0-3\n")
		writeFile(t, filepath.Join(topo, "thread_siblings_list"), sib+"\n")
	}

	nodeDir := filepath.Join(root, nodeDir)
	writeFile(t, filepath.Join(nodeDir, "online"), "0-1\n")
	writeFile(t, filepath.Join(nodeDir, "node0", "meminfo"),
		"Node 0 MemTotal:       16384 kB\nNode 0 MemFree:         4096 kB\nNode 0 MemUsed: 12288 kB\n")
	writeFile(t, filepath.Join(nodeDir, "node0", "cpulist"), "0,1\n")
	writeFile(t, filepath.Join(nodeDir, "node1", "meminfo"),
		"Node 1 MemTotal:        8192 kB\nNode 1 MemFree:         1024 kB\n")
	writeFile(t, filepath.Join(nodeDir, "node1", "cpulist"), "2-3\n")
	return root
}

func fakeProc(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "meminfo"),
		"MemTotal:       32768 kB\nMemFree:        1024 kB\n")
	writeFile(t, filepath.Join(root, "cpuinfo"), `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 85
model name	: Intel(R)  Xeon(R)   CPU @ 2.00GHz
stepping	: 4

`)
	return root
}

func TestNrCPUs(t *testing.T) {
	configured, online, err := nrCPUs(fakeSys(t))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), configured)
	assert.Equal(t, uint32(3), online)

	_, _, err = nrCPUs(t.TempDir())
	assert.Error(t, err)
}

func TestCPUTopology(t *testing.T) {
	cores, threads, err := cpuTopology(fakeSys(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"0-3"}, cores)
	assert.Equal(t, []string{"0,2", "1,3"}, threads)
}

func TestNUMATopology(t *testing.T) {
	nodes, err := numaTopology(fakeSys(t))
	require.NoError(t, err)
	assert.Equal(t, []NUMANode{
		{ID: 0, MemTotalKB: 16384, MemFreeKB: 4096, CPUs: "0-1"},
		{ID: 1, MemTotalKB: 8192, MemFreeKB: 1024, CPUs: "2-3"},
	}, nodes)
}

func TestParseNodeMeminfo(t *testing.T) {
	_, _, err := parseNodeMeminfo([]byte("Node 0 MemTotal: 1 kB\n"))
	assert.Error(t, err)
	_, _, err = parseNodeMeminfo([]byte("Node 0 MemTotal: x kB\nNode 0 MemFree: 1 kB\n"))
	assert.Error(t, err)
}

func TestTotalMem(t *testing.T) {
	total, err := totalMemKB(fakeProc(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(32768), total)
}

func TestCPUDesc(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("cpuinfo fixture uses the x86 layout")
	}
	desc, err := cpuDesc(fakeProc(t))
	require.NoError(t, err)
	assert.Equal(t, "Intel(R) Xeon(R) CPU @ 2.00GHz", desc)
}

func TestCPURange(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []int
	}{
		"single": {"3\n", []int{3}},
		"range":  {"0-3", []int{0, 1, 2, 3}},
		"mixed":  {"0-1,4,6-7", []int{0, 1, 4, 6, 7}},
		"empty":  {"\n", nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cpus, err := readCPURange(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cpus)
		})
	}
	_, err := readCPURange("a-b")
	assert.Error(t, err)

	assert.Equal(t, "0-1,4,6-7", writeCPURange([]int{7, 6, 4, 1, 0}))
	assert.Equal(t, "", writeCPURange(nil))
}

func TestCollect(t *testing.T) {
	facts, err := Collect(Config{ProcRoot: fakeProc(t), SysRoot: fakeSys(t)})
	require.NoError(t, err)
	assert.NotEmpty(t, facts.Hostname)
	assert.NotEmpty(t, facts.OSRelease)
	assert.NotEmpty(t, facts.Arch)
	assert.Equal(t, uint32(4), facts.NrCPUsConfigured)
	assert.Equal(t, uint64(32768), facts.TotalMemKB)
	assert.Len(t, facts.NUMANodes, 2)
}
