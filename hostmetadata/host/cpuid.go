// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "go.opentelemetry.io/perfsession/hostmetadata/host"

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

const (
	cpuOnlinePath  = "devices/system/cpu/online"
	cpuPresentPath = "devices/system/cpu/present"
)

// cpuidString formats the identification of the boot CPU the way the CPUID
// feature stores it: "vendor,family,model,stepping".
func cpuidString() (string, error) {
	if cpuid.CPU.VendorString == "" {
		return "", errors.New("CPUID vendor not available")
	}
	return fmt.Sprintf("%s,%d,%d,%d", cpuid.CPU.VendorString,
		cpuid.CPU.Family, cpuid.CPU.Model, cpuid.CPU.Stepping), nil
}

// ParseCPUCoreIDs reads a CPU list file from sysfs and reports the core IDs
// as a list of integers.
func ParseCPUCoreIDs(cpuPath string) ([]int, error) {
	buf, err := os.ReadFile(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %v", cpuPath, err)
	}
	return readCPURange(string(buf))
}

// Since the format of online CPUs can contain comma-separated, ranges or a single value
// we need to try and parse it in all its different forms.
// Reference: https://www.kernel.org/doc/Documentation/admin-guide/cputopology.rst
func readCPURange(cpuRangeStr string) ([]int, error) {
	var cpus []int
	cpuRangeStr = strings.Trim(cpuRangeStr, "\n ")
	if cpuRangeStr == "" {
		return nil, nil
	}
	for _, cpuRange := range strings.Split(cpuRangeStr, ",") {
		rangeOp := strings.SplitN(cpuRange, "-", 2)
		first, err := strconv.ParseUint(rangeOp[0], 10, 32)
		if err != nil {
			return nil, err
		}
		if len(rangeOp) == 1 {
			cpus = append(cpus, int(first))
			continue
		}
		last, err := strconv.ParseUint(rangeOp[1], 10, 32)
		if err != nil {
			return nil, err
		}
		for n := first; n <= last; n++ {
			cpus = append(cpus, int(n))
		}
	}
	return cpus, nil
}

// writeCPURange is the inverse of readCPURange.
func writeCPURange(listOf []int) string {
	sort.Ints(listOf)
	var ret string
	for i := range listOf {
		if ret == "" {
			ret = strconv.Itoa(listOf[i])
			continue
		}
		if listOf[i] == listOf[i-1]+1 {
			ret = strings.TrimSuffix(ret, "-"+strconv.Itoa(listOf[i-1]))
			ret += "-" + strconv.Itoa(listOf[i])
		} else {
			ret += "," + strconv.Itoa(listOf[i])
		}
	}

	return ret
}
