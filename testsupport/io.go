// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/perfsession/testsupport"

import (
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CheckReaderAt issues random reads against ra and compares them with the
// matching window of want. Reads may run past the end; those must return a
// short count together with io.EOF.
func CheckReaderAt(t *testing.T, reads int, want []byte, ra io.ReaderAt) {
	t.Helper()
	size := uint64(len(want))
	require.NotZero(t, size)

	rng := rand.New(rand.NewPCG(1, 2)) //nolint:gosec
	for range reads {
		off := rng.Uint64() % size
		n := rng.Uint64() % size
		avail := min(size-off, n)

		buf := make([]byte, n)
		got, err := ra.ReadAt(buf, int64(off))
		if avail < n {
			require.ErrorIs(t, err, io.EOF, "read of %d at %d", n, off)
		} else {
			require.NoError(t, err, "read of %d at %d", n, off)
		}
		require.Equal(t, int(avail), got, "read of %d at %d", n, off)
		if !assert.Equal(t, want[off:off+avail], buf[:avail]) {
			return
		}
	}
}

// Pattern returns size bytes cycling through 0..period-1. A prime period
// keeps page-sized windows from lining up with the pattern.
func Pattern(period uint8, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i % int(period))
	}
	return out
}
