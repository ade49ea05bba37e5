// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicCaller(t *testing.T) {
	var calls atomic.Int32
	stop := Start(context.Background(), 5*time.Millisecond, func(time.Time) {
		calls.Add(1)
	})
	assert.Eventually(t, func() bool { return calls.Load() >= 3 },
		time.Second, time.Millisecond)

	stop()
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
	// Stopping twice is harmless.
	stop()
}

func TestPeriodicCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	stop := Start(ctx, time.Millisecond, func(time.Time) { calls.Add(1) })
	cancel()
	stop()
	n := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}
