// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/perfsession/periodiccaller"

import (
	"context"
	"time"
)

// Start calls callback with the tick time every interval until ctx is
// done or the returned stop function is called. Stop waits for a running
// callback to return.
func Start(ctx context.Context, interval time.Duration,
	callback func(now time.Time)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				callback(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
