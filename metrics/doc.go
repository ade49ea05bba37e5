// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics exports the processing statistics of perf sessions.

Metric IDs are defined in metrics.json and exported through OTel counters
and gauges. Sessions and recorders push their totals with Add and AddSlice:

	metrics.AddSlice(stats.Metrics())
	metrics.Flush()

Values are exported in batches of one second. Counter values pushed
several times within a batch are summed and gauges keep their highest
value. To add a metric append an entry to metrics.json and regenerate ids.go.
*/
package metrics
