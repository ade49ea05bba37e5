// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeReporter struct {
	result chan []Metric
}

func (f fakeReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	metricsResult := make([]Metric, len(ids))

	for j := range ids {
		metricsResult[j].ID = MetricID(ids[j])
		metricsResult[j].Value = MetricValue(values[j])
	}

	// send the result back for comparison with client-side input
	f.result <- metricsResult
}

func TestMetrics(t *testing.T) {
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	t.Cleanup(func() { SetReporter(nil) })

	// This makes sure that we have enough time to call Add/AddSlice below
	// within the same timestamp (second resolution).
	time.Sleep(1*time.Second - time.Duration(time.Now().Nanosecond()))

	AddSlice([]Metric{{IDRecordsSample, 33}, {IDLostEvents, 55}})
	Add(IDLostEvents, 5)
	Add(IDResyncs, 66)
	AddSlice([]Metric{{IDOrderedQueueDepth, 20}})
	Add(IDRecordsSample, 1)
	AddSlice([]Metric{{IDOrderedQueueDepth, 7}, {IDUnknownEvents, 0}})

	// trigger reporting
	time.Sleep(1 * time.Second)
	AddSlice(nil)

	timeout := time.NewTimer(3 * time.Second)
	select {
	case outputMetrics := <-reporter.result:
		assert.Equal(t, []Metric{
			{IDRecordsSample, 34},
			{IDLostEvents, 60},
			{IDResyncs, 66},
			{IDOrderedQueueDepth, 20},
		}, outputMetrics)
	case <-timeout.C:
		assert.Fail(t, "timeout - no metrics received in time")
	}
}

func TestFlush(t *testing.T) {
	Flush()
	reporter := &fakeReporter{result: make(chan []Metric, 1)}
	SetReporter(reporter)
	t.Cleanup(func() { SetReporter(nil) })

	Add(IDResyncs, 3)
	Add(IDMax, 1)
	Flush()
	assert.Equal(t, []Metric{{IDResyncs, 3}}, <-reporter.result)

	// Nothing buffered, nothing reported.
	Flush()
	assert.Empty(t, reporter.result)
}

func TestRecorderIncrements(t *testing.T) {
	Flush()
	reporter := &fakeReporter{result: make(chan []Metric, 4)}
	SetReporter(reporter)
	t.Cleanup(func() { SetReporter(nil) })

	// Per-record increments of the recorder must not collapse into one.
	time.Sleep(1*time.Second - time.Duration(time.Now().Nanosecond()))
	for range 100 {
		Add(IDRecorderRecords, 1)
	}
	Flush()
	assert.Equal(t, []Metric{{IDRecorderRecords, 100}}, <-reporter.result)
}

func TestGetDefinitions(t *testing.T) {
	defs := GetDefinitions()
	assert.Len(t, defs, IDMax)
	for i, d := range defs {
		assert.Equal(t, MetricID(i), d.ID)
		if d.ID != IDInvalid {
			assert.NotEmpty(t, d.Field)
		}
	}
}
