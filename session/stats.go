// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"fmt"
	"io"

	"go.opentelemetry.io/perfsession/metrics"
	"go.opentelemetry.io/perfsession/perfevent"
)

// Stats counts the records seen by a session.
type Stats struct {
	// Totals is indexed by record type. Index 0 counts all records.
	Totals [perfevent.RecordHeaderMax]uint64

	// Lost is the number of events the kernel dropped.
	Lost           uint64
	UnknownEvents  uint64
	Resyncs        uint64
	OrderingErrors uint64
	// Unresolved counts samples whose address matched no map.
	Unresolved uint64

	reported reportedStats
}

// reportedStats holds the values already exported as metrics.
type reportedStats struct {
	totals [perfevent.RecordHeaderMax]uint64
	other  [5]uint64
}

func (s *Stats) count(t perfevent.RecordType) {
	if t >= perfevent.RecordHeaderMax {
		return
	}
	s.Totals[0]++
	s.Totals[t]++
}

// Fprint writes the per type totals.
func (s *Stats) Fprint(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%10s events: %10d\n", "TOTAL", s.Totals[0]); err != nil {
		return err
	}
	for _, t := range perfevent.KnownRecordTypes() {
		if _, err := fmt.Fprintf(w, "%10s events: %10d\n", t, s.Totals[t]); err != nil {
			return err
		}
	}
	return nil
}

var recordMetricIDs = map[perfevent.RecordType]metrics.MetricID{
	perfevent.RecordMmap:              metrics.IDRecordsMmap,
	perfevent.RecordLost:              metrics.IDRecordsLost,
	perfevent.RecordComm:              metrics.IDRecordsComm,
	perfevent.RecordExit:              metrics.IDRecordsExit,
	perfevent.RecordThrottle:          metrics.IDRecordsThrottle,
	perfevent.RecordUnthrottle:        metrics.IDRecordsUnthrottle,
	perfevent.RecordFork:              metrics.IDRecordsFork,
	perfevent.RecordRead:              metrics.IDRecordsRead,
	perfevent.RecordSample:            metrics.IDRecordsSample,
	perfevent.RecordHeaderAttr:        metrics.IDRecordsAttr,
	perfevent.RecordHeaderEventType:   metrics.IDRecordsEventType,
	perfevent.RecordHeaderTracingData: metrics.IDRecordsTracingData,
	perfevent.RecordHeaderBuildID:     metrics.IDRecordsBuildID,
}

// Metrics returns the counter increments since the last call.
func (s *Stats) Metrics() []metrics.Metric {
	var out []metrics.Metric
	for _, t := range perfevent.KnownRecordTypes() {
		delta := s.Totals[t] - s.reported.totals[t]
		s.reported.totals[t] = s.Totals[t]
		if delta > 0 {
			out = append(out, metrics.Metric{
				ID:    recordMetricIDs[t],
				Value: metrics.MetricValue(delta),
			})
		}
	}
	for i, c := range []struct {
		id    metrics.MetricID
		value uint64
	}{
		{metrics.IDLostEvents, s.Lost},
		{metrics.IDUnknownEvents, s.UnknownEvents},
		{metrics.IDResyncs, s.Resyncs},
		{metrics.IDOrderingErrors, s.OrderingErrors},
		{metrics.IDUnresolvedSamples, s.Unresolved},
	} {
		delta := c.value - s.reported.other[i]
		s.reported.other[i] = c.value
		if delta > 0 {
			out = append(out, metrics.Metric{ID: c.id, Value: metrics.MetricValue(delta)})
		}
	}
	return out
}
