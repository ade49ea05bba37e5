// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ordered restores the timestamp order of samples read from several
// interleaved streams, such as the per-CPU rings of one recording.
//
// Samples are buffered in a list sorted by timestamp. Once a sample arrives
// that is more than two flush periods past the oldest unflushed window, the
// first period is handed to the consumer. It is a heuristic: a sample older
// than the last delivered one is rejected with ErrOrdering instead of being
// delivered out of order.
package ordered // import "go.opentelemetry.io/perfsession/ordered"

import (
	"container/list"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/perfsession/metrics"
)

// FlushPeriod is the width of one flush window in timestamp units (ns).
const FlushPeriod = uint64(2 * time.Second)

// ErrOrdering is returned for a sample older than the last flushed one.
var ErrOrdering = errors.New("timestamp below last timeslice flush")

// DeliverFunc receives the buffered samples in ascending timestamp order.
type DeliverFunc func(timestamp uint64, record []byte) error

type entry struct {
	timestamp uint64
	record    []byte
}

// Queue is a reorder buffer. It is not safe for concurrent use.
type Queue struct {
	samples *list.List
	// last is the most recently inserted element, nil after it was flushed.
	last *list.Element

	flushLimit uint64
	lastFlush  uint64

	deliver DeliverFunc

	maxDepth   int
	dispatched uint64
	reported   uint64
}

// New returns an empty queue handing flushed samples to deliver.
func New(deliver DeliverFunc) *Queue {
	return &Queue{
		samples:    list.New(),
		flushLimit: math.MaxUint64,
		deliver:    deliver,
	}
}

// Len returns the number of buffered samples.
func (q *Queue) Len() int {
	return q.samples.Len()
}

// Insert buffers a copy of record under timestamp and flushes the oldest
// period once the buffered span is large enough.
func (q *Queue) Insert(timestamp uint64, record []byte) error {
	if q.flushLimit == math.MaxUint64 {
		q.flushLimit = timestamp + FlushPeriod
	}
	if timestamp < q.lastFlush {
		return ErrOrdering
	}

	e := &entry{timestamp: timestamp, record: append([]byte(nil), record...)}
	q.last = q.insert(e)
	if n := q.samples.Len(); n > q.maxDepth {
		q.maxDepth = n
	}

	if timestamp > q.flushLimit && timestamp-q.flushLimit > FlushPeriod {
		q.flushLimit += FlushPeriod
		return q.flush()
	}
	return nil
}

func timestampOf(el *list.Element) uint64 {
	return el.Value.(*entry).timestamp
}

// insert places e starting the search at the last inserted element, as
// consecutive samples usually carry close timestamps.
func (q *Queue) insert(e *entry) *list.Element {
	if q.last == nil {
		return q.insertBefore(e, q.samples.Back())
	}
	if timestampOf(q.last) >= e.timestamp {
		return q.insertBefore(e, q.last.Prev())
	}
	for el := q.last.Next(); el != nil; el = el.Next() {
		if timestampOf(el) > e.timestamp {
			return q.samples.InsertBefore(e, el)
		}
	}
	return q.samples.PushBack(e)
}

// insertBefore scans backwards from el and inserts e after the first
// element with a smaller timestamp.
func (q *Queue) insertBefore(e *entry, el *list.Element) *list.Element {
	for ; el != nil; el = el.Prev() {
		if timestampOf(el) < e.timestamp {
			return q.samples.InsertAfter(e, el)
		}
	}
	return q.samples.PushFront(e)
}

// flush delivers all samples up to the flush limit. On a delivery error
// the failing sample is dropped and the rest stays queued.
func (q *Queue) flush() error {
	for el := q.samples.Front(); el != nil; el = q.samples.Front() {
		e := el.Value.(*entry)
		if e.timestamp > q.flushLimit {
			return nil
		}
		if el == q.last {
			q.last = nil
		}
		q.samples.Remove(el)
		q.lastFlush = e.timestamp
		q.dispatched++
		if err := q.deliver(e.timestamp, e.record); err != nil {
			return err
		}
	}
	return nil
}

// Drain delivers every buffered sample. It is called at end of stream.
func (q *Queue) Drain() error {
	q.flushLimit = math.MaxUint64
	return q.flush()
}

// Metrics returns the deepest queue length and the dispatched count since
// the last call.
func (q *Queue) Metrics() []metrics.Metric {
	m := []metrics.Metric{
		{ID: metrics.IDOrderedQueueDepth, Value: metrics.MetricValue(q.maxDepth)},
		{ID: metrics.IDOrderedDispatched, Value: metrics.MetricValue(q.dispatched - q.reported)},
	}
	q.maxDepth = q.samples.Len()
	q.reported = q.dispatched
	return m
}

// Dispatched returns the number of samples delivered so far.
func (q *Queue) Dispatched() uint64 {
	return q.dispatched
}
