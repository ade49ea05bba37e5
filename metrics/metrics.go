// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/perfsession/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/perfsession/vc"
)

//go:embed metrics.json
var metricsJSON []byte

// instrument is the OTel side of one metric ID.
type instrument struct {
	typ     MetricType
	counter metric.Int64Counter
	gauge   metric.Int64Gauge
}

// batch accumulates the values pushed during one wall clock second.
// Counter deltas are summed. Gauges keep the highest value seen.
type batch struct {
	timestamp uint32
	values    Summary
	// order keeps the IDs in first-seen order for the Reporter.
	order []MetricID
}

func (b *batch) add(m Metric, typ MetricType) {
	old, ok := b.values[m.ID]
	if !ok {
		b.order = append(b.order, m.ID)
		b.values[m.ID] = m.Value
		return
	}
	switch typ {
	case MetricTypeCounter:
		b.values[m.ID] = old + m.Value
	case MetricTypeGauge:
		b.values[m.ID] = max(old, m.Value)
	}
}

func (b *batch) reset(now uint32) {
	b.timestamp = now
	b.order = b.order[:0]
	clear(b.values)
}

var (
	mutex        sync.Mutex
	pending      = batch{values: make(Summary, IDMax)}
	instruments  = make(map[MetricID]instrument, IDMax)
	reporterImpl Reporter

	meter = otel.Meter("go.opentelemetry.io/perfsession",
		metric.WithInstrumentationVersion(vc.Version()))
)

// SetReporter installs r to receive every reported batch in addition to
// the OTel instruments. A nil r removes it.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	for _, md := range GetDefinitions() {
		if md.Obsolete || md.Field == "" {
			continue
		}
		inst := instrument{typ: md.Type}
		var err error
		switch md.Type {
		case MetricTypeCounter:
			inst.counter, err = meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
		case MetricTypeGauge:
			inst.gauge, err = meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
		default:
			panic(fmt.Sprintf("unknown metric type %q for %s", md.Type, md.Name))
		}
		if err != nil {
			log.Errorf("Failed to create instrument %s: %v", md.Field, err)
			continue
		}
		instruments[md.ID] = inst
	}
}

// export hands the pending batch to the reporter and the OTel instruments.
// The caller holds mutex.
func export() {
	if len(pending.order) == 0 {
		return
	}
	if reporterImpl != nil {
		ids := make([]uint32, len(pending.order))
		values := make([]int64, len(pending.order))
		for i, id := range pending.order {
			ids[i] = uint32(id)
			values[i] = int64(pending.values[id])
		}
		reporterImpl.ReportMetrics(pending.timestamp, ids, values)
	}
	ctx := context.Background()
	for _, id := range pending.order {
		inst := instruments[id]
		v := int64(pending.values[id])
		switch inst.typ {
		case MetricTypeCounter:
			inst.counter.Add(ctx, v)
		case MetricTypeGauge:
			inst.gauge.Record(ctx, v)
		}
	}
	pending.reset(pending.timestamp)
}

// AddSlice buffers metrics from a session, the recorder or a cache.
// The batch of the previous second is exported by the first call of a new
// second, so a batch is always stamped with the second its values belong to.
// Counter values pushed several times within a second are summed.
func AddSlice(newMetrics []Metric) {
	now := uint32(time.Now().Unix())

	mutex.Lock()
	defer mutex.Unlock()

	if pending.timestamp != now {
		export()
		pending.reset(now)
	}

	for _, m := range newMetrics {
		inst, ok := instruments[m.ID]
		if !ok {
			log.Warnf("Skipping unknown metric ID %d", m.ID)
			continue
		}
		if m.Value == 0 && inst.typ == MetricTypeCounter {
			continue
		}
		pending.add(m, inst.typ)
	}
}

// Add buffers a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush exports the buffered batch right away instead of waiting for the
// next call in a later second. Commands call it before they exit.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	export()
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
