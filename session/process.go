// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/libpf"
	"go.opentelemetry.io/perfsession/ordered"
	"go.opentelemetry.io/perfsession/perfevent"
)

// idleComm is the command name of the idle thread, pid 0.
const idleComm = "swapper"

// dataReader returns the n bytes following the current record.
type dataReader func(n int) ([]byte, error)

// Process reads all records of the input and dispatches them to ops. Pipe
// sessions stop early when ctx is cancelled.
func (s *Session) Process(ctx context.Context, ops Ops) error {
	ops.fillDefaults()
	s.machines.Host().FindOrCreateThread(0).SetComm(idleComm)

	if s.cfg.OrderedSamples {
		s.queue = ordered.New(func(_ uint64, rec []byte) error {
			return s.deliverSample(&ops, rec)
		})
	}

	var err error
	if s.pipe != nil {
		err = s.processPipe(ctx, &ops)
	} else {
		err = s.processFile(&ops)
	}
	if err != nil {
		return err
	}
	if s.queue != nil {
		return s.queue.Drain()
	}
	return nil
}

// resync counts a zero sized record header. It fails once more than
// MaxResync of them follow each other.
func (s *Session) resync(pos uint64, consecutive *int) error {
	s.stats.Resyncs++
	*consecutive++
	log.Debugf("%#x: skipping zero sized record header", pos)
	if *consecutive > s.cfg.MaxResync {
		return fmt.Errorf("%w: %d zero sized record headers at %#x",
			ErrCorruptStream, *consecutive, pos)
	}
	return nil
}

func (s *Session) processFile(ops *Ops) error {
	end := s.header.DataOffset + s.header.DataSize
	if s.header.DataSize == 0 || end > uint64(s.fileSize) {
		// Unfinished recordings lack the data size.
		end = uint64(s.fileSize)
	}
	order := s.header.Order

	w := newWindow(s.f, s.fileSize, s.header.DataOffset, s.cfg.MmapWindowPages)
	defer w.unmap()

	consecutive := 0
	for w.pos() < end {
		pos := w.pos()
		if pos+perfevent.HeaderSize > end {
			log.Warnf("Truncated record header at %#x", pos)
			return nil
		}
		hb, err := w.header()
		if err != nil {
			return err
		}
		h, _ := perfevent.DecodeHeader(hb, order)
		if h.Size < perfevent.HeaderSize {
			if err := s.resync(pos, &consecutive); err != nil {
				return err
			}
			w.resync()
			continue
		}
		consecutive = 0

		if pos+uint64(h.Size) > end {
			log.Warnf("Truncated PERF_RECORD_%s at %#x", h.Type, pos)
			return nil
		}
		rec, err := w.record(int(h.Size))
		if err != nil {
			return err
		}
		skip, err := s.processRecord(ops, rec, pos, func(n int) ([]byte, error) {
			data := make([]byte, n)
			if _, err := s.f.ReadAt(data, int64(pos)+int64(h.Size)); err != nil {
				return nil, fmt.Errorf("failed to read tracing data: %w", err)
			}
			return data, nil
		})
		if err != nil {
			return err
		}
		w.advance(int(h.Size) + skip)
	}
	return nil
}

func (s *Session) processPipe(ctx context.Context, ops *Ops) error {
	order := s.header.Order
	repipe := s.cfg.repipe()
	buf := make([]byte, maxRecordSize)

	copyOut := func(b []byte) error {
		if repipe == nil {
			return nil
		}
		_, err := repipe.Write(b)
		return err
	}

	var pos uint64
	consecutive := 0
	for ctx.Err() == nil {
		hb := buf[:perfevent.HeaderSize]
		if _, err := io.ReadFull(s.pipe, hb); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read event header: %w", err)
		}
		if err := copyOut(hb); err != nil {
			return err
		}

		h, _ := perfevent.DecodeHeader(hb, order)
		if h.Size < perfevent.HeaderSize {
			if err := s.resync(pos, &consecutive); err != nil {
				return err
			}
			pos = pos&^7 + 8
			continue
		}
		consecutive = 0

		rec := buf[:h.Size]
		if _, err := io.ReadFull(s.pipe, rec[perfevent.HeaderSize:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				log.Warnf("Unexpected end of event stream")
				return nil
			}
			return fmt.Errorf("failed to read event data: %w", err)
		}
		if err := copyOut(rec[perfevent.HeaderSize:]); err != nil {
			return err
		}

		skip, err := s.processRecord(ops, rec, pos, func(n int) ([]byte, error) {
			data := make([]byte, n)
			if _, err := io.ReadFull(s.pipe, data); err != nil {
				return nil, fmt.Errorf("failed to read tracing data: %w", err)
			}
			return data, copyOut(data)
		})
		if err != nil {
			return err
		}
		pos += uint64(h.Size) + uint64(skip)
	}
	return nil
}

// processRecord swaps rec into native byte order and dispatches it. It
// returns the number of bytes following the record that belong to it.
func (s *Session) processRecord(ops *Ops, rec []byte, pos uint64,
	readData dataReader) (int, error) {
	if s.header.NeedsSwap {
		perfevent.SwapHeader(rec)
	}
	h, _ := perfevent.DecodeHeader(rec, perfevent.NativeEndian)
	payload := rec[perfevent.HeaderSize:]
	if s.header.NeedsSwap {
		perfevent.SwapPayload(h.Type, payload, s.sampleType)
	}

	s.stats.count(h.Type)
	if !h.Type.Known() {
		s.stats.UnknownEvents++
		log.Debugf("%#x [%#x]: skipping unknown header type: %d", pos, h.Size, h.Type)
		return 0, nil
	}
	log.Debugf("%#x [%#x]: PERF_RECORD_%s", pos, h.Size, h.Type)

	if h.Type == perfevent.RecordSample {
		return 0, s.processSample(ops, rec)
	}

	ev, err := perfevent.Decode(h, payload, s.sampleType, perfevent.NativeEndian)
	if err != nil {
		log.Debugf("%#x: %v", pos, err)
		return 0, nil
	}

	skip := 0
	var herr error
	switch e := ev.(type) {
	case *perfevent.MmapEvent:
		herr = ops.Mmap(s, h, e)
	case *perfevent.CommEvent:
		herr = ops.Comm(s, h, e)
	case *perfevent.TaskEvent:
		if e.Exit {
			herr = ops.Exit(s, h, e)
		} else {
			herr = ops.Fork(s, h, e)
		}
	case *perfevent.LostEvent:
		herr = ops.Lost(s, h, e)
	case *perfevent.ReadEvent:
		herr = ops.Read(s, h, e)
	case *perfevent.ThrottleEvent:
		if e.Unthrottle {
			herr = ops.Unthrottle(s, h, e)
		} else {
			herr = ops.Throttle(s, h, e)
		}
	case *perfevent.AttrEvent:
		herr = ops.Attr(s, h, e)
	case *perfevent.EventTypeEvent:
		herr = ops.EventType(s, h, e)
	case *perfevent.TracingDataEvent:
		skip = libpf.AlignUp(int(e.Size), 8)
		data, err := readData(skip)
		if err != nil {
			return 0, err
		}
		herr = ops.TracingData(s, h, e, data[:e.Size])
	case *perfevent.BuildIDEvent:
		herr = ops.BuildID(s, h, e)
	}
	if herr != nil {
		log.Debugf("Problem processing PERF_RECORD_%s, skipping event: %v", h.Type, herr)
	}
	return skip, nil
}

func (s *Session) processSample(ops *Ops, rec []byte) error {
	if s.queue == nil {
		return s.deliverSample(ops, rec)
	}
	ts, _ := perfevent.TimeOf(rec[perfevent.HeaderSize:], s.sampleType,
		perfevent.NativeEndian)
	err := s.queue.Insert(ts, rec)
	if errors.Is(err, ordered.ErrOrdering) {
		s.stats.OrderingErrors++
		log.Warnf("Sample at %d: %v", ts, err)
		return nil
	}
	return err
}

func (s *Session) deliverSample(ops *Ops, rec []byte) error {
	h, _ := perfevent.DecodeHeader(rec, perfevent.NativeEndian)
	ev, err := perfevent.DecodeSample(rec[perfevent.HeaderSize:], s.sampleType,
		perfevent.NativeEndian)
	if err != nil {
		log.Debugf("Failed to decode sample: %v", err)
		return nil
	}
	if err := ops.Sample(s, h, ev); err != nil {
		log.Debugf("Problem processing PERF_RECORD_SAMPLE, skipping event: %v", err)
	}
	return nil
}
