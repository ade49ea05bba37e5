// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/perfsession/hostmetadata/host"
	"go.opentelemetry.io/perfsession/metrics"
	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/periodiccaller"
	"go.opentelemetry.io/perfsession/vc"
)

const (
	// DefaultFreq is the default sampling frequency in Hz.
	DefaultFreq = 4000
	// DefaultOutput is the default container file name.
	DefaultOutput = "perf.data"

	cpuOnlinePath = "/sys/devices/system/cpu/online"

	progressInterval = 5 * time.Second

	// maxReadFailures is the number of consecutive ring read errors
	// tolerated before the capture is aborted.
	maxReadFailures = 8
	readRetryDelay  = 10 * time.Millisecond
)

// recordSampleType is the sample layout of recorded cpu-clock events.
const recordSampleType = perfevent.SampleIP | perfevent.SampleTID |
	perfevent.SampleTime | perfevent.SampleCPU | perfevent.SamplePeriod

// RecordConfig holds the settings of a live capture.
type RecordConfig struct {
	Output string
	Freq   uint64
	// CPUs lists the CPUs to sample. Empty selects all online CPUs.
	CPUs []int
	// ProcRoot and SysRoot are the procfs and sysfs mount points.
	ProcRoot string
	SysRoot  string
	// Args is the command line stored in the CMDLINE feature.
	Args []string
	// Session configures the pass over the recording that collects the
	// build ids of hit DSOs.
	Session Config
}

func (c *RecordConfig) applyDefaults() {
	if c.Output == "" {
		c.Output = DefaultOutput
	}
	if c.Freq == 0 {
		c.Freq = DefaultFreq
	}
	if len(c.CPUs) == 0 {
		c.CPUs = onlineCPUs(c.SysRoot)
	}
	c.Session.applyDefaults()
}

func onlineCPUs(sysRoot string) []int {
	path := cpuOnlinePath
	if sysRoot != "" {
		path = filepath.Join(sysRoot, "devices/system/cpu/online")
	}
	cpus, err := host.ParseCPUCoreIDs(path)
	if err == nil && len(cpus) > 0 {
		return cpus
	}
	log.Warnf("Failed to read online CPUs, assuming %d: %v", runtime.NumCPU(), err)
	cpus = make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// Recorder captures cpu-clock samples of all threads into a container
// file.
type Recorder struct {
	cfg RecordConfig

	f      *os.File
	hdr    *perfdata.Header
	w      *Writer
	events []*perf.Event
}

// NewRecorder returns a Recorder for cfg.
func NewRecorder(cfg RecordConfig) *Recorder {
	cfg.applyDefaults()
	return &Recorder{cfg: cfg}
}

// Run records until ctx is done. The container is finalized with the host
// features and the build-id table of the sampled DSOs.
func (r *Recorder) Run(ctx context.Context) error {
	ids, err := r.openEvents()
	defer r.closeEvents()
	if err != nil {
		return err
	}

	if err := r.begin(ids); err != nil {
		return err
	}
	defer r.f.Close()

	if err := r.capture(ctx); err != nil {
		return err
	}
	return r.finish()
}

func (r *Recorder) perfAttr() (*perf.Attr, error) {
	attr := new(perf.Attr)
	if err := perf.CPUClock.Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure software perf event: %v", err)
	}
	attr.SetSampleFreq(r.cfg.Freq)
	attr.SampleFormat = perf.SampleFormat{
		IP:     true,
		Tid:    true,
		Time:   true,
		CPU:    true,
		Period: true,
	}
	attr.Options.Mmap = true
	attr.Options.Comm = true
	attr.Options.Task = true
	attr.Options.Disabled = true
	return attr, nil
}

// openEvents opens one counter per CPU and maps its ring. It returns the
// sample ids of the counters.
func (r *Recorder) openEvents() ([]uint64, error) {
	attr, err := r.perfAttr()
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(r.cfg.CPUs))
	for _, cpu := range r.cfg.CPUs {
		ev, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open perf event on CPU %d: %v", cpu, err)
		}
		r.events = append(r.events, ev)
		if err := ev.MapRing(); err != nil {
			return nil, fmt.Errorf("failed to map ring of CPU %d: %v", cpu, err)
		}
		id, err := ev.ID()
		if err != nil {
			return nil, fmt.Errorf("failed to read id of CPU %d event: %v", cpu, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Recorder) closeEvents() {
	for _, ev := range r.events {
		if err := ev.Close(); err != nil {
			log.Debugf("Failed to close perf event: %v", err)
		}
	}
	r.events = nil
}

// fileAttr describes the recorded events in the container header.
func (r *Recorder) fileAttr() perfevent.Attr {
	return perfevent.Attr{
		Type:         perfevent.TypeSoftware,
		Config:       perfevent.SWCPUClock,
		SamplePeriod: r.cfg.Freq,
		SampleType:   recordSampleType,
		Flags: perfevent.AttrFlagDisabled | perfevent.AttrFlagMmap |
			perfevent.AttrFlagComm | perfevent.AttrFlagFreq | perfevent.AttrFlagTask,
	}
}

// begin creates the output file, writes a provisional header and the
// records of the kernel and of the threads already running.
func (r *Recorder) begin(ids []uint64) error {
	f, err := os.OpenFile(r.cfg.Output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	r.f = f

	r.hdr = perfdata.New()
	r.hdr.AddAttr(r.fileAttr(), ids)
	r.hdr.PushEventType(perfevent.SWCPUClock,
		perfevent.GenericName(perfevent.TypeSoftware, perfevent.SWCPUClock))
	if err := r.hdr.Write(f, nil, false); err != nil {
		return err
	}

	r.w = NewWriter(f, recordSampleType, perfevent.NativeEndian)
	if err := perfevent.KernelMmap(r.cfg.Session.KallsymsPath, r.w.Emit); err != nil {
		log.Warnf("Failed to synthesize kernel mapping: %v", err)
	}
	n, err := perfevent.NewSynthesizer(r.cfg.ProcRoot).Threads(r.w.Emit)
	if err != nil {
		return fmt.Errorf("failed to synthesize threads: %w", err)
	}
	log.Debugf("Synthesized %d events of running threads", n)
	return nil
}

// capture enables the counters and copies their records to the output
// until ctx is done.
func (r *Recorder) capture(ctx context.Context) error {
	for i, ev := range r.events {
		if err := ev.Enable(); err != nil {
			return fmt.Errorf("failed to enable perf event on CPU %d: %v",
				r.cfg.CPUs[i], err)
		}
	}
	log.Infof("Recording on %d CPUs at %d Hz", len(r.events), r.cfg.Freq)

	g, gctx := errgroup.WithContext(ctx)
	stop := periodiccaller.Start(gctx, progressInterval, r.progress)
	defer stop()
	for _, ev := range r.events {
		g.Go(func() error {
			return r.readRing(gctx, ev)
		})
	}
	err := g.Wait()

	for _, ev := range r.events {
		if derr := ev.Disable(); derr != nil {
			log.Debugf("Failed to disable perf event: %v", derr)
		}
	}
	return err
}

// progress logs the amount of data written so far.
func (r *Recorder) progress(time.Time) {
	log.Debugf("Recorded %d bytes", r.w.Size())
	metrics.Flush()
}

// ringReader is the part of a perf.Event the capture loop reads from.
type ringReader interface {
	ReadRecord(ctx context.Context) (perf.Record, error)
}

// readRing copies the records of one ring to the output until ctx is done.
// go-perf consumes a record it fails to decode, so such errors are retried
// after a growing pause. A disabled event or maxReadFailures failures in a
// row end the capture with an error.
func (r *Recorder) readRing(ctx context.Context, ev ringReader) error {
	failures := 0
	for {
		rec, err := ev.ReadRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if errors.Is(err, perf.ErrDisabled) || failures >= maxReadFailures {
				return fmt.Errorf("failed to read perf ring: %w", err)
			}
			log.Debugf("Failed to read perf record: %v", err)
			if !sleepCtx(ctx, time.Duration(failures)*readRetryDelay) {
				return nil
			}
			continue
		}
		failures = 0

		misc, pev, ok := convertRecord(rec)
		if !ok {
			continue
		}
		if err := r.w.Emit(misc, pev); err != nil {
			return err
		}
		metrics.Add(metrics.IDRecorderRecords, 1)
	}
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// convertRecord translates a ring record into an event of the container.
// Records the container does not carry are dropped.
func convertRecord(rec perf.Record) (uint16, perfevent.Event, bool) {
	misc := rec.Header().Misc
	switch rec := rec.(type) {
	case *perf.SampleRecord:
		return misc, &perfevent.SampleEvent{
			IP:     rec.IP,
			Pid:    rec.Pid,
			Tid:    rec.Tid,
			Time:   rec.Time,
			CPU:    rec.CPU,
			Period: rec.Period,
		}, true
	case *perf.MmapRecord:
		return misc, &perfevent.MmapEvent{
			Pid:      rec.Pid,
			Tid:      rec.Tid,
			Start:    rec.Addr,
			Len:      rec.Len,
			Pgoff:    rec.PageOffset,
			Filename: rec.Filename,
		}, true
	case *perf.CommRecord:
		return misc, &perfevent.CommEvent{Pid: rec.Pid, Tid: rec.Tid, Comm: rec.NewName}, true
	case *perf.ForkRecord:
		return misc, &perfevent.TaskEvent{
			Pid: rec.Pid, Ppid: rec.Ppid, Tid: rec.Tid, Ptid: rec.Ptid, Time: rec.Time,
		}, true
	case *perf.ExitRecord:
		return misc, &perfevent.TaskEvent{
			Exit: true,
			Pid:  rec.Pid, Ppid: rec.Ppid, Tid: rec.Tid, Ptid: rec.Ptid, Time: rec.Time,
		}, true
	case *perf.LostRecord:
		log.Warnf("Lost %d events", rec.Lost)
		return misc, &perfevent.LostEvent{ID: rec.ID, Lost: rec.Lost}, true
	case *perf.ThrottleRecord:
		return misc, &perfevent.ThrottleEvent{
			Time: rec.Time, ID: rec.ID, StreamID: rec.StreamID,
		}, true
	case *perf.UnthrottleRecord:
		return misc, &perfevent.ThrottleEvent{
			Unthrottle: true, Time: rec.Time, ID: rec.ID, StreamID: rec.StreamID,
		}, true
	}
	return 0, nil, false
}

// finish records the data size, collects the build ids of the hit DSOs
// and writes the final header with its feature sections.
func (r *Recorder) finish() error {
	r.hdr.DataSize = r.w.Size()
	if err := r.hdr.Write(r.f, nil, false); err != nil {
		return err
	}

	records, err := r.hitBuildIDs()
	if err != nil {
		return err
	}

	facts, err := host.Collect(host.Config{ProcRoot: r.cfg.ProcRoot, SysRoot: r.cfg.SysRoot})
	if err != nil {
		log.Warnf("Failed to collect host facts: %v", err)
	}
	exe, _ := os.Executable()
	env := &perfdata.WriteEnv{
		Facts:    facts,
		Exe:      exe,
		Args:     r.cfg.Args,
		Version:  vc.Version(),
		BuildIDs: records,
	}
	r.hdr.Features = perfdata.StandardFeatures()
	if err := r.hdr.Write(r.f, env, true); err != nil {
		return err
	}
	log.Infof("Wrote %d bytes of records and %d build ids to %s",
		r.hdr.DataSize, len(records), r.cfg.Output)
	return nil
}

// hitBuildIDs processes the recording to find the DSOs that were sampled
// and reads their build ids. The DSOs are added to the build-id cache.
func (r *Recorder) hitBuildIDs() ([]perfdata.BuildIDRecord, error) {
	cfg := r.cfg.Session
	cfg.Force = true
	cfg.OrderedSamples = false
	s, err := Open(r.cfg.Output, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	ops := DefaultOps()
	ops.Sample = MarkHit
	if err := s.Process(context.Background(), ops); err != nil {
		return nil, err
	}
	s.ReportMetrics()
	if !s.Machines().ReadBuildIDs(true) {
		return nil, nil
	}
	if err := s.CacheBuildIDs(); err != nil {
		log.Warnf("Failed to update the build-id cache: %v", err)
	}
	return s.Machines().BuildIDRecords(), nil
}
