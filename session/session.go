// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package session reads recorded or piped event streams and dispatches
// their records to a set of handlers. It maintains the machines, threads
// and DSOs the records describe.
package session // import "go.opentelemetry.io/perfsession/session"

import (
	"fmt"
	"io"
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perfsession/buildid"
	"go.opentelemetry.io/perfsession/machine"
	"go.opentelemetry.io/perfsession/metrics"
	"go.opentelemetry.io/perfsession/ordered"
	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/symbol"
)

// PipeName selects reading a pipe stream from stdin.
const PipeName = "-"

// Session is one pass over an event stream.
type Session struct {
	cfg Config

	// Exactly one of f and pipe is set.
	f        *os.File
	fileSize int64
	pipe     io.Reader

	header     *perfdata.Header
	sampleType perfevent.SampleType
	machines   *machine.Machines
	queue      *ordered.Queue

	stats  Stats
	closed bool
}

// Open opens the container file at path, or the pipe stream on stdin when
// path is PipeName.
func Open(path string, cfg Config) (*Session, error) {
	if path == PipeName {
		return OpenPipe(os.Stdin, cfg)
	}
	cfg.applyDefaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	s, err := openFile(f, cfg)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func checkOwner(fi os.FileInfo) error {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if st.Uid != 0 && int(st.Uid) != unix.Geteuid() {
		return ErrNotOwner
	}
	return nil
}

func openFile(f *os.File, cfg Config) (*Session, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !cfg.Force {
		if err := checkOwner(fi); err != nil {
			return nil, err
		}
	}
	if fi.Size() == 0 {
		return nil, ErrEmptyFile
	}

	hdr, err := perfdata.Read(f)
	if err != nil {
		return nil, err
	}
	s := newSession(cfg, hdr)
	s.f = f
	s.fileSize = fi.Size()
	if err := s.updateSampleType(); err != nil {
		return nil, err
	}

	records, _ := hdr.ReadBuildIDs(f)
	for i := range records {
		s.machines.ApplyBuildID(&records[i])
	}
	return s, nil
}

// OpenPipe starts a session on a pipe stream. With Config.Repipe set
// everything read from r is copied to Config.Output.
func OpenPipe(r io.Reader, cfg Config) (*Session, error) {
	cfg.applyDefaults()
	hdr, err := perfdata.ReadPipeHeader(r, cfg.repipe())
	if err != nil {
		return nil, err
	}
	s := newSession(cfg, hdr)
	s.pipe = r
	return s, nil
}

func (c *Config) repipe() io.Writer {
	if c.Repipe {
		return c.Output
	}
	return nil
}

func newSession(cfg Config, hdr *perfdata.Header) *Session {
	machines := machine.NewMachines(cfg.loadConfig())
	machines.GuestKernel = cfg.GuestKernel
	return &Session{
		cfg:      cfg,
		header:   hdr,
		machines: machines,
	}
}

// updateSampleType caches the sample type shared by all attributes.
func (s *Session) updateSampleType() error {
	if len(s.header.Attrs) == 0 {
		return nil
	}
	st, err := s.header.SampleType()
	if err != nil {
		return err
	}
	s.sampleType = st
	return nil
}

// Close releases the input file. It is safe to call Close more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// Header returns the header of the input.
func (s *Session) Header() *perfdata.Header {
	return s.header
}

// IsPipe reports whether the session reads a pipe stream.
func (s *Session) IsPipe() bool {
	return s.pipe != nil
}

// File returns the input file, nil for pipe sessions.
func (s *Session) File() *os.File {
	return s.f
}

// SampleType returns the sample type of the input.
func (s *Session) SampleType() perfevent.SampleType {
	return s.sampleType
}

// Machines returns the machine registry.
func (s *Session) Machines() *machine.Machines {
	return s.machines
}

// Stats returns the record counters.
func (s *Session) Stats() *Stats {
	return &s.stats
}

// ResolveSample returns the thread and the location of the sampled IP.
// Samples that do not resolve are counted.
func (s *Session) ResolveSample(h perfevent.Header,
	ev *perfevent.SampleEvent) (*machine.Thread, machine.AddrLocation) {
	mode := h.CPUMode()
	m := s.machines.Host()
	if mode.IsGuest() {
		m = s.machines.FindOrCreate(int32(ev.Pid))
	}
	t := m.FindOrCreateThread(int32(ev.Pid))
	al := m.Resolve(t, mode, ev.IP)
	if al.Map == nil {
		s.stats.Unresolved++
		log.Debugf("Unresolved %s sample at %#x of %d", mode, ev.IP, ev.Pid)
	}
	return t, al
}

// MarkHit is a sample handler that marks the DSO of each sample as hit.
func MarkHit(s *Session, h perfevent.Header, ev *perfevent.SampleEvent) error {
	s.ResolveSample(h, ev)
	return nil
}

// CacheBuildIDs adds the hit DSOs with build ids to the build-id cache.
func (s *Session) CacheBuildIDs() error {
	if s.cfg.NoBuildIDCache {
		return nil
	}
	c := buildid.New(s.cfg.DebugDir)
	c.KallsymsPath = s.cfg.KallsymsPath
	c.SymfsRoot = s.cfg.SymfsRoot
	return c.AddDSOs(s.machines.DSOLists()...)
}

// ReportMetrics hands the counters of the session to the metrics package.
func (s *Session) ReportMetrics() {
	m := s.stats.Metrics()
	m = append(m, symbol.CacheMetrics()...)
	if s.queue != nil {
		m = append(m, s.queue.Metrics()...)
	}
	metrics.AddSlice(m)
}
