// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/perfsession/machine"
	"go.opentelemetry.io/perfsession/perfevent"
	"go.opentelemetry.io/perfsession/session"
)

const unknownName = "[unknown]"

type reportCmd struct {
	args *globalArgs

	input   string
	ordered bool
}

func newReportCmd(args *globalArgs) *ffcli.Command {
	cmd := &reportCmd{args: args}

	set := flag.NewFlagSet("report", flag.ExitOnError)
	set.StringVar(&cmd.input, "i", session.DefaultOutput, "Input file, - reads a pipe stream")
	set.BoolVar(&cmd.ordered, "ordered", false, "Deliver samples in timestamp order")

	return &ffcli.Command{
		Name:       "report",
		Exec:       cmd.exec,
		ShortUsage: "report [-i file] [-ordered]",
		ShortHelp:  "Print every sample with its symbol, then the record totals",
		FlagSet:    set,
	}
}

// formatSample writes one line per sample: comm, pid/tid, cpumode level,
// address, DSO and symbol.
func formatSample(w io.Writer, t *machine.Thread, ev *perfevent.SampleEvent,
	al *machine.AddrLocation) error {
	dso, sym := unknownName, unknownName
	if d := al.DSO(); d != nil {
		dso = d.ShortName
	}
	if al.Sym != nil {
		sym = al.Sym.DisplayName()
	}
	_, err := fmt.Fprintf(w, "%16s %6d/%-6d [%c] %#016x %s %s\n",
		t.Comm(), ev.Pid, ev.Tid, al.Level, ev.IP, dso, sym)
	return err
}

func (cmd *reportCmd) exec(ctx context.Context, _ []string) error {
	cfg := cmd.args.sessionConfig()
	cfg.OrderedSamples = cmd.ordered
	s, err := session.Open(cmd.input, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	ops := session.DefaultOps()
	ops.Sample = func(s *session.Session, h perfevent.Header, ev *perfevent.SampleEvent) error {
		t, al := s.ResolveSample(h, ev)
		return formatSample(w, t, ev, &al)
	}
	if err := s.Process(ctx, ops); err != nil {
		return err
	}
	s.ReportMetrics()

	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return s.Stats().Fprint(w)
}
