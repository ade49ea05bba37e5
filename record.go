// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/perfsession/session"
)

type recordCmd struct {
	args *globalArgs

	output   string
	freq     uint64
	duration time.Duration
}

func newRecordCmd(args *globalArgs) *ffcli.Command {
	cmd := &recordCmd{args: args}

	set := flag.NewFlagSet("record", flag.ExitOnError)
	set.StringVar(&cmd.output, "o", session.DefaultOutput, "Output file")
	set.Uint64Var(&cmd.freq, "F", session.DefaultFreq, "Sampling frequency in Hz")
	set.DurationVar(&cmd.duration, "d", 0, "Stop after this duration, 0 records until interrupted")

	return &ffcli.Command{
		Name:       "record",
		Exec:       cmd.exec,
		ShortUsage: "record [-o file] [-F freq] [-d duration]",
		ShortHelp:  "Sample all CPUs into a perf.data file",
		FlagSet:    set,
	}
}

func (cmd *recordCmd) exec(ctx context.Context, _ []string) error {
	if cmd.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.duration)
		defer cancel()
	}
	r := session.NewRecorder(session.RecordConfig{
		Output:  cmd.output,
		Freq:    cmd.freq,
		Args:    os.Args,
		Session: cmd.args.sessionConfig(),
	})
	return r.Run(ctx)
}
