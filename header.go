// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/perfsession/perfdata"
	"go.opentelemetry.io/perfsession/session"
)

type headerCmd struct {
	args *globalArgs

	input string
	full  bool
}

func newHeaderCmd(args *globalArgs) *ffcli.Command {
	cmd := &headerCmd{args: args}

	set := flag.NewFlagSet("header", flag.ExitOnError)
	set.StringVar(&cmd.input, "i", session.DefaultOutput, "Input file")
	set.BoolVar(&cmd.full, "I", false, "Also print the CPU and NUMA topology")

	return &ffcli.Command{
		Name:       "header",
		Exec:       cmd.exec,
		ShortUsage: "header [-I] [-i file]",
		ShortHelp:  "Print the feature sections of a perf.data file",
		FlagSet:    set,
	}
}

func printHeader(w io.Writer, hdr *perfdata.Header, r io.ReaderAt, full bool) error {
	for i := range hdr.Attrs {
		a := &hdr.Attrs[i].Attr
		if _, err := fmt.Fprintf(w, "# attr %d: %s, sample_type %#x, ids %v\n",
			i, hdr.EventName(a), uint64(a.SampleType), hdr.Attrs[i].IDs); err != nil {
			return err
		}
	}
	return hdr.Print(w, r, full)
}

func (cmd *headerCmd) exec(context.Context, []string) error {
	if cmd.input == session.PipeName {
		return errors.New("pipe streams have no feature sections")
	}
	s, err := session.Open(cmd.input, cmd.args.sessionConfig())
	if err != nil {
		return err
	}
	defer s.Close()
	return printHeader(os.Stdout, s.Header(), s.File(), cmd.full)
}
