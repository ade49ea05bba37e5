// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/perfsession/session"
)

type injectCmd struct {
	args *globalArgs

	input    string
	output   string
	buildIDs bool
}

func newInjectCmd(args *globalArgs) *ffcli.Command {
	cmd := &injectCmd{args: args}

	set := flag.NewFlagSet("inject", flag.ExitOnError)
	set.StringVar(&cmd.input, "i", session.PipeName, "Input pipe stream")
	set.StringVar(&cmd.output, "o", session.PipeName, "Output pipe stream")
	set.BoolVar(&cmd.buildIDs, "b", false, "Append the build ids of sampled DSOs")

	return &ffcli.Command{
		Name:       "inject",
		Exec:       cmd.exec,
		ShortUsage: "inject [-i -] [-o -] [-b]",
		ShortHelp:  "Copy a pipe stream, optionally adding build-id records",
		FlagSet:    set,
	}
}

func (cmd *injectCmd) exec(ctx context.Context, _ []string) error {
	var in io.Reader = os.Stdin
	if cmd.input != session.PipeName {
		f, err := os.Open(cmd.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var out io.Writer = os.Stdout
	if cmd.output != session.PipeName {
		f, err := os.Create(cmd.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	if err := session.Inject(ctx, bufio.NewReader(in), w, cmd.args.sessionConfig(),
		cmd.buildIDs); err != nil {
		return err
	}
	return w.Flush()
}
