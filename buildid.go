// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/buildid"
	"go.opentelemetry.io/perfsession/session"
	"go.opentelemetry.io/perfsession/symbol"
)

type buildIDListCmd struct {
	args *globalArgs

	input    string
	withHits bool
}

func newBuildIDListCmd(args *globalArgs) *ffcli.Command {
	cmd := &buildIDListCmd{args: args}

	set := flag.NewFlagSet("buildid-list", flag.ExitOnError)
	set.StringVar(&cmd.input, "i", session.DefaultOutput, "Input file, - reads a pipe stream")
	set.BoolVar(&cmd.withHits, "H", false, "Only list DSOs that were sampled")

	return &ffcli.Command{
		Name:       "buildid-list",
		Exec:       cmd.exec,
		ShortUsage: "buildid-list [-H] [-i file]",
		ShortHelp:  "List the build ids of the DSOs of a recording",
		FlagSet:    set,
	}
}

func (cmd *buildIDListCmd) exec(ctx context.Context, _ []string) error {
	s, err := session.Open(cmd.input, cmd.args.sessionConfig())
	if err != nil {
		return err
	}
	defer s.Close()

	if cmd.withHits || s.IsPipe() {
		ops := session.DefaultOps()
		if cmd.withHits {
			ops.Sample = session.MarkHit
		}
		if err := s.Process(ctx, ops); err != nil {
			return err
		}
	}
	if cmd.withHits {
		s.Machines().ReadBuildIDs(true)
	}
	return s.Machines().FprintBuildIDs(os.Stdout, cmd.withHits)
}

type buildIDCacheCmd struct {
	args *globalArgs

	add    []string
	remove []string
	pull   []string
	push   bool
}

func appendFlag(list *[]string) func(string) error {
	return func(s string) error {
		*list = append(*list, s)
		return nil
	}
}

func newBuildIDCacheCmd(args *globalArgs) *ffcli.Command {
	cmd := &buildIDCacheCmd{args: args}

	set := flag.NewFlagSet("buildid-cache", flag.ExitOnError)
	set.Func("a", "Add a file to the cache, may be repeated", appendFlag(&cmd.add))
	set.Func("r", "Remove a file from the cache, may be repeated", appendFlag(&cmd.remove))
	set.Func("pull", "Fetch a build id from the S3 mirror, may be repeated",
		appendFlag(&cmd.pull))
	set.BoolVar(&cmd.push, "push", false, "Upload added files to the S3 mirror")

	return &ffcli.Command{
		Name:       "buildid-cache",
		Exec:       cmd.exec,
		ShortUsage: "buildid-cache [-a file]... [-r file]... [-push] [-pull buildid]...",
		ShortHelp:  "Manage the build-id cache",
		FlagSet:    set,
	}
}

// fileBuildID reads the build id of the ELF file at path.
func fileBuildID(path string) (string, error) {
	d := symbol.NewDSO(path)
	if err := d.ReadBuildID(nil); err != nil {
		return "", fmt.Errorf("failed to read build id of %s: %w", path, err)
	}
	return d.BuildIDString(), nil
}

func (cmd *buildIDCacheCmd) exec(ctx context.Context, _ []string) error {
	cache := buildid.New(cmd.args.debugDir)
	cache.KallsymsPath = cmd.args.kallsyms

	var mirror *buildid.Mirror
	if cmd.push || len(cmd.pull) > 0 {
		var err error
		if mirror, err = cmd.args.mirror(ctx, cache); err != nil {
			return err
		}
	}

	var errs []error
	for _, path := range cmd.add {
		id, err := fileBuildID(path)
		if err == nil {
			err = cache.Add(id, path, false)
		}
		if err == nil && mirror != nil {
			err = mirror.Push(ctx, id)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Infof("Added %s %s", id, path)
	}
	for _, path := range cmd.remove {
		id, err := fileBuildID(path)
		if err == nil {
			err = cache.Remove(id)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Infof("Removed %s %s", id, path)
	}
	for _, id := range cmd.pull {
		path, err := mirror.Pull(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("%s %s\n", id, path)
	}
	return errors.Join(errs...)
}
