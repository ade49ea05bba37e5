// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// perfsession records, inspects and post-processes sampling profiles
// stored in the perf.data container format.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perfsession/metrics"
	"go.opentelemetry.io/perfsession/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func newRootCmd(args *globalArgs) *ffcli.Command {
	return &ffcli.Command{
		Name:       "perfsession",
		ShortUsage: "perfsession [flags] <subcommand> [flags]",
		ShortHelp:  "Record and analyze sampling profiles",
		FlagSet:    args.fs,
		Options:    args.options(),
		Subcommands: []*ffcli.Command{
			newRecordCmd(args),
			newReportCmd(args),
			newHeaderCmd(args),
			newBuildIDListCmd(args),
			newBuildIDCacheCmd(args),
			newInjectCmd(args),
		},
		Exec: func(context.Context, []string) error {
			if args.version {
				fmt.Printf("perfsession %s\n", vc.Version())
				if rev := vc.Revision(); rev != "" {
					fmt.Printf("revision %s built %s\n", rev, vc.BuildTimestamp())
				}
				return nil
			}
			return flag.ErrHelp
		},
	}
}

func mainWithExitCode() exitCode {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	args := newGlobalArgs()
	root := newRootCmd(args)
	if err := root.Parse(os.Args[1:]); err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.verbose {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
		metrics.SetReporter(logReporter{})
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer cancel()

	err := root.Run(ctx)
	metrics.Flush()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitParseError
		}
		return failure("%v", err)
	}
	return exitSuccess
}

// logReporter logs every metrics batch at debug level.
type logReporter struct{}

func (logReporter) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	for i := range ids {
		log.Debugf("metric %d @%d: %d", ids[i], timestamp, values[i])
	}
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
