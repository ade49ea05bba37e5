// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/buildid"
	"go.opentelemetry.io/perfsession/kallsyms"
	"go.opentelemetry.io/perfsession/session"
)

const envVarPrefix = "PERFSESSION"

// Help strings for command line arguments
var (
	verboseModeHelp    = "Enable verbose logging and debugging capabilities."
	versionHelp        = "Show version."
	debugDirHelp       = "Root directory of the build-id cache."
	vmlinuxHelp        = "Kernel image to read kernel symbols from instead of kallsyms."
	kallsymsHelp       = "Kernel symbol table to read."
	symfsHelp          = "Directory prefixed to every DSO path."
	forceHelp          = "Do not check the ownership of input files."
	noBuildIDCacheHelp = "Do not update the build-id cache."
	guestKernelHelp    = "Resolve guest kernel samples against the guest kernel map."
	s3BucketHelp       = "S3 bucket mirroring the build-id cache."
	s3EndpointHelp     = "Base endpoint of an S3 compatible object store."
	s3RegionHelp       = "Region of the S3 bucket."
)

// globalArgs holds the flags shared by all subcommands.
type globalArgs struct {
	verbose bool
	version bool

	debugDir       string
	vmlinux        string
	kallsyms       string
	symfs          string
	force          bool
	noBuildIDCache bool
	guestKernel    bool

	s3Bucket   string
	s3Endpoint string
	s3Region   string

	fs *flag.FlagSet
}

func newGlobalArgs() *globalArgs {
	args := &globalArgs{}
	fs := flag.NewFlagSet("perfsession", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.debugDir, "debug-dir", buildid.DefaultDir(), debugDirHelp)
	fs.BoolVar(&args.force, "force", false, forceHelp)
	fs.BoolVar(&args.guestKernel, "guest-kernel", false, guestKernelHelp)
	fs.StringVar(&args.kallsyms, "kallsyms", kallsyms.DefaultPath, kallsymsHelp)
	fs.BoolVar(&args.noBuildIDCache, "no-buildid-cache", false, noBuildIDCacheHelp)
	fs.StringVar(&args.s3Bucket, "s3-bucket", "", s3BucketHelp)
	fs.StringVar(&args.s3Endpoint, "s3-endpoint", "", s3EndpointHelp)
	fs.StringVar(&args.s3Region, "s3-region", "", s3RegionHelp)
	fs.StringVar(&args.symfs, "symfs", "", symfsHelp)
	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)
	fs.StringVar(&args.vmlinux, "vmlinux", "", vmlinuxHelp)

	// Only the config file path, ff reads it.
	fs.String("config", "", "Config file path.")

	args.fs = fs
	return args
}

// options are the ff options of the root command.
func (args *globalArgs) options() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	}
}

// dump visits all flags and logs them at debug level.
func (args *globalArgs) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// sessionConfig returns the session settings selected by the flags.
func (args *globalArgs) sessionConfig() session.Config {
	return session.Config{
		Force:          args.force,
		DebugDir:       args.debugDir,
		NoBuildIDCache: args.noBuildIDCache,
		VmlinuxPath:    args.vmlinux,
		KallsymsPath:   args.kallsyms,
		SymfsRoot:      args.symfs,
		GuestKernel:    args.guestKernel,
	}
}

var errNoBucket = errors.New("no S3 bucket configured, use -s3-bucket")

// mirror returns the S3 mirror of cache.
func (args *globalArgs) mirror(ctx context.Context, cache *buildid.Cache) (*buildid.Mirror,
	error) {
	if args.s3Bucket == "" {
		return nil, errNoBucket
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if args.s3Region != "" {
			o.Region = args.s3Region
		}
		if args.s3Endpoint != "" {
			o.BaseEndpoint = aws.String(args.s3Endpoint)
			o.UsePathStyle = true
		}
	})
	return buildid.NewMirror(client, args.s3Bucket, cache), nil
}
