// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "go.opentelemetry.io/perfsession/session"

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
)

// Inject copies the pipe stream from in to out. With withBuildIDs set the
// samples are resolved and HEADER_BUILD_ID records of the hit DSOs are
// appended to the stream.
func Inject(ctx context.Context, in io.Reader, out io.Writer, cfg Config,
	withBuildIDs bool) error {
	cfg.Repipe = true
	cfg.Output = out
	s, err := OpenPipe(in, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ops := DefaultOps()
	if withBuildIDs {
		ops.Sample = MarkHit
	}
	if err := s.Process(ctx, ops); err != nil {
		return err
	}
	if !withBuildIDs {
		return nil
	}

	if !s.machines.ReadBuildIDs(true) {
		log.Infof("No hit DSO has a build id")
		return nil
	}
	// Appended records follow the byte order of the copied stream.
	w := NewWriter(out, s.sampleType, s.header.Order)
	return SynthesizeBuildIDs(s.machines, w.Emit)
}
