// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbol // import "go.opentelemetry.io/perfsession/symbol"

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// DSOList is an ordered set of DSOs keyed by long name.
type DSOList struct {
	kind   Kind
	dsos   []*DSO
	byName map[string]*DSO
}

// NewDSOList returns an empty list whose new entries are of kind.
func NewDSOList(kind Kind) *DSOList {
	return &DSOList{kind: kind, byName: make(map[string]*DSO)}
}

// Find returns the DSO called name, or nil.
func (l *DSOList) Find(name string) *DSO {
	return l.byName[name]
}

// FindOrCreate returns the DSO called name, adding it when missing.
func (l *DSOList) FindOrCreate(name string) *DSO {
	if d, ok := l.byName[name]; ok {
		return d
	}
	d := NewDSO(name)
	d.Kind = l.kind
	l.dsos = append(l.dsos, d)
	l.byName[name] = d
	return d
}

// All returns the DSOs in insertion order.
func (l *DSOList) All() []*DSO {
	return l.dsos
}

// HasHit reports whether any DSO was hit by a sample.
func (l *DSOList) HasHit() bool {
	for _, d := range l.dsos {
		if d.Hit {
			return true
		}
	}
	return false
}

// ReadBuildIDs reads the build ids of the DSOs that lack one, only of the
// hit ones when withHits is set. It reports whether any of the considered
// DSOs has a build id afterwards.
func (l *DSOList) ReadBuildIDs(cfg *LoadConfig, withHits bool) bool {
	have := false
	for _, d := range l.dsos {
		if withHits && !d.Hit {
			continue
		}
		if !d.hasBuildID {
			if err := d.ReadBuildID(cfg); err != nil {
				log.Debugf("No build id for %s: %v", d.LongName, err)
				continue
			}
		}
		have = true
	}
	return have
}

// FprintBuildIDs writes "<build id> <long name>" for every DSO with a build
// id, only hit ones when withHits is set.
func (l *DSOList) FprintBuildIDs(w io.Writer, withHits bool) error {
	for _, d := range l.dsos {
		if !d.hasBuildID || (withHits && !d.Hit) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", d.BuildIDString(), d.LongName); err != nil {
			return err
		}
	}
	return nil
}
