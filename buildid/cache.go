// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildid maintains the build-id cache: a directory holding a copy
// of every binary a recording referenced, stored under its real path and
// build id, plus an index of relative symlinks
// .build-id/<first two hex digits>/<remaining digits> pointing at the copies.
package buildid // import "go.opentelemetry.io/perfsession/buildid"

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/kallsyms"
	"go.opentelemetry.io/perfsession/metrics"
	"go.opentelemetry.io/perfsession/symbol"
)

// indexDir is the directory of the build-id symlinks.
const indexDir = ".build-id"

var (
	// ErrInvalidBuildID is returned for ids that are not hex or too short.
	ErrInvalidBuildID = errors.New("invalid build id")

	// ErrLinkConflict is returned when the index entry exists and points
	// at different content.
	ErrLinkConflict = errors.New("build id already cached for another file")
)

// Cache is a build-id cache rooted at Dir.
type Cache struct {
	Dir string
	// KallsymsPath is copied for kernel entries, /proc/kallsyms by default.
	KallsymsPath string
	// SymfsRoot prefixes the paths of DSOs cached through AddDSO.
	SymfsRoot string
}

// DefaultDir returns ~/.debug.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".debug"
	}
	return filepath.Join(home, ".debug")
}

// New returns a cache rooted at dir, or at DefaultDir when dir is empty.
func New(dir string) *Cache {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Cache{Dir: dir}
}

func (c *Cache) kallsymsPath() string {
	if c.KallsymsPath == "" {
		return kallsyms.DefaultPath
	}
	return c.KallsymsPath
}

func validate(sbuildID string) error {
	if len(sbuildID) < 3 {
		return fmt.Errorf("%w: %q", ErrInvalidBuildID, sbuildID)
	}
	if _, err := hex.DecodeString(sbuildID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidBuildID, sbuildID)
	}
	return nil
}

// LinkPath returns the index entry of sbuildID.
func (c *Cache) LinkPath(sbuildID string) string {
	return filepath.Join(c.Dir, indexDir, sbuildID[:2], sbuildID[2:])
}

// contentPath returns where the content of realname is stored.
func (c *Cache) contentPath(sbuildID, realname string) string {
	return filepath.Join(c.Dir, realname, sbuildID)
}

// linkTarget is the relative symlink target of the content of realname.
func linkTarget(sbuildID, realname string) string {
	return filepath.Join("..", "..", realname, sbuildID)
}

// Lookup returns the path of the cached content of sbuildID.
func (c *Cache) Lookup(sbuildID string) (string, bool) {
	if validate(sbuildID) != nil {
		return "", false
	}
	link := c.LinkPath(sbuildID)
	if _, err := os.Stat(link); err != nil {
		return "", false
	}
	return link, true
}

// Add stores the file name under its build id. The content is hard linked
// into the cache, or copied when linking fails. Kernel symbol tables are
// always copied, and skipped when kallsyms hides the addresses.
func (c *Cache) Add(sbuildID, name string, isKallsyms bool) error {
	if err := validate(sbuildID); err != nil {
		return err
	}

	realname := name
	if isKallsyms {
		if !kallsyms.Readable(c.kallsymsPath()) {
			log.Debugf("Not caching a kptr_restrict'ed %s", c.kallsymsPath())
			return nil
		}
	} else {
		abs, err := filepath.Abs(name)
		if err != nil {
			return err
		}
		if realname, err = filepath.EvalSymlinks(abs); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", name, err)
		}
	}

	content := c.contentPath(sbuildID, realname)
	if err := os.MkdirAll(filepath.Dir(content), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(content); errors.Is(err, os.ErrNotExist) {
		switch {
		case isKallsyms:
			err = copyFile(c.kallsymsPath(), content)
		default:
			if err = os.Link(realname, content); err != nil {
				err = copyFile(name, content)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to store %s: %w", name, err)
		}
	}

	return c.link(sbuildID, realname)
}

// link creates the relative index symlink. An existing link to the same
// content is accepted.
func (c *Cache) link(sbuildID, realname string) error {
	link := c.LinkPath(sbuildID)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	target := linkTarget(sbuildID, realname)
	err := os.Symlink(target, link)
	if err == nil || !errors.Is(err, os.ErrExist) {
		return err
	}
	existing, rerr := os.Readlink(link)
	if rerr != nil {
		return rerr
	}
	if existing != target {
		return fmt.Errorf("%w: %s -> %s", ErrLinkConflict, link, existing)
	}
	return nil
}

// Remove deletes the index entry of sbuildID and the content it points at.
func (c *Cache) Remove(sbuildID string) error {
	if err := validate(sbuildID); err != nil {
		return err
	}
	link := c.LinkPath(sbuildID)
	target, err := os.Readlink(link)
	if err != nil {
		return err
	}
	if err := os.Remove(link); err != nil {
		return err
	}
	// The target is relative to the directory of the link.
	return os.Remove(filepath.Join(filepath.Dir(link), target))
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(to), localTempPrefix)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(out.Name())
		return err
	}
	if err := out.Chmod(0o644); err != nil {
		_ = os.Remove(out.Name())
		return err
	}
	return commitTempFile(out, to)
}

// kallsymsDSO tells kernel symbol tables from kernel images given by path.
func kallsymsDSO(d *symbol.DSO) bool {
	return d.Kind != symbol.KindUser && !strings.HasPrefix(d.LongName, "/")
}

// AddDSO caches the content of d under its build id.
func (c *Cache) AddDSO(d *symbol.DSO) error {
	if !d.HasBuildID() {
		return fmt.Errorf("%s has no build id", d.LongName)
	}
	name := d.LongName
	if !kallsymsDSO(d) && c.SymfsRoot != "" {
		name = filepath.Join(c.SymfsRoot, name)
	}
	return c.Add(d.BuildIDString(), name, kallsymsDSO(d))
}

// AddDSOs caches every hit DSO with a build id. Lists are processed in
// order, failures do not stop the remaining DSOs.
func (c *Cache) AddDSOs(lists ...*symbol.DSOList) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	var errs []error
	added := 0
	for _, l := range lists {
		for _, d := range l.All() {
			if !d.Hit || !d.HasBuildID() {
				continue
			}
			if err := c.AddDSO(d); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.LongName, err))
				continue
			}
			added++
		}
	}
	metrics.Add(metrics.IDBuildIDCacheAdd, metrics.MetricValue(added))
	return errors.Join(errs...)
}
