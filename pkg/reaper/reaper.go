// Package reaper drains acquisitions from scanner sources and publishes one
// archive per acquisition to the ingest endpoint.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/metrics"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/peripheral"
)

// ErrIncompleteTransfer means a move delivered a different number of images
// than the last two polls reported.
var ErrIncompleteTransfer = errors.New("incomplete transfer")

// Options are shared by both reapers.
type Options struct {
	// ID prefixes staging trees so reapers sharing a temp dir never collide.
	ID      string
	TempDir string
	// Sleep is the poll interval used once the source is drained.
	Sleep time.Duration
	// PatientGlob limits reaping to matching patient ids; empty means all.
	PatientGlob string
	// Discard lists patient ids that are dropped without upload.
	Discard []string
}

// base carries what both reapers need around a tick.
type base struct {
	Options

	Registry    *parser.Registry
	Correlators []peripheral.Correlator
	Publisher   *archive.Publisher

	ref   *RefTime
	tref  time.Time
	clock clock.Clock
	log   logr.Logger
}

func (b *base) loadRef() error {
	t, err := b.ref.Load()
	if err != nil {
		return err
	}
	b.tref = t
	b.log.Info("reference time loaded", "tref", t)
	return nil
}

// setRef persists t, truncated to the precision of the state file.
func (b *base) setRef(t time.Time) error {
	t = t.Truncate(time.Second)
	if err := b.ref.Save(t); err != nil {
		return err
	}
	b.tref = t
	return nil
}

func (b *base) discarded(patientID string) bool {
	return lo.Contains(b.Discard, patientID)
}

// run calls tick until ctx is done. A tick always runs to completion; the
// loop sleeps only when tick reports the source drained or fails.
func (b *base) run(ctx context.Context, tick func(context.Context) (bool, error)) error {
	if err := b.loadRef(); err != nil {
		return err
	}
	for ctx.Err() == nil {
		idle, err := tick(context.WithoutCancel(ctx))
		if err != nil {
			metrics.ReaperTickErrors.WithLabelValues(b.ID).Inc()
			b.log.Error(err, "tick failed, retrying next tick")
			idle = true
		}
		if !idle {
			continue
		}
		select {
		case <-ctx.Done():
		case <-b.clock.After(b.Sleep):
		}
	}
	b.log.Info("reaper stopped")
	return nil
}

func (b *base) stagingDir(exam, series, acq int) string {
	return filepath.Join(b.TempDir, fmt.Sprintf("%s_%d_%d_%d", b.ID, exam, series, acq))
}

// republish uploads staging trees left behind by failed uploads. Trees
// without a manifest were interrupted while being built and are removed.
func (b *base) republish(ctx context.Context) error {
	leftovers, err := filepath.Glob(filepath.Join(b.TempDir, b.ID+"_*"))
	if err != nil {
		return err
	}
	sort.Strings(leftovers)
	for _, dir := range leftovers {
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			_ = os.Remove(dir)
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, archive.DigestFile)); err != nil {
			b.log.Info("removing incomplete staging tree", "dir", dir)
			_ = os.RemoveAll(dir)
			continue
		}
		b.log.Info("republishing staged archive", "dir", filepath.Base(dir))
		if err := b.Publisher.Publish(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// attachPeripherals stores each configured kind's files for rec as
// _<main>_<kind>.tgz in staging and returns the kinds found. A correlator
// that fails is logged and the acquisition is reaped without that kind.
func (b *base) attachPeripherals(ctx context.Context, rec *parser.Record, staging, main string) ([]string, error) {
	var kinds []string
	for _, c := range b.Correlators {
		files, err := c.Find(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.log.Info("peripheral lookup failed, continuing without it", "kind", c.Kind(), "series", rec.SeriesUID, "err", err)
			continue
		}
		if len(files) == 0 {
			continue
		}
		name := "_" + main + "_" + c.Kind() + ".tgz"
		if err := archive.TarGzFiles(filepath.Join(staging, name), c.Kind(), files); err != nil {
			return nil, fmt.Errorf("attach %s: %w", c.Kind(), err)
		}
		kinds = append(kinds, c.Kind())
	}
	return kinds, nil
}

// finishStaging writes the manifest, the last step of building a staging tree.
func (b *base) finishStaging(staging string, rec *parser.Record, kinds []string) error {
	meta := archive.MetadataFromRecord(rec, b.ID)
	meta.Peripherals = kinds
	return archive.WriteManifest(staging, meta)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// matchPatient applies DICOM wildcard matching: * is any run of characters,
// including '/', and ? is one character. Case is ignored.
func matchPatient(glob, patientID string) bool {
	if glob == "" {
		return true
	}
	pattern := regexp.QuoteMeta(strings.ToLower(glob))
	pattern = strings.ReplaceAll(pattern, `\*`, ".*")
	pattern = strings.ReplaceAll(pattern, `\?`, ".")
	ok, err := regexp.MatchString("^"+pattern+"$", strings.ToLower(patientID))
	return err == nil && ok
}
