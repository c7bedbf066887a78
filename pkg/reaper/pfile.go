package reaper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/peripheral"
)

type trackedFile struct {
	modTime      time.Time
	size         int64
	needsReaping bool
}

// PFileReaper watches a directory for raw files and reaps each one once two
// consecutive ticks see the same size.
type PFileReaper struct {
	base

	Dir     string
	Pattern string

	files map[string]*trackedFile
}

func NewPFileReaper(
	opts Options,
	dir string,
	registry *parser.Registry,
	correlators []peripheral.Correlator,
	publisher *archive.Publisher,
	ref *RefTime,
	clk clock.Clock,
) *PFileReaper {
	return &PFileReaper{
		base: base{
			Options:     opts,
			Registry:    registry,
			Correlators: correlators,
			Publisher:   publisher,
			ref:         ref,
			clock:       clk,
			log:         logutils.Logger("pfilereaper").WithValues("reaper", opts.ID),
		},
		Dir:     dir,
		Pattern: parser.PFileGlob,
		files:   map[string]*trackedFile{},
	}
}

func (r *PFileReaper) Run(ctx context.Context) error {
	return r.run(ctx, r.Tick)
}

type candidate struct {
	path string
	info os.FileInfo
}

// Tick scans the directory once. The source is never considered drained
// before the next interval, so it always reports true.
func (r *PFileReaper) Tick(ctx context.Context) (bool, error) {
	if r.tref.IsZero() {
		if err := r.loadRef(); err != nil {
			return true, err
		}
	}
	if err := r.republish(ctx); err != nil {
		return true, fmt.Errorf("PFileReaper.Tick: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(r.Dir, r.Pattern))
	if err != nil {
		return true, fmt.Errorf("PFileReaper.Tick: %w", err)
	}
	var found []candidate
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() || info.ModTime().Before(r.tref) {
			continue
		}
		found = append(found, candidate{path: p, info: info})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].info.ModTime().Before(found[j].info.ModTime()) })

	seen := map[string]bool{}
	var errs []error
	for _, c := range found {
		name := filepath.Base(c.path)
		seen[name] = true
		if err := r.check(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	for name := range r.files {
		if !seen[name] {
			delete(r.files, name)
		}
	}
	return true, errors.Join(errs...)
}

func (r *PFileReaper) check(ctx context.Context, c candidate) error {
	name := filepath.Base(c.path)
	size, mtime := c.info.Size(), c.info.ModTime()
	tf, known := r.files[name]

	rec, err := r.Registry.Parse(c.path)
	if err != nil {
		r.log.V(1).Info("raw file not parseable yet", "file", name, "err", err)
		r.files[name] = &trackedFile{modTime: mtime, size: size}
		return nil
	}
	if r.discarded(rec.PatientID) || !matchPatient(r.PatientGlob, rec.PatientID) {
		if !known || tf.needsReaping {
			r.log.Info("ignoring raw file", "file", name, "patient", rec.PatientID)
		}
		r.files[name] = &trackedFile{modTime: mtime, size: size}
		return nil
	}

	if known && tf.size == size && tf.needsReaping {
		err := r.reap(ctx, c.path, rec)
		if err != nil && !errors.Is(err, archive.ErrUploadFailure) {
			return err
		}
		tf.needsReaping = false
		if refErr := r.setRef(mtime); refErr != nil {
			return errors.Join(err, refErr)
		}
		return err
	}

	changed := !known || tf.size != size || !tf.modTime.Equal(mtime)
	r.files[name] = &trackedFile{
		modTime:      mtime,
		size:         size,
		needsReaping: changed || tf.needsReaping,
	}
	return nil
}

// reap stages <base>.gz, its companions and peripherals, then publishes.
func (r *PFileReaper) reap(ctx context.Context, path string, rec *parser.Record) error {
	base := filepath.Base(path)
	staging := r.stagingDir(rec.ExamNo, rec.SeriesNo, rec.AcqNo)
	if err := r.stage(ctx, staging, path, rec); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("PFileReaper.reap: %s: %w", base, err)
	}
	metrics.SeriesReaped.WithLabelValues(r.ID).Inc()
	if err := r.Publisher.Publish(ctx, staging); err != nil {
		return err
	}
	r.log.Info("raw file reaped", "file", base, "exam", rec.ExamNo, "series", rec.SeriesNo, "acquisition", rec.AcqNo)
	return nil
}

func (r *PFileReaper) stage(ctx context.Context, staging, path string, rec *parser.Record) error {
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	main := filepath.Base(path) + ".gz"
	if err := archive.GzipFile(path, filepath.Join(staging, main), 0o644); err != nil {
		return err
	}

	companions, err := r.companions(path, rec.SeriesUID)
	if err != nil {
		return err
	}
	for _, c := range companions {
		suffix := strings.TrimPrefix(filepath.Base(c), filepath.Base(path)+"_")
		if err := copyFile(c, filepath.Join(staging, "_"+main+"_"+suffix)); err != nil {
			return err
		}
	}

	kinds, err := r.attachPeripherals(ctx, rec, staging, main)
	if err != nil {
		return err
	}
	return r.finishStaging(staging, rec, kinds)
}

// companions are the <path>_* files that start with the packed series UID.
func (r *PFileReaper) companions(path, seriesUID string) ([]string, error) {
	packed, err := parser.PackUID(seriesUID)
	if err != nil {
		return nil, err
	}
	want := parser.PadUID(packed)

	matches, err := filepath.Glob(path + "_*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []string
	for _, m := range matches {
		head, err := readHead(m, len(want))
		if err != nil {
			r.log.V(1).Info("skipping companion", "file", filepath.Base(m), "err", err)
			continue
		}
		if bytes.Equal(head, want) {
			out = append(out, m)
		}
	}
	return out, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
