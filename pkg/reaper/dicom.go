package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/dicomnet"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/peripheral"
)

type ExamState int

const (
	ExamNew ExamState = iota + 1
	ExamMonitored
	ExamDraining
	ExamDone
	ExamVanished
)

func (s ExamState) String() string {
	switch s {
	case ExamNew:
		return "new"
	case ExamMonitored:
		return "monitored"
	case ExamDraining:
		return "draining"
	case ExamDone:
		return "done"
	case ExamVanished:
		return "vanished"
	default:
		return "unknown"
	}
}

type seriesState struct {
	number       int
	images       int
	needsReaping bool
}

type exam struct {
	dicomnet.Study
	state  ExamState
	series map[string]*seriesState
}

func (e *exam) pending() bool {
	for _, s := range e.series {
		if s.needsReaping {
			return true
		}
	}
	return false
}

// DICOMReaper monitors one exam at a time on a DICOM source and reaps each of
// its series once two consecutive polls report the same image count.
type DICOMReaper struct {
	base

	Client dicomnet.Client

	monitored *exam
	// finished holds exams already advanced past that share the reference second.
	finished map[string]time.Time
}

func NewDICOMReaper(
	opts Options,
	client dicomnet.Client,
	registry *parser.Registry,
	correlators []peripheral.Correlator,
	publisher *archive.Publisher,
	ref *RefTime,
	clk clock.Clock,
) *DICOMReaper {
	return &DICOMReaper{
		base: base{
			Options:     opts,
			Registry:    registry,
			Correlators: correlators,
			Publisher:   publisher,
			ref:         ref,
			clock:       clk,
			log:         logutils.Logger("dicomreaper").WithValues("reaper", opts.ID),
		},
		Client:   client,
		finished: map[string]time.Time{},
	}
}

// Run polls the source until ctx is done.
func (r *DICOMReaper) Run(ctx context.Context) error {
	return r.run(ctx, r.Tick)
}

// Monitored returns the study currently monitored and its state.
func (r *DICOMReaper) Monitored() (dicomnet.Study, ExamState, bool) {
	if r.monitored == nil {
		return dicomnet.Study{}, 0, false
	}
	return r.monitored.Study, r.monitored.state, true
}

// Tick performs one poll of the source. It reports true when no study is
// waiting behind the monitored one, in which case the caller sleeps.
func (r *DICOMReaper) Tick(ctx context.Context) (bool, error) {
	if r.tref.IsZero() {
		if err := r.loadRef(); err != nil {
			return true, err
		}
	}
	if err := r.republish(ctx); err != nil {
		return true, fmt.Errorf("DICOMReaper.Tick: %w", err)
	}

	for {
		studies, err := r.Client.FindStudies(ctx, r.tref, r.PatientGlob)
		if err != nil {
			return true, fmt.Errorf("DICOMReaper.Tick: %w", err)
		}
		outstanding := r.outstanding(studies)

		if m := r.monitored; m != nil {
			_, idx, found := lo.FindIndexOf(outstanding, func(s dicomnet.Study) bool { return s.UID == m.UID })
			if !found {
				m.state = ExamVanished
				r.log.Info("monitored exam vanished from the source, dropping it",
					"study", m.UID, "exam", m.ExamNo, "patient", m.PatientID)
				r.monitored = nil
				continue
			}
			if idx > 0 {
				// a study sharing the monitored timestamp sorted ahead of it
				head := outstanding[idx]
				outstanding = append([]dicomnet.Study{head}, slices.Delete(slices.Clone(outstanding), idx, idx+1)...)
			}
		}

		if r.monitored == nil {
			if len(outstanding) == 0 {
				return true, nil
			}
			adopted, err := r.adopt(outstanding[0])
			if err != nil {
				return true, err
			}
			if !adopted {
				continue
			}
			// the adoption poll only records counts
			return len(outstanding) <= 1, r.poll(ctx, r.monitored)
		}

		if !r.monitored.pending() && len(outstanding) > 1 {
			r.advance(outstanding[1])
			if err := r.setRef(outstanding[1].Timestamp); err != nil {
				return true, err
			}
			continue
		}

		return len(outstanding) <= 1, r.poll(ctx, r.monitored)
	}
}

// outstanding keeps studies at or after the reference that have not been
// finished, oldest first.
func (r *DICOMReaper) outstanding(studies []dicomnet.Study) []dicomnet.Study {
	for uid, ts := range r.finished {
		if ts.Before(r.tref) {
			delete(r.finished, uid)
		}
	}
	out := lo.Filter(studies, func(s dicomnet.Study, _ int) bool {
		_, done := r.finished[s.UID]
		return !done && !s.Timestamp.Before(r.tref)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// adopt makes s the monitored exam, or discards it and moves the reference
// past it. It reports whether s was adopted.
func (r *DICOMReaper) adopt(s dicomnet.Study) (bool, error) {
	if r.discarded(s.PatientID) {
		r.log.Info("discarding exam", "study", s.UID, "patient", s.PatientID)
		next := s.Timestamp
		if r.tref.After(next) {
			next = r.tref
		}
		return false, r.setRef(next.Add(time.Second))
	}
	r.monitored = &exam{Study: s, state: ExamMonitored, series: map[string]*seriesState{}}
	r.log.Info("monitoring exam", "study", s.UID, "exam", s.ExamNo, "patient", s.PatientID, "timestamp", s.Timestamp)
	if s.Timestamp.After(r.tref) {
		return true, r.setRef(s.Timestamp)
	}
	return true, nil
}

func (r *DICOMReaper) advance(next dicomnet.Study) {
	m := r.monitored
	m.state = ExamDone
	r.finished[m.UID] = m.Timestamp
	r.log.Info("exam done", "study", m.UID, "exam", m.ExamNo, "next", next.UID)
	r.monitored = nil
}

// poll compares the series image counts with the previous poll and reaps the
// series whose count did not change.
func (r *DICOMReaper) poll(ctx context.Context, ex *exam) error {
	series, err := r.Client.FindSeries(ctx, ex.UID)
	if err != nil {
		return fmt.Errorf("DICOMReaper.poll: %w", err)
	}
	sort.SliceStable(series, func(i, j int) bool { return series[i].Number < series[j].Number })

	var errs []error
	for _, s := range series {
		st, ok := ex.series[s.UID]
		if !ok {
			st = &seriesState{number: s.Number}
			ex.series[s.UID] = st
		}
		switch {
		case s.Images > st.images:
			r.log.V(1).Info("series growing", "series", s.Number, "images", s.Images, "previous", st.images)
			st.images = s.Images
			st.needsReaping = true
		case s.Images == st.images && st.needsReaping:
			ex.state = ExamDraining
			err := r.reapSeries(ctx, ex, s.UID, st)
			if err == nil || errors.Is(err, archive.ErrUploadFailure) {
				st.needsReaping = false
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type dicomFile struct {
	path string
	rec  *parser.Record
}

// reapSeries moves a series, splits it by acquisition and publishes one
// archive per acquisition. An upload failure leaves the staging trees for
// the next tick and is reported as ErrUploadFailure.
func (r *DICOMReaper) reapSeries(ctx context.Context, ex *exam, seriesUID string, st *seriesState) error {
	tmp, err := os.MkdirTemp(r.TempDir, ".move-")
	if err != nil {
		return fmt.Errorf("DICOMReaper.reapSeries: %w", err)
	}
	defer os.RemoveAll(tmp)

	n, err := r.Client.Move(ctx, ex.UID, seriesUID, tmp)
	if err != nil {
		return fmt.Errorf("DICOMReaper.reapSeries: %w", err)
	}
	if n != st.images {
		metrics.IncompleteTransfers.Inc()
		return fmt.Errorf("%w: exam %d series %d: received %d images, expected %d",
			ErrIncompleteTransfer, ex.ExamNo, st.number, n, st.images)
	}

	files, err := r.parseAll(tmp)
	if err != nil {
		return fmt.Errorf("DICOMReaper.reapSeries: %w", err)
	}
	byAcq := lo.GroupBy(files, func(f dicomFile) int { return f.rec.AcqNo })
	acqs := lo.Keys(byAcq)
	sort.Ints(acqs)

	var staged []string
	for _, acq := range acqs {
		dir, err := r.stage(ctx, ex, byAcq[acq])
		if err != nil {
			for _, d := range staged {
				_ = os.RemoveAll(d)
			}
			return fmt.Errorf("DICOMReaper.reapSeries: %w", err)
		}
		staged = append(staged, dir)
	}

	metrics.SeriesReaped.WithLabelValues(r.ID).Inc()
	for _, dir := range staged {
		if err := r.Publisher.Publish(ctx, dir); err != nil {
			return err
		}
	}
	r.log.Info("series reaped", "exam", ex.ExamNo, "series", st.number, "images", n, "acquisitions", len(acqs))
	return nil
}

func (r *DICOMReaper) parseAll(dir string) ([]dicomFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []dicomFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rec, err := r.Registry.Parse(path)
		if err != nil {
			r.log.Info("skipping unreadable image", "file", e.Name(), "err", err)
			continue
		}
		files = append(files, dicomFile{path: path, rec: rec})
	}
	return files, nil
}

// stage builds <tempdir>/<id>_<exam>_<series>_<acq> for one acquisition.
func (r *DICOMReaper) stage(ctx context.Context, ex *exam, files []dicomFile) (string, error) {
	first := lo.MinBy(files, func(a, b dicomFile) bool { return a.rec.Timestamp.Before(b.rec.Timestamp) })
	rec := first.rec
	if rec.ExamNo == 0 {
		rec.ExamNo = ex.ExamNo
	}

	staging := r.stagingDir(rec.ExamNo, rec.SeriesNo, rec.AcqNo)
	if err := os.RemoveAll(staging); err != nil {
		return "", err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		_ = os.RemoveAll(staging)
		return "", err
	}

	name := parser.AcquisitionArchiveName(rec.ExamNo, rec.SeriesNo, rec.AcqNo)
	paths := lo.Map(files, func(f dicomFile, _ int) string { return f.path })
	sort.Strings(paths)
	if err := archive.TarGzFiles(filepath.Join(staging, name), "dicoms", paths); err != nil {
		return fail(err)
	}
	kinds, err := r.attachPeripherals(ctx, rec, staging, name)
	if err != nil {
		return fail(err)
	}
	if err := r.finishStaging(staging, rec, kinds); err != nil {
		return fail(err)
	}
	return staging, nil
}
