package reaper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/dicomnet"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/peripheral"
	"github.com/raids-lab/acqpipe/pkg/testutil"
)

// fakeSource is an in-memory DICOM source. Each FindSeries call advances the
// image count sequence of every series; the last count repeats.
type fakeSource struct {
	t       *testing.T
	studies []dicomnet.Study
	series  map[string][]string // study uid -> series uids
	counts  map[string][]int
	specs   map[string]testutil.DICOMSpec
	polls   map[string]int
	current map[string]int
	// short drops images from the next move, extra adds images to it
	short    int
	extra    int
	findErr  error
	moveUIDs []string
}

func newFakeSource(t *testing.T) *fakeSource {
	return &fakeSource{
		t:       t,
		series:  map[string][]string{},
		counts:  map[string][]int{},
		specs:   map[string]testutil.DICOMSpec{},
		polls:   map[string]int{},
		current: map[string]int{},
	}
}

func (f *fakeSource) addSeries(spec testutil.DICOMSpec, exam int, counts ...int) {
	found := false
	for _, s := range f.studies {
		if s.UID == spec.StudyUID {
			found = true
		}
	}
	if !found {
		f.studies = append(f.studies, dicomnet.Study{
			UID: spec.StudyUID, ExamNo: exam, PatientID: spec.PatientID, Timestamp: spec.AcquisitionTime,
		})
	}
	f.series[spec.StudyUID] = append(f.series[spec.StudyUID], spec.SeriesUID)
	f.counts[spec.SeriesUID] = counts
	f.specs[spec.SeriesUID] = spec
}

func (f *fakeSource) removeStudy(uid string) {
	var kept []dicomnet.Study
	for _, s := range f.studies {
		if s.UID != uid {
			kept = append(kept, s)
		}
	}
	f.studies = kept
}

func (f *fakeSource) FindStudies(_ context.Context, since time.Time, _ string) ([]dicomnet.Study, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	day := time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())
	var out []dicomnet.Study
	for _, s := range f.studies {
		if !s.Timestamp.Before(day) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) FindSeries(_ context.Context, studyUID string) ([]dicomnet.Series, error) {
	var out []dicomnet.Series
	for _, uid := range f.series[studyUID] {
		seq := f.counts[uid]
		n := seq[min(f.polls[uid], len(seq)-1)]
		f.polls[uid]++
		f.current[uid] = n
		out = append(out, dicomnet.Series{UID: uid, Number: f.specs[uid].SeriesNumber, Images: n})
	}
	return out, nil
}

func (f *fakeSource) Move(_ context.Context, _, seriesUID, dest string) (int, error) {
	f.moveUIDs = append(f.moveUIDs, seriesUID)
	n := f.current[seriesUID] - f.short + f.extra
	f.short, f.extra = 0, 0
	testutil.WriteSeries(f.t, dest, f.specs[seriesUID], n)
	return n, nil
}

// captureUploader keeps a copy of every accepted archive.
type captureUploader struct {
	dir   string
	names []string
	fail  int
}

func (u *captureUploader) Upload(_ context.Context, file, name, md5hex string) error {
	if u.fail > 0 {
		u.fail--
		return fmt.Errorf("%w: endpoint down", archive.ErrUploadFailure)
	}
	sum, err := archive.FileMD5(file)
	if err != nil {
		return err
	}
	if sum != md5hex {
		return fmt.Errorf("md5 mismatch")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	u.names = append(u.names, name)
	return os.WriteFile(filepath.Join(u.dir, name), data, 0o644)
}

// unpack extracts an uploaded archive and returns the files below its top
// directory, relative to it.
func (u *captureUploader) unpack(t *testing.T, name string) (string, []string) {
	t.Helper()
	out := t.TempDir()
	require.NoError(t, archive.Extract(filepath.Join(u.dir, name), out))
	top := filepath.Join(out, name[:len(name)-len(".tar")])
	var files []string
	require.NoError(t, filepath.Walk(top, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(top, p)
		files = append(files, rel)
		return nil
	}))
	sort.Strings(files)
	return top, files
}

type harness struct {
	clock    *testingclock.FakeClock
	ref      *RefTime
	uploader *captureUploader
	tempDir  string
	opts     Options
}

func newHarness(t *testing.T, now, tref time.Time) *harness {
	t.Helper()
	h := &harness{
		clock:    testingclock.NewFakeClock(now),
		uploader: &captureUploader{dir: t.TempDir()},
		tempDir:  t.TempDir(),
	}
	h.ref = NewRefTime(t.TempDir(), "test", h.clock)
	require.NoError(t, h.ref.Save(tref))
	h.opts = Options{ID: "test", TempDir: h.tempDir, Sleep: time.Second}
	return h
}

func (h *harness) dicomReaper(src dicomnet.Client, corrs ...peripheral.Correlator) *DICOMReaper {
	pub := archive.NewPublisher(h.tempDir, h.uploader)
	return NewDICOMReaper(h.opts, src, parser.DefaultRegistry(), corrs, pub, h.ref, h.clock)
}

func (h *harness) pfileReaper(dir string, corrs ...peripheral.Correlator) *PFileReaper {
	pub := archive.NewPublisher(h.tempDir, h.uploader)
	return NewPFileReaper(h.opts, dir, parser.DefaultRegistry(), corrs, pub, h.ref, h.clock)
}
