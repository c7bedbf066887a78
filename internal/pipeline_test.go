package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/db/hierarchy"
	"github.com/raids-lab/acqpipe/pkg/dicomnet"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/reaper"
	"github.com/raids-lab/acqpipe/pkg/sorter"
	"github.com/raids-lab/acqpipe/pkg/testutil"
)

const (
	examStudyUID  = "1.2.840.113619.2.1"
	examSeriesUID = "1.2.840.113619.2.1.1"
	examPatient   = "lab01/study_a@subj1"
)

var examTime = time.Date(2024, 6, 15, 10, 0, 0, 0, time.Local)

// scanner is a DICOM source holding one finished exam.
type scanner struct {
	t      *testing.T
	spec   testutil.DICOMSpec
	images int
}

func (s *scanner) FindStudies(context.Context, time.Time, string) ([]dicomnet.Study, error) {
	return []dicomnet.Study{{UID: s.spec.StudyUID, ExamNo: 1, PatientID: s.spec.PatientID, Timestamp: s.spec.AcquisitionTime}}, nil
}

func (s *scanner) FindSeries(context.Context, string) ([]dicomnet.Series, error) {
	return []dicomnet.Series{{UID: s.spec.SeriesUID, Number: s.spec.SeriesNumber, Images: s.images}}, nil
}

func (s *scanner) Move(_ context.Context, _, _, dest string) (int, error) {
	testutil.WriteSeries(s.t, dest, s.spec, s.images)
	return s.images, nil
}

// teeUploader keeps a copy of every archive before handing it on.
type teeUploader struct {
	archive.Uploader
	dir string
}

func (u *teeUploader) Upload(ctx context.Context, file, name, md5hex string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(u.dir, name), data, 0o644); err != nil {
		return err
	}
	return u.Uploader.Upload(ctx, file, name, md5hex)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, string) error { return nil }

type pipeline struct {
	db       *gorm.DB
	clock    *clocktesting.FakeClock
	sent     string
	tempDir  string
	stateDir string
	pub      *archive.Publisher
	sorter   *sorter.Sorter
	store    string
}

func newPipeline(t *testing.T) *pipeline {
	db := testutil.NewTestDB(t)
	srv, stage := newServer(t, db)
	p := &pipeline{
		db:       db,
		clock:    clocktesting.NewFakeClock(examTime.Add(time.Hour)),
		sent:     t.TempDir(),
		tempDir:  t.TempDir(),
		stateDir: t.TempDir(),
		store:    filepath.Join(t.TempDir(), "store"),
	}
	p.pub = archive.NewPublisher(p.tempDir, &teeUploader{Uploader: newUploader(srv.URL + "/api/v1/upload"), dir: p.sent})
	p.sorter = sorter.New(sorter.Options{
		StageDir:      stage,
		StoreRoot:     p.store,
		QuarantineDir: filepath.Join(t.TempDir(), "quarantine"),
		Sleep:         time.Second,
	}, db, parser.DefaultRegistry(), hierarchy.NewDBService(db, []string{"lab01"}), nopAlerter{}, p.clock)
	return p
}

func (p *pipeline) options(id string) reaper.Options {
	return reaper.Options{ID: id, TempDir: p.tempDir, Sleep: time.Second}
}

func (p *pipeline) refTime(t *testing.T, id string) *reaper.RefTime {
	ref := reaper.NewRefTime(p.stateDir, id, p.clock)
	require.NoError(t, ref.Save(examTime.Add(-time.Hour)))
	return ref
}

func (p *pipeline) sweep(t *testing.T) {
	t.Helper()
	n, err := p.sorter.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// reaped returns the contents of an uploaded archive without its manifest.
func (p *pipeline) reaped(t *testing.T, name string) map[string]string {
	t.Helper()
	out := t.TempDir()
	require.NoError(t, archive.Extract(filepath.Join(p.sent, name), out))
	top := filepath.Join(out, strings.TrimSuffix(name, ".tar"))
	require.NoError(t, archive.VerifyManifest(top))
	files := readDir(t, top)
	delete(files, archive.DigestFile)
	delete(files, archive.MetadataFile)
	return files
}

func (p *pipeline) stored(t *testing.T, ds *model.Dataset) map[string]string {
	t.Helper()
	return readDir(t, filepath.Join(p.store, ds.RelPath()))
}

func (p *pipeline) dataset(t *testing.T, filetype string) *model.Dataset {
	t.Helper()
	ds := &model.Dataset{}
	require.NoError(t, p.db.Where("filetype = ?", filetype).Take(ds).Error)
	return ds
}

func readDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	names, err := archive.ListFiles(dir)
	require.NoError(t, err)
	files := make(map[string]string, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		files[name] = string(data)
	}
	return files
}

func tick(t *testing.T, r interface {
	Tick(context.Context) (bool, error)
}) {
	t.Helper()
	_, err := r.Tick(context.Background())
	require.NoError(t, err)
}

func TestReapSortRoundTrip(t *testing.T) {
	p := newPipeline(t)

	// a DICOM series is reaped, uploaded and sorted into the store
	src := &scanner{t: t, images: 64, spec: testutil.DICOMSpec{
		StudyUID:          examStudyUID,
		SeriesUID:         examSeriesUID,
		PatientID:         examPatient,
		PatientName:       "Doe^Jane",
		StudyID:           "1",
		SeriesNumber:      1,
		AcquisitionNumber: 1,
		AcquisitionTime:   examTime,
		PSDName:           "myepi",
		DurationMicros:    300e6,
		Description:       "rest",
	}}
	dicomReaper := reaper.NewDICOMReaper(p.options("mr1"), src, parser.DefaultRegistry(), nil, p.pub,
		p.refTime(t, "mr1"), p.clock)
	tick(t, dicomReaper)
	tick(t, dicomReaper)
	dicomFiles := p.reaped(t, "mr1_1_1_1.tar")
	assert.Equal(t, []string{"1_1_1" + parser.DICOMArchiveSuffix}, lo.Keys(dicomFiles))

	p.sweep(t)

	group := &model.Group{}
	require.NoError(t, p.db.Where("gid = ?", "lab01").Take(group).Error)
	exp := &model.Experiment{}
	require.NoError(t, p.db.Where("owner_id = ? AND name = ?", group.ID, "study_a").Take(exp).Error)
	subj := &model.Subject{}
	require.NoError(t, p.db.Where("experiment_id = ? AND code = ?", exp.ID, "subj1").Take(subj).Error)
	sess := &model.Session{}
	require.NoError(t, p.db.Where("subject_id = ?", subj.ID).Take(sess).Error)
	studyUID, err := parser.PackUID(examStudyUID)
	require.NoError(t, err)
	assert.Equal(t, studyUID, sess.UID)
	epoch := &model.Epoch{}
	require.NoError(t, p.db.Where("session_id = ?", sess.ID).Take(epoch).Error)
	seriesUID, err := parser.PackUID(examSeriesUID)
	require.NoError(t, err)
	assert.Equal(t, seriesUID, epoch.UID)
	assert.Equal(t, 1, epoch.Acq)

	dicom := p.dataset(t, model.FiletypeDICOM)
	assert.Equal(t, epoch.ContainerID, dicom.ContainerID)
	assert.Equal(t, model.KindPrimary, dicom.Kind)
	assert.Equal(t, dicomFiles, p.stored(t, dicom))

	// the raw file of the same acquisition outranks the DICOM images
	raw := t.TempDir()
	rec := &parser.Record{
		StudyUID:    examStudyUID,
		SeriesUID:   examSeriesUID,
		AcqNo:       1,
		ExamNo:      1,
		SeriesNo:    1,
		PatientID:   examPatient,
		FirstName:   "Jane",
		LastName:    "Doe",
		Timestamp:   examTime,
		PSDName:     "myepi",
		Description: "rest",
	}
	rec.SizeX, rec.SizeY, rec.NumSlices, rec.NumTimepoints = 64, 64, 30, 120
	testutil.WritePFile(t, filepath.Join(raw, "P01234.7"), rec, 4096, examTime)
	pfileReaper := reaper.NewPFileReaper(p.options("mr1raw"), raw, parser.DefaultRegistry(), nil, p.pub,
		p.refTime(t, "mr1raw"), p.clock)
	tick(t, pfileReaper)
	tick(t, pfileReaper)
	rawFiles := p.reaped(t, "mr1raw_1_1_1.tar")
	assert.Equal(t, []string{"P01234.7.gz"}, lo.Keys(rawFiles))

	p.sweep(t)

	var epochs int64
	require.NoError(t, p.db.Model(&model.Epoch{}).Count(&epochs).Error)
	assert.EqualValues(t, 1, epochs)

	pfile := p.dataset(t, model.FiletypePFile)
	assert.Equal(t, epoch.ContainerID, pfile.ContainerID)
	assert.Equal(t, model.KindPrimary, pfile.Kind)
	assert.Equal(t, rawFiles, p.stored(t, pfile))

	dicom = p.dataset(t, model.FiletypeDICOM)
	assert.Equal(t, model.KindSecondary, dicom.Kind)
	assert.Equal(t, dicomFiles, p.stored(t, dicom))

	c := &model.DataContainer{}
	require.NoError(t, p.db.Take(c, epoch.ContainerID).Error)
	require.NotNil(t, c.PrimaryDatasetID)
	assert.Equal(t, pfile.ID, *c.PrimaryDatasetID)
}
