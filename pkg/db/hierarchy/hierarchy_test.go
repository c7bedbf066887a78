package hierarchy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/testutil"
)

var scanTime = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func newRecord(pid string, series, acq int) *parser.Record {
	rec := &parser.Record{
		Filetype:            parser.FiletypeDICOM,
		StudyUID:            "1.2.840.113619.2.1",
		SeriesUID:           "1.2.840.113619.2.1." + string(rune('0'+series)),
		AcqNo:               acq,
		ExamNo:              1,
		SeriesNo:            series,
		PatientID:           pid,
		FirstName:           "Ada",
		LastName:            "Lovelace",
		Timestamp:           scanTime,
		PSDName:             "epi",
		ImagesInAcquisition: 64,
	}
	rec.TR = 2000
	rec.NumSlices = 32
	return rec
}

var (
	dicomSpec = DatasetSpec{Filetype: model.FiletypeDICOM, Priority: 0, Kind: model.KindPrimary}
	pfileSpec = DatasetSpec{Filetype: model.FiletypePFile, Priority: 1, Kind: model.KindPrimary}
)

func newService(t *testing.T, known ...string) (*service, *gorm.DB) {
	db := testutil.NewTestDB(t)
	return NewDBService(db, known).(*service), db
}

func upsert(t *testing.T, s *service, rec *parser.Record, spec DatasetSpec) *Identity {
	t.Helper()
	var id *Identity
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = s.Upsert(tx, rec, spec)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestParsePatientID(t *testing.T) {
	cases := map[string]PatientID{
		"lab01/study_a@subj1": {Group: "lab01", Experiment: "study_a", Subject: "subj1"},
		"LAB01/Study A":       {Group: "lab01", Experiment: "Study A"},
		"lab01/a/b@x@s2":      {Group: "lab01", Experiment: "a/b@x", Subject: "s2"},
		"phantom":             {},
		"qa@s9":               {Subject: "s9"},
	}
	for in, want := range cases {
		assert.Equal(t, want, ParsePatientID(in), in)
	}
}

func TestUpsertCreatesTree(t *testing.T) {
	s, db := newService(t, "lab01")
	id := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)

	assert.Equal(t, "lab01", id.Group.GID)
	assert.Equal(t, "study_a", id.Experiment.Name)
	assert.Equal(t, "subj1", id.Subject.Code)
	assert.Equal(t, 1, id.Session.Exam)
	assert.Equal(t, 1, id.Epoch.Acq)
	assert.Equal(t, 2000.0, id.Epoch.TR)
	assert.Equal(t, "epi", id.Epoch.PSD)
	assert.True(t, id.DatasetCreated)
	assert.Equal(t, model.KindPrimary, id.Dataset.Kind)
	assert.Equal(t, 64, id.Dataset.FileCntTgt)

	uid, err := parser.PackUID("1.2.840.113619.2.1")
	require.NoError(t, err)
	assert.Equal(t, uid, id.Session.UID)

	container := &model.DataContainer{}
	require.NoError(t, db.Take(container, id.Epoch.ContainerID).Error)
	assert.Equal(t, model.ContainerEpoch, container.Type)
	require.NotNil(t, container.PrimaryDatasetID)
	assert.Equal(t, id.Dataset.ID, *container.PrimaryDatasetID)
}

func TestUpsertLocatesSameRows(t *testing.T) {
	s, db := newService(t, "lab01")
	first := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	second := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)

	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, first.Epoch.ID, second.Epoch.ID)
	assert.Equal(t, first.Dataset.ID, second.Dataset.ID)
	assert.False(t, second.DatasetCreated)

	var n int64
	require.NoError(t, db.Model(&model.Dataset{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	// another acquisition of the same series is another epoch
	third := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 2), dicomSpec)
	assert.Equal(t, first.Session.ID, third.Session.ID)
	assert.NotEqual(t, first.Epoch.ID, third.Epoch.ID)
}

func TestUpsertPriorityUpgrade(t *testing.T) {
	s, db := newService(t, "lab01")
	dcm := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	raw := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), pfileSpec)

	assert.Equal(t, dcm.Epoch.ID, raw.Epoch.ID)
	assert.Equal(t, model.KindPrimary, raw.Dataset.Kind)

	reloaded := &model.Dataset{}
	require.NoError(t, db.Take(reloaded, dcm.Dataset.ID).Error)
	assert.Equal(t, model.KindSecondary, reloaded.Kind)

	container := &model.DataContainer{}
	require.NoError(t, db.Take(container, raw.Epoch.ContainerID).Error)
	assert.Equal(t, raw.Dataset.ID, *container.PrimaryDatasetID)

	// a lower priority arrival never takes primary back
	nifti := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1),
		DatasetSpec{Filetype: model.FiletypeNIfTI, Priority: 0, Kind: model.KindPrimary})
	assert.Equal(t, model.KindSecondary, nifti.Dataset.Kind)

	var primaries int64
	require.NoError(t, db.Model(&model.Dataset{}).
		Where("container_id = ? AND kind = ?", raw.Epoch.ContainerID, model.KindPrimary).
		Count(&primaries).Error)
	assert.EqualValues(t, 1, primaries)
}

func TestUpsertTieKeepsIncumbent(t *testing.T) {
	s, _ := newService(t, "lab01")
	first := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	second := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1),
		DatasetSpec{Filetype: model.FiletypeNIfTI, Priority: 0, Kind: model.KindPrimary})

	assert.Equal(t, model.KindPrimary, first.Dataset.Kind)
	assert.Equal(t, model.KindSecondary, second.Dataset.Kind)
}

func TestUpsertPeripheralDataset(t *testing.T) {
	s, _ := newService(t, "lab01")
	upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	phys := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1),
		DatasetSpec{Filetype: model.FiletypePhysio, Kind: model.KindPeripheral})

	assert.Equal(t, model.KindPeripheral, phys.Dataset.Kind)
	assert.Zero(t, phys.Dataset.FileCntTgt)
}

func TestUpsertGroupResolution(t *testing.T) {
	s, _ := newService(t, "lab01", "neuro")

	fuzzy := upsert(t, s, newRecord("Lab0l/study_a@subj1", 1, 1), dicomSpec)
	assert.Equal(t, "lab01", fuzzy.Group.GID)
	assert.Equal(t, "study_a", fuzzy.Experiment.Name)

	far := upsert(t, s, newRecord("physics/test@subj2", 2, 1), dicomSpec)
	assert.Equal(t, model.UnknownGroup, far.Group.GID)
	assert.Equal(t, "physics/test@subj2", far.Experiment.Name)
	assert.Equal(t, "subj2", far.Subject.Code)

	bare := upsert(t, s, newRecord("phantom", 3, 1), dicomSpec)
	assert.Equal(t, model.UnknownGroup, bare.Group.GID)
	assert.Equal(t, "phantom", bare.Experiment.Name)
	assert.Equal(t, far.Group.ID, bare.Group.ID)
}

func TestUpsertSubjectWithoutCode(t *testing.T) {
	s, _ := newService(t, "lab01")
	dob := time.Date(1990, 1, 2, 0, 0, 0, 0, time.UTC)

	a := newRecord("lab01/study_a", 1, 1)
	a.DOB = &dob
	b := newRecord("lab01/study_a", 2, 1)
	b.DOB = &dob
	c := newRecord("lab01/study_a", 3, 1)
	c.FirstName = "Charles"

	ida := upsert(t, s, a, dicomSpec)
	idb := upsert(t, s, b, dicomSpec)
	idc := upsert(t, s, c, dicomSpec)
	assert.Equal(t, ida.Subject.ID, idb.Subject.ID)
	assert.NotEqual(t, ida.Subject.ID, idc.Subject.ID)
}

func TestUpsertSessionTakesEarliestTimestamp(t *testing.T) {
	s, db := newService(t, "lab01")
	late := newRecord("lab01/study_a@subj1", 2, 1)
	id := upsert(t, s, late, dicomSpec)

	early := newRecord("lab01/study_a@subj1", 1, 1)
	early.Timestamp = scanTime.Add(-10 * time.Minute)
	upsert(t, s, early, dicomSpec)

	sess := &model.Session{}
	require.NoError(t, db.Preload("Container").Take(sess, id.Session.ID).Error)
	assert.True(t, sess.Timestamp.Equal(early.Timestamp), sess.Timestamp)
	assert.True(t, sess.Container.Timestamp.Equal(early.Timestamp), sess.Container.Timestamp)
}

func TestTouchMarksContainerDirty(t *testing.T) {
	s, db := newService(t, "lab01")
	id := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	now := scanTime.Add(time.Hour)

	require.NoError(t, s.Touch(db, id.Dataset, []string{"a.dcm", "b.dcm"}, now))

	ds := &model.Dataset{}
	require.NoError(t, db.Preload("Container").Take(ds, id.Dataset.ID).Error)
	assert.Equal(t, []string{"a.dcm", "b.dcm"}, ds.Files())
	assert.Equal(t, 2, ds.FileCntAct)
	assert.True(t, ds.UpdateTime.Equal(now))
	assert.True(t, ds.Container.Dirty)
}

func trashTimes(t *testing.T, db *gorm.DB, id *Identity) map[string]*time.Time {
	t.Helper()
	exp := &model.Experiment{}
	subj := &model.Subject{}
	sess := &model.DataContainer{}
	epoch := &model.DataContainer{}
	ds := &model.Dataset{}
	require.NoError(t, db.Take(exp, id.Experiment.ID).Error)
	require.NoError(t, db.Take(subj, id.Subject.ID).Error)
	require.NoError(t, db.Take(sess, id.Session.ContainerID).Error)
	require.NoError(t, db.Take(epoch, id.Epoch.ContainerID).Error)
	require.NoError(t, db.Take(ds, id.Dataset.ID).Error)
	return map[string]*time.Time{
		"experiment": exp.TrashTime,
		"subject":    subj.TrashTime,
		"session":    sess.TrashTime,
		"epoch":      epoch.TrashTime,
		"dataset":    ds.TrashTime,
	}
}

func TestTrashPropagation(t *testing.T) {
	s, db := newService(t, "lab01")
	one := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	otherRec := newRecord("lab01/study_a@subj1", 2, 1)
	otherRec.StudyUID = "1.2.840.113619.2.9"
	other := upsert(t, s, otherRec, dicomSpec)
	require.NotEqual(t, one.Session.ID, other.Session.ID)

	at := scanTime.Add(24 * time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Trash(ctx, LevelExperiment, one.Experiment.ID, at))

	for level, ts := range trashTimes(t, db, one) {
		require.NotNil(t, ts, level)
		assert.True(t, ts.Equal(at), level)
	}
	for level, ts := range trashTimes(t, db, other) {
		assert.NotNil(t, ts, level)
	}

	require.NoError(t, s.Untrash(ctx, LevelDataset, one.Dataset.ID))
	for level, ts := range trashTimes(t, db, one) {
		assert.Nil(t, ts, level)
	}
	// the sibling session stays trashed
	rest := trashTimes(t, db, other)
	assert.NotNil(t, rest["session"])
	assert.NotNil(t, rest["epoch"])
	assert.NotNil(t, rest["dataset"])
}

func TestTrashEpochLeavesSession(t *testing.T) {
	s, db := newService(t, "lab01")
	id := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	require.NoError(t, s.Trash(context.Background(), LevelEpoch, id.Epoch.ID, scanTime))

	times := trashTimes(t, db, id)
	assert.NotNil(t, times["epoch"])
	assert.NotNil(t, times["dataset"])
	assert.Nil(t, times["session"])
	assert.Nil(t, times["subject"])
}

func TestUpsertUntrashesOnWrite(t *testing.T) {
	s, db := newService(t, "lab01")
	id := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	require.NoError(t, s.Trash(context.Background(), LevelSubject, id.Subject.ID, scanTime))

	again := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	assert.Nil(t, again.Dataset.TrashTime)
	for level, ts := range trashTimes(t, db, id) {
		assert.Nil(t, ts, level)
	}
}

func TestAccessRules(t *testing.T) {
	s, db := newService(t, "lab01")
	ctx := context.Background()

	users := []*model.User{
		{UID: "pi"}, {UID: "manager"}, {UID: "student"}, {UID: "root", Superuser: true},
	}
	for _, u := range users {
		require.NoError(t, db.Create(u).Error)
	}
	pi, manager, student, root := users[0], users[1], users[2], users[3]

	group := &model.Group{GID: "lab01", Name: "lab01"}
	require.NoError(t, db.Create(group).Error)
	require.NoError(t, db.Create(&[]model.GroupMember{
		{GroupID: group.ID, UserID: pi.ID, Role: model.GroupRolePI},
		{GroupID: group.ID, UserID: manager.ID, Role: model.GroupRoleManager},
		{GroupID: group.ID, UserID: student.ID, Role: model.GroupRoleMember},
	}).Error)

	id := upsert(t, s, newRecord("lab01/study_a@subj1", 1, 1), dicomSpec)
	expID := id.Experiment.ID

	var grants []model.Access
	require.NoError(t, db.Where("experiment_id = ?", expID).Order("user_id").Find(&grants).Error)
	require.Len(t, grants, 2)
	for _, g := range grants {
		assert.Equal(t, model.PrivilegeManage, g.Privilege)
	}

	require.NoError(t, s.SetAccess(ctx, manager, expID, student.ID, model.PrivilegeReadOnly))
	assert.ErrorIs(t, s.SetAccess(ctx, student, expID, student.ID, model.PrivilegeManage), ErrPrivilege)
	assert.ErrorIs(t, s.SetAccess(ctx, manager, expID, pi.ID, model.PrivilegeReadWrite), ErrPrivilege)
	assert.ErrorIs(t, s.RevokeAccess(ctx, manager, expID, pi.ID), ErrPrivilege)
	assert.Error(t, s.SetAccess(ctx, manager, expID, student.ID, model.Privilege(9)))

	require.NoError(t, s.SetAccess(ctx, root, expID, pi.ID, model.PrivilegeReadOnly))
	access := &model.Access{}
	require.NoError(t, db.Where("user_id = ? AND experiment_id = ?", pi.ID, expID).Take(access).Error)
	assert.Equal(t, model.PrivilegeReadOnly, access.Privilege)

	require.NoError(t, s.RevokeAccess(ctx, manager, expID, student.ID))
	var n int64
	require.NoError(t, db.Model(&model.Access{}).Where("user_id = ?", student.ID).Count(&n).Error)
	assert.Zero(t, n)
}
