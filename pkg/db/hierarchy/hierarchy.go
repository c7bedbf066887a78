// Package hierarchy maintains the group / experiment / subject / session /
// epoch / dataset tree. Every write goes through a caller supplied
// transaction so the sorter and the scheduler can bundle it with their own
// row updates.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/parser"
)

// ErrPrivilege is returned when an actor may not perform an access change.
var ErrPrivilege = errors.New("insufficient privilege")

// Level names a node type of the tree for trash operations.
type Level string

const (
	LevelExperiment Level = "experiment"
	LevelSubject    Level = "subject"
	LevelSession    Level = "session"
	LevelEpoch      Level = "epoch"
	LevelDataset    Level = "dataset"
)

// DatasetSpec describes the dataset a parsed file belongs to. Kind is
// KindPrimary for files subject to the primary/secondary rule; any other
// kind is stored as given.
type DatasetSpec struct {
	Filetype string
	Priority int
	Kind     model.DatasetKind
}

// Identity is the resolved position of one acquisition file in the tree.
type Identity struct {
	Group      *model.Group
	Experiment *model.Experiment
	Subject    *model.Subject
	Session    *model.Session
	Epoch      *model.Epoch
	Dataset    *model.Dataset

	DatasetCreated bool
}

type DBService interface {
	// Upsert resolves or creates every node for rec and the dataset
	// described by spec, untrashing the dataset and its ancestors.
	Upsert(tx *gorm.DB, rec *parser.Record, spec DatasetSpec) (*Identity, error)
	// Touch records the files now present in the dataset directory and
	// marks the dataset uncompressed and the owning container dirty.
	Touch(tx *gorm.DB, ds *model.Dataset, files []string, now time.Time) error

	Trash(ctx context.Context, level Level, id uint, at time.Time) error
	Untrash(ctx context.Context, level Level, id uint) error

	SetAccess(ctx context.Context, actor *model.User, experimentID, userID uint, priv model.Privilege) error
	RevokeAccess(ctx context.Context, actor *model.User, experimentID, userID uint) error
}

type service struct {
	db          *gorm.DB
	knownGroups []string
	log         logr.Logger
}

func NewDBService(db *gorm.DB, knownGroups []string) DBService {
	return &service{
		db:          db,
		knownGroups: knownGroups,
		log:         logutils.Logger("hierarchy"),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (s *service) Upsert(tx *gorm.DB, rec *parser.Record, spec DatasetSpec) (*Identity, error) {
	id := &Identity{}
	var expName string
	var err error
	if id.Group, expName, err = s.resolveGroup(tx, rec.PatientID); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: group: %w", err)
	}
	if id.Experiment, err = s.findOrCreateExperiment(tx, id.Group, expName); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: experiment: %w", err)
	}
	if id.Subject, err = s.findOrCreateSubject(tx, id.Experiment, rec); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: subject: %w", err)
	}
	if id.Session, err = s.upsertSession(tx, id.Subject, rec); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: session: %w", err)
	}
	if id.Epoch, err = s.upsertEpoch(tx, id.Session, rec); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: epoch: %w", err)
	}
	if id.Dataset, id.DatasetCreated, err = s.upsertDataset(tx, id.Epoch.ContainerID, spec, rec); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: dataset: %w", err)
	}
	if err = s.untrash(tx, LevelDataset, id.Dataset.ID); err != nil {
		return nil, fmt.Errorf("Hierarchy.Upsert: untrash: %w", err)
	}
	id.Dataset.TrashTime = nil
	return id, nil
}

func (s *service) findOrCreateExperiment(tx *gorm.DB, group *model.Group, name string) (*model.Experiment, error) {
	exp := &model.Experiment{}
	err := tx.Where("owner_id = ? AND name = ?", group.ID, name).Take(exp).Error
	if err == nil {
		return exp, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	exp = &model.Experiment{OwnerID: group.ID, Name: name}
	if err = tx.Omit(clause.Associations).Create(exp).Error; err != nil {
		return nil, err
	}
	// PIs and managers of the owning lab manage every new experiment
	var admins []model.GroupMember
	err = tx.Where("group_id = ? AND role IN ?", group.ID,
		[]model.GroupRole{model.GroupRolePI, model.GroupRoleManager}).Find(&admins).Error
	if err != nil {
		return nil, err
	}
	if len(admins) > 0 {
		grants := lo.Map(admins, func(m model.GroupMember, _ int) model.Access {
			return model.Access{UserID: m.UserID, ExperimentID: exp.ID, Privilege: model.PrivilegeManage}
		})
		if err = tx.Create(&grants).Error; err != nil {
			return nil, err
		}
	}
	s.log.Info("experiment created", "group", group.GID, "experiment", name, "managers", len(admins))
	return exp, nil
}

func (s *service) findOrCreateSubject(tx *gorm.DB, exp *model.Experiment, rec *parser.Record) (*model.Subject, error) {
	code := ParsePatientID(rec.PatientID).Subject

	q := tx.Where("experiment_id = ?", exp.ID)
	if code != "" {
		q = q.Where("code = ?", code)
	} else {
		q = q.Where("code = ? AND firstname = ? AND lastname = ?", "", rec.FirstName, rec.LastName)
		if rec.DOB == nil {
			q = q.Where("dob IS NULL")
		} else {
			q = q.Where("dob = ?", *rec.DOB)
		}
	}
	subj := &model.Subject{}
	err := q.Take(subj).Error
	if err == nil {
		return subj, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	subj = &model.Subject{
		ExperimentID: exp.ID,
		Code:         code,
		Firstname:    rec.FirstName,
		Lastname:     rec.LastName,
		DOB:          rec.DOB,
	}
	if err = tx.Omit(clause.Associations).Create(subj).Error; err != nil {
		return nil, err
	}
	return subj, nil
}

func (s *service) upsertSession(tx *gorm.DB, subj *model.Subject, rec *parser.Record) (*model.Session, error) {
	uid, err := rec.SessionKey()
	if err != nil {
		return nil, err
	}
	sess := &model.Session{}
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Container").Where("uid = ?", uid).Take(sess).Error
	if err == nil {
		if rec.Timestamp.Before(sess.Timestamp) {
			sess.Timestamp = rec.Timestamp
			sess.Container.Timestamp = rec.Timestamp
			if err = tx.Model(sess).Update("timestamp", rec.Timestamp).Error; err != nil {
				return nil, err
			}
			if err = tx.Model(&sess.Container).Update("timestamp", rec.Timestamp).Error; err != nil {
				return nil, err
			}
		}
		return sess, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	container, err := createContainer(tx, model.ContainerSession, rec.Timestamp)
	if err != nil {
		return nil, err
	}
	sess = &model.Session{
		ContainerID: container.ID,
		SubjectID:   subj.ID,
		UID:         uid,
		Exam:        rec.ExamNo,
		Operator:    rec.Operator,
		Timestamp:   rec.Timestamp,
	}
	if err = tx.Omit(clause.Associations).Create(sess).Error; err != nil {
		return nil, err
	}
	sess.Container = *container
	return sess, nil
}

func (s *service) upsertEpoch(tx *gorm.DB, sess *model.Session, rec *parser.Record) (*model.Epoch, error) {
	uid, acq, err := rec.EpochKey()
	if err != nil {
		return nil, err
	}
	epoch := &model.Epoch{}
	err = tx.Preload("Container").Where("uid = ? AND acq = ?", uid, acq).Take(epoch).Error
	if err == nil {
		return epoch, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	container, err := createContainer(tx, model.ContainerEpoch, rec.Timestamp)
	if err != nil {
		return nil, err
	}
	epoch = &model.Epoch{
		ContainerID:        container.ID,
		SessionID:          sess.ID,
		UID:                uid,
		Acq:                acq,
		Series:             rec.SeriesNo,
		Description:        rec.Description,
		Timestamp:          rec.Timestamp,
		TR:                 rec.TR,
		TE:                 rec.TE,
		TI:                 rec.TI,
		FlipAngle:          rec.FlipAngle,
		SizeX:              rec.SizeX,
		SizeY:              rec.SizeY,
		MmX:                rec.MmX,
		MmY:                rec.MmY,
		MmZ:                rec.MmZ,
		FovX:               rec.FovX,
		FovY:               rec.FovY,
		NumSlices:          rec.NumSlices,
		NumTimepoints:      rec.NumTimepoints,
		NumCoils:           rec.NumCoils,
		PSD:                rec.PSDName,
		ScanType:           rec.ScanType,
		Diffusion:          rec.Diffusion,
		NumDiffusionDirs:   rec.NumDiffusionDirs,
		PrescribedDuration: rec.PrescribedDuration,
	}
	if err = tx.Omit(clause.Associations).Create(epoch).Error; err != nil {
		return nil, err
	}
	epoch.Container = *container
	return epoch, nil
}

func createContainer(tx *gorm.DB, typ model.ContainerType, ts time.Time) (*model.DataContainer, error) {
	c := &model.DataContainer{Type: typ, Timestamp: ts}
	if err := tx.Omit(clause.Associations).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// upsertDataset finds the dataset for (container, filetype) or creates it.
// A new primary-eligible dataset becomes primary when the container has none
// or when it outranks the incumbent, which is then demoted to secondary.
// Ties keep the incumbent.
func (s *service) upsertDataset(tx *gorm.DB, containerID uint, spec DatasetSpec, rec *parser.Record) (*model.Dataset, bool, error) {
	ds := &model.Dataset{}
	err := tx.Where("container_id = ? AND filetype = ?", containerID, spec.Filetype).Take(ds).Error
	if err == nil {
		return ds, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	ds = &model.Dataset{
		ContainerID: containerID,
		Filetype:    spec.Filetype,
		Priority:    spec.Priority,
		Kind:        spec.Kind,
		Filenames:   datatypes.NewJSONType([]string{}),
	}
	if spec.Kind != model.KindPrimary {
		if err = tx.Omit(clause.Associations).Create(ds).Error; err != nil {
			return nil, false, err
		}
		return ds, true, nil
	}

	ds.FileCntTgt = rec.ImagesInAcquisition
	incumbent := &model.Dataset{}
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("container_id = ? AND kind = ?", containerID, model.KindPrimary).
		Take(incumbent).Error
	switch {
	case isNotFound(err):
	case err != nil:
		return nil, false, err
	case spec.Priority > incumbent.Priority:
		if err = tx.Model(incumbent).Update("kind", model.KindSecondary).Error; err != nil {
			return nil, false, err
		}
		s.log.Info("primary dataset demoted", "container", containerID,
			"from", incumbent.Filetype, "to", spec.Filetype)
	default:
		ds.Kind = model.KindSecondary
	}

	if err = tx.Omit(clause.Associations).Create(ds).Error; err != nil {
		return nil, false, err
	}
	if ds.Kind == model.KindPrimary {
		err = tx.Model(&model.DataContainer{}).Where("id = ?", containerID).
			Update("primary_dataset_id", ds.ID).Error
		if err != nil {
			return nil, false, err
		}
	}
	return ds, true, nil
}

func (s *service) Touch(tx *gorm.DB, ds *model.Dataset, files []string, now time.Time) error {
	ds.Filenames = datatypes.NewJSONType(files)
	ds.FileCntAct = len(files)
	ds.UpdateTime = now
	ds.Compressed = false
	err := tx.Model(ds).Select("filenames", "file_cnt_act", "update_time", "compressed").Updates(ds).Error
	if err != nil {
		return fmt.Errorf("Hierarchy.Touch: %w", err)
	}
	err = tx.Model(&model.DataContainer{}).Where("id = ?", ds.ContainerID).Update("dirty", true).Error
	if err != nil {
		return fmt.Errorf("Hierarchy.Touch: %w", err)
	}
	return nil
}
