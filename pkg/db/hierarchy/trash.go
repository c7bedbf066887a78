package hierarchy

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/dao/model"
)

// Trash stamps the node and every descendant with at.
func (s *service) Trash(ctx context.Context, level Level, id uint, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch level {
		case LevelExperiment:
			return trashExperiment(tx, id, at)
		case LevelSubject:
			return trashSubject(tx, id, at)
		case LevelSession:
			return trashSession(tx, id, at)
		case LevelEpoch:
			return trashEpoch(tx, id, at)
		case LevelDataset:
			return tx.Model(&model.Dataset{}).Where("id = ?", id).Update("trash_time", at).Error
		default:
			return fmt.Errorf("unknown level %q", level)
		}
	})
	if err != nil {
		return fmt.Errorf("Hierarchy.Trash: %w", err)
	}
	return nil
}

func trashExperiment(tx *gorm.DB, id uint, at time.Time) error {
	if err := tx.Model(&model.Experiment{}).Where("id = ?", id).Update("trash_time", at).Error; err != nil {
		return err
	}
	var subjects []uint
	if err := tx.Model(&model.Subject{}).Where("experiment_id = ?", id).Pluck("id", &subjects).Error; err != nil {
		return err
	}
	for _, sid := range subjects {
		if err := trashSubject(tx, sid, at); err != nil {
			return err
		}
	}
	return nil
}

func trashSubject(tx *gorm.DB, id uint, at time.Time) error {
	if err := tx.Model(&model.Subject{}).Where("id = ?", id).Update("trash_time", at).Error; err != nil {
		return err
	}
	var sessions []uint
	if err := tx.Model(&model.Session{}).Where("subject_id = ?", id).Pluck("id", &sessions).Error; err != nil {
		return err
	}
	for _, sid := range sessions {
		if err := trashSession(tx, sid, at); err != nil {
			return err
		}
	}
	return nil
}

func trashSession(tx *gorm.DB, id uint, at time.Time) error {
	sess := &model.Session{}
	if err := tx.Select("id", "container_id").Take(sess, id).Error; err != nil {
		return err
	}
	if err := trashContainer(tx, sess.ContainerID, at); err != nil {
		return err
	}
	var epochs []uint
	if err := tx.Model(&model.Epoch{}).Where("session_id = ?", id).Pluck("id", &epochs).Error; err != nil {
		return err
	}
	for _, eid := range epochs {
		if err := trashEpoch(tx, eid, at); err != nil {
			return err
		}
	}
	return nil
}

func trashEpoch(tx *gorm.DB, id uint, at time.Time) error {
	epoch := &model.Epoch{}
	if err := tx.Select("id", "container_id").Take(epoch, id).Error; err != nil {
		return err
	}
	return trashContainer(tx, epoch.ContainerID, at)
}

// trashContainer covers the container row and the datasets attached to it.
func trashContainer(tx *gorm.DB, id uint, at time.Time) error {
	if err := tx.Model(&model.DataContainer{}).Where("id = ?", id).Update("trash_time", at).Error; err != nil {
		return err
	}
	return tx.Model(&model.Dataset{}).Where("container_id = ?", id).Update("trash_time", at).Error
}

// Untrash clears the trash stamp of the node and of its ancestors only, so
// the node becomes reachable again while its siblings stay trashed.
func (s *service) Untrash(ctx context.Context, level Level, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.untrash(tx, level, id)
	})
	if err != nil {
		return fmt.Errorf("Hierarchy.Untrash: %w", err)
	}
	return nil
}

func (s *service) untrash(tx *gorm.DB, level Level, id uint) error {
	switch level {
	case LevelDataset:
		ds := &model.Dataset{}
		if err := tx.Select("id", "container_id").Take(ds, id).Error; err != nil {
			return err
		}
		if err := clearTrash(tx, &model.Dataset{}, id); err != nil {
			return err
		}
		return untrashContainer(tx, ds.ContainerID)
	case LevelEpoch:
		epoch := &model.Epoch{}
		if err := tx.Select("id", "container_id").Take(epoch, id).Error; err != nil {
			return err
		}
		return untrashContainer(tx, epoch.ContainerID)
	case LevelSession:
		sess := &model.Session{}
		if err := tx.Select("id", "container_id").Take(sess, id).Error; err != nil {
			return err
		}
		return untrashContainer(tx, sess.ContainerID)
	case LevelSubject:
		return untrashSubject(tx, id)
	case LevelExperiment:
		return clearTrash(tx, &model.Experiment{}, id)
	default:
		return fmt.Errorf("unknown level %q", level)
	}
}

// untrashContainer walks from a session or epoch container up to the experiment.
func untrashContainer(tx *gorm.DB, containerID uint) error {
	if err := clearTrash(tx, &model.DataContainer{}, containerID); err != nil {
		return err
	}
	var epochs []model.Epoch
	if err := tx.Select("id", "session_id").Where("container_id = ?", containerID).Limit(1).Find(&epochs).Error; err != nil {
		return err
	}
	if len(epochs) > 0 {
		sess := &model.Session{}
		if err := tx.Select("id", "container_id").Take(sess, epochs[0].SessionID).Error; err != nil {
			return err
		}
		return untrashContainer(tx, sess.ContainerID)
	}
	var sessions []model.Session
	if err := tx.Select("id", "subject_id").Where("container_id = ?", containerID).Limit(1).Find(&sessions).Error; err != nil {
		return err
	}
	if len(sessions) > 0 {
		return untrashSubject(tx, sessions[0].SubjectID)
	}
	return nil
}

func untrashSubject(tx *gorm.DB, id uint) error {
	subj := &model.Subject{}
	if err := tx.Select("id", "experiment_id").Take(subj, id).Error; err != nil {
		return err
	}
	if err := clearTrash(tx, &model.Subject{}, id); err != nil {
		return err
	}
	return clearTrash(tx, &model.Experiment{}, subj.ExperimentID)
}

func clearTrash(tx *gorm.DB, row any, id uint) error {
	return tx.Model(row).Where("id = ? AND trash_time IS NOT NULL", id).Update("trash_time", nil).Error
}
