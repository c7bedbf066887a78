package hierarchy

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/raids-lab/acqpipe/dao/model"
)

// SetAccess grants userID priv on an experiment. Non-superusers need manage
// privilege on the experiment and cannot lower a PI of the owning lab below
// manage.
func (s *service) SetAccess(ctx context.Context, actor *model.User, experimentID, userID uint, priv model.Privilege) error {
	if !priv.Valid() {
		return fmt.Errorf("Hierarchy.SetAccess: invalid privilege %d", priv)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkAccessChange(tx, actor, experimentID, userID, priv); err != nil {
			return err
		}
		access := model.Access{UserID: userID, ExperimentID: experimentID, Privilege: priv}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "experiment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"privilege", "updated_at"}),
		}).Create(&access).Error
	})
	if err != nil {
		return fmt.Errorf("Hierarchy.SetAccess: %w", err)
	}
	return nil
}

// RevokeAccess removes the access row of userID under the same rules as SetAccess.
func (s *service) RevokeAccess(ctx context.Context, actor *model.User, experimentID, userID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkAccessChange(tx, actor, experimentID, userID, 0); err != nil {
			return err
		}
		return tx.Unscoped().Where("user_id = ? AND experiment_id = ?", userID, experimentID).
			Delete(&model.Access{}).Error
	})
	if err != nil {
		return fmt.Errorf("Hierarchy.RevokeAccess: %w", err)
	}
	return nil
}

func checkAccessChange(tx *gorm.DB, actor *model.User, experimentID, userID uint, priv model.Privilege) error {
	if actor.Superuser {
		return nil
	}
	exp := &model.Experiment{}
	if err := tx.Take(exp, experimentID).Error; err != nil {
		return err
	}

	var held int64
	err := tx.Model(&model.Access{}).
		Where("user_id = ? AND experiment_id = ? AND privilege >= ?", actor.ID, experimentID, model.PrivilegeManage).
		Count(&held).Error
	if err != nil {
		return err
	}
	if held == 0 {
		return fmt.Errorf("%w: user %d cannot manage experiment %d", ErrPrivilege, actor.ID, experimentID)
	}

	if priv >= model.PrivilegeManage {
		return nil
	}
	var pi int64
	err = tx.Model(&model.GroupMember{}).
		Where("group_id = ? AND user_id = ? AND role = ?", exp.OwnerID, userID, model.GroupRolePI).
		Count(&pi).Error
	if err != nil {
		return err
	}
	if pi > 0 {
		return fmt.Errorf("%w: user %d is a PI of the owning lab", ErrPrivilege, userID)
	}
	return nil
}
