package query

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/dao/model"
)

// Models lists every table in creation order.
func Models() []any {
	return []any{
		&model.User{},
		&model.Group{},
		&model.GroupMember{},
		&model.Experiment{},
		&model.Access{},
		&model.Subject{},
		&model.DataContainer{},
		&model.Session{},
		&model.Epoch{},
		&model.Dataset{},
		&model.Job{},
	}
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			// 任务表增加调度器归属，用于崩溃恢复
			ID: "202406150001_job_owner",
			Migrate: func(tx *gorm.DB) error {
				type Job struct {
					Owner string `gorm:"index;type:varchar(64);comment:持有该作业的调度器"`
				}
				return tx.Migrator().AutoMigrate(&Job{})
			},
			Rollback: func(tx *gorm.DB) error {
				type Job struct {
					Owner string
				}
				return tx.Migrator().DropColumn(&Job{}, "Owner")
			},
		},
		{
			ID: "202406200001_dataset_file_counts",
			Migrate: func(tx *gorm.DB) error {
				type Dataset struct {
					FileCntAct int `gorm:"not null;default:0;comment:实际文件数"`
					FileCntTgt int `gorm:"not null;default:0;comment:预期文件数"`
				}
				return tx.Migrator().AutoMigrate(&Dataset{})
			},
			Rollback: func(tx *gorm.DB) error {
				type Dataset struct {
					FileCntAct int
					FileCntTgt int
				}
				if err := tx.Migrator().DropColumn(&Dataset{}, "FileCntAct"); err != nil {
					return err
				}
				return tx.Migrator().DropColumn(&Dataset{}, "FileCntTgt")
			},
		},
	}
}

// Migrate creates the schema on an empty database and applies pending
// migrations on an existing one.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	m.InitSchema(func(tx *gorm.DB) error {
		return tx.AutoMigrate(Models()...)
	})
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("query.Migrate: %w", err)
	}
	return nil
}
