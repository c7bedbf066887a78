package model

import (
	"time"

	"gorm.io/gorm"
)

// Experiment is a study owned by a Group.
type Experiment struct {
	gorm.Model
	OwnerID   uint       `gorm:"uniqueIndex:idx_experiment_owner_name;not null"`
	Owner     Group      `gorm:"foreignKey:OwnerID"`
	Name      string     `gorm:"uniqueIndex:idx_experiment_owner_name;type:varchar(128);not null;comment:实验名称"`
	TrashTime *time.Time `gorm:"index;comment:回收时间"`
	Subjects  []Subject  `gorm:"foreignKey:ExperimentID"`
	Accesses  []Access   `gorm:"foreignKey:ExperimentID"`
}

// Subject is a participant of exactly one Experiment.
type Subject struct {
	gorm.Model
	ExperimentID uint       `gorm:"index;not null"`
	Code         string     `gorm:"index;type:varchar(64);comment:实验内编号"`
	Firstname    string     `gorm:"type:varchar(64)"`
	Lastname     string     `gorm:"type:varchar(64)"`
	DOB          *time.Time `gorm:"column:dob"`
	TrashTime    *time.Time `gorm:"index"`
	Sessions     []Session  `gorm:"foreignKey:SubjectID"`
}
