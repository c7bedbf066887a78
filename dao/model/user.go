package model

import (
	"gorm.io/gorm"
)

// User is the basic entity of the system
type User struct {
	gorm.Model
	UID       string  `gorm:"column:uid;uniqueIndex;type:varchar(32);not null;comment:登录名"`
	Name      string  `gorm:"type:varchar(64);comment:姓名"`
	Email     *string `gorm:"type:varchar(128);comment:邮箱"`
	Superuser bool    `gorm:"not null;default:false;comment:是否为超级用户"`
}

// Group is a research lab.
type Group struct {
	gorm.Model
	GID     string        `gorm:"column:gid;uniqueIndex;type:varchar(32);not null;comment:实验室短名"`
	Name    string        `gorm:"type:varchar(128);comment:实验室名称"`
	Members []GroupMember `gorm:"foreignKey:GroupID"`
}

type GroupMember struct {
	gorm.Model
	GroupID uint      `gorm:"uniqueIndex:idx_group_member;not null"`
	UserID  uint      `gorm:"uniqueIndex:idx_group_member;not null"`
	User    User      `gorm:"foreignKey:UserID"`
	Role    GroupRole `gorm:"type:varchar(16);not null;comment:组内角色 (pi, manager, member)"`
}

// Access grants a user a privilege on an experiment.
type Access struct {
	gorm.Model
	UserID       uint      `gorm:"uniqueIndex:idx_access_user_experiment;not null"`
	ExperimentID uint      `gorm:"uniqueIndex:idx_access_user_experiment;not null"`
	Privilege    Privilege `gorm:"not null;comment:权限 1 anon-read 2 read-only 3 read-write 4 manage"`
}
