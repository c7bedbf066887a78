package model

import (
	"time"

	"gorm.io/gorm"
)

// Job is one unit of work on a container. At most one row exists per
// (container, task); reruns reuse the row.
type Job struct {
	gorm.Model
	ContainerID uint          `gorm:"uniqueIndex:idx_job_container_task;not null"`
	Container   DataContainer `gorm:"foreignKey:ContainerID"`
	Task        JobTask       `gorm:"uniqueIndex:idx_job_container_task;type:varchar(16);not null;comment:find, process, find+process"`
	Status      JobStatus     `gorm:"index;not null;comment:作业状态"`
	NeedsRerun  bool          `gorm:"not null;default:false;comment:运行期间数据有变更"`
	Activity    string        `gorm:"type:text;comment:最近一次状态说明"`
	Owner       string        `gorm:"index;type:varchar(64);comment:持有该作业的调度器"`
	Timestamp   time.Time     `gorm:"index;not null;comment:状态变更时间"`
}
