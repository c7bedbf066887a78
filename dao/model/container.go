package model

import (
	"time"

	"gorm.io/gorm"
)

// DataContainer is the schedulable part shared by sessions and epochs. The
// scheduler only ever looks at this table; datasets and jobs hang off it.
type DataContainer struct {
	gorm.Model
	Type             ContainerType `gorm:"type:varchar(16);not null;comment:session or epoch"`
	Timestamp        time.Time     `gorm:"index;not null;comment:采集时间"`
	Dirty            bool          `gorm:"index;not null;default:false;comment:数据有变更，等待调度"`
	Scheduling       bool          `gorm:"not null;default:false;comment:调度器正在处理"`
	TrashTime        *time.Time    `gorm:"index"`
	PrimaryDatasetID *uint
	Datasets         []Dataset `gorm:"foreignKey:ContainerID"`
}

// Session is one scanner visit of one Subject, keyed by the packed study UID.
type Session struct {
	gorm.Model
	ContainerID uint          `gorm:"uniqueIndex;not null"`
	Container   DataContainer `gorm:"foreignKey:ContainerID"`
	SubjectID   uint          `gorm:"index;not null"`
	UID         []byte        `gorm:"column:uid;uniqueIndex;not null;comment:packed study instance uid"`
	Exam        int           `gorm:"index;comment:检查号"`
	Operator    string        `gorm:"type:varchar(64)"`
	Timestamp   time.Time     `gorm:"not null"`
	Epochs      []Epoch       `gorm:"foreignKey:SessionID"`
}

// Epoch is one acquisition inside a Session, keyed by (packed series UID, acquisition number).
type Epoch struct {
	gorm.Model
	ContainerID uint          `gorm:"uniqueIndex;not null"`
	Container   DataContainer `gorm:"foreignKey:ContainerID"`
	SessionID   uint          `gorm:"index;not null"`
	UID         []byte        `gorm:"column:uid;uniqueIndex:idx_epoch_uid_acq;not null;comment:packed series instance uid"`
	Acq         int           `gorm:"uniqueIndex:idx_epoch_uid_acq;not null;comment:acquisition number"`
	Series      int
	Description string `gorm:"type:varchar(128)"`
	Timestamp   time.Time

	// acquisition metadata, populated from the first parseable file
	TR                 float64 `gorm:"column:tr"`
	TE                 float64 `gorm:"column:te"`
	TI                 float64 `gorm:"column:ti"`
	FlipAngle          float64
	SizeX              int
	SizeY              int
	MmX                float64
	MmY                float64
	MmZ                float64
	FovX               float64
	FovY               float64
	NumSlices          int
	NumTimepoints      int
	NumCoils           int
	PSD                string        `gorm:"column:psd;type:varchar(64)"`
	ScanType           string        `gorm:"type:varchar(32)"`
	Diffusion          bool          `gorm:"not null;default:false"`
	NumDiffusionDirs   int           `gorm:"column:num_diffusion_dirs"`
	PrescribedDuration time.Duration `gorm:"comment:nanoseconds"`
}
