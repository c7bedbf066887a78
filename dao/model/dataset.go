package model

import (
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dataset is one file set attached to a container. Its directory under the
// store root is owned exclusively by this row.
type Dataset struct {
	gorm.Model
	ContainerID uint                         `gorm:"uniqueIndex:idx_dataset_container_filetype;not null"`
	Container   DataContainer                `gorm:"foreignKey:ContainerID"`
	Filetype    string                       `gorm:"uniqueIndex:idx_dataset_container_filetype;type:varchar(32);not null;comment:文件类型"`
	Kind        DatasetKind                  `gorm:"type:varchar(16);not null;comment:primary, secondary, peripheral, derived, qa, web"`
	Priority    int                          `gorm:"not null;default:0"`
	Digest      []byte                       `gorm:"comment:sha1 of the directory contents"`
	Compressed  bool                         `gorm:"not null;default:false"`
	Archived    bool                         `gorm:"not null;default:false"`
	FileCntAct  int                          `gorm:"not null;default:0;comment:实际文件数"`
	FileCntTgt  int                          `gorm:"not null;default:0;comment:预期文件数"`
	UpdateTime  time.Time                    `gorm:"index;comment:最后写入时间"`
	TrashTime   *time.Time                   `gorm:"index"`
	Filenames   datatypes.JSONType[[]string] `gorm:"comment:目录下的文件列表"`
}

const (
	DataDir    = "data"
	ArchiveDir = "archive"
)

// RelPath is the dataset directory relative to the store root,
// e.g. data/042/00001042. The ID must be assigned before calling.
func (d *Dataset) RelPath() string {
	root := DataDir
	if d.Archived {
		root = ArchiveDir
	}
	return filepath.Join(root, fmt.Sprintf("%03d", d.ID%1000), fmt.Sprintf("%08d", d.ID))
}

// Files returns the stored filename list, never nil.
func (d *Dataset) Files() []string {
	files := d.Filenames.Data()
	if files == nil {
		return []string{}
	}
	return files
}
