package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/parser"
)

// dicomMemberDir is the directory the images sit under inside a DICOM tarball.
const dicomMemberDir = "dicoms"

// compress packs loose DICOM images into the acquisition tarball and gzips
// raw files in place, then records the new file list. Other filetypes are
// only marked compressed.
func (s *Scheduler) compress(ctx context.Context, ds *model.Dataset) error {
	dir := filepath.Join(s.StoreRoot, ds.RelPath())
	files, err := archive.ListFiles(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	switch ds.Filetype {
	case model.FiletypeDICOM:
		name, err := s.dicomArchiveName(ctx, ds.ContainerID)
		if err != nil {
			return err
		}
		files, err = packDICOM(dir, name, files)
		if err != nil {
			return fmt.Errorf("%w: dataset %d: %v", ErrStorage, ds.ID, err)
		}
	case model.FiletypePFile:
		files, err = gzipInPlace(dir, files)
		if err != nil {
			return fmt.Errorf("%w: dataset %d: %v", ErrStorage, ds.ID, err)
		}
	}

	ds.Filenames = datatypes.NewJSONType(files)
	ds.FileCntAct = len(files)
	ds.Compressed = true
	err = s.db.WithContext(ctx).Model(ds).Select("filenames", "file_cnt_act", "compressed").Updates(ds).Error
	if err != nil {
		return fmt.Errorf("Scheduler.compress: %w", err)
	}
	s.log.V(1).Info("dataset compressed", "dataset", ds.ID, "files", len(files))
	return nil
}

// dicomArchiveName is <exam>_<series>_<acq>_dicoms.tgz for the epoch owning
// the container.
func (s *Scheduler) dicomArchiveName(ctx context.Context, containerID uint) (string, error) {
	epoch := &model.Epoch{}
	err := s.db.WithContext(ctx).Where("container_id = ?", containerID).Take(epoch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Sprintf("%d%s", containerID, parser.DICOMArchiveSuffix), nil
	}
	if err != nil {
		return "", fmt.Errorf("Scheduler.dicomArchiveName: %w", err)
	}
	sess := &model.Session{}
	if err := s.db.WithContext(ctx).Take(sess, epoch.SessionID).Error; err != nil {
		return "", fmt.Errorf("Scheduler.dicomArchiveName: %w", err)
	}
	return fmt.Sprintf("%d_%d_%d%s", sess.Exam, epoch.Series, epoch.Acq, parser.DICOMArchiveSuffix), nil
}

// packDICOM adds the loose files of dir to the tarball name, merging with
// the members it already holds. Loose files replace members of the same name.
func packDICOM(dir, name string, files []string) ([]string, error) {
	loose := lo.Filter(files, func(f string, _ int) bool { return !archive.IsTarball(f) })
	if len(loose) == 0 {
		return files, nil
	}
	work, err := os.MkdirTemp(dir, ".pack-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	members := map[string]string{}
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		if err := archive.Extract(target, work); err != nil {
			return nil, err
		}
		err := filepath.WalkDir(work, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.Type().IsRegular() {
				members[d.Name()] = path
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	for _, f := range loose {
		members[f] = filepath.Join(dir, f)
	}

	names := lo.Keys(members)
	slices.Sort(names)
	paths := lo.Map(names, func(n string, _ int) string { return members[n] })
	if err := archive.TarGzFiles(target, dicomMemberDir, paths); err != nil {
		return nil, err
	}
	for _, f := range loose {
		if err := os.Remove(filepath.Join(dir, f)); err != nil {
			return nil, err
		}
	}
	return archive.ListFiles(dir)
}

// gzipInPlace replaces every file not yet gzipped with <file>.gz of the same
// mode and mtime.
func gzipInPlace(dir string, files []string) ([]string, error) {
	for _, f := range files {
		if strings.HasSuffix(f, ".gz") {
			continue
		}
		src := filepath.Join(dir, f)
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		if err := archive.GzipFile(src, src+".gz", info.Mode().Perm()); err != nil {
			return nil, err
		}
		if err := os.Remove(src); err != nil {
			return nil, err
		}
	}
	return archive.ListFiles(dir)
}
