package sorter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/db/hierarchy"
	"github.com/raids-lab/acqpipe/pkg/metrics"
	"github.com/raids-lab/acqpipe/pkg/parser"
)

// mainFile is a parser candidate plus the auxiliary files named _<main>_*.
type mainFile struct {
	path string
	aux  []string
}

// SortItem consumes one stage entry: a tar archive, a directory or a lone
// file. Unparseable files and a failed manifest do not fail the item. Any
// other error leaves the item in stage/ for the next sweep.
func (s *Sorter) SortItem(ctx context.Context, item string) error {
	name := filepath.Base(item)
	info, err := os.Stat(item)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var root string
	var files []string
	switch {
	case info.IsDir():
		root = item
	case strings.HasSuffix(name, ".tar"):
		work, err := s.workDir(name)
		if err != nil {
			return err
		}
		defer os.RemoveAll(work)
		if err := archive.Extract(item, work); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if root, err = archiveRoot(work); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	default:
		files = []string{item}
	}

	if root != "" {
		if err := archive.VerifyManifest(root); err != nil {
			if errors.Is(err, archive.ErrIntegrity) {
				return s.reject(item, err)
			}
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if meta, err := archive.ReadMetadata(root); err == nil {
			s.log.V(1).Info("archive metadata", "item", name, "reaper", meta.Reaper, "patient", meta.PatientID)
		} else if errors.Is(err, archive.ErrIntegrity) {
			return s.reject(item, err)
		}
		if files, err = listTree(root); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	mains, orphans := partition(files)
	for _, aux := range orphans {
		s.log.Info("auxiliary file without main file dropped", "item", name, "file", filepath.Base(aux))
	}
	for _, m := range mains {
		rec, err := s.Registry.Parse(m.path)
		if err != nil {
			if err := s.quarantine(name, m, err); err != nil {
				return err
			}
			continue
		}
		if err := s.file(ctx, rec, m); err != nil {
			return fmt.Errorf("Sorter.SortItem: %s: %w", name, err)
		}
	}

	if err := os.RemoveAll(item); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, name, err)
	}
	metrics.ItemsSorted.WithLabelValues("ok").Inc()
	s.log.Info("item sorted", "item", name, "files", len(mains))
	return nil
}

func (s *Sorter) workDir(name string) (string, error) {
	parent := filepath.Join(s.StageDir, workDirName)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	work, err := os.MkdirTemp(parent, name+"-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return work, nil
}

// archiveRoot descends into the single top-level directory archives carry.
func archiveRoot(work string) (string, error) {
	entries, err := os.ReadDir(work)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(work, entries[0].Name()), nil
	}
	return work, nil
}

// listTree returns the regular files below root in lexical order, leaving
// out the manifest files at the top.
func listTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if filepath.Dir(path) == root && archive.IsManifest(d.Name()) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// partition splits files into main files and auxiliaries. An auxiliary
// belongs to the main file with the longest name it starts with as
// _<main>_; the rest are returned as orphans.
func partition(files []string) ([]mainFile, []string) {
	var mains []mainFile
	var aux []string
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f), "_") {
			aux = append(aux, f)
		} else {
			mains = append(mains, mainFile{path: f})
		}
	}
	var orphans []string
	for _, a := range aux {
		base := filepath.Base(a)
		best := -1
		for i := range mains {
			prefix := "_" + filepath.Base(mains[i].path) + "_"
			if strings.HasPrefix(base, prefix) && (best < 0 || len(mains[i].path) > len(mains[best].path)) {
				best = i
			}
		}
		if best < 0 {
			orphans = append(orphans, a)
			continue
		}
		mains[best].aux = append(mains[best].aux, a)
	}
	return mains, orphans
}

// peripheralKind returns the configured kind of an auxiliary named
// _<main>_<kind>.tgz, or "" for a plain companion file.
func (s *Sorter) peripheralKind(main, aux string) string {
	rest := strings.TrimPrefix(filepath.Base(aux), "_"+filepath.Base(main)+"_")
	for _, kind := range s.Peripherals {
		if rest == kind+".tgz" {
			return kind
		}
	}
	return ""
}

// file registers rec and moves the main file and its auxiliaries into their
// dataset directories, all inside one transaction. On failure the moves are
// undone so the item can be retried.
func (s *Sorter) file(ctx context.Context, rec *parser.Record, m mainFile) error {
	now := s.clock.Now()
	if err := os.MkdirAll(s.StoreRoot, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	aside, err := os.MkdirTemp(s.StoreRoot, ".replaced-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer os.RemoveAll(aside)

	var moves []move
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := s.Hierarchy.Upsert(tx, rec, hierarchy.DatasetSpec{
			Filetype: rec.Filetype,
			Priority: rec.Priority,
			Kind:     model.KindPrimary,
		})
		if err != nil {
			return err
		}
		dir, err := s.datasetDir(id.Dataset)
		if err != nil {
			return err
		}

		for _, aux := range m.aux {
			kind := s.peripheralKind(m.path, aux)
			if kind == "" {
				if err := moveInto(&moves, aside, aux, dir, filepath.Base(aux)); err != nil {
					return err
				}
				continue
			}
			pid, err := s.Hierarchy.Upsert(tx, rec, hierarchy.DatasetSpec{Filetype: kind, Kind: model.KindPeripheral})
			if err != nil {
				return err
			}
			pdir, err := s.datasetDir(pid.Dataset)
			if err != nil {
				return err
			}
			if err := moveInto(&moves, aside, aux, pdir, strings.TrimPrefix(filepath.Base(aux), "_")); err != nil {
				return err
			}
			if err := s.touch(tx, pid.Dataset, pdir, now); err != nil {
				return err
			}
		}

		if err := moveInto(&moves, aside, m.path, dir, filepath.Base(m.path)); err != nil {
			return err
		}
		if err := s.touch(tx, id.Dataset, dir, now); err != nil {
			return err
		}
		s.log.Info("file sorted", "file", filepath.Base(m.path), "group", id.Group.GID,
			"experiment", id.Experiment.Name, "dataset", id.Dataset.ID, "kind", id.Dataset.Kind)
		return nil
	})
	if err != nil {
		undo(moves, s.log)
		return err
	}
	return nil
}

func (s *Sorter) datasetDir(ds *model.Dataset) (string, error) {
	dir := filepath.Join(s.StoreRoot, ds.RelPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return dir, nil
}

func (s *Sorter) touch(tx *gorm.DB, ds *model.Dataset, dir string, now time.Time) error {
	names, err := archive.ListFiles(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return s.Hierarchy.Touch(tx, ds, names, now)
}

// quarantine keeps an unparseable file and its auxiliaries under
// <QuarantineDir>/<item>/ when a quarantine is configured.
func (s *Sorter) quarantine(item string, m mainFile, cause error) error {
	metrics.FilesQuarantined.Inc()
	if s.QuarantineDir == "" {
		s.log.Info("unparseable file skipped", "item", item, "file", filepath.Base(m.path), "err", cause)
		return nil
	}
	dir := filepath.Join(s.QuarantineDir, item)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var moves []move
	for _, f := range append([]string{m.path}, m.aux...) {
		if err := moveInto(&moves, "", f, dir, filepath.Base(f)); err != nil {
			return err
		}
	}
	s.log.Info("unparseable file quarantined", "item", item, "file", filepath.Base(m.path), "to", dir, "err", cause)
	return nil
}

// reject sets aside an item whose manifest does not verify. Without a
// quarantine it stays in stage/ under a hidden name.
func (s *Sorter) reject(item string, cause error) error {
	metrics.ItemsSorted.WithLabelValues("rejected").Inc()
	name := filepath.Base(item)
	dst := filepath.Join(s.StageDir, ".corrupt-"+name)
	if s.QuarantineDir != "" {
		if err := os.MkdirAll(s.QuarantineDir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		dst = filepath.Join(s.QuarantineDir, name)
	}
	if err := os.Rename(item, dst); err != nil {
		return fmt.Errorf("%w: set aside %s: %v", ErrStorage, name, err)
	}
	s.log.Error(cause, "item failed verification", "item", name, "to", dst)
	return nil
}
