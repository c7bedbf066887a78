package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/metrics"
)

const (
	// scratchDirName holds processor outputs under the store root until they
	// are filed.
	scratchDirName = ".scratch"
	holdRetry      = 100 * time.Millisecond
)

// work runs pending jobs until none is left or ctx is done.
func (s *Scheduler) work(ctx context.Context) {
	for ctx.Err() == nil {
		j, err := s.Jobs.Claim(ctx, s.ID)
		if err != nil {
			s.log.Error(err, "claim failed")
			return
		}
		if j == nil {
			return
		}
		s.RunJob(ctx, j)
	}
}

// RunJob executes a claimed job and records its final status. A job cut
// short by ctx stays running for Recover to pick up.
func (s *Scheduler) RunJob(ctx context.Context, j *model.Job) {
	log := s.log.WithValues("job", j.ID, "container", j.ContainerID)
	status, activity := s.execute(ctx, j)
	if ctx.Err() != nil {
		log.Info("job interrupted, left for recovery")
		return
	}
	if err := s.Jobs.Finish(ctx, j.ID, status, activity); err != nil {
		log.Error(err, "job result not recorded")
		return
	}
	metrics.JobsFinished.WithLabelValues(status.String()).Inc()
	log.Info("job finished", "status", status.String(), "activity", activity)
}

func (s *Scheduler) execute(ctx context.Context, j *model.Job) (model.JobStatus, string) {
	primary, err := s.find(ctx, j.ContainerID)
	if err != nil {
		return model.JobFailed, err.Error()
	}
	proc, ok := s.Processors[primary.Filetype]
	if !ok {
		return model.JobDone, fmt.Sprintf("no processor for %s", primary.Filetype)
	}

	scratch := filepath.Join(s.StoreRoot, scratchDirName)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return model.JobFailed, err.Error()
	}
	out, err := os.MkdirTemp(scratch, fmt.Sprintf("job-%d-", j.ID))
	if err != nil {
		return model.JobFailed, err.Error()
	}
	defer os.RemoveAll(out)

	err = proc.Process(ctx, filepath.Join(s.StoreRoot, primary.RelPath()), out)
	switch {
	case errors.Is(err, ErrJobAborted):
		return model.JobAbandoned, err.Error()
	case err != nil:
		return model.JobFailed, err.Error()
	}

	release, err := s.holdContainer(ctx, j.ContainerID)
	if err != nil {
		return model.JobFailed, err.Error()
	}
	defer release()
	derived, err := s.fileOutputs(ctx, j.ContainerID, proc.OutputType(), out)
	if err != nil {
		return model.JobFailed, err.Error()
	}
	if derived == nil {
		return model.JobDone, "no outputs"
	}
	return model.JobDone, fmt.Sprintf("%d files in dataset %d", derived.FileCntAct, derived.ID)
}

// holdContainer sets scheduling on the container while outputs are filed,
// waiting for a tick that holds it. The returned func releases it.
func (s *Scheduler) holdContainer(ctx context.Context, containerID uint) (func(), error) {
	err := wait.PollUntilContextCancel(ctx, holdRetry, true, func(ctx context.Context) (bool, error) {
		res := s.db.WithContext(ctx).Model(&model.DataContainer{}).
			Where("id = ? AND scheduling = ?", containerID, false).
			Update("scheduling", true)
		return res.RowsAffected == 1, res.Error
	})
	if err != nil {
		return nil, fmt.Errorf("Scheduler.holdContainer: container %d: %w", containerID, err)
	}
	return func() {
		err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&model.DataContainer{}).
			Where("id = ?", containerID).Update("scheduling", false).Error
		if err != nil {
			s.log.Error(err, "container not released", "container", containerID)
		}
	}, nil
}

// find returns the primary dataset of the container, which must hold files.
func (s *Scheduler) find(ctx context.Context, containerID uint) (*model.Dataset, error) {
	c := &model.DataContainer{}
	if err := s.db.WithContext(ctx).Take(c, containerID).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJobFailure, err)
	}
	if c.PrimaryDatasetID == nil {
		return nil, fmt.Errorf("%w: container %d has no primary dataset", ErrJobFailure, containerID)
	}
	ds := &model.Dataset{}
	if err := s.db.WithContext(ctx).Take(ds, *c.PrimaryDatasetID).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJobFailure, err)
	}
	if len(ds.Files()) == 0 {
		return nil, fmt.Errorf("%w: dataset %d is empty", ErrJobFailure, ds.ID)
	}
	return ds, nil
}

// fileOutputs replaces the contents of the derived dataset of filetype on
// the container with the files in out. It returns nil when out is empty.
func (s *Scheduler) fileOutputs(ctx context.Context, containerID uint, filetype, out string) (*model.Dataset, error) {
	files, err := archive.ListFiles(out)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	ds := &model.Dataset{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(model.Dataset{ContainerID: containerID, Filetype: filetype}).
			Attrs(model.Dataset{Kind: model.KindDerived, Compressed: true}).
			FirstOrCreate(ds).Error
		if err != nil {
			return err
		}
		if ds.Kind != model.KindDerived {
			return fmt.Errorf("%w: output filetype %s is taken by a %s dataset", ErrJobFailure, filetype, ds.Kind)
		}

		dir := filepath.Join(s.StoreRoot, ds.RelPath())
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		for _, f := range files {
			if err := os.Rename(filepath.Join(out, f), filepath.Join(dir, f)); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}

		ds.Filenames = datatypes.NewJSONType(files)
		ds.FileCntAct = len(files)
		ds.UpdateTime = s.clock.Now()
		return tx.Model(ds).Select("filenames", "file_cnt_act", "update_time").Updates(ds).Error
	})
	if err != nil {
		return nil, fmt.Errorf("Scheduler.fileOutputs: %w", err)
	}
	return ds, nil
}
