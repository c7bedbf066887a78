// Package job stores the units of work the scheduler hands to the processing
// layer and implements their state transitions.
package job

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/dao/query"
)

// Outcome tells what Ensure did with the job of a container.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	RerunFlagged
)

type DBService interface {
	Get(ctx context.Context, containerID uint, task model.JobTask) (*model.Job, error)
	// Ensure creates the find+process job of a container or flags the
	// existing one for a rerun. Abandoned jobs are left alone.
	Ensure(tx *gorm.DB, containerID uint) (*model.Job, Outcome, error)
	// ResetReruns turns every flagged job that is neither running nor
	// abandoned back into a pending one.
	ResetReruns(ctx context.Context) (int64, error)
	// Claim moves the oldest pending job to running under owner. Jobs of a
	// container the scheduler is working on are skipped. It returns nil when
	// nothing is pending.
	Claim(ctx context.Context, owner string) (*model.Job, error)
	Finish(ctx context.Context, id uint, status model.JobStatus, activity string) error
	// Recover returns the running jobs of owner to pending after a crash.
	Recover(ctx context.Context, owner string) (int64, error)
	List(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error)
}

type service struct {
	db    *gorm.DB
	clock clock.PassiveClock
}

func NewDBService(db *gorm.DB, clk clock.PassiveClock) DBService {
	return &service{db: db, clock: clk}
}

func (s *service) Get(ctx context.Context, containerID uint, task model.JobTask) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).Where("container_id = ? AND task = ?", containerID, task).Take(&job).Error
	return &job, err
}

func (s *service) Ensure(tx *gorm.DB, containerID uint) (*model.Job, Outcome, error) {
	job := &model.Job{}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("container_id = ? AND task = ?", containerID, model.TaskFindProcess).
		Take(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		job = &model.Job{
			ContainerID: containerID,
			Task:        model.TaskFindProcess,
			Status:      model.JobPending,
			Activity:    "created",
			Timestamp:   s.clock.Now(),
		}
		if err = tx.Omit(clause.Associations).Create(job).Error; err != nil {
			return nil, Unchanged, fmt.Errorf("Job.Ensure: %w", err)
		}
		return job, Created, nil
	}
	if err != nil {
		return nil, Unchanged, fmt.Errorf("Job.Ensure: %w", err)
	}
	if job.Status == model.JobAbandoned || job.NeedsRerun {
		return job, Unchanged, nil
	}
	job.NeedsRerun = true
	if err = tx.Model(job).Update("needs_rerun", true).Error; err != nil {
		return nil, Unchanged, fmt.Errorf("Job.Ensure: %w", err)
	}
	return job, RerunFlagged, nil
}

func (s *service) ResetReruns(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("needs_rerun = ? AND status NOT IN ?", true, []model.JobStatus{model.JobRunning, model.JobAbandoned}).
		Updates(map[string]any{
			"status":      model.JobPending,
			"needs_rerun": false,
			"activity":    "rerun",
			"timestamp":   s.clock.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("Job.ResetReruns: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *service) Claim(ctx context.Context, owner string) (*model.Job, error) {
	var claimed *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		busy := tx.Session(&gorm.Session{NewDB: true}).Model(&model.DataContainer{}).Select("1").
			Where("data_containers.id = jobs.container_id AND data_containers.scheduling = ?", true)
		var jobs []model.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", model.JobPending).
			Where("NOT EXISTS (?)", busy).
			Order("timestamp, id").Limit(1).Find(&jobs).Error
		if err != nil || len(jobs) == 0 {
			return err
		}
		job := &jobs[0]
		job.Status = model.JobRunning
		job.Owner = owner
		job.NeedsRerun = false
		job.Activity = "running"
		job.Timestamp = s.clock.Now()
		err = tx.Model(job).Select("status", "owner", "needs_rerun", "activity", "timestamp").Updates(job).Error
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Job.Claim: %w", err)
	}
	return claimed, nil
}

func (s *service) Finish(ctx context.Context, id uint, status model.JobStatus, activity string) error {
	switch status {
	case model.JobDone, model.JobFailed, model.JobAbandoned:
	default:
		return fmt.Errorf("Job.Finish: %s is not a final status", status)
	}
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobRunning).
		Updates(map[string]any{
			"status":    status,
			"activity":  activity,
			"timestamp": s.clock.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("Job.Finish: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("Job.Finish: job %d is not running", id)
	}
	return nil
}

func (s *service) Recover(ctx context.Context, owner string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND owner = ?", model.JobRunning, owner).
		Updates(map[string]any{
			"status":    model.JobPending,
			"activity":  "recovered after restart",
			"timestamp": s.clock.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("Job.Recover: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// List reads jobs newest first, optionally filtered by status. Reads go to a
// replica when one is registered.
func (s *service) List(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	q := query.Read(s.db.WithContext(ctx)).Model(&model.Job{})
	if status != 0 {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []model.Job
	if err := q.Order("timestamp DESC, id DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("Job.List: %w", err)
	}
	return jobs, nil
}
