// Package scheduler turns changed containers into jobs and runs them.
//
// A tick resets flagged jobs, claims the oldest dirty container whose
// datasets have been quiet for the cool-down period, compresses its
// originals and compares the primary dataset digest with the stored one.
// Only a changed digest creates a job or flags the existing one for a rerun.
// Workers claim pending jobs and hand them to the configured processors.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/db/job"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
)

// ErrStorage reports a file system failure while compressing or filing data.
var ErrStorage = errors.New("storage error")

type Options struct {
	// ID is written as owner on claimed jobs and used for crash recovery.
	ID           string
	StoreRoot    string
	CoolDown     time.Duration
	TickInterval time.Duration
	Workers      int
	// Processors are keyed by the filetype of the primary dataset.
	Processors map[string]Processor
}

type Scheduler struct {
	Options
	Jobs    job.DBService
	Alerter alert.Alerter

	db    *gorm.DB
	clock clock.Clock
	log   logr.Logger
}

func New(opts Options, db *gorm.DB, jobs job.DBService, alerter alert.Alerter, clk clock.Clock) *Scheduler {
	return &Scheduler{
		Options: opts,
		Jobs:    jobs,
		Alerter: alerter,
		db:      db,
		clock:   clk,
		log:     logutils.Logger("scheduler").WithValues("id", opts.ID),
	}
}

// Run recovers the state a previous run of this scheduler left behind, then
// ticks every TickInterval and runs Workers job workers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(time.Local), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+s.TickInterval.String(), func() { s.drain(ctx) }); err != nil {
		return fmt.Errorf("Scheduler.Run: %w", err)
	}
	c.Start()
	s.log.Info("scheduler started", "coolDown", s.CoolDown, "tick", s.TickInterval, "workers", s.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Workers; i++ {
		g.Go(func() error {
			wait.UntilWithContext(gctx, s.work, s.TickInterval)
			return nil
		})
	}

	<-ctx.Done()
	<-c.Stop().Done()
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

// recover returns running jobs of this scheduler to pending and releases
// containers whose scheduling was interrupted.
func (s *Scheduler) recover(ctx context.Context) error {
	n, err := s.Jobs.Recover(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("Scheduler.recover: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&model.DataContainer{}).
		Where("scheduling = ?", true).
		Updates(map[string]any{"scheduling": false, "dirty": true})
	if res.Error != nil {
		return fmt.Errorf("Scheduler.recover: %w", res.Error)
	}
	if n > 0 || res.RowsAffected > 0 {
		s.log.Info("recovered interrupted work", "jobs", n, "containers", res.RowsAffected)
	}
	return nil
}

// drain ticks until no container is eligible.
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		scheduled, err := s.Tick(context.WithoutCancel(ctx))
		if err != nil {
			s.log.Error(err, "tick failed")
			if errors.Is(err, ErrStorage) {
				if aerr := s.Alerter.Alert(context.Background(), "scheduler storage error", err.Error()); aerr != nil {
					s.log.Error(aerr, "alert not delivered")
				}
			}
			return
		}
		if !scheduled {
			return
		}
	}
}

// Tick performs one scheduling step and reports whether a container was
// claimed.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	if n, err := s.Jobs.ResetReruns(ctx); err != nil {
		return false, err
	} else if n > 0 {
		s.log.Info("jobs reset for rerun", "count", n)
	}

	c, err := s.claimContainer(ctx)
	if err != nil || c == nil {
		return false, err
	}
	metrics.ContainersScheduled.Inc()

	err = s.schedule(ctx, c)
	release := map[string]any{"scheduling": false}
	if err != nil {
		release["dirty"] = true
	}
	if rerr := s.db.WithContext(ctx).Model(c).Updates(release).Error; rerr != nil && err == nil {
		err = fmt.Errorf("Scheduler.Tick: release container %d: %w", c.ID, rerr)
	}
	return true, err
}

// claimContainer takes the oldest dirty container none of whose datasets was
// written within the cool-down period. Containers with a running job wait
// until it finishes.
func (s *Scheduler) claimContainer(ctx context.Context) (*model.DataContainer, error) {
	cutoff := s.clock.Now().Add(-s.CoolDown)
	var claimed *model.DataContainer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recent := tx.Session(&gorm.Session{NewDB: true}).Model(&model.Dataset{}).Select("1").
			Where("datasets.container_id = data_containers.id AND datasets.update_time > ?", cutoff)
		running := tx.Session(&gorm.Session{NewDB: true}).Model(&model.Job{}).Select("1").
			Where("jobs.container_id = data_containers.id AND jobs.status = ?", model.JobRunning)
		var cs []model.DataContainer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("dirty = ? AND scheduling = ? AND trash_time IS NULL", true, false).
			Where("NOT EXISTS (?)", recent).
			Where("NOT EXISTS (?)", running).
			Order("timestamp, id").Limit(1).Find(&cs).Error
		if err != nil || len(cs) == 0 {
			return err
		}
		c := &cs[0]
		if err := tx.Model(c).Updates(map[string]any{"scheduling": true, "dirty": false}).Error; err != nil {
			return err
		}
		claimed = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Scheduler.claimContainer: %w", err)
	}
	return claimed, nil
}

// schedule compresses the originals of c and creates or flags its job when
// the primary digest changed.
func (s *Scheduler) schedule(ctx context.Context, c *model.DataContainer) error {
	log := s.log.WithValues("container", c.ID)
	var datasets []model.Dataset
	err := s.db.WithContext(ctx).
		Where("container_id = ? AND compressed = ? AND kind IN ?", c.ID, false,
			[]model.DatasetKind{model.KindPrimary, model.KindSecondary}).
		Find(&datasets).Error
	if err != nil {
		return fmt.Errorf("Scheduler.schedule: %w", err)
	}
	for i := range datasets {
		if err := s.compress(ctx, &datasets[i]); err != nil {
			return err
		}
	}

	if c.PrimaryDatasetID == nil {
		log.V(1).Info("container without primary dataset")
		return nil
	}
	primary := &model.Dataset{}
	if err := s.db.WithContext(ctx).Take(primary, *c.PrimaryDatasetID).Error; err != nil {
		return fmt.Errorf("Scheduler.schedule: %w", err)
	}
	digest, err := archive.Digest(filepath.Join(s.StoreRoot, primary.RelPath()), primary.Files())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	_, err = s.Jobs.Get(ctx, c.ID, model.TaskFindProcess)
	hasJob := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("Scheduler.schedule: %w", err)
	}
	if hasJob && bytes.Equal(digest, primary.Digest) {
		log.V(1).Info("primary dataset unchanged", "dataset", primary.ID)
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(primary).Update("digest", digest).Error; err != nil {
			return fmt.Errorf("Scheduler.schedule: %w", err)
		}
		j, outcome, err := s.Jobs.Ensure(tx, c.ID)
		if err != nil {
			return err
		}
		switch outcome {
		case job.Created:
			metrics.JobsCreated.Inc()
			log.Info("job created", "job", j.ID, "dataset", primary.ID)
		case job.RerunFlagged:
			metrics.JobsRerun.Inc()
			log.Info("job flagged for rerun", "job", j.ID, "status", j.Status.String())
		case job.Unchanged:
			log.V(1).Info("job left alone", "job", j.ID, "status", j.Status.String())
		}
		return nil
	})
}
