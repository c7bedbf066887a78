// Package sorter drains the stage directory into the hierarchy store. It is
// the only writer of original datasets: each staged item is unpacked, its
// files parsed, registered and moved under their dataset directory.
package sorter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/db/hierarchy"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
	"github.com/raids-lab/acqpipe/pkg/parser"
)

// ErrStorage reports a file system failure that needs an operator.
var ErrStorage = errors.New("storage error")

// workDirName holds extracted items inside the stage directory.
const workDirName = ".sort"

type Options struct {
	StageDir      string
	StoreRoot     string
	QuarantineDir string
	// Peripherals are the auxiliary kinds filed as their own datasets.
	Peripherals []string
	Sleep       time.Duration
}

type Sorter struct {
	Options
	Registry  *parser.Registry
	Hierarchy hierarchy.DBService
	Alerter   alert.Alerter

	db    *gorm.DB
	clock clock.Clock
	log   logr.Logger
}

func New(
	opts Options,
	db *gorm.DB,
	registry *parser.Registry,
	hier hierarchy.DBService,
	alerter alert.Alerter,
	clk clock.Clock,
) *Sorter {
	return &Sorter{
		Options:   opts,
		Registry:  registry,
		Hierarchy: hier,
		Alerter:   alerter,
		db:        db,
		clock:     clk,
		log:       logutils.Logger("sorter"),
	}
}

// Run sweeps the stage directory until ctx is done. Between empty sweeps it
// sleeps until the next stage entry shows up or Sleep elapses.
func (s *Sorter) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(s.StageDir)
	}
	if err != nil {
		s.log.Info("stage watch unavailable, polling only", "dir", s.StageDir, "err", err)
	} else {
		defer watcher.Close()
		go s.forward(ctx, watcher, wake)
	}

	for ctx.Err() == nil {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error(err, "sweep aborted")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-s.clock.After(s.Sleep):
		}
	}
	s.log.Info("sorter stopped")
	return nil
}

// forward turns create and rename events of visible stage entries into a
// single pending wakeup.
func (s *Sorter) forward(ctx context.Context, w *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Info("stage watch error", "err", err)
		}
	}
}

// Sweep sorts every staged item, oldest first. It stops at the first item
// that fails for a reason other than its content and returns the number of
// items consumed.
func (s *Sorter) Sweep(ctx context.Context) (int, error) {
	items, err := s.items()
	if err != nil {
		return 0, s.storageFailure(fmt.Errorf("%w: %v", ErrStorage, err))
	}
	done := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := s.SortItem(context.WithoutCancel(ctx), item); err != nil {
			metrics.ItemsSorted.WithLabelValues("failed").Inc()
			if errors.Is(err, ErrStorage) {
				return done, s.storageFailure(err)
			}
			return done, err
		}
		done++
	}
	return done, nil
}

func (s *Sorter) storageFailure(err error) error {
	if aerr := s.Alerter.Alert(context.Background(), "sorter storage error", err.Error()); aerr != nil {
		s.log.Error(aerr, "alert not delivered")
	}
	return err
}

type stageItem struct {
	path    string
	modTime time.Time
}

// items lists visible stage entries by ascending mtime, then name.
func (s *Sorter) items() ([]string, error) {
	entries, err := os.ReadDir(s.StageDir)
	if err != nil {
		return nil, err
	}
	var items []stageItem
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// consumed or renamed meanwhile
			continue
		}
		items = append(items, stageItem{path: filepath.Join(s.StageDir, e.Name()), modTime: info.ModTime()})
	}
	slices.SortStableFunc(items, func(a, b stageItem) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
	return lo.Map(items, func(it stageItem, _ int) string { return it.path }), nil
}
