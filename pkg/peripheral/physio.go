// Package peripheral finds recordings made by equipment other than the
// scanner that belong to an acquisition.
package peripheral

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/parser"
)

const KindPhysio = "physio"

const (
	physioLead  = 15 * time.Second
	physioTail  = 75 * time.Second
	physioRetry = 5 * time.Second
)

// Correlator returns the files of one peripheral kind recorded during an acquisition.
type Correlator interface {
	Kind() string
	Find(ctx context.Context, rec *parser.Record) ([]string, error)
}

// New builds the correlator for a configured kind.
func New(kind, dir string, clk clock.Clock) (Correlator, error) {
	switch kind {
	case KindPhysio:
		return NewPhysioCorrelator(dir, clk), nil
	default:
		return nil, fmt.Errorf("unknown peripheral kind %q", kind)
	}
}

// physio files embed MMDDYYYYhhmmss or MMDDYYYYhh_mm_ss followed by _<fraction>
var physioStamp = regexp.MustCompile(`(\d{2})(\d{2})(\d{4})(\d{2})_?(\d{2})_?(\d{2})_(\d+)`)

// PhysioCorrelator matches cardiac and respiratory recordings by PSD name and
// by the start time embedded in their file names.
type PhysioCorrelator struct {
	Dir   string
	Lead  time.Duration // accepted before the nominal end
	Tail  time.Duration // accepted after the nominal end, also the wait before looking
	Retry time.Duration // interval between attempts to read an unreadable directory

	clock clock.Clock
	log   logr.Logger
}

func NewPhysioCorrelator(dir string, clk clock.Clock) *PhysioCorrelator {
	return &PhysioCorrelator{
		Dir:   dir,
		Lead:  physioLead,
		Tail:  physioTail,
		Retry: physioRetry,
		clock: clk,
		log:   logutils.Logger("physio"),
	}
}

func (c *PhysioCorrelator) Kind() string { return KindPhysio }

// Find waits until the recording of rec is closed, then returns the matching
// files sorted by name.
func (c *PhysioCorrelator) Find(ctx context.Context, rec *parser.Record) ([]string, error) {
	if rec.PSDName == "" {
		return nil, nil
	}
	end := rec.End()
	lo, hi := end.Add(-c.Lead), end.Add(c.Tail)
	if err := c.sleepUntil(ctx, hi); err != nil {
		return nil, err
	}

	entries, err := c.readDir(ctx)
	if err != nil {
		return nil, err
	}

	psd := "_" + strings.ToLower(rec.PSDName) + "_"
	var found []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !strings.Contains(strings.ToLower(name), psd) {
			continue
		}
		ts, ok := physioTimestamp(name, rec.Timestamp.Location())
		if !ok || ts.Before(lo) || ts.After(hi) {
			continue
		}
		found = append(found, filepath.Join(c.Dir, name))
	}
	sort.Strings(found)
	c.log.V(1).Info("physio correlated", "psd", rec.PSDName, "from", lo, "to", hi, "files", len(found))
	return found, nil
}

// readDir retries an unreadable directory every Retry for at most Tail.
func (c *PhysioCorrelator) readDir(ctx context.Context) ([]os.DirEntry, error) {
	giveUp := c.clock.Now().Add(c.Tail)
	for {
		entries, err := os.ReadDir(c.Dir)
		if err == nil {
			return entries, nil
		}
		if !c.clock.Now().Before(giveUp) {
			return nil, fmt.Errorf("PhysioCorrelator.readDir: %w", err)
		}
		c.log.Info("physio directory unreadable, retrying", "dir", c.Dir, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.Retry):
		}
	}
}

func (c *PhysioCorrelator) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(c.clock.Now())
	if d <= 0 {
		return nil
	}
	c.log.V(1).Info("waiting for physio recording to close", "until", t)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// physioTimestamp extracts the recording start from a file name.
func physioTimestamp(name string, loc *time.Location) (time.Time, bool) {
	m := physioStamp.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	n := make([]int, 6)
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, false
		}
		n[i] = v
	}
	month, day, year, hour, minute, sec := n[0], n[1], n[2], n[3], n[4], n[5]
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, false
	}
	us, err := strconv.Atoi(m[7])
	if err != nil || us >= 1_000_000 {
		us = 0
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, us*1000, loc), true
}
