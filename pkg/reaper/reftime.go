package reaper

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/utils/clock"
)

// refTimeLayout is the C-locale %c form.
const refTimeLayout = time.ANSIC

// RefTime persists a reaper's reference timestamp in .<id>.datetime.
// Everything older than the reference has been reaped.
type RefTime struct {
	Path string

	clock clock.Clock
}

func NewRefTime(dir, id string, clk clock.Clock) *RefTime {
	return &RefTime{
		Path:  filepath.Join(dir, "."+id+".datetime"),
		clock: clk,
	}
}

// DefaultStateDir is the directory of the running binary.
func DefaultStateDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load reads the reference, initializing it to now on first run.
func (r *RefTime) Load() (time.Time, error) {
	data, err := os.ReadFile(r.Path)
	if errors.Is(err, fs.ErrNotExist) {
		now := r.clock.Now().Truncate(time.Second)
		return now, r.Save(now)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("RefTime.Load: %w", err)
	}
	t, err := time.ParseInLocation(refTimeLayout, strings.TrimSpace(string(data)), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("RefTime.Load: %s: %w", r.Path, err)
	}
	return t, nil
}

// Save replaces the stored reference atomically.
func (r *RefTime) Save(t time.Time) error {
	tmp := r.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(t.In(time.Local).Format(refTimeLayout)+"\n"), 0o644); err != nil {
		return fmt.Errorf("RefTime.Save: %w", err)
	}
	if err := os.Rename(tmp, r.Path); err != nil {
		return fmt.Errorf("RefTime.Save: %w", err)
	}
	return nil
}
