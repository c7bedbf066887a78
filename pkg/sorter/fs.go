package sorter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/go-logr/logr"
)

type move struct {
	from, to string
	// replaced holds the file that was at to before the move.
	replaced string
}

// moveInto moves src to dir/name and records the move for undo. With aside
// set, a file already at dir/name is first moved into aside so undo can put
// it back.
func moveInto(moves *[]move, aside, src, dir, name string) error {
	m := move{from: src, to: filepath.Join(dir, name)}
	if aside != "" {
		if _, err := os.Lstat(m.to); err == nil {
			m.replaced = filepath.Join(aside, strconv.Itoa(len(*moves)))
			if err := os.Rename(m.to, m.replaced); err != nil {
				return fmt.Errorf("%w: set aside %s: %v", ErrStorage, name, err)
			}
		}
	}
	if err := moveFile(src, m.to); err != nil {
		if m.replaced != "" {
			_ = os.Rename(m.replaced, m.to)
		}
		return fmt.Errorf("%w: move %s: %v", ErrStorage, filepath.Base(src), err)
	}
	*moves = append(*moves, m)
	return nil
}

// undo reverses moves, newest first, and restores replaced files.
func undo(moves []move, log logr.Logger) {
	for i := len(moves) - 1; i >= 0; i-- {
		m := moves[i]
		if err := moveFile(m.to, m.from); err != nil {
			log.Error(err, "cannot undo move", "from", m.from, "to", m.to)
			continue
		}
		if m.replaced == "" {
			continue
		}
		if err := os.Rename(m.replaced, m.to); err != nil {
			log.Error(err, "cannot restore replaced file", "file", m.to)
		}
	}
}

// moveFile renames src to dst, copying across file systems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".part")
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chtimes(tmp, info.ModTime(), info.ModTime())
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}
