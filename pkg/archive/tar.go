// Package archive builds, verifies and ships the transport archives that
// move acquisitions from the reapers to the sorter.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// IsTarball reports whether name looks like a tar or gzipped tar.
func IsTarball(name string) bool {
	return strings.HasSuffix(name, ".tar") || IsTgz(name)
}

func IsTgz(name string) bool {
	return strings.HasSuffix(name, ".tgz") || strings.HasSuffix(name, ".tar.gz")
}

// TarDir writes srcDir to dst as an uncompressed tar whose single top-level
// directory is the base name of srcDir. dst appears atomically.
func TarDir(srcDir, dst string) error {
	return atomicWrite(dst, func(w io.Writer) error {
		tw := tar.NewWriter(w)
		if err := addTree(tw, srcDir, filepath.Base(srcDir)); err != nil {
			return err
		}
		return tw.Close()
	})
}

// TarGzFiles writes files into a gzipped tar at dst, each as prefix/<base name>.
// Files are added in the order given.
func TarGzFiles(dst, prefix string, files []string) error {
	return atomicWrite(dst, func(w io.Writer) error {
		gz := gzip.NewWriter(w)
		tw := tar.NewWriter(gz)
		if prefix != "" {
			if err := tw.WriteHeader(&tar.Header{
				Name:     prefix + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  time.Now(),
			}); err != nil {
				return err
			}
		}
		for _, f := range files {
			info, err := os.Stat(f)
			if err != nil {
				return err
			}
			name := filepath.Base(f)
			if prefix != "" {
				name = prefix + "/" + name
			}
			if err := addFile(tw, f, name, info); err != nil {
				return err
			}
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return gz.Close()
	})
}

func addTree(tw *tar.Writer, root, prefix string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(tw, path, name, info)
	})
}

func addFile(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks a tar or gzipped tar into dstDir. Members escaping dstDir
// and non-regular files are rejected or skipped.
func Extract(src, dstDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if IsTgz(src) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("archive.Extract: %s: %w", filepath.Base(src), err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive.Extract: %s: %w", filepath.Base(src), err)
		}
		target, err := safeJoin(dstDir, hdr.Name)
		if err != nil {
			return fmt.Errorf("archive.Extract: %s: %w", filepath.Base(src), err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeMember(tr, target, hdr); err != nil {
				return err
			}
		}
	}
}

func writeMember(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("member %q escapes archive root", name)
	}
	return filepath.Join(root, clean), nil
}

// GzipFile compresses src into dst preserving the modification time and
// setting mode. dst appears atomically.
func GzipFile(src, dst string, mode fs.FileMode) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	err = atomicWrite(dst, func(w io.Writer) error {
		gz := gzip.NewWriter(w)
		gz.Name = filepath.Base(src)
		gz.ModTime = info.ModTime()
		if _, err := io.Copy(gz, in); err != nil {
			return err
		}
		return gz.Close()
	})
	if err != nil {
		return err
	}
	if err := os.Chmod(dst, mode); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// atomicWrite fills a hidden sibling of dst and renames it into place.
func atomicWrite(dst string, fill func(io.Writer) error) error {
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ListFiles returns the names of the regular files directly in dir, sorted.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
