package archive

import (
	"archive/tar"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// entry is one logical file of a dataset: a plain file, a tar member, or the
// decompressed content of a .gz file.
type entry struct {
	name   string // logical base name used for ordering
	file   string // file on disk
	member int    // tar member index, -1 for plain and .gz files
}

// Digest returns the SHA-1 over the contents of the given files of dir,
// concatenated in logical name order. Tarballs contribute their members and
// .gz files their decompressed bytes, so compressing a dataset does not
// change its digest.
func Digest(dir string, files []string) ([]byte, error) {
	var entries []entry
	for _, f := range files {
		full := filepath.Join(dir, f)
		switch {
		case IsTarball(f):
			members, err := tarMembers(full)
			if err != nil {
				return nil, fmt.Errorf("archive.Digest: %s: %w", f, err)
			}
			for i, m := range members {
				if m != "" {
					entries = append(entries, entry{name: m, file: full, member: i})
				}
			}
		case strings.HasSuffix(f, ".gz"):
			entries = append(entries, entry{name: strings.TrimSuffix(filepath.Base(f), ".gz"), file: full, member: -1})
		default:
			entries = append(entries, entry{name: filepath.Base(f), file: full, member: -1})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	h := sha1.New()
	var cur *memberCursor
	defer func() {
		if cur != nil {
			cur.Close()
		}
	}()
	for _, e := range entries {
		if e.member < 0 {
			if err := hashPlain(h, e.file); err != nil {
				return nil, fmt.Errorf("archive.Digest: %w", err)
			}
			continue
		}
		if cur == nil || cur.file != e.file || cur.index >= e.member {
			if cur != nil {
				cur.Close()
			}
			var err error
			if cur, err = openMembers(e.file); err != nil {
				return nil, fmt.Errorf("archive.Digest: %w", err)
			}
		}
		if err := cur.hashMember(h, e.member); err != nil {
			return nil, fmt.Errorf("archive.Digest: %s: %w", filepath.Base(e.file), err)
		}
	}
	return h.Sum(nil), nil
}

func hashPlain(h hash.Hash, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(file, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
		defer gz.Close()
		r = gz
	}
	_, err = io.Copy(h, r)
	return err
}

// tarMembers lists the base names of the regular members, "" for others,
// indexed by member position.
func tarMembers(file string) ([]string, error) {
	cur, err := openMembers(file)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var names []string
	for {
		hdr, err := cur.tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, path.Base(hdr.Name))
		} else {
			names = append(names, "")
		}
	}
}

type memberCursor struct {
	file  string
	f     *os.File
	gz    *gzip.Reader
	tr    *tar.Reader
	index int // index of the member last returned by Next, -1 before the first
}

func openMembers(file string) (*memberCursor, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	c := &memberCursor{file: file, f: f, index: -1}
	var r io.Reader = f
	if IsTgz(file) {
		if c.gz, err = gzip.NewReader(f); err != nil {
			f.Close()
			return nil, err
		}
		r = c.gz
	}
	c.tr = tar.NewReader(r)
	return c, nil
}

func (c *memberCursor) hashMember(h hash.Hash, member int) error {
	for c.index < member {
		if _, err := c.tr.Next(); err != nil {
			return err
		}
		c.index++
	}
	_, err := io.Copy(h, c.tr)
	return err
}

func (c *memberCursor) Close() {
	if c.gz != nil {
		c.gz.Close()
	}
	c.f.Close()
}

// FileMD5 returns the hex MD5 of a file.
func FileMD5(file string) (string, error) {
	return fileHash(file, md5.New())
}

// FileSHA1 returns the hex SHA-1 of a file.
func FileSHA1(file string) (string, error) {
	return fileHash(file, sha1.New())
}

func fileHash(file string, h hash.Hash) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
