// Package ingest deposits uploaded archives into the stage directory. An
// archive only appears in stage/ under its final name once its MD5 matched
// the declared one.
package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
)

var (
	// ErrBadRequest covers an unusable archive name or md5 parameter.
	ErrBadRequest = errors.New("bad request")
	// ErrIntegrity means the received bytes do not hash to the declared md5.
	ErrIntegrity = archive.ErrIntegrity
	// ErrStorage means the archive could not be written to the stage directory.
	ErrStorage = errors.New("storage failure")
)

// TmpDirName is the sibling of the staged archives that holds partial uploads.
const TmpDirName = ".tmp"

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	md5Pattern  = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

type Stager struct {
	StageDir string

	tmpDir string
	log    logr.Logger
}

func NewStager(stageDir string) (*Stager, error) {
	s := &Stager{
		StageDir: stageDir,
		tmpDir:   filepath.Join(stageDir, TmpDirName),
		log:      logutils.Logger("ingest"),
	}
	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest.NewStager: %w", err)
	}
	return s, nil
}

// Deposit streams body into a private temp file, verifies its MD5 and
// renames it to <StageDir>/<name>. It returns the number of bytes stored.
func (s *Stager) Deposit(name, md5hex string, body io.Reader) (int64, error) {
	n, err := s.deposit(name, md5hex, body)
	switch {
	case err == nil:
		metrics.IngestRequests.WithLabelValues("ok").Inc()
		s.log.Info("archive staged", "archive", name, "bytes", n)
	case errors.Is(err, ErrIntegrity):
		metrics.IngestRequests.WithLabelValues("integrity").Inc()
		s.log.Info("archive rejected", "archive", name, "err", err)
	case errors.Is(err, ErrBadRequest):
		metrics.IngestRequests.WithLabelValues("bad_request").Inc()
	default:
		metrics.IngestRequests.WithLabelValues("storage").Inc()
		s.log.Error(err, "archive not staged", "archive", name)
	}
	return n, err
}

func (s *Stager) deposit(name, md5hex string, body io.Reader) (int64, error) {
	if !namePattern.MatchString(name) {
		return 0, fmt.Errorf("%w: archive name %q", ErrBadRequest, name)
	}
	md5hex = strings.ToLower(md5hex)
	if !md5Pattern.MatchString(md5hex) {
		return 0, fmt.Errorf("%w: md5 %q", ErrBadRequest, md5hex)
	}

	tmp := filepath.Join(s.tmpDir, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer os.Remove(tmp)

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrStorage, name, err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != md5hex {
		return n, fmt.Errorf("%w: %s: got md5 %s, declared %s", ErrIntegrity, name, got, md5hex)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return n, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.StageDir, name)); err != nil {
		return n, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}
