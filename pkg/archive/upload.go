package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	imrocreq "github.com/imroc/req/v3"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
)

// ErrUploadFailure is returned once every upload attempt has been rejected.
var ErrUploadFailure = errors.New("upload failure")

// Uploader ships one archive file to the ingest endpoint.
type Uploader interface {
	Upload(ctx context.Context, file, name, md5hex string) error
}

// DefaultBackoff retries a rejected upload four times over roughly half a minute.
var DefaultBackoff = wait.Backoff{
	Duration: 2 * time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    5,
}

// HTTPUploader PUTs archives to <URL>/<name>?md5=<hex>.
type HTTPUploader struct {
	URL     string
	Backoff wait.Backoff

	req *imrocreq.Client
	log logr.Logger
}

func NewHTTPUploader(baseURL string, timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		URL:     strings.TrimRight(baseURL, "/"),
		Backoff: DefaultBackoff,
		req:     imrocreq.C().SetTimeout(timeout),
		log:     logutils.Logger("uploader"),
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, file, name, md5hex string) error {
	target := u.URL + "/" + url.PathEscape(name)
	attempt := 0
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, u.Backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = u.put(ctx, target, file, md5hex)
		if lastErr == nil {
			return true, nil
		}
		u.log.Info("upload attempt failed", "archive", name, "attempt", attempt, "err", lastErr)
		return false, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrUploadFailure, name, attempt, lastErr)
	}
	return nil
}

// put sends the file once. The file is reopened for every attempt so a
// retry always starts from the first byte.
func (u *HTTPUploader) put(ctx context.Context, target, file, md5hex string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	resp, err := u.req.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("md5", md5hex).
		SetBody(f).
		Put(target)
	if err != nil {
		return err
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("ingest answered %s: %s", resp.Status, strings.TrimSpace(resp.String()))
	}
	return nil
}

// Publisher is the atomic archive writer: it tars a staging directory, hashes
// the tarball and uploads it. The staging tree is only removed after the
// endpoint accepted the archive.
type Publisher struct {
	TempDir  string
	Uploader Uploader

	log logr.Logger
}

func NewPublisher(tempDir string, uploader Uploader) *Publisher {
	return &Publisher{
		TempDir:  tempDir,
		Uploader: uploader,
		log:      logutils.Logger("publisher"),
	}
}

// Publish uploads stagingDir as <base>.tar. On failure the staging tree is
// left in place for the next attempt and an ErrUploadFailure is returned.
func (p *Publisher) Publish(ctx context.Context, stagingDir string) error {
	name := filepath.Base(stagingDir) + ".tar"
	tarPath := filepath.Join(p.TempDir, name)
	if err := TarDir(stagingDir, tarPath); err != nil {
		return fmt.Errorf("Publisher.Publish: %w", err)
	}
	defer os.Remove(tarPath)

	sum, err := FileMD5(tarPath)
	if err != nil {
		return fmt.Errorf("Publisher.Publish: %w", err)
	}
	if err := p.Uploader.Upload(ctx, tarPath, name, sum); err != nil {
		metrics.ArchivesFailed.Inc()
		return err
	}
	metrics.ArchivesUploaded.Inc()
	p.log.Info("archive uploaded", "archive", name, "md5", sum)

	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("Publisher.Publish: remove staging: %w", err)
	}
	return nil
}
