package archive

import (
	"archive/tar"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/raids-lab/acqpipe/pkg/parser"
)

func writeFiles(t *testing.T, dir string, files map[string]string) []string {
	t.Helper()
	var paths []string
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestDigestIgnoresCompression(t *testing.T) {
	files := map[string]string{"1.dcm": "first", "2.dcm": "second", "3.dcm": "third"}

	plain := t.TempDir()
	writeFiles(t, plain, files)
	want, err := Digest(plain, []string{"3.dcm", "1.dcm", "2.dcm"})
	require.NoError(t, err)
	assert.Len(t, want, 20)

	packed := t.TempDir()
	src := writeFiles(t, t.TempDir(), map[string]string{"1.dcm": "first", "3.dcm": "third"})
	require.NoError(t, TarGzFiles(filepath.Join(packed, "1_1_1_dicoms.tgz"), "dicoms", src))
	writeFiles(t, packed, map[string]string{"2.dcm": "second"})
	require.NoError(t, GzipFile(filepath.Join(packed, "2.dcm"), filepath.Join(packed, "2.dcm.gz"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(packed, "2.dcm")))

	got, err := Digest(packed, []string{"1_1_1_dicoms.tgz", "2.dcm.gz"})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	writeFiles(t, plain, map[string]string{"2.dcm": "changed"})
	changed, err := Digest(plain, []string{"1.dcm", "2.dcm", "3.dcm"})
	require.NoError(t, err)
	assert.NotEqual(t, want, changed)
}

func TestDigestInterleavedTarballs(t *testing.T) {
	dir := t.TempDir()
	a := writeFiles(t, t.TempDir(), map[string]string{"a1": "1", "c3": "3"})
	b := writeFiles(t, t.TempDir(), map[string]string{"b2": "2", "d4": "4"})
	require.NoError(t, TarGzFiles(filepath.Join(dir, "a.tgz"), "x", a))
	require.NoError(t, TarGzFiles(filepath.Join(dir, "b.tgz"), "x", b))

	flat := t.TempDir()
	writeFiles(t, flat, map[string]string{"a1": "1", "b2": "2", "c3": "3", "d4": "4"})

	got, err := Digest(dir, []string{"a.tgz", "b.tgz"})
	require.NoError(t, err)
	want, err := Digest(flat, []string{"a1", "b2", "c3", "d4"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDigestCorruptTarball(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"bad.tgz": "not gzip"})
	_, err := Digest(dir, []string{"bad.tgz"})
	assert.Error(t, err)
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"dicoms/1.dcm": "a", "physio/p.tgz": "b"})
	rec := &parser.Record{
		Filetype:           parser.FiletypeDICOM,
		SeriesUID:          "1.2.3",
		PatientID:          "lab01/exp",
		Timestamp:          time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC),
		PrescribedDuration: 300 * time.Second,
	}
	require.NoError(t, WriteManifest(dir, MetadataFromRecord(rec, "mr1")))
	require.NoError(t, VerifyManifest(dir))

	meta, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "mr1", meta.Reaper)
	assert.Equal(t, "1.2.3", meta.SeriesUID)
	assert.InDelta(t, 300, meta.PrescribedDuration, 0.001)

	digest, err := os.ReadFile(filepath.Join(dir, DigestFile))
	require.NoError(t, err)
	assert.Contains(t, string(digest), "  dicoms/1.dcm\n")
	assert.NotContains(t, string(digest), MetadataFile)

	writeFiles(t, dir, map[string]string{"dicoms/1.dcm": "tampered"})
	assert.ErrorIs(t, VerifyManifest(dir), ErrIntegrity)
	writeFiles(t, dir, map[string]string{"dicoms/1.dcm": "a", "extra": "x"})
	assert.ErrorIs(t, VerifyManifest(dir), ErrIntegrity)
	require.NoError(t, os.Remove(filepath.Join(dir, "extra")))
	require.NoError(t, os.Remove(filepath.Join(dir, "physio/p.tgz")))
	assert.ErrorIs(t, VerifyManifest(dir), ErrIntegrity)
}

func TestVerifyWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"x": "y"})
	assert.NoError(t, VerifyManifest(dir))
}

func TestTarDirExtract(t *testing.T) {
	src := filepath.Join(t.TempDir(), "1.2.3_1")
	writeFiles(t, src, map[string]string{"dicoms/1.dcm": "a", "METADATA.json": "{}"})
	dst := filepath.Join(t.TempDir(), "1.2.3_1.tar")
	require.NoError(t, TarDir(src, dst))

	out := t.TempDir()
	require.NoError(t, Extract(dst, out))
	got, err := os.ReadFile(filepath.Join(out, "1.2.3_1", "dicoms", "1.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	names, err := ListFiles(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3_1.tar"}, names)
}

func TestExtractRejectsEscapingMembers(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "evil.tar")
	f, err := os.Create(dst)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	out := t.TempDir()
	assert.Error(t, Extract(dst, out))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(out), "escape"))
}

func TestListFilesSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"b": "", "a": "", "sub/c": ""})
	names, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

// ingestServer accepts uploads after failing the first fail attempts.
type ingestServer struct {
	mu       sync.Mutex
	fail     int
	attempts int
	bodies   map[string]string
	md5      string
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	body, _ := io.ReadAll(r.Body)
	if s.attempts <= s.fail {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	if s.bodies == nil {
		s.bodies = map[string]string{}
	}
	s.bodies[strings.TrimPrefix(r.URL.Path, "/upload/")] = string(body)
	s.md5 = r.URL.Query().Get("md5")
	w.WriteHeader(http.StatusOK)
}

func fastUploader(url string) *HTTPUploader {
	u := NewHTTPUploader(url, 5*time.Second)
	u.Backoff = wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3}
	return u
}

func TestHTTPUploaderRetries(t *testing.T) {
	srv := &ingestServer{fail: 2}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	file := writeFiles(t, t.TempDir(), map[string]string{"a.tar": "payload"})[0]
	sum, err := FileMD5(file)
	require.NoError(t, err)

	require.NoError(t, fastUploader(ts.URL+"/upload/").Upload(context.Background(), file, "a.tar", sum))
	assert.Equal(t, 3, srv.attempts)
	assert.Equal(t, "payload", srv.bodies["a.tar"])
	assert.Equal(t, sum, srv.md5)
}

func TestHTTPUploaderGivesUp(t *testing.T) {
	srv := &ingestServer{fail: 100}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	file := writeFiles(t, t.TempDir(), map[string]string{"a.tar": "payload"})[0]
	err := fastUploader(ts.URL+"/upload").Upload(context.Background(), file, "a.tar", "x")
	assert.ErrorIs(t, err, ErrUploadFailure)
	assert.Equal(t, 3, srv.attempts)
}

type fakeUploader struct {
	err   error
	names []string
	data  []byte
}

func (f *fakeUploader) Upload(_ context.Context, file, name, md5hex string) error {
	f.names = append(f.names, name)
	f.data, _ = os.ReadFile(file)
	return f.err
}

func TestPublisher(t *testing.T) {
	temp := t.TempDir()
	staging := filepath.Join(temp, "1.2.3_1")
	writeFiles(t, staging, map[string]string{"dicoms/1.dcm": "a"})

	up := &fakeUploader{err: ErrUploadFailure}
	p := NewPublisher(temp, up)
	assert.ErrorIs(t, p.Publish(context.Background(), staging), ErrUploadFailure)
	assert.DirExists(t, staging)
	assert.NoFileExists(t, filepath.Join(temp, "1.2.3_1.tar"))

	up.err = nil
	require.NoError(t, p.Publish(context.Background(), staging))
	assert.NoDirExists(t, staging)
	assert.NoFileExists(t, filepath.Join(temp, "1.2.3_1.tar"))
	assert.Equal(t, []string{"1.2.3_1.tar", "1.2.3_1.tar"}, up.names)
	assert.NotEmpty(t, up.data)
}
