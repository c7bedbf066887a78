package ingest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(b []byte) string {
	s := md5.Sum(b)
	return hex.EncodeToString(s[:])
}

func stageEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDeposit(t *testing.T) {
	stage := t.TempDir()
	s, err := NewStager(stage)
	require.NoError(t, err)

	body := []byte("archive body")
	n, err := s.Deposit("test_1_1_1.tar", sum(body), bytes.NewReader(body))
	require.NoError(t, err)
	assert.EqualValues(t, len(body), n)

	got, err := os.ReadFile(filepath.Join(stage, "test_1_1_1.tar"))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	info, err := os.Stat(filepath.Join(stage, "test_1_1_1.tar"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	tmp, err := os.ReadDir(filepath.Join(stage, TmpDirName))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestDepositAcceptsUppercaseMD5(t *testing.T) {
	s, err := NewStager(t.TempDir())
	require.NoError(t, err)
	body := []byte("x")
	_, err = s.Deposit("a.tar", "9DD4E461268C8034F5C8564E155C67A6", bytes.NewReader(body))
	require.NoError(t, err)
}

func TestDepositRejectsMismatch(t *testing.T) {
	stage := t.TempDir()
	s, err := NewStager(stage)
	require.NoError(t, err)

	_, err = s.Deposit("test_1_1_1.tar", sum([]byte("other")), bytes.NewReader([]byte("archive body")))
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, []string{TmpDirName}, stageEntries(t, stage))

	tmp, err := os.ReadDir(filepath.Join(stage, TmpDirName))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestDepositRejectsBadParameters(t *testing.T) {
	stage := t.TempDir()
	s, err := NewStager(stage)
	require.NoError(t, err)
	body := []byte("b")

	for _, name := range []string{"", ".hidden.tar", "../escape.tar", "a/b.tar", "sp ace.tar"} {
		_, err = s.Deposit(name, sum(body), bytes.NewReader(body))
		assert.ErrorIs(t, err, ErrBadRequest, name)
	}
	_, err = s.Deposit("ok.tar", "abc", bytes.NewReader(body))
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, []string{TmpDirName}, stageEntries(t, stage))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestDepositStorageError(t *testing.T) {
	stage := t.TempDir()
	s, err := NewStager(stage)
	require.NoError(t, err)

	_, err = s.Deposit("a.tar", sum(nil), failingReader{})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, []string{TmpDirName}, stageEntries(t, stage))
}
