package dicomnet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raids-lab/acqpipe/pkg/testutil"
)

type call struct {
	tool string
	args []string
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func newTestClient(t *testing.T, run Runner) *DCMTKClient {
	t.Helper()
	ae, err := ParseAE("scanner:4006:4096", "REAPER", "CONSOLE")
	require.NoError(t, err)
	c := NewDCMTKClient(ae)
	c.ScratchDir = t.TempDir()
	c.BinDir = "/opt/dcmtk/bin"
	c.run = run
	c.loc = time.UTC
	c.log = logr.Discard()
	return c
}

func TestParseAE(t *testing.T) {
	ae, err := ParseAE("scanner.local:4006:4096", "REAPER", "CONSOLE")
	require.NoError(t, err)
	assert.Equal(t, AE{Host: "scanner.local", Port: 4006, ReturnPort: 4096, CallerAET: "REAPER", CalleeAET: "CONSOLE"}, ae)

	for _, bad := range []string{"scanner", "scanner:x:1", "scanner:1:0", ":1:2"} {
		_, err := ParseAE(bad, "A", "B")
		assert.Error(t, err, bad)
	}
	_, err = ParseAE("scanner:1:2", "", "B")
	assert.Error(t, err)
}

func TestFindStudies(t *testing.T) {
	t0 := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	var calls []call
	c := newTestClient(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, call{name, args})
		out := argAfter(args, "-od")
		// later study first: responses are sorted by time
		os.WriteFile(filepath.Join(out, "rsp0001.dcm"), testutil.EncodeDICOM(testutil.DICOMSpec{
			StudyUID: "1.2.3.2", SeriesUID: "9", PatientID: "lab01/b", StudyID: "8", AcquisitionTime: t0.Add(time.Hour),
		}), 0o644)
		os.WriteFile(filepath.Join(out, "rsp0002.dcm"), testutil.EncodeDICOM(testutil.DICOMSpec{
			StudyUID: "1.2.3.1", SeriesUID: "9", PatientID: "lab01/a", StudyID: "7", AcquisitionTime: t0,
		}), 0o644)
		return nil, nil
	})

	studies, err := c.FindStudies(context.Background(), t0, "lab01*")
	require.NoError(t, err)
	require.Len(t, studies, 2)
	assert.Equal(t, Study{UID: "1.2.3.1", ExamNo: 7, PatientID: "lab01/a", Timestamp: t0}, studies[0])
	assert.Equal(t, "1.2.3.2", studies[1].UID)

	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/dcmtk/bin/findscu", calls[0].tool)
	args := calls[0].args
	assert.Contains(t, args, "QueryRetrieveLevel=STUDY")
	assert.Contains(t, args, "StudyDate=20240615-")
	assert.Contains(t, args, "PatientID=lab01*")
	assert.Equal(t, "REAPER", argAfter(args, "-aet"))
	assert.Equal(t, "CONSOLE", argAfter(args, "-aec"))
	assert.Equal(t, []string{"scanner", "4006"}, args[len(args)-2:])

	entries, err := os.ReadDir(c.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "response files are removed")
}

func TestFindSeries(t *testing.T) {
	c := newTestClient(t, func(_ context.Context, _ string, args ...string) ([]byte, error) {
		assert.Contains(t, args, "QueryRetrieveLevel=SERIES")
		assert.Contains(t, args, "StudyInstanceUID=1.2.3")
		out := argAfter(args, "-od")
		for i, n := range []int{3, 1, 2} {
			os.WriteFile(filepath.Join(out, "rsp000"+strconv.Itoa(i+1)+".dcm"), testutil.EncodeDICOM(testutil.DICOMSpec{
				StudyUID: "1.2.3", SeriesUID: "1.2.3." + strconv.Itoa(n), SeriesNumber: n,
				ImagesInAcquisition: n * 10, AcquisitionTime: time.Now(),
			}), 0o644)
		}
		return nil, nil
	})

	series, err := c.FindSeries(context.Background(), "1.2.3")
	require.NoError(t, err)
	require.Len(t, series, 3)
	for i, s := range series {
		assert.Equal(t, i+1, s.Number)
		assert.Equal(t, "1.2.3."+strconv.Itoa(i+1), s.UID)
		assert.Equal(t, (i+1)*10, s.Images)
	}
}

func TestMoveCountsFiles(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "move")
	c := newTestClient(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "/opt/dcmtk/bin/movescu", name)
		assert.Equal(t, "4096", argAfter(args, "--port"))
		assert.Equal(t, "REAPER", argAfter(args, "-aem"))
		assert.Contains(t, args, "SeriesInstanceUID=1.2.3.4")
		od := argAfter(args, "-od")
		for i := 0; i < 5; i++ {
			os.WriteFile(filepath.Join(od, "MR."+strconv.Itoa(i)), []byte("x"), 0o644)
		}
		return nil, nil
	})

	n, err := c.Move(context.Background(), "1.2.3", "1.2.3.4", dest)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCommandFailureIsRemoteQueryError(t *testing.T) {
	c := newTestClient(t, func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Association Request Failed"), errors.New("exit status 1")
	})
	_, err := c.FindStudies(context.Background(), time.Now(), "")
	assert.ErrorIs(t, err, ErrRemoteQuery)
	assert.Contains(t, err.Error(), "Association Request Failed")

	_, err = c.Move(context.Background(), "1", "2", t.TempDir())
	assert.ErrorIs(t, err, ErrRemoteQuery)
}

func TestCorruptResponseIsRemoteQueryError(t *testing.T) {
	c := newTestClient(t, func(_ context.Context, _ string, args ...string) ([]byte, error) {
		os.WriteFile(filepath.Join(argAfter(args, "-od"), "rsp0001.dcm"), []byte("garbage"), 0o644)
		return nil, nil
	})
	_, err := c.FindSeries(context.Background(), "1.2.3")
	assert.ErrorIs(t, err, ErrRemoteQuery)
}
