package dicomnet

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/parser"
)

var (
	tagImagesInAcquisition    = tag.Tag{Group: 0x0020, Element: 0x1002}
	tagSeriesRelatedInstances = tag.Tag{Group: 0x0020, Element: 0x1209}
)

const defaultCommandTimeout = 10 * time.Minute

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DCMTKClient drives the DCMTK findscu and movescu tools. C-FIND responses
// are extracted to files and read back with the DICOM parser.
type DCMTKClient struct {
	AE AE
	// BinDir holds findscu and movescu; empty means $PATH.
	BinDir  string
	Timeout time.Duration
	// ScratchDir receives C-FIND response files; empty means the system temp dir.
	ScratchDir string

	run Runner
	loc *time.Location
	log logr.Logger
}

func NewDCMTKClient(ae AE) *DCMTKClient {
	return &DCMTKClient{
		AE:      ae,
		Timeout: defaultCommandTimeout,
		run:     execRunner,
		loc:     time.Local,
		log:     logutils.Logger("dcmtk"),
	}
}

func (c *DCMTKClient) bin(name string) string {
	if c.BinDir == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

func (c *DCMTKClient) common() []string {
	return []string{"-S", "-aet", c.AE.CallerAET, "-aec", c.AE.CalleeAET}
}

func (c *DCMTKClient) remote() []string {
	return []string{c.AE.Host, strconv.Itoa(c.AE.Port)}
}

func keys(level QueryLevel, kv ...string) []string {
	args := []string{"-k", "QueryRetrieveLevel=" + string(level)}
	for _, k := range kv {
		args = append(args, "-k", k)
	}
	return args
}

func (c *DCMTKClient) FindStudies(ctx context.Context, since time.Time, patientGlob string) ([]Study, error) {
	patient := "PatientID"
	if patientGlob != "" {
		patient += "=" + patientGlob
	}
	headers, err := c.find(ctx, keys(QueryLevelStudy,
		"StudyDate="+since.In(c.loc).Format("20060102")+"-",
		"StudyTime",
		"StudyInstanceUID",
		"StudyID",
		patient,
	))
	if err != nil {
		return nil, err
	}

	studies := make([]Study, 0, len(headers))
	for _, h := range headers {
		s := Study{
			UID:       h.Str(tag.StudyInstanceUID),
			PatientID: h.Str(tag.PatientID),
			ExamNo:    h.Int(tag.StudyID),
		}
		if s.UID == "" {
			continue
		}
		ts, ok := parser.ParseDICOMDateTime(h.Str(tag.StudyDate), h.Str(tag.StudyTime), c.loc)
		if !ok {
			c.log.Info("study without a usable date", "study", s.UID)
			continue
		}
		s.Timestamp = ts
		studies = append(studies, s)
	}
	sort.SliceStable(studies, func(i, j int) bool { return studies[i].Timestamp.Before(studies[j].Timestamp) })
	return studies, nil
}

func (c *DCMTKClient) FindSeries(ctx context.Context, studyUID string) ([]Series, error) {
	headers, err := c.find(ctx, keys(QueryLevelSeries,
		"StudyInstanceUID="+studyUID,
		"SeriesInstanceUID",
		"SeriesNumber",
		"ImagesInAcquisition",
		"NumberOfSeriesRelatedInstances",
	))
	if err != nil {
		return nil, err
	}

	series := lo.FilterMap(headers, func(h parser.Header, _ int) (Series, bool) {
		s := Series{
			UID:    h.Str(tag.SeriesInstanceUID),
			Number: h.Int(tag.SeriesNumber),
			Images: h.Int(tagImagesInAcquisition),
		}
		if s.Images == 0 {
			s.Images = h.Int(tagSeriesRelatedInstances)
		}
		return s, s.UID != ""
	})
	sort.SliceStable(series, func(i, j int) bool { return series[i].Number < series[j].Number })
	return series, nil
}

func (c *DCMTKClient) Move(ctx context.Context, studyUID, seriesUID, dest string) (int, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("DCMTKClient.Move: %w", err)
	}
	args := c.common()
	args = append(args, "-aem", c.AE.CallerAET, "--port", strconv.Itoa(c.AE.ReturnPort), "-od", dest)
	args = append(args, keys(QueryLevelSeries, "StudyInstanceUID="+studyUID, "SeriesInstanceUID="+seriesUID)...)
	args = append(args, c.remote()...)
	if err := c.exec(ctx, "movescu", args); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		return 0, fmt.Errorf("DCMTKClient.Move: %w", err)
	}
	n := lo.CountBy(entries, func(e os.DirEntry) bool { return e.Type().IsRegular() })
	c.log.V(1).Info("series moved", "series", seriesUID, "files", n)
	return n, nil
}

// find runs one C-FIND and parses the extracted responses.
func (c *DCMTKClient) find(ctx context.Context, query []string) ([]parser.Header, error) {
	out, err := os.MkdirTemp(c.ScratchDir, ".findscu-")
	if err != nil {
		return nil, fmt.Errorf("DCMTKClient.find: %w", err)
	}
	defer os.RemoveAll(out)

	args := c.common()
	args = append(args, "-X", "-od", out)
	args = append(args, query...)
	args = append(args, c.remote()...)
	if err := c.exec(ctx, "findscu", args); err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(out, "rsp*.dcm"))
	if err != nil {
		return nil, fmt.Errorf("DCMTKClient.find: %w", err)
	}
	sort.Strings(files)
	headers := make([]parser.Header, 0, len(files))
	for _, f := range files {
		ds, err := dicom.ParseFile(f, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRemoteQuery, filepath.Base(f), err)
		}
		headers = append(headers, parser.NewHeader(&ds))
	}
	return headers, nil
}

func (c *DCMTKClient) exec(ctx context.Context, tool string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	out, err := c.run(ctx, c.bin(tool), args...)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v: %s", ErrRemoteQuery, tool, c.AE, err, strings.TrimSpace(string(out)))
	}
	return nil
}
