package parser

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	FiletypeDICOM = "dicom"
	// DICOMArchiveSuffix names the per-acquisition tarball built by the DICOM reaper.
	DICOMArchiveSuffix = "_dicoms.tgz"

	dicomPriority = 0
)

// Tags without a stable keyword across dictionary versions, and GE private tags.
var (
	tagImagesInAcquisition       = tag.Tag{Group: 0x0020, Element: 0x1002}
	tagNumberOfTemporalPositions = tag.Tag{Group: 0x0020, Element: 0x0105}
	tagSeriesRelatedInstances    = tag.Tag{Group: 0x0020, Element: 0x1209}
	tagAcquisitionDuration       = tag.Tag{Group: 0x0018, Element: 0x9073} // seconds
	tagDiffusionBValue           = tag.Tag{Group: 0x0018, Element: 0x9087}
	tagGEAcquisitionDuration     = tag.Tag{Group: 0x0019, Element: 0x105A} // microseconds
	tagGEPulseSequenceName       = tag.Tag{Group: 0x0019, Element: 0x109C}
	tagGEDiffusionDirections     = tag.Tag{Group: 0x0019, Element: 0x10E0}
	tagGELocationsInAcquisition  = tag.Tag{Group: 0x0021, Element: 0x104F}
	tagGENumberOfCoils           = tag.Tag{Group: 0x0043, Element: 0x1081}
)

var dicomMagic = []byte("DICM")

// DICOMParser reads DICOM headers from single files and from reaper tarballs.
type DICOMParser struct {
	loc *time.Location
}

func NewDICOMParser() *DICOMParser {
	return &DICOMParser{loc: time.Local}
}

func (p *DICOMParser) Name() string  { return FiletypeDICOM }
func (p *DICOMParser) Priority() int { return dicomPriority }

func (p *DICOMParser) Accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, DICOMArchiveSuffix) || strings.HasSuffix(strings.ToLower(base), ".dcm") {
		return true
	}
	return hasDICMPreamble(path)
}

func hasDICMPreamble(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 132)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return bytes.Equal(buf[128:], dicomMagic)
}

func (p *DICOMParser) Parse(path string) (*Record, error) {
	if strings.HasSuffix(filepath.Base(path), DICOMArchiveSuffix) {
		return p.parseArchive(path)
	}
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, malformed("%s: %v", filepath.Base(path), err)
	}
	return p.FromDataset(&ds)
}

// parseArchive reads the header of the first DICOM member and counts the
// members to fill in the image count when the header omits it.
func (p *DICOMParser) parseArchive(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, malformed("%s: %v", filepath.Base(path), err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, malformed("%s: %v", filepath.Base(path), err)
	}
	defer gz.Close()

	var rec *Record
	members := 0
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed("%s: %v", filepath.Base(path), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		members++
		if rec != nil {
			continue
		}
		ds, err := dicom.Parse(tr, hdr.Size, nil, dicom.SkipPixelData())
		if err != nil {
			return nil, malformed("%s: member %s: %v", filepath.Base(path), hdr.Name, err)
		}
		if rec, err = p.FromDataset(&ds); err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, malformed("%s: archive holds no dicom files", filepath.Base(path))
	}
	if rec.ImagesInAcquisition == 0 {
		rec.ImagesInAcquisition = members
	}
	return rec, nil
}

// FromDataset builds a Record from a parsed DICOM header.
func (p *DICOMParser) FromDataset(ds *dicom.Dataset) (*Record, error) {
	h := NewHeader(ds)
	rec := &Record{
		Filetype:  FiletypeDICOM,
		Priority:  dicomPriority,
		StudyUID:  h.Str(tag.StudyInstanceUID),
		SeriesUID: h.Str(tag.SeriesInstanceUID),
		AcqNo:     h.Int(tag.AcquisitionNumber),
		ExamNo:    h.Int(tag.StudyID),
		SeriesNo:  h.Int(tag.SeriesNumber),
		PatientID: h.Str(tag.PatientID),
		Operator:  h.Str(tag.OperatorsName),

		Description:         h.Str(tag.SeriesDescription),
		ImagesInAcquisition: h.Int(tagImagesInAcquisition),
	}
	if rec.StudyUID == "" || rec.SeriesUID == "" {
		return nil, malformed("missing study or series instance uid")
	}
	if rec.ImagesInAcquisition == 0 {
		rec.ImagesInAcquisition = h.Int(tagSeriesRelatedInstances)
	}
	rec.LastName, rec.FirstName = splitPersonName(h.Str(tag.PatientName))
	if dob, ok := ParseDICOMDateTime(h.Str(tag.PatientBirthDate), "", p.loc); ok {
		rec.DOB = &dob
	}

	for _, pair := range [][2]tag.Tag{
		{tag.AcquisitionDate, tag.AcquisitionTime},
		{tag.SeriesDate, tag.SeriesTime},
		{tag.StudyDate, tag.StudyTime},
	} {
		if ts, ok := ParseDICOMDateTime(h.Str(pair[0]), h.Str(pair[1]), p.loc); ok {
			rec.Timestamp = ts
			break
		}
	}

	rec.PSDName = h.Str(tagGEPulseSequenceName)
	if rec.PSDName == "" {
		rec.PSDName = h.Str(tag.SequenceName)
	}
	rec.PSDName = strings.ToLower(filepath.Base(rec.PSDName))
	rec.PSDType = psdType(rec.PSDName)

	if us := h.Float(tagGEAcquisitionDuration); us > 0 {
		rec.PrescribedDuration = time.Duration(us * float64(time.Microsecond))
	} else if s := h.Float(tagAcquisitionDuration); s > 0 {
		rec.PrescribedDuration = time.Duration(s * float64(time.Second))
	}

	g := &rec.Geometry
	g.TR = h.Float(tag.RepetitionTime)
	g.TE = h.Float(tag.EchoTime)
	g.TI = h.Float(tag.InversionTime)
	g.FlipAngle = h.Float(tag.FlipAngle)
	g.SizeX = h.Int(tag.Columns)
	g.SizeY = h.Int(tag.Rows)
	if ps := h.Floats(tag.PixelSpacing); len(ps) == 2 {
		g.MmY, g.MmX = ps[0], ps[1]
	}
	g.MmZ = h.Float(tag.SpacingBetweenSlices)
	if g.MmZ == 0 {
		g.MmZ = h.Float(tag.SliceThickness)
	}
	g.FovX = round3(float64(g.SizeX) * g.MmX)
	g.FovY = round3(float64(g.SizeY) * g.MmY)
	g.NumTimepoints = max(h.Int(tagNumberOfTemporalPositions), 1)
	g.NumSlices = h.Int(tagGELocationsInAcquisition)
	if g.NumSlices == 0 && rec.ImagesInAcquisition > 0 {
		g.NumSlices = rec.ImagesInAcquisition / g.NumTimepoints
	}
	g.NumCoils = h.Int(tagGENumberOfCoils)
	g.Diffusion = h.Float(tagDiffusionBValue) > 0
	g.NumDiffusionDirs = h.Int(tagGEDiffusionDirections)
	if g.NumDiffusionDirs > 0 {
		g.Diffusion = true
	}
	g.ScanType = scanType(rec.PSDType, rec.Description, g)
	return rec, nil
}

// Header wraps typed lookups on a dataset. Missing or unreadable elements
// read as zero values.
type Header struct {
	ds *dicom.Dataset
}

func NewHeader(ds *dicom.Dataset) Header {
	return Header{ds: ds}
}

func (h Header) Strs(t tag.Tag) []string {
	el, err := h.ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = strings.TrimSpace(strings.TrimRight(s, "\x00"))
		}
		return out
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return out
	case []byte:
		return []string{strings.TrimSpace(strings.TrimRight(string(v), "\x00"))}
	default:
		return nil
	}
}

func (h Header) Str(t tag.Tag) string {
	if v := h.Strs(t); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (h Header) Floats(t tag.Tag) []float64 {
	var out []float64
	for _, s := range h.Strs(t) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

func (h Header) Float(t tag.Tag) float64 {
	if v := h.Floats(t); len(v) > 0 {
		return v[0]
	}
	return 0
}

func (h Header) Int(t tag.Tag) int {
	return int(math.Round(h.Float(t)))
}

func splitPersonName(pn string) (last, first string) {
	parts := strings.Split(pn, "^")
	last = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		first = strings.TrimSpace(parts[1])
	}
	return last, first
}

// ParseDICOMDateTime combines a DA and an optional TM value.
func ParseDICOMDateTime(da, tm string, loc *time.Location) (time.Time, bool) {
	if len(da) != 8 {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("20060102", da, loc)
	if err != nil {
		return time.Time{}, false
	}
	tm = strings.ReplaceAll(tm, ":", "")
	if tm == "" {
		return day, true
	}
	frac := ""
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm, frac = tm[:i], tm[i+1:]
	}
	if len(tm) < 6 {
		tm += strings.Repeat("0", 6-len(tm))
	}
	hh, err1 := strconv.Atoi(tm[0:2])
	mm, err2 := strconv.Atoi(tm[2:4])
	ss, err3 := strconv.Atoi(tm[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return day, true
	}
	var ns int
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		ns, _ = strconv.Atoi(frac)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, ss, ns, loc), true
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// AcquisitionArchiveName is the name of the tarball holding one acquisition's
// DICOM files, <exam>_<series>_<acq>_dicoms.tgz.
func AcquisitionArchiveName(exam, series, acq int) string {
	return fmt.Sprintf("%d_%d_%d%s", exam, series, acq, DICOMArchiveSuffix)
}
