package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	FiletypePFile = "pfile"
	// PFileGlob matches raw files written by the scanner consoles.
	PFileGlob = "P?????.7"

	pfilePriority = 1

	minPFileRevision = 20
	maxPFileRevision = 30
)

// PFileHeader is the fixed leading block of a raw file. Fields are little
// endian and packed without padding. Only the fields the pipeline needs are
// decoded; the reconstruction payload follows the header and is not read.
type PFileHeader struct {
	Revision         float32
	ExamNo           uint16
	SeriesNo         uint16
	AcqNo            uint16
	NumSlices        uint16
	NumEchoes        uint16
	NumTimepoints    uint16
	NumCoils         uint16
	SizeX            uint16
	SizeY            uint16
	NumDiffusionDirs uint16
	ScanStart        int64  // unix seconds
	Duration         uint32 // microseconds
	TR               float32
	TE               float32
	TI               float32
	FlipAngle        float32
	FovX             float32
	FovY             float32
	SliceThickness   float32
	PatientID        [64]byte
	PatientName      [64]byte // Last^First
	PatientDOB       [8]byte  // YYYYMMDD
	Operator         [32]byte
	Description      [64]byte
	PSDName          [32]byte
	StudyUID         [PackedUIDLen]byte
	SeriesUID        [PackedUIDLen]byte
}

// Encode writes the header in its on-disk form.
func (h *PFileHeader) Encode(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// SetString copies s into a fixed-size header field, truncating if needed.
func SetString(dst []byte, s string) {
	clear(dst)
	copy(dst, s)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// PFileParser reads raw file headers, plain or gzipped.
type PFileParser struct {
	loc *time.Location
}

func NewPFileParser() *PFileParser {
	return &PFileParser{loc: time.Local}
}

func (p *PFileParser) Name() string  { return FiletypePFile }
func (p *PFileParser) Priority() int { return pfilePriority }

func (p *PFileParser) Accepts(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), ".gz")
	ok, _ := filepath.Match(PFileGlob, base)
	return ok
}

// ReadPFileHeader decodes the header of a raw file, transparently
// decompressing .gz files.
func ReadPFileHeader(path string) (*PFileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, malformed("%s: %v", filepath.Base(path), err)
		}
		defer gz.Close()
		r = gz
	}
	h := &PFileHeader{}
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return nil, malformed("%s: short header: %v", filepath.Base(path), err)
	}
	if h.Revision < minPFileRevision || h.Revision > maxPFileRevision {
		return nil, malformed("%s: unsupported header revision %.3f", filepath.Base(path), h.Revision)
	}
	return h, nil
}

func (p *PFileParser) Parse(path string) (*Record, error) {
	h, err := ReadPFileHeader(path)
	if err != nil {
		return nil, err
	}
	return p.FromHeader(h)
}

func (p *PFileParser) FromHeader(h *PFileHeader) (*Record, error) {
	studyUID, err := UnpackUID(h.StudyUID[:])
	if err != nil || studyUID == "" {
		return nil, malformed("bad study uid: %v", err)
	}
	seriesUID, err := UnpackUID(h.SeriesUID[:])
	if err != nil || seriesUID == "" {
		return nil, malformed("bad series uid: %v", err)
	}

	rec := &Record{
		Filetype:           FiletypePFile,
		Priority:           pfilePriority,
		StudyUID:           studyUID,
		SeriesUID:          seriesUID,
		AcqNo:              int(h.AcqNo),
		ExamNo:             int(h.ExamNo),
		SeriesNo:           int(h.SeriesNo),
		PatientID:          cstring(h.PatientID[:]),
		Operator:           cstring(h.Operator[:]),
		Description:        cstring(h.Description[:]),
		Timestamp:          time.Unix(h.ScanStart, 0).In(p.loc),
		PSDName:            strings.ToLower(cstring(h.PSDName[:])),
		PrescribedDuration: time.Duration(h.Duration) * time.Microsecond,
	}
	rec.LastName, rec.FirstName = splitPersonName(cstring(h.PatientName[:]))
	if dob, ok := ParseDICOMDateTime(cstring(h.PatientDOB[:]), "", p.loc); ok {
		rec.DOB = &dob
	}
	rec.PSDType = psdType(rec.PSDName)

	g := &rec.Geometry
	g.TR = float64(h.TR)
	g.TE = float64(h.TE)
	g.TI = float64(h.TI)
	g.FlipAngle = float64(h.FlipAngle)
	g.SizeX = int(h.SizeX)
	g.SizeY = int(h.SizeY)
	g.FovX = float64(h.FovX)
	g.FovY = float64(h.FovY)
	if g.SizeX > 0 {
		g.MmX = round3(g.FovX / float64(g.SizeX))
	}
	if g.SizeY > 0 {
		g.MmY = round3(g.FovY / float64(g.SizeY))
	}
	g.MmZ = float64(h.SliceThickness)
	g.NumSlices = int(h.NumSlices)
	g.NumTimepoints = max(int(h.NumTimepoints), 1)
	g.NumCoils = int(h.NumCoils)
	g.NumDiffusionDirs = int(h.NumDiffusionDirs)
	g.Diffusion = g.NumDiffusionDirs > 0
	g.ScanType = scanType(rec.PSDType, rec.Description, g)
	return rec, nil
}

// NewPFileHeader builds a header for rec, used by fixtures and tools that
// synthesize raw files.
func NewPFileHeader(rec *Record) (*PFileHeader, error) {
	study, err := PackUID(rec.StudyUID)
	if err != nil {
		return nil, err
	}
	series, err := PackUID(rec.SeriesUID)
	if err != nil {
		return nil, err
	}
	h := &PFileHeader{
		Revision:         24,
		ExamNo:           uint16(rec.ExamNo),
		SeriesNo:         uint16(rec.SeriesNo),
		AcqNo:            uint16(rec.AcqNo),
		NumSlices:        uint16(rec.NumSlices),
		NumTimepoints:    uint16(rec.NumTimepoints),
		NumCoils:         uint16(rec.NumCoils),
		SizeX:            uint16(rec.SizeX),
		SizeY:            uint16(rec.SizeY),
		NumDiffusionDirs: uint16(rec.NumDiffusionDirs),
		ScanStart:        rec.Timestamp.Unix(),
		Duration:         uint32(rec.PrescribedDuration / time.Microsecond),
		TR:               float32(rec.TR),
		TE:               float32(rec.TE),
		TI:               float32(rec.TI),
		FlipAngle:        float32(rec.FlipAngle),
		FovX:             float32(rec.FovX),
		FovY:             float32(rec.FovY),
		SliceThickness:   float32(rec.MmZ),
	}
	copy(h.StudyUID[:], study)
	copy(h.SeriesUID[:], series)
	SetString(h.PatientID[:], rec.PatientID)
	SetString(h.PatientName[:], fmt.Sprintf("%s^%s", rec.LastName, rec.FirstName))
	if rec.DOB != nil {
		SetString(h.PatientDOB[:], rec.DOB.Format("20060102"))
	}
	SetString(h.Operator[:], rec.Operator)
	SetString(h.Description[:], rec.Description)
	SetString(h.PSDName[:], rec.PSDName)
	return h, nil
}
