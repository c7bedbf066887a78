// Package parser turns acquisition files into Records.
//
// Parsers are an explicit list registered at startup and tried in descending
// priority. The first parser that accepts a path and parses it without error
// wins.
package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var (
	// ErrUnparseable means no parser accepts the path.
	ErrUnparseable = errors.New("unparseable input")
	// ErrMalformed means a parser accepted the path but the content is truncated or corrupt.
	ErrMalformed = errors.New("malformed input")
)

// Geometry is the acquisition prescription carried on an epoch.
type Geometry struct {
	TR               float64 // ms
	TE               float64 // ms
	TI               float64 // ms
	FlipAngle        float64 // degrees
	SizeX            int
	SizeY            int
	MmX              float64
	MmY              float64
	MmZ              float64
	FovX             float64
	FovY             float64
	NumSlices        int
	NumTimepoints    int
	NumCoils         int
	ScanType         string
	Diffusion        bool
	NumDiffusionDirs int
}

// Record is the abstract description of one acquisition file.
type Record struct {
	Filetype string
	Priority int

	StudyUID  string
	SeriesUID string
	AcqNo     int
	ExamNo    int
	SeriesNo  int

	PatientID string
	FirstName string
	LastName  string
	DOB       *time.Time

	Timestamp          time.Time
	PSDName            string
	PSDType            string
	PrescribedDuration time.Duration
	Operator           string
	Description        string

	// ImagesInAcquisition is the number of files expected for the acquisition, 0 if unknown.
	ImagesInAcquisition int

	Geometry
}

// SessionKey is the packed study UID.
func (r *Record) SessionKey() ([]byte, error) {
	return PackUID(r.StudyUID)
}

// EpochKey is the packed series UID plus acquisition number.
func (r *Record) EpochKey() ([]byte, int, error) {
	uid, err := PackUID(r.SeriesUID)
	if err != nil {
		return nil, 0, err
	}
	return uid, r.AcqNo, nil
}

// End is the nominal end of the acquisition, timestamp plus prescribed duration.
func (r *Record) End() time.Time {
	return r.Timestamp.Add(r.PrescribedDuration)
}

// Parser recognizes and decodes one kind of acquisition file.
type Parser interface {
	Name() string
	Priority() int
	Accepts(path string) bool
	Parse(path string) (*Record, error)
}

type Registry struct {
	parsers []Parser
}

// NewRegistry returns a registry holding parsers sorted by descending priority.
// Parsers of equal priority keep their registration order.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry holds every built-in parser.
func DefaultRegistry() *Registry {
	return NewRegistry(NewDICOMParser(), NewPFileParser())
}

func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
	slices.SortStableFunc(r.parsers, func(a, b Parser) int {
		return b.Priority() - a.Priority()
	})
}

// Parsers returns the registered parsers in dispatch order.
func (r *Registry) Parsers() []Parser {
	return slices.Clone(r.parsers)
}

// Parse dispatches path to the registered parsers.
func (r *Registry) Parse(path string) (*Record, error) {
	var failures []string
	for _, p := range r.parsers {
		if !p.Accepts(path) {
			continue
		}
		rec, err := p.Parse(path)
		if err == nil {
			return rec, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformed, filepath.Base(path), strings.Join(failures, "; "))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnparseable, filepath.Base(path))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// psdType classifies a pulse sequence name.
func psdType(psd string) string {
	name := strings.ToLower(psd)
	switch {
	case strings.Contains(name, "sprl") || strings.Contains(name, "spiral"):
		return "spiral"
	case strings.Contains(name, "mux") || strings.Contains(name, "epi"):
		return "epi"
	case strings.Contains(name, "fse"):
		return "fse"
	case strings.Contains(name, "fgre"), strings.Contains(name, "spgr"), strings.Contains(name, "bravo"):
		return "gre"
	case strings.Contains(name, "3plane"), strings.Contains(name, "loc"):
		return "localizer"
	case name == "":
		return "unknown"
	default:
		return "other"
	}
}

// scanType derives the epoch scan-type tag from the sequence and geometry.
func scanType(kind, description string, g *Geometry) string {
	desc := strings.ToLower(description)
	switch {
	case kind == "localizer" || strings.Contains(desc, "loc"):
		return "localizer"
	case g.Diffusion || strings.Contains(desc, "dti") || strings.Contains(desc, "dwi"):
		return "diffusion"
	case (kind == "epi" || kind == "spiral") && g.NumTimepoints > 1:
		return "functional"
	case strings.Contains(desc, "fieldmap") || strings.Contains(desc, "b0map"):
		return "fieldmap"
	case strings.Contains(desc, "shim"):
		return "shim"
	default:
		return "anatomy"
	}
}
