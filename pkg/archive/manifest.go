package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raids-lab/acqpipe/pkg/parser"
)

const (
	MetadataFile = "METADATA.json"
	DigestFile   = "DIGEST.txt"
)

// ErrIntegrity reports content that does not match its declared hash.
var ErrIntegrity = errors.New("integrity check failed")

// Metadata is the acquisition identity recorded in METADATA.json.
type Metadata struct {
	Filetype           string    `json:"filetype"`
	StudyUID           string    `json:"study_uid"`
	SeriesUID          string    `json:"series_uid"`
	AcqNo              int       `json:"acquisition"`
	ExamNo             int       `json:"exam"`
	SeriesNo           int       `json:"series"`
	PatientID          string    `json:"patient_id"`
	Timestamp          time.Time `json:"timestamp"`
	PrescribedDuration float64   `json:"prescribed_duration_s"`
	PSDName            string    `json:"psd,omitempty"`
	Reaper             string    `json:"reaper"`
	Peripherals        []string  `json:"peripherals,omitempty"`
}

func MetadataFromRecord(rec *parser.Record, reaperID string) Metadata {
	return Metadata{
		Filetype:           rec.Filetype,
		StudyUID:           rec.StudyUID,
		SeriesUID:          rec.SeriesUID,
		AcqNo:              rec.AcqNo,
		ExamNo:             rec.ExamNo,
		SeriesNo:           rec.SeriesNo,
		PatientID:          rec.PatientID,
		Timestamp:          rec.Timestamp,
		PrescribedDuration: rec.PrescribedDuration.Seconds(),
		PSDName:            rec.PSDName,
		Reaper:             reaperID,
	}
}

// IsManifest reports whether name is one of the manifest files.
func IsManifest(name string) bool {
	return name == MetadataFile || name == DigestFile
}

// WriteManifest writes METADATA.json and a DIGEST.txt listing the SHA-1 of
// every other file below dir.
func WriteManifest(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644); err != nil {
		return err
	}

	sums, err := hashTree(dir)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, rel := range sortedKeys(sums) {
		fmt.Fprintf(&b, "%s  %s\n", sums[rel], rel)
	}
	return os.WriteFile(filepath.Join(dir, DigestFile), []byte(b.String()), 0o644)
}

// ReadMetadata loads METADATA.json from dir.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIntegrity, MetadataFile, err)
	}
	return meta, nil
}

// VerifyManifest checks dir against its DIGEST.txt. A directory without a
// manifest verifies trivially; a listed file that is missing or differs, or
// an unlisted file, fails with ErrIntegrity.
func VerifyManifest(dir string) error {
	f, err := os.Open(filepath.Join(dir, DigestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	want := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sum, rel, ok := strings.Cut(line, "  ")
		if !ok {
			return fmt.Errorf("%w: bad %s line %q", ErrIntegrity, DigestFile, line)
		}
		want[rel] = sum
	}
	if err := sc.Err(); err != nil {
		return err
	}

	got, err := hashTree(dir)
	if err != nil {
		return err
	}
	for rel, sum := range want {
		if got[rel] != sum {
			return fmt.Errorf("%w: %s", ErrIntegrity, rel)
		}
	}
	for rel := range got {
		if _, ok := want[rel]; !ok {
			return fmt.Errorf("%w: unlisted file %s", ErrIntegrity, rel)
		}
	}
	return nil
}

func hashTree(dir string) (map[string]string, error) {
	sums := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if IsManifest(rel) {
			return nil
		}
		sum, err := FileSHA1(path)
		if err != nil {
			return err
		}
		sums[rel] = sum
		return nil
	})
	return sums, err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
