package testutil

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"
)

// DICOMSpec describes the header of a synthetic MR image.
type DICOMSpec struct {
	StudyUID            string
	SeriesUID           string
	SOPInstanceUID      string
	PatientID           string
	PatientName         string
	StudyID             string
	SeriesNumber        int
	AcquisitionNumber   int // written only when > 0
	InstanceNumber      int
	ImagesInAcquisition int
	AcquisitionTime     time.Time
	PSDName             string
	DurationMicros      float64
	Description         string
}

type element struct {
	group, elem uint16
	vr          string
	value       []byte
}

func (e element) encode(buf *bytes.Buffer) {
	_ = binary.Write(buf, binary.LittleEndian, e.group)
	_ = binary.Write(buf, binary.LittleEndian, e.elem)
	buf.WriteString(e.vr)
	switch e.vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(e.value)))
	default:
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(e.value)))
	}
	buf.Write(e.value)
}

func text(s string) []byte {
	if len(s)%2 == 1 {
		s += " "
	}
	return []byte(s)
}

func uid(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func fl(f float64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
	return b
}

func us(n int) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(n))
	return b
}

// EncodeDICOM renders spec as an explicit VR little endian Part 10 file.
func EncodeDICOM(spec DICOMSpec) []byte {
	const (
		mrImageStorage       = "1.2.840.10008.5.1.4.1.1.4"
		explicitLittleEndian = "1.2.840.10008.1.2.1"
	)
	sop := spec.SOPInstanceUID
	if sop == "" {
		sop = spec.SeriesUID + "." + strconv.Itoa(spec.InstanceNumber)
	}

	var meta bytes.Buffer
	for _, e := range []element{
		{0x0002, 0x0001, "OB", []byte{0, 1}},
		{0x0002, 0x0002, "UI", uid(mrImageStorage)},
		{0x0002, 0x0003, "UI", uid(sop)},
		{0x0002, 0x0010, "UI", uid(explicitLittleEndian)},
	} {
		e.encode(&meta)
	}

	ts := spec.AcquisitionTime
	elems := []element{
		{0x0008, 0x0016, "UI", uid(mrImageStorage)},
		{0x0008, 0x0018, "UI", uid(sop)},
		{0x0008, 0x0020, "DA", text(ts.Format("20060102"))},
		{0x0008, 0x0022, "DA", text(ts.Format("20060102"))},
		{0x0008, 0x0030, "TM", text(ts.Format("150405"))},
		{0x0008, 0x0032, "TM", text(ts.Format("150405"))},
		{0x0008, 0x0060, "CS", text("MR")},
		{0x0008, 0x103E, "LO", text(spec.Description)},
		{0x0010, 0x0010, "PN", text(spec.PatientName)},
		{0x0010, 0x0020, "LO", text(spec.PatientID)},
		{0x0018, 0x0080, "DS", text("2000")},
		{0x0018, 0x0081, "DS", text("30")},
		{0x0018, 0x1314, "DS", text("77")},
		{0x0019, 0x0010, "LO", text("GEMS_ACQU_01")},
		{0x0020, 0x000D, "UI", uid(spec.StudyUID)},
		{0x0020, 0x000E, "UI", uid(spec.SeriesUID)},
		{0x0020, 0x0010, "SH", text(spec.StudyID)},
		{0x0020, 0x0011, "IS", text(strconv.Itoa(spec.SeriesNumber))},
		{0x0020, 0x0013, "IS", text(strconv.Itoa(spec.InstanceNumber))},
		{0x0028, 0x0010, "US", us(64)},
		{0x0028, 0x0011, "US", us(64)},
		{0x0028, 0x0030, "DS", text("3.4375\\3.4375")},
	}
	if spec.AcquisitionNumber > 0 {
		elems = append(elems, element{0x0020, 0x0012, "IS", text(strconv.Itoa(spec.AcquisitionNumber))})
	}
	if spec.ImagesInAcquisition > 0 {
		elems = append(elems, element{0x0020, 0x1002, "IS", text(strconv.Itoa(spec.ImagesInAcquisition))})
	}
	if spec.DurationMicros > 0 {
		elems = append(elems, element{0x0019, 0x105A, "FL", fl(spec.DurationMicros)})
	}
	if spec.PSDName != "" {
		elems = append(elems, element{0x0019, 0x109C, "LO", text(spec.PSDName)})
	}
	sort.Slice(elems, func(i, j int) bool {
		if elems[i].group != elems[j].group {
			return elems[i].group < elems[j].group
		}
		return elems[i].elem < elems[j].elem
	})

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	element{0x0002, 0x0000, "UL", binary.LittleEndian.AppendUint32(nil, uint32(meta.Len()))}.encode(&out)
	out.Write(meta.Bytes())
	for _, e := range elems {
		e.encode(&out)
	}
	return out.Bytes()
}

// WriteDICOM writes spec to path, creating parent directories.
func WriteDICOM(t testing.TB, path string, spec DICOMSpec) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, EncodeDICOM(spec), 0o644); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
}

// WriteSeries writes n images of one acquisition into dir as <instance>.dcm
// and returns their paths.
func WriteSeries(t testing.TB, dir string, spec DICOMSpec, n int) []string {
	t.Helper()
	paths := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		s := spec
		s.InstanceNumber = i
		s.SOPInstanceUID = ""
		p := filepath.Join(dir, strconv.Itoa(i)+".dcm")
		WriteDICOM(t, p, s)
		paths = append(paths, p)
	}
	return paths
}
