// Package dicomnet queries and retrieves studies from a DICOM source as a
// service class user.
package dicomnet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrRemoteQuery wraps any failure talking to the DICOM source.
var ErrRemoteQuery = errors.New("remote query error")

// QueryLevel is the C-FIND query/retrieve level.
type QueryLevel string

const (
	QueryLevelStudy  QueryLevel = "STUDY"
	QueryLevelSeries QueryLevel = "SERIES"
)

// Study is one C-FIND study-level response.
type Study struct {
	UID       string
	ExamNo    int
	PatientID string
	Timestamp time.Time
}

// Series is one C-FIND series-level response.
type Series struct {
	UID    string
	Number int
	// Images is the image count the source currently reports.
	Images int
}

// Client is the SCU side of a DICOM source.
type Client interface {
	// FindStudies lists studies on or after the date of since whose patient
	// id matches the DICOM wildcard patientGlob ("" matches all).
	FindStudies(ctx context.Context, since time.Time, patientGlob string) ([]Study, error)
	// FindSeries lists the series of one study.
	FindSeries(ctx context.Context, studyUID string) ([]Series, error)
	// Move retrieves every image of a series into dest and returns the number
	// of files received.
	Move(ctx context.Context, studyUID, seriesUID, dest string) (int, error)
}

// AE addresses the remote application entity and the local store target.
type AE struct {
	Host       string
	Port       int
	ReturnPort int
	CallerAET  string
	CalleeAET  string
}

// ParseAE reads "host:port:return_port" plus the two AE titles.
func ParseAE(addr, caller, callee string) (AE, error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 3 {
		return AE{}, fmt.Errorf("dicom source %q: want host:port:return_port", addr)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 {
		return AE{}, fmt.Errorf("dicom source %q: bad port", addr)
	}
	ret, err := strconv.Atoi(parts[2])
	if err != nil || ret <= 0 {
		return AE{}, fmt.Errorf("dicom source %q: bad return port", addr)
	}
	if parts[0] == "" || caller == "" || callee == "" {
		return AE{}, fmt.Errorf("dicom source %q: host and both AE titles are required", addr)
	}
	return AE{Host: parts[0], Port: port, ReturnPort: ret, CallerAET: caller, CalleeAET: callee}, nil
}

func (ae AE) String() string {
	return fmt.Sprintf("%s@%s:%d", ae.CalleeAET, ae.Host, ae.Port)
}
