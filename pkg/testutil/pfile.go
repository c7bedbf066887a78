package testutil

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/raids-lab/acqpipe/pkg/parser"
)

// WritePFile writes a raw file for rec followed by payload filler bytes and
// sets its mtime to mtime.
func WritePFile(t testing.TB, path string, rec *parser.Record, payload int, mtime time.Time) {
	t.Helper()
	h, err := parser.NewPFileHeader(rec)
	if err != nil {
		t.Fatalf("pfile header: %v", err)
	}
	var buf bytes.Buffer
	if err := h.Encode(&buf); err != nil {
		t.Fatalf("pfile header: %v", err)
	}
	buf.Write(bytes.Repeat([]byte{0xAB}, payload))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write pfile: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}
