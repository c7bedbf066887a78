package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raids-lab/acqpipe/pkg/config"
)

func TestExecProcessor(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(input, "a"), []byte("data"), 0o644))

	p := NewExecProcessor(config.ProcessorConfig{
		Command:  []string{"sh", "-c", "cp {input}/a {output}/b"},
		Filetype: "nifti",
	})
	assert.Equal(t, "nifti", p.OutputType())
	require.NoError(t, p.Process(context.Background(), input, output))
	got, err := os.ReadFile(filepath.Join(output, "b"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestExecProcessorErrors(t *testing.T) {
	cases := map[string]struct {
		command []string
		timeout time.Duration
		want    error
		msg     string
	}{
		"failure": {command: []string{"sh", "-c", "echo starting; echo boom >&2; exit 2"}, want: ErrJobFailure, msg: "boom"},
		"abort":   {command: []string{"sh", "-c", "echo too much motion; exit 99"}, want: ErrJobAborted, msg: "too much motion"},
		"timeout": {command: []string{"sleep", "5"}, timeout: 50 * time.Millisecond, want: ErrJobAborted, msg: "exceeded"},
		"missing": {command: []string{"/nonexistent/processor"}, want: ErrJobFailure},
		"empty":   {want: ErrJobFailure, msg: "no command"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewExecProcessor(config.ProcessorConfig{
				Command: tc.command,
				Timeout: metav1.Duration{Duration: tc.timeout},
			})
			err := p.Process(context.Background(), t.TempDir(), t.TempDir())
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestNewProcessors(t *testing.T) {
	procs := NewProcessors(map[string]config.ProcessorConfig{
		"dicom": {Command: []string{"dcm2niix", "-o", "{output}", "{input}"}, Filetype: "nifti"},
	})
	require.Contains(t, procs, "dicom")
	assert.Equal(t, "nifti", procs["dicom"].OutputType())
}
