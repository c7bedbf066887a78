package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/raids-lab/acqpipe/pkg/config"
)

var (
	// ErrJobFailure means the processor ran and reported an error; the job
	// becomes failed and may be rerun when its data changes.
	ErrJobFailure = errors.New("job failed")
	// ErrJobAborted means the processor gave up on the data; the job becomes
	// abandoned and is never retried automatically.
	ErrJobAborted = errors.New("job aborted")
)

// AbortExitCode is the exit status a processor command uses to abort a job.
const AbortExitCode = 99

// Processor turns the primary dataset directory input into files written
// to output.
type Processor interface {
	// OutputType is the filetype of the derived dataset the outputs form.
	OutputType() string
	Process(ctx context.Context, input, output string) error
}

// ExecProcessor runs an external command. "{input}" and "{output}" in its
// arguments are replaced by the directories of the call.
type ExecProcessor struct {
	Command  []string
	Filetype string
	Timeout  time.Duration
}

func NewExecProcessor(cfg config.ProcessorConfig) *ExecProcessor {
	return &ExecProcessor{Command: cfg.Command, Filetype: cfg.Filetype, Timeout: cfg.Timeout.Duration}
}

// NewProcessors builds the processors of the configuration.
func NewProcessors(cfgs map[string]config.ProcessorConfig) map[string]Processor {
	return lo.MapValues(cfgs, func(cfg config.ProcessorConfig, _ string) Processor {
		return NewExecProcessor(cfg)
	})
}

func (p *ExecProcessor) OutputType() string { return p.Filetype }

// Process fails with ErrJobAborted when the command exits with
// AbortExitCode or outlives Timeout, and with ErrJobFailure on any other
// unsuccessful exit.
func (p *ExecProcessor) Process(ctx context.Context, input, output string) error {
	if len(p.Command) == 0 {
		return fmt.Errorf("%w: no command", ErrJobFailure)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	r := strings.NewReplacer("{input}", input, "{output}", output)
	args := lo.Map(p.Command, func(a string, _ int) string { return r.Replace(a) })

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded %s", ErrJobAborted, args[0], p.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == AbortExitCode {
		return fmt.Errorf("%w: %s: %s", ErrJobAborted, args[0], lastLine(out.String()))
	}
	return fmt.Errorf("%w: %s: %v: %s", ErrJobFailure, args[0], err, lastLine(out.String()))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
