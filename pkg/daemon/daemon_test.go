package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/config"
)

func parse(t *testing.T, args ...string) *ReaperOptions {
	t.Helper()
	o := &ReaperOptions{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return o
}

func TestReaperFlags(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "staging")
	o := parse(t,
		"--id", "mr1",
		"--sleeptime", "5",
		"--tempdir", tmp,
		"--discard", "discard  phantom",
		"--patid", "lab01/*",
		"--peripheral", "physio=/var/physio",
	)
	opts, err := o.Reaper()
	require.NoError(t, err)
	assert.Equal(t, "mr1", opts.ID)
	assert.Equal(t, 5*time.Second, opts.Sleep)
	assert.Equal(t, tmp, opts.TempDir)
	assert.DirExists(t, tmp)
	assert.Equal(t, []string{"discard", "phantom"}, opts.Discard)
	assert.Equal(t, "lab01/*", opts.PatientGlob)
	assert.Equal(t, map[string]string{"physio": "/var/physio"}, o.Peripherals)
}

func TestReaperDefaults(t *testing.T) {
	o := parse(t, "--tempdir", t.TempDir())
	opts, err := o.Reaper()
	require.NoError(t, err)
	assert.NotEmpty(t, opts.ID)
	assert.Equal(t, defaultSleep, opts.Sleep)
	assert.Empty(t, opts.Discard)

	o = parse(t, "--sleeptime", "0")
	_, err = o.Reaper()
	assert.Error(t, err)
}

func TestCorrelatorsFlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Peripherals = map[string]string{"physio": "/from/config"}

	cs, err := parse(t).Correlators(cfg, clock.RealClock{})
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "physio", cs[0].Kind())

	_, err = parse(t, "--peripheral", "ecg=/x").Correlators(cfg, clock.RealClock{})
	assert.Error(t, err)
}

func TestCorrelatorsOrderedByKind(t *testing.T) {
	cfg := config.Default()
	cfg.Peripherals = map[string]string{"physio": "/from/config", "resp": "/r", "ecg": "/e"}
	for range 20 {
		_, err := parse(t, "--peripheral", "zz=/z,pulse=/p").Correlators(cfg, clock.RealClock{})
		assert.ErrorContains(t, err, `"ecg"`)
	}
}

func TestPublisherURL(t *testing.T) {
	cfg := config.Default()
	_, err := parse(t).Publisher(cfg)
	assert.Error(t, err)

	cfg.Ingest.URL = "http://ingest:8080/api/v1/upload"
	p, err := parse(t).Publisher(cfg)
	require.NoError(t, err)
	assert.NotNil(t, p.Uploader)

	p, err = parse(t, "--url", "http://other/upload").Publisher(config.Default())
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRefTimeStateDir(t *testing.T) {
	dir := t.TempDir()
	ref := parse(t, "--statedir", dir).RefTime("mr1", clock.RealClock{})
	assert.Equal(t, filepath.Join(dir, ".mr1.datetime"), ref.Path)
}

type recordingAlerter struct {
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	a.subjects = append(a.subjects, subject)
	return nil
}

func TestRunAlertsOnFailure(t *testing.T) {
	cfg := config.Default()
	a := &recordingAlerter{}
	boom := errors.New("boom")

	err := Run(context.Background(), "sorter", cfg, a, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"sorter stopped"}, a.subjects)
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.Default()
	a := &recordingAlerter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, "scheduler", cfg, a, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	assert.NoError(t, err)
	assert.Empty(t, a.subjects)
}

func TestOptionsSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stageDir: /data/stage\nmetricsAddr: \":9100\"\n"), 0o644))

	o := &Options{ConfigPath: path}
	cfg, err := o.Setup()
	require.NoError(t, err)
	assert.Equal(t, "/data/stage", cfg.StageDir)
	assert.Equal(t, ":9100", cfg.MetricsAddr)

	o.MetricsAddr = ":9200"
	cfg, err = o.Setup()
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.MetricsAddr)
}
