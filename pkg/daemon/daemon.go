// Package daemon holds what every acquisition daemon shares: logging and
// config flags, the reaper flags, signal handling and the metrics listener.
package daemon

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/archive"
	"github.com/raids-lab/acqpipe/pkg/config"
	"github.com/raids-lab/acqpipe/pkg/logutils"
	"github.com/raids-lab/acqpipe/pkg/metrics"
	"github.com/raids-lab/acqpipe/pkg/peripheral"
	"github.com/raids-lab/acqpipe/pkg/reaper"
)

const (
	defaultSleep   = 30 * time.Second
	uploadTimeout  = 10 * time.Minute
	defaultTempDir = "/tmp"
)

// Options are the flags of every daemon.
type Options struct {
	Log         logutils.Options
	ConfigPath  string
	MetricsAddr string
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	fs.StringVar(&o.ConfigPath, "config", "", "pipeline config file, defaults to $"+config.EnvConfigPath)
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, overrides the config")
}

// Setup configures logging and loads the pipeline config.
func (o *Options) Setup() (*config.Config, error) {
	if err := logutils.Setup(&o.Log); err != nil {
		return nil, fmt.Errorf("daemon.Setup: %w", err)
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}
	return cfg, nil
}

// ReaperOptions are the flags both reapers share.
type ReaperOptions struct {
	ID          string
	Sleep       int
	TempDir     string
	StateDir    string
	Discard     string
	PatientGlob string
	Peripherals map[string]string
	URL         string
}

func (o *ReaperOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ID, "id", "", "reaper id used for the state file and staging trees, defaults to the host name")
	fs.IntVar(&o.Sleep, "sleeptime", int(defaultSleep/time.Second), "seconds between polls once the source is drained")
	fs.StringVar(&o.TempDir, "tempdir", defaultTempDir, "scratch directory for staging archives")
	fs.StringVar(&o.StateDir, "statedir", "", "directory of the reference time file, defaults to the binary's directory")
	fs.StringVar(&o.Discard, "discard", "", "space separated patient ids dropped without upload")
	fs.StringVar(&o.PatientGlob, "patid", "", "only reap patient ids matching this glob")
	fs.StringToStringVar(&o.Peripherals, "peripheral", nil, "peripheral kind=directory, repeatable")
	fs.StringVar(&o.URL, "url", "", "ingest url, overrides ingest.url of the config")
}

// Reaper turns the flags into reaper options.
func (o *ReaperOptions) Reaper() (reaper.Options, error) {
	if o.Sleep <= 0 {
		return reaper.Options{}, fmt.Errorf("--sleeptime must be positive, got %d", o.Sleep)
	}
	id := o.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = uuid.NewString()[:8]
		}
		id = host
	}
	if err := os.MkdirAll(o.TempDir, 0o755); err != nil {
		return reaper.Options{}, fmt.Errorf("--tempdir: %w", err)
	}
	return reaper.Options{
		ID:          id,
		TempDir:     o.TempDir,
		Sleep:       time.Duration(o.Sleep) * time.Second,
		PatientGlob: o.PatientGlob,
		Discard:     strings.Fields(o.Discard),
	}, nil
}

// RefTime is the reference time store of reaper id.
func (o *ReaperOptions) RefTime(id string, clk clock.Clock) *reaper.RefTime {
	dir := o.StateDir
	if dir == "" {
		dir = reaper.DefaultStateDir()
	}
	return reaper.NewRefTime(dir, id, clk)
}

// Correlators builds one correlator per configured peripheral kind, ordered
// by kind. Flags take precedence over the config.
func (o *ReaperOptions) Correlators(cfg *config.Config, clk clock.Clock) ([]peripheral.Correlator, error) {
	kinds := map[string]string{}
	for kind, dir := range cfg.Peripherals {
		kinds[kind] = dir
	}
	for kind, dir := range o.Peripherals {
		kinds[kind] = dir
	}
	var out []peripheral.Correlator
	for _, kind := range slices.Sorted(maps.Keys(kinds)) {
		c, err := peripheral.New(kind, kinds[kind], clk)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Publisher uploads to --url, or to ingest.url of the config.
func (o *ReaperOptions) Publisher(cfg *config.Config) (*archive.Publisher, error) {
	url := o.URL
	if url == "" {
		url = cfg.Ingest.URL
	}
	if url == "" {
		return nil, fmt.Errorf("no ingest url: set --url or ingest.url")
	}
	return archive.NewPublisher(o.TempDir, archive.NewHTTPUploader(url, uploadTimeout)), nil
}

// SignalContext is cancelled on SIGTERM or SIGINT. A second signal exits.
func SignalContext() context.Context {
	return signals.SetupSignalHandler()
}

// Run serves metrics next to run until ctx is done. A failing daemon raises
// an operator alert before its error is returned.
func Run(ctx context.Context, name string, cfg *config.Config, alerter alert.Alerter, run func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.MetricsAddr)
	})
	g.Go(func() error {
		if err := run(gctx); err != nil {
			if aerr := alerter.Alert(context.Background(), name+" stopped", err.Error()); aerr != nil {
				klog.Errorf("alert not delivered: %v", aerr)
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	err := g.Wait()
	klog.Infof("%s exiting", name)
	return err
}
