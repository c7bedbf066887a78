package logutils

import (
	"flag"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// Options are the logging flags every daemon shares.
type Options struct {
	LogFile string
	Level   int
	Quiet   bool
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.LogFile, "logfile", "", "write logs to this file instead of stderr")
	fs.IntVar(&o.Level, "loglevel", 0, "log verbosity (klog -v)")
	fs.BoolVar(&o.Quiet, "quiet", false, "only print errors to stderr")
}

// Setup configures klog from the options. It must run before any goroutine logs.
func Setup(o *Options) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	settings := map[string]string{
		"v": strconv.Itoa(o.Level),
	}
	if o.LogFile != "" {
		settings["logtostderr"] = "false"
		settings["alsologtostderr"] = "false"
		settings["log_file"] = o.LogFile
	}
	if o.Quiet {
		settings["stderrthreshold"] = "ERROR"
		if o.LogFile == "" {
			// stderrthreshold only applies when logtostderr is off
			settings["logtostderr"] = "false"
			settings["log_file"] = "/dev/null"
		}
	}
	for k, v := range settings {
		if err := fs.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Logger returns a named structured logger backed by klog.
func Logger(name string) logr.Logger {
	return klog.NewKlogr().WithName(name)
}
