// Command pfilereaper uploads raw scanner files from a directory once they
// stop growing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/daemon"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/reaper"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &daemon.Options{}
	ropts := &daemon.ReaperOptions{}
	var pattern string

	cmd := &cobra.Command{
		Use:   "pfilereaper DIR",
		Short: "Reap raw files from a scanner directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Setup()
			if err != nil {
				return err
			}
			if info, err := os.Stat(args[0]); err != nil || !info.IsDir() {
				return fmt.Errorf("source %s is not a directory", args[0])
			}
			rOpts, err := ropts.Reaper()
			if err != nil {
				return err
			}
			clk := clock.RealClock{}
			correlators, err := ropts.Correlators(cfg, clk)
			if err != nil {
				return err
			}
			publisher, err := ropts.Publisher(cfg)
			if err != nil {
				return err
			}

			r := reaper.NewPFileReaper(
				rOpts,
				args[0],
				parser.NewRegistry(parser.NewPFileParser()),
				correlators,
				publisher,
				ropts.RefTime(rOpts.ID, clk),
				clk,
			)
			r.Pattern = pattern
			klog.Infof("pfilereaper %s watching %s/%s", rOpts.ID, args[0], pattern)
			cmd.SilenceUsage = true
			return daemon.Run(daemon.SignalContext(), "pfilereaper", cfg, alert.New(&cfg.Alert.SMTP), r.Run)
		},
	}
	opts.AddFlags(cmd.Flags())
	ropts.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&pattern, "pattern", parser.PFileGlob, "glob of the raw files to reap")
	return cmd
}
