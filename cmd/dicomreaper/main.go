// Command dicomreaper drains finished series from a DICOM source and uploads
// one archive per acquisition to the ingest endpoint.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/daemon"
	"github.com/raids-lab/acqpipe/pkg/dicomnet"
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
	var dcmtkDir string

	cmd := &cobra.Command{
		Use:   "dicomreaper HOST:PORT:RETURN_PORT CALLER_AET CALLEE_AET",
		Short: "Reap stable series from a DICOM source",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Setup()
			if err != nil {
				return err
			}
			ae, err := dicomnet.ParseAE(args[0], args[1], args[2])
			if err != nil {
				return err
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

			client := dicomnet.NewDCMTKClient(ae)
			client.BinDir = dcmtkDir
			client.ScratchDir = rOpts.TempDir
			r := reaper.NewDICOMReaper(
				rOpts,
				client,
				parser.NewRegistry(parser.NewDICOMParser()),
				correlators,
				publisher,
				ropts.RefTime(rOpts.ID, clk),
				clk,
			)
			klog.Infof("dicomreaper %s watching %s", rOpts.ID, ae)
			cmd.SilenceUsage = true
			return daemon.Run(daemon.SignalContext(), "dicomreaper", cfg, alert.New(&cfg.Alert.SMTP), r.Run)
		},
	}
	opts.AddFlags(cmd.Flags())
	ropts.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&dcmtkDir, "dcmtk", "", "directory of findscu and movescu, defaults to $PATH")
	return cmd
}
