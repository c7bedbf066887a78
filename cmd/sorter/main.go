// Command sorter files staged archives into the hierarchy store.
package main

import (
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/dao/query"
	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/daemon"
	"github.com/raids-lab/acqpipe/pkg/db/hierarchy"
	"github.com/raids-lab/acqpipe/pkg/parser"
	"github.com/raids-lab/acqpipe/pkg/sorter"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &daemon.Options{}
	var sleep int

	cmd := &cobra.Command{
		Use:   "sorter",
		Short: "Sort staged archives into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.Setup()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StageDir, 0o755); err != nil {
				return err
			}
			db, err := query.Open(cfg)
			if err != nil {
				return err
			}
			alerter := alert.New(&cfg.Alert.SMTP)
			s := sorter.New(
				sorter.Options{
					StageDir:      cfg.StageDir,
					StoreRoot:     cfg.StoreRoot,
					QuarantineDir: cfg.QuarantineDir,
					Peripherals:   lo.Keys(cfg.Peripherals),
					Sleep:         time.Duration(sleep) * time.Second,
				},
				db,
				parser.NewRegistry(parser.NewDICOMParser(), parser.NewPFileParser()),
				hierarchy.NewDBService(db, cfg.KnownGroups),
				alerter,
				clock.RealClock{},
			)
			cmd.SilenceUsage = true
			return daemon.Run(daemon.SignalContext(), "sorter", cfg, alerter, s.Run)
		},
	}
	opts.AddFlags(cmd.Flags())
	cmd.Flags().IntVar(&sleep, "sleeptime", 30, "seconds between sweeps of an idle stage directory")
	return cmd
}
