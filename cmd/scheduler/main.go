// Command scheduler turns changed containers into jobs and runs them.
package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/dao/query"
	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/daemon"
	"github.com/raids-lab/acqpipe/pkg/db/job"
	"github.com/raids-lab/acqpipe/pkg/scheduler"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &daemon.Options{}

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Schedule jobs for changed acquisitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.Setup()
			if err != nil {
				return err
			}
			db, err := query.Open(cfg)
			if err != nil {
				return err
			}
			id := cfg.Scheduler.ID
			if id == "" {
				// without a stable id running jobs of a crashed run are not recovered
				id = "scheduler-" + uuid.NewString()[:8]
				klog.Warningf("scheduler.id not set, using %s", id)
			}
			clk := clock.RealClock{}
			alerter := alert.New(&cfg.Alert.SMTP)
			s := scheduler.New(
				scheduler.Options{
					ID:           id,
					StoreRoot:    cfg.StoreRoot,
					CoolDown:     cfg.Scheduler.CoolDown.Duration,
					TickInterval: cfg.Scheduler.TickInterval.Duration,
					Workers:      cfg.Scheduler.Workers,
					Processors:   scheduler.NewProcessors(cfg.Scheduler.Processors),
				},
				db,
				job.NewDBService(db, clk),
				alerter,
				clk,
			)
			cmd.SilenceUsage = true
			return daemon.Run(daemon.SignalContext(), "scheduler", cfg, alerter, s.Run)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}
