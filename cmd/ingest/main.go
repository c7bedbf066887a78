// Command ingest serves the archive upload endpoint that fills the stage
// directory.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/raids-lab/acqpipe/dao/query"
	"github.com/raids-lab/acqpipe/internal"
	"github.com/raids-lab/acqpipe/internal/handler"
	"github.com/raids-lab/acqpipe/pkg/alert"
	"github.com/raids-lab/acqpipe/pkg/config"
	"github.com/raids-lab/acqpipe/pkg/daemon"
	"github.com/raids-lab/acqpipe/pkg/ingest"
)

var (
	readHeaderTimeout = 10 * time.Second
	cancelTimeout     = 10 * time.Second
)

func main() {
	if err := newCommand().Execute(); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &daemon.Options{}
	var withJobs bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Accept archive uploads into the stage directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.Setup()
			if err != nil {
				return err
			}
			stager, err := ingest.NewStager(cfg.StageDir)
			if err != nil {
				return err
			}
			var db *gorm.DB
			if withJobs {
				// uploads keep flowing without the store, only the job listing is lost
				if db, err = query.Open(cfg); err != nil {
					klog.Errorf("job listing disabled: %v", err)
					db = nil
				}
			}
			engine := internal.Register(&handler.RegisterConfig{Config: cfg, DB: db, Stager: stager})
			cmd.SilenceUsage = true
			return daemon.Run(daemon.SignalContext(), "ingest", cfg, alert.New(&cfg.Alert.SMTP),
				func(ctx context.Context) error { return serve(ctx, cfg, engine) })
		},
	}
	opts.AddFlags(cmd.Flags())
	cmd.Flags().BoolVar(&withJobs, "jobs", true, "connect to the store and serve the job listing")
	return cmd
}

// serve runs the HTTP server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Ingest.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("ingest listening on %s, archives under %s", cfg.Ingest.ServerAddr, cfg.Ingest.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	klog.Info("Shutdown Gin Server ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Info("Gin Server Shutdown:", err)
	}
	klog.Info("Gin Server exiting")
	return nil
}
