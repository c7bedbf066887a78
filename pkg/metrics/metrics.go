// Package metrics holds the prometheus collectors shared by the daemons.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const namespace = "acqpipe"

var (
	// reapers
	ArchivesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "archives_uploaded_total",
		Help: "Archives accepted by the ingest endpoint",
	})
	ArchivesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "archives_failed_total",
		Help: "Archives whose upload failed after all retries",
	})
	SeriesReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "series_reaped_total",
		Help: "Series or raw files drained from a source",
	}, []string{"reaper"})
	IncompleteTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "incomplete_transfers_total",
		Help: "Moves that delivered fewer images than expected",
	})
	ReaperTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reaper_tick_errors_total",
		Help: "Reaper ticks that ended with a recoverable error",
	}, []string{"reaper"})

	// ingest
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ingest_requests_total",
		Help: "Archive PUTs by result",
	}, []string{"result"})

	// sorter
	ItemsSorted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "items_sorted_total",
		Help: "Stage items consumed by the sorter by result",
	}, []string{"result"})
	FilesQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "files_quarantined_total",
		Help: "Unparseable files moved to quarantine",
	})

	// scheduler
	ContainersScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "containers_scheduled_total",
		Help: "Dirty containers claimed after cool-down",
	})
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_created_total",
		Help: "Jobs created for changed primary datasets",
	})
	JobsRerun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_rerun_total",
		Help: "Jobs flagged for rerun after a digest change",
	})
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_finished_total",
		Help: "Jobs leaving the running state by final status",
	}, []string{"status"})
)

const readHeaderTimeout = 10 * time.Second

// Serve exposes /metrics on addr until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string) error {
	if addr == "" || addr == "0" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Info("metrics server shutdown: ", err)
		}
	}()
	klog.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
