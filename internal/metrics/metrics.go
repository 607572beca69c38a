// Package metrics keeps run gauges in a private registry and writes them in the
// Prometheus text format for the node_exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/polarfoxDev/anchor/internal/model"
)

// Recorder holds the gauges of the most recent invocation
type Recorder struct {
	path     string
	registry *prometheus.Registry

	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge
	duration      prometheus.Gauge
	uploadedBytes prometheus.Gauge
	backups       prometheus.Gauge
	nextFullIn    prometheus.Gauge
	status        *prometheus.GaugeVec
	runsTotal     *prometheus.CounterVec
}

// New creates a recorder writing to path; an empty path keeps metrics in memory only
func New(path string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		path:     path,
		registry: reg,
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_last_run_timestamp_seconds",
			Help: "Unix time the last backup invocation finished",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_last_success_timestamp_seconds",
			Help: "Unix time of the last successful backup",
		}),
		duration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_last_run_duration_seconds",
			Help: "Duration of the last backup invocation",
		}),
		uploadedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_last_run_uploaded_bytes",
			Help: "Bytes uploaded to the remote store by the last run",
		}),
		backups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_backups",
			Help: "Backup directories present before the last run",
		}),
		nextFullIn: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_next_full_backup_in_runs",
			Help: "Runs left until the next full backup",
		}),
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anchor_last_run_status",
			Help: "1 for the status of the last run, 0 for the others",
		}, []string{"status"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anchor_runs_total",
			Help: "Backup invocations by status and kind since the process started",
		}, []string{"status", "kind"}),
	}
}

// Restore seeds the last-success gauges from the newest successful run on record.
// Every invocation starts with an empty registry, so without this a failed or skipped
// run would write them as zero.
func (r *Recorder) Restore(last *model.RunRecord) {
	if last == nil {
		return
	}
	at := last.StartedAt
	if last.CompletedAt != nil {
		at = *last.CompletedAt
	}
	r.lastSuccess.Set(float64(at.Unix()))
	r.uploadedBytes.Set(float64(last.BytesUploaded))
}

// ObservePlan records what the run found before it started
func (r *Recorder) ObservePlan(run model.BackupRun) {
	r.backups.Set(float64(run.ExistingBackups))
	r.nextFullIn.Set(float64(run.NextFullIn))
}

// ObserveFinish records the outcome of an invocation
func (r *Recorder) ObserveFinish(status model.RunStatus, kind model.Kind, started, finished time.Time, uploaded int64) {
	r.lastRun.Set(float64(finished.Unix()))
	r.duration.Set(finished.Sub(started).Seconds())
	for _, s := range []model.RunStatus{model.StatusSuccess, model.StatusFailed, model.StatusSkipped} {
		v := 0.0
		if s == status {
			v = 1
		}
		r.status.WithLabelValues(string(s)).Set(v)
	}
	if status == model.StatusSuccess {
		r.lastSuccess.Set(float64(finished.Unix()))
		r.uploadedBytes.Set(float64(uploaded))
	}
	r.runsTotal.WithLabelValues(string(status), string(kind)).Inc()
}

// Flush writes the textfile atomically; a no-op without a path
func (r *Recorder) Flush() error {
	if r.path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(r.path, r.registry)
}

// Gatherer exposes the registry, e.g. for an HTTP handler
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
