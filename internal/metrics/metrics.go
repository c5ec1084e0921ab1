// Package metrics exports job metrics through the node exporter textfile collector.
// Jobs are short-lived processes, so every job rewrites its own textfile at exit.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	registry *prometheus.Registry

	lastRun     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	changed     *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
	diskUsage   *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpull_last_run_timestamp_seconds",
				Help: "Unix time at which the job last finished, by outcome",
			},
			[]string{"job", "outcome"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpull_last_success_timestamp_seconds",
				Help: "Unix time of the job's last successful run",
			},
			[]string{"job"},
		),
		changed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpull_changed_resources",
				Help: "Number of changes applied by the last run",
			},
			[]string{"job"},
		),
		duration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpull_run_duration_seconds",
				Help: "Duration of the last run",
			},
			[]string{"job"},
		),
		diskUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpull_disk_usage_ratio",
				Help: "Used fraction of the monitored volume",
			},
			[]string{"path"},
		),
	}
	r.registry.MustRegister(r.lastRun, r.lastSuccess, r.changed, r.duration, r.diskUsage)
	return r
}

// Run describes a finished job for ObserveRun.
type Run struct {
	Job         string
	Outcome     string
	Changed     int
	Duration    time.Duration
	Finished    time.Time
	LastSuccess time.Time // zero when the job never succeeded
}

func (r *Recorder) ObserveRun(run Run) {
	r.lastRun.WithLabelValues(run.Job, run.Outcome).Set(float64(run.Finished.Unix()))
	r.changed.WithLabelValues(run.Job).Set(float64(run.Changed))
	r.duration.WithLabelValues(run.Job).Set(run.Duration.Seconds())
	if !run.LastSuccess.IsZero() {
		r.lastSuccess.WithLabelValues(run.Job).Set(float64(run.LastSuccess.Unix()))
	}
}

func (r *Recorder) ObserveDiskUsage(path string, ratio float64) {
	r.diskUsage.WithLabelValues(path).Set(ratio)
}

// WriteTextfile writes the job's metrics into dir. It is a no-op when dir is empty.
func (r *Recorder) WriteTextfile(dir, job string) error {
	if r == nil || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating textfile dir: %w", err)
	}
	return prometheus.WriteToTextfile(filepath.Join(dir, "fleetpull_"+job+".prom"), r.registry)
}
