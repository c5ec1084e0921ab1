package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/metrics"
	"github.com/jveski/fleetpull/internal/schedule"
)

// DiskMonitor warns when the monitored volume fills past a threshold. It never
// frees space itself.
type DiskMonitor struct {
	Path      string
	Threshold float64
	LogPath   string // warnings are appended here as JSON lines

	Metrics     *metrics.Recorder // optional
	TextfileDir string

	Statfs func(path string, st *unix.Statfs_t) error // defaults to unix.Statfs
	Now    func() time.Time
}

type Usage struct {
	Time      time.Time `json:"time"`
	Path      string    `json:"path"`
	Total     uint64    `json:"totalBytes"`
	Available uint64    `json:"availableBytes"`
	Ratio     float64   `json:"usage"`
	Threshold float64   `json:"threshold"`
}

func (u *Usage) Exceeded() bool { return u.Ratio > u.Threshold }

// Check samples the volume's usage and appends a warning when it exceeds the threshold.
func (d *DiskMonitor) Check(ctx context.Context) (*Usage, error) {
	logger := logging.WithJob(schedule.DiskCheck)

	statfs := d.Statfs
	if statfs == nil {
		statfs = unix.Statfs
	}
	st := unix.Statfs_t{}
	if err := statfs(d.Path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", d.Path, err)
	}
	if st.Blocks == 0 {
		return nil, fmt.Errorf("statfs %s: volume reports no blocks", d.Path)
	}

	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	bsize := uint64(st.Bsize)
	usage := &Usage{
		Time:      now.UTC(),
		Path:      d.Path,
		Total:     st.Blocks * bsize,
		Available: st.Bavail * bsize,
		Ratio:     1 - float64(st.Bavail)/float64(st.Blocks),
		Threshold: d.Threshold,
	}

	if d.Metrics != nil {
		d.Metrics.ObserveDiskUsage(d.Path, usage.Ratio)
		if err := d.Metrics.WriteTextfile(d.TextfileDir, schedule.DiskCheck); err != nil {
			logger.Warn().Err(err).Msg("error writing metrics textfile")
		}
	}

	if !usage.Exceeded() {
		logger.Info().Str("path", d.Path).Float64("usage", usage.Ratio).Msg("disk usage within threshold")
		return usage, nil
	}

	logger.Warn().Str("path", d.Path).Float64("usage", usage.Ratio).Float64("threshold", d.Threshold).Msg("disk usage exceeds threshold")
	if err := d.appendWarning(usage); err != nil {
		return usage, err
	}
	return usage, nil
}

func (d *DiskMonitor) appendWarning(u *Usage) error {
	if err := os.MkdirAll(filepath.Dir(d.LogPath), 0755); err != nil {
		return fmt.Errorf("creating disk log dir: %w", err)
	}
	f, err := os.OpenFile(d.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening disk log: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(u)
}

// RunDiskCheck runs the configured disk monitor. A skipped check returns no usage.
func (m *Maintainer) RunDiskCheck(ctx context.Context) (*Usage, error) {
	if m.Disk == nil {
		return nil, fmt.Errorf("no disk monitor configured")
	}
	job, err := m.job(schedule.DiskCheck)
	if err != nil {
		return nil, err
	}

	var usage *Usage
	_, err = m.exclusive(job, func() (err error) {
		usage, err = m.Disk.Check(ctx)
		return err
	})
	return usage, err
}
