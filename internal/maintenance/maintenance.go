// Package maintenance implements the periodic housekeeping jobs: nightly cleanup with an
// optional reboot, the weekly deep clean, and the disk usage check.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jveski/fleetpull/internal/atomicfile"
	"github.com/jveski/fleetpull/internal/command"
	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/lock"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/schedule"
	"github.com/jveski/fleetpull/internal/status"
)

type Maintainer struct {
	Runner     command.Runner
	LockPath   string
	StaleAfter time.Duration

	// StatePath holds the reboot guard.
	StatePath string

	Cleanup       [][]string
	DeepCleanCmds [][]string
	Reboot        bool
	RebootCommand []string

	// Jobs is the job table. It decides which jobs hold the run lock, and the nightly
	// job's trigger delimits reboot windows.
	Jobs []schedule.JobSpec

	Disk *DiskMonitor

	Now func() time.Time
}

// State is persisted between maintenance runs.
type State struct {
	RebootWindow   time.Time `json:"rebootWindow,omitempty"`
	RebootIssuedAt time.Time `json:"rebootIssuedAt,omitempty"`
}

func (m *Maintainer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RunNightly runs the cleanup commands and then reboots at most once per window.
func (m *Maintainer) RunNightly(ctx context.Context) (status.Outcome, error) {
	job, err := m.job(schedule.NightlyMaintenance)
	if err != nil {
		return status.Failed, err
	}
	return m.exclusive(job, func() error {
		m.runAll(ctx, job.Name, m.Cleanup)
		if !m.Reboot {
			return nil
		}
		return m.reboot(ctx, job.Trigger)
	})
}

// RunDeepClean runs the deep clean commands.
func (m *Maintainer) RunDeepClean(ctx context.Context) (status.Outcome, error) {
	job, err := m.job(schedule.WeeklyDeepClean)
	if err != nil {
		return status.Failed, err
	}
	return m.exclusive(job, func() error {
		m.runAll(ctx, job.Name, m.DeepCleanCmds)
		return nil
	})
}

func (m *Maintainer) job(name string) (schedule.JobSpec, error) {
	job, ok := schedule.Lookup(m.Jobs, name)
	if !ok {
		return job, failure.Configuration("no schedule for %s", name)
	}
	return job, nil
}

// exclusive runs fn, holding the run lock when the job requires it. The job is skipped
// while another job holds the lock.
func (m *Maintainer) exclusive(job schedule.JobSpec, fn func() error) (status.Outcome, error) {
	logger := logging.WithJob(job.Name)

	l, err := job.Acquire(m.LockPath, lock.Options{StaleAfter: m.StaleAfter, Now: m.Now})
	if errors.Is(err, lock.ErrHeld) {
		logger.Info().Msg("another run holds the lock, skipping")
		return status.Skipped, nil
	}
	if err != nil {
		return status.Failed, failure.Internal("acquiring lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Error().Err(err).Msg("error releasing lock")
		}
	}()

	if err := fn(); err != nil {
		return status.Failed, err
	}
	return status.Success, nil
}

// runAll runs every command in order. A failing command is logged and does not stop the
// ones after it.
func (m *Maintainer) runAll(ctx context.Context, job string, cmds [][]string) {
	logger := logging.WithJob(job)
	for _, argv := range cmds {
		start := time.Now()
		if _, err := m.Runner.Run(ctx, argv); err != nil {
			logger.Warn().Err(err).Strs("command", argv).Msg("maintenance command failed")
			continue
		}
		logger.Info().Strs("command", argv).Dur("latency", time.Since(start)).Msg("ran maintenance command")
	}
}

func (m *Maintainer) reboot(ctx context.Context, trigger schedule.Trigger) error {
	logger := logging.WithJob(schedule.NightlyMaintenance)

	now := m.now()
	window := trigger.Window(now)

	state, err := m.LoadState()
	if err != nil {
		return failure.Internal("%w", err)
	}
	if state.RebootWindow.Equal(window) {
		logger.Info().Time("window", window).Msg("reboot already issued in this window")
		return nil
	}

	// the window is recorded first so a retried tick never reboots twice
	state.RebootWindow = window
	state.RebootIssuedAt = now.UTC()
	if err := m.writeState(state); err != nil {
		return failure.Internal("recording reboot window: %w", err)
	}

	logger.Warn().Time("window", window).Strs("command", m.RebootCommand).Msg("rebooting")
	if _, err := m.Runner.Run(ctx, m.RebootCommand); err != nil {
		return failure.DestructiveAction("reboot: %w", err)
	}
	return nil
}

// LoadState returns the persisted maintenance state. A missing file yields the zero value.
func (m *Maintainer) LoadState() (*State, error) {
	buf, err := os.ReadFile(m.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading maintenance state: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(buf, state); err != nil {
		return nil, fmt.Errorf("decoding maintenance state: %w", err)
	}
	return state, nil
}

func (m *Maintainer) writeState(state *State) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.StatePath), 0755); err != nil {
		return err
	}
	return atomicfile.Write(m.StatePath, append(buf, '\n'), 0644)
}
