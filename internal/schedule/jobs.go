// Package schedule defines the agent's recurring jobs and registers them with the
// host scheduler, or drives them in the foreground.
package schedule

import (
	"time"

	"github.com/jveski/fleetpull/internal/config"
	"github.com/jveski/fleetpull/internal/lock"
)

const (
	Convergence        = "convergence"
	NightlyMaintenance = "nightly-maintenance"
	WeeklyDeepClean    = "weekly-deep-clean"
	DiskCheck          = "disk-check"
)

type TriggerKind string

const (
	Interval TriggerKind = "interval"
	Daily    TriggerKind = "daily"
	Weekly   TriggerKind = "weekly"
)

// Trigger describes when a job fires. Daily and weekly triggers fire on the hour in
// the local time zone.
type Trigger struct {
	Kind    TriggerKind
	Every   time.Duration // interval only
	Hour    int
	Weekday time.Weekday // weekly only
}

type JobSpec struct {
	Name    string
	Trigger Trigger

	// RequiresExclusiveLock serializes the job with every other job that sets it.
	RequiresExclusiveLock bool
}

// Acquire takes the run lock at path when the job requires exclusive access and returns
// a nil lock otherwise. A lock held by another job yields lock.ErrHeld.
func (j JobSpec) Acquire(path string, opts lock.Options) (*lock.Lock, error) {
	if !j.RequiresExclusiveLock {
		return nil, nil
	}
	return lock.Acquire(path, j.Name, opts)
}

// Jobs returns the agent's job table.
func Jobs(cfg *config.Config) []JobSpec {
	weekday, _ := config.ParseWeekday(cfg.Schedule.DeepCleanWeekday)
	return []JobSpec{
		{
			Name:                  Convergence,
			Trigger:               Trigger{Kind: Interval, Every: cfg.Schedule.ConvergenceEvery},
			RequiresExclusiveLock: true,
		},
		{
			Name:                  NightlyMaintenance,
			Trigger:               Trigger{Kind: Daily, Hour: cfg.Schedule.MaintenanceHour},
			RequiresExclusiveLock: true,
		},
		{
			Name:    WeeklyDeepClean,
			Trigger: Trigger{Kind: Weekly, Hour: cfg.Schedule.DeepCleanHour, Weekday: weekday},
		},
		{
			Name:    DiskCheck,
			Trigger: Trigger{Kind: Interval, Every: cfg.Schedule.DiskCheckInterval},
		},
	}
}

// Lookup returns the job called name.
func Lookup(jobs []JobSpec, name string) (JobSpec, bool) {
	for _, job := range jobs {
		if job.Name == name {
			return job, true
		}
	}
	return JobSpec{}, false
}

// Next returns the first time the trigger fires strictly after the given time.
func (t Trigger) Next(after time.Time) time.Time {
	switch t.Kind {
	case Interval:
		return after.Add(t.Every)
	case Daily:
		next := t.slot(after)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case Weekly:
		next := t.slot(after)
		days := (int(t.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
	return time.Time{}
}

// Window returns the start of the most recent daily or weekly slot at or before t.
// Interval triggers have no windows and return t.
func (t Trigger) Window(at time.Time) time.Time {
	switch t.Kind {
	case Daily:
		return t.Next(at).AddDate(0, 0, -1)
	case Weekly:
		return t.Next(at).AddDate(0, 0, -7)
	}
	return at
}

func (t Trigger) slot(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, 0, 0, 0, day.Location())
}
