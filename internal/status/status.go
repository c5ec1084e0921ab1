// Package status persists the outcome of convergence runs.
//
// The status file holds the last attempted and the last successful run. It is replaced
// atomically and never edited in place, so it can be read at any time without the lock.
// A failed run only replaces the last attempt; the last success is preserved and the
// failure is appended to a separate error log.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jveski/fleetpull/internal/atomicfile"
)

type Outcome string

const (
	Success Outcome = "success"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
)

// RunRecord describes one run of a job.
type RunRecord struct {
	ID           string    `json:"id"`
	Job          string    `json:"job"`
	Revision     string    `json:"revision,omitempty"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Status       Outcome   `json:"status"`
	ChangedCount int       `json:"changedCount"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type Status struct {
	LastAttempt *RunRecord `json:"lastAttempt,omitempty"`
	LastSuccess *RunRecord `json:"lastSuccess,omitempty"`
}

// Stuck reports whether the machine has not converged within maxAge: either nothing
// ever succeeded although runs were attempted, or the last success is too old.
func (s *Status) Stuck(now time.Time, maxAge time.Duration) bool {
	if s.LastSuccess == nil {
		return s.LastAttempt != nil
	}
	return now.Sub(s.LastSuccess.Finished) > maxAge
}

type Store struct {
	Dir string
}

func (s *Store) Path() string { return filepath.Join(s.Dir, "status.json") }

func (s *Store) ErrorLogPath() string { return filepath.Join(s.Dir, "errors.jsonl") }

// Load returns the current status. A missing file yields an empty status.
func (s *Store) Load() (*Status, error) {
	buf, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading status file: %w", err)
	}

	st := &Status{}
	if err := json.Unmarshal(buf, st); err != nil {
		return nil, fmt.Errorf("decoding status file: %w", err)
	}
	return st, nil
}

// RecordSuccess makes rec both the last attempt and the last success.
func (s *Store) RecordSuccess(rec *RunRecord) error {
	return s.write(&Status{LastAttempt: rec, LastSuccess: rec})
}

// RecordFailure appends rec to the error log and replaces the last attempt,
// keeping the last success untouched.
func (s *Store) RecordFailure(rec *RunRecord) error {
	if err := s.appendError(rec); err != nil {
		return err
	}

	current, err := s.Load()
	if err != nil {
		// an unreadable status file cannot hold a success worth preserving
		current = &Status{}
	}
	return s.write(&Status{LastAttempt: rec, LastSuccess: current.LastSuccess})
}

func (s *Store) write(st *Status) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	buf, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(s.Path(), append(buf, '\n'), 0644)
}

func (s *Store) appendError(rec *RunRecord) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	f, err := os.OpenFile(s.ErrorLogPath(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening error log: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("appending to error log: %w", err)
	}
	return nil
}

// Failures returns the attempts recorded in the error log, oldest first.
func (s *Store) Failures() ([]*RunRecord, error) {
	f, err := os.Open(s.ErrorLogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	list := []*RunRecord{}
	dec := json.NewDecoder(f)
	for dec.More() {
		rec := &RunRecord{}
		if err := dec.Decode(rec); err != nil {
			return list, fmt.Errorf("decoding error log: %w", err)
		}
		list = append(list, rec)
	}
	return list, nil
}
