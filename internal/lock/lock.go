// Package lock implements the filesystem lock shared by every job that mutates
// managed machine state. It spans processes: each scheduled job is its own process.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when another live invocation holds the lock.
var ErrHeld = errors.New("lock is held by another invocation")

// Record is the content of the lock file.
type Record struct {
	PID        int       `json:"pid"`
	Job        string    `json:"job"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is a held lock.
type Lock struct {
	path   string
	record Record
}

// Options are mostly useful in tests.
type Options struct {
	StaleAfter time.Duration
	Now        func() time.Time
	PID        int
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Acquire creates the lock file exclusively. A lock older than StaleAfter is considered
// abandoned and is reclaimed once; a fresh lock yields ErrHeld.
func Acquire(path, job string, opts Options) (*Lock, error) {
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	host, _ := os.Hostname()
	rec := Record{PID: opts.PID, Job: job, Host: host, AcquiredAt: opts.now().UTC()}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := create(path, rec)
		if err == nil {
			return &Lock{path: path, record: rec}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		current, age, err := inspect(path, opts.now())
		if errors.Is(err, os.ErrNotExist) {
			continue // released between our create and read
		}
		if err != nil {
			return nil, err
		}
		if opts.StaleAfter <= 0 || age < opts.StaleAfter {
			return nil, ErrHeld
		}
		if err := reclaim(path, current); err != nil {
			return nil, err
		}
	}
	return nil, ErrHeld
}

func create(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&rec); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing lock record: %w", err)
	}
	return f.Close()
}

// inspect returns the lock record and its age. When the record cannot be decoded
// (e.g. a crash mid-write) the file's mtime is used for the age.
func inspect(path string, now time.Time) (*Record, time.Duration, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	rec := &Record{}
	if err := json.Unmarshal(buf, rec); err != nil || rec.AcquiredAt.IsZero() {
		info, err := os.Stat(path)
		if err != nil {
			return nil, 0, err
		}
		return nil, now.Sub(info.ModTime()), nil
	}
	return rec, now.Sub(rec.AcquiredAt), nil
}

// reclaim moves a stale lock out of the way. The file is renamed to a unique tombstone
// first so that two reclaiming invocations cannot both remove it: if the tombstone does
// not hold the stale record we observed, somebody else already reclaimed the lock and
// the tombstone is put back.
func reclaim(path string, observed *Record) error {
	tombstone := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())
	if err := os.Rename(path, tombstone); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reclaiming stale lock: %w", err)
	}

	moved, _, err := inspect(tombstone, time.Now())
	if err == nil && !sameRecord(moved, observed) {
		// Link fails if a third invocation already created a new lock. Either way ours is lost.
		os.Link(tombstone, path)
		os.Remove(tombstone)
		return ErrHeld
	}
	return os.Remove(tombstone)
}

func sameRecord(a, b *Record) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.PID == b.PID && a.AcquiredAt.Equal(b.AcquiredAt) && a.Job == b.Job && a.Host == b.Host
}

// Inspect returns the current holder, or nil when the lock is free.
func Inspect(path string) (*Record, error) {
	rec, _, err := inspect(path, time.Now())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return rec, err
}

func (l *Lock) Record() Record { return l.record }

// Release removes the lock file if it still holds our record. Releasing a nil lock is a
// no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	current, _, err := inspect(l.path, time.Now())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sameRecord(current, &l.record) {
		return nil // reclaimed by someone else after we went stale
	}
	return os.Remove(l.path)
}
