// Package agent runs one convergence: fetch the desired state, decrypt its secrets,
// apply it and record the outcome. Jobs requiring exclusive access hold the run lock
// throughout.
package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jveski/fleetpull/internal/credentials"
	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/lock"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/metrics"
	"github.com/jveski/fleetpull/internal/reconcile"
	"github.com/jveski/fleetpull/internal/schedule"
	"github.com/jveski/fleetpull/internal/secrets"
	"github.com/jveski/fleetpull/internal/source"
	"github.com/jveski/fleetpull/internal/status"
)

const JobName = schedule.Convergence

// State is a step of a run.
type State string

const (
	Idle              State = "IDLE"
	Fetching          State = "FETCHING"
	DecryptingSecrets State = "DECRYPTING_SECRETS"
	Applying          State = "APPLYING"
	Recording         State = "RECORDING"
	Failed            State = "FAILED"
)

type Agent struct {
	// Job decides whether a run holds the lock at LockPath.
	Job schedule.JobSpec

	Source      source.Source
	Ref         string
	Document    string // path of the document within the checkout
	Secrets     string // default bundle path within the checkout
	Credentials *credentials.Store
	Status      *status.Store
	LockPath    string
	StaleAfter  time.Duration
	Env         reconcile.Env
	Groups      []string

	Metrics     *metrics.Recorder // optional
	TextfileDir string

	// OnTransition observes state changes. Optional.
	OnTransition func(from, to State)
	Now          func() time.Time
}

type Result struct {
	Outcome status.Outcome
	Record  *status.RunRecord // nil when skipped
	Report  *reconcile.Report // nil when the run failed before applying
}

// run carries the state of a single invocation.
type run struct {
	agent  *Agent
	state  State
	logger zerolog.Logger
	record *status.RunRecord
	report *reconcile.Report
}

func (r *run) to(next State) {
	r.logger.Debug().Str("from", string(r.state)).Str("to", string(next)).Msg("state transition")
	if r.agent.OnTransition != nil {
		r.agent.OnTransition(r.state, next)
	}
	r.state = next
}

func (a *Agent) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Run performs one convergence. Lock contention yields a skipped result and no error.
// Any failure is recorded before the error is returned.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	logger := logging.WithJob(JobName)

	l, err := a.Job.Acquire(a.LockPath, lock.Options{StaleAfter: a.StaleAfter, Now: a.Now})
	if errors.Is(err, lock.ErrHeld) {
		logger.Info().Msg("another run holds the lock, skipping")
		now := a.now().UTC()
		a.observe(&status.RunRecord{Job: JobName, Started: now, Finished: now, Status: status.Skipped})
		return &Result{Outcome: status.Skipped}, nil
	}
	if err != nil {
		return nil, failure.Internal("acquiring lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Error().Err(err).Msg("error releasing lock")
		}
	}()

	id := uuid.NewString()
	r := &run{
		agent:  a,
		state:  Idle,
		logger: logging.WithRun(logger, id),
		record: &status.RunRecord{ID: id, Job: JobName, Started: a.now().UTC()},
	}

	runErr := r.converge(ctx)
	if runErr != nil {
		r.to(Failed)
	}
	r.to(Recording)
	recordErr := r.finish(runErr)
	r.to(Idle)

	result := &Result{Outcome: r.record.Status, Record: r.record, Report: r.report}
	if runErr != nil {
		return result, runErr
	}
	return result, recordErr
}

func (r *run) converge(ctx context.Context) error {
	a := r.agent

	r.to(Fetching)
	key, err := a.Credentials.Read(credentials.DeployKey)
	if err != nil {
		return err
	}
	co, err := a.Source.Fetch(ctx, a.Ref, key)
	if err != nil {
		return err
	}
	r.record.Revision = co.Revision

	doc, err := reconcile.LoadFile(filepath.Join(co.Dir, a.Document), co.Revision)
	if err != nil {
		return err
	}

	r.to(DecryptingSecrets)
	vals, err := a.decrypt(co, doc)
	if err != nil {
		return err
	}
	defer vals.Discard()
	r.logger.Info().Int("secrets", vals.Len()).Str("revision", co.Revision).Msg("decrypted secrets bundle")

	r.to(Applying)
	env := a.Env
	env.Secrets = vals
	r.report = reconcile.Apply(ctx, doc, &env, reconcile.Options{Groups: a.Groups})
	r.record.ChangedCount = r.report.Changed
	for group, sum := range r.report.Groups() {
		r.logger.Info().Str("group", group).Int("resources", sum.Total).Int("changed", sum.Changed).Int("failed", sum.Failed).Msg("group converged")
	}
	return r.report.Err()
}

// decrypt reads the vault password fresh from the credential store. A document without
// a bundle gets an empty set of secrets.
func (a *Agent) decrypt(co *source.Checkout, doc *reconcile.Document) (*secrets.Values, error) {
	name := a.Secrets
	if doc.Secrets != "" {
		name = doc.Secrets
	}

	f, err := os.Open(filepath.Join(co.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return secrets.Empty(), nil
	}
	if err != nil {
		return nil, failure.Secrets("opening secrets bundle: %w", err)
	}
	defer f.Close()

	password, err := a.Credentials.Read(credentials.VaultPassword)
	if err != nil {
		return nil, err
	}
	defer clear(password)

	return secrets.Decrypt(f, password)
}

func (r *run) finish(runErr error) error {
	a := r.agent
	rec := r.record
	rec.Finished = a.now().UTC()

	var err error
	if runErr == nil {
		rec.Status = status.Success
		err = a.Status.RecordSuccess(rec)
		r.logger.Info().Str("revision", rec.Revision).Int("changed", rec.ChangedCount).Msg("converged")
	} else {
		rec.Status = status.Failed
		rec.ErrorKind = string(failure.KindOf(runErr))
		rec.Error = runErr.Error()
		err = a.Status.RecordFailure(rec)
		r.logger.Error().Err(runErr).Str("kind", rec.ErrorKind).Str("revision", rec.Revision).Msg("convergence failed")
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("error recording run")
		err = failure.Internal("recording run: %w", err)
	}

	a.observe(rec)
	return err
}

func (a *Agent) observe(rec *status.RunRecord) {
	if a.Metrics == nil {
		return
	}

	run := metrics.Run{
		Job:      JobName,
		Outcome:  string(rec.Status),
		Changed:  rec.ChangedCount,
		Duration: rec.Finished.Sub(rec.Started),
		Finished: rec.Finished,
	}
	if st, err := a.Status.Load(); err == nil && st.LastSuccess != nil {
		run.LastSuccess = st.LastSuccess.Finished
	}
	a.Metrics.ObserveRun(run)

	if err := a.Metrics.WriteTextfile(a.TextfileDir, JobName); err != nil {
		logger := logging.WithJob(JobName)
		logger.Warn().Err(err).Msg("error writing metrics textfile")
	}
}
