// Package bootstrap provisions a fresh machine: prerequisites, credentials, directories,
// scheduler registration and a first convergence run. Every step checks its target
// first, so running it again on a provisioned machine changes nothing.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/jveski/fleetpull/internal/agent"
	"github.com/jveski/fleetpull/internal/autologin"
	"github.com/jveski/fleetpull/internal/command"
	"github.com/jveski/fleetpull/internal/config"
	"github.com/jveski/fleetpull/internal/credentials"
	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/schedule"
	"github.com/jveski/fleetpull/internal/status"
)

const (
	StepPreflight     = "preflight"
	StepConfig        = "config"
	StepPrerequisites = "prerequisites"
	StepCredentials   = "credentials"
	StepAutoLogin     = "autologin"
	StepDirectories   = "directories"
	StepSchedule      = "schedule"
	StepConverge      = "converge"
)

type Provisioner struct {
	Config      *config.Config
	Credentials *credentials.Store

	// ConfigPath receives the repository and branch overrides so scheduled runs see them.
	ConfigPath string
	Repo       string
	Branch     string

	// Sources for each credential, in order of precedence.
	DeployKey     []credentials.Source
	VaultPassword []credentials.Source

	// AutoLoginPassword enables the auto-login step when set.
	AutoLoginPassword []byte

	Runner    command.Runner
	LookPath  func(string) (string, error) // defaults to exec.LookPath
	Registrar schedule.Registrar
	Converge  func(ctx context.Context) (*agent.Result, error)
}

// StepError names the step a bootstrap failed in.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %s", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Report lists the steps that changed something.
type Report struct {
	Changed []string
}

func (r *Report) changed(step string) {
	for _, s := range r.Changed {
		if s == step {
			return
		}
	}
	r.Changed = append(r.Changed, step)
}

func (p *Provisioner) Run(ctx context.Context) (*Report, error) {
	logger := logging.WithComponent("bootstrap")
	report := &Report{}

	// credentials are captured and validated before anything on the machine changes
	creds, err := p.preflight()
	if err != nil {
		return report, &StepError{Step: StepPreflight, Err: err}
	}
	defer func() {
		for _, val := range creds {
			clear(val)
		}
	}()

	steps := []struct {
		name string
		fn   func(context.Context) (bool, error)
	}{
		{StepConfig, p.persistSource},
		{StepPrerequisites, p.prerequisites},
		{StepCredentials, func(context.Context) (bool, error) { return p.storeCredentials(creds) }},
		{StepAutoLogin, p.autoLogin},
		{StepDirectories, p.directories},
		{StepSchedule, func(ctx context.Context) (bool, error) {
			return p.Registrar.Register(ctx, schedule.Jobs(p.Config))
		}},
	}
	for _, step := range steps {
		changed, err := step.fn(ctx)
		if err != nil {
			return report, &StepError{Step: step.name, Err: err}
		}
		if changed {
			report.changed(step.name)
			logger.Info().Str("step", step.name).Msg("bootstrap step changed the machine")
		} else {
			logger.Debug().Str("step", step.name).Msg("bootstrap step already satisfied")
		}
	}

	result, err := p.Converge(ctx)
	if err != nil {
		return report, &StepError{Step: StepConverge, Err: err}
	}
	if result.Outcome == status.Skipped {
		logger.Warn().Msg("first convergence run was skipped because another run holds the lock")
	} else if result.Record != nil && result.Record.ChangedCount > 0 {
		report.changed(StepConverge)
	}

	logger.Info().Strs("changed", report.Changed).Msg("bootstrap complete")
	return report, nil
}

func (p *Provisioner) persistSource(ctx context.Context) (bool, error) {
	if p.ConfigPath == "" || (p.Repo == "" && p.Branch == "") {
		return false, nil
	}
	return config.PersistSource(p.ConfigPath, p.Repo, p.Branch)
}

// preflight resolves every credential that is not already provisioned.
func (p *Provisioner) preflight() (map[credentials.Kind][]byte, error) {
	if p.Repo != "" {
		p.Config.Source.Repo = p.Repo
	}
	if p.Branch != "" {
		p.Config.Source.Branch = p.Branch
	}
	if p.Config.Source.Repo == "" {
		return nil, failure.Configuration("no repository configured")
	}
	if len(p.AutoLoginPassword) > 0 && p.Config.AutoLogin.User == "" {
		return nil, failure.Configuration("auto-login password given without a user")
	}
	if p.Registrar == nil || p.Converge == nil {
		return nil, failure.Internal("provisioner is missing its scheduler or agent")
	}

	sources := map[credentials.Kind][]credentials.Source{
		credentials.DeployKey:     p.DeployKey,
		credentials.VaultPassword: p.VaultPassword,
	}

	resolved := map[credentials.Kind][]byte{}
	for _, kind := range []credentials.Kind{credentials.DeployKey, credentials.VaultPassword} {
		if _, err := p.Credentials.Read(kind); err == nil {
			continue
		}
		val, err := credentials.Resolve(kind, sources[kind]...)
		if err != nil {
			return nil, err
		}
		resolved[kind] = val
	}

	return resolved, nil
}

func (p *Provisioner) prerequisites(ctx context.Context) (bool, error) {
	lookPath := p.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	logger := logging.WithComponent("bootstrap")

	changed := false
	for _, pre := range p.Config.Prerequisites {
		if _, err := lookPath(pre.Binary); err == nil {
			continue
		}
		if len(pre.Install) == 0 {
			return changed, failure.Configuration("prerequisite %q is missing and has no install command", pre.Name)
		}

		logger.Info().Str("prerequisite", pre.Name).Strs("command", pre.Install).Msg("installing prerequisite")
		if _, err := p.Runner.Run(ctx, pre.Install); err != nil {
			return changed, failure.Internal("installing %s: %w", pre.Name, err)
		}
		if _, err := lookPath(pre.Binary); err != nil {
			return changed, failure.Internal("%s is still missing after install", pre.Binary)
		}
		changed = true
	}
	return changed, nil
}

func (p *Provisioner) storeCredentials(resolved map[credentials.Kind][]byte) (bool, error) {
	changed := false
	for _, kind := range []credentials.Kind{credentials.DeployKey, credentials.VaultPassword} {
		_, created, err := p.Credentials.GetOrCreate(kind, credentials.Inline(resolved[kind]))
		if err != nil {
			return changed, err
		}
		changed = changed || created
	}
	return changed, nil
}

// autoLogin writes the obfuscated auto-login password. The encoding only hides the
// password from casual inspection and is trivially reversible.
func (p *Provisioner) autoLogin(ctx context.Context) (bool, error) {
	if len(p.AutoLoginPassword) == 0 {
		return false, nil
	}
	changed, err := autologin.Write(p.Config.AutoLogin.Path, p.AutoLoginPassword)
	if err != nil {
		return false, failure.Internal("%w", err)
	}
	return changed, nil
}

func (p *Provisioner) directories(ctx context.Context) (bool, error) {
	dirs := []string{p.Config.Paths.StateDir, p.Config.Paths.LogDir}
	if p.Config.Metrics.TextfileDir != "" {
		dirs = append(dirs, p.Config.Metrics.TextfileDir)
	}

	changed := false
	for _, dir := range dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return changed, failure.Internal("creating %s: %w", dir, err)
		}
		changed = true
	}
	return changed, nil
}
