package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/jveski/fleetpull/internal/agent"
	"github.com/jveski/fleetpull/internal/bootstrap"
	"github.com/jveski/fleetpull/internal/command"
	"github.com/jveski/fleetpull/internal/config"
	"github.com/jveski/fleetpull/internal/credentials"
	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/maintenance"
	"github.com/jveski/fleetpull/internal/metrics"
	"github.com/jveski/fleetpull/internal/reconcile"
	"github.com/jveski/fleetpull/internal/schedule"
	"github.com/jveski/fleetpull/internal/source"
	"github.com/jveski/fleetpull/internal/status"
)

func main() {
	app := &cli.App{
		Name:  "fleetpull",
		Usage: "Keep this machine converged to the desired state in git",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path of the agent config file",
				Value:   config.DefaultPath,
				EnvVars: []string{"FLEETPULL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "one of `debug`, info, warn, error",
				Value:   "info",
				EnvVars: []string{"FLEETPULL_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "write JSON logs to stderr",
			},
		},
		Before: func(c *cli.Context) error {
			logging.Init(logging.Config{Level: logging.Level(c.String("log-level")), JSON: c.Bool("log-json")})
			return nil
		},
		Commands: []*cli.Command{
			bootstrapCommand,
			runCommand,
			statusCommand,
			scheduleCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err == nil {
		return
	}

	fmt.Fprint(os.Stderr, getErrorString(err))
	os.Exit(1)
}

// getErrorString renders classified errors as a single JSON line so that provisioning
// tools can parse the reason. Anything else is printed as plain text.
func getErrorString(err error) string {
	fe := &failure.Error{}
	if !errors.As(err, &fe) {
		return fmt.Sprintf("error: %s\n", err)
	}

	body := struct {
		Kind  failure.Kind `json:"kind"`
		Step  string       `json:"step,omitempty"`
		Error string       `json:"error"`
	}{Kind: fe.Kind, Error: fe.Err.Error()}

	se := &bootstrap.StepError{}
	if errors.As(err, &se) {
		body.Step = se.Step
	}

	buf, _ := json.Marshal(&body)
	return string(buf) + "\n"
}

// appContext wires the components of a single invocation from the config file.
type appContext struct {
	Config      *config.Config
	ConfigPath  string
	Credentials *credentials.Store
	Status      *status.Store
	Runner      command.Runner
	Metrics     *metrics.Recorder
}

func setup(c *cli.Context) (*appContext, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path, err = filepath.Abs(path); err != nil {
		return nil, err
	}

	return &appContext{
		Config:      cfg,
		ConfigPath:  path,
		Credentials: &credentials.Store{Dir: cfg.Paths.CredentialsDir},
		Status:      &status.Store{Dir: cfg.StatusDir()},
		Runner:      command.Exec{},
		Metrics:     metrics.New(),
	}, nil
}

func (a *appContext) Agent() *agent.Agent {
	cfg := a.Config
	job, _ := schedule.Lookup(schedule.Jobs(cfg), schedule.Convergence)

	return &agent.Agent{
		Job:    job,
		Source: &source.Git{
			URL:                cfg.Source.Repo,
			Dir:                cfg.Source.Checkout,
			KnownHosts:         cfg.Source.KnownHosts,
			HostKeyFingerprint: cfg.Source.HostKey,
		},
		Ref:         cfg.Source.Branch,
		Document:    cfg.Source.Document,
		Secrets:     cfg.Source.Secrets,
		Credentials: a.Credentials,
		Status:      a.Status,
		LockPath:    cfg.LockPath(),
		StaleAfter:  cfg.Lock.StaleAfter,
		Env:         reconcile.Env{Runner: a.Runner},
		Metrics:     a.Metrics,
		TextfileDir: cfg.Metrics.TextfileDir,
	}
}

func (a *appContext) Maintainer() *maintenance.Maintainer {
	cfg := a.Config
	return &maintenance.Maintainer{
		Runner:        a.Runner,
		LockPath:      cfg.LockPath(),
		StaleAfter:    cfg.Lock.StaleAfter,
		StatePath:     cfg.MaintenancePath(),
		Cleanup:       cfg.Maintenance.CleanupCommands,
		DeepCleanCmds: cfg.Maintenance.DeepCleanCommands,
		Reboot:        *cfg.Maintenance.Reboot,
		RebootCommand: cfg.Maintenance.RebootCommand,
		Jobs:          schedule.Jobs(cfg),
		Disk: &maintenance.DiskMonitor{
			Path:        cfg.Disk.Path,
			Threshold:   cfg.Disk.Threshold,
			LogPath:     logging.JobLogPath(cfg.Paths.LogDir, "disk"),
			Metrics:     a.Metrics,
			TextfileDir: cfg.Metrics.TextfileDir,
		},
	}
}

func (a *appContext) Registrar() (schedule.Registrar, error) {
	return schedule.NewRegistrar(a.Config, a.ConfigPath, a.Runner)
}
