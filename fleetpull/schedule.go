package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jveski/fleetpull/internal/command"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/schedule"
)

var scheduleCommand = &cli.Command{
	Name:  "schedule",
	Usage: "Manage the recurring jobs",
	Subcommands: []*cli.Command{
		{
			Name:   "install",
			Usage:  "Register the jobs with the configured system scheduler",
			Action: scheduleInstallCmd,
		},
		{
			Name:   "run",
			Usage:  "Run the scheduler in the foreground, for hosts without systemd or cron",
			Action: scheduleRunCmd,
		},
	},
}

func scheduleInstallCmd(c *cli.Context) error {
	ac, err := setup(c)
	if err != nil {
		return err
	}
	registrar, err := ac.Registrar()
	if err != nil {
		return err
	}

	changed, err := registrar.Register(c.Context, schedule.Jobs(ac.Config))
	if err != nil {
		return err
	}
	logger := logging.WithComponent("schedule")
	logger.Info().Bool("changed", changed).Str("backend", ac.Config.Schedule.Backend).Msg("registered jobs")
	return nil
}

func scheduleRunCmd(c *cli.Context) error {
	ac, err := setup(c)
	if err != nil {
		return err
	}
	bin, err := os.Executable()
	if err != nil {
		return err
	}

	closeLog := teeJobLog(c, ac.Config.Paths.LogDir, "scheduler")
	defer closeLog()

	inv := schedule.Invocation{Binary: bin, ConfigPath: ac.ConfigPath}
	schedule.Run(c.Context, schedule.Jobs(ac.Config), spawnJob(ac.Runner, inv))
	return nil
}

// spawnJob runs every job in its own process, as the system schedulers do, so each job
// logs to its own file.
func spawnJob(runner command.Runner, inv schedule.Invocation) func(context.Context, schedule.JobSpec) {
	return func(ctx context.Context, job schedule.JobSpec) {
		if _, err := runner.Run(ctx, inv.Argv(job.Name)); err != nil {
			logger := logging.WithJob(job.Name)
			logger.Error().Err(err).Msg("scheduled job failed")
		}
	}
}
