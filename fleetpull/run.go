package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/metrics"
	"github.com/jveski/fleetpull/internal/schedule"
)

var jobNames = []string{schedule.Convergence, schedule.NightlyMaintenance, schedule.WeeklyDeepClean, schedule.DiskCheck}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run one job now, as the scheduler would",
	ArgsUsage: "<" + strings.Join(jobNames, " | ") + ">",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "group",
			Usage: "only converge resources in these groups (and what they require)",
		},
	},
	Action: runCmd,
}

func runCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one job name")
	}
	job := c.Args().First()

	ac, err := setup(c)
	if err != nil {
		return err
	}
	if _, ok := schedule.Lookup(schedule.Jobs(ac.Config), job); !ok {
		return failure.Configuration("unknown job %q, expected one of %s", job, strings.Join(jobNames, ", "))
	}

	closeLog := teeJobLog(c, ac.Config.Paths.LogDir, job)
	defer closeLog()

	return ac.runJob(c.Context, job, c.StringSlice("group"))
}

// runJob runs a job to completion. A job skipped because of lock contention is not an error.
func (a *appContext) runJob(ctx context.Context, job string, groups []string) error {
	// every run exports only its own metrics
	local := *a
	local.Metrics = metrics.New()

	switch job {
	case schedule.Convergence:
		ag := local.Agent()
		ag.Groups = groups
		_, err := ag.Run(ctx)
		return err
	case schedule.NightlyMaintenance:
		_, err := local.Maintainer().RunNightly(ctx)
		return err
	case schedule.WeeklyDeepClean:
		_, err := local.Maintainer().RunDeepClean(ctx)
		return err
	case schedule.DiskCheck:
		_, err := local.Maintainer().RunDiskCheck(ctx)
		return err
	}
	return failure.Configuration("unknown job %q", job)
}

// teeJobLog sends the process logs to the job's log file in addition to stderr.
// Failing to open the file only loses the copy.
func teeJobLog(c *cli.Context, dir, job string) func() {
	f, err := logging.OpenJobLog(dir, job)
	if err != nil {
		logger := logging.WithJob(job)
		logger.Warn().Err(err).Msg("unable to open job log, logging to stderr only")
		return func() {}
	}

	logging.Init(logging.Config{
		Level:  logging.Level(c.String("log-level")),
		JSON:   true,
		Output: logging.Tee(f, os.Stderr),
	})
	return func() { f.Close() }
}
