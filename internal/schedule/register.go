package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jveski/fleetpull/internal/atomicfile"
	"github.com/jveski/fleetpull/internal/command"
	"github.com/jveski/fleetpull/internal/config"
	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
)

// Registrar installs job specs into the host scheduler. Registering the same jobs twice
// leaves the host untouched the second time.
type Registrar interface {
	Register(ctx context.Context, jobs []JobSpec) (changed bool, err error)
}

// Invocation is the command line the host scheduler uses to run a job.
type Invocation struct {
	Binary     string
	ConfigPath string
}

// Argv is the command line that runs job.
func (i Invocation) Argv(job string) []string {
	argv := []string{i.Binary}
	if i.ConfigPath != "" {
		argv = append(argv, "--config", i.ConfigPath)
	}
	return append(argv, "run", job)
}

// NewRegistrar returns the registrar for the configured backend.
func NewRegistrar(cfg *config.Config, configPath string, runner command.Runner) (Registrar, error) {
	inv := Invocation{Binary: cfg.Schedule.Binary, ConfigPath: configPath}
	switch cfg.Schedule.Backend {
	case "systemd":
		return &Systemd{Dir: cfg.Schedule.UnitDir, Invocation: inv, Runner: runner}, nil
	case "cron":
		return &Cron{Path: cfg.Schedule.CronFile, Invocation: inv}, nil
	default:
		return nil, failure.Configuration("unknown schedule backend %q", cfg.Schedule.Backend)
	}
}

// Systemd writes one oneshot service and one timer per job and keeps the timers enabled.
type Systemd struct {
	Dir        string
	Invocation Invocation
	Runner     command.Runner
}

func (s *Systemd) Register(ctx context.Context, jobs []JobSpec) (bool, error) {
	logger := logging.WithComponent("schedule")

	changed := false
	timers := make([]string, len(jobs))
	for i, job := range jobs {
		timers[i] = unitName(job.Name, "timer")
		timer, err := timerUnit(job)
		if err != nil {
			return false, err
		}
		units := map[string][]byte{
			unitName(job.Name, "service"): serviceUnit(job, s.Invocation),
			unitName(job.Name, "timer"):   timer,
		}
		for name, content := range units {
			ok, err := writeIfChanged(filepath.Join(s.Dir, name), content)
			if err != nil {
				return false, err
			}
			if ok {
				logger.Info().Str("unit", name).Msg("wrote systemd unit")
				changed = true
			}
		}
	}
	if !changed {
		if s.timersRunning(ctx, timers) {
			return false, nil
		}
		logger.Info().Strs("timers", timers).Msg("timers are not all enabled")
	}

	if _, err := s.Runner.Run(ctx, []string{"systemctl", "daemon-reload"}); err != nil {
		return true, failure.Internal("reloading systemd: %w", err)
	}
	for _, timer := range timers {
		if _, err := s.Runner.Run(ctx, []string{"systemctl", "enable", "--now", timer}); err != nil {
			return true, failure.Internal("enabling %s: %w", timer, err)
		}
	}
	return true, nil
}

// timersRunning reports whether systemd has every timer enabled and active.
func (s *Systemd) timersRunning(ctx context.Context, timers []string) bool {
	for _, query := range []struct{ verb, want string }{{"is-enabled", "enabled"}, {"is-active", "active"}} {
		out, err := s.Runner.Run(ctx, append([]string{"systemctl", query.verb}, timers...))
		if err != nil {
			return false
		}
		states := strings.Fields(string(out))
		if len(states) != len(timers) {
			return false
		}
		for _, state := range states {
			if state != query.want {
				return false
			}
		}
	}
	return true
}

func unitName(job, suffix string) string { return "fleetpull-" + job + "." + suffix }

func serviceUnit(job JobSpec, inv Invocation) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "# Managed by fleetpull\n[Unit]\nDescription=fleetpull %s\n", job.Name)
	if job.Name == Convergence {
		buf.WriteString("Wants=network-online.target\nAfter=network-online.target\n")
	}
	fmt.Fprintf(buf, "\n[Service]\nType=oneshot\nExecStart=%s\n", joinArgs(inv.Argv(job.Name), systemdQuote))
	return buf.Bytes()
}

func timerUnit(job JobSpec) ([]byte, error) {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "# Managed by fleetpull\n[Unit]\nDescription=fleetpull %s timer\n\n[Timer]\n", job.Name)

	t := job.Trigger
	switch t.Kind {
	case Interval:
		if t.Every < time.Second {
			return nil, failure.Configuration("interval of %s is too short: %s", job.Name, t.Every)
		}
		fmt.Fprintf(buf, "OnBootSec=1min\nOnUnitActiveSec=%ds\n", int(t.Every/time.Second))
	case Daily:
		fmt.Fprintf(buf, "OnCalendar=*-*-* %02d:00:00\nPersistent=true\n", t.Hour)
	case Weekly:
		fmt.Fprintf(buf, "OnCalendar=%s *-*-* %02d:00:00\nPersistent=true\n", t.Weekday.String()[:3], t.Hour)
	default:
		return nil, failure.Configuration("unknown trigger kind %q for %s", t.Kind, job.Name)
	}

	buf.WriteString("\n[Install]\nWantedBy=timers.target\n")
	return buf.Bytes(), nil
}

// Cron writes every job into a single cron.d file.
type Cron struct {
	Path       string
	Invocation Invocation
	User       string // defaults to root
}

func (c *Cron) Register(ctx context.Context, jobs []JobSpec) (bool, error) {
	user := c.User
	if user == "" {
		user = "root"
	}

	buf := &bytes.Buffer{}
	buf.WriteString("# Managed by fleetpull\nSHELL=/bin/sh\nPATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin\n\n")
	for _, job := range jobs {
		expr, err := CronExpression(job.Trigger)
		if err != nil {
			return false, failure.Configuration("scheduling %s: %w", job.Name, err)
		}
		// cron turns a bare % into a newline
		cmd := strings.ReplaceAll(joinArgs(c.Invocation.Argv(job.Name), shellQuote), "%", `\%`)
		fmt.Fprintf(buf, "%s %s %s\n", expr, user, cmd)
	}

	changed, err := writeIfChanged(c.Path, buf.Bytes())
	if changed {
		logger := logging.WithComponent("schedule")
		logger.Info().Str("file", c.Path).Msg("wrote cron file")
	}
	return changed, err
}

// CronExpression renders a trigger as a five field cron schedule. Intervals must divide
// an hour or a day evenly.
func CronExpression(t Trigger) (string, error) {
	switch t.Kind {
	case Daily:
		return fmt.Sprintf("0 %d * * *", t.Hour), nil
	case Weekly:
		return fmt.Sprintf("0 %d * * %d", t.Hour, int(t.Weekday)), nil
	case Interval:
		switch {
		case t.Every <= 0 || t.Every%time.Minute != 0:
			return "", fmt.Errorf("interval %s is not a whole number of minutes", t.Every)
		case t.Every == time.Minute:
			return "* * * * *", nil
		case t.Every < time.Hour && time.Hour%t.Every == 0:
			return fmt.Sprintf("*/%d * * * *", int(t.Every/time.Minute)), nil
		case t.Every == time.Hour:
			return "0 * * * *", nil
		case t.Every%time.Hour == 0 && (24*time.Hour)%t.Every == 0:
			return fmt.Sprintf("0 */%d * * *", int(t.Every/time.Hour)), nil
		}
		return "", fmt.Errorf("interval %s cannot be expressed in cron", t.Every)
	}
	return "", fmt.Errorf("unknown trigger kind %q", t.Kind)
}

func joinArgs(argv []string, quote func(string) string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quote(arg)
	}
	return strings.Join(quoted, " ")
}

// systemdQuote quotes arg for an Exec line. Specifiers and variables are escaped even
// when no quoting is needed.
func systemdQuote(arg string) string {
	arg = strings.NewReplacer("%", "%%", "$", "$$").Replace(arg)
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\;") {
		return arg
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(arg) + `"`
}

// shellQuote quotes arg for /bin/sh.
func shellQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\$`;&|<>()*?[]{}#~!") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func writeIfChanged(path string, content []byte) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, content) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, failure.Internal("reading %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, failure.Internal("creating %s: %w", filepath.Dir(path), err)
	}
	if err := atomicfile.Write(path, content, 0644); err != nil {
		return false, failure.Internal("writing %s: %w", path, err)
	}
	return true, nil
}
