// Package config loads the agent's static configuration. It is read once per invocation.
package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jveski/fleetpull/internal/atomicfile"
	"github.com/jveski/fleetpull/internal/failure"
)

const DefaultPath = "/etc/fleetpull/agent.toml"

type Config struct {
	Source        Source          `toml:"source"`
	Paths         Paths           `toml:"paths"`
	Lock          Lock            `toml:"lock"`
	Schedule      Schedule        `toml:"schedule"`
	Maintenance   Maintenance     `toml:"maintenance"`
	Disk          Disk            `toml:"disk"`
	Metrics       Metrics         `toml:"metrics"`
	AutoLogin     AutoLogin       `toml:"autologin"`
	Prerequisites []*Prerequisite `toml:"prerequisite"`
}

type Source struct {
	Repo       string `toml:"repo"`
	Branch     string `toml:"branch"`
	Document   string `toml:"document"` // relative to the checkout root
	Secrets    string `toml:"secrets"`  // relative to the checkout root
	KnownHosts string `toml:"known_hosts"`
	HostKey    string `toml:"host_key_fingerprint"`
	Checkout   string `toml:"checkout"` // defaults to <state_dir>/checkout
}

type Paths struct {
	StateDir       string `toml:"state_dir"`
	LogDir         string `toml:"log_dir"`
	CredentialsDir string `toml:"credentials_dir"`
}

type Lock struct {
	StaleAfter time.Duration `toml:"stale_after"`
}

type Schedule struct {
	Backend           string        `toml:"backend"` // systemd or cron
	UnitDir           string        `toml:"unit_dir"`
	CronFile          string        `toml:"cron_file"`
	Binary            string        `toml:"binary"`
	ConvergenceEvery  time.Duration `toml:"convergence_interval"`
	MaintenanceHour   int           `toml:"maintenance_hour"`
	DeepCleanWeekday  string        `toml:"deep_clean_weekday"`
	DeepCleanHour     int           `toml:"deep_clean_hour"`
	DiskCheckInterval time.Duration `toml:"disk_check_interval"`
}

type Maintenance struct {
	CleanupCommands   [][]string `toml:"cleanup_commands"`
	DeepCleanCommands [][]string `toml:"deep_clean_commands"`
	Reboot            *bool      `toml:"reboot"`
	RebootCommand     []string   `toml:"reboot_command"`
}

type Disk struct {
	Path      string  `toml:"path"`
	Threshold float64 `toml:"threshold"`
}

type Metrics struct {
	TextfileDir string `toml:"textfile_dir"` // node exporter textfile collector dir, empty disables
}

type AutoLogin struct {
	User string `toml:"user"`
	Path string `toml:"path"`
}

type Prerequisite struct {
	Name    string   `toml:"name"`
	Binary  string   `toml:"binary"`
	Install []string `toml:"install"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults(toml.MetaData{})
	return c
}

// Load reads the file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	md, err := toml.DecodeFile(path, c)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, failure.Configuration("decoding config file %q: %w", path, err)
	}
	c.applyDefaults(md)
	return c, c.Validate()
}

// PersistSource records repo and branch in the file at path, creating it when missing.
// Other settings are kept but comments are not. Empty values are ignored.
func PersistSource(path, repo, branch string) (bool, error) {
	doc := map[string]any{}
	if _, err := toml.DecodeFile(path, &doc); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, failure.Configuration("decoding config file %q: %w", path, err)
	}

	src, _ := doc["source"].(map[string]any)
	if src == nil {
		src = map[string]any{}
		doc["source"] = src
	}

	changed := false
	for key, val := range map[string]string{"repo": repo, "branch": branch} {
		if val != "" && src[key] != val {
			src[key] = val
			changed = true
		}
	}
	if !changed {
		return false, nil
	}

	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(doc); err != nil {
		return false, failure.Internal("encoding config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, failure.Internal("creating config dir: %w", err)
	}
	if err := atomicfile.Write(path, buf.Bytes(), 0644); err != nil {
		return false, failure.Internal("writing config file: %w", err)
	}
	return true, nil
}

// md distinguishes an explicit zero hour (midnight) from an omitted one.
func (c *Config) applyDefaults(md toml.MetaData) {
	setString(&c.Source.Branch, "main")
	setString(&c.Source.Document, "fleet.toml")
	setString(&c.Source.Secrets, "secrets.age")

	setString(&c.Paths.StateDir, "/var/lib/fleetpull")
	setString(&c.Paths.LogDir, "/var/log/fleetpull")
	setString(&c.Paths.CredentialsDir, "/etc/fleetpull/credentials")
	setString(&c.Source.Checkout, filepath.Join(c.Paths.StateDir, "checkout"))

	if c.Lock.StaleAfter == 0 {
		c.Lock.StaleAfter = time.Hour * 2
	}

	setString(&c.Schedule.Backend, "systemd")
	setString(&c.Schedule.UnitDir, "/etc/systemd/system")
	setString(&c.Schedule.CronFile, "/etc/cron.d/fleetpull")
	setString(&c.Schedule.Binary, "/usr/local/bin/fleetpull")
	setString(&c.Schedule.DeepCleanWeekday, "Sunday")
	if c.Schedule.ConvergenceEvery == 0 {
		c.Schedule.ConvergenceEvery = time.Second * 1800
	}
	if c.Schedule.DiskCheckInterval == 0 {
		c.Schedule.DiskCheckInterval = time.Hour
	}
	if !md.IsDefined("schedule", "maintenance_hour") {
		c.Schedule.MaintenanceHour = 3
	}
	if !md.IsDefined("schedule", "deep_clean_hour") {
		c.Schedule.DeepCleanHour = 4
	}

	if c.Maintenance.Reboot == nil {
		reboot := true
		c.Maintenance.Reboot = &reboot
	}
	if len(c.Maintenance.RebootCommand) == 0 {
		c.Maintenance.RebootCommand = []string{"systemctl", "reboot"}
	}

	setString(&c.Disk.Path, "/")
	if c.Disk.Threshold == 0 {
		c.Disk.Threshold = 0.9
	}

	setString(&c.AutoLogin.Path, "/etc/kcpassword")
}

func (c *Config) Validate() error {
	if c.Disk.Threshold <= 0 || c.Disk.Threshold > 1 {
		return failure.Configuration("disk threshold must be within (0, 1], got %v", c.Disk.Threshold)
	}
	if c.Schedule.MaintenanceHour < 0 || c.Schedule.MaintenanceHour > 23 {
		return failure.Configuration("maintenance_hour must be within 0-23, got %d", c.Schedule.MaintenanceHour)
	}
	if c.Schedule.DeepCleanHour < 0 || c.Schedule.DeepCleanHour > 23 {
		return failure.Configuration("deep_clean_hour must be within 0-23, got %d", c.Schedule.DeepCleanHour)
	}
	if _, err := ParseWeekday(c.Schedule.DeepCleanWeekday); err != nil {
		return err
	}
	if c.Schedule.ConvergenceEvery < time.Minute || c.Schedule.DiskCheckInterval < time.Minute {
		return failure.Configuration("schedule intervals must be at least one minute")
	}
	if c.Schedule.Backend != "systemd" && c.Schedule.Backend != "cron" {
		return failure.Configuration("unknown schedule backend %q", c.Schedule.Backend)
	}
	if c.Lock.StaleAfter < 0 {
		return failure.Configuration("lock stale_after must be positive")
	}
	for _, p := range c.Prerequisites {
		if p.Binary == "" {
			return failure.Configuration("prerequisite %q has no binary", p.Name)
		}
	}
	return nil
}

func (c *Config) StatusDir() string { return c.Paths.StateDir }

func (c *Config) LockPath() string { return filepath.Join(c.Paths.StateDir, "run.lock") }

func (c *Config) MaintenancePath() string {
	return filepath.Join(c.Paths.StateDir, "maintenance.json")
}

// ParseWeekday accepts full or three letter English weekday names.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := d.String()
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, failure.Configuration("unknown weekday %q", s)
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}
