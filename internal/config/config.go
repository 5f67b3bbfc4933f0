package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alarmd/internal/ics"
	"alarmd/internal/recur"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "Local"
	defaultPurgeCron       = "5 0 * * *"
	defaultPopulateTimeout = 30 * time.Second
	defaultArchiveDays     = 7
)

// Resource kinds.
const (
	KindActive   = "active"
	KindArchived = "archived"
)

// ResourceConfig describes one calendar resource. Exactly one of Dir and
// URL is used: Dir names a disk store (relative to DataDir when not
// absolute), URL an ICS feed or file which is loaded read-only.
type ResourceConfig struct {
	Name string `yaml:"name" json:"name"`
	// Kind is "active" (default) or "archived".
	Kind string `yaml:"kind" json:"kind"`
	Dir  string `yaml:"dir,omitempty" json:"dir,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// WorkHours is the working day as "HH:MM" wall-clock times.
type WorkHours struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the control API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the control API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone alarms are scheduled in ("Local" for the
	// system zone).
	Timezone string `yaml:"timezone" json:"timezone"`

	// StartOfDay is the "HH:MM" time at which date-only alarms trigger.
	StartOfDay string `yaml:"start_of_day" json:"start_of_day"`

	// WorkDays lists working weekdays by English name ("monday", ...).
	WorkDays  []string  `yaml:"work_days" json:"work_days"`
	WorkHours WorkHours `yaml:"work_hours" json:"work_hours"`

	// Holidays maps "2006-01-02" dates to holiday names.
	Holidays map[string]string `yaml:"holidays,omitempty" json:"holidays,omitempty"`
	// HolidaysICS is an ICS file of all-day holiday events, merged into
	// Holidays.
	HolidaysICS string `yaml:"holidays_ics,omitempty" json:"holidays_ics,omitempty"`

	// ArchivePurgeDays controls archiving of expired alarms: -1 keeps them
	// forever, 0 disables archiving, N purges them after N days. Unset
	// means 7.
	ArchivePurgeDays *int `yaml:"archive_purge_days,omitempty" json:"archive_purge_days,omitempty"`

	// PurgeCron is the cron schedule of the archive purge.
	PurgeCron string `yaml:"purge_cron" json:"purge_cron"`

	// PopulateTimeout bounds how long queued requests wait for resources
	// to load before the scheduler gives up.
	PopulateTimeout time.Duration `yaml:"populate_timeout" json:"populate_timeout"`

	// DataDir holds the disk resources and the ICS cache.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Resources []ResourceConfig `yaml:"resources" json:"resources"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Shell runs command alarms; empty uses the platform shell.
	Shell string `yaml:"shell,omitempty" json:"shell,omitempty"`

	// Console prints message alarms to stdout in colour instead of only
	// logging them.
	Console bool `yaml:"console" json:"console"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	days := defaultArchiveDays
	return &Config{
		Listen:           defaultListen,
		Timezone:         defaultTimezone,
		StartOfDay:       "00:00",
		WorkDays:         []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		WorkHours:        WorkHours{Start: "09:00", End: "17:00"},
		ArchivePurgeDays: &days,
		PurgeCron:        defaultPurgeCron,
		PopulateTimeout:  defaultPopulateTimeout,
		DataDir:          "data",
		Resources:        defaultResources(),
		LogLevel:         "info",
		Console:          true,
	}
}

func defaultResources() []ResourceConfig {
	return []ResourceConfig{
		{Name: "alarms", Kind: KindActive, Dir: "alarms"},
		{Name: "archive", Kind: KindArchived, Dir: "archive"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.StartOfDay == "" {
		c.StartOfDay = "00:00"
	}
	if c.WorkDays == nil {
		c.WorkDays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}
	}
	if c.WorkHours.Start == "" {
		c.WorkHours.Start = "09:00"
	}
	if c.WorkHours.End == "" {
		c.WorkHours.End = "17:00"
	}
	if c.ArchivePurgeDays == nil {
		days := defaultArchiveDays
		c.ArchivePurgeDays = &days
	} else if *c.ArchivePurgeDays < -1 {
		*c.ArchivePurgeDays = -1
	}
	if c.PurgeCron == "" {
		c.PurgeCron = defaultPurgeCron
	}
	if c.PopulateTimeout <= 0 {
		c.PopulateTimeout = defaultPopulateTimeout
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if len(c.Resources) == 0 {
		c.Resources = defaultResources()
	}
	for i := range c.Resources {
		r := &c.Resources[i]
		if r.Kind == "" {
			r.Kind = KindActive
		}
		if r.Dir == "" && r.URL == "" {
			r.Dir = r.Name
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ArchiveKeepDays returns the normalized archive setting.
func (c *Config) ArchiveKeepDays() int {
	if c.ArchivePurgeDays == nil {
		return defaultArchiveDays
	}
	return *c.ArchivePurgeDays
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if _, err := c.ToContext(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Resources))
	active := false
	for _, r := range c.Resources {
		if r.Name == "" {
			return errors.New("resource without a name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate resource %q", r.Name)
		}
		seen[r.Name] = true
		switch r.Kind {
		case KindActive:
			active = true
		case KindArchived:
			if r.URL != "" {
				return fmt.Errorf("archive resource %q cannot be an ICS feed", r.Name)
			}
		default:
			return fmt.Errorf("resource %q: unknown kind %q", r.Name, r.Kind)
		}
	}
	if !active {
		return errors.New("no active resource configured")
	}
	return nil
}

// ResourceDir resolves a disk resource directory against DataDir.
func (c *Config) ResourceDir(r ResourceConfig) string {
	if filepath.IsAbs(r.Dir) {
		return r.Dir
	}
	return filepath.Join(c.DataDir, r.Dir)
}

// CacheDir is where fetched ICS feeds are cached.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// Location loads the configured zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ToContext builds the scheduling context described by the config. The
// returned context uses the real clock.
func (c *Config) ToContext() (*recur.Context, error) {
	ctx := recur.DefaultContext()
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	ctx.Location = loc

	if ctx.StartOfDay, err = parseClock(c.StartOfDay); err != nil {
		return nil, fmt.Errorf("start_of_day: %w", err)
	}
	if ctx.WorkStart, err = parseClock(c.WorkHours.Start); err != nil {
		return nil, fmt.Errorf("work_hours.start: %w", err)
	}
	if ctx.WorkEnd, err = parseClock(c.WorkHours.End); err != nil {
		return nil, fmt.Errorf("work_hours.end: %w", err)
	}
	if ctx.WorkEnd <= ctx.WorkStart {
		return nil, errors.New("work_hours: end must be after start")
	}

	ctx.WorkDays = ctx.WorkDays[:0]
	for _, d := range c.WorkDays {
		wd, err := parseWeekday(d)
		if err != nil {
			return nil, fmt.Errorf("work_days: %w", err)
		}
		ctx.WorkDays = append(ctx.WorkDays, wd)
	}

	ctx.Holidays = make(map[string]string, len(c.Holidays))
	if c.HolidaysICS != "" {
		body, err := os.ReadFile(c.HolidaysICS)
		if err != nil {
			return nil, fmt.Errorf("holidays_ics: %w", err)
		}
		days, err := ics.ParseHolidays(body, loc)
		if err != nil {
			return nil, fmt.Errorf("holidays_ics: %w", err)
		}
		for d, name := range days {
			ctx.Holidays[d] = name
		}
	}
	for d, name := range c.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("holidays: bad date %q", d)
		}
		ctx.Holidays[d] = name
	}
	return ctx, nil
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// A relative DataDir is resolved against the config file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			cfg.resolveDataDir(path)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.resolveDataDir(path)

	return &cfg, nil
}

func (c *Config) resolveDataDir(configPath string) {
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(configPath), c.DataDir)
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".alarmd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
