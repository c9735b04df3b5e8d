// Package config loads coldstow's settings. Grounded on the teacher's
// config.LoadConfig (defaults first, file overlay second, then Validate),
// but backed by the real gopkg.in/ini.v1 library the teacher's go.mod
// already named instead of a hand-rolled bufio scanner.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Config holds coldstow's settings, overlaying a config file onto built-in
// defaults.
type Config struct {
	// CacheRoot overrides the per-user cache root (cachedir.Root) used for
	// staging directories. Empty means use the default resolution.
	CacheRoot string

	// CompressionLevel is the default mksquashfs compression level when a
	// freeze invocation does not specify one (spec.md §4.4 options).
	CompressionLevel int

	// EscalationTool overrides the privilege-escalation command name
	// (spec.md §4.9); empty defers to the COLDSTOW_SUDO environment
	// variable and then the compiled-in whitelist search.
	EscalationTool string

	// DefaultConflictPolicy is used by unfreeze when --on-conflict is not
	// given on the command line. One of "fail", "overwrite",
	// "skip_existing".
	DefaultConflictPolicy string

	// ProgressEnabled toggles the tview progress UI by default.
	ProgressEnabled bool

	// Debug is read from the debug key. Nothing in coldstow consults it;
	// the service's StdoutLogger prints debug lines whether or not it is
	// set.
	Debug bool

	// StagingGCThresholdHours is how old (without a live lock) a staging
	// directory must be before the GC treats it as abandoned (spec.md §4.7).
	StagingGCThresholdHours int
}

// Default returns the built-in configuration used when no config file is
// present.
func Default() *Config {
	return &Config{
		CompressionLevel:         19,
		DefaultConflictPolicy:    "fail",
		ProgressEnabled:          false,
		StagingGCThresholdHours:  24,
	}
}

// configPaths are searched in order; the first that exists is loaded.
// Mirrors the teacher's /etc/dsynth, /usr/local/etc/dsynth search order.
func configPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "coldstow", "config.ini"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "coldstow", "config.ini"))
	}
	paths = append(paths, "/etc/coldstow/config.ini")
	return paths
}

// Load builds a Config by overlaying the first config file found (searched
// via configPaths, or explicitPath if non-empty) onto Default(). A missing
// file is not an error; a malformed one is.
func Load(explicitPath string) (*Config, error) {
	cfg := Default()

	path := explicitPath
	if path == "" {
		for _, p := range configPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	sec := file.Section("") // default/global section
	if sec.HasKey("cache_root") {
		cfg.CacheRoot = sec.Key("cache_root").String()
	}
	if sec.HasKey("compression_level") {
		if v, err := sec.Key("compression_level").Int(); err == nil {
			cfg.CompressionLevel = v
		}
	}
	if sec.HasKey("escalation_tool") {
		cfg.EscalationTool = sec.Key("escalation_tool").String()
	}
	if sec.HasKey("default_conflict_policy") {
		cfg.DefaultConflictPolicy = sec.Key("default_conflict_policy").String()
	}
	if sec.HasKey("progress") {
		cfg.ProgressEnabled = sec.Key("progress").MustBool(cfg.ProgressEnabled)
	}
	if sec.HasKey("debug") {
		cfg.Debug = sec.Key("debug").MustBool(cfg.Debug)
	}
	if sec.HasKey("staging_gc_threshold_hours") {
		if v, err := sec.Key("staging_gc_threshold_hours").Int(); err == nil {
			cfg.StagingGCThresholdHours = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values for internal consistency.
func (c *Config) Validate() error {
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return fmt.Errorf("config: compression_level %d out of range [0,22]", c.CompressionLevel)
	}
	switch c.DefaultConflictPolicy {
	case "fail", "overwrite", "skip_existing":
	default:
		return fmt.Errorf("config: default_conflict_policy %q invalid", c.DefaultConflictPolicy)
	}
	if c.StagingGCThresholdHours < 0 {
		return fmt.Errorf("config: staging_gc_threshold_hours must be >= 0")
	}
	return nil
}

// WriteDefault writes a commented default configuration file to path,
// matching the teacher's WriteDefaultConfig convention for a first-run
// scaffold.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	cfg := Default()
	fmt.Fprintln(file, "; coldstow configuration file")
	fmt.Fprintln(file, "; see coldstow(1) for details")
	fmt.Fprintln(file)
	fmt.Fprintf(file, "compression_level = %d\n", cfg.CompressionLevel)
	fmt.Fprintf(file, "default_conflict_policy = %s\n", cfg.DefaultConflictPolicy)
	fmt.Fprintf(file, "progress = %v\n", cfg.ProgressEnabled)
	fmt.Fprintf(file, "debug = %v\n", cfg.Debug)
	fmt.Fprintf(file, "staging_gc_threshold_hours = %d\n", cfg.StagingGCThresholdHours)
	return nil
}
