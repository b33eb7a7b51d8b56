package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tu500/ffsuspend/internal/logging"
)

// Config is the top-level configuration document.
type Config struct {
	// Programs lists the binary names to monitor. Positional command-line
	// arguments take precedence over this list.
	Programs []string `yaml:"programs"`
	// CheckClipboard enables the clipboard poll on workspace focus changes:
	// when the clipboard changed since the last check, visible programs are
	// not stopped by the next focus switch.
	CheckClipboard bool `yaml:"checkClipboard"`
	// PIDFile, when set, receives the daemon's PID on startup.
	PIDFile string         `yaml:"pidFile"`
	Journal JournalConfig  `yaml:"journal"`
	Logging logging.Config `yaml:"logging"`
}

// JournalConfig controls the sqlite transition journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path of the database file. Empty selects the default under the user's
	// data directory.
	Path string `yaml:"path"`
	// RetainDays prunes journal entries older than this many days on startup.
	// An explicit zero disables pruning; leaving it unset selects the default
	// of 30 days.
	RetainDays *int `yaml:"retainDays"`
}

// RetentionDays returns the effective pruning window; zero means pruning is
// disabled.
func (j JournalConfig) RetentionDays() int {
	if j.RetainDays == nil {
		return defaultRetainDays
	}
	return *j.RetainDays
}

const defaultRetainDays = 30

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ffsuspend", "config.yaml")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Journal.RetainDays == nil {
		days := defaultRetainDays
		c.Journal.RetainDays = &days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate performs basic sanity checks.
func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for _, name := range c.Programs {
		if name == "" {
			return fmt.Errorf("program name cannot be empty")
		}
		if filepath.Base(name) != name {
			return fmt.Errorf("program %q must be a bare binary name, not a path", name)
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("duplicate program %q", name)
		}
		seen[name] = struct{}{}
	}
	if c.Journal.RetainDays != nil && *c.Journal.RetainDays < 0 {
		return fmt.Errorf("journal.retainDays cannot be negative")
	}
	return nil
}
