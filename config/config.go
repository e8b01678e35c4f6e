// Package config loads operator settings for stagehand.
//
// Config is stored at $XDG_CONFIG_HOME/stagehand/config.yaml (defaults to
// ~/.config/stagehand/config.yaml). Every key has a default, so a missing
// file is not an error. STAGEHAND_* environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Poll holds the readiness polling interval and the attempt budget of each
// kind of wait.
type Poll struct {
	Interval      time.Duration `yaml:"interval"`
	InstanceBoot  int           `yaml:"instance_boot"`
	Ensemble      int           `yaml:"ensemble"`
	Shard         int           `yaml:"shard"`
	ServiceErrors int           `yaml:"service_errors"`
}

type Ensemble struct {
	// LeaderIP skips the leader lookup for shard status queries.
	LeaderIP string `yaml:"leader_ip,omitempty"`
	Port     int    `yaml:"port"`
}

type SSH struct {
	Port    int    `yaml:"port"`
	KeyPath string `yaml:"key_path,omitempty"`
}

type Lock struct {
	// Path is the state database holding the failure lock and run history.
	Path string `yaml:"path"`
}

type Fanout struct {
	Limit int `yaml:"limit"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NTP struct {
	// Server is queried before ensemble upgrades. Empty disables the check.
	Server string `yaml:"server,omitempty"`
}

type Rollback struct {
	// Dir keeps the boot scripts instances had before an upgrade.
	Dir string `yaml:"dir"`
}

type DNS struct {
	// Server is the nameserver asked whether an instance is registered.
	// Empty uses the resolver of the host running the query.
	Server string `yaml:"server,omitempty"`
	// Host runs the lookups. Empty means the local machine.
	Host string `yaml:"host,omitempty"`
}

// Config is the full settings document.
type Config struct {
	Poll     Poll     `yaml:"poll"`
	Ensemble Ensemble `yaml:"ensemble"`
	SSH      SSH      `yaml:"ssh"`
	Lock     Lock     `yaml:"lock"`
	Fanout   Fanout   `yaml:"fanout"`
	Log      Log      `yaml:"log"`
	DryRun   bool     `yaml:"dry_run"`
	NTP      NTP      `yaml:"ntp"`
	Rollback Rollback `yaml:"rollback"`
	DNS      DNS      `yaml:"dns"`
	// Hosts maps server identifiers from the catalog to SSH targets.
	Hosts map[string]string `yaml:"hosts,omitempty"`
}

// Default returns the settings used for keys the file leaves out.
func Default() Config {
	return Config{
		Poll: Poll{
			Interval:      5 * time.Second,
			InstanceBoot:  60,
			Ensemble:      60,
			Shard:         180,
			ServiceErrors: 60,
		},
		Ensemble: Ensemble{Port: 2181},
		SSH:      SSH{Port: 22},
		Lock:     Lock{Path: filepath.Join(stateDir(), "state.db")},
		Fanout:   Fanout{Limit: 5},
		Log:      Log{Level: "info", Format: "text"},
		Rollback: Rollback{Dir: filepath.Join(stateDir(), "rollback")},
	}
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/stagehand/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "stagehand", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "stagehand", "config.yaml")
}

func stateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "state", "stagehand")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "stagehand")
}

// Load reads the config file at path, or at Path() when path is empty, and
// applies environment overrides. If the file does not exist, defaults are
// returned (not an error).
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from STAGEHAND_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("STAGEHAND_ENSEMBLE_LEADER_IP", &c.Ensemble.LeaderIP)
	str("STAGEHAND_SSH_KEY_PATH", &c.SSH.KeyPath)
	str("STAGEHAND_LOCK_PATH", &c.Lock.Path)
	str("STAGEHAND_LOG_LEVEL", &c.Log.Level)
	str("STAGEHAND_LOG_FORMAT", &c.Log.Format)
	str("STAGEHAND_NTP_SERVER", &c.NTP.Server)
	str("STAGEHAND_ROLLBACK_DIR", &c.Rollback.Dir)
	str("STAGEHAND_DNS_SERVER", &c.DNS.Server)

	for key, dst := range map[string]*int{
		"STAGEHAND_ENSEMBLE_PORT": &c.Ensemble.Port,
		"STAGEHAND_SSH_PORT":      &c.SSH.Port,
		"STAGEHAND_FANOUT_LIMIT":  &c.Fanout.Limit,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("STAGEHAND_POLL_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse STAGEHAND_POLL_INTERVAL: %w", err)
		}
		c.Poll.Interval = d
	}
	if v, ok := lookup("STAGEHAND_DRY_RUN"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse STAGEHAND_DRY_RUN: %w", err)
		}
		c.DryRun = b
	}
	return nil
}

// Validate rejects settings no wait or transport could work with.
func (c *Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	budgets := map[string]int{
		"poll.instance_boot":  c.Poll.InstanceBoot,
		"poll.ensemble":       c.Poll.Ensemble,
		"poll.shard":          c.Poll.Shard,
		"poll.service_errors": c.Poll.ServiceErrors,
	}
	for key, n := range budgets {
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", key, n)
		}
	}
	if c.Fanout.Limit < 1 {
		return fmt.Errorf("fanout.limit must be at least 1, got %d", c.Fanout.Limit)
	}
	if c.Ensemble.Port < 1 || c.Ensemble.Port > 65535 {
		return fmt.Errorf("ensemble.port out of range: %d", c.Ensemble.Port)
	}
	for server, target := range c.Hosts {
		if strings.TrimSpace(server) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("hosts: empty entry %q: %q", server, target)
		}
	}
	return nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
