package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Poll.Interval != 5*time.Second {
		t.Errorf("Poll.Interval = %v, want 5s", cfg.Poll.Interval)
	}
	if cfg.Poll.Shard != 180 || cfg.Poll.InstanceBoot != 60 {
		t.Errorf("budgets = shard %d boot %d, want 180 and 60", cfg.Poll.Shard, cfg.Poll.InstanceBoot)
	}
	if cfg.Ensemble.Port != 2181 {
		t.Errorf("Ensemble.Port = %d, want 2181", cfg.Ensemble.Port)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
poll:
  interval: 2s
  shard: 30
ensemble:
  leader_ip: 10.0.0.9
dry_run: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Poll.Interval != 2*time.Second {
		t.Errorf("Poll.Interval = %v, want 2s", cfg.Poll.Interval)
	}
	if cfg.Poll.Shard != 30 {
		t.Errorf("Poll.Shard = %d, want 30", cfg.Poll.Shard)
	}
	if cfg.Poll.Ensemble != 60 {
		t.Errorf("Poll.Ensemble = %d, want default 60", cfg.Poll.Ensemble)
	}
	if cfg.Ensemble.LeaderIP != "10.0.0.9" || !cfg.DryRun {
		t.Errorf("LeaderIP = %q, DryRun = %v", cfg.Ensemble.LeaderIP, cfg.DryRun)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("poll: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STAGEHAND_LOG_LEVEL":     "debug",
		"STAGEHAND_FANOUT_LIMIT":  "2",
		"STAGEHAND_POLL_INTERVAL": "250ms",
		"STAGEHAND_DRY_RUN":       "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Fanout.Limit != 2 {
		t.Errorf("Fanout.Limit = %d, want 2", cfg.Fanout.Limit)
	}
	if cfg.Poll.Interval != 250*time.Millisecond {
		t.Errorf("Poll.Interval = %v, want 250ms", cfg.Poll.Interval)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}

	cfg = Default()
	if err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "STAGEHAND_SSH_PORT" {
			return "twenty-two", true
		}
		return "", false
	}); err == nil {
		t.Error("ApplyEnv() error = nil, want parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "zero interval", mutate: func(c *Config) { c.Poll.Interval = 0 }},
		{name: "zero budget", mutate: func(c *Config) { c.Poll.Ensemble = 0 }},
		{name: "zero fanout", mutate: func(c *Config) { c.Fanout.Limit = 0 }},
		{name: "bad port", mutate: func(c *Config) { c.Ensemble.Port = 70000 }},
		{name: "host mapping", mutate: func(c *Config) { c.Hosts = map[string]string{"cn-uuid": "10.0.0.5"} }, ok: true},
		{name: "empty host target", mutate: func(c *Config) { c.Hosts = map[string]string{"cn-uuid": " "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() error = %v, want ok %v", err, tt.ok)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Poll.Interval = 3 * time.Second
	cfg.NTP.Server = "pool.ntp.org"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Poll.Interval != 3*time.Second || got.NTP.Server != "pool.ntp.org" {
		t.Errorf("loaded = %+v, want saved values", got)
	}
}

func TestLoadHostMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "hosts:\n  44454c4c-5000-1032-8033-b3c04f4b4d31: root@10.99.99.7\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Hosts["44454c4c-5000-1032-8033-b3c04f4b4d31"]; got != "root@10.99.99.7" {
		t.Errorf("Hosts[cn] = %q, want root@10.99.99.7", got)
	}
	if cfg.Rollback.Dir == "" {
		t.Error("Rollback.Dir is empty, want a default")
	}
}
