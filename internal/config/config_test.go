package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.JWT.Secret == "" {
		t.Error("expected JWT.Secret to be set")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_WorkflowDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Workflow.MaxDepth != 5 {
		t.Errorf("expected max depth 5, got %d", cfg.Workflow.MaxDepth)
	}
	if cfg.Workflow.ActionTimeout == 0 {
		t.Error("expected action timeout to be set")
	}
	if cfg.SLA.BusinessStart != 9 || cfg.SLA.BusinessEnd != 17 {
		t.Errorf("expected 9-17 business hours, got %d-%d", cfg.SLA.BusinessStart, cfg.SLA.BusinessEnd)
	}
	if cfg.SLA.SweepSchedule == "" {
		t.Error("expected sweep schedule to be set")
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(c *Config){
		"driver":   func(c *Config) { c.Database.Driver = "mysql" },
		"cursor":   func(c *Config) { c.Assignment.CursorStore = "memcache" },
		"hours":    func(c *Config) { c.SLA.BusinessStart, c.SLA.BusinessEnd = 17, 9 },
		"timezone": func(c *Config) { c.SLA.Timezone = "Mars/Olympus" },
		"secret":   func(c *Config) { c.JWT.Secret = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := GetDefaultConfig().Database
	if !strings.Contains(d.DSN(), "dbname=deskflow") {
		t.Errorf("unexpected postgres dsn %q", d.DSN())
	}
	d.Driver = "sqlite"
	d.Path = "file::memory:"
	if d.DSN() != "file::memory:" {
		t.Errorf("unexpected sqlite dsn %q", d.DSN())
	}
}

func TestLoad_FileAndDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yml")
	yml := "database:\n  driver: sqlite\n  path: test.db\nworkflow:\n  action_timeout: 2s\nsla:\n  timezone: Europe/Berlin\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	SetDefaults(viper.GetViper())
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "test.db" {
		t.Errorf("file values not applied: %+v", cfg.Database)
	}
	if cfg.Workflow.ActionTimeout != 2*time.Second {
		t.Errorf("expected 2s timeout, got %s", cfg.Workflow.ActionTimeout)
	}
	if cfg.Workflow.MaxDepth != 5 {
		t.Errorf("expected default max depth, got %d", cfg.Workflow.MaxDepth)
	}
	loc, _ := cfg.SLA.Location()
	if loc.String() != "Europe/Berlin" {
		t.Errorf("unexpected location %s", loc)
	}
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	l, err := NewLogger(LogConfig{Level: "warn", Format: "text", Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.WarnLevel {
		t.Errorf("expected warn level, got %s", l.GetLevel())
	}
	l.Warn("disk almost full")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "disk almost full") {
		t.Error("expected log line in file")
	}

	l, err = NewLogger(LogConfig{Level: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info fallback, got %s", l.GetLevel())
	}
}
