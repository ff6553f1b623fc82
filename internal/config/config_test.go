package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Tools.MaxRows != 50 || cfg.Tools.MaxBytes != 64*1024 {
		t.Fatalf("tools=%+v", cfg.Tools)
	}
	if cfg.Agent.ToolTimeout != 30*time.Second {
		t.Fatalf("tool_timeout=%v", cfg.Agent.ToolTimeout)
	}
	if cfg.Store.Path != filepath.Join(cfg.DataDir, "threads.db") {
		t.Fatalf("store path=%q", cfg.Store.Path)
	}
	if got := cfg.Model.Endpoints(); len(got) != 2 || got[0].Type != "anthropic" || got[1].Type != "openai" {
		t.Fatalf("endpoints=%+v", got)
	}
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
data_dir = "` + filepath.ToSlash(dir) + `"

[model]
provider = "openai_compatible"
base_url = "http://localhost:11434/v1"
primary_model = "qwen3"
secondary_model = ""

[agent]
interrupt_mode = "final"
interrupt_timeout = "90s"
interrupt_on_timeout = "reject"

[tools]
max_rows = 10
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SQLAGENT_AGENT__MAX_TOOL_ROUNDS", "5")
	t.Setenv("SQLAGENT_AGENT__SENSITIVE_TOOLS", "describe_table, list_tables")
	t.Setenv("SQLAGENT_TOOLS__READ_ONLY", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Provider != "openai_compatible" || cfg.Model.PrimaryModel != "qwen3" {
		t.Fatalf("model=%+v", cfg.Model)
	}
	if eps := cfg.Model.Endpoints(); len(eps) != 1 {
		t.Fatalf("fallback should be disabled: %+v", eps)
	}
	if cfg.Agent.InterruptMode != "final" || cfg.Agent.InterruptTimeout != 90*time.Second || cfg.Agent.InterruptOnTimeout != "reject" {
		t.Fatalf("agent=%+v", cfg.Agent)
	}
	if cfg.Agent.MaxToolRounds != 5 {
		t.Fatalf("max_tool_rounds=%d", cfg.Agent.MaxToolRounds)
	}
	if strings.Join(cfg.Agent.SensitiveTools, "|") != "describe_table|list_tables" {
		t.Fatalf("sensitive_tools=%q", cfg.Agent.SensitiveTools)
	}
	if cfg.Tools.MaxRows != 10 || !cfg.Tools.ReadOnly {
		t.Fatalf("tools=%+v", cfg.Tools)
	}
	// Untouched keys keep their defaults.
	if cfg.Agent.MaxConsecutiveToolErrors != 3 {
		t.Fatalf("max_consecutive_tool_errors=%d", cfg.Agent.MaxConsecutiveToolErrors)
	}
	if cfg.Tabular.Path != filepath.Join(filepath.FromSlash(filepath.ToSlash(dir)), "tables.db") {
		t.Fatalf("tabular path=%q", cfg.Tabular.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Model.Provider = "gemini" }, "invalid type"},
		{"compatible without url", func(c *Config) { c.Model.Provider = "openai_compatible" }, "base_url is required"},
		{"bad base url", func(c *Config) { c.Model.BaseURL = "ftp://x" }, "scheme"},
		{"missing model", func(c *Config) { c.Model.PrimaryModel = "" }, "primary_model"},
		{"budget above max", func(c *Config) { c.Model.ThinkingBudget = 20000 }, "thinking_budget"},
		{"small budget", func(c *Config) { c.Model.ThinkingBudget = 100 }, "thinking_budget"},
		{"bad mode", func(c *Config) { c.Agent.InterruptMode = "sometimes" }, "interrupt_mode"},
		{"missing timeout action", func(c *Config) { c.Agent.InterruptOnTimeout = "" }, "interrupt_on_timeout"},
		{"zero rounds", func(c *Config) { c.Agent.MaxToolRounds = 0 }, "max_tool_rounds"},
		{"zero error cap", func(c *Config) { c.Agent.MaxConsecutiveToolErrors = 0 }, "max_consecutive_tool_errors"},
		{"tiny byte budget", func(c *Config) { c.Tools.MaxBytes = 10 }, "max_bytes"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres }, "dsn"},
		{"postgres bad dsn", func(c *Config) { c.Store.Driver = StorePostgres; c.Store.DSN = "mysql://x" }, "dsn"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "bolt" }, "store.driver"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestInitConfigWritesLoadableSample(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := InitConfig(path); err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm()&0o077 != 0 && os.PathSeparator == '/' {
		t.Fatalf("config should not be group/world readable: %v", st.Mode())
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("sample does not load: %v", err)
	}
	if err := InitConfig(path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SQLAGENT_TEST_A=from_file\nSQLAGENT_TEST_B=from_file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SQLAGENT_TEST_A", "from_env")
	t.Setenv("SQLAGENT_TEST_B", "")
	_ = os.Unsetenv("SQLAGENT_TEST_B")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("SQLAGENT_TEST_A"); got != "from_env" {
		t.Fatalf("A=%q", got)
	}
	if got := os.Getenv("SQLAGENT_TEST_B"); got != "from_file" {
		t.Fatalf("B=%q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown", "thread_id", "th_1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"thread_id":"th_1"`) {
		t.Fatalf("log output=%q", out)
	}
	if _, err := NewLogger(LogConfig{Format: "xml"}, &buf); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestAPIKeyEnv(t *testing.T) {
	t.Parallel()

	if APIKeyEnv("anthropic") != "ANTHROPIC_API_KEY" || APIKeyEnv("openai_compatible") != "OPENAI_API_KEY" {
		t.Fatalf("unexpected env names")
	}
}
