package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minios-linux/lokitd/segment"
	"github.com/minios-linux/lokitd/store"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != "" {
		t.Fatalf("Path() = %q, want empty", cfg.Path())
	}
	if cfg.Store.Backend != store.BackendMemory || cfg.Translation.MaxChars != 6000 || cfg.Translation.MaxUnits != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing explicit file")
	}
}

func TestLoadFileKeepsUnsetDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lokitd.yaml", `
server:
  addr: ":9000"
store:
  backend: sqlite
  path: /tmp/jobs.db
translation:
  workers: 8
  retry_backoff: 5s
  soft_timeout: 1m
  mode: newline
providers:
  openai:
    base_url: http://localhost:11434/v1
    timeout: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != path {
		t.Fatalf("Path() = %q", cfg.Path())
	}
	if cfg.Server.Addr != ":9000" || cfg.Translation.Workers != 8 || cfg.Translation.RetryBackoff != 5*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Translation.MaxUnits != 10 || cfg.Queue.HighPriorityThreshold != 5 {
		t.Fatalf("defaults lost: %+v", cfg)
	}

	opts := cfg.OrchestratorOptions()
	if opts.Mode != segment.ModeNewline || opts.SoftTimeout != time.Minute || opts.Limits.MaxChars != 6000 {
		t.Fatalf("OrchestratorOptions() = %+v", opts)
	}
	so := cfg.StoreOptions()
	if so.Backend != store.BackendSQLite || so.Path != "/tmp/jobs.db" {
		t.Fatalf("StoreOptions() = %+v", so)
	}
	prov := cfg.ProviderOverrides()["openai"]
	if prov.BaseURL != "http://localhost:11434/v1" || prov.Timeout != 30*time.Second || prov.ID != "openai" {
		t.Fatalf("ProviderOverrides() = %+v", prov)
	}
}

func TestLoadParseError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "server: [")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parsing") {
		t.Fatalf("Load() error = %v, want parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"sqlite without path", func(c *Config) {
			c.Store.Backend = "sqlite"
			c.Store.Path = ""
		}, "store.path"},
		{"bad mode", func(c *Config) { c.Translation.Mode = "words" }, "translation.mode"},
		{"zero workers", func(c *Config) { c.Translation.Workers = 0 }, "translation.workers"},
		{"too many workers", func(c *Config) { c.Translation.Workers = 50 }, "at most"},
		{"zero attempts", func(c *Config) { c.Translation.Attempts = 0 }, "translation.attempts"},
		{"soft after hard", func(c *Config) {
			c.Translation.SoftTimeout = time.Minute
			c.Translation.HardTimeout = time.Second
		}, "soft_timeout"},
		{"unknown provider", func(c *Config) { c.Providers = map[string]Provider{"llama": {}} }, "llama"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := c.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOKITD_ADDR":          ":7000",
		"LOKITD_STORE":         "redis",
		"LOKITD_REDIS_DB":      "3",
		"LOKITD_INLINE":        "true",
		"LOKITD_HARD_TIMEOUT":  "10m",
		"LOKITD_SEGMENTATION":  "  ",
		"LOKITD_UNRELATED_VAR": "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	if err := c.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.Server.Addr != ":7000" || c.Store.Backend != "redis" || c.Redis.DB != 3 || !c.Queue.Inline || c.Translation.HardTimeout != 10*time.Minute {
		t.Fatalf("env not applied: %+v", c)
	}
	if c.Translation.Mode != string(segment.ModeSentence) {
		t.Fatalf("blank value overrode mode: %q", c.Translation.Mode)
	}

	env = map[string]string{"LOKITD_WORKERS": "many", "LOKITD_ATTEMPTS": "x"}
	err := Default().ApplyEnv(lookup)
	if err == nil || !strings.Contains(err.Error(), "LOKITD_WORKERS") || !strings.Contains(err.Error(), "LOKITD_ATTEMPTS") {
		t.Fatalf("ApplyEnv() error = %v, want both bad variables named", err)
	}
}

func TestLoadAppliesProcessEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOKITD_MAX_UNITS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Translation.MaxUnits != 4 {
		t.Fatalf("MaxUnits = %d, want 4", cfg.Translation.MaxUnits)
	}
}

func TestLoadDotEnv(t *testing.T) {
	const name = "LOKITD_TEST_DOTENV_VALUE"
	t.Cleanup(func() { os.Unsetenv(name) })

	dir := t.TempDir()
	path := writeFile(t, dir, ".env", name+"=from-file\n")
	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(name); got != "from-file" {
		t.Fatalf("%s = %q", name, got)
	}
}

func TestEnvNamesSorted(t *testing.T) {
	names := EnvNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("EnvNames() not sorted at %d: %v", i, names)
		}
	}
	for _, n := range names {
		if !strings.HasPrefix(n, EnvPrefix) {
			t.Fatalf("%q lacks prefix", n)
		}
	}
}
