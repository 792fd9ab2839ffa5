// Package config loads lokitd.yaml and applies environment overrides.
//
// Precedence, lowest first: built-in defaults, the YAML file, variables
// from .env, the process environment (LOKITD_*), command-line flags. A
// missing YAML file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/minios-linux/lokitd/batch"
	"github.com/minios-linux/lokitd/dispatch"
	"github.com/minios-linux/lokitd/orchestrator"
	"github.com/minios-linux/lokitd/segment"
	"github.com/minios-linux/lokitd/store"
	"github.com/minios-linux/lokitd/translate"
)

// ---------------------------------------------------------------------------
// YAML schema
// ---------------------------------------------------------------------------

// Config is the top-level lokitd.yaml structure.
type Config struct {
	Server      Server              `yaml:"server"`
	Store       Store               `yaml:"store"`
	Redis       Redis               `yaml:"redis"`
	AMQP        AMQP                `yaml:"amqp"`
	Queue       Queue               `yaml:"queue"`
	Worker      Worker              `yaml:"worker"`
	Translation Translation         `yaml:"translation"`
	Webhook     Webhook             `yaml:"webhook"`
	Providers   map[string]Provider `yaml:"providers,omitempty"`

	// path is the file the config was read from, empty for defaults.
	path string
}

type Server struct {
	Addr string `yaml:"addr"`
	// AccessLog turns on per-request logging.
	AccessLog bool `yaml:"access_log,omitempty"`
}

type Store struct {
	// Backend: "memory", "sqlite" or "redis".
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path,omitempty"`
	TTL       time.Duration `yaml:"ttl"`
	ResultTTL time.Duration `yaml:"result_ttl"`
	// VacuumInterval purges expired SQLite rows; 0 disables it.
	VacuumInterval time.Duration `yaml:"vacuum_interval,omitempty"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type AMQP struct {
	URL      string `yaml:"url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

type Queue struct {
	// HighPriorityThreshold is the lowest priority routed to the
	// high priority queue.
	HighPriorityThreshold int `yaml:"high_priority_threshold"`
	// Inline runs jobs inside the API process instead of publishing them.
	Inline bool `yaml:"inline"`
}

type Worker struct {
	// Concurrency is the number of jobs one process runs at a time.
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Translation struct {
	Workers      int           `yaml:"workers"`
	MaxChars     int           `yaml:"max_chars"`
	MaxUnits     int           `yaml:"max_units"`
	Attempts     int           `yaml:"attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	LaunchDelay  time.Duration `yaml:"launch_delay,omitempty"`
	SoftTimeout  time.Duration `yaml:"soft_timeout,omitempty"`
	HardTimeout  time.Duration `yaml:"hard_timeout,omitempty"`
	// Mode is the default segmentation mode.
	Mode       string `yaml:"mode"`
	TargetLang string `yaml:"target_lang"`
	Adaptive   bool   `yaml:"adaptive,omitempty"`
}

type Webhook struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Provider overrides one translation backend.
type Provider struct {
	BaseURL     string        `yaml:"base_url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Proxy       string        `yaml:"proxy,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// FileName is the default config file name.
const FileName = "lokitd.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOKITD_"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8000"},
		Store: Store{
			Backend:        store.BackendMemory,
			Path:           "lokitd.db",
			TTL:            store.DefaultTTL,
			ResultTTL:      store.DefaultResultTTL,
			VacuumInterval: time.Hour,
		},
		Redis:  Redis{Addr: "localhost:6379"},
		AMQP:   AMQP{Exchange: dispatch.DefaultExchange},
		Queue:  Queue{HighPriorityThreshold: dispatch.DefaultThreshold},
		Worker: Worker{Concurrency: 2, PollInterval: 2 * time.Second},
		Translation: Translation{
			Workers:      4,
			MaxChars:     batch.DefaultMaxChars,
			MaxUnits:     batch.DefaultMaxUnits,
			Attempts:     translate.DefaultAttempts,
			RetryBackoff: translate.DefaultBackoff,
			Mode:         string(segment.ModeSentence),
			TargetLang:   "en",
		},
		Webhook: Webhook{Timeout: 10 * time.Second},
	}
}

// Load reads path (FileName when empty) over the defaults, then applies
// the environment and validates the result.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = FileName
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.path = path
	case os.IsNotExist(err) && !explicit:
		// No file: defaults plus environment.
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment.
// Variables already set win, and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// source names the config in error messages.
func (c *Config) source() string {
	if c.path == "" {
		return "config"
	}
	return c.path
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

type envSetter func(c *Config, v string) error

func str(f func(c *Config) *string) envSetter {
	return func(c *Config, v string) error {
		*f(c) = v
		return nil
	}
}

func num(f func(c *Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func flag(f func(c *Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*f(c) = b
		return nil
	}
}

func dur(f func(c *Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = d
		return nil
	}
}

// envVars maps variable names (without EnvPrefix) to config fields.
var envVars = map[string]envSetter{
	"ADDR":                    str(func(c *Config) *string { return &c.Server.Addr }),
	"ACCESS_LOG":              flag(func(c *Config) *bool { return &c.Server.AccessLog }),
	"STORE":                   str(func(c *Config) *string { return &c.Store.Backend }),
	"STORE_PATH":              str(func(c *Config) *string { return &c.Store.Path }),
	"STORE_TTL":               dur(func(c *Config) *time.Duration { return &c.Store.TTL }),
	"RESULT_TTL":              dur(func(c *Config) *time.Duration { return &c.Store.ResultTTL }),
	"REDIS_ADDR":              str(func(c *Config) *string { return &c.Redis.Addr }),
	"REDIS_PASSWORD":          str(func(c *Config) *string { return &c.Redis.Password }),
	"REDIS_DB":                num(func(c *Config) *int { return &c.Redis.DB }),
	"AMQP_URL":                str(func(c *Config) *string { return &c.AMQP.URL }),
	"AMQP_EXCHANGE":           str(func(c *Config) *string { return &c.AMQP.Exchange }),
	"HIGH_PRIORITY_THRESHOLD": num(func(c *Config) *int { return &c.Queue.HighPriorityThreshold }),
	"INLINE":                  flag(func(c *Config) *bool { return &c.Queue.Inline }),
	"WORKER_CONCURRENCY":      num(func(c *Config) *int { return &c.Worker.Concurrency }),
	"POLL_INTERVAL":           dur(func(c *Config) *time.Duration { return &c.Worker.PollInterval }),
	"WORKERS":                 num(func(c *Config) *int { return &c.Translation.Workers }),
	"MAX_CHARS":               num(func(c *Config) *int { return &c.Translation.MaxChars }),
	"MAX_UNITS":               num(func(c *Config) *int { return &c.Translation.MaxUnits }),
	"ATTEMPTS":                num(func(c *Config) *int { return &c.Translation.Attempts }),
	"RETRY_BACKOFF":           dur(func(c *Config) *time.Duration { return &c.Translation.RetryBackoff }),
	"LAUNCH_DELAY":            dur(func(c *Config) *time.Duration { return &c.Translation.LaunchDelay }),
	"SOFT_TIMEOUT":            dur(func(c *Config) *time.Duration { return &c.Translation.SoftTimeout }),
	"HARD_TIMEOUT":            dur(func(c *Config) *time.Duration { return &c.Translation.HardTimeout }),
	"SEGMENTATION":            str(func(c *Config) *string { return &c.Translation.Mode }),
	"TARGET_LANG":             str(func(c *Config) *string { return &c.Translation.TargetLang }),
	"ADAPTIVE":                flag(func(c *Config) *bool { return &c.Translation.Adaptive }),
	"WEBHOOK_TIMEOUT":         dur(func(c *Config) *time.Duration { return &c.Webhook.Timeout }),
}

// EnvNames lists every supported variable, sorted.
func EnvNames() []string {
	names := make([]string, 0, len(envVars))
	for k := range envVars {
		names = append(names, EnvPrefix+k)
	}
	sort.Strings(names)
	return names
}

// ApplyEnv overrides fields from LOKITD_* variables. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, name := range EnvNames() {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := envVars[strings.TrimPrefix(name, EnvPrefix)](c, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", name, v, err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	src := c.source()

	switch strings.ToLower(c.Store.Backend) {
	case store.BackendMemory, store.BackendSQLite, store.BackendRedis:
	default:
		return fmt.Errorf("%s: store.backend has unknown value %q (valid: memory, sqlite, redis)", src, c.Store.Backend)
	}
	if strings.EqualFold(c.Store.Backend, store.BackendSQLite) && c.Store.Path == "" {
		return fmt.Errorf("%s: store.path is required for the sqlite backend", src)
	}
	if _, ok := segment.ParseMode(c.Translation.Mode); !ok {
		return fmt.Errorf("%s: translation.mode has unknown value %q (valid: sentence, newline, token-aware, none)", src, c.Translation.Mode)
	}

	positive := []struct {
		field string
		v     int
	}{
		{"worker.concurrency", c.Worker.Concurrency},
		{"translation.workers", c.Translation.Workers},
		{"translation.max_chars", c.Translation.MaxChars},
		{"translation.max_units", c.Translation.MaxUnits},
		{"translation.attempts", c.Translation.Attempts},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s: %s must be positive, got %d", src, p.field, p.v)
		}
	}
	if c.Translation.Workers > batch.MaxWorkers {
		return fmt.Errorf("%s: translation.workers must be at most %d, got %d", src, batch.MaxWorkers, c.Translation.Workers)
	}
	if c.Translation.SoftTimeout > 0 && c.Translation.HardTimeout > 0 && c.Translation.SoftTimeout >= c.Translation.HardTimeout {
		return fmt.Errorf("%s: translation.soft_timeout (%s) must be shorter than hard_timeout (%s)", src, c.Translation.SoftTimeout, c.Translation.HardTimeout)
	}

	for id := range c.Providers {
		if _, ok := translate.DefaultPrefixes[id]; !ok {
			return fmt.Errorf("%s: providers has unknown backend %q (valid: openai, anthropic, gemini)", src, id)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// StoreOptions selects the job store backend.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend: strings.ToLower(c.Store.Backend),
		Path:    c.Store.Path,
		Redis: store.RedisOptions{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		},
	}
}

// OrchestratorOptions returns the per-job run options.
func (c *Config) OrchestratorOptions() orchestrator.Options {
	mode, _ := segment.ParseMode(c.Translation.Mode)
	return orchestrator.Options{
		Limits: batch.Limits{
			MaxChars: c.Translation.MaxChars,
			MaxUnits: c.Translation.MaxUnits,
		},
		Workers:     c.Translation.Workers,
		Adaptive:    c.Translation.Adaptive,
		LaunchDelay: c.Translation.LaunchDelay,
		SoftTimeout: c.Translation.SoftTimeout,
		HardTimeout: c.Translation.HardTimeout,
		Mode:        mode,
	}
}

// ProviderOverrides converts the providers section for
// translate.NewDefaultRegistry.
func (c *Config) ProviderOverrides() map[string]translate.Provider {
	out := make(map[string]translate.Provider, len(c.Providers))
	for id, p := range c.Providers {
		out[id] = translate.Provider{
			ID:          id,
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			Proxy:       p.Proxy,
			Timeout:     p.Timeout,
			Temperature: p.Temperature,
		}
	}
	return out
}
