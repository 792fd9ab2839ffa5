// lokitd — translation job service: segments long texts, batches them and
// translates the batches in parallel through LLM backends.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/minios-linux/lokitd/api"
	"github.com/minios-linux/lokitd/config"
	"github.com/minios-linux/lokitd/dispatch"
	"github.com/minios-linux/lokitd/i18n"
	"github.com/minios-linux/lokitd/langmeta"
	"github.com/minios-linux/lokitd/notify"
	"github.com/minios-linux/lokitd/orchestrator"
	"github.com/minios-linux/lokitd/segment"
	"github.com/minios-linux/lokitd/settings"
	"github.com/minios-linux/lokitd/store"
	"github.com/minios-linux/lokitd/translate"
	"github.com/minios-linux/lokitd/worker"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	configPath string
	envFile    string
)

// loadConfig reads .env and the config file named by the global flags.
func loadConfig() (*config.Config, error) {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Path() != "" {
		logInfo(i18n.T("Using config %s"), cfg.Path())
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lokitd",
		Short: "Translation job service with parallel batch translation",
		Long: `lokitd accepts long texts, splits them into sentence, line or token
units, groups the units into batches and translates the batches in
parallel through OpenAI, Anthropic or Gemini models. Each batch is
retried on its own; a batch that keeps failing is kept in its source
language, wrapped in <failed>...</failed>, and the job still completes.

Commands:
  serve       Run the HTTP API (in-process jobs, or publish to RabbitMQ)
  worker      Consume jobs from RabbitMQ
  translate   Translate a file or stdin once, without the service
  status      Show a job's status from the configured store
  auth        Manage backend API keys

Configuration is read from lokitd.yaml, .env and LOKITD_* variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			i18n.Init("")
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./"+config.FileName+" if present)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Environment file (default: ./.env if present)")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newTranslateCmd(),
		newStatusCmd(),
		newAuthCmd(),
		newEnvCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lokitd version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// env (list supported variables)
// ---------------------------------------------------------------------------

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables lokitd reads",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range config.EnvNames() {
				fmt.Println(name)
			}
			for _, id := range sortedBackends() {
				fmt.Println(settings.EnvVars[id])
			}
			fmt.Println(settings.GenericEnvVar)
		},
	}
}

// ---------------------------------------------------------------------------
// Shared wiring
// ---------------------------------------------------------------------------

// newRegistry builds the backend registry from config and stored credentials.
func newRegistry(cfg *config.Config, overrides map[string]translate.Provider) *translate.Registry {
	if overrides == nil {
		overrides = cfg.ProviderOverrides()
	}
	return translate.NewDefaultRegistry(settings.Providers(overrides), logInfo)
}

func newRunner(cfg *config.Config, jobs *store.Jobs, reg *translate.Registry) *worker.Runner {
	n := notify.New(cfg.Webhook.Timeout)
	n.OnLog = logInfo
	n.OnError = logWarning
	return &worker.Runner{
		Jobs:         jobs,
		Registry:     reg,
		Notifier:     n,
		Options:      cfg.OrchestratorOptions(),
		Attempts:     cfg.Translation.Attempts,
		Backoff:      cfg.Translation.RetryBackoff,
		TargetLang:   cfg.Translation.TargetLang,
		PollInterval: cfg.Worker.PollInterval,
		OnLog:        logInfo,
		OnError:      logError,
	}
}

// openJobs connects the configured store. The returned KV must be closed.
func openJobs(ctx context.Context, cfg *config.Config) (*store.Jobs, store.KV, error) {
	kv, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	return store.NewJobs(kv, cfg.Store.TTL, cfg.Store.ResultTTL), kv, nil
}

// vacuumLoop purges expired SQLite rows until ctx is done.
func vacuumLoop(ctx context.Context, db *store.SQLite, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Vacuum(ctx); err != nil && ctx.Err() == nil {
				logWarning(i18n.T("Store cleanup failed: %v"), err)
			}
		}
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func sortedBackends() []string {
	ids := make([]string, 0, len(settings.EnvVars))
	for id := range settings.EnvVars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		addr   string
		inline bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API.

Jobs are published to RabbitMQ when amqp.url is set; run one or more
'lokitd worker' processes to execute them. Without a broker, or with
--inline, jobs run inside this process.

Endpoints:
  POST /messages                    Submit a job
  GET  /messages/:id                Job status
  GET  /translation/:id             Final translation
  GET  /translation/:id/partial     Batches translated so far
  POST /queue/:id/terminate         Stop a job
  GET  /queue/stats                 Job counts per status
  GET  /health                      Liveness`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if inline {
				cfg.Queue.Inline = true
			}
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8000)")
	cmd.Flags().BoolVar(&inline, "inline", false, "Run jobs in this process even if a broker is configured")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	jobs, kv, err := openJobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	reg := newRegistry(cfg, nil)
	srv := &api.Server{
		Jobs:      jobs,
		Registry:  reg,
		Threshold: cfg.Queue.HighPriorityThreshold,
		Version:   version,
		AccessLog: cfg.Server.AccessLog,
		OnLog:     logInfo,
		OnError:   logError,
	}

	if cfg.AMQP.URL != "" && !cfg.Queue.Inline {
		conn, err := dispatch.Dial(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		pub, err := dispatch.NewPublisher(conn, cfg.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("opening publisher: %w", err)
		}
		defer pub.Close()
		srv.Dispatcher = pub
		logInfo(i18n.T("Publishing jobs to %s"), redactURL(cfg.AMQP.URL))
	} else {
		runner := newRunner(cfg, jobs, reg)
		defer runner.Notifier.Wait()
		pool := dispatch.NewInline(ctx, cfg.Worker.Concurrency, runner.Handle)
		pool.OnError = logError
		defer pool.Wait()
		srv.Dispatcher = pool
		srv.Canceler = runner
		logInfo(i18n.T("Running jobs in-process (%d at a time)"), cfg.Worker.Concurrency)
	}

	if db, ok := kv.(*store.SQLite); ok && cfg.Store.VacuumInterval > 0 {
		go vacuumLoop(ctx, db, cfg.Store.VacuumInterval)
	}

	logInfo(i18n.T("Store: %s"), cfg.Store.Backend)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return err
	}
	logSuccess(i18n.T("Server stopped"))
	return nil
}

// ---------------------------------------------------------------------------
// worker
// ---------------------------------------------------------------------------

func newWorkerCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from RabbitMQ",
		Long: `Consume jobs from the high_priority and default queues and run them.

A job interrupted by shutdown is put back to queued and redelivered to
another worker. Requires amqp.url (or LOKITD_AMQP_URL) and a store shared
with the API (redis or sqlite).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Jobs to run at a time (default from config)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.AMQP.URL == "" {
		return errors.New(i18n.T("amqp.url is not set; use 'lokitd serve --inline' to run without a broker"))
	}
	if cfg.Store.Backend == store.BackendMemory {
		logWarning(i18n.T("The memory store is not shared with the API process"))
	}

	jobs, kv, err := openJobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	runner := newRunner(cfg, jobs, newRegistry(cfg, nil))
	defer runner.Notifier.Wait()

	conn, err := dispatch.Dial(cfg.AMQP.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer, err := dispatch.NewConsumer(conn, cfg.AMQP.Exchange, cfg.Worker.Concurrency, runner.Handle)
	if err != nil {
		return fmt.Errorf("opening consumer: %w", err)
	}
	defer consumer.Close()
	consumer.OnLog = logInfo
	consumer.OnError = logError

	logInfo(i18n.T("Worker consuming from %s (%d at a time)"), redactURL(cfg.AMQP.URL), cfg.Worker.Concurrency)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	logSuccess(i18n.T("Worker stopped"))
	return nil
}

// ---------------------------------------------------------------------------
// translate (one-shot)
// ---------------------------------------------------------------------------

type translateArgs struct {
	input, output         string
	model, apiKey         string
	sourceLang, target    string
	mode                  string
	workers               int
	maxChars, maxUnits    int
	attempts              int
	retryBackoff, timeout time.Duration
	softTimeout           time.Duration
	proxy                 string
	adaptive, verbose     bool
}

func newTranslateCmd() *cobra.Command {
	var a translateArgs

	cmd := &cobra.Command{
		Use:   "translate [file|-]",
		Short: "Translate a file or stdin",
		Long: `Translate a text file (or stdin) once, printing the result to stdout.

The same segmentation, batching, retry and assembly rules as the service
apply. Batches that fail after all attempts appear as <failed>...</failed>.

Examples:
  lokitd translate --model gpt-4o --target-lang ru book.txt > book.ru.txt
  cat notes.txt | lokitd translate --model claude-3-5-sonnet --mode newline
  lokitd translate --model gemini-2.0-flash --source-lang bo --mode token-aware text.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.input = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runTranslate(ctx, cfg, a)
		},
	}

	cmd.Flags().StringVar(&a.model, "model", "", "Model name (required), e.g. gpt-4o, claude-3-5-sonnet, gemini-2.0-flash")
	cmd.Flags().StringVar(&a.apiKey, "api-key", "", "API key (or the backend's environment variable, or 'lokitd auth set')")
	cmd.Flags().StringVarP(&a.output, "output", "o", "", "Write the translation to a file instead of stdout")
	cmd.Flags().StringVar(&a.sourceLang, "source-lang", "", "Source language hint (used by token-aware segmentation)")
	cmd.Flags().StringVar(&a.target, "target-lang", "", "Target language code (default from config)")
	cmd.Flags().StringVar(&a.mode, "mode", "", "Segmentation: sentence, newline, token-aware, none")
	cmd.Flags().IntVar(&a.workers, "workers", 0, "Concurrent batches (default from config)")
	cmd.Flags().IntVar(&a.maxChars, "max-chars", 0, "Maximum characters per batch")
	cmd.Flags().IntVar(&a.maxUnits, "max-units", 0, "Maximum units per batch")
	cmd.Flags().BoolVar(&a.adaptive, "adaptive", false, "Scale batch size and workers with the text size")
	cmd.Flags().IntVar(&a.attempts, "attempts", 0, "Tries per batch")
	cmd.Flags().DurationVar(&a.retryBackoff, "retry-backoff", 0, "Wait between tries")
	cmd.Flags().DurationVar(&a.softTimeout, "soft-timeout", 0, "Stop starting batches after this long and return what is done")
	cmd.Flags().DurationVar(&a.timeout, "timeout", 0, "Request timeout (0 = backend default)")
	cmd.Flags().StringVar(&a.proxy, "proxy", "", "HTTP/HTTPS proxy URL")
	cmd.Flags().BoolVar(&a.verbose, "verbose", false, "Log retries and segmentation details")
	_ = cmd.MarkFlagRequired("model")

	_ = cmd.RegisterFlagCompletionFunc("model", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"gpt-4o\tOpenAI",
			"gpt-4o-mini\tOpenAI",
			"claude-3-5-sonnet-latest\tAnthropic",
			"claude-3-5-haiku-latest\tAnthropic",
			"gemini-2.0-flash\tGoogle",
			"gemini-1.5-pro\tGoogle",
		}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("mode", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"sentence", "newline", "token-aware", "none"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// applyTranslateFlags overrides config values with the flags that were set.
func applyTranslateFlags(cfg *config.Config, a translateArgs) error {
	t := &cfg.Translation
	if a.workers > 0 {
		t.Workers = a.workers
	}
	if a.maxChars > 0 {
		t.MaxChars = a.maxChars
	}
	if a.maxUnits > 0 {
		t.MaxUnits = a.maxUnits
	}
	if a.attempts > 0 {
		t.Attempts = a.attempts
	}
	if a.retryBackoff > 0 {
		t.RetryBackoff = a.retryBackoff
	}
	if a.softTimeout > 0 {
		t.SoftTimeout = a.softTimeout
	}
	if a.mode != "" {
		t.Mode = a.mode
	}
	if a.target != "" {
		t.TargetLang = a.target
	}
	if a.adaptive {
		t.Adaptive = true
	}
	return cfg.Validate()
}

func readInput(path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func runTranslate(ctx context.Context, cfg *config.Config, a translateArgs) error {
	if err := applyTranslateFlags(cfg, a); err != nil {
		return err
	}
	text, err := readInput(a.input)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errors.New(i18n.T("nothing to translate: input is empty"))
	}

	overrides := cfg.ProviderOverrides()
	if a.proxy != "" || a.timeout > 0 {
		for _, id := range sortedBackends() {
			p := overrides[id]
			if a.proxy != "" {
				p.Proxy = a.proxy
			}
			if a.timeout > 0 {
				p.Timeout = a.timeout
			}
			overrides[id] = p
		}
	}
	reg := newRegistry(cfg, overrides)

	backend, err := reg.Backend(a.model)
	if err != nil {
		return err
	}
	tr, err := reg.Resolve(a.model)
	if err != nil {
		return err
	}
	key, source := settings.ResolveAPIKey(backend, a.apiKey)
	if key == "" {
		logWarning(i18n.T("No API key for %s; set %s or run 'lokitd auth set %s'"), backend, settings.EnvVars[backend], backend)
	} else if a.verbose {
		logInfo(i18n.T("Using %s key %s from %s"), backend, settings.MaskKey(key), source)
	}

	var verboseLog func(format string, args ...any)
	if a.verbose {
		verboseLog = logInfo
	}

	orch := &orchestrator.Orchestrator{
		Segmenter: &segment.Segmenter{OnLog: verboseLog},
		Translator: &translate.BatchTranslator{
			Translator: tr,
			Attempts:   cfg.Translation.Attempts,
			Backoff:    cfg.Translation.RetryBackoff,
			OnLog:      verboseLog,
		},
		Sink:    orchestrator.SinkFunc(printProgress),
		Options: cfg.OrchestratorOptions(),
		OnLog:   verboseLog,
		OnError: logError,
	}

	target := cfg.Translation.TargetLang
	logInfo(i18n.T("Translating %d characters into %s with %s"), len([]rune(text)), langmeta.PromptName(target), a.model)

	res, runErr := orch.Run(ctx, orchestrator.Job{
		ID:           uuid.NewString(),
		Text:         text,
		LanguageHint: a.sourceLang,
		Model:        a.model,
		Credentials:  key,
		TargetLang:   target,
	})
	if runErr != nil {
		return runErr
	}

	if err := writeOutput(a.output, res.Text); err != nil {
		return err
	}

	s := res.Stats
	switch {
	case s.Partial:
		logWarning(i18n.T("Time limit reached: %d of %d batches translated"), s.BatchesCompleted, s.TotalBatches)
	case s.BatchesFailed > 0:
		logWarning(i18n.N("%d batch failed and was kept in the source language", "%d batches failed and were kept in the source language", s.BatchesFailed), s.BatchesFailed)
	}
	logSuccess(i18n.T("Done in %.1fs: %d batches, %.0f chars/s, %d workers"), s.TotalSeconds, s.TotalBatches, s.CharsPerSecond, s.Workers)
	return nil
}

func writeOutput(path, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if path == "" {
		_, err := io.WriteString(os.Stdout, text)
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// printProgress renders orchestrator progress events on stderr.
func printProgress(e orchestrator.Event) {
	if e.Kind != orchestrator.KindProgress {
		return
	}
	p := e.Progress
	if p.BatchIndex != orchestrator.JobLevel {
		logWarning("%s", p.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "  %s %s\n", progressBar(p.Percent, 24), p.Message)
}

// progressBar renders a colored bar followed by the percentage.
func progressBar(percent, width int) string {
	percent = max(0, min(percent, 100))
	filled := percent * width / 100

	color := colorRed
	switch {
	case percent >= 100:
		color = colorGreen
	case percent >= 50:
		color = colorYellow
	}
	return color + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + colorReset + fmt.Sprintf(" %3d%%", percent)
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status from the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runStatus(ctx, cfg, args[0], os.Stdout)
		},
	}
}

func runStatus(ctx context.Context, cfg *config.Config, id string, w io.Writer) error {
	jobs, kv, err := openJobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	job, err := jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf(i18n.T("job %s not found"), id)
	}
	if err != nil {
		return err
	}
	p, err := jobs.Partials(ctx, id)
	if err != nil {
		return err
	}
	return printStatus(w, job, p)
}

func printStatus(w io.Writer, job *store.Job, p *store.Partials) error {
	st := job.Status
	percent := st.Percent
	if !st.Phase.Terminal() && p.TotalBatches > 0 {
		percent = max(percent, p.Percent())
	}

	fmt.Fprintf(w, "%s%s%s\n", colorBlue, job.ID, colorReset)
	fmt.Fprintf(w, "  %-10s %s\n", i18n.T("Model:"), job.ModelName)
	fmt.Fprintf(w, "  %-10s %s\n", i18n.T("Created:"), job.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  %-10s %s (%s)\n", i18n.T("Status:"), st.Phase, st.Message)
	fmt.Fprintf(w, "  %-10s %s\n", i18n.T("Progress:"), progressBar(percent, 30))
	if p.TotalBatches > 0 {
		fmt.Fprintf(w, "  %-10s %d/%d\n", i18n.T("Batches:"), p.Completed(), p.TotalBatches)
	}
	return nil
}

// ---------------------------------------------------------------------------
// auth
// ---------------------------------------------------------------------------

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage backend API keys",
		Long: `Manage API keys for the translation backends.

Keys are stored in ` + "~/.local/share/lokitd/auth.json" + ` (0600). A key in the
backend's environment variable, or passed with --api-key, wins over the
stored one.

Backends:
  openai      OPENAI_API_KEY      (gpt-*, o1*, o3*, ...)
  anthropic   ANTHROPIC_API_KEY   (claude-*)
  gemini      GEMINI_API_KEY      (gemini-*)

Examples:
  lokitd auth set openai                      Prompt for the key
  lokitd auth set openai --base-url http://localhost:11434/v1
  lokitd auth list
  lokitd auth remove gemini
  lokitd auth remove --all`,
	}

	cmd.AddCommand(
		newAuthSetCmd(),
		newAuthListCmd(),
		newAuthRemoveCmd(),
	)
	return cmd
}

func newAuthSetCmd() *cobra.Command {
	var key, baseURL string

	cmd := &cobra.Command{
		Use:       "set <backend>",
		Short:     "Store an API key",
		Args:      cobra.ExactArgs(1),
		ValidArgs: sortedBackends(),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := args[0]
			if _, ok := settings.EnvVars[backend]; !ok {
				return fmt.Errorf(i18n.T("unknown backend %q (valid: %s)"), backend, strings.Join(sortedBackends(), ", "))
			}
			if key == "" {
				existing := settings.Get(backend)
				if existing != nil && existing.Key != "" {
					fmt.Fprintf(os.Stderr, i18n.T("  Current key: %s%s%s\n"), colorYellow, settings.MaskKey(existing.Key), colorReset)
				}
				fmt.Fprint(os.Stderr, i18n.T("  Enter API key: "))
				scanner := bufio.NewScanner(os.Stdin)
				if !scanner.Scan() {
					return errors.New(i18n.T("no input received"))
				}
				key = strings.TrimSpace(scanner.Text())
			}
			if key == "" && baseURL == "" {
				return errors.New(i18n.T("no API key provided"))
			}
			if err := settings.SetAPIKey(backend, key, baseURL); err != nil {
				return err
			}
			logSuccess(i18n.T("%s key saved to %s"), backend, settings.FilePath())
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "API key (prompted when omitted)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Compatible endpoint to use instead of the default")
	return cmd
}

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show configured keys",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, i18n.T("Backend credentials"), colorReset)
			fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
			stored := settings.Load()
			for _, id := range sortedBackends() {
				key, source := settings.ResolveAPIKey(id, "")
				status := fmt.Sprintf("%s%s%s", colorRed, i18n.T("not configured"), colorReset)
				if key != "" {
					status = fmt.Sprintf("%s%s%s (%s, %s)", colorGreen, i18n.T("configured"), colorReset, settings.MaskKey(key), source)
				}
				fmt.Fprintf(os.Stderr, "  %-10s %s\n", id, status)
				if info := stored[id]; info != nil && info.BaseURL != "" {
					fmt.Fprintf(os.Stderr, "  %10s %s %s\n", "", i18n.T("endpoint:"), info.BaseURL)
				}
			}
			fmt.Fprintln(os.Stderr)
		},
	}
}

func newAuthRemoveCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "remove [backend]",
		Aliases: []string{"rm"},
		Short:   "Remove stored keys",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				if err := settings.RemoveAll(); err != nil {
					return err
				}
				logSuccess(i18n.T("All stored credentials removed"))
				return nil
			}
			if len(args) == 0 {
				return errors.New(i18n.T("name a backend or pass --all"))
			}
			if err := settings.Remove(args[0]); err != nil {
				return err
			}
			logSuccess(i18n.T("%s credentials removed"), args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every stored key")
	return cmd
}
