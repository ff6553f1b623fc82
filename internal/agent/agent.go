// Package agent assembles the stores, model providers, tool catalog and orchestration
// service from a Config. Every entry point (CLI, HTTP, MCP) goes through it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/floegence/sqlagent/internal/ai"
	"github.com/floegence/sqlagent/internal/ai/prompts"
	"github.com/floegence/sqlagent/internal/ai/threadstore"
	"github.com/floegence/sqlagent/internal/ai/threadstore/pgstore"
	"github.com/floegence/sqlagent/internal/ai/tools"
	"github.com/floegence/sqlagent/internal/config"
	"github.com/floegence/sqlagent/internal/lockfile"
	"github.com/floegence/sqlagent/internal/monitor"
	"github.com/floegence/sqlagent/internal/tabular"
	"github.com/floegence/sqlagent/internal/telemetry"
)

type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Provider replaces the configured model providers (tests, custom backends).
	Provider ai.Provider

	Version   string
	Commit    string
	BuildTime string
}

type Agent struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	lock    *lockfile.Lock
	tables  *tabular.Store
	prompts *prompts.Store
	svc     *ai.Service
	mon     *monitor.Service

	shutdownTelemetry telemetry.Shutdown
}

func New(ctx context.Context, opts Options) (a *Agent, err error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = config.NewLogger(cfg.Log, nil); err != nil {
			return nil, err
		}
	}

	a = &Agent{
		cfg:       cfg,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		mon:       monitor.NewService(logger, 0, nil),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.lock, err = lockfile.AcquireDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}

	if a.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     a.version,
		Insecure:    cfg.Telemetry.Insecure,
	}); err != nil {
		return nil, err
	}

	if a.prompts, err = prompts.Load(cfg.Prompts.Path); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	if a.tables, err = tabular.Open(cfg.Tabular.Path, logger); err != nil {
		return nil, fmt.Errorf("open tables: %w", err)
	}

	registry, err := tools.NewRegistry(a.tables, tools.Options{ReadOnly: cfg.Tools.ReadOnly, MaxRows: cfg.Tools.MaxRows, Logger: logger})
	if err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		if provider, err = BuildProvider(cfg.Model, resilienceConfig(cfg), logger); err != nil {
			return nil, err
		}
	}

	store, err := openCheckpointStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	aiCfg, err := serviceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc, err := ai.NewService(ai.Options{
		Store:        store,
		Provider:     provider,
		Tools:        registry,
		SystemPrompt: a.systemPrompt,
		Config:       aiCfg,
		Logger:       logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// systemPrompt renders the system instruction with today's date and the current tables.
func (a *Agent) systemPrompt(ctx context.Context) (string, error) {
	schema, err := a.tables.SchemaXML(ctx)
	if err != nil {
		return "", fmt.Errorf("tables schema: %w", err)
	}
	return a.prompts.Render(prompts.SystemPrompt, prompts.NewData(time.Now(), schema))
}

func openCheckpointStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (ai.CheckpointStore, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		s, err := pgstore.New(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := threadstore.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open thread store: %w", err)
		}
		return s, nil
	}
}

func retryConfig(c config.RetryConfig) ai.RetryConfig {
	return ai.RetryConfig{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Multiplier: c.Multiplier,
		Jitter:     c.Jitter,
	}
}

func resilienceConfig(cfg *config.Config) ai.ResilienceConfig {
	return ai.ResilienceConfig{
		Retry:          retryConfig(cfg.Retry),
		RequestTimeout: cfg.Model.RequestTimeout,
		RatePerSecond:  cfg.RateLimit.RPS,
		Burst:          cfg.RateLimit.Burst,
	}
}

func serviceConfig(cfg *config.Config) (ai.Config, error) {
	mode, err := ai.ParsePolicyMode(cfg.Agent.InterruptMode)
	if err != nil {
		return ai.Config{}, err
	}
	onTimeout, err := ai.ParseTimeoutAction(cfg.Agent.InterruptOnTimeout)
	if err != nil {
		return ai.Config{}, err
	}
	// A timed-out query is retried once; model calls get the full budget.
	toolRetry := retryConfig(cfg.Retry)
	toolRetry.MaxRetries = min(toolRetry.MaxRetries, 1)

	return ai.Config{
		Reasoning: ai.ReasoningConfig{
			Model:          cfg.Model.PrimaryModel,
			MaxTokens:      cfg.Model.MaxTokens,
			ThinkingBudget: cfg.Model.ThinkingBudget,
		},
		Executor: ai.ExecutorConfig{
			Timeout:     cfg.Agent.ToolTimeout,
			MaxRows:     cfg.Tools.MaxRows,
			MaxBytes:    cfg.Tools.MaxBytes,
			Parallelism: cfg.Tools.Parallelism,
			Retry:       toolRetry,
		},
		IncludeThinking:          cfg.Agent.IncludeThinking,
		DefaultPolicy:            ai.InterruptPolicy{Mode: mode, SensitiveTools: cfg.Agent.SensitiveTools},
		MaxToolRounds:            cfg.Agent.MaxToolRounds,
		MaxConsecutiveToolErrors: cfg.Agent.MaxConsecutiveToolErrors,
		InterruptTimeout:         cfg.Agent.InterruptTimeout,
		InterruptOnTimeout:       onTimeout,
	}, nil
}

// BuildProvider creates one adapter per configured endpoint and wraps them with retry, rate
// limiting and fallback. A secondary endpoint without an API key is skipped with a warning.
func BuildProvider(m config.ModelConfig, res ai.ResilienceConfig, log *slog.Logger) (ai.Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	var targets []ai.ModelTarget
	for i, ep := range m.Endpoints() {
		key, ok := config.ResolveAPIKey(ep.Type)
		if !ok {
			if i == 0 {
				return nil, fmt.Errorf("missing %s for %s model %q", config.APIKeyEnv(ep.Type), ep.Type, ep.Model)
			}
			log.Warn("fallback model disabled: no api key", "provider", ep.Type, "model", ep.Model, "env", config.APIKeyEnv(ep.Type))
			continue
		}
		p, err := ai.NewProviderAdapter(ep.Type, ep.BaseURL, key)
		if err != nil {
			return nil, fmt.Errorf("%s model: %w", ep.Name, err)
		}
		targets = append(targets, ai.ModelTarget{Name: ep.Name + ":" + ep.Model, Provider: p, Model: ep.Model})
	}
	return ai.NewResilientProvider(targets, res, log)
}

func (a *Agent) Config() *config.Config    { return a.cfg }
func (a *Agent) Logger() *slog.Logger      { return a.log }
func (a *Agent) Service() *ai.Service      { return a.svc }
func (a *Agent) Tables() *tabular.Store    { return a.tables }
func (a *Agent) Monitor() *monitor.Service { return a.mon }
func (a *Agent) Version() string           { return a.version }
func (a *Agent) Prompts() *prompts.Store   { return a.prompts }

// Run performs background maintenance (the interrupt sweeper) until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"data_dir", a.cfg.DataDir,
		"store", a.cfg.Store.Driver,
		"model", a.cfg.Model.PrimaryModel,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)
	if a.cfg.Agent.InterruptTimeout > 0 && a.cfg.Agent.InterruptOnTimeout == string(ai.TimeoutReject) {
		a.svc.RunInterruptSweeper(ctx, a.cfg.Agent.SweepInterval)
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

// Close releases everything New acquired, in reverse order.
func (a *Agent) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
		a.svc = nil
	}
	if a.tables != nil {
		errs = append(errs, a.tables.Close())
		a.tables = nil
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdownTelemetry(ctx))
		cancel()
		a.shutdownTelemetry = nil
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
		a.lock = nil
	}
	return errors.Join(errs...)
}
