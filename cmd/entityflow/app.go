package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/entityflow/internal/actions"
	"github.com/rendis/entityflow/internal/audit"
	"github.com/rendis/entityflow/internal/authz"
	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/internal/config"
	"github.com/rendis/entityflow/internal/engine"
	"github.com/rendis/entityflow/internal/expressions"
	"github.com/rendis/entityflow/internal/fields"
	"github.com/rendis/entityflow/internal/identity"
	"github.com/rendis/entityflow/internal/metrics"
	"github.com/rendis/entityflow/internal/notify"
	"github.com/rendis/entityflow/internal/scheduler"
	"github.com/rendis/entityflow/internal/secrets"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/internal/tracing"
	"github.com/rendis/entityflow/internal/validation"
	"github.com/rendis/entityflow/pkg/mcp"
	"github.com/rendis/entityflow/pkg/schema"
)

// app holds the wired engine and its background workers.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store      store.Store
	directory  *identity.MemoryDirectory
	loader     *validation.Loader
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	runner     *scheduler.Runner
	hub        *streaming.MemoryHub
	mcp        *mcp.Server

	registry *prometheus.Registry
	provider *sdktrace.TracerProvider
}

// newApp wires every component from cfg. Nothing is started.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	enforcer, err := authz.New()
	if err != nil {
		return nil, fmt.Errorf("create authz enforcer: %w", err)
	}
	evaluator, err := conditions.NewEvaluator(enforcer, logger)
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}

	var vault secrets.Vault
	if cfg.Vault.Passphrase != "" {
		if vault, err = secrets.NewAESVault(a.store, secrets.VaultConfig{
			Passphrase: cfg.Vault.Passphrase,
			Salt:       []byte(cfg.Vault.Salt),
		}); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("vault passphrase not set; secret templates and signatures are disabled")
	}
	renderer := expressions.NewRenderer(vault)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if cfg.Tracing.Enabled {
		if a.provider, err = tracing.NewStdoutProvider(ctx, os.Stderr, cfg.Tracing.ServiceName, version); err != nil {
			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}
	tracer := tracing.New(nil)
	if a.provider != nil {
		tracer = tracing.New(a.provider)
	}

	a.hub = streaming.NewMemoryHub()
	if a.directory, err = identity.NewMemoryDirectory(); err != nil {
		return nil, err
	}
	recorder := audit.NewRecorder(a.store, logger)

	reg := actions.NewRegistry()
	err = actions.RegisterBuiltins(reg, actions.Deps{
		Fields: actions.FieldWriterFunc(func(ctx context.Context, tenantID, entityType, entityID string, values map[string]any, cause string) error {
			return a.engine.WriteSystemFields(ctx, tenantID, entityType, entityID, values, cause)
		}),
		Outbox:   a.store,
		Tasks:    hubTasks{hub: a.hub},
		Renderer: renderer,
		Signer:   vault,
		Webhook: actions.WebhookConfig{
			DefaultTimeout: cfg.Webhook.Timeout,
			SigningSecret:  cfg.Webhook.SigningSecret,
		},
	})
	if err != nil {
		return nil, err
	}

	sessions := mcp.NewSessionRegistry()
	notifier := &notifierSwapper{}
	channels, err := notify.NewChannels(
		notify.NewLogChannel(schema.ChannelEmail, logger),
		notify.NewLogChannel(schema.ChannelSMS, logger),
		notify.NewWebhookChannel(notify.WebhookChannelConfig{SigningSecret: cfg.Webhook.SigningSecret}, vault),
		mcp.NewInAppChannel(a.hub, notifier, sessions),
	)
	if err != nil {
		return nil, err
	}

	if a.dispatcher, err = notify.NewDispatcher(notify.DispatcherOptions{
		Store:       a.store,
		Channels:    channels,
		Audit:       recorder,
		Breakers:    notify.NewBreakers(cfg.Dispatch.Breaker),
		Hub:         a.hub,
		Metrics:     m,
		Tracer:      tracer,
		Logger:      logger,
		Retry:       cfg.Dispatch.Retry,
		BatchSize:   cfg.Dispatch.BatchSize,
		Concurrency: cfg.Dispatch.Concurrency,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}); err != nil {
		return nil, err
	}

	schedules := notify.NewScheduler(loc)
	matcher, err := notify.NewMatcher(notify.MatcherOptions{
		Rules:       a.store,
		Evaluator:   evaluator,
		Renderer:    renderer,
		Resolver:    notify.NewResolver(a.directory),
		Scheduler:   schedules,
		Audit:       recorder,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	drainer := notify.NewDrainer(notify.DrainerOptions{
		Store:       a.store,
		Matcher:     matcher,
		Audit:       recorder,
		Metrics:     m,
		Logger:      logger,
		Lease:       cfg.Outbox.Lease,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})

	if a.engine, err = engine.New(engine.Options{
		Store:     a.store,
		Validator: fields.NewValidator(a.store, evaluator, enforcer, logger),
		Evaluator: evaluator,
		Roles:     enforcer,
		Actions:   actions.NewExecutor(reg, logger),
		Audit:     recorder,
		Directory: a.directory,
		Hub:       a.hub,
		Canceller: a.dispatcher,
		Metrics:   m,
		Tracer:    tracer,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}

	sweeper, err := scheduler.NewSweeper(scheduler.SweeperOptions{
		Store:     a.store,
		Matcher:   matcher,
		Schedules: schedules,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	a.runner = scheduler.NewRunner(drainer, a.dispatcher, cfg.Scheduler.Interval, logger, scheduler.WithSweeper(sweeper))

	if a.loader, err = validation.NewLoader(validation.LoaderOptions{
		Conditions: evaluator,
		Actions:    reg,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}

	if cfg.MCP.Enabled {
		a.mcp = mcp.NewServer(mcp.ServerDeps{
			Engine:   a.engine,
			Jobs:     a.dispatcher,
			Sessions: sessions,
			Logger:   logger,
		})
		notifier.Swap(a.mcp.MCPServer())
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverLibSQL:
		if path, ok := strings.CutPrefix(cfg.DSN, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return store.NewLibSQLStore(cfg.DSN)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DSN)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// definitionFiles expands the configured definition patterns. Patterns
// support ** for recursive matches.
func definitionFiles(patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("definitions pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("definitions pattern %q matched no files", p)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}

// loadDefinitions validates and installs every configured bundle. Bundle
// definition IDs are deterministic, so loading again updates in place.
func (a *app) loadDefinitions(ctx context.Context) error {
	files, err := definitionFiles(a.cfg.Definitions)
	if err != nil {
		return err
	}
	for _, path := range files {
		bundle, result, err := a.loader.LoadFile(path)
		if result != nil {
			for _, w := range result.Warnings {
				a.logger.Warn("definition warning", "file", path, "path", w.Path, "message", w.Message)
			}
		}
		if err != nil {
			if result != nil {
				for _, e := range result.Errors {
					a.logger.Error("definition error", "file", path, "path", e.Path, "message", e.Message)
				}
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
		if err := validation.Install(ctx, a.store, bundle); err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		for _, u := range bundle.Users {
			if err := a.directory.Put(u); err != nil {
				return fmt.Errorf("install %s: user %q: %w", path, u.ID, err)
			}
		}
		a.logger.Info("definitions installed", "file", path, "tenant_id", bundle.TenantID,
			"fields", len(bundle.Fields), "workflows", len(bundle.Workflows),
			"rules", len(bundle.Rules), "users", len(bundle.Users))
	}
	return nil
}

// close releases resources in reverse order of creation.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
