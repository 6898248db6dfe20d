package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/rendis/opflow/internal/actions"
	"github.com/rendis/opflow/internal/api"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/mcp"
)

// app is the wired dependency graph of a running server.
type app struct {
	store     store.Store
	catalog   *identity.Catalog
	registry  *actions.Registry
	validator *validation.WorkflowValidator
	hub       *streaming.MemoryHub
	engine    engine.Engine
}

// newRegistry builds the action registry with every built-in handler.
func newRegistry(catalog *identity.Catalog) (*actions.Registry, *validation.JSONSchemaValidator, error) {
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, nil, fmt.Errorf("init schema validator: %w", err)
	}
	var opts []actions.Option
	opts = append(opts, actions.WithInputValidator(schemas))
	if catalog != nil {
		opts = append(opts, actions.WithAuthorizer(catalog))
	}
	reg := actions.NewRegistry(opts...)
	if err := actions.RegisterBuiltins(reg, schemas); err != nil {
		return nil, nil, fmt.Errorf("register builtins: %w", err)
	}
	return reg, schemas, nil
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	var s store.Store
	if dbPath == memoryDBPath {
		s = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		ls, err := store.NewLibSQLStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s = ls
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// buildApp wires store → catalog → registry → validator → hub → engine.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	stepTimeout, err := cfg.stepTimeout()
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	catalog := identity.NewCatalog(s)
	if cfg.SystemAgent != "" {
		if _, err := identity.EnsureRegistered(ctx, s, &store.Agent{
			ID:   cfg.SystemAgent,
			Name: cfg.SystemAgent,
			Type: identity.AgentTypeSystem,
		}); err != nil {
			s.Close()
			return nil, fmt.Errorf("register system agent: %w", err)
		}
	}

	reg, _, err := newRegistry(catalog)
	if err != nil {
		s.Close()
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(reg, catalog)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init workflow validator: %w", err)
	}

	hub := streaming.NewMemoryHub()
	eng := engine.New(s, reg, validator, engine.Config{
		PoolSize:    cfg.PoolSize,
		StepTimeout: stepTimeout,
		Hub:         hub,
		Agents:      catalog,
		Logger:      logger,
	})

	return &app{
		store:     s,
		catalog:   catalog,
		registry:  reg,
		validator: validator,
		hub:       hub,
		engine:    eng,
	}, nil
}

// close drains in-flight runs before closing the store.
func (a *app) close() {
	a.engine.Shutdown()
	a.store.Close()
}

func runServe() error {
	cfg, err := loadConfig(settingsPath(), os.Getenv)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	level.Set(lvl)
	logger := logging.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	changes, err := watchSettings(ctx, settingsPath(), logger)
	if err != nil {
		logger.Warn("settings file not watched; use SIGHUP to reload", "error", err)
	}
	go watchReload(ctx, cfg, level, changes, logger)

	if cfg.HTTP {
		srv := api.NewServer(api.Deps{
			Store:     a.store,
			Engine:    a.engine,
			Validator: a.validator,
			Catalog:   a.catalog,
			Hub:       a.hub,
			Logger:    logger,
		})
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
				logger.Error("http api stopped", "error", err)
				stop()
			}
		}()
	}

	logger.Info("opflow started",
		"version", resolvedVersion(),
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"actions", a.registry.Count(),
		"http", cfg.HTTP,
	)

	flow := mcp.NewFlowServer(mcp.FlowServerDeps{
		Engine:    a.engine,
		Store:     a.store,
		Validator: a.validator,
		Catalog:   a.catalog,
		Hub:       a.hub,
		Logger:    logger,
	})
	if err := flow.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	logger.Info("opflow stopping")
	return nil
}

// watchReload re-reads the configuration on SIGHUP or when the settings file
// changes. changes may be nil.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, changes <-chan struct{}, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}
		next, err := loadConfig(settingsPath(), os.Getenv)
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			continue
		}
		current = applyReload(current, next, level, logger)
	}
}

// applyReload sets the new log level live and reports every other changed
// field as needing a restart. It returns the config now in effect: current
// with at most its log level replaced, so later reloads keep diffing against
// what the process actually runs with.
func applyReload(current, next Config, level *slog.LevelVar, logger *slog.Logger) Config {
	applied := current
	d := diffConfigs(current, next)
	if d.LogLevelChanged {
		lvl, err := logging.ParseLevel(next.LogLevel)
		if err != nil {
			logger.Warn("config reload: bad log level", "error", err)
		} else {
			level.Set(lvl)
			applied.LogLevel = next.LogLevel
			logger.Info("log level changed", "level", next.LogLevel)
		}
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", "fields", d.RestartNeeded)
	}
	return applied
}

func runActions(w io.Writer) error {
	reg, _, err := newRegistry(nil)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tDESCRIPTION")
	for _, h := range reg.List() {
		fmt.Fprintf(tw, "%s\t%s\n", h.Type, h.Description)
	}
	return tw.Flush()
}
