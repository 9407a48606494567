package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aschepis/backscratcher/relay/audit"
	"github.com/aschepis/backscratcher/relay/config"
	"github.com/aschepis/backscratcher/relay/conversations"
	"github.com/aschepis/backscratcher/relay/guard"
	"github.com/aschepis/backscratcher/relay/llm/openai"
	relaylogger "github.com/aschepis/backscratcher/relay/logger"
	"github.com/aschepis/backscratcher/relay/mcp"
	"github.com/aschepis/backscratcher/relay/migrations"
	"github.com/aschepis/backscratcher/relay/orchestrator"
	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/aschepis/backscratcher/relay/tools"
	"github.com/aschepis/backscratcher/relay/vectorsync"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// app holds the process-wide services a subcommand needs. Fields are filled lazily
// by the open* methods so that commands like migrate never touch the remote API.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *sql.DB

	client     *openai.Client
	registry   *tools.Registry
	mcpClients []mcp.Client
}

// bootstrap loads configuration, applies flag overrides and initializes the logger.
func bootstrap(flags *GlobalFlags) (*app, error) {
	path := flags.ConfigPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.DBPath != "" {
		cfg.Database.Path = flags.DBPath
	}
	if flags.LogFile != "" {
		cfg.Log.File = flags.LogFile
	}
	if flags.Pretty {
		cfg.Log.Pretty = true
	}
	if cfg.Log.File != "" && cfg.Log.Pretty {
		return nil, errors.New("--logfile and --pretty are mutually exclusive")
	}

	logger := relaylogger.InitWithOptions(relaylogger.Options{
		File:       cfg.Log.File,
		Pretty:     cfg.Log.Pretty,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return &app{cfg: cfg, logger: logger}, nil
}

// openDB opens the SQLite database and applies pending migrations.
func (a *app) openDB() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	a.logger.Info().Str("path", a.cfg.Database.Path).Msg("Opening database")
	db, err := sql.Open("sqlite3", a.cfg.Database.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.RunMigrations(db, a.logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *app) openClient() (*openai.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	client, err := openai.NewClient(openai.Options{
		APIKey:        a.cfg.OpenAI.APIKey,
		BaseURL:       a.cfg.OpenAI.BaseURL,
		Organization:  a.cfg.OpenAI.Organization,
		Timeout:       a.cfg.OpenAI.Timeout,
		UploadTimeout: a.cfg.OpenAI.UploadTimeout,
		MaxRetries:    a.cfg.OpenAI.MaxRetries,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client (set openai.api_key or OPENAI_API_KEY): %w", err)
	}
	a.client = client
	return client, nil
}

// openRegistry builds the tool registry: workspace tools, MCP servers, and the
// remote executor as fallback for names nothing local handles.
func (a *app) openRegistry(ctx context.Context) *tools.Registry {
	if a.registry != nil {
		return a.registry
	}
	registry := tools.NewRegistry(a.logger)
	if a.cfg.Tools.Workspace != "" {
		registry.RegisterWorkspaceTools(a.cfg.Tools.Workspace)
	}
	if len(a.cfg.Tools.MCPServers) > 0 {
		a.logger.Info().Int("count", len(a.cfg.Tools.MCPServers)).Msg("Starting MCP server registration")
		a.mcpClients = registry.RegisterMCPServers(ctx, a.cfg.Tools.MCPServers)
	}
	if a.cfg.Tools.RemoteURL != "" {
		caller := tools.NewHTTPRemoteCaller(a.cfg.Tools.RemoteURL, a.cfg.Tools.RemoteToken)
		registry.SetFallback(tools.RemoteExecutor(caller, a.logger))
	}
	a.registry = registry
	return registry
}

func (a *app) templateStore() (*templates.Store, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	return templates.NewStore(db, a.logger), nil
}

// buildOrchestrator wires the guard, stores, client and tools into an Orchestrator.
func (a *app) buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	client, err := a.openClient()
	if err != nil {
		return nil, err
	}
	checker, err := guard.NewChecker(a.cfg.Guard.Strategy, a.cfg.Guard.LockDir)
	if err != nil {
		return nil, err
	}

	auditStore := audit.NewStore(db, a.logger)
	registry := a.openRegistry(ctx)
	return orchestrator.New(orchestrator.Deps{
		Guard:         guard.New(auditStore, checker, a.logger),
		Audit:         auditStore,
		Conversations: conversations.NewStore(db, a.logger),
		Client:        client,
		Tools:         registry,
		Catalog:       registry,
	}, orchestrator.Config{
		DefaultModel:      a.cfg.Orchestrator.DefaultModel,
		MaxToolRounds:     a.cfg.Orchestrator.MaxToolRounds,
		MaxContextRetries: a.cfg.Orchestrator.MaxContextRetries,
	}, a.logger), nil
}

func (a *app) synchronizer() (*vectorsync.Synchronizer, error) {
	store, err := a.templateStore()
	if err != nil {
		return nil, err
	}
	client, err := a.openClient()
	if err != nil {
		return nil, err
	}
	return vectorsync.New(store, client, vectorsync.NewFetcher(a.cfg.Sync.FetchTimeout), vectorsync.Options{
		Concurrency:  a.cfg.Sync.Concurrency,
		TempDir:      a.cfg.Sync.TempDir,
		FetchTimeout: a.cfg.Sync.FetchTimeout,
	}, a.logger), nil
}

func (a *app) close() {
	for _, c := range a.mcpClients {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close MCP client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
