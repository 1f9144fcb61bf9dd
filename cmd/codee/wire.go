package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonathan/codee/internal/config"
	"github.com/jonathan/codee/internal/db"
	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/pipeline"
	"github.com/jonathan/codee/internal/records"
	"github.com/jonathan/codee/internal/sandbox"
	"github.com/jonathan/codee/internal/tools"
	"github.com/jonathan/codee/internal/workspace"
)

// worker holds everything a running job needs.
type worker struct {
	cfg      *config.Config
	database *db.DB
	events   events.Log
	records  *records.Client
	engine   *llm.GeminiEngine
	orch     *pipeline.Orchestrator
}

// openEvents returns the Postgres event log when EVENT_LOG_URL is set and
// the in-memory log otherwise. The returned DB is nil for the memory log.
func openEvents(ctx context.Context, cfg *config.Config) (events.Log, *db.DB, error) {
	if cfg.EventLogURL == "" {
		log.Printf("[events] using in-memory event log (retention %d)", cfg.EventLogRetention)
		return events.NewMemoryLog(cfg.EventLogRetention), nil, nil
	}
	database, err := db.Connect(ctx, cfg.EventLogURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	log.Printf("[events] using postgres event log (retention %d)", cfg.EventLogRetention)
	return events.NewPostgresLog(database, cfg.EventLogRetention, time.Duration(cfg.EventPollInterval)), database, nil
}

func newRecords(cfg *config.Config) (*records.Client, error) {
	client, err := records.NewClient(records.Config{
		BaseURL: cfg.RecordStoreURL,
		Secret:  cfg.InternalAPISecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create record store client: %w", err)
	}
	return client, nil
}

func engineConfig(cfg *config.Config) *llm.Config {
	ec := llm.DefaultGeminiConfig()
	if cfg.GeminiModel != "" {
		ec.Models[ec.Tier] = cfg.GeminiModel
	}
	return ec
}

// newWorker wires the orchestrator and its collaborators.
func newWorker(ctx context.Context, cfg *config.Config) (*worker, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	w := &worker{cfg: cfg}
	var err error
	if w.events, w.database, err = openEvents(ctx, cfg); err != nil {
		return nil, err
	}
	if w.records, err = newRecords(cfg); err != nil {
		w.Close()
		return nil, err
	}

	driver, err := sandbox.NewDriver(cfg.SandboxDriver, cfg.SandboxImage, cfg.SandboxProfile)
	if err != nil {
		w.Close()
		return nil, err
	}
	sandboxes := sandbox.NewManager(cfg.WorkspaceRoot, driver, time.Duration(cfg.CommandTimeout))
	workspaces := workspace.NewManager(workspace.Config{
		Root:       cfg.WorkspaceRoot,
		RemoteBase: cfg.GitHost,
	}, w.records)
	registry := tools.NewRegistry(tools.RegistryConfig{
		PostHog: tools.PostHogConfig{APIURL: cfg.PostHogAPIURL},
	}, tools.NewToolkitCache())

	if w.engine, err = llm.NewGeminiEngine(ctx, engineConfig(cfg), cfg.GeminiAPIKey); err != nil {
		w.Close()
		return nil, err
	}

	w.orch, err = pipeline.New(pipeline.Deps{
		Events:     w.events,
		Workspaces: workspaces,
		Sandboxes:  sandboxes,
		Records:    w.records,
		Tools:      registry,
		Engine:     w.engine,
		Options: pipeline.Options{
			CommandTimeout: time.Duration(cfg.CommandTimeout),
			SessionTimeout: time.Duration(cfg.SessionTimeout),
			AutoPush:       cfg.PushEnabled(),
			JobLocking:     cfg.LockingEnabled(),
		},
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	log.Printf("[worker] sandbox driver %s, workspaces under %s", driver.Name(), cfg.WorkspaceRoot)
	return w, nil
}

// Close releases the engine and database connections.
func (w *worker) Close() {
	if w.engine != nil {
		if err := w.engine.Close(); err != nil {
			log.Printf("[worker] failed to close engine: %v", err)
		}
	}
	if w.database != nil {
		w.database.Close()
	}
}
