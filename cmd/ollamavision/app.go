package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/remimikalsen/local-image-description-ha/internal/config"
	"github.com/remimikalsen/local-image-description-ha/internal/db"
	"github.com/remimikalsen/local-image-description-ha/internal/events"
	"github.com/remimikalsen/local-image-description-ha/internal/logging"
	"github.com/remimikalsen/local-image-description-ha/internal/registry"
	"github.com/remimikalsen/local-image-description-ha/internal/sensor"
	"github.com/remimikalsen/local-image-description-ha/internal/service"
	"github.com/remimikalsen/local-image-description-ha/internal/store"
	"github.com/remimikalsen/local-image-description-ha/internal/vision"
	claudevision "github.com/remimikalsen/local-image-description-ha/internal/vision/claude"
	ollamavision "github.com/remimikalsen/local-image-description-ha/internal/vision/ollama"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	sensors  *sensor.Manager
	bus      *events.Bus
	service  *service.AnalysisService

	database *sql.DB
	cleanup  func()
}

// newApp builds the logger, registry and service. The database is only
// opened when persist is set.
func newApp(cfg *config.Config, persist bool) (*app, error) {
	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, cleanup: cleanup}

	instances, err := cfg.Instances()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	a.registry, err = buildRegistry(instances, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sensors = sensor.NewManager()
	a.bus = events.NewBus(logger)

	if persist {
		a.database, err = db.Open(cfg.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.service = service.NewAnalysisService(a.registry, a.sensors, a.bus, store.NewResultStore(a.database), logger)
	} else {
		a.service = service.NewAnalysisService(a.registry, a.sensors, a.bus, nil, logger)
	}
	return a, nil
}

// restore reloads persisted results. Failures are logged.
func (a *app) restore(ctx context.Context) {
	if _, err := a.service.Restore(ctx); err != nil {
		a.logger.Error("failed to restore results", "error", err)
	}
}

func (a *app) Close() {
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Error("failed to close database", "error", err)
		}
	}
	a.cleanup()
}

func buildRegistry(instances []config.InstanceConfig, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(logger)
	for _, ic := range instances {
		backend, err := newBackend(ic, logger)
		if err != nil {
			return nil, err
		}
		inst, err := reg.Register(registry.Instance{
			ID:          ic.ID,
			Name:        ic.Name,
			Backend:     ic.Backend,
			Host:        ic.Host,
			Port:        ic.Port,
			Model:       ic.Model,
			TextModel:   ic.TextModel,
			TextEnabled: ic.TextEnabled() && ic.Backend == config.BackendOllama,
			Vision:      backend,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register instance: %w", err)
		}
		logger.Info("instance registered",
			"instance_id", inst.ID, "device_id", inst.DeviceID, "backend", inst.Backend,
			"host", inst.Host, "model", inst.Model, "text_enabled", inst.TextEnabled)
	}
	return reg, nil
}

func newBackend(ic config.InstanceConfig, logger *slog.Logger) (vision.Backend, error) {
	logger = logger.With("instance_id", ic.ID)
	switch ic.Backend {
	case config.BackendOllama:
		return ollamavision.NewClient(ollamavision.ClientConfig{
			Host:          ic.Host,
			Port:          ic.Port,
			Model:         ic.Model,
			KeepAlive:     ic.KeepAlive,
			TextHost:      ic.TextHost,
			TextPort:      ic.TextPort,
			TextModel:     ic.TextModel,
			TextKeepAlive: ic.TextKeepAlive,
			Stream:        ic.Stream,
			Timeout:       ic.Timeout,
		}, logger), nil
	case config.BackendClaude:
		if ic.ClaudeAPIKey == "" {
			return nil, fmt.Errorf("instance %q: CLAUDE_API_KEY is required for the claude backend", ic.ID)
		}
		return claudevision.NewClaudeAnalyzer(ic.ClaudeAPIKey, ic.Model, ic.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("instance %q: unknown backend %q", ic.ID, ic.Backend)
	}
}
