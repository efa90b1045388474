// -----------------------------------------------------------------------
// App - Wires configuration, services and handlers together
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/bundles"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/handlers"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/monitor"
	"github.com/ternarybob/specto/internal/query"
	"github.com/ternarybob/specto/internal/remote"
	"github.com/ternarybob/specto/internal/services/events"
	"github.com/ternarybob/specto/internal/services/housekeeping"
	badgerstore "github.com/ternarybob/specto/internal/storage/badger"
	"github.com/ternarybob/specto/internal/tasks"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	StartedAt time.Time

	// Storage
	DB            *badgerstore.BadgerDB
	Archive       interfaces.TaskArchive
	BundleArchive interfaces.BundleArchive

	// Orchestration core
	EventService interfaces.EventService
	TaskRegistry interfaces.TaskRegistry
	TaskService  *tasks.Service
	Supervisor   *monitor.Supervisor
	BundleSvc    *bundles.Service
	QueryGuard   *query.Guard
	RemoteClient *remote.Client
	Housekeeping *housekeeping.Service

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	TaskHandler   *handlers.TaskHandler
	BundleHandler *handlers.BundleHandler
	QueryHandler  *handlers.QueryHandler
	ReportHandler *handlers.ReportHandler
	WSHandler     *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		StartedAt: time.Now(),
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().Msg("Application initialized")
	return app, nil
}

func (a *App) initStorage() error {
	db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger database: %w", err)
	}
	a.DB = db
	a.Archive = badgerstore.NewTaskStorage(db, a.Logger)
	a.BundleArchive = badgerstore.NewBundleStorage(db, a.Logger)
	return nil
}

func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	registry, err := tasks.NewRegistry(a.EventService, a.Logger)
	if err != nil {
		return err
	}
	a.TaskRegistry = registry

	taskService, err := tasks.NewService(a.TaskRegistry, a.Archive, a.Logger)
	if err != nil {
		return err
	}
	a.TaskService = taskService

	supervisor, err := monitor.NewSupervisor(&a.Config.Monitor, a.Logger)
	if err != nil {
		return err
	}
	a.Supervisor = supervisor

	bundleSvc, err := bundles.NewService(a.Supervisor, a.EventService, &a.Config.Monitor, a.Logger)
	if err != nil {
		return err
	}
	a.BundleSvc = bundleSvc

	a.QueryGuard = query.NewGuard(a.Logger)

	remoteClient, err := remote.NewClient(&a.Config.Remote, a.Logger)
	if err != nil {
		return err
	}
	a.RemoteClient = remoteClient

	if a.Config.Housekeeping.Enabled {
		hk, err := housekeeping.NewService(&a.Config.Housekeeping, a.Archive, a.BundleArchive, a.BundleSvc, a.DB, a.Logger)
		if err != nil {
			return err
		}
		a.Housekeeping = hk
	}

	return nil
}

func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.TaskHandler = handlers.NewTaskHandler(a.TaskRegistry, a.TaskService, a.Archive, a.Supervisor, a.Logger)
	a.BundleHandler = handlers.NewBundleHandler(a.BundleSvc, a.TaskService, a.RemoteClient, a.BundleArchive, a.EventService, a.Logger)
	a.QueryHandler = handlers.NewQueryHandler(a.QueryGuard, a.TaskService, a.RemoteClient, a.Logger)
	a.ReportHandler = handlers.NewReportHandler(a.TaskService, a.Supervisor, a.RemoteClient, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, &a.Config.WebSocket, a.Logger)
	return nil
}

// Start begins background services
func (a *App) Start() error {
	if a.Housekeeping != nil {
		if err := a.Housekeeping.Start(); err != nil {
			return fmt.Errorf("failed to start housekeeping: %w", err)
		}
	}
	return nil
}

// Shutdown stops background work and releases resources in reverse
// dependency order
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.Supervisor != nil {
		a.Supervisor.StopAll()
	}
	if a.QueryGuard != nil {
		a.QueryGuard.CancelPending()
	}
	if a.Housekeeping != nil {
		a.Housekeeping.Stop()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Database close failed")
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
