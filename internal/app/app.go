// Package app wires configuration, storage, the token vault, the OAuth
// protocol client and the background monitor into a running service.
package app

import (
	"mailbridge/internal/auth"
	"mailbridge/internal/common/logging"
	"mailbridge/internal/config"
	"mailbridge/internal/connections"
	"mailbridge/internal/crypto"
	"mailbridge/internal/health"
	"mailbridge/internal/oauth"
	"mailbridge/internal/redis"
	"mailbridge/internal/storage"
	"mailbridge/internal/storage/factory"
)

// App holds all the application dependencies.
type App struct {
	Config      *config.Config
	Storage     storage.Storage
	RedisClient *redis.Client
	Vault       *crypto.TokenVault
	Protocol    oauth.ProtocolClient
	States      oauth.StateStore
	Service     *connections.Service
	Auth        *auth.Service
	Monitor     *health.Monitor
	Logger      logging.Logger

	// memoryStates is non-nil when the in-memory state store is in use and
	// needs the daily janitor.
	memoryStates *oauth.MemoryStateStore
}

// New creates an application instance with all dependencies, in order: storage
// first, then the optional Redis layer, then everything built on top.
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.String("component", "app")),
	}

	if err := app.initializeStorage(); err != nil {
		return nil, err
	}
	app.initializeRedis()
	app.initializeStateStore()

	if err := app.initializeVault(); err != nil {
		return nil, err
	}
	if err := app.initializeAuth(); err != nil {
		return nil, err
	}

	app.initializeProtocol()
	app.initializeService()
	app.initializeMonitor()

	return app, nil
}

func (app *App) initializeStorage() error {
	store, err := factory.NewStorage(app.Config)
	if err != nil {
		return err
	}
	app.Storage = store
	app.Logger.Info("storage initialized",
		logging.String("type", app.Config.DatabaseType))
	return nil
}

// initializeRedis is best-effort: without Redis the service still runs, with
// authorization state held in process memory.
func (app *App) initializeRedis() {
	if app.Config.RedisAddress == "" {
		return
	}

	client, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDB,
	})
	if err != nil {
		app.Logger.Warn("redis unavailable, using in-memory authorization state",
			logging.Err(err))
		return
	}
	app.RedisClient = client
	app.Logger.Info("redis initialized",
		logging.String("address", app.Config.RedisAddress))
}

func (app *App) initializeStateStore() {
	if app.RedisClient != nil {
		app.States = oauth.NewRedisStateStore(app.RedisClient, app.Config.StateTTL)
		return
	}
	app.memoryStates = oauth.NewMemoryStateStore(app.Config.StateTTL)
	app.States = app.memoryStates
}

func (app *App) initializeVault() error {
	vault, err := crypto.NewTokenVault(app.Config.EncryptionSecret)
	if err != nil {
		return err
	}
	app.Vault = vault
	return nil
}

func (app *App) initializeAuth() error {
	authService, err := auth.NewService(app.Config.JWTSecret, 0,
		logging.GetGlobalLogger().WithFields(logging.String("component", "auth")))
	if err != nil {
		return err
	}
	app.Auth = authService
	return nil
}

func (app *App) initializeProtocol() {
	app.Protocol = oauth.NewGoogleClient(oauth.GoogleConfig{
		ClientID:     app.Config.GoogleClientID,
		ClientSecret: app.Config.GoogleClientSecret,
		RedirectURL:  app.Config.OAuthRedirectURL,
	}, logging.GetGlobalLogger().WithFields(logging.String("component", "oauth")))
}

func (app *App) initializeService() {
	app.Service = connections.NewService(app.Storage, app.Vault, app.Protocol, app.States,
		connections.Config{
			RefreshBuffer: app.Config.RefreshBuffer,
			DefaultScopes: app.Config.OAuthScopes,
		},
		logging.GetGlobalLogger().WithFields(logging.String("component", "connections")))
}

func (app *App) initializeMonitor() {
	var janitor health.StateJanitor
	if app.memoryStates != nil {
		janitor = app.memoryStates
	}

	app.Monitor = health.NewMonitor(app.Storage, app.Service, janitor,
		health.Config{
			QuickCheckInterval:    app.Config.QuickCheckInterval,
			ComprehensiveInterval: app.Config.ComprehensiveInterval,
			RefreshSweepInterval:  app.Config.RefreshSweepInterval,
			RecoverySweepInterval: app.Config.RecoverySweepInterval,
			DailySchedule:         app.Config.DailySchedule,
			RefreshBuffer:         app.Config.RefreshBuffer,
			ArchiveAfter:          app.Config.ArchiveAfter,
		},
		logging.GetGlobalLogger().WithFields(logging.String("component", "health")))
}

// Cleanup releases all resources.
func (app *App) Cleanup() {
	if app.Monitor != nil {
		app.Monitor.Stop()
	}
	if app.Storage != nil {
		app.Storage.Close()
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}
