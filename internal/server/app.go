// Package server initializes and runs the SecLink server: it opens the
// database, runs migrations, wires the services to the connection hub and
// starts the HTTP/WebSocket endpoint with graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/config"
	"github.com/seclink/server/internal/server/httpapi"
	"github.com/seclink/server/internal/server/repositories/repomanager"
	"github.com/seclink/server/internal/server/services"
	"github.com/seclink/server/internal/server/ws"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	hub      *ws.Hub
	delivery *services.DeliveryService
	handler  *httpapi.Handler
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	hub := ws.NewHub(cfg.MaxDevicesPerUser, logger)

	keySvc := services.NewKeyService(db, m, cfg, logger)
	pairSvc := services.NewPairingService(db, m, cfg, logger)

	calls := ws.NewCallManager(hub, m.Messages(db), logger)
	delivSvc := services.NewDeliveryService(db, m, cfg, hub, calls, logger)

	handler := httpapi.NewHandler(keySvc, pairSvc, delivSvc, hub, cfg, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		hub:      hub,
		delivery: delivSvc,
		handler:  handler,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:    app.config.EndpointAddr,
		Handler: app.handler.Routes(),
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.EndpointAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.hub.KeepAlive(ctx, app.config.PingInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.delivery.Redeliver(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
