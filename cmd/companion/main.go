// Festivo companion daemon: keeps user actions durable while offline and
// replays them against the Festivo API once connectivity returns. Serves a
// localhost REST and WebSocket surface for UI processes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/festivo/cmd/companion/handlers"
	"github.com/kimhsiao/festivo/internal/config"
	"github.com/kimhsiao/festivo/internal/db"
	"github.com/kimhsiao/festivo/internal/logging"
	"github.com/kimhsiao/festivo/internal/netmon"
	syncpkg "github.com/kimhsiao/festivo/internal/sync"
)

func main() {
	// Load .env if present (development convenience)
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.Info("starting festivo companion", logrus.Fields{
		"port":     cfg.ServerPort,
		"data_dir": cfg.DataDir,
		"api":      cfg.APIBaseURL,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		logging.Error("failed to apply migrations", err, nil)
		os.Exit(1)
	}

	store := db.NewStore(database.DB)
	defer store.Close()

	// The daemon starts assuming it is online; the host platform corrects
	// this through POST /connectivity as soon as it knows better.
	monitor := netmon.NewMonitor(true)

	deliverer := syncpkg.NewHTTPDeliverer(cfg.APIBaseURL, cfg.DeliverTimeout)
	manager := syncpkg.NewManager(store, deliverer, monitor, &syncpkg.Config{
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   time.Hour,
		SyncInterval: cfg.SyncInterval,
	})
	if cfg.AuthToken != "" {
		manager.SetAuthToken(cfg.AuthToken)
	}

	hub := NewHub()
	manager.SetEventSink(hub)
	unsubscribe := manager.SubscribeStatus(hub.BroadcastStatus)
	defer unsubscribe()

	if err := manager.Start(); err != nil {
		logging.Error("failed to start sync manager", err, nil)
		os.Exit(1)
	}

	queueHandler := handlers.NewQueueHandler(store, manager)
	statusHandler := handlers.NewStatusHandler(store, manager, monitor)
	draftHandler := handlers.NewDraftHandler(store)
	cacheHandler := handlers.NewCacheHandler(store, cfg.CacheKeepCount, cfg.CacheMaxAge)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", queueHandler.Enqueue)
		r.Get("/", queueHandler.List)
		r.Post("/retry", queueHandler.RetryAll)
		r.Post("/{id}/retry", queueHandler.Retry)
		r.Delete("/{id}", queueHandler.Discard)
	})

	r.Get("/status", statusHandler.GetStatus)
	r.Post("/sync/now", statusHandler.SyncNow)
	r.Post("/connectivity", statusHandler.SetConnectivity)
	r.Post("/auth/token", statusHandler.SetAuthToken)
	r.Delete("/data", statusHandler.ClearData)

	r.Route("/drafts", func(r chi.Router) {
		r.Put("/{id}", draftHandler.Save)
		r.Get("/{id}", draftHandler.Get)
		r.Delete("/{id}", draftHandler.Delete)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/", cacheHandler.List)
		r.Put("/{id}", cacheHandler.Put)
		r.Get("/{id}", cacheHandler.Get)
	})

	r.Get("/ws", HandleWebSocket(hub))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:    "127.0.0.1:" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		logging.Info("listening", logrus.Fields{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("server error", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Error("server shutdown failed", err, nil)
	}

	manager.Stop()
	hub.Shutdown()
	logging.Info("stopped", nil)
}
