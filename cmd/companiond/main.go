// Package main runs the companion offline daemon: the local sync core
// the presentational shell talks to over localhost HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/viyoga/companion/offline/cmd/companiond/handlers"
	"github.com/viyoga/companion/offline/internal/backend"
	"github.com/viyoga/companion/offline/internal/cache"
	"github.com/viyoga/companion/offline/internal/config"
	"github.com/viyoga/companion/offline/internal/connectivity"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/gateway"
	"github.com/viyoga/companion/offline/internal/hub"
	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
	"github.com/viyoga/companion/offline/internal/schema"
	syncpkg "github.com/viyoga/companion/offline/internal/sync"
	"github.com/viyoga/companion/offline/internal/sync/conflict"
	"github.com/viyoga/companion/offline/internal/sync/queue"
	"github.com/viyoga/companion/offline/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "companiond",
	Short: "Companion offline sync daemon",
	Long:  "Local daemon providing offline-first sync, caching, and connectivity tracking for the companion shell.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("companiond v%s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "companiond.toml", "path to configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	logging.Init(os.Stdout, logging.LevelInfo)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := db.Open(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	schemas, err := schema.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to compile payload schemas: %w", err)
	}

	opQueue := queue.New(repo, schemas, &queue.Config{
		MaxOps:     cfg.Sync.QueueMaxOps,
		MaxRetries: cfg.Sync.MaxRetries,
		QuotaBytes: cfg.Cache.QuotaBytes,
		Backoff:    queue.ExponentialBackoff(cfg.Sync.Backoff(), cfg.Sync.BackoffCeiling()),
	})

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout())
	resolver := conflict.NewResolver(repo)
	engine := syncpkg.NewEngine(opQueue, client, resolver, repo, cfg.Backend.Timeout())

	monitor := connectivity.NewMonitor(cfg.Backend.BaseURL+"/api/health", cfg.Sync.Probe())

	wsHub := hub.New()
	engine.SetEventHandler(func(ev syncpkg.Event) {
		wsHub.BroadcastEvent(string(ev.Type), ev.Data)
	})

	cacheMgr := cache.NewManager(repo, cfg.Cache.QuotaBytes)
	gw := gateway.New(cfg.Backend.BaseURL, cfg.Backend.Timeout(), cacheMgr,
		monitor, wsHub, cfg.Gateway.CacheVersion, cfg.Gateway.FreshnessWindows())
	gw.CollectStaleVersions()

	sched := scheduler.New(engine, monitor, &scheduler.Config{
		SyncInterval: cfg.Sync.SyncInterval(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control messages from shell clients: sync triggers go to the
	// scheduler, cache control goes to the gateway.
	wsHub.SetMessageHandler(func(msg models.Message) {
		if msg.Type == models.MsgSyncQueue {
			sched.TriggerSync(ctx)
			return
		}
		gw.HandleMessage(msg)
	})

	monitor.Start(ctx)
	defer monitor.Stop()
	sched.Start(ctx)
	defer sched.Stop()
	gw.WatchConnectivity(ctx)

	offlineHandler := handlers.NewOfflineHandler(engine, opQueue, sched, monitor, resolver)
	cacheHandler := handlers.NewCacheHandler(cacheMgr)

	router := mux.NewRouter()
	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"companiond","version":%q}`, Version)
	}).Methods(http.MethodGet, http.MethodHead)

	router.HandleFunc("/api/offline/status", offlineHandler.Status).Methods(http.MethodGet)
	router.HandleFunc("/api/offline/sync", offlineHandler.SyncNow).Methods(http.MethodPost)
	router.HandleFunc("/api/offline/online", offlineHandler.SetOnline).Methods(http.MethodPost)
	router.HandleFunc("/api/offline/queue", offlineHandler.Enqueue).Methods(http.MethodPost)
	router.HandleFunc("/api/offline/dead-letter", offlineHandler.DeadLetter).Methods(http.MethodGet)
	router.HandleFunc("/api/offline/dead-letter/{id}/retry", offlineHandler.RetryDeadLetter).Methods(http.MethodPost)
	router.HandleFunc("/api/offline/dead-letter/{id}", offlineHandler.DiscardDeadLetter).Methods(http.MethodDelete)
	router.HandleFunc("/api/offline/conflicts", offlineHandler.Conflicts).Methods(http.MethodGet)

	router.HandleFunc("/api/cache/stats", cacheHandler.Stats).Methods(http.MethodGet)
	router.HandleFunc("/api/cache/clear", cacheHandler.Clear).Methods(http.MethodPost)

	router.HandleFunc("/ws", wsHub.Handler())

	// Everything else is proxied through the caching gateway.
	router.PathPrefix("/").Handler(gw)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Daemon listening", map[string]interface{}{
			"addr":    cfg.Server.ListenAddr,
			"backend": cfg.Backend.BaseURL,
		})
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
