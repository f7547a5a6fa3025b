package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thrillee/aegisroute/internal/account"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/config"
	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/controlplane"
	"github.com/thrillee/aegisroute/internal/gateway"
	"github.com/thrillee/aegisroute/internal/httpserver"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/script"
	"github.com/thrillee/aegisroute/internal/smppserver"
	"github.com/thrillee/aegisroute/internal/store"
	"github.com/thrillee/aegisroute/internal/workers"
	"github.com/thrillee/aegisroute/pkg/codes"
)

func main() {
	// --- Context and Basic Setup ---
	appCtx, rootCancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	// --- Registries ---
	accounts := account.NewRegistry()
	tables := gateway.NewTables()
	connectors := connector.NewManager(connector.ManagerConfig{
		DispatchTimeout: cfg.Connector.DispatchTimeout,
		Breaker: connector.BreakerConfig{
			FailureThreshold: cfg.Connector.BreakerFailureThreshold,
			SuccessThreshold: cfg.Connector.BreakerSuccessThreshold,
			Timeout:          cfg.Connector.BreakerTimeout,
			VolumeThreshold:  cfg.Connector.BreakerVolumeThreshold,
		},
	})

	router := gateway.NewRouter(tables, connectors, accounts)
	connectors.SetDeliverHandler(router.DeliverHandler())

	workerManager := workers.NewManager()
	workersCtx, stopWorkers := context.WithCancel(appCtx)
	defer stopWorkers()

	// --- Interception ---
	var interceptorClient *interceptor.Client
	switch {
	case cfg.InterceptorClient.URL != "":
		interceptorClient = interceptor.NewClient(
			cfg.InterceptorClient.URL,
			cfg.InterceptorClient.Username,
			cfg.InterceptorClient.Password,
			cfg.InterceptorClient.CallTimeout,
		)
		router.SetRunner(interceptorClient)
		// the redial loop connects on its first run
		workerManager.Start(workersCtx, interceptorClient.RedialLoop(cfg.InterceptorClient.RedialInterval))
		slog.Info("Interception delegated to remote interceptor", slog.String("url", cfg.InterceptorClient.URL))
	case cfg.InterceptorClient.Local:
		router.SetRunner(interceptor.NewLocalRunner(script.NewSandbox(cfg.Script.Timeout)))
		slog.Info("Interception runs in-process")
	default:
		slog.Info("Interception subsystem not set")
	}

	// --- Persistence ---
	var dbpool *pgxpool.Pool
	var configStore controlplane.Store
	if cfg.Store.DatabaseURL != "" {
		slog.Info("Connecting to database...")
		dbpool, err = pgxpool.New(appCtx, cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("Unable to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer dbpool.Close()
		if err := dbpool.Ping(appCtx); err != nil {
			slog.Error("Failed to ping database", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("Database connection pool established")
		configStore = store.NewStore(dbpool)
	}

	service := controlplane.NewService(controlplane.Deps{
		Tables:     tables,
		Accounts:   accounts,
		Connectors: connectors,
		Store:      configStore,
		Profile:    cfg.Store.Profile,
	})

	if configStore != nil && cfg.Store.Autoload {
		switch err := service.Load(appCtx); {
		case err == nil:
			slog.Info("Configuration loaded", slog.String("profile", cfg.Store.Profile))
		case errors.Is(err, codes.ErrNotFound):
			slog.Info("No saved configuration, starting empty", slog.String("profile", cfg.Store.Profile))
		default:
			slog.Error("Failed to load configuration", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if configStore != nil && cfg.Store.AutosaveInterval > 0 {
		workerManager.Start(workersCtx, service.AutosaveLoop(cfg.Store.AutosaveInterval))
	}
	workerManager.Start(workersCtx, connectors.ReconnectLoop(cfg.Connector.ReconnectInterval))

	// --- Control plane ---
	var cpAuth rpc.Authenticator
	if !cfg.ControlPlane.Anonymous {
		if cfg.ControlPlane.AdminPasswordHash == "" {
			slog.Error("Control plane requires CONTROL_PLANE_ADMIN_PASSWORD_HASH unless anonymous")
			os.Exit(1)
		}
		cpAuth = auth.NewStaticAuthenticator(cfg.ControlPlane.AdminUsername, cfg.ControlPlane.AdminPasswordHash)
	}
	rpcServer := rpc.NewServer("controlplane", cpAuth)
	service.Register(rpcServer)
	controlEngine := gin.New()
	controlEngine.Use(gin.Recovery())
	controlEngine.GET("/", gin.WrapH(rpcServer))
	controlServer := &http.Server{
		Addr:              cfg.ControlPlane.Addr,
		Handler:           controlEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpServer := httpserver.NewServer(cfg.HTTP, router, accounts)
	smppServer := smppserver.NewServer(cfg.SMPPServer, router, accounts)

	// --- Start Components Concurrently ---
	var wg sync.WaitGroup
	slog.Info("Starting application components...")

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Control plane listening", slog.String("addr", cfg.ControlPlane.Addr))
		if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Control plane failed", slog.Any("error", err))
			rootCancel()
		}
		slog.Info("Control plane stopped.")
	}()

	if cfg.HTTP.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP Server failed", slog.Any("error", err))
				rootCancel()
			}
			slog.Info("HTTP Server stopped.")
		}()
	}

	if cfg.SMPPServer.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := smppServer.ListenAndServe(); err != nil {
				slog.Error("SMPP Server failed", slog.Any("error", err))
				rootCancel()
			}
			slog.Info("SMPP Server stopped.")
		}()
	}

	// --- Wait for Shutdown Signal ---
	<-appCtx.Done()
	slog.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	// Stop accepting traffic first
	var shutdownWg sync.WaitGroup
	shutdownWg.Add(3)
	go func() {
		defer shutdownWg.Done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error during HTTP Server shutdown", slog.Any("error", err))
		}
	}()
	go func() {
		defer shutdownWg.Done()
		if err := smppServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error during SMPP Server shutdown", slog.Any("error", err))
		}
	}()
	go func() {
		defer shutdownWg.Done()
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error during control plane shutdown", slog.Any("error", err))
		}
		_ = rpcServer.Close()
	}()
	shutdownWg.Wait()
	slog.Info("Servers stopped accepting new connections.")

	stopWorkers()
	workerManager.Wait()

	if configStore != nil && cfg.Store.AutosaveInterval > 0 {
		if _, err := service.Autosave(shutdownCtx); err != nil {
			slog.Warn("Final configuration save failed", slog.Any("error", err))
		}
	}

	connectors.Shutdown(shutdownCtx)
	if interceptorClient != nil {
		_ = interceptorClient.Close()
	}

	wg.Wait()
	slog.Info("Application gracefully stopped.")
}
