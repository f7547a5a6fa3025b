package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/config"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/metrics"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/script"
)

func main() {
	appCtx, rootCancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	var rpcAuth rpc.Authenticator
	if !cfg.InterceptorServer.Anonymous {
		if cfg.InterceptorServer.AdminPasswordHash == "" {
			slog.Error("Interceptor requires INTERCEPTORD_ADMIN_PASSWORD_HASH unless anonymous")
			os.Exit(1)
		}
		rpcAuth = auth.NewStaticAuthenticator(cfg.InterceptorServer.AdminUsername, cfg.InterceptorServer.AdminPasswordHash)
	}

	rpcServer := rpc.NewServer("interceptor", rpcAuth, rpc.WithConcurrentRequests())
	interceptor.NewService(script.NewSandbox(cfg.Script.Timeout)).Register(rpcServer)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/", gin.WrapH(rpcServer))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	server := &http.Server{
		Addr:              cfg.InterceptorServer.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Interceptor listening", slog.String("addr", cfg.InterceptorServer.Addr), slog.Any("methods", rpcServer.Methods()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Interceptor server failed", slog.Any("error", err))
			rootCancel()
		}
	}()

	<-appCtx.Done()
	slog.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Error during interceptor shutdown", slog.Any("error", err))
	}
	_ = rpcServer.Close()
	slog.Info("Interceptor stopped.")
}
