package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/spullara/k7/internal/auth"
	"github.com/spullara/k7/internal/config"
	"github.com/spullara/k7/internal/drain"
	"github.com/spullara/k7/internal/handler"
	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/keystore"
	"github.com/spullara/k7/internal/lifecycle"
	"github.com/spullara/k7/internal/logx"
	"github.com/spullara/k7/internal/manifest"
	"github.com/spullara/k7/internal/metrics"
	"github.com/spullara/k7/internal/netpol"
	"github.com/spullara/k7/internal/profile"
	"github.com/spullara/k7/internal/service"
	"github.com/spullara/k7/internal/store"
	"github.com/spullara/k7/pkg/model"
)

func main() {
	logger, closeLogger, err := logx.Init("k7d")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg := config.Load()

	dbPath := filepath.Join(cfg.DataDir, "k7.db")
	slog.Info("initializing database", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()

	client, err := k8s.NewClient(cfg.KubeconfigPath)
	if err != nil {
		log.Fatalf("Failed to create orchestrator client: %v", err)
	}

	translator, err := profile.NewTranslator(profile.Defaults{
		CPU:              cfg.DefaultCPU,
		Memory:           cfg.DefaultMemory,
		EphemeralStorage: cfg.DefaultEphemeralStorage,
	})
	if err != nil {
		log.Fatalf("Invalid default limits: %v", err)
	}
	builder := manifest.NewBuilder(
		netpol.New(netpol.Options{RestrictEgress: cfg.RestrictEgress}),
		translator,
		manifest.Options{ReadyTimeout: cfg.ReadyTimeout},
	)

	drainMgr := drain.NewManager()
	sandboxes := store.NewSandboxStore()
	ctrl := lifecycle.NewController(client, sandboxes, builder, drainMgr, lifecycle.Options{})

	ctx := context.Background()
	if err := ctrl.Resume(ctx); err != nil {
		slog.Warn("resume of interrupted sandboxes failed", "component", "lifecycle", "error", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	service.NewJanitor(sandboxes, cfg.Retention, 0).Start(janitorCtx)
	slog.Info("retention janitor started", "component", "janitor", "retention", cfg.Retention)

	keys := keystore.New(cfg.APIKeysFile)
	shellBridge := service.NewShellBridge(ctrl)
	sandboxHandler := handler.NewSandboxHandler(ctrl, shellBridge, drainMgr, cfg.Namespace)
	apikeyHandler := handler.NewAPIKeyHandler(keys)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))
	r.Use(metrics.Middleware())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", auth.HeaderAPIKey, "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.Use(func(c *gin.Context) {
		if drainMgr.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": model.ErrorBody{Code: model.CodeUnavailable, Message: "service is draining"},
			})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainMgr.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	api.Use(auth.Middleware(keys, cfg.BootstrapKeyHash))
	sandboxHandler.RegisterRoutes(api)
	apikeyHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
		// No WriteTimeout: exec responses and WebSocket sessions outlive any
		// fixed write budget.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	drainMgr.StartDraining()
	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to shut down", "component", "http_server", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainMgr.Wait(drainCtx); err != nil {
		slog.Warn("drained with sessions still active", "component", "drain", "active", drainMgr.ActiveSessions())
	}

	ctrl.Stop()
	log.Println("Server stopped")
}
