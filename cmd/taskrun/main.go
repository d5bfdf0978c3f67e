// Package main is the entry point for the TaskRun control plane.
// A single binary serves the operator HTTP API, the UI WebSocket gateway,
// and the worker-facing mTLS listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Common packages
	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/httpmw"
	"github.com/taskrun/taskrun/internal/common/logger"

	// Event bus
	"github.com/taskrun/taskrun/internal/events"

	// WebSocket gateway
	gateways "github.com/taskrun/taskrun/internal/gateway/websocket"

	// Control-plane packages
	"github.com/taskrun/taskrun/internal/enrollment"
	"github.com/taskrun/taskrun/internal/identity"
	"github.com/taskrun/taskrun/internal/metrics"
	"github.com/taskrun/taskrun/internal/scheduler"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	"github.com/taskrun/taskrun/internal/task"
	"github.com/taskrun/taskrun/internal/tracing"
	"github.com/taskrun/taskrun/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting TaskRun control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, or NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus cleanup error", zap.Error(err))
		}
	}()

	// 5. Initialize identity store and CA material
	ident := identity.NewStore(log)
	defer ident.Close()

	if cfg.Identity.CACertFile != "" {
		if err := ident.LoadCAFiles(cfg.Identity.CACertFile, cfg.Identity.CAKeyFile); err != nil {
			log.Fatal("Failed to load CA material", zap.Error(err),
				zap.String("ca_cert_file", cfg.Identity.CACertFile))
		}
		log.Info("CA material loaded", zap.String("ca_cert_file", cfg.Identity.CACertFile))
	} else {
		log.Warn("No CA configured - enrollment and the worker listener are disabled " +
			"until identity.caCertFile and identity.caKeyFile are set")
	}

	// 6. Initialize control-plane state
	store := state.NewMemoryStore()

	// 7. Initialize stream fan-out buses
	streamBus := stream.NewStreamBus(cfg.Stream.SubscriberBuffer, cfg.Stream.TerminalGraceDuration(), log)
	defer streamBus.Close()
	uiBus := stream.NewUiBus(cfg.Stream.UIBuffer, log)
	defer uiBus.Close()

	// 8. Initialize services
	workerSvc := worker.NewService(store, streamBus, uiBus, log)

	sched := scheduler.New(store, uiBus, cfg.Scheduler, log)
	sched.Start(ctx)
	defer sched.Stop()

	taskSvc := task.NewService(store, sched, streamBus, uiBus, log)

	reaper := worker.NewReaper(store, workerSvc, uiBus, cfg.Heartbeat, log)
	reaper.Start(ctx)
	defer reaper.Stop()

	// 9. Mirror UI notifications onto the event bus for external consumers
	mirror := events.NewMirror(provided.Bus, uiBus, log)
	mirror.Start(ctx)
	defer mirror.Stop()

	// 10. Initialize WebSocket gateway
	gateway := gateways.NewGateway(streamBus, uiBus, log)

	taskHandlers := task.NewHandlers(taskSvc, log)
	taskHandlers.RegisterActions(gateway.Dispatcher)

	workerHandlers := worker.NewHandlers(workerSvc, log)
	workerHandlers.RegisterActions(gateway.Dispatcher)

	go gateway.Hub.Run(ctx)

	// ============================================
	// ADMIN HTTP SERVER (HTTP API + WebSocket gateway)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "admin"))
	router.Use(httpmw.OtelTracing("admin"))

	// WebSocket endpoint - primary realtime transport for the UI
	gateway.SetupRoutes(router)

	// Enrollment endpoint lives outside /api/v1: the caller has no
	// certificate yet, only a bootstrap token.
	enrollHandlers := enrollment.NewHandlers(ident, cfg.Identity, log)
	enrollHandlers.RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	taskHandlers.RegisterRoutes(apiV1)
	workerHandlers.RegisterRoutes(apiV1)
	enrollHandlers.RegisterAdminRoutes(apiV1)

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// ============================================
	// WORKER mTLS LISTENER
	// ============================================
	listener := worker.NewListener(cfg.Worker, workerSvc, ident, log)
	listenerEnabled := cfg.Worker.CertFile != "" && ident.HasCA()
	if !listenerEnabled {
		log.Warn("Worker listener disabled - set worker.certFile, worker.keyFile " +
			"and the identity CA to accept worker connections")
	}

	// ============================================
	// SERVE
	// ============================================
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Admin server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	if listenerEnabled {
		serveErrs, err := listener.Start()
		if err != nil {
			log.Fatal("Failed to start worker listener", zap.Error(err))
		}
		g.Go(func() error {
			select {
			case err, ok := <-serveErrs:
				if ok && err != nil {
					return fmt.Errorf("worker listener: %w", err)
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			log.Fatal("Listener failed", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
		zap.String("enroll", "/v1/enroll"),
		zap.Bool("worker_listener", listenerEnabled),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down TaskRun control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Admin server shutdown error", zap.Error(err))
	}
	if err := listener.Shutdown(shutdownCtx); err != nil {
		log.Error("Worker listener shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("TaskRun control plane stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
