package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaolu219/banana-slides/config"
	"github.com/xiaolu219/banana-slides/handler"
	"github.com/xiaolu219/banana-slides/middleware"
	"github.com/xiaolu219/banana-slides/pkg/logger"
	"github.com/xiaolu219/banana-slides/service"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	minioSvc, err := service.NewMinioService(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize MINIO service", "error", err)
		os.Exit(1)
	}
	if err := minioSvc.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure MINIO bucket", "error", err)
		os.Exit(1)
	}

	store, err := service.OpenStore(&cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	retention := time.Duration(cfg.Store.TaskRetentionMin) * time.Minute
	register := service.NewStatusRegister(store, retention)
	if err := register.Restore(context.Background()); err != nil {
		slog.Error("failed to restore status register", "error", err)
		os.Exit(1)
	}

	retry := service.NewRetryPolicy(&cfg.Retry)
	pool := service.NewWorkerPool(cfg.Workers.Generation, retry, register)

	gemini := service.NewGeminiClient(&cfg.AI)
	mineru := service.NewMineruService(&cfg.Mineru)

	pipeline := service.NewPipeline(store, register, pool, gemini, minioSvc)
	parsePipeline := service.NewParsePipeline(store, register, pool, mineru, gemini, minioSvc, cfg.Workers.Caption)
	gateway := service.NewPollGateway(store, register)

	projectHandler := handler.NewProjectHandler(store, pipeline, gateway, register, minioSvc)
	fileHandler := handler.NewFileHandler(store, parsePipeline, gateway, minioSvc)
	statusHandler := handler.NewStatusHandler(gateway, register)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimit(300, time.Minute))

	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		api.POST("/projects", projectHandler.Create)
		api.GET("/projects", projectHandler.List)
		api.GET("/projects/:id", projectHandler.Get)
		api.PUT("/projects/:id", projectHandler.Update)
		api.DELETE("/projects/:id", projectHandler.Delete)
		api.GET("/projects/:id/status", projectHandler.Status)
		api.GET("/projects/:id/pages", projectHandler.Pages)
		api.POST("/projects/:id/pages", projectHandler.AppendPage)

		// Generation triggers get a tighter budget than polling.
		triggers := api.Group("/")
		triggers.Use(middleware.RateLimit(30, time.Minute))
		{
			triggers.POST("/projects/:id/generate/:stage", projectHandler.Generate)
			triggers.POST("/projects/:id/pages/:pageId/regenerate-image", projectHandler.RegenerateImage)
		}

		api.POST("/files/upload", fileHandler.Upload)
		api.GET("/files", fileHandler.List)
		api.GET("/files/:id", fileHandler.Get)
		api.GET("/files/:id/status", fileHandler.Status)
		api.POST("/files/:id/parse", fileHandler.Parse)
		api.DELETE("/files/:id", fileHandler.Delete)

		api.GET("/status/:entityId", statusHandler.Entity)
		api.GET("/tasks/:id", statusHandler.Task)
		api.POST("/tasks/:id/ack", statusHandler.AckTask)
	}

	// Background sweep of acknowledged and expired terminal tasks.
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweeperCtx.Done():
				return
			case now := <-ticker.C:
				if n := register.SweepTasks(now); n > 0 {
					slog.Debug("swept finished tasks", "count", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// In-flight jobs get the rest of the grace period; whatever does not
	// finish is marked interrupted on the next startup's Restore.
	if err := pool.Shutdown(ctx); err != nil {
		slog.Warn("jobs still in flight at shutdown", "error", err)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
