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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"ai-group-chat-demo/engine/internal/models"
	"ai-group-chat-demo/engine/internal/ws"
	"ai-group-chat-demo/engine/pkg/config"
	"ai-group-chat-demo/engine/pkg/di"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/observability"
)

// demoRoster is the default four-member group for the demo server.
// Real hosts supply the roster from their own character catalog.
var demoRoster = []models.Character{
	{ID: "nova", Name: "Nova", Color: "#e3719e", TypingSpeed: 1.3},
	{ID: "atlas", Name: "Atlas", Color: "#4f86c6", TypingSpeed: 0.9},
	{ID: "pixel", Name: "Pixel", Color: "#67c587", TypingSpeed: 1.6},
	{ID: "sage", Name: "Sage", Color: "#b98add", TypingSpeed: 0.8},
}

func main() {
	cfg := config.New()

	log := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.Format == "json",
	})

	shutdownTracing := observability.SetupTracing("group-chat-engine")
	defer shutdownTracing()
	observability.SetupPrometheusMetrics()

	db := openDatabase(cfg, log)

	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().Unix())
	}

	container, err := di.New(cfg, db, di.Options{
		SessionID: sessionID,
		UserName:  getEnv("USER_NAME", "you"),
		Roster:    demoRoster,
		Mode:      os.Getenv("CONVERSATION_MODE"),
	})
	if err != nil {
		log.LogError(err, "failed to build session container")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container.Session.Start(ctx)
	defer container.Session.Close()

	hub := ws.NewHub(container.Session, log.WithComponent("ws"))

	if cfg.Server.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": sessionID})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", hub.ServeWs)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		log.Info("server listening", "port", cfg.Server.Port, "session", sessionID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(err, "server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "graceful shutdown failed")
	}
}

// openDatabase connects to postgres for history persistence. The engine
// degrades to memory-only operation when the database is unavailable.
func openDatabase(cfg *config.Config, log *logger.Logger) *gorm.DB {
	if os.Getenv("DB_DISABLED") == "true" {
		log.Info("history persistence disabled")
		return nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		log.Warn("database unavailable, running memory-only", "error", err.Error())
		return nil
	}
	return db
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
