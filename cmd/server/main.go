// Package main runs the match + signaling relay HTTP server with WebSocket
// support and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/carelink/backend/config"
	"github.com/carelink/backend/internal/auth"
	"github.com/carelink/backend/internal/geocode"
	"github.com/carelink/backend/internal/locations"
	"github.com/carelink/backend/internal/match"
	"github.com/carelink/backend/internal/middleware"
	"github.com/carelink/backend/internal/presence"
	"github.com/carelink/backend/internal/signaling"
	"github.com/carelink/backend/internal/state"
	"github.com/carelink/backend/pkg/database"
	"github.com/carelink/backend/pkg/redis"
	"github.com/carelink/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Ephemeral state shared across relay processes
	sessionStore := state.NewSessionStore(rdb.Client, cfg.Match.StateTTL, logger)
	peerCounter := state.NewPresenceCounter(rdb.Client, cfg.Match.StateTTL)

	// Locations + reverse geocoding
	locationRepo := locations.NewRepository(pool)
	geocoder := geocode.NewResolver(cfg.Geocode.BaseURL, cfg.Geocode.UserAgent,
		cfg.Geocode.Timeout, cfg.Geocode.CacheTTL, rdb.Client, logger)
	locationHandler := locations.NewHandler(locationRepo, geocoder, logger)

	// Matching
	matchRepo := match.NewRepository(pool)
	matchService := match.NewService(matchRepo, locationRepo, sessionStore, cfg.Match.CandidateLimit, logger)
	matchHandler := match.NewHandler(matchService, peerCounter, logger)

	// Signaling relay
	pubsub := signaling.NewRedisPubSub(rdb.Client, logger)
	hub := signaling.NewHub(peerCounter, pubsub, pubsub, logger)
	hub.SetPresenceChangeHandler(func(sessionID uuid.UUID, count int64) {
		matchService.OnPresenceChange(sessionID, count)
	})

	// User liveness pings
	tracker := presence.NewTracker(rdb.Client, cfg.Match.PingTTL)
	presenceHandler := presence.NewHandler(tracker, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/match/request", matchHandler.Request)
		api.POST("/match/end", matchHandler.End)
		api.GET("/match/:id", matchHandler.Status)

		api.POST("/me/location", locationHandler.Update)
		api.GET("/me/location", locationHandler.Get)

		api.POST("/me/presence/ping", presenceHandler.Ping)
		api.GET("/users/:id/alive", presenceHandler.Alive)

		api.GET("/rtc/config", signaling.ICEConfigHandler(cfg.WebRTC.ICEUrls))
	}

	// Signaling WebSocket (credential in query; resolved before admission)
	router.GET("/ws/match/:sessionId", signaling.ServeWs(hub, jwtService.Validate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
