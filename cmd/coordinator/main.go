package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/clipboard-sync/config"
	"github.com/mossy-p/clipboard-sync/internal/coordinator"
	"github.com/mossy-p/clipboard-sync/internal/handlers"
)

func main() {
	cfg := config.LoadServer()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Presence mirroring is optional; without redis the coordinator runs
	// standalone with its in-memory rosters only.
	var presence coordinator.Presence = coordinator.NopPresence{}
	if addr := cfg.Redis.Addr(); addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		presence = coordinator.NewRedisPresence(redisClient)
		logger.Info("redis presence mirror enabled", "addr", addr)
	}

	registry := coordinator.NewRegistry(presence, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(handlers.NewOriginPolicy(cfg.AllowedOrigins).Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Admin API (authenticated)
	auth := handlers.NewAuth(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPassword)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", auth.Login)
		apiGroup.GET("/rooms", auth.Require(), handlers.ListRooms(registry))
		apiGroup.GET("/rooms/:roomId", auth.Require(), handlers.GetRoom(registry))
		apiGroup.DELETE("/rooms/:roomId", auth.Require(), handlers.CloseRoom(registry))
	}

	// Room websocket endpoint
	router.GET("/ws", registry.HandleWebSocket)

	logger.Info("starting clipboard sync coordinator", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
