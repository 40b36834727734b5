package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/internal/auth"
	"prism-board/internal/config"
	"prism-board/stream-service/api"
	"prism-board/stream-service/domain"
	"prism-board/stream-service/storage"
	"prism-board/stream-service/subscription"
)

func main() {
	config.ConfigureLogging()
	logger := log.StandardLogger()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	membersTable := os.Getenv("MEMBERS_TABLE")
	if connStr == "" || membersTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, membersTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(config.RedisOptions(redisConn))
	defer rc.Close()

	verifier, err := auth.FromEnv()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	registry := domain.NewRegistry(config.Int("ROOM_SHARDS", 32), logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("stream_service"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, registry, store, verifier, api.Config{
		SendBuffer: config.Int("SEND_BUFFER", 64),
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel := config.String("BOARD_UPDATES_CHANNEL", "board-updates")
	go subscription.SubscribeUpdates(ctx, logger, rc, channel, registry, time.Second)

	listenAddr := ":" + config.String("STREAM_SERVICE_PORT", "9000")
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}
