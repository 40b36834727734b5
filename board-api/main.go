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
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-board/board-api/api"
	"prism-board/board-api/domain"
	"prism-board/board-api/storage"
	"prism-board/internal/auth"
	"prism-board/internal/config"
)

// backend is what every store driver provides.
type backend interface {
	domain.Store
	domain.Membership
}

func openStore() backend {
	switch driver := config.String("STORE_DRIVER", "aztables"); driver {
	case "aztables":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		itemsTable := os.Getenv("ITEMS_TABLE")
		membersTable := os.Getenv("MEMBERS_TABLE")
		if connStr == "" || itemsTable == "" || membersTable == "" {
			log.Fatal("missing storage config")
		}
		store, err := storage.New(connStr, itemsTable, membersTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return store
	case "sqlite":
		store, err := storage.OpenSQLite(config.String("SQLITE_PATH", "board.db"))
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		return store
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore()
	default:
		log.Fatalf("unknown STORE_DRIVER %q", driver)
	}
	return nil
}

func main() {
	config.ConfigureLogging()
	logger := log.StandardLogger()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store := openStore()

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(config.RedisOptions(redisConn))
	channel := config.String("BOARD_UPDATES_CHANNEL", "board-updates")

	var fallback *storage.FallbackQueue
	if queueName := os.Getenv("BOARD_EVENTS_QUEUE"); queueName != "" {
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("BOARD_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
		}
		q, err := storage.NewFallbackQueue(connStr, queueName, logger)
		if err != nil {
			log.Fatalf("fallback queue: %v", err)
		}
		fallback = q
	}

	var publisherFallback api.Fallback
	if fallback != nil {
		publisherFallback = fallback
	}
	publisher := api.NewPublisher(rc, channel, publisherFallback, api.PublisherConfig{
		Workers: config.Int("PUBLISH_WORKERS", 8),
		Buffer:  config.Int("PUBLISH_BUFFER", 128),
		Timeout: config.Duration("PUBLISH_TIMEOUT", 5*time.Second),
	}, logger)
	defer publisher.Close()

	cached := storage.NewCache(store, rc, config.Duration("ITEMS_CACHE_TTL", 30*time.Second))
	coordinator := domain.NewCoordinator(cached, store,
		domain.WithPublisher(publisher),
		domain.WithLogger(logger),
		domain.WithRetry(config.Int("MOVE_MAX_ATTEMPTS", domain.DefaultMaxAttempts), config.Duration("MOVE_BASE_BACKOFF", domain.DefaultBaseBackoff)),
	)

	verifier, err := auth.FromEnv()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Decompress())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key", "X-Session-Handle"},
		ExposeHeaders: []string{"Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("board_api"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Deps{
		Mover:   coordinator,
		Items:   cached,
		Members: store,
		Auth:    verifier,
		Results: api.NewRedisDeduper(rc, config.Duration("DEDUPER_TTL", 24*time.Hour)),
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if fallback != nil {
		go api.RunRelay(ctx, fallback, rc, channel, 5*time.Second, logger)
	}

	listenAddr := ":" + config.String("BOARD_API_PORT", "8080")
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
