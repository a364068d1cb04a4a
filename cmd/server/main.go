package main // Entry point package

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

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/gatekeep/admission/internal/admission"
	"github.com/gatekeep/admission/internal/config"
	"github.com/gatekeep/admission/internal/database"
	"github.com/gatekeep/admission/internal/dispatch"
	"github.com/gatekeep/admission/internal/guard"
	"github.com/gatekeep/admission/internal/handler"
	"github.com/gatekeep/admission/internal/lock"
	"github.com/gatekeep/admission/internal/middleware"
	"github.com/gatekeep/admission/internal/queue"
	"github.com/gatekeep/admission/internal/repository"
	"github.com/gatekeep/admission/internal/router"
	"github.com/gatekeep/admission/internal/token"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("mysql: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("mysql: %v", err)
	}

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	publisher := queue.NewPublisher(cfg.Broker, cfg.ServiceName, logger)
	defer publisher.Close()

	deps := admission.Deps{
		Tickets:   repository.NewTicketRepo(db),
		Events:    repository.NewEventRepo(db),
		Logs:      repository.NewScanLogRepo(db),
		Guards:    repository.NewGuardRepo(db),
		Locks:     lock.NewManager(rdb, ""),
		Codec:     token.NewCodec(cfg.Admission.SigningSecret),
		Guard:     guard.New(guard.FromConfig(cfg.Guard)),
		Publisher: publisher,
	}
	if cfg.Admission.ReplayCheck {
		deps.Nonces = token.NewNonceCache(rdb, "")
	}
	svc := admission.NewService(deps, cfg.Admission, admission.WithLogger(logger))

	registry, err := dispatch.NewRegistry(logger, admission.NewTicketHandler(svc))
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}
	consumer := queue.NewConsumer(cfg.Broker, registry, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "err", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				logger.Error("request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(echomw.Recover())

	router.RegisterRoutes(e)
	router.RegisterAdmission(e, handler.NewAdmissionHandler(svc, logger), cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb))

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
}

// newLogger returns a JSON logger in production and a text logger elsewhere.
func newLogger(env string) *slog.Logger {
	if env == "prod" || env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
