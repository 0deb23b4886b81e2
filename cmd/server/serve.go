package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pixellens/academy/internal/config"
	"github.com/pixellens/academy/internal/database"
	"github.com/pixellens/academy/internal/handler"
	"github.com/pixellens/academy/internal/logging"
	"github.com/pixellens/academy/internal/metrics"
	"github.com/pixellens/academy/internal/middleware"
	"github.com/pixellens/academy/internal/payment"
	"github.com/pixellens/academy/internal/queue"
	"github.com/pixellens/academy/internal/repository"
	"github.com/pixellens/academy/internal/router"
	"github.com/pixellens/academy/internal/service"
)

const defaultShutdownTimeout = 10 * time.Second

func serveCommand(c *cli.Context) error {
	cfg := config.Load()

	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if c.Bool("migrate") {
		if err := database.Migrate(c.Context, db, cfg.DBDriver); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb := config.NewRedisClient() // nil when Redis is down
	if rdb != nil {
		defer rdb.Close()
	}

	brokerCfg := config.LoadBrokerConfig()
	pub, err := queue.NewPublisher(brokerCfg)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer pub.Close()

	payCfg := config.LoadPaymentConfig()
	var provider service.IntentProvider
	if pc := payment.NewClient(payCfg); pc != nil {
		provider = pc
	} else {
		log.Printf("payment: STRIPE_SECRET_KEY not set; intents disabled")
	}

	m := metrics.NewServerMetrics("academy")
	coCfg := config.LoadCheckoutConfig()
	checkout := service.NewCheckoutService(db, service.Options{
		SeatPolicy:    repository.SeatPolicy(coCfg.SeatPolicy),
		MaxAttempts:   coCfg.MaxAttempts,
		Timeout:       coCfg.Timeout,
		Currency:      payCfg.Currency,
		MethodTypes:   payCfg.MethodTypes,
		VerifyIntents: payCfg.VerifyIntents,
	}, provider, pub, m)

	e := newEcho(m)

	cacheCfg := config.LoadCacheConfig()
	classes := handler.NewClassHandler(repository.NewClassRepo(db), cacheCfg, rdb)
	router.RegisterRoutes(e, db, m)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewTokenRepo(db)), cfg.JWTSecret)
	router.RegisterPublic(e, classes, middleware.NewRedisCache(cacheCfg, rdb))
	router.RegisterStudent(e, router.StudentHandlers{
		Cart:        handler.NewCartHandler(repository.NewCartRepo(db)),
		Payments:    handler.NewPaymentHandler(checkout, repository.NewPaymentRepo(db)),
		Enrollments: handler.NewEnrollmentHandler(repository.NewEnrollmentRepo(db)),
	}, cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	router.RegisterInstructor(e, classes, cfg.JWTSecret)
	router.RegisterAdmin(e, classes, cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s, db=%s, seat_policy=%s)", addr, cfg.Env, cfg.DBDriver, coCfg.SeatPolicy)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if c.Bool("consume") {
		g.Go(func() error { return queue.StartConsumer(gctx, brokerCfg) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newEcho builds the server with the shared error envelope, request ids
// and one JSON access log line per request.
func newEcho(m *metrics.ServerMetrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			logging.Log(logging.Fields{
				Service:    "http",
				RequestID:  v.RequestID,
				Status:     strconv.Itoa(v.Status),
				DurationMS: v.Latency.Milliseconds(),
				Message:    v.Method + " " + v.URI,
			})
			return nil
		},
	}))
	e.Use(m.Middleware())
	return e
}

func migrateCommand(c *cli.Context) error {
	cfg := config.Load()
	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(c.Context, db, cfg.DBDriver); err != nil {
		return err
	}
	log.Printf("migrations applied (%s)", cfg.DBDriver)
	return nil
}

func consumeCommand(c *cli.Context) error {
	config.LoadDotEnv()
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return queue.StartConsumer(ctx, config.LoadBrokerConfig())
}
