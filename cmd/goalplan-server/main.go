package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/goalplan/internal/config"
	"github.com/ehr/goalplan/internal/domain/assessment"
	"github.com/ehr/goalplan/internal/domain/goal"
	"github.com/ehr/goalplan/internal/domain/recommendation"
	"github.com/ehr/goalplan/internal/platform/auth"
	"github.com/ehr/goalplan/internal/platform/db"
	"github.com/ehr/goalplan/internal/platform/middleware"
	"github.com/ehr/goalplan/internal/platform/webhook"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "goalplan-server",
		Short: "Rehabilitation goal planning API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// dispatchGuard uses redis when REDIS_URL is set so that several server
// instances share claims; otherwise claims live in process.
func dispatchGuard(cfg *config.Config, logger zerolog.Logger) (recommendation.DispatchGuard, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("dispatch guard: in-memory")
		return recommendation.NewMemoryGuard(cfg.DispatchGuardTTL()), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("dispatch guard: redis")
	return recommendation.NewRedisGuard(rdb, cfg.DispatchGuardTTL()), func() { _ = rdb.Close() }, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	guard, closeGuard, err := dispatchGuard(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up dispatch guard")
	}
	defer closeGuard()

	// Recommendation workflow
	deliveries := webhook.NewMemoryLog(500)
	webhookURL := cfg.WebhookURL
	if webhookURL == "" {
		// only reachable in development; Validate requires a URL elsewhere
		webhookURL = "http://localhost:5678/webhook/goal-recommendations"
		logger.Warn().Str("url", webhookURL).Msg("RECOMMENDATION_WEBHOOK_URL not set, using local default")
	}
	client, err := webhook.NewClient(webhookURL,
		webhook.WithSecret(cfg.WebhookSecret),
		webhook.WithTimeout(cfg.WebhookTimeout()),
		webhook.WithRecorder(deliveries),
		webhook.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid recommendation webhook")
	}

	records := recommendation.NewStorePG(pool)
	dispatcher := recommendation.NewDispatcher(client, guard, logger)
	poller := recommendation.NewPoller(records, recommendation.Options{
		MaxAttempts: cfg.PollMaxAttempts,
		Interval:    cfg.PollInterval(),
	}, logger)

	// Goals
	goals := goal.NewGoalRepoPG(pool)
	tx := db.NewTransactor(pool)
	persister := goal.NewPersister(goals, goal.NewPatientStatusPG(pool), tx, logger,
		goal.WithLock(db.AdvisoryXactLock))
	goalSvc := goal.NewService(goals, tx, db.AdvisoryXactLock, logger)

	submitter := assessment.NewSubmitter(
		assessment.NewRepoPG(pool), records, dispatcher, poller, persister, logger,
		assessment.WithSessionRetention(cfg.SessionRetention()),
		assessment.WithTransactor(tx),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.PublicPathSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1", middleware.RequestTimeout(cfg.RequestTimeout()))
	goal.NewHandler(goalSvc).RegisterRoutes(apiV1)
	assessment.NewHandler(submitter).RegisterRoutes(apiV1,
		middleware.RateLimit(middleware.SubmitRateLimit(cfg.SubmitRatePerMinute, cfg.SubmitBurst)))

	admin := apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	webhook.NewLogHandler(deliveries).RegisterRoutes(admin)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
