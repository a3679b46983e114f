package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/domain/deadline"
	"github.com/caseflow/caseflow/internal/domain/followup"
	"github.com/caseflow/caseflow/internal/platform/db"
	"github.com/caseflow/caseflow/internal/platform/delivery"
	"github.com/caseflow/caseflow/internal/platform/lock"
	"github.com/caseflow/caseflow/internal/platform/metrics"
	"github.com/caseflow/caseflow/internal/platform/middleware"
	"github.com/caseflow/caseflow/internal/platform/sweeper"
	"github.com/caseflow/caseflow/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "caseflow-server",
		Short:        "Records request follow-up and deadline service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(deadlinesCmd())
	rootCmd.AddCommand(policiesCmd())
	return rootCmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the follow-up API server and reminder sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newMigrator(cmd *cobra.Command, cfg *config.Config) (*db.Migrator, func(), error) {
	dir, _ := cmd.Flags().GetString("dir")
	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	if dir != "" {
		return db.NewDirMigrator(pool, dir), pool.Close, nil
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			migrator, closePool, err := newMigrator(cmd, cfg)
			if err != nil {
				return err
			}
			defer closePool()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			migrator, closePool, err := newMigrator(cmd, cfg)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func printMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func loadEngine(policyFile string) (*deadline.Engine, error) {
	table, err := deadline.LoadPolicies(policyFile)
	if err != nil {
		return nil, err
	}
	return deadline.NewEngine(table), nil
}

func deadlinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadlines",
		Short: "Print the response deadline, reminder and escalation dates for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerType, _ := cmd.Flags().GetString("provider-type")
			rawDate, _ := cmd.Flags().GetString("request-date")
			policyFile, _ := cmd.Flags().GetString("policy-file")

			requestDate, err := deadline.ParseTimestamp(rawDate)
			if err != nil {
				return err
			}
			engine, err := loadEngine(policyFile)
			if err != nil {
				return err
			}
			d, err := engine.CalculateDeadlines(providerType, requestDate)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().String("provider-type", deadline.DefaultProviderType, "Provider type (unknown types use the physician policy)")
	cmd.Flags().String("request-date", "", "Request date, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().String("policy-file", os.Getenv("POLICY_FILE"), "YAML policy table overlaid on the built-in one")
	_ = cmd.MarkFlagRequired("request-date")
	return cmd
}

func policiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Print the resolved provider policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			policyFile, _ := cmd.Flags().GetString("policy-file")
			engine, err := loadEngine(policyFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := engine.Policies()
			fmt.Fprintf(out, "%-16s %-9s %-16s %s\n", "PROVIDER TYPE", "STANDARD", "REMINDERS", "ESCALATIONS")
			for _, name := range table.ProviderTypes() {
				p := table[name]
				fmt.Fprintf(out, "%-16s %-9d %-16s %s\n", name, p.StandardDays, joinDays(p.ReminderSchedule), joinDays(p.EscalationDays))
			}
			return nil
		},
	}
	cmd.Flags().String("policy-file", os.Getenv("POLICY_FILE"), "YAML policy table overlaid on the built-in one")
	return cmd
}

func joinDays(days []int) string {
	if len(days) == 0 {
		return "-"
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, ",")
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Check{"database": pool.Ping}

	// Intake lock
	var locker lock.Locker = lock.NopLocker{}
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLocker(ctx, cfg.RedisURL, "caseflow:lock")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rl.Close()
		locker = rl
		checks["redis"] = rl.Ping
		logger.Info().Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, schedule locking is process-local only")
	}

	// Deadline engine
	engine, err := loadEngine(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("policy_file", cfg.PolicyFile).Msg("failed to load policy table")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)

	// Delivery
	gateway := delivery.NewGateway(delivery.LogSenders(logger), nil, logger,
		delivery.WithMaxAttempts(cfg.DeliveryMaxAttempts),
		delivery.WithFaxRate(cfg.FaxRatePerMinute),
	)

	svc := followup.NewService(followup.Deps{
		Engine:     engine,
		Tasks:      followup.NewTaskRepoPG(pool),
		Dispatches: followup.NewDispatchRepoPG(pool),
		Contacts:   followup.NewContactRepoPG(pool),
		Gateway:    gateway,
		Tx:         db.NewTransactor(pool),
		Locker:     locker,
		Metrics:    m,
		Logger:     logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	followup.NewHandler(svc, cfg.UpcomingWindowDays, time.Now).RegisterRoutes(apiV1)

	e.GET("/health", db.HealthHandler(checks, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", m.Handler())

	// Reminder sweeper
	var sw *sweeper.Sweeper
	if cfg.SweepEnabled {
		method, _ := cfg.DeliveryMethod()
		sw, err = sweeper.New(sweeper.Config{
			Schedule:  cfg.SweepSchedule,
			Method:    method,
			BatchSize: cfg.SweepBatchSize,
		}, svc, m, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure reminder sweeper")
		}
		sw.Start()
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
	if sw != nil {
		if err := sw.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("reminder sweeper did not stop cleanly")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
