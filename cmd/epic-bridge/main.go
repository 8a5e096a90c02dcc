package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ehr/epicbridge/internal/config"
	"github.com/ehr/epicbridge/internal/domain/epic"
	"github.com/ehr/epicbridge/internal/domain/surgery"
	"github.com/ehr/epicbridge/internal/platform/audit"
	"github.com/ehr/epicbridge/internal/platform/auth"
	"github.com/ehr/epicbridge/internal/platform/db"
	"github.com/ehr/epicbridge/internal/platform/hipaa"
	"github.com/ehr/epicbridge/internal/platform/lock"
	"github.com/ehr/epicbridge/internal/platform/metrics"
	"github.com/ehr/epicbridge/internal/platform/middleware"
	"github.com/ehr/epicbridge/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "epic-bridge",
		Short: "Epic FHIR integration for the surgical case dashboard",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(autoMatchCmd())
	rootCmd.AddCommand(tokenStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
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
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func autoMatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automatch",
		Short: "Match unmapped Epic entities to local surgeons, rooms and procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			typeNames, _ := cmd.Flags().GetStringSlice("type")

			facilityID, err := uuid.Parse(facility)
			if err != nil {
				return fmt.Errorf("--facility must be a UUID: %w", err)
			}
			types, err := parseMappingTypes(typeNames)
			if err != nil {
				return err
			}

			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.epic.RunAutoMatch(cmd.Context(), facilityID, auth.SystemUserID, types...)
			if err != nil {
				return err
			}
			printAutoMatch(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
	cmd.Flags().String("facility", "", "Facility ID")
	cmd.Flags().StringSlice("type", nil, "Mapping types to match (surgeon, room, procedure); all when empty")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func parseMappingTypes(names []string) ([]epic.MappingType, error) {
	types := make([]epic.MappingType, 0, len(names))
	for _, n := range names {
		mt, err := epic.ParseMappingType(n)
		if err != nil {
			return nil, err
		}
		types = append(types, mt)
	}
	return types, nil
}

func printAutoMatch(w io.Writer, summaries []*epic.AutoMatchSummary) {
	fmt.Fprintf(w, "%-10s %-8s %-10s %s\n", "TYPE", "APPLIED", "SUGGESTED", "SKIPPED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%-10s %-8d %-10d %d\n", s.MappingType, s.AutoApplied, s.Suggested, s.Skipped)
	}
	for _, s := range summaries {
		for _, r := range s.Results {
			if r.Action == epic.ActionSkipped {
				continue
			}
			local := ""
			if r.MatchedLocalName != nil {
				local = *r.MatchedLocalName
			}
			fmt.Fprintf(w, "  %-10s %-30q -> %-30q %.2f %s\n", s.MappingType, r.EpicDisplayName, local, r.Confidence, r.Action)
		}
	}
}

func tokenStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token-status",
		Short: "Show the facility's Epic connection and token expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			facilityID, err := uuid.Parse(facility)
			if err != nil {
				return fmt.Errorf("--facility must be a UUID: %w", err)
			}

			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.epic.Connection(cmd.Context(), facilityID)
			if err != nil {
				return err
			}
			printTokenStatus(cmd.OutOrStdout(), view)
			return nil
		},
	}
	cmd.Flags().String("facility", "", "Facility ID")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func printTokenStatus(w io.Writer, v *epic.ConnectionView) {
	fmt.Fprintf(w, "status:        %s\n", v.Status)
	fmt.Fprintf(w, "fhir base url: %s\n", v.FHIRBaseURL)
	fmt.Fprintf(w, "refresh token: %t\n", v.HasRefreshToken)
	switch {
	case v.TokenExpiresAt == nil:
		fmt.Fprintln(w, "expires:       unknown")
	case v.Expiry.IsExpired || v.Expiry.MinutesRemaining == nil:
		fmt.Fprintf(w, "expires:       expired at %s\n", v.TokenExpiresAt.Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "expires:       in %d min (%s)\n", *v.Expiry.MinutesRemaining, v.TokenExpiresAt.Format(time.RFC3339))
	}
	if v.LastError != nil && *v.LastError != "" {
		fmt.Fprintf(w, "last error:    %s\n", *v.LastError)
	}
}

// requestPolicy maps the EPIC_* settings onto the outbound FHIR policy.
func requestPolicy(cfg *config.Config) epic.RequestPolicy {
	p := epic.DefaultRequestPolicy()
	p.Timeout = cfg.EpicRequestTimeout
	p.MaxRetries = cfg.EpicMaxRetries
	if cfg.EpicBackoffBase > 0 {
		p.BackoffBase = cfg.EpicBackoffBase
	}
	if cfg.EpicRateLimitRPS > 0 {
		p.RateLimit = rate.Limit(cfg.EpicRateLimitRPS)
		p.RateBurst = cfg.EpicRateLimitBurst
	} else {
		p.RateLimit = rate.Inf
	}
	p.BreakerFailures = cfg.EpicBreakerFailures
	if cfg.EpicBreakerCooldown > 0 {
		p.BreakerCooldown = cfg.EpicBreakerCooldown
	}
	return p
}

// newLockers returns the token refresh and auto-match lockers. Under Redis
// they share the client but expire their keys on separate TTLs, since an
// auto-match run can outlast a refresh by minutes.
func newLockers(client *redis.Client, cfg *config.Config, logger zerolog.Logger) (refresh, match lock.Locker) {
	if client == nil {
		l := lock.NewLocalLocker()
		return l, l
	}
	return lock.NewRedisLocker(client, cfg.EpicRefreshLockTimeout, logger),
		lock.NewRedisLocker(client, cfg.EpicAutoMatchLockTimeout, logger)
}

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	pool    *pgxpool.Pool
	redis   *redis.Client
	surgery *surgery.Service
	epic    *epic.Service
	checks  map[string]db.Check
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*app, error) {
	statusID, err := uuid.Parse(cfg.EpicScheduledStatusID)
	if err != nil {
		return nil, fmt.Errorf("EPIC_SCHEDULED_STATUS_ID: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{pool: pool, checks: map[string]db.Check{}}

	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.redis = client
	}
	refreshLocker, matchLocker := newLockers(a.redis, cfg, logger)
	if rl, ok := refreshLocker.(*lock.RedisLocker); ok {
		a.checks["redis"] = rl.Ping
	}

	sealer, err := hipaa.NewEncryptionService(cfg.HIPAAEncryptionKey, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	recorder := audit.NewLogger(pool, logger)

	a.surgery = surgery.NewService(pool,
		surgery.NewSurgeonRepoPG(pool),
		surgery.NewORRoomRepoPG(pool),
		surgery.NewProcedureTypeRepoPG(pool),
		surgery.NewPatientRepoPG(pool),
		surgery.NewCaseRepoPG(pool),
	)

	conns := epic.NewConnectionRepoPG(pool, sealer)
	tokens := epic.NewTokenManager(conns, recorder, logger,
		epic.WithPolicy(requestPolicy(cfg)),
		epic.WithLocker(refreshLocker),
		epic.WithMetrics(m),
	)
	a.epic = epic.NewService(epic.Deps{
		Connections: conns,
		Mappings:    epic.NewEntityMappingRepoPG(pool),
		Fields:      epic.NewFieldMappingRepoPG(pool),
		ImportLog:   epic.NewImportLogRepoPG(pool),
		Tokens:      tokens,
		Client:      epic.NewClient(tokens, logger),
		Locals:      a.surgery,
		Cases:       a.surgery,
		Audit:       recorder,
		AuditLog:    recorder,
		Locker:      matchLocker,
		Metrics:     m,
	}, epic.ServiceConfig{
		ImportConcurrency: cfg.EpicImportConcurrency,
		ScheduledStatusID: statusID,
	}, logger)

	return a, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer a.Close()
	logger.Info().Bool("redis_lock", a.redis != nil).Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(m))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("2M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Facility-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.checks))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthJWTSecret),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	surgery.NewHandler(a.surgery).RegisterRoutes(apiV1)
	epic.NewHandler(a.epic).RegisterRoutes(apiV1)

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
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
