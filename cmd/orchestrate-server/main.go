package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchestrate/orchestrate/internal/config"
	"github.com/orchestrate/orchestrate/internal/domain/allocation"
	"github.com/orchestrate/orchestrate/internal/platform/auth"
	"github.com/orchestrate/orchestrate/internal/platform/db"
	"github.com/orchestrate/orchestrate/internal/platform/events"
	"github.com/orchestrate/orchestrate/internal/platform/middleware"
	"github.com/orchestrate/orchestrate/internal/platform/validate"
	"github.com/orchestrate/orchestrate/internal/platform/webhook"
	"github.com/orchestrate/orchestrate/internal/platform/websocket"
	"github.com/orchestrate/orchestrate/migrations"
)

// EventPublisherAdapter adapts an events.RedisPublisher to the
// allocation.EventSink interface, keeping the platform package free of
// domain imports.
type EventPublisherAdapter struct {
	pub *events.RedisPublisher
}

func NewEventPublisherAdapter(pub *events.RedisPublisher) *EventPublisherAdapter {
	return &EventPublisherAdapter{pub: pub}
}

// Publish implements allocation.EventSink.
func (a *EventPublisherAdapter) Publish(ctx context.Context, ev allocation.Event) error {
	_, err := a.pub.Publish(ctx, string(ev.Kind), ev)
	return err
}

// LiveFeedAdapter forwards engine events to websocket subscribers of the
// allocations topic and of the affected patient's topic.
type LiveFeedAdapter struct {
	hub *websocket.Hub
}

func NewLiveFeedAdapter(hub *websocket.Hub) *LiveFeedAdapter {
	return &LiveFeedAdapter{hub: hub}
}

// Publish implements allocation.EventSink.
func (a *LiveFeedAdapter) Publish(ctx context.Context, ev allocation.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	for _, topic := range []string{websocket.AllocationsTopic, websocket.PatientTopic(ev.PatientID)} {
		if _, err := a.hub.Publish(ctx, websocket.Event{
			Kind:    string(ev.Kind),
			Topic:   topic,
			Version: ev.Version,
			At:      ev.At,
			Data:    data,
		}); err != nil {
			return err
		}
	}
	return nil
}

// WebhookAdapter queues engine events for delivery to webhook endpoints.
type WebhookAdapter struct {
	notifier *webhook.Notifier
}

func NewWebhookAdapter(notifier *webhook.Notifier) *WebhookAdapter {
	return &WebhookAdapter{notifier: notifier}
}

// Publish implements allocation.EventSink. A full queue is reported as an
// error so the engine logs it.
func (a *WebhookAdapter) Publish(_ context.Context, ev allocation.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if !a.notifier.Enqueue(webhook.Event{
		ID:        fmt.Sprintf("%s-%d", ev.RequestID, ev.Version),
		Type:      string(ev.Kind),
		Payload:   payload,
		Timestamp: ev.At,
	}) {
		return fmt.Errorf("webhook queue full, %s event for request %s dropped", ev.Kind, ev.RequestID)
	}
	return nil
}

func newWebhookNotifier(cfg *config.Config, logger zerolog.Logger) (*webhook.Notifier, error) {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents})
	}
	return webhook.NewNotifier(endpoints, logger)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrate-server",
		Short: "Hospital resource allocation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(inventoryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
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
		Short: "Start the allocation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// openMigrator connects using DATABASE_URL; --schema overrides DB_SCHEMA.
	openMigrator := func(cmd *cobra.Command) (*db.Migrator, *pgxpool.Pool, error) {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		if !cfg.PersistenceEnabled() {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
		}
		if schema == "" {
			schema = cfg.DBSchema
		}
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, migrationsFS(dir), schema), pool, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, pool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, pool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(cmd.Context())
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
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
		cmd.AddCommand(c)
	}
	return cmd
}

func allocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate",
		Short: "Run one batch allocation over the persisted state",
		Long: `Run one batch allocation over the persisted state and save the result.

The command takes the same Postgres advisory lock a running server holds, so it
refuses to run while a server owns the state. Use POST /api/v1/allocations
against a live server instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.PersistenceEnabled() {
				return fmt.Errorf("DATABASE_URL is required: without persistence there are no pending requests to allocate")
			}
			logger := newLogger(cfg.Env)
			ctx := cmd.Context()

			st, err := openState(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer st.Close()

			res := st.engine.Allocate(ctx)
			if _, err := st.repo.Save(ctx, st.engine.Snapshot()); err != nil {
				return fmt.Errorf("save state: %w", err)
			}

			fmt.Printf("Attempted %d, assigned %d, failed %d.\n", len(res.Attempted), len(res.Assigned), len(res.Failures))
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func inventoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Print the resource inventory summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openState(cmd.Context(), cfg, zerolog.Nop(), false)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Printf("%-12s %8s %10s %9s\n", "TYPE", "TOTAL", "AVAILABLE", "OCCUPIED")
			fmt.Println("------------ -------- ---------- ---------")
			for _, s := range st.engine.ResourceSummary() {
				fmt.Printf("%-12s %8d %10d %9d\n", s.Type, s.Total, s.Available, s.Occupied)
			}
			return nil
		},
	}
}

func inventoryCounts(cfg *config.Config) (allocation.InventoryCounts, error) {
	counts := allocation.InventoryCounts{}
	for name, n := range cfg.Inventory() {
		t, err := allocation.ParseResourceType(name)
		if err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, nil
}

// engineState is an engine plus the persistence it was loaded from. pool and
// repo are nil when DATABASE_URL is unset.
type engineState struct {
	engine *allocation.Engine
	pool   *pgxpool.Pool
	repo   allocation.StateRepository
	lock   *db.Lock
}

func (s *engineState) Close() {
	if s.lock != nil {
		_ = s.lock.Release(context.Background())
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// stateLockKey is the advisory lock held by whichever process owns writes to
// the saved engine state.
const stateLockKey int64 = 0x4f5243485354 // "ORCHST"

// errStateInUse is returned by openState when another process owns the state.
var errStateInUse = errors.New("engine state is owned by another process (a running server or allocate command); stop it, or allocate through POST /api/v1/allocations")

// openState restores the last saved engine state, seeding and saving the
// configured inventory when nothing was saved yet. Without a database it
// returns a fresh in-memory engine. A writer takes the state advisory lock
// before loading and holds it until Close, so a server and the allocate
// command never both write the same row.
func openState(ctx context.Context, cfg *config.Config, logger zerolog.Logger, writer bool) (*engineState, error) {
	opts := []allocation.Option{allocation.WithLogger(logger)}

	seed := func() (*allocation.Engine, error) {
		counts, err := inventoryCounts(cfg)
		if err != nil {
			return nil, err
		}
		units, err := allocation.DefaultInventory(counts)
		if err != nil {
			return nil, err
		}
		return allocation.NewEngine(units, opts...)
	}

	if !cfg.PersistenceEnabled() {
		eng, err := seed()
		if err != nil {
			return nil, err
		}
		return &engineState{engine: eng}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, err
	}
	repo := allocation.NewStateRepoPG(pool)

	var lock *db.Lock
	if writer {
		if lock, err = db.TryLock(ctx, pool, stateLockKey); err != nil {
			pool.Close()
			if errors.Is(err, db.ErrLocked) {
				return nil, errStateInUse
			}
			return nil, err
		}
	}
	fail := func(err error) (*engineState, error) {
		_ = lock.Release(ctx)
		pool.Close()
		return nil, err
	}

	saved, err := repo.Load(ctx)
	if err != nil {
		return fail(err)
	}

	var eng *allocation.Engine
	if saved == nil {
		if eng, err = seed(); err == nil {
			_, err = repo.Save(ctx, eng.Snapshot())
		}
	} else {
		eng, err = allocation.NewEngineFromState(saved, opts...)
	}
	if err != nil {
		return fail(err)
	}
	if saved == nil {
		logger.Info().Msg("seeded resource inventory")
	} else {
		logger.Info().Uint64("version", saved.Version).Msg("restored engine state")
	}
	return &engineState{engine: eng, pool: pool, repo: repo, lock: lock}, nil
}

func runServer() error {
	// Config
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	logger := newLogger(cfg.Env)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: DevAuthMiddleware trusts X-User-ID and X-Role headers; do not use in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Engine and persistence
	st, err := openState(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise engine")
	}
	defer st.Close()
	engine := st.engine

	var background sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(context.Background())
	if st.repo != nil {
		persister := allocation.NewPersister(engine, st.repo, cfg.PersistInterval, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			persister.Run(runCtx)
		}()
		logger.Info().Dur("interval", cfg.PersistInterval).Msg("state persistence enabled")
	}

	// Event fan-out
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		engine.Subscribe(NewEventPublisherAdapter(events.NewRedisPublisher(client, cfg.RedisChannel)))
		logger.Info().Str("channel", cfg.RedisChannel).Msg("publishing engine events to redis")
	}

	var notifier *webhook.Notifier
	if cfg.WebhooksEnabled() {
		notifier, err = newWebhookNotifier(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		background.Add(1)
		go func() {
			defer background.Done()
			notifier.Run(runCtx)
		}()
		engine.Subscribe(NewWebhookAdapter(notifier))
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering engine events to webhooks")
	}

	hub := websocket.NewHub(logger)
	engine.Subscribe(NewLiveFeedAdapter(hub))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	checks := []db.Check{{Name: "engine", Run: func(context.Context) error { return engine.CheckInvariants() }}}
	if st.pool != nil {
		e.GET("/health/db", db.HealthHandler(st.pool))
		checks = append(checks, db.PingCheck(st.pool))
	}
	e.GET("/health/ready", db.ReadyHandler(checks...))

	// Auth and rate limiting apply to the API only.
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		key, err := cfg.SigningKey()
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid signing key")
		}
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: key,
		})
	}
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	allocation.NewHandler(engine).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(apiV1)
	if notifier != nil {
		webhook.NewHandler(notifier).RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole("admin")))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancelRun()
	background.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
