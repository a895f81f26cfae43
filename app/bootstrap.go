package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vidashield/internal/alert"
	"vidashield/internal/attempts"
	"vidashield/internal/audit"
	"vidashield/internal/auth"
	"vidashield/internal/config"
	"vidashield/internal/csrf"
	"vidashield/internal/db"
	"vidashield/internal/intrusion"
	"vidashield/internal/maintenance"
	"vidashield/internal/oauth"
	"vidashield/internal/observability"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

// stores groups the shared state that lives either in process or in redis.
type stores struct {
	tracker    attempts.Tracker
	suppressor intrusion.Suppressor
	states     oauth.StateStore
	csrf       csrf.Store
	sweepers   map[string]maintenance.Sweeper
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	if cfg.Database.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = openRedis(cfg.Redis.URL)
		if err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	shared := newStores(cfg, redisClient)

	auditSink := audit.NewPostgresSink(database, logger)
	dispatcher := audit.NewDispatcher(audit.Config{BufferSize: 512, DropIfFull: true}, auditSink)

	alertRepo := alert.NewRepository(database)
	alertService := alert.NewService(alertRepo)
	alertHandler := alert.NewHandler(alertService, logger)

	engine := intrusion.NewEngine(shared.tracker, alertService, shared.suppressor, intrusion.Config{
		AlertThreshold: cfg.Alerts.Threshold,
		MaxAttempts:    cfg.Login.MaxAttempts,
		Dedupe:         intrusion.DedupePolicy(cfg.Alerts.Dedupe),
	}, logger)

	accounts := auth.NewRepository(database)
	issuer := auth.NewTokenIssuer(cfg.Session.Secret, cfg.Session.TTL)
	authService := auth.NewService(accounts, issuer, engine, dispatcher, logger)
	authHandler := auth.NewHandler(authService, logger)

	closeAll := func() error {
		dispatcher.Close()
		var errs []error
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		errs = append(errs, database.Close())
		return errors.Join(errs...)
	}

	if cfg.Admin.Email != "" {
		if err := authService.BootstrapAdmin(context.Background(), cfg.Admin.Email, cfg.Admin.Password); err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	coordinator := oauth.NewCoordinator(providersFromConfig(cfg.OAuth), shared.states, accounts, issuer, dispatcher, logger, oauth.Options{
		FrontendURL:     cfg.FrontendURL,
		StateTTL:        cfg.OAuth.StateTTL,
		ProviderTimeout: cfg.OAuth.ProviderTimeout,
		Policy:          auth.LinkPolicy{TrustProviderEmail: cfg.OAuth.TrustProviderEmail},
	})
	oauthHandler := oauth.NewHandler(coordinator, logger)

	guard := csrf.NewGuard(shared.csrf, cfg.CSRF.TokenTTL, cfg.CSRF.SecureCookie, logger)
	loginLimiter := auth.NewLoginRateLimiter(cfg.Login.RateLimitPerMin)
	shared.sweepers["login_rate_limit"] = loginLimiter

	cleanupHandler := maintenance.NewCleanupHandler(
		auditSink,
		shared.sweepers,
		logger,
		cfg.Maintenance.CronSecret,
		cfg.Maintenance.AuditLogRetention,
		cfg.Maintenance.BatchSize,
	)

	bearer := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(issuer, h)
	}
	elevated := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(issuer, auth.RequireElevated(accounts, logger, h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /register", loginLimiter.Middleware(http.HandlerFunc(authHandler.Register)))
	mux.Handle("GET /me", bearer(authHandler.Me))
	mux.HandleFunc("GET /oauth/{provider}", oauthHandler.Start)
	mux.HandleFunc("GET /oauth/{provider}/callback", oauthHandler.Callback)
	mux.HandleFunc("GET /csrf-token", guard.TokenHandler)
	mux.Handle("GET /alerts", bearer(alertHandler.List))
	mux.Handle("GET /alerts/{id}", bearer(alertHandler.Get))
	mux.Handle("PUT /alerts/{id}/resolve", elevated(alertHandler.Resolve))
	mux.Handle("POST /alerts", elevated(alertHandler.Create))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))

	handler := observability.ClientIPMiddleware(cfg.HTTP.TrustForwardedFor,
		observability.RecoverMiddleware(logger,
			observability.RequestLoggingMiddleware(logger,
				observability.SecurityHeadersMiddleware(
					guard.Middleware(mux)))))

	sweepCtx, stopSweeping := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		attempts.RunSweeper(sweepCtx, cfg.Login.SweepInterval, func(now time.Time) int {
			removed := 0
			for _, s := range shared.sweepers {
				removed += s.Sweep(now)
			}
			return removed
		})
	}()

	logger.Info("app_ready", map[string]any{
		"env":                  cfg.AppEnv,
		"redis":                redisClient != nil,
		"oauth_google":         coordinator.HasProvider(oauth.ProviderGoogle),
		"oauth_github":         coordinator.HasProvider(oauth.ProviderGitHub),
		"alert_dedupe":         cfg.Alerts.Dedupe,
		"trust_provider_email": cfg.OAuth.TrustProviderEmail,
		"trust_forwarded_for":  cfg.HTTP.TrustForwardedFor,
	})

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			stopSweeping()
			sweepWG.Wait()
			err := closeAll()
			observability.FlushSentry()
			return err
		},
	}, nil
}

func openDatabase(cfg config.Database) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.MaxOpenConns)
	database.SetMaxIdleConns(cfg.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func newStores(cfg *config.Config, redisClient *redis.Client) stores {
	if redisClient != nil {
		prefix := cfg.Redis.Prefix
		return stores{
			tracker:    attempts.NewRedisTracker(redisClient, prefix, cfg.Login.Window),
			suppressor: intrusion.NewRedisSuppressor(redisClient, prefix),
			states:     oauth.NewRedisStateStore(redisClient, prefix),
			csrf:       csrf.NewRedisStore(redisClient, prefix),
			sweepers:   map[string]maintenance.Sweeper{},
		}
	}

	tracker := attempts.NewMemoryTracker(cfg.Login.Window)
	suppressor := intrusion.NewMemorySuppressor()
	states := oauth.NewMemoryStateStore()
	csrfStore := csrf.NewMemoryStore()

	return stores{
		tracker:    tracker,
		suppressor: suppressor,
		states:     states,
		csrf:       csrfStore,
		sweepers: map[string]maintenance.Sweeper{
			"login_attempts":    tracker,
			"alert_suppression": suppressor,
			"oauth_states":      states,
			"csrf_tokens":       csrfStore,
		},
	}
}

func providersFromConfig(cfg config.OAuth) []oauth.Provider {
	var providers []oauth.Provider
	if cfg.Google.Enabled() {
		providers = append(providers, oauth.NewGoogle(oauth.ProviderConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURI,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	if cfg.GitHub.Enabled() {
		providers = append(providers, oauth.NewGitHub(oauth.ProviderConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURI,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	return providers
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

		healthy := database.PingContext(ctx) == nil
		if healthy && redisClient != nil {
			healthy = redisClient.Ping(ctx).Err() == nil
		}
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
