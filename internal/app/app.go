package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"greenhouse-ops/internal/config"
	"greenhouse-ops/internal/database"
	"greenhouse-ops/internal/handler"
	"greenhouse-ops/internal/metrics"
	"greenhouse-ops/internal/middleware"
	"greenhouse-ops/internal/ratelimit"
	"greenhouse-ops/internal/repository"
	"greenhouse-ops/internal/router"
	"greenhouse-ops/internal/security"
	"greenhouse-ops/internal/service"
)

const limiterSweepInterval = 5 * time.Minute

type App struct {
	server        *http.Server
	metricsServer *http.Server
	cleanupFuncs  []func()
}

func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	slog.Info("connecting to PostgreSQL")
	db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	pool := db.Pool
	userRepo := repository.NewUserRepository(pool, cfg.DBQueryTimeout)
	tokenRepo := repository.NewTokenRepository(pool, cfg.DBQueryTimeout)
	blacklistRepo := repository.NewBlacklistRepository(pool, cfg.DBQueryTimeout)
	auditRepo := repository.NewAuditRepository(pool, cfg.DBQueryTimeout)
	slog.Info("database ready")

	clock := security.SystemClock()
	m := metrics.New()

	tokenService := service.NewTokenService(service.TokenConfig{
		AccessSecret:     cfg.AccessTokenSecret,
		RefreshSecret:    cfg.RefreshTokenSecret,
		AccessTTL:        cfg.AccessTokenTTL,
		RefreshTTL:       cfg.RefreshTokenTTL,
		Issuer:           cfg.TokenIssuer,
		Audience:         cfg.TokenAudience,
		InvalidatedGrace: cfg.RefreshInvalidatedGrace,
	}, tokenRepo, blacklistRepo, userRepo, clock, m)

	gate, err := service.NewRevocationGate(blacklistRepo, clock, cfg.BlacklistCacheMax)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize revocation gate: %w", err)
	}

	// Limiter state is process-local; every replica keeps its own counters.
	limitStore := ratelimit.NewMemoryStore(0)
	loginGuard := ratelimit.NewLoginGuard(limitStore, clock,
		ratelimit.Policy{Window: cfg.LoginIPWindow, Threshold: cfg.LoginIPThreshold, Block: cfg.LoginIPBlock},
		ratelimit.Policy{Window: cfg.LoginAccountWindow, Threshold: cfg.LoginAccountThreshold, Block: cfg.LoginAccountBlock},
		cfg.RateLimitTimeout,
	)
	apiLimiter := ratelimit.NewAPILimiter(limitStore, clock,
		ratelimit.Policy{Window: cfg.APIRateWindow, Threshold: cfg.APIRateThreshold},
		cfg.RateLimitTimeout,
	)

	auditService := service.NewAuditService(auditRepo)
	authService := service.NewAuthService(tokenService, gate, userRepo, loginGuard, auditService, clock, m)
	authenticator := service.NewAuthenticator(gate, tokenService, userRepo, m)

	seeded, err := authService.SeedAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
	if err != nil {
		gate.Close()
		db.Close()
		return nil, fmt.Errorf("failed to seed admin account: %w", err)
	}
	if seeded {
		slog.Info("bootstrap admin created", "email", cfg.BootstrapAdminEmail)
	}

	appRouter := router.New(cfg,
		middleware.NewAuthMiddleware(authenticator),
		middleware.NewRateLimitMiddleware(apiLimiter, m),
		m,
		router.Handlers{
			Auth:   handler.NewAuthHandler(authService),
			User:   handler.NewUserHandler(authService),
			Audit:  handler.NewAuditHandler(auditService),
			Health: handler.NewHealthHandler(db),
		},
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	authService.StartJanitor(bgCtx, cfg.JanitorInterval)
	go sweepLimiters(bgCtx, limitStore, clock)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           appRouter,
		ReadHeaderTimeout: cfg.ServerReadHeaderTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled() {
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           router.NewMetrics(m),
			ReadHeaderTimeout: cfg.ServerReadHeaderTimeout,
		}
	}

	return &App{
		server:        server,
		metricsServer: metricsServer,
		cleanupFuncs: []func(){
			bgCancel,
			gate.Close,
			db.Close,
		},
	}, nil
}

func sweepLimiters(ctx context.Context, store *ratelimit.MemoryStore, clock security.Clock) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(clock.Now()); n > 0 {
				slog.Debug("rate limit counters swept", "removed", n, "remaining", store.Len())
			}
		}
	}
}

// Handler exposes the routed HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

func (a *App) Close() {
	for _, cleanup := range a.cleanupFuncs {
		cleanup()
	}
}

func (a *App) Run() error {
	go func() {
		slog.Info("server starting", "addr", a.server.Addr)
		if serveErr := a.server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("server failed", "error", serveErr)
			os.Exit(1)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			slog.Info("metrics listener starting", "addr", a.metricsServer.Addr)
			if serveErr := a.metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				slog.Error("metrics listener failed", "error", serveErr)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := a.server.Shutdown(ctx)
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			slog.Warn("metrics listener shutdown failed", "error", err)
		}
	}

	// Background workers and the pool go after in-flight requests have drained.
	a.Close()

	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}

	slog.Info("server stopped")
	return nil
}
