package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geopresence/internal/access"
	"geopresence/internal/account"
	"geopresence/internal/attendance"
	"geopresence/internal/auth"
	"geopresence/internal/config"
	"geopresence/internal/course"
	"geopresence/internal/handler"
	"geopresence/internal/httpmiddleware"
	"geopresence/internal/logger"
	"geopresence/internal/queue"
	"geopresence/internal/session"
	"geopresence/internal/store"
	"geopresence/internal/tally"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := store.NewDB(startCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if cfg.AutoMigrate {
		if err := store.Migrate(db.Client); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	tallies := tally.NewStore(redisClient.Client)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		q = mem
		// No worker reads an in-process queue, so the API maintains the live tally itself.
		go func() {
			if err := tally.Consume(ctx, mem, tallies, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("tally consumer stopped", "error", err)
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	signer := auth.Signer{
		Key:        cfg.JWTSigningKey,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}

	accountRepo := account.NewRepository(db.Client)
	courseRepo := course.NewRepository(db.Client)
	sessionRepo := session.NewRepository(db.Client)
	attendanceRepo := attendance.NewRepository(db.Client)

	authz := access.NewAuthorizer(courseRepo)
	sessions := session.NewManager(sessionRepo, authz, session.Config{
		SweepPolicy:   cfg.SweepPolicy,
		DefaultRadius: cfg.DefaultRadius,
		Logger:        log,
	})
	if n, err := sessions.Reconcile(ctx); err != nil {
		log.Warn("startup reconcile failed", "error", err)
	} else if n > 0 {
		log.Info("startup reconcile removed expired sessions", "count", n)
	}

	h := handler.New(handler.Deps{
		Accounts:   account.NewService(accountRepo, signer, log),
		Courses:    course.NewService(courseRepo, authz),
		Sessions:   sessions,
		Engine:     attendance.NewEngine(sessions, accountRepo, attendanceRepo, q, nil, log),
		Attendance: attendance.NewService(attendanceRepo, sessions, authz, log),
		Tally:      tallies,
		Signer:     signer,
		Health: map[string]handler.HealthCheck{
			"db":    db.Healthy,
			"redis": redisClient.Healthy,
		},
		Log: log,
	})

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, httpmiddleware.ClientIP)
	markLimiter := httpmiddleware.NewTokenBucket(cfg.MarkRateLimitPerMin, cfg.MarkRateLimitPerMin, httpmiddleware.ClientIP)
	go pruneLimiters(ctx, limiter, markLimiter)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(log, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders(cfg.Production()))
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Routes(r, markLimiter.GinMiddleware())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.HTTPPort, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", "error", err)
	}
	log.Info("server exited")
	return nil
}

func pruneLimiters(ctx context.Context, limiters ...*httpmiddleware.TokenBucket) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Prune(10 * time.Minute)
			}
		}
	}
}
