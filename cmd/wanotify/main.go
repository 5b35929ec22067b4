package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"wanotify/internal/api"
	"wanotify/internal/cache"
	"wanotify/internal/client"
	"wanotify/internal/config"
	"wanotify/internal/pairing"
	"wanotify/internal/repo"
	"wanotify/internal/scheduler"
	"wanotify/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatal(err)
	}
	cancel()

	msgRepo := repo.NewPostgresMessageRepo(db)
	epRepo := repo.NewPostgresEndpointRepo(db)

	var dedup cache.DedupCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		dedup = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	webhook := client.NewWebhookClient(cfg.Dispatch.DeliveryTimeout)
	dispatcher := service.NewDispatcher(msgRepo, epRepo, webhook, dedup, service.DispatcherConfig{
		BatchSize:       cfg.Dispatch.BatchSize,
		MessageDelay:    cfg.Dispatch.MessageDelay,
		StaleClaimAfter: cfg.Dispatch.StaleClaimAfter,
	})
	enqueuer := service.NewEnqueuer(msgRepo, dedup)

	sched, err := scheduler.New(cfg.Dispatch.Interval, func(ctx context.Context) {
		sum := dispatcher.RunCycle(ctx)
		if sum.Claimed > 0 {
			slog.Info("dispatch cycle",
				"claimed", sum.Claimed,
				"sent", sum.Sent,
				"failed", sum.Failed,
			)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
	sched.Start()

	pm := pairing.NewManager(cfg.Pairing.ServerURL, pairing.WebsocketDial)

	h := api.NewHandler(enqueuer, dispatcher, sched, msgRepo, pm)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(h)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("wanotify listening",
			"addr", cfg.Server.Address,
			"interval", cfg.Dispatch.Interval.String(),
			"batch", cfg.Dispatch.BatchSize,
			"redis", cfg.Redis.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	sched.Stop()
	pm.Close()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
