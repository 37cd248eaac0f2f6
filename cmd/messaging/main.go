package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/messaging-pipeline/internal/api"
	"github.com/LeventeLantos/messaging-pipeline/internal/cache"
	"github.com/LeventeLantos/messaging-pipeline/internal/client"
	"github.com/LeventeLantos/messaging-pipeline/internal/config"
	"github.com/LeventeLantos/messaging-pipeline/internal/live"
	"github.com/LeventeLantos/messaging-pipeline/internal/metrics"
	"github.com/LeventeLantos/messaging-pipeline/internal/queue"
	"github.com/LeventeLantos/messaging-pipeline/internal/repo"
	"github.com/LeventeLantos/messaging-pipeline/internal/service"
	"github.com/LeventeLantos/messaging-pipeline/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := repo.Migrate(cfg.Database.PostgresURL); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	q := queue.NewRedisQueue(rdb, queue.Config{
		Workers:       cfg.Queue.Workers,
		PollInterval:  cfg.Queue.PollInterval,
		Lease:         cfg.Queue.Lease,
		SweepInterval: cfg.Queue.SweepInterval,
	})

	dispatcher := webhook.NewDispatcher(repo.NewPostgresWebhookRepo(db), q, webhook.Config{
		Timeout:     cfg.Webhook.Timeout,
		MaxFailures: cfg.Webhook.MaxFailures,
	})
	if err := dispatcher.Bind(q); err != nil {
		return err
	}

	hub := live.NewHub(live.Config{
		BufferSize:  cfg.Live.BufferSize,
		IdleTimeout: cfg.Live.IdleTimeout,
	})
	sweeper, err := hub.StartSweeper(ctx, cfg.Live.SweepInterval)
	if err != nil {
		return err
	}
	defer sweeper.Stop()
	defer hub.Close()

	orch := service.NewOrchestrator(service.Deps{
		Messages: repo.NewPostgresMessageRepo(db),
		Jobs:     q,
		Channel:  client.NewChannelClient(cfg.Channel.URL, cfg.Channel.ContentMax, cfg.Channel.Timeout),
		Cache:    cache.NewRedisCache(rdb, cfg.Redis.ProviderTTL),
		Webhooks: dispatcher,
		Live:     hub,
	})
	if err := orch.Bind(q); err != nil {
		return err
	}

	h := api.NewHandler(api.Deps{
		Messages: orch,
		Webhooks: dispatcher,
		Queues:   q,
		Live:     http.HandlerFunc(hub.ServeWS),
		Metrics:  promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack keeps the websocket upgrade working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
