package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("dlq manager metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = scheduler.AddFunc("@every "+cfg.DLQPollInterval.String(), func() {
		requeued, err := manager.RunOnce(ctx, cfg.DLQBatchSize)
		if err != nil {
			log.Printf("dlq pass: %v", err)
			return
		}
		if requeued > 0 {
			log.Printf("dlq pass requeued %d entries", requeued)
		}
	})
	if err != nil {
		log.Fatalf("schedule dlq pass: %v", err)
	}

	log.Printf("dlq manager started interval=%s max_retries=%d batch=%d", cfg.DLQPollInterval, cfg.DLQMaxRetries, cfg.DLQBatchSize)
	scheduler.Start()

	<-ctx.Done()
	log.Println("dlq manager shutting down")
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}
}
