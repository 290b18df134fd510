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
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/stepcount/internal/competition"
	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/consumer"
	persistence "example.com/stepcount/internal/persistence/postgres"
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

	// The event log runs first so a failed progress update still leaves the audit row.
	handler := consumer.Chain(
		consumer.NewPersistenceHandler(pool),
		consumer.NewProgressHandler(competition.NewUpdater(persistence.NewRepository(pool))),
	)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(readerConfig(cfg, topic))
		proc := consumer.NewProcessor(reader, handler, consumer.WithHandlerAttempts(3))

		group.Go(func() error {
			defer reader.Close()
			log.Printf("consuming topic=%s group=%s", topic, cfg.ConsumerGroupID)
			err := proc.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := group.Wait(); err != nil {
		log.Printf("consumer stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}
}

func readerConfig(cfg config.Config, topic string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           topic,
		MinBytes:        1,
		MaxBytes:        4 << 20,
		MaxWait:         500 * time.Millisecond,
		CommitInterval:  time.Second,
		StartOffset:     kafka.FirstOffset,
		ReadLagInterval: -1,
	}
}
