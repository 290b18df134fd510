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

	"example.com/stepcount/internal/achievements"
	"example.com/stepcount/internal/api"
	"example.com/stepcount/internal/auth"
	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/leaderboard"
	"example.com/stepcount/internal/outbox"
	persistence "example.com/stepcount/internal/persistence/postgres"
	httptransport "example.com/stepcount/internal/transport/http"
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

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(pool, producer,
		outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL),
		cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		outbox.WithClaimLease(cfg.OutboxClaimLease))
	go dispatcher.Run(ctx)

	repo := persistence.NewRepository(pool)
	checker := achievements.NewChecker(repo)
	steps := domain.NewService(repo, domain.WithAfterSave(checker.AfterSave))

	mux := http.NewServeMux()
	api.NewHandler(steps, repo, leaderboard.NewService(repo)).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authn := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.Chain(mux,
			httptransport.RequestLogger(log.Default()),
			httptransport.CORS(cfg.CORSOrigins...),
			authn.Wrap,
		),
	)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("step api listening on %s", cfg.HTTPAddress)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		log.Println("outbox dispatcher did not stop before the shutdown deadline")
	}
}
