// cmd/consumer/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"fcglibraries/internal/clients"
	"fcglibraries/internal/config"
	"fcglibraries/internal/library"
	"fcglibraries/internal/messaging"
	"fcglibraries/internal/platform/logger"
	"fcglibraries/internal/platform/telemetry"
	"fcglibraries/pkg/eventstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName+"-consumer", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("failed to set up telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := eventstore.EnsureSchema(ctx, db.DB); err != nil {
		log.Fatal("failed to create event store schema", "error", err)
	}
	projection := library.NewPostgresProjection(db)
	if err := projection.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to create projection schema", "error", err)
	}

	broker, err := messaging.NewRedisBroker(ctx, cfg.RedisAddr, log)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer broker.Close()

	es := eventstore.NewEventStore(db.DB)
	svc := library.NewService(es, projection,
		clients.NewUsersClient(cfg.UsersServiceURL, cfg.ClientTimeout),
		clients.NewCatalogClient(cfg.CatalogServiceURL, cfg.ClientTimeout),
		log, library.Options{Topic: cfg.Topics.Libraries})
	consumers := library.NewConsumers(svc, library.NewProjector(es, projection, log), log)

	subscriptions := []struct {
		topic  string
		router func() (*messaging.Router, error)
	}{
		{cfg.Topics.Libraries, consumers.LibrariesRouter},
		{cfg.Topics.Users, consumers.UsersRouter},
		{cfg.Topics.Games, consumers.GamesRouter},
		{cfg.Topics.Payments, consumers.PaymentsRouter},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subscriptions {
		router, err := sub.router()
		if err != nil {
			log.Fatal("failed to build router", "topic", sub.topic, "error", err)
		}
		source, err := broker.Source(ctx, sub.topic, messaging.RedisSourceOptions{
			Group:     cfg.ConsumerGroup,
			Consumer:  cfg.ConsumerName,
			Block:     2 * time.Second,
			ClaimIdle: cfg.ClaimIdle,
		})
		if err != nil {
			log.Fatal("failed to subscribe", "topic", sub.topic, "error", err)
		}
		processor := messaging.NewProcessor(sub.topic, source, router, broker, log, messaging.ProcessorOptions{
			MaxConcurrent: cfg.MaxConcurrent,
			Prefetch:      cfg.Prefetch,
			MaxDeliveries: cfg.MaxDeliveries,
		})
		g.Go(func() error { return processor.Run(ctx) })
	}

	log.Info("consumers started", "group", cfg.ConsumerGroup, "consumer", cfg.ConsumerName)
	if err := g.Wait(); err != nil {
		log.Error("consumers stopped", "error", err)
		return
	}
	log.Info("consumers stopped")
}
