// cmd/libraries/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"fcglibraries/internal/clients"
	"fcglibraries/internal/config"
	"fcglibraries/internal/library"
	"fcglibraries/internal/messaging"
	"fcglibraries/internal/outbox"
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

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("failed to set up telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
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
		log, library.Options{
			Topic:               cfg.Topics.Libraries,
			CreateRatePerSecond: cfg.CreateRatePerSecond,
			CreateBurst:         cfg.CreateBurst,
		})
	dispatcher := outbox.NewDispatcher(es, broker, log, outbox.Options{
		Interval:  cfg.OutboxInterval,
		BatchSize: cfg.OutboxBatchSize,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(library.NewHandler(svc, log).Routes(), "libraries"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting libraries service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("libraries service stopped", "error", err)
		return
	}
	log.Info("libraries service stopped")
}
