// cmd/rebuild/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"fcglibraries/internal/config"
	"fcglibraries/internal/library"
	"fcglibraries/internal/platform/logger"
	"fcglibraries/pkg/eventstore"
)

func main() {
	verify := flag.Bool("verify", false, "report drift without writing")
	batch := flag.Int("batch", 500, "events read per batch")
	flag.Parse()

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

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	projection := library.NewPostgresProjection(db)
	if err := projection.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to create projection schema", "error", err)
	}
	projector := library.NewProjector(eventstore.NewEventStore(db.DB), projection, log)

	if *verify {
		drift, err := projector.Verify(ctx, *batch)
		if err != nil {
			log.Fatal("verify failed", "error", err)
		}
		for _, d := range drift {
			log.Warn("projection drift", "item_id", d.ItemID, "kind", d.Kind)
		}
		log.Info("verify finished", "drift", len(drift))
		if len(drift) > 0 {
			os.Exit(1)
		}
		return
	}

	stats, err := projector.Rebuild(ctx, *batch)
	if err != nil {
		log.Fatal("rebuild failed", "error", err)
	}
	log.Info("rebuild finished", "events", stats.Events, "streams", stats.Streams, "written", stats.Written, "removed", stats.Removed)
}
