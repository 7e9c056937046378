// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fcglibraries/internal/chaos"
	"fcglibraries/internal/platform/logger"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "observation window per experiment")
	items := flag.Int("items", 200, "items created per experiment")
	mode := flag.String("log", "dev", "log mode")
	flag.Parse()

	log, err := logger.New(*mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rig, err := chaos.NewRig(log, chaos.RigOptions{Users: 50, Games: 50})
	if err != nil {
		log.Fatal("failed to build rig", "error", err)
	}
	rigCtx, cancelRig := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rig.Run(rigCtx) }()

	engine := chaos.NewEngine(log)
	chaos.RegisterExperiments(engine, rig, chaos.ExperimentOptions{Duration: *duration, Items: *items})

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Libraries Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     time.Second,
	})
	cancelRig()
	<-done

	if err != nil {
		log.Fatal("chaos game day failed", "error", err)
	}
	if !held {
		log.Error("chaos game day finished with violated hypotheses")
		os.Exit(1)
	}
	log.Info("chaos game day finished, all hypotheses held")
}
