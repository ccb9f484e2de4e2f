package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"

	"github.com/orjahren/cerebrum-sub002/internal/config"
	"github.com/orjahren/cerebrum-sub002/internal/store"
	"github.com/orjahren/cerebrum-sub002/internal/taskqueue"
	"github.com/orjahren/cerebrum-sub002/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	queue := taskqueue.New(st.Pool())
	processor := worker.NewProcessor(cfg, queue)
	registry := worker.NewRegistryHandler(cfg.RegistryBaseURL, cfg.RegistryTimeout)
	for _, q := range cfg.Queues {
		processor.RegisterHandler(q, registry.Handle)
	}

	if cfg.ArchiveBucket != "" {
		uploader, err := worker.NewS3Uploader(ctx, cfg.ArchiveBucket)
		if err != nil {
			log.Fatalf("archive uploader: %v", err)
		}
		sweeper := worker.NewSweeper(queue, uploader, cfg.MaxAttempts, cfg.SweepBatchSize, cfg.ArchivePrefix)
		go func() {
			if err := sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("sweeper stopped: %v", err)
			}
		}()
	}

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
}
