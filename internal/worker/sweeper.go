package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/orjahren/cerebrum-sub002/internal/taskqueue"
	"github.com/orjahren/cerebrum-sub002/internal/telemetry"
)

// ObjectUploader stores one archive object. Implemented by S3Uploader.
type ObjectUploader interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Sweeper removes tasks that exhausted their retry budget, archiving each
// one before it leaves the queue. Exhausted tasks are invisible to the
// worker claim filter but still occupy the table until swept.
type Sweeper struct {
	tasks       TaskService
	uploader    ObjectUploader
	minAttempts int
	batchSize   int
	prefix      string
}

func NewSweeper(tasks TaskService, uploader ObjectUploader, minAttempts, batchSize int, prefix string) *Sweeper {
	return &Sweeper{
		tasks:       tasks,
		uploader:    uploader,
		minAttempts: minAttempts,
		batchSize:   batchSize,
		prefix:      prefix,
	}
}

// Sweep archives and removes up to one batch of exhausted tasks, returning
// how many were archived. A task whose archive upload fails is pushed back
// so it is never silently lost.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	rows, err := s.tasks.Delete(ctx, taskqueue.SearchParams{
		MinAttempts: &s.minAttempts,
	}, s.batchSize)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, task := range rows {
		body, err := json.Marshal(task)
		if err != nil {
			return archived, fmt.Errorf("encode archive for %s/%s: %w", task.Queue, task.Key, err)
		}
		key := fmt.Sprintf("%s/%s/%s-%d.json",
			s.prefix, task.Queue, task.Key, time.Now().UTC().Unix())
		if err := s.uploader.Put(ctx, key, body); err != nil {
			if _, perr := s.tasks.Push(ctx, changeFromTask(task), false); perr != nil {
				log.Printf("sweeper: restore %s/%s after failed upload: %v", task.Queue, task.Key, perr)
			}
			return archived, fmt.Errorf("archive %s/%s: %w", task.Queue, task.Key, err)
		}
		telemetry.TasksArchived.Inc()
		archived++
	}
	return archived, nil
}

// Run sweeps on the given interval until context cancellation.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweeper: %v", err)
			} else if n > 0 {
				log.Printf("sweeper: archived %d exhausted tasks", n)
			}
		}
	}
}
