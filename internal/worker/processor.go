package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/orjahren/cerebrum-sub002/internal/config"
	"github.com/orjahren/cerebrum-sub002/internal/models"
	"github.com/orjahren/cerebrum-sub002/internal/taskqueue"
	"github.com/orjahren/cerebrum-sub002/internal/telemetry"
)

// TaskService is the queue surface the worker depends on.
type TaskService interface {
	PopNext(ctx context.Context, p taskqueue.PopNextParams) (models.Task, error)
	Push(ctx context.Context, change models.TaskChange, ignoreNbfAfter bool) (*models.Task, error)
	Delete(ctx context.Context, p taskqueue.SearchParams, limit int) ([]models.Task, error)
	QueueCounts(ctx context.Context, p taskqueue.SearchParams) ([]models.QueueCount, error)
}

// Handler processes one claimed task. A returned error puts the task back
// in its queue with an incremented attempt count and a backoff delay.
type Handler func(ctx context.Context, task models.Task) error

// Processor drives the worker claim loop over the configured queues.
type Processor struct {
	cfg      config.Config
	tasks    TaskService
	handlers map[string]Handler
	workerID string
}

func NewProcessor(cfg config.Config, tasks TaskService) *Processor {
	return &Processor{
		cfg:      cfg,
		tasks:    tasks,
		handlers: make(map[string]Handler),
		workerID: uuid.NewString(),
	}
}

// RegisterHandler binds a handler to a queue name.
func (p *Processor) RegisterHandler(queue string, handler Handler) {
	if queue == "" || handler == nil {
		return
	}
	p.handlers[queue] = handler
}

// WorkerID returns this instance's identifier, used in logs and reasons.
func (p *Processor) WorkerID() string { return p.workerID }

// Run claims and processes tasks until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	log.Printf("worker %s claiming from queues %v", p.workerID, p.cfg.Queues)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		maxAttempts := p.cfg.MaxAttempts
		task, err := p.tasks.PopNext(ctx, taskqueue.PopNextParams{
			Queues:      p.cfg.Queues,
			MaxAttempts: &maxAttempts,
		})
		if errors.Is(err, taskqueue.ErrNotFound) {
			telemetry.ClaimMisses.Inc()
			p.refreshDepth(ctx)
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			log.Printf("worker %s: claim: %v", p.workerID, err)
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		telemetry.TasksClaimed.Inc()
		if err := p.runTask(ctx, task); err != nil {
			p.retry(ctx, task, err)
			continue
		}
		telemetry.TasksCompleted.Inc()
		log.Printf("worker %s: completed %s/%s", p.workerID, task.Queue, task.Key)
	}
}

func (p *Processor) runTask(ctx context.Context, task models.Task) error {
	handler, ok := p.handlers[task.Queue]
	if !ok {
		return fmt.Errorf("no handler registered for queue %q", task.Queue)
	}
	return handler(ctx, task)
}

// retry pushes a failed task back with an incremented attempt count and a
// jittered backoff on nbf. Once attempts reaches the configured maximum
// the claim filter stops returning it; the sweeper takes over from there.
func (p *Processor) retry(ctx context.Context, task models.Task, cause error) {
	attempts := task.Attempts + 1
	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)

	change := changeFromTask(task)
	change.Attempts = models.Some(attempts)
	change.NotBefore = models.Some(time.Now().Add(delay))
	change.Reason = models.Some(cause.Error())

	if _, err := p.tasks.Push(ctx, change, false); err != nil {
		log.Printf("worker %s: requeue %s/%s: %v", p.workerID, task.Queue, task.Key, err)
		return
	}
	telemetry.TasksRetried.Inc()
	log.Printf("worker %s: retry %s/%s in %s (attempt %d): %v",
		p.workerID, task.Queue, task.Key, delay.Round(time.Millisecond), attempts, cause)
}

func (p *Processor) refreshDepth(ctx context.Context) {
	counts, err := p.tasks.QueueCounts(ctx, taskqueue.SearchParams{Queues: p.cfg.Queues})
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(counts))
	for _, c := range counts {
		telemetry.QueueDepth.WithLabelValues(c.Queue).Set(float64(c.Count))
		seen[c.Queue] = true
	}
	for _, q := range p.cfg.Queues {
		if !seen[q] {
			telemetry.QueueDepth.WithLabelValues(q).Set(0)
		}
	}
}

// changeFromTask rebuilds the push arguments that recreate task as stored.
// The original iat is kept so retries do not lose their place in the FIFO
// ordering of equally-due tasks.
func changeFromTask(task models.Task) models.TaskChange {
	change := models.TaskChange{
		Queue:    task.Queue,
		Key:      task.Key,
		IssuedAt: models.Some(task.IssuedAt),
		Attempts: models.Some(task.Attempts),
	}
	if task.NotBefore != nil {
		change.NotBefore = models.Some(*task.NotBefore)
	}
	if task.Reason != nil {
		change.Reason = models.Some(*task.Reason)
	}
	if task.Payload != nil {
		change.Payload = models.Some(task.Payload)
	}
	return change
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// sleep waits for d or until ctx is done; it reports whether ctx survived.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
