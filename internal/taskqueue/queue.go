package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/orjahren/cerebrum-sub002/internal/models"
)

// Task rows are always read and ordered the same way: within a queue the
// next-due task sorts first, ties broken by creation time. A NULL nbf
// means "no delay" and sorts ahead of any scheduled row.
const (
	taskFields = "queue, key, iat, nbf, attempts, reason, payload"
	taskOrder  = "queue, nbf NULLS FIRST, iat"
)

// Querier is the subset of pgx operations the queue needs. It is satisfied
// by *pgxpool.Pool and by pgx.Tx, so callers can scope operations to their
// own transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queue provides access to the task_queue table. It holds no state beyond
// the storage handle; the table is the sole authority and concurrency
// arbiter.
type Queue struct {
	db Querier
}

func New(db Querier) *Queue {
	return &Queue{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var nbf pgtype.Timestamptz
	var reason pgtype.Text
	var payload []byte

	if err := row.Scan(&t.Queue, &t.Key, &t.IssuedAt, &nbf, &t.Attempts, &reason, &payload); err != nil {
		return models.Task{}, err
	}
	if nbf.Valid {
		v := nbf.Time
		t.NotBefore = &v
	}
	if reason.Valid {
		v := reason.String
		t.Reason = &v
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return t, nil
}

// Search returns every task matching p, ordered by (queue, nbf, iat)
// ascending. No filters means all tasks.
func (q *Queue) Search(ctx context.Context, p SearchParams) ([]models.Task, error) {
	var out []models.Task
	err := q.Iterate(ctx, p, func(t models.Task) error {
		out = append(out, t)
		return nil
	})
	return out, err
}

// Iterate streams matching tasks in queue order without materializing the
// result set. Iteration stops at the first error returned by fn.
func (q *Queue) Iterate(ctx context.Context, p SearchParams, fn func(models.Task) error) error {
	clauses, args, err := buildWhere(p, 1)
	if err != nil {
		return err
	}

	stmt := "SELECT " + taskFields + " FROM task_queue" + whereSQL(clauses) + " ORDER BY " + taskOrder
	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("search tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Delete removes every task matching p, optionally capped to the first
// limit rows in queue order (limit <= 0 means no cap), and returns the
// removed rows. The subselect and delete run as one statement, so the
// deleted set is exactly the selected snapshot.
func (q *Queue) Delete(ctx context.Context, p SearchParams, limit int) ([]models.Task, error) {
	clauses, args, err := buildWhere(p, 1)
	if err != nil {
		return nil, err
	}
	return q.deleteWhere(ctx, clauses, args, limit)
}

func (q *Queue) deleteWhere(ctx context.Context, clauses []string, args []any, limit int) ([]models.Task, error) {
	stmt := "DELETE FROM task_queue WHERE (queue, key) IN (" +
		"SELECT queue, key FROM task_queue" + whereSQL(clauses) +
		" ORDER BY " + taskOrder
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	stmt += ") RETURNING " + taskFields

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("delete tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deleted task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Pop deletes and returns the single task identified by (queue, key).
func (q *Queue) Pop(ctx context.Context, queue, key string) (models.Task, error) {
	rows, err := q.Delete(ctx, SearchParams{
		Queues: []string{queue},
		Keys:   []string{key},
	}, 0)
	if err != nil {
		return models.Task{}, err
	}
	switch {
	case len(rows) == 0:
		return models.Task{}, fmt.Errorf("pop %s/%s: %w", queue, key, ErrNotFound)
	case len(rows) > 1:
		return models.Task{}, fmt.Errorf("pop %s/%s: %w", queue, key, ErrTooManyRows)
	}
	return rows[0], nil
}

// PopNextParams restrict the candidate set of PopNext.
type PopNextParams struct {
	// Queues restricts candidates to these queue names.
	Queues []string
	// NotBefore is the claim reference time; tasks with nbf past it are
	// not eligible. Zero means now. A NULL nbf is always eligible.
	NotBefore time.Time
	// MaxAttempts, when set, excludes tasks with attempts >= MaxAttempts.
	MaxAttempts *int
}

// PopNext deletes and returns the first eligible task in queue order. The
// limit-1 delete is a single statement, so two concurrent claims can never
// both receive the same task.
func (q *Queue) PopNext(ctx context.Context, p PopNextParams) (models.Task, error) {
	ref := p.NotBefore
	if ref.IsZero() {
		ref = time.Now()
	}

	var clauses []string
	var args []any
	next := 1
	if len(p.Queues) > 0 {
		clauses = append(clauses, fmt.Sprintf("queue = ANY($%d)", next))
		args = append(args, p.Queues)
		next++
	}
	clauses = append(clauses, fmt.Sprintf("(nbf IS NULL OR nbf <= $%d)", next))
	args = append(args, ref.UTC())
	next++
	if p.MaxAttempts != nil {
		clauses = append(clauses, fmt.Sprintf("attempts < $%d", next))
		args = append(args, *p.MaxAttempts)
		next++
	}

	rows, err := q.deleteWhere(ctx, clauses, args, 1)
	if err != nil {
		return models.Task{}, err
	}
	switch {
	case len(rows) == 0:
		return models.Task{}, fmt.Errorf("pop next %v: %w", p.Queues, ErrNotFound)
	case len(rows) > 1:
		return models.Task{}, fmt.Errorf("pop next %v: removed %d rows: %w", p.Queues, len(rows), ErrTooManyRows)
	}
	return rows[0], nil
}

// Find returns the task identified by (queue, key) without removing it.
func (q *Queue) Find(ctx context.Context, queue, key string) (models.Task, error) {
	rows, err := q.Search(ctx, SearchParams{
		Queues: []string{queue},
		Keys:   []string{key},
	})
	if err != nil {
		return models.Task{}, err
	}
	switch {
	case len(rows) == 0:
		return models.Task{}, fmt.Errorf("find %s/%s: %w", queue, key, ErrNotFound)
	case len(rows) > 1:
		return models.Task{}, fmt.Errorf("find %s/%s: %w", queue, key, ErrTooManyRows)
	}
	return rows[0], nil
}

// Get is Find for call sites that treat a missing task as a normal case:
// it returns nil rather than ErrNotFound.
func (q *Queue) Get(ctx context.Context, queue, key string) (*models.Task, error) {
	t, err := q.Find(ctx, queue, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// QueueCounts returns the number of queued tasks per queue under the given
// filters, ordered by queue name.
func (q *Queue) QueueCounts(ctx context.Context, p SearchParams) ([]models.QueueCount, error) {
	clauses, args, err := buildWhere(p, 1)
	if err != nil {
		return nil, err
	}

	stmt := "SELECT queue, count(*) FROM task_queue" + whereSQL(clauses) +
		" GROUP BY queue ORDER BY queue"
	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var out []models.QueueCount
	for rows.Next() {
		var c models.QueueCount
		if err := rows.Scan(&c.Queue, &c.Count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
