package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orjahren/cerebrum-sub002/internal/models"
)

// column is one (name, bind value) pair destined for an INSERT or UPDATE.
type column struct {
	name  string
	value any
}

// normalizeTime pins timestamps to UTC microsecond precision before
// comparing or writing, matching what Postgres stores. Without this a
// repeated push with sub-microsecond input would never look unchanged.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func encodePayload(p map[string]any) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// payloadEqual compares payloads by canonical JSON serialization, so a map
// that decoded with float64 numbers still equals the int-valued map a
// caller pushes again.
func payloadEqual(a, b map[string]any) (bool, error) {
	ab, err := encodePayload(a)
	if err != nil {
		return false, err
	}
	bb, err := encodePayload(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// changedColumns collects the columns of change that differ from prev.
// Unset fields are skipped; explicit nulls count as a change when the
// stored value is non-null.
func changedColumns(prev models.Task, change models.TaskChange) ([]column, error) {
	var cols []column

	if change.IssuedAt.IsSet() && !change.IssuedAt.IsNull() {
		v, _ := change.IssuedAt.Get()
		v = normalizeTime(v)
		if !v.Equal(normalizeTime(prev.IssuedAt)) {
			cols = append(cols, column{"iat", v})
		}
	}

	if change.NotBefore.IsSet() {
		if v, ok := change.NotBefore.Get(); ok {
			v = normalizeTime(v)
			if prev.NotBefore == nil || !v.Equal(normalizeTime(*prev.NotBefore)) {
				cols = append(cols, column{"nbf", v})
			}
		} else if prev.NotBefore != nil {
			cols = append(cols, column{"nbf", nil})
		}
	}

	if v, ok := change.Attempts.Get(); ok && v != prev.Attempts {
		cols = append(cols, column{"attempts", v})
	}

	if change.Reason.IsSet() {
		if v, ok := change.Reason.Get(); ok {
			if prev.Reason == nil || v != *prev.Reason {
				cols = append(cols, column{"reason", v})
			}
		} else if prev.Reason != nil {
			cols = append(cols, column{"reason", nil})
		}
	}

	if change.Payload.IsSet() {
		if v, ok := change.Payload.Get(); ok {
			equal := false
			if prev.Payload != nil {
				var err error
				equal, err = payloadEqual(prev.Payload, v)
				if err != nil {
					return nil, err
				}
			}
			if !equal {
				b, err := encodePayload(v)
				if err != nil {
					return nil, err
				}
				cols = append(cols, column{"payload", b})
			}
		} else if prev.Payload != nil {
			cols = append(cols, column{"payload", nil})
		}
	}

	return cols, nil
}

// Push inserts the task when (queue, key) is new, otherwise updates only
// the fields that differ from the stored row. It returns nil when nothing
// was written: either every provided field already matched, or
// ignoreNbfAfter suppressed a push that would delay an already-scheduled
// task. Each write commits immediately through the underlying handle.
func (q *Queue) Push(ctx context.Context, change models.TaskChange, ignoreNbfAfter bool) (*models.Task, error) {
	prev, err := q.Get(ctx, change.Queue, change.Key)
	if err != nil {
		return nil, err
	}

	if nbf, ok := change.NotBefore.Get(); ok && ignoreNbfAfter && prev != nil {
		if prev.NotBefore != nil && prev.NotBefore.Before(normalizeTime(nbf)) {
			// The stored task is due sooner; the earliest known
			// schedule wins.
			return nil, nil
		}
	}

	if prev == nil {
		t, err := q.insert(ctx, change)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	cols, err := changedColumns(*prev, change)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	t, err := q.update(ctx, change.Queue, change.Key, cols)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// insert writes a new row from the provided fields only; anything unset
// (or explicitly null) falls back to the column default.
func (q *Queue) insert(ctx context.Context, change models.TaskChange) (models.Task, error) {
	cols := []string{"queue", "key"}
	args := []any{change.Queue, change.Key}

	if v, ok := change.IssuedAt.Get(); ok {
		cols = append(cols, "iat")
		args = append(args, normalizeTime(v))
	}
	if v, ok := change.NotBefore.Get(); ok {
		cols = append(cols, "nbf")
		args = append(args, normalizeTime(v))
	}
	if v, ok := change.Attempts.Get(); ok {
		cols = append(cols, "attempts")
		args = append(args, v)
	}
	if v, ok := change.Reason.Get(); ok {
		cols = append(cols, "reason")
		args = append(args, v)
	}
	if v, ok := change.Payload.Get(); ok {
		b, err := encodePayload(v)
		if err != nil {
			return models.Task{}, err
		}
		cols = append(cols, "payload")
		args = append(args, b)
	}

	binds := make([]string, len(cols))
	for i := range cols {
		binds[i] = fmt.Sprintf("$%d", i+1)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO task_queue (%s) VALUES (%s) RETURNING %s",
		strings.Join(cols, ", "), strings.Join(binds, ", "), taskFields,
	)
	t, err := scanTask(q.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task %s/%s: %w", change.Queue, change.Key, err)
	}
	return t, nil
}

// update rewrites exactly the given columns of one row.
func (q *Queue) update(ctx context.Context, queue, key string, cols []column) (models.Task, error) {
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c.name, i+1)
		args = append(args, c.value)
	}
	args = append(args, queue, key)

	stmt := fmt.Sprintf(
		"UPDATE task_queue SET %s WHERE queue = $%d AND key = $%d RETURNING %s",
		strings.Join(sets, ", "), len(cols)+1, len(cols)+2, taskFields,
	)
	t, err := scanTask(q.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		return models.Task{}, fmt.Errorf("update task %s/%s: %w", queue, key, err)
	}
	return t, nil
}
