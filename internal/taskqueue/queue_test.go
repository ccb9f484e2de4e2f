package taskqueue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orjahren/cerebrum-sub002/internal/models"
	"github.com/orjahren/cerebrum-sub002/internal/store"
)

// newTestQueue connects to the Postgres instance named by
// TASKQUEUE_TEST_DSN and skips the test when it is unset.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv("TASKQUEUE_TEST_DSN")
	if dsn == "" {
		t.Skip("TASKQUEUE_TEST_DSN not set")
	}

	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return New(st.Pool())
}

// testQueueName isolates each test run from leftovers of previous ones.
func testQueueName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestPushInsertAndGet(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("greg-import")
	nbf := time.Now().Add(time.Minute)

	task, err := q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "42",
		NotBefore: models.Some(nbf),
		Payload:   models.Some(map[string]any{"id": 42}),
	}, false)
	require.NoError(t, err)
	require.NotNil(t, task)

	got, err := q.Get(ctx, queue, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.NotBefore)
	assert.True(t, got.NotBefore.Equal(nbf.UTC().Truncate(time.Microsecond)))
	assert.Equal(t, map[string]any{"id": float64(42)}, got.Payload)
	assert.False(t, got.IssuedAt.IsZero(), "iat should default to now")
}

func TestPushPartialUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("greg-import")
	nbf := time.Now().Add(time.Minute)

	_, err := q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "42",
		NotBefore: models.Some(nbf),
		Payload:   models.Some(map[string]any{"id": 42}),
	}, false)
	require.NoError(t, err)

	updated, err := q.Push(ctx, models.TaskChange{
		Queue:    queue,
		Key:      "42",
		Attempts: models.Some(1),
		Reason:   models.Some("http 503"),
	}, false)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.Reason)
	assert.Equal(t, "http 503", *updated.Reason)
	// untouched fields keep their values
	assert.Equal(t, map[string]any{"id": float64(42)}, updated.Payload)
	require.NotNil(t, updated.NotBefore)
	assert.True(t, updated.NotBefore.Equal(nbf.UTC().Truncate(time.Microsecond)))
}

func TestPushIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("idem")

	change := models.TaskChange{
		Queue:     queue,
		Key:       "a",
		NotBefore: models.Some(time.Now().Add(time.Minute)),
		Attempts:  models.Some(1),
		Reason:    models.Some("retry"),
		Payload:   models.Some(map[string]any{"a": 1, "b": "x"}),
	}
	first, err := q.Push(ctx, change, false)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Push(ctx, change, false)
	require.NoError(t, err)
	assert.Nil(t, second, "identical repeated push must be a no-op")

	got, err := q.Find(ctx, queue, "a")
	require.NoError(t, err)
	assert.Equal(t, first.Attempts, got.Attempts)
	assert.Equal(t, first.Payload, got.Payload)
}

func TestPushUniqueness(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("uniq")

	for i := 0; i < 3; i++ {
		_, err := q.Push(ctx, models.TaskChange{
			Queue:    queue,
			Key:      "same",
			Attempts: models.Some(i),
		}, false)
		require.NoError(t, err)
	}
	rows, err := q.Search(ctx, SearchParams{Queues: []string{queue}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
}

func TestPushIgnoreNbfAfter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("nbf-guard")
	t1 := time.Now().Add(time.Minute)
	t2 := t1.Add(time.Hour)

	_, err := q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "k",
		NotBefore: models.Some(t1),
	}, false)
	require.NoError(t, err)

	// a later nbf must not push the task back
	res, err := q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "k",
		NotBefore: models.Some(t2),
	}, true)
	require.NoError(t, err)
	assert.Nil(t, res)

	got, err := q.Find(ctx, queue, "k")
	require.NoError(t, err)
	require.NotNil(t, got.NotBefore)
	assert.True(t, got.NotBefore.Equal(t1.UTC().Truncate(time.Microsecond)))

	// an earlier nbf still wins
	t0 := t1.Add(-30 * time.Second)
	res, err = q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "k",
		NotBefore: models.Some(t0),
	}, true)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.NotBefore)
	assert.True(t, res.NotBefore.Equal(t0.UTC().Truncate(time.Microsecond)))
}

func TestSearchOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("order")
	base := time.Now().Truncate(time.Microsecond)

	// insert out of order on purpose
	for _, tc := range []struct {
		key string
		nbf time.Duration
		iat time.Duration
	}{
		{"late", 3 * time.Hour, time.Minute},
		{"early", time.Hour, time.Minute},
		{"tie-second", 2 * time.Hour, 2 * time.Minute},
		{"tie-first", 2 * time.Hour, time.Minute},
	} {
		_, err := q.Push(ctx, models.TaskChange{
			Queue:     queue,
			Key:       tc.key,
			IssuedAt:  models.Some(base.Add(tc.iat)),
			NotBefore: models.Some(base.Add(tc.nbf)),
		}, false)
		require.NoError(t, err)
	}

	rows, err := q.Search(ctx, SearchParams{Queues: []string{queue}})
	require.NoError(t, err)
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	assert.Equal(t, []string{"early", "tie-first", "tie-second", "late"}, keys)
}

func TestSearchInvalidRangeBeforeStore(t *testing.T) {
	q := newTestQueue(t)
	min, max := 2, 1
	_, err := q.Search(context.Background(), SearchParams{
		MinAttempts: &min,
		MaxAttempts: &max,
	})
	var rangeErr *InvalidRangeError
	require.ErrorAs(t, err, &rangeErr)
}

func TestPopNext(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("claim")

	_, err := q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "due",
		NotBefore: models.Some(time.Now().Add(-time.Minute)),
	}, false)
	require.NoError(t, err)
	_, err = q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "future",
		NotBefore: models.Some(time.Now().Add(time.Hour)),
	}, false)
	require.NoError(t, err)

	task, err := q.PopNext(ctx, PopNextParams{Queues: []string{queue}})
	require.NoError(t, err)
	assert.Equal(t, "due", task.Key)

	// the popped task is gone; the future one is not yet eligible
	rows, err := q.Search(ctx, SearchParams{Queues: []string{queue}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "future", rows[0].Key)

	_, err = q.PopNext(ctx, PopNextParams{Queues: []string{queue}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPopNextNullNbfEligible(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("no-delay")

	_, err := q.Push(ctx, models.TaskChange{Queue: queue, Key: "k"}, false)
	require.NoError(t, err)

	task, err := q.PopNext(ctx, PopNextParams{Queues: []string{queue}})
	require.NoError(t, err)
	assert.Equal(t, "k", task.Key)
}

func TestPopNextMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("exhausted")

	_, err := q.Push(ctx, models.TaskChange{
		Queue:    queue,
		Key:      "k",
		Attempts: models.Some(5),
	}, false)
	require.NoError(t, err)

	max := 5
	_, err = q.PopNext(ctx, PopNextParams{Queues: []string{queue}, MaxAttempts: &max})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPopNextConcurrentClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("race")

	_, err := q.Push(ctx, models.TaskChange{
		Queue:     queue,
		Key:       "only",
		NotBefore: models.Some(time.Now().Add(-time.Second)),
	}, false)
	require.NoError(t, err)

	const workers = 2
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.PopNext(ctx, PopNextParams{Queues: []string{queue}})
		}(i)
	}
	wg.Wait()

	var claimed, missed int
	for _, err := range errs {
		switch {
		case err == nil:
			claimed++
		case errors.Is(err, ErrNotFound):
			missed++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, claimed, "exactly one worker must claim the task")
	assert.Equal(t, 1, missed)
}

func TestPop(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("pop")

	_, err := q.Push(ctx, models.TaskChange{Queue: queue, Key: "k"}, false)
	require.NoError(t, err)

	task, err := q.Pop(ctx, queue, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", task.Key)

	_, err = q.Pop(ctx, queue, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteWithLimit(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("bulk")
	base := time.Now()

	for i, key := range []string{"a", "b", "c"} {
		_, err := q.Push(ctx, models.TaskChange{
			Queue:     queue,
			Key:       key,
			NotBefore: models.Some(base.Add(time.Duration(i) * time.Minute)),
		}, false)
		require.NoError(t, err)
	}

	deleted, err := q.Delete(ctx, SearchParams{Queues: []string{queue}}, 2)
	require.NoError(t, err)
	require.Len(t, deleted, 2)
	assert.Equal(t, "a", deleted[0].Key)
	assert.Equal(t, "b", deleted[1].Key)

	rows, err := q.Search(ctx, SearchParams{Queues: []string{queue}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].Key)
}

func TestDeleteNoMatchesIsNotAnError(t *testing.T) {
	q := newTestQueue(t)
	deleted, err := q.Delete(context.Background(), SearchParams{
		Queues: []string{testQueueName("nothing")},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestQueueCounts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	q1 := testQueueName("counts-a")
	q2 := testQueueName("counts-b")
	if q2 < q1 {
		q1, q2 = q2, q1
	}

	for _, key := range []string{"1", "2", "3"} {
		_, err := q.Push(ctx, models.TaskChange{Queue: q1, Key: key}, false)
		require.NoError(t, err)
	}
	for _, key := range []string{"1", "2"} {
		_, err := q.Push(ctx, models.TaskChange{Queue: q2, Key: key}, false)
		require.NoError(t, err)
	}

	counts, err := q.QueueCounts(ctx, SearchParams{Queues: []string{q1, q2}})
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, models.QueueCount{Queue: q1, Count: 3}, counts[0])
	assert.Equal(t, models.QueueCount{Queue: q2, Count: 2}, counts[1])
}

func TestIterateMatchesSearch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	queue := testQueueName("lazy")

	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Push(ctx, models.TaskChange{Queue: queue, Key: key}, false)
		require.NoError(t, err)
	}

	eager, err := q.Search(ctx, SearchParams{Queues: []string{queue}})
	require.NoError(t, err)

	var lazy []models.Task
	err = q.Iterate(ctx, SearchParams{Queues: []string{queue}}, func(t models.Task) error {
		lazy = append(lazy, t)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, eager, lazy)
}
