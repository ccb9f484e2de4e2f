package models

import (
	"time"
)

// Task represents one queued unit of work persisted in Postgres.
// (Queue, Key) is the natural primary key; Key is unique within its queue.
type Task struct {
	Queue     string         `json:"queue"`
	Key       string         `json:"key"`
	IssuedAt  time.Time      `json:"iat"`
	NotBefore *time.Time     `json:"nbf,omitempty"`
	Attempts  int            `json:"attempts"`
	Reason    *string        `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// QueueCount is one row of the per-queue aggregation.
type QueueCount struct {
	Queue string `json:"queue"`
	Count int64  `json:"count"`
}

// Optional is a three-state field value: unset, explicit null, or a value.
// The zero value is unset. Push uses it to tell "leave this field alone"
// apart from "clear this field".
type Optional[T any] struct {
	set   bool
	null  bool
	value T
}

// Some returns an Optional carrying v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{set: true, value: v}
}

// Null returns an Optional that is set, but to an explicit null.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true, null: true}
}

// IsSet reports whether the field was provided at all.
func (o Optional[T]) IsSet() bool { return o.set }

// IsNull reports whether the field was provided as an explicit null.
func (o Optional[T]) IsNull() bool { return o.set && o.null }

// Get returns the carried value. ok is false when the Optional is unset
// or null.
func (o Optional[T]) Get() (T, bool) {
	if !o.set || o.null {
		var zero T
		return zero, false
	}
	return o.value, true
}

// TaskChange carries the field values of a push. Unset fields keep their
// stored value on update, and get their column default on insert.
type TaskChange struct {
	Queue     string
	Key       string
	IssuedAt  Optional[time.Time]
	NotBefore Optional[time.Time]
	Attempts  Optional[int]
	Reason    Optional[string]
	Payload   Optional[map[string]any]
}
