// Package store defines the abstract persistence surface the pipeline
// consumes. Entities are JSON records keyed by (class, id); relations are
// index sets and sorted sets, never embedded documents.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates an absent entity record.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout indicates a multi-class lock could not be acquired.
	ErrLockTimeout = errors.New("lock timeout")
)

// Entity is one persistable record.
// Params: class namespace and stable id.
// Returns: store addressing for the record.
type Entity interface {
	Class() string
	EntityID() string
}

// Indexed exposes secondary index values maintained on save/delete.
// Params: none.
// Returns: field to values map; multi-valued fields list every member.
type Indexed interface {
	Indexes() map[string][]string
}

// Store provides the persistence operations the pipeline requires.
// Params: entity CRUD, index lookup, set/sorted-set relations, and a
// composable multi-class lock.
// Returns: backend persistence behavior.
type Store interface {
	// Get unmarshals the record (class, id) into out or returns ErrNotFound.
	Get(ctx context.Context, class, id string, out any) error
	// Save upserts the record and refreshes its secondary indexes.
	Save(ctx context.Context, entity Entity) error
	// Delete removes the record and its secondary index memberships.
	Delete(ctx context.Context, entity Entity) error
	// FindByIndex returns ids whose indexed field carries the value.
	FindByIndex(ctx context.Context, class, field, value string) ([]string, error)

	// Set relations on one record.
	SetAdd(ctx context.Context, class, id, field string, members ...string) error
	SetRemove(ctx context.Context, class, id, field string, members ...string) error
	SetMembers(ctx context.Context, class, id, field string) ([]string, error)
	SetClear(ctx context.Context, class, id, field string) error

	// Sorted-set relations on one record, scored by unix time.
	SortedAdd(ctx context.Context, class, id, field string, score float64, member string) error
	SortedRange(ctx context.Context, class, id, field string, lo, hi float64) ([]string, error)
	SortedRemove(ctx context.Context, class, id, field string, members ...string) error
	// SortedTrim keeps only the newest keep members.
	SortedTrim(ctx context.Context, class, id, field string, keep int) error

	// Lock serializes fn against every other Lock covering any named class.
	// All mutations touching a check and its associated records run inside
	// one such lock.
	Lock(ctx context.Context, classes []string, fn func(ctx context.Context) error) error

	Close() error
}
