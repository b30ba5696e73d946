// Package store holds the gateway's shared mutable state (confirmation
// tokens, task/lease table) behind narrow interfaces so a multi-instance
// deployment can swap in a shared store without touching component logic.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/toolgate/internal/model"
)

var (
	// ErrLeaseConflict is returned by TaskStore.Update when the stored lease
	// ID no longer matches the caller's expectation (compare-and-swap miss).
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrNotFound is returned when the addressed entry does not exist.
	ErrNotFound = errors.New("not found")
)

// TokenStore holds confirmation tokens. Redemption uses Take, which is
// destructive: a token can be read out exactly once.
type TokenStore interface {
	Put(ctx context.Context, tok model.ConfirmToken) error

	// Take removes and returns the token in one step.
	Take(ctx context.Context, token string) (model.ConfirmToken, bool, error)

	// SweepExpired removes tokens past their expiry and reports how many.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// TaskStore holds the task/lease table. All mutations go through Update,
// which is a single-key compare-and-swap on the lease ID: the write succeeds
// only if the stored lease matches expectLease ("" for an unleased entry).
type TaskStore interface {
	// Enqueue inserts a new task. Re-enqueueing an existing execution_id is
	// absorbed as a no-op (at-least-once delivery from the backend).
	Enqueue(ctx context.Context, task model.Task) error

	Get(ctx context.Context, executionID string) (model.Task, bool, error)

	// Update persists the task if the stored lease ID equals expectLease.
	// Returns ErrLeaseConflict on a mismatch and ErrNotFound for an unknown
	// execution ID.
	Update(ctx context.Context, task model.Task, expectLease string) error

	// ListReservable returns, in enqueue order, tasks that may be handed to
	// a polling client: pending ones plus non-terminal entries whose lease
	// expired before now. workspaceID "" matches all workspaces.
	ListReservable(ctx context.Context, workspaceID string, limit int, now time.Time) ([]model.Task, error)

	// ListLeasedBy returns all non-terminal tasks whose lease names the
	// given client, regardless of lease freshness.
	ListLeasedBy(ctx context.Context, clientID string) ([]model.Task, error)
}
