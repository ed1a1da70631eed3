// Package store defines the persistence port used by the lease and consensus
// engines. Implementations live in memstore (tests, dev) and sqlstore
// (PostgreSQL, SQLite).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clipvote/api/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would break a uniqueness
	// invariant: a second active bundle for a contributor or a second
	// leased assignment for a task.
	ErrConflict = errors.New("store: conflict")
)

// Store runs engine work inside transactions. A transaction either commits
// every write made through its Tx or none of them, and transactions that
// touch the same contributor or task are serialized.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of reads and writes available inside a transaction.
type Tx interface {
	// EnsureContributor inserts the contributor if missing and refreshes its
	// identity fields (role, tier, capabilities) without touching stats. The
	// returned row is locked for the rest of the transaction.
	EnsureContributor(ctx context.Context, c *model.Contributor) (*model.Contributor, error)
	GetContributor(ctx context.Context, id string) (*model.Contributor, error)
	// LockContributor reads a contributor and holds its row lock until the
	// transaction ends. Callers locking several rows lock them in id order.
	LockContributor(ctx context.Context, id string) (*model.Contributor, error)
	UpdateContributorStats(ctx context.Context, c *model.Contributor) error

	InsertClip(ctx context.Context, clip *model.Clip) error
	GetClip(ctx context.Context, id string) (*model.Clip, error)

	InsertTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// FindClaimable returns pending tasks with no leased assignment that the
	// contributor has not answered, ordered by priority desc then age.
	FindClaimable(ctx context.Context, q model.ClaimQuery) ([]*model.Task, error)
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	CountPendingByType(ctx context.Context) (map[model.TaskType]int, error)

	ActiveBundle(ctx context.Context, contributorID string) (*model.Bundle, error)
	InsertBundle(ctx context.Context, b *model.Bundle) error
	SetBundleState(ctx context.Context, id string, state model.BundleState) error
	GetBundle(ctx context.Context, id string) (*model.Bundle, error)
	// LockBundle reads a bundle and holds its row lock until the transaction
	// ends, so member counts taken afterwards see every committed sibling.
	LockBundle(ctx context.Context, id string) (*model.Bundle, error)

	InsertAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignment(ctx context.Context, id string) (*model.Assignment, error)
	UpdateAssignment(ctx context.Context, a *model.Assignment) error
	// LeasedAssignment returns the contributor's leased assignment that is not
	// part of a bundle, if any.
	LeasedAssignment(ctx context.Context, contributorID string) (*model.Assignment, error)
	CountLeasedInBundle(ctx context.Context, bundleID string) (int, error)
	// ExpiredLeases returns leased assignments whose lease ended before now.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*model.Assignment, error)

	InsertResponse(ctx context.Context, r *model.Response) error
	// ListResponses returns a task's responses in submission order.
	ListResponses(ctx context.Context, taskID string) ([]*model.Response, error)
	UpsertConsensus(ctx context.Context, rec *model.ConsensusRecord) error
	GetConsensus(ctx context.Context, taskID string) (*model.ConsensusRecord, error)
}
