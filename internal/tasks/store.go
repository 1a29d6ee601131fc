package tasks

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by GetByID for unknown IDs and by Update
// when the record vanished underneath the caller.
var ErrTaskNotFound = errors.New("tasks: task not found")

// Store persists task records. Implementations must make ClaimNext
// atomic: two concurrent claimants never receive the same task.
type Store interface {
	// Save inserts a new record.
	Save(ctx context.Context, t *Task) error

	// GetByID fetches one record or ErrTaskNotFound.
	GetByID(ctx context.Context, id string) (*Task, error)

	// ClaimNext atomically selects the next due PENDING task on the
	// queue, ordered by priority descending then createdAt ascending,
	// transitions it to PROCESSING stamped with workerID and startedAt,
	// and returns it. Returns (nil, nil) when nothing is claimable.
	ClaimNext(ctx context.Context, queue, workerID string) (*Task, error)

	// Update overwrites the stored record.
	Update(ctx context.Context, t *Task) error

	// GetByStatus returns up to limit records in the given status,
	// ordered by scheduledFor ascending so due work sorts first.
	// limit <= 0 means no bound.
	GetByStatus(ctx context.Context, status Status, limit int) ([]*Task, error)

	// GetByQueue returns up to limit records on the queue, newest first.
	// limit <= 0 means no bound.
	GetByQueue(ctx context.Context, queue string, limit int) ([]*Task, error)

	// DeleteOlderThan removes terminal records whose completedAt is
	// before the cutoff and returns how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// CountByStatus returns record counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// ReleaseStale resets PROCESSING records whose startedAt is before
	// the cutoff back to PENDING, clearing workerId and startedAt, and
	// returns how many were released. Recovers tasks from dead workers.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
