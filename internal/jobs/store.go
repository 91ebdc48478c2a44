// Package jobs implements the job lifecycle: dedup-aware enqueue, atomic
// claiming, and claim-token-checked completion. The durable record lives
// behind the Store interface; internal/store provides the Postgres backend
// and memory.go a mutex-guarded backend for tests and local development.
package jobs

import (
	"context"
	"errors"
	"time"

	"guildgate/internal/models"
)

// ErrDuplicateActive is returned by InsertJob when a pending or processing job
// already exists for the scope. Callers treat it as a dedup signal, not a
// failure.
var ErrDuplicateActive = errors.New("active job already exists for scope")

// ErrInvalidRequest wraps caller input errors so transports can tell them
// apart from store failures.
var ErrInvalidRequest = errors.New("invalid request")

// Finish describes the terminal update applied to a processing job.
// RunAfter is only consulted when Status is pending (retry).
type Finish struct {
	Status    string
	LastError *string
	RunAfter  *time.Time
	Now       time.Time
}

// Store is the durable job record. FindActive/InsertJob back the
// one-active-job-per-scope invariant; ClaimDue and FinishProcessing must be
// atomic with respect to concurrent callers; claim correctness depends on it.
type Store interface {
	// GetJob fetches a job by id. The second return is false when absent.
	GetJob(ctx context.Context, family models.Family, id string) (models.Job, bool, error)

	// FindActive returns the pending-or-processing job for a scope key, if any.
	FindActive(ctx context.Context, family models.Family, scopeKey string) (models.Job, bool, error)

	// InsertJob persists a new pending job. Returns ErrDuplicateActive when an
	// active job for the same scope won an insert race.
	InsertJob(ctx context.Context, job models.Job) error

	// MergeEnqueue applies a dedup collapse onto an existing active job:
	// source is replaced, and run_after shrinks to min(existing, runAfter)
	// when the job is still pending. Returns false if the job is no longer
	// active (the caller should retry the enqueue).
	MergeEnqueue(ctx context.Context, family models.Family, id, source string, runAfter time.Time) (bool, error)

	// ClaimDue leases up to limit pending jobs with run_after <= now, oldest
	// due first. Each claimed job gets a fresh claim token, the worker id,
	// claim timestamps, an incremented attempt count, and a cleared last
	// error. No job may be returned to two concurrent callers.
	ClaimDue(ctx context.Context, family models.Family, limit int, workerID string, now time.Time) ([]models.Job, error)

	// FinishProcessing applies upd to the job only if it is still processing
	// under claimToken, clearing the claim fields. Returns false when the
	// guard did not match.
	FinishProcessing(ctx context.Context, family models.Family, id, claimToken string, upd Finish) (bool, error)

	// ReclaimExpired returns processing jobs claimed before cutoff to pending,
	// clearing their claim fields. Used by the opt-in lease sweeper.
	ReclaimExpired(ctx context.Context, family models.Family, cutoff, now time.Time) (int, error)

	// ListFailed returns terminally failed jobs for operator inspection.
	ListFailed(ctx context.Context, family models.Family, limit int) ([]models.Job, error)

	// WakeSnapshot aggregates per-family queue readiness at now.
	WakeSnapshot(ctx context.Context, now time.Time) (models.WakeState, error)
}

// SnapshotStore persists seat-audit result snapshots, one per scope.
type SnapshotStore interface {
	UpsertSeatSnapshot(ctx context.Context, snap models.SeatSnapshot) error
	ListSeatSnapshots(ctx context.Context, tenant string, limit int) ([]models.SeatSnapshot, error)
}

// ContextLoader resolves the execution context denormalized onto claimed jobs.
// A nil config with nil error means the connector is unknown.
type ContextLoader interface {
	ConnectorConfig(ctx context.Context, tenant, connectorID string) (*models.ConnectorConfig, error)
}
