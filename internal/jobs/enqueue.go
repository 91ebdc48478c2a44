package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"guildgate/internal/models"
)

// EnqueueRequest asks for one outstanding job covering the scope. RunAfter nil
// means eligible now.
type EnqueueRequest struct {
	Family   models.Family
	Scope    models.Scope
	Source   string
	RunAfter *time.Time
}

// EnqueueResult reports the surviving job for the scope. Deduped is true when
// the request collapsed onto an already-active job.
type EnqueueResult struct {
	JobID   string `json:"job_id"`
	Deduped bool   `json:"deduped"`
}

// Enqueuer performs dedup-aware insertion: repeated requests for the same
// scope collapse into one pending unit of work.
type Enqueuer struct {
	store Store
	now   func() time.Time
}

// NewEnqueuer builds an Enqueuer. now defaults to time.Now when nil.
func NewEnqueuer(store Store, now func() time.Time) *Enqueuer {
	if now == nil {
		now = time.Now
	}
	return &Enqueuer{store: store, now: now}
}

// Enqueue inserts or merges a job for the request's scope. A merge replaces
// the job's source and, for a still-pending job, shrinks run_after to the
// minimum of the existing and requested values so an already-eligible job is
// never postponed.
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if !req.Family.Valid() {
		return EnqueueResult{}, fmt.Errorf("%w: unknown job family %q", ErrInvalidRequest, req.Family)
	}
	if err := req.Scope.Validate(req.Family); err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Source == "" {
		return EnqueueResult{}, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}

	now := e.now().UTC()
	runAfter := now
	if req.RunAfter != nil {
		runAfter = req.RunAfter.UTC()
	}
	scopeKey := req.Scope.Key()

	// Insert races and merge races both loop back around; with at most one
	// active job per scope they resolve within a retry or two.
	for attempt := 0; attempt < 3; attempt++ {
		existing, found, err := e.store.FindActive(ctx, req.Family, scopeKey)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("find active job: %w", err)
		}
		if found {
			merged, err := e.store.MergeEnqueue(ctx, req.Family, existing.ID, req.Source, runAfter)
			if err != nil {
				return EnqueueResult{}, fmt.Errorf("merge enqueue: %w", err)
			}
			if merged {
				return EnqueueResult{JobID: existing.ID, Deduped: true}, nil
			}
			continue // job finished between lookup and merge
		}

		defaults := req.Family.Defaults()
		job := models.Job{
			ID:          uuid.New().String(),
			Family:      req.Family,
			Scope:       req.Scope,
			Status:      models.StatusPending,
			MaxAttempts: defaults.MaxAttempts,
			RunAfter:    runAfter,
			Source:      req.Source,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = e.store.InsertJob(ctx, job)
		if err == nil {
			return EnqueueResult{JobID: job.ID, Deduped: false}, nil
		}
		if err != ErrDuplicateActive {
			return EnqueueResult{}, fmt.Errorf("insert job: %w", err)
		}
	}
	return EnqueueResult{}, fmt.Errorf("enqueue for scope %s did not settle", scopeKey)
}
