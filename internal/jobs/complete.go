package jobs

import (
	"context"
	"fmt"
	"time"

	"guildgate/internal/backoff"
	"guildgate/internal/models"
)

// Reason codes for ignored completions. Lease races are reported, never
// raised: a stale or duplicate completion is a safe no-op.
const (
	ReasonJobNotFound        = "job_not_found"
	ReasonJobNotProcessing   = "job_not_processing"
	ReasonClaimTokenMismatch = "claim_token_mismatch"

	// SourceSnapshotRecheck marks jobs scheduled by the completer after a
	// successful seat audit.
	SourceSnapshotRecheck = "auto_snapshot_recheck"
)

// Result is the executor's report for one job. MeasuredSeats/SeatLimit are
// seat_audit result fields; other families leave them nil.
type Result struct {
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
	MeasuredSeats *int       `json:"measured_seats,omitempty"`
	SeatLimit     *int       `json:"seat_limit,omitempty"`
	CheckedAt     *time.Time `json:"checked_at,omitempty"`
}

// Outcome is the completion verdict returned to the worker.
type Outcome struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored"`
	Reason  string `json:"reason,omitempty"`
	Status  string `json:"status,omitempty"`
}

// CompleterConfig holds the snapshot freshness and recheck cadence knobs.
type CompleterConfig struct {
	StaleAfter    time.Duration
	ExpireAfter   time.Duration
	RecheckShort  time.Duration
	RecheckNormal time.Duration
}

// Completer validates a claim and applies success/failure transitions. For
// successful seat audits it persists the result snapshot and schedules the
// next recheck through the Enqueuer.
type Completer struct {
	store     Store
	snapshots SnapshotStore
	enqueuer  *Enqueuer
	cfg       CompleterConfig
	now       func() time.Time
}

// NewCompleter builds a Completer. snapshots may be nil to disable snapshot
// persistence; now defaults to time.Now when nil.
func NewCompleter(store Store, snapshots SnapshotStore, enqueuer *Enqueuer, cfg CompleterConfig, now func() time.Time) *Completer {
	if now == nil {
		now = time.Now
	}
	return &Completer{store: store, snapshots: snapshots, enqueuer: enqueuer, cfg: cfg, now: now}
}

// Complete records the outcome of a claimed job. Stale workers (superseded
// lease, duplicate call, unknown job) get an ignored verdict with a reason
// code and leave the job untouched.
func (c *Completer) Complete(ctx context.Context, family models.Family, jobID, claimToken string, res Result) (Outcome, error) {
	if !family.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown job family %q", ErrInvalidRequest, family)
	}
	if jobID == "" || claimToken == "" {
		return Outcome{}, fmt.Errorf("%w: job id and claim token are required", ErrInvalidRequest)
	}

	job, found, err := c.store.GetJob(ctx, family, jobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get job: %w", err)
	}
	if !found {
		return Outcome{OK: false, Ignored: true, Reason: ReasonJobNotFound}, nil
	}
	if job.Status != models.StatusProcessing {
		return Outcome{OK: false, Ignored: true, Reason: ReasonJobNotProcessing}, nil
	}
	if job.ClaimToken == nil || *job.ClaimToken != claimToken {
		return Outcome{OK: false, Ignored: true, Reason: ReasonClaimTokenMismatch}, nil
	}

	now := c.now().UTC()
	if res.Success {
		return c.completeSuccess(ctx, job, claimToken, res, now)
	}
	return c.completeFailure(ctx, job, claimToken, res, now)
}

func (c *Completer) completeSuccess(ctx context.Context, job models.Job, claimToken string, res Result, now time.Time) (Outcome, error) {
	matched, err := c.store.FinishProcessing(ctx, job.Family, job.ID, claimToken, Finish{
		Status: models.StatusCompleted,
		Now:    now,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("finish job: %w", err)
	}
	if !matched {
		// Lost the narrow race between validation and update.
		return Outcome{OK: false, Ignored: true, Reason: ReasonJobNotProcessing}, nil
	}

	if job.Family == models.FamilySeatAudit && c.snapshots != nil {
		if err := c.recordSnapshot(ctx, job, res, now); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{OK: true, Status: models.StatusCompleted}, nil
}

func (c *Completer) recordSnapshot(ctx context.Context, job models.Job, res Result, now time.Time) error {
	measured, limit := 0, 0
	if res.MeasuredSeats != nil {
		measured = *res.MeasuredSeats
	}
	if res.SeatLimit != nil {
		limit = *res.SeatLimit
	}
	checkedAt := now
	if res.CheckedAt != nil {
		checkedAt = res.CheckedAt.UTC()
	}
	over := limit > 0 && measured > limit

	// Breached scopes get the tighter recheck cadence.
	interval := c.cfg.RecheckNormal
	if over {
		interval = c.cfg.RecheckShort
	}
	next := checkedAt.Add(interval)

	snap := models.SeatSnapshot{
		Scope:          job.Scope,
		MeasuredSeats:  measured,
		SeatLimit:      limit,
		OverLimit:      over,
		Freshness:      models.FreshnessOf(now, checkedAt, c.cfg.StaleAfter, c.cfg.ExpireAfter),
		CheckedAt:      checkedAt,
		NextCheckAfter: next,
		UpdatedAt:      now,
	}
	if err := c.snapshots.UpsertSeatSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("upsert seat snapshot: %w", err)
	}

	if c.enqueuer != nil {
		_, err := c.enqueuer.Enqueue(ctx, EnqueueRequest{
			Family:   models.FamilySeatAudit,
			Scope:    job.Scope,
			Source:   SourceSnapshotRecheck,
			RunAfter: &next,
		})
		if err != nil {
			return fmt.Errorf("schedule recheck: %w", err)
		}
	}
	return nil
}

func (c *Completer) completeFailure(ctx context.Context, job models.Job, claimToken string, res Result, now time.Time) (Outcome, error) {
	msg := res.Error
	if msg == "" {
		msg = "execution failed"
	}

	finish := Finish{LastError: &msg, Now: now}
	if job.AttemptCount >= job.MaxAttempts {
		finish.Status = models.StatusFailed
	} else {
		defaults := job.Family.Defaults()
		retryAt := now.Add(backoff.Delay(job.AttemptCount, defaults.BackoffBase, defaults.BackoffCap))
		finish.Status = models.StatusPending
		finish.RunAfter = &retryAt
	}

	matched, err := c.store.FinishProcessing(ctx, job.Family, job.ID, claimToken, finish)
	if err != nil {
		return Outcome{}, fmt.Errorf("finish job: %w", err)
	}
	if !matched {
		return Outcome{OK: false, Ignored: true, Reason: ReasonJobNotProcessing}, nil
	}
	return Outcome{OK: true, Status: finish.Status}, nil
}
