package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"guildgate/internal/jobs"
	"guildgate/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It backs the job lifecycle,
// seat snapshots, webhook events, subscriptions, and connector lookups.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, family, scope, status, claim_token, claim_worker_id, claimed_at, last_attempt_at, attempt_count, max_attempts, run_after, source, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var scopeJSON []byte
	var claimToken, claimWorker, lastError pgtype.Text
	var claimedAt, lastAttemptAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.Family, &scopeJSON, &job.Status,
		&claimToken, &claimWorker, &claimedAt, &lastAttemptAt,
		&job.AttemptCount, &job.MaxAttempts, &job.RunAfter, &job.Source,
		&lastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(scopeJSON, &job.Scope); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal scope: %w", err)
	}
	job.ClaimToken = textPtr(claimToken)
	job.ClaimWorkerID = textPtr(claimWorker)
	job.ClaimedAt = timePtr(claimedAt)
	job.LastAttemptAt = timePtr(lastAttemptAt)
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, family models.Family, id string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE family = $1 AND id = $2
	`, family, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("scan job: %w", err)
	}
	return job, true, nil
}

// FindActive returns the pending-or-processing job for a scope key, if any.
func (s *Store) FindActive(ctx context.Context, family models.Family, scopeKey string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE family = $1 AND scope_key = $2 AND status IN ('pending', 'processing')
	`, family, scopeKey)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("scan active job: %w", err)
	}
	return job, true, nil
}

// InsertJob persists a new pending job. The partial unique index over active
// scopes turns a lost insert race into jobs.ErrDuplicateActive.
func (s *Store) InsertJob(ctx context.Context, job models.Job) error {
	scopeJSON, err := json.Marshal(job.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, family, scope, scope_key, status, attempt_count, max_attempts, run_after, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
		ON CONFLICT (family, scope_key) WHERE status IN ('pending', 'processing') DO NOTHING
	`, job.ID, job.Family, scopeJSON, job.Scope.Key(), job.Status, job.MaxAttempts, job.RunAfter, job.Source, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrDuplicateActive
	}
	return nil
}

// MergeEnqueue applies a dedup collapse: replace the source and, while the
// job is still pending, shrink run_after toward the requested time.
func (s *Store) MergeEnqueue(ctx context.Context, family models.Family, id, source string, runAfter time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			source = $3,
			run_after = CASE WHEN status = 'pending' THEN LEAST(run_after, $4) ELSE run_after END,
			updated_at = NOW()
		WHERE family = $1 AND id = $2 AND status IN ('pending', 'processing')
	`, family, id, source, runAfter)
	if err != nil {
		return false, fmt.Errorf("merge enqueue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDue leases due pending jobs in one atomic statement. SKIP LOCKED keeps
// concurrent claimers from ever seeing the same row.
func (s *Store) ClaimDue(ctx context.Context, family models.Family, limit int, workerID string, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM jobs
			WHERE family = $1 AND status = 'pending' AND run_after <= $4
			ORDER BY run_after ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status = 'processing',
			claim_token = gen_random_uuid()::text,
			claim_worker_id = $3,
			claimed_at = $4,
			last_attempt_at = $4,
			attempt_count = j.attempt_count + 1,
			last_error = NULL,
			updated_at = $4
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.family, j.scope, j.status, j.claim_token, j.claim_worker_id, j.claimed_at, j.last_attempt_at, j.attempt_count, j.max_attempts, j.run_after, j.source, j.last_error, j.created_at, j.updated_at
	`, family, limit, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	claimed := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	// RETURNING does not preserve the CTE ordering.
	sort.Slice(claimed, func(a, b int) bool { return claimed[a].RunAfter.Before(claimed[b].RunAfter) })
	return claimed, nil
}

// FinishProcessing applies the completion update only while the claim token
// still matches, clearing the claim fields.
func (s *Store) FinishProcessing(ctx context.Context, family models.Family, id, claimToken string, upd jobs.Finish) (bool, error) {
	var runAfter *time.Time
	if upd.Status == models.StatusPending {
		runAfter = upd.RunAfter
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $4,
			claim_token = NULL,
			claim_worker_id = NULL,
			claimed_at = NULL,
			last_error = $5,
			run_after = COALESCE($6, run_after),
			updated_at = $7
		WHERE family = $1 AND id = $2 AND status = 'processing' AND claim_token = $3
	`, family, id, claimToken, upd.Status, upd.LastError, runAfter, upd.Now)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReclaimExpired returns long-held processing jobs to pending. Disabled
// unless the operator sets a lease TTL.
func (s *Store) ReclaimExpired(ctx context.Context, family models.Family, cutoff, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending',
			claim_token = NULL,
			claim_worker_id = NULL,
			claimed_at = NULL,
			run_after = $3,
			updated_at = $3
		WHERE family = $1 AND status = 'processing' AND claimed_at < $2
	`, family, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListFailed returns terminally failed jobs, most recent first.
func (s *Store) ListFailed(ctx context.Context, family models.Family, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE family = $1 AND status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $2
	`, family, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// WakeSnapshot aggregates pending-queue readiness per family.
func (s *Store) WakeSnapshot(ctx context.Context, now time.Time) (models.WakeState, error) {
	state := models.WakeState{
		Families:  make(map[models.Family]models.FamilyWake),
		ServerNow: now.UnixMilli(),
	}
	for _, f := range models.Families() {
		state.Families[f] = models.FamilyWake{}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT family,
			COUNT(*) FILTER (WHERE run_after <= $1),
			COUNT(*),
			MIN(run_after) FILTER (WHERE run_after > $1)
		FROM jobs
		WHERE status = 'pending'
		GROUP BY family
	`, now)
	if err != nil {
		return models.WakeState{}, fmt.Errorf("wake snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var family models.Family
		var ready, total int
		var nextDue pgtype.Timestamptz
		if err := rows.Scan(&family, &ready, &total, &nextDue); err != nil {
			return models.WakeState{}, fmt.Errorf("scan wake row: %w", err)
		}
		fw := models.FamilyWake{PendingReady: ready, PendingTotal: total}
		if nextDue.Valid {
			ms := nextDue.Time.UnixMilli()
			fw.NextRunAfter = &ms
		}
		state.Families[family] = fw
	}
	return state, rows.Err()
}

// ConnectorConfig implements jobs.ContextLoader against the connectors table.
func (s *Store) ConnectorConfig(ctx context.Context, tenant, connectorID string) (*models.ConnectorConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, kind, credential_ref, settings, disabled
		FROM connectors WHERE tenant = $1 AND id = $2
	`, tenant, connectorID)

	var cfg models.ConnectorConfig
	var settingsJSON []byte
	err := row.Scan(&cfg.ID, &cfg.Tenant, &cfg.Kind, &cfg.CredentialRef, &settingsJSON, &cfg.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan connector: %w", err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &cfg.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal connector settings: %w", err)
		}
	}
	return &cfg, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
