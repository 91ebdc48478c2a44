package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"guildgate/internal/models"
)

// UpsertSeatSnapshot overwrites the one snapshot row per scope.
func (s *Store) UpsertSeatSnapshot(ctx context.Context, snap models.SeatSnapshot) error {
	scopeJSON, err := json.Marshal(snap.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO seat_snapshots (scope_key, scope, measured_seats, seat_limit, over_limit, checked_at, next_check_after, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scope_key) DO UPDATE SET
			scope = EXCLUDED.scope,
			measured_seats = EXCLUDED.measured_seats,
			seat_limit = EXCLUDED.seat_limit,
			over_limit = EXCLUDED.over_limit,
			checked_at = EXCLUDED.checked_at,
			next_check_after = EXCLUDED.next_check_after,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, snap.Scope.Key(), scopeJSON, snap.MeasuredSeats, snap.SeatLimit, snap.OverLimit, snap.CheckedAt, snap.NextCheckAfter, snap.LastError, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert seat snapshot: %w", err)
	}
	return nil
}

// ListSeatSnapshots returns snapshots, optionally filtered by tenant, most
// recently checked first. Freshness is left for the caller to derive against
// its own thresholds.
func (s *Store) ListSeatSnapshots(ctx context.Context, tenant string, limit int) ([]models.SeatSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, measured_seats, seat_limit, over_limit, checked_at, next_check_after, last_error, updated_at
		FROM seat_snapshots
		WHERE ($1 = '' OR scope->>'tenant' = $1)
		ORDER BY checked_at DESC
		LIMIT $2
	`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("list seat snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]models.SeatSnapshot, 0, limit)
	for rows.Next() {
		var snap models.SeatSnapshot
		var scopeJSON []byte
		var lastErr pgtype.Text
		if err := rows.Scan(&scopeJSON, &snap.MeasuredSeats, &snap.SeatLimit, &snap.OverLimit, &snap.CheckedAt, &snap.NextCheckAfter, &lastErr, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan seat snapshot: %w", err)
		}
		if err := json.Unmarshal(scopeJSON, &snap.Scope); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot scope: %w", err)
		}
		snap.LastError = textPtr(lastErr)
		out = append(out, snap)
	}
	return out, rows.Err()
}
