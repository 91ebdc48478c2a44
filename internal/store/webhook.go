package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"guildgate/internal/models"
	"guildgate/internal/webhook"
)

// InsertEvent records a webhook event once. The (provider, event_id) conflict
// is the dedup signal and reports false, never an error.
func (s *Store) InsertEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payload_hash, payload, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, ev.Provider, ev.EventID, ev.EventType, ev.PayloadHash, []byte(ev.Payload), ev.Status, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const eventColumns = `provider, event_id, event_type, payload_hash, payload, status, attempt_count, resolved_entity_id, resolved_via, last_attempt_at, error, created_at, updated_at`

func scanEvent(row rowScanner) (models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var payload []byte
	var resolvedID, resolvedVia, errText pgtype.Text
	var lastAttempt pgtype.Timestamptz

	err := row.Scan(
		&ev.Provider, &ev.EventID, &ev.EventType, &ev.PayloadHash, &payload,
		&ev.Status, &ev.AttemptCount, &resolvedID, &resolvedVia, &lastAttempt,
		&errText, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return models.WebhookEvent{}, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.ResolvedEntityID = textPtr(resolvedID)
	ev.ResolvedVia = textPtr(resolvedVia)
	ev.LastAttemptAt = timePtr(lastAttempt)
	ev.Error = textPtr(errText)
	return ev, nil
}

// GetEvent fetches an event by its provider-scoped id.
func (s *Store) GetEvent(ctx context.Context, provider, eventID string) (models.WebhookEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2
	`, provider, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, false, nil
	}
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("scan webhook event: %w", err)
	}
	return ev, true, nil
}

// UpdateEvent writes back the fields a processing attempt mutates.
func (s *Store) UpdateEvent(ctx context.Context, ev models.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET
			status = $3,
			attempt_count = $4,
			resolved_entity_id = $5,
			resolved_via = $6,
			last_attempt_at = $7,
			error = $8,
			updated_at = $9
		WHERE provider = $1 AND event_id = $2
	`, ev.Provider, ev.EventID, ev.Status, ev.AttemptCount, ev.ResolvedEntityID, ev.ResolvedVia, ev.LastAttemptAt, ev.Error, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return nil
}

// ListEvents returns events filtered by provider and/or status, newest first.
func (s *Store) ListEvents(ctx context.Context, provider, status string, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, provider, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	out := make([]models.WebhookEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FindByProviderSubscriptionID implements the first hop of the webhook
// resolution chain.
func (s *Store) FindByProviderSubscriptionID(ctx context.Context, id string) (models.Subscription, bool, error) {
	return s.findSubscription(ctx, `provider_subscription_id = $1`, id)
}

// FindByProviderCustomerID implements the second hop.
func (s *Store) FindByProviderCustomerID(ctx context.Context, id string) (models.Subscription, bool, error) {
	return s.findSubscription(ctx, `provider_customer_id = $1`, id)
}

// FindByEmail implements the final hop; the caller normalizes the email.
func (s *Store) FindByEmail(ctx context.Context, email string) (models.Subscription, bool, error) {
	return s.findSubscription(ctx, `LOWER(email) = $1`, email)
}

func (s *Store) findSubscription(ctx context.Context, where, arg string) (models.Subscription, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, provider_subscription_id, provider_customer_id, email, plan, status, seat_limit, current_period_end, created_at, updated_at
		FROM subscriptions WHERE `+where,
		arg)

	var sub models.Subscription
	var provSub, provCus pgtype.Text
	var periodEnd pgtype.Timestamptz
	err := row.Scan(&sub.ID, &sub.Tenant, &provSub, &provCus, &sub.Email, &sub.Plan, &sub.Status, &sub.SeatLimit, &periodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, false, nil
	}
	if err != nil {
		return models.Subscription{}, false, fmt.Errorf("scan subscription: %w", err)
	}
	sub.ProviderSubscriptionID = textPtr(provSub)
	sub.ProviderCustomerID = textPtr(provCus)
	sub.CurrentPeriodEnd = timePtr(periodEnd)
	return sub, true, nil
}

// ApplyEvent applies a payment event's mutation to a subscription. Nil fields
// leave the stored value untouched; tracking ids are written back so later
// events resolve directly.
func (s *Store) ApplyEvent(ctx context.Context, subscriptionID string, upd webhook.SubscriptionUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			provider_subscription_id = COALESCE($2, provider_subscription_id),
			provider_customer_id = COALESCE($3, provider_customer_id),
			plan = COALESCE($4, plan),
			status = COALESCE($5, status),
			seat_limit = COALESCE($6, seat_limit),
			current_period_end = COALESCE($7, current_period_end),
			updated_at = NOW()
		WHERE id = $1
	`, subscriptionID, upd.ProviderSubscriptionID, upd.ProviderCustomerID, upd.Plan, upd.Status, upd.SeatLimit, upd.CurrentPeriodEnd)
	if err != nil {
		return fmt.Errorf("apply subscription event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}
	return nil
}
