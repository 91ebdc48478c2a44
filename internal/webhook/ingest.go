package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildgate/internal/models"
)

// Resolution strategies, recorded on the event for future lookups.
const (
	ResolvedBySubscriptionID = "subscription_id"
	ResolvedByCustomerID     = "customer_id"
	ResolvedByEmail          = "email"
)

// Admission errors, rejected at the boundary and never persisted.
var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrEventNotFound    = errors.New("webhook event not found")
)

// EventStore records webhook events. InsertEvent returns false when the
// (provider, event id) pair already exists; that conflict is the dedup
// signal, not an error.
type EventStore interface {
	InsertEvent(ctx context.Context, ev models.WebhookEvent) (bool, error)
	GetEvent(ctx context.Context, provider, eventID string) (models.WebhookEvent, bool, error)
	UpdateEvent(ctx context.Context, ev models.WebhookEvent) error
	ListEvents(ctx context.Context, provider, status string, limit int) ([]models.WebhookEvent, error)
}

// SubscriptionUpdate is the domain mutation applied on successful processing.
// Nil pointer fields leave the existing value untouched.
type SubscriptionUpdate struct {
	ProviderSubscriptionID *string
	ProviderCustomerID     *string
	Plan                   *string
	Status                 *string
	SeatLimit              *int
	CurrentPeriodEnd       *time.Time
}

// SubscriptionStore resolves and mutates the domain entity targeted by
// payment events. Find methods return false with a nil error when no row
// matches.
type SubscriptionStore interface {
	FindByProviderSubscriptionID(ctx context.Context, id string) (models.Subscription, bool, error)
	FindByProviderCustomerID(ctx context.Context, id string) (models.Subscription, bool, error)
	FindByEmail(ctx context.Context, email string) (models.Subscription, bool, error)
	ApplyEvent(ctx context.Context, subscriptionID string, upd SubscriptionUpdate) error
}

// eventPayload is the provider-agnostic shape this pipeline understands.
type eventPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SubscriptionID   string     `json:"subscription_id"`
		CustomerID       string     `json:"customer_id"`
		Email            string     `json:"email"`
		Plan             string     `json:"plan"`
		Status           string     `json:"status"`
		SeatLimit        *int       `json:"seat_limit"`
		CurrentPeriodEnd *time.Time `json:"current_period_end"`
	} `json:"data"`
}

// IngestResult reports the outcome of a delivery or replay.
type IngestResult struct {
	OK       bool   `json:"ok"`
	Deduped  bool   `json:"deduped"`
	EventID  string `json:"event_id"`
	Status   string `json:"status"`
	Resolved string `json:"resolved_via,omitempty"`
}

// Ingestor is the two-phase pipeline: record-once, then process-with-retry.
type Ingestor struct {
	events EventStore
	subs   SubscriptionStore
	now    func() time.Time
}

// NewIngestor builds an Ingestor. now defaults to time.Now when nil.
func NewIngestor(events EventStore, subs SubscriptionStore, now func() time.Time) *Ingestor {
	if now == nil {
		now = time.Now
	}
	return &Ingestor{events: events, subs: subs, now: now}
}

// Ingest handles one delivery. fallbackEventID is the provider-assigned
// delivery header used to synthesize an id when the body carries none.
// Redelivery of an already-processed event is a pure no-op reported as
// deduped; a previously failed event is retried in place.
func (i *Ingestor) Ingest(ctx context.Context, provider string, body []byte, fallbackEventID string) (IngestResult, error) {
	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return IngestResult{}, ErrMalformedPayload
	}
	eventID := payload.ID
	if eventID == "" {
		eventID = fallbackEventID
	}
	if eventID == "" {
		return IngestResult{}, ErrMalformedPayload
	}

	now := i.now().UTC()
	deduped := false

	// Phase 1: record-once.
	inserted, err := i.events.InsertEvent(ctx, models.WebhookEvent{
		Provider:    provider,
		EventID:     eventID,
		EventType:   payload.Type,
		PayloadHash: PayloadHash(body),
		Payload:     json.RawMessage(body),
		Status:      models.EventReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("record event: %w", err)
	}
	if !inserted {
		existing, found, err := i.events.GetEvent(ctx, provider, eventID)
		if err != nil {
			return IngestResult{}, fmt.Errorf("load existing event: %w", err)
		}
		if found && existing.Status == models.EventProcessed {
			return IngestResult{OK: true, Deduped: true, EventID: eventID, Status: existing.Status}, nil
		}
		deduped = true // recorded before, but not yet processed: retry Phase 2
	}

	res, err := i.process(ctx, provider, eventID, payload)
	res.Deduped = deduped
	return res, err
}

// Replay re-invokes Phase 2 for a recorded event without re-admitting it.
func (i *Ingestor) Replay(ctx context.Context, provider, eventID string) (IngestResult, error) {
	ev, found, err := i.events.GetEvent(ctx, provider, eventID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load event: %w", err)
	}
	if !found {
		return IngestResult{}, ErrEventNotFound
	}
	if ev.Status == models.EventProcessed {
		return IngestResult{OK: true, Deduped: true, EventID: eventID, Status: ev.Status}, nil
	}
	var payload eventPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return IngestResult{}, ErrMalformedPayload
	}
	return i.process(ctx, provider, eventID, payload)
}

// process is Phase 2: attempt accounting, resolution, domain mutation.
func (i *Ingestor) process(ctx context.Context, provider, eventID string, payload eventPayload) (IngestResult, error) {
	ev, found, err := i.events.GetEvent(ctx, provider, eventID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load event: %w", err)
	}
	if !found {
		return IngestResult{}, ErrEventNotFound
	}

	now := i.now().UTC()
	ev.AttemptCount++
	ev.LastAttemptAt = &now

	sub, via, err := i.resolve(ctx, payload)
	if err == nil {
		err = i.mutate(ctx, sub.ID, payload)
	}
	if err != nil {
		msg := err.Error()
		ev.Status = models.EventFailed
		ev.Error = &msg
		ev.UpdatedAt = now
		if uerr := i.events.UpdateEvent(ctx, ev); uerr != nil {
			return IngestResult{}, fmt.Errorf("record failure: %w", uerr)
		}
		return IngestResult{EventID: eventID, Status: ev.Status}, fmt.Errorf("process event %s/%s: %w", provider, eventID, err)
	}

	ev.Status = models.EventProcessed
	ev.Error = nil
	ev.ResolvedEntityID = &sub.ID
	ev.ResolvedVia = &via
	ev.UpdatedAt = now
	if err := i.events.UpdateEvent(ctx, ev); err != nil {
		return IngestResult{}, fmt.Errorf("record success: %w", err)
	}
	return IngestResult{OK: true, EventID: eventID, Status: ev.Status, Resolved: via}, nil
}

// resolve walks the ordered fallback chain; first match wins.
func (i *Ingestor) resolve(ctx context.Context, payload eventPayload) (models.Subscription, string, error) {
	if id := payload.Data.SubscriptionID; id != "" {
		sub, found, err := i.subs.FindByProviderSubscriptionID(ctx, id)
		if err != nil {
			return models.Subscription{}, "", fmt.Errorf("lookup by subscription id: %w", err)
		}
		if found {
			return sub, ResolvedBySubscriptionID, nil
		}
	}
	if id := payload.Data.CustomerID; id != "" {
		sub, found, err := i.subs.FindByProviderCustomerID(ctx, id)
		if err != nil {
			return models.Subscription{}, "", fmt.Errorf("lookup by customer id: %w", err)
		}
		if found {
			return sub, ResolvedByCustomerID, nil
		}
	}
	if email := normalizeEmail(payload.Data.Email); email != "" {
		sub, found, err := i.subs.FindByEmail(ctx, email)
		if err != nil {
			return models.Subscription{}, "", fmt.Errorf("lookup by email: %w", err)
		}
		if found {
			return sub, ResolvedByEmail, nil
		}
	}
	return models.Subscription{}, "", fmt.Errorf("no subscription matched the event")
}

func (i *Ingestor) mutate(ctx context.Context, subscriptionID string, payload eventPayload) error {
	upd := SubscriptionUpdate{
		SeatLimit:        payload.Data.SeatLimit,
		CurrentPeriodEnd: payload.Data.CurrentPeriodEnd,
	}
	// Tracking ids are written back so later events resolve on the first hop.
	if v := payload.Data.SubscriptionID; v != "" {
		upd.ProviderSubscriptionID = &v
	}
	if v := payload.Data.CustomerID; v != "" {
		upd.ProviderCustomerID = &v
	}
	if v := payload.Data.Plan; v != "" {
		upd.Plan = &v
	}
	if v := payload.Data.Status; v != "" {
		upd.Status = &v
	}
	if err := i.subs.ApplyEvent(ctx, subscriptionID, upd); err != nil {
		return fmt.Errorf("apply subscription event: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
