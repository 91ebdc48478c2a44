package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent statuses. An event is created once (record-once) and then
// mutated by processing attempts; it is never deleted.
const (
	EventReceived  = "received"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

// WebhookEvent is one externally delivered payment event. (Provider, EventID)
// is unique; the insert conflict on redelivery is the dedup signal.
type WebhookEvent struct {
	Provider         string          `json:"provider"`
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	PayloadHash      string          `json:"payload_hash"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           string          `json:"status"`
	AttemptCount     int             `json:"attempt_count"`
	ResolvedEntityID *string         `json:"resolved_entity_id,omitempty"`
	ResolvedVia      *string         `json:"resolved_via,omitempty"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at,omitempty"`
	Error            *string         `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Subscription is the domain entity mutated by payment webhooks. It is the
// resolution target of the ingest fallback chain.
type Subscription struct {
	ID                     string     `json:"id"`
	Tenant                 string     `json:"tenant"`
	ProviderSubscriptionID *string    `json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     *string    `json:"provider_customer_id,omitempty"`
	Email                  string     `json:"email"`
	Plan                   string     `json:"plan"`
	Status                 string     `json:"status"`
	SeatLimit              int        `json:"seat_limit"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}
