package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"guildgate/internal/jobs"
)

// Publisher pushes the aggregate queue state onto the wake channel. The api
// process publishes after every state-changing mutation and on a timer, so
// subscribers converge even when an individual publish is lost.
type Publisher struct {
	store   jobs.Store
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewPublisher builds a Publisher. now defaults to time.Now when nil.
func NewPublisher(store jobs.Store, client *redis.Client, channel string, now func() time.Time) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if now == nil {
		now = time.Now
	}
	return &Publisher{store: store, client: client, channel: channel, now: now}
}

// Publish snapshots the queue state and pushes it to the channel.
func (p *Publisher) Publish(ctx context.Context) error {
	state, err := p.store.WakeSnapshot(ctx, p.now().UTC())
	if err != nil {
		return fmt.Errorf("wake snapshot: %w", err)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal wake state: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish wake state: %w", err)
	}
	return nil
}

// Run publishes on a fixed interval until the context is cancelled.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Publish(ctx)
		}
	}
}
