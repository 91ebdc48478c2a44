package wake

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"guildgate/internal/models"
)

// DefaultChannel is the pub/sub channel carrying WakeState aggregates.
const DefaultChannel = "wake:state"

type feedUpdate struct {
	state   *models.WakeState
	healthy *bool
}

// Feed consumes the live WakeState channel plus a connectivity probe and
// merges both into one guarded value. The two source goroutines are
// independently cancellable; Close tears both down and is idempotent.
type Feed struct {
	mu      sync.Mutex
	state   *models.WakeState
	healthy bool

	updates    chan feedUpdate
	quit       chan struct{}
	cancelData context.CancelFunc
	cancelPing context.CancelFunc
	closeOnce  sync.Once
}

// Subscribe starts the feed against the given Redis client. pingInterval
// bounds how quickly a dead connection is noticed.
func Subscribe(ctx context.Context, client *redis.Client, channel string, pingInterval time.Duration) *Feed {
	if channel == "" {
		channel = DefaultChannel
	}
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}

	f := &Feed{
		updates: make(chan feedUpdate, 16),
		quit:    make(chan struct{}),
	}

	dataCtx, cancelData := context.WithCancel(ctx)
	pingCtx, cancelPing := context.WithCancel(ctx)
	f.cancelData = cancelData
	f.cancelPing = cancelPing

	go f.dispatch()
	go f.consumeData(dataCtx, client, channel)
	go f.probe(pingCtx, client, pingInterval)
	return f
}

// dispatch is the single writer of the merged value.
func (f *Feed) dispatch() {
	for {
		select {
		case <-f.quit:
			return
		case u := <-f.updates:
			f.mu.Lock()
			if u.state != nil {
				f.state = u.state
			}
			if u.healthy != nil {
				f.healthy = *u.healthy
			}
			f.mu.Unlock()
		}
	}
}

func (f *Feed) consumeData(ctx context.Context, client *redis.Client, channel string) {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var state models.WakeState
			if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
				continue
			}
			healthy := true
			f.push(feedUpdate{state: &state, healthy: &healthy})
		}
	}
}

func (f *Feed) probe(ctx context.Context, client *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := client.Ping(ctx).Err() == nil
			f.push(feedUpdate{healthy: &healthy})
		}
	}
}

func (f *Feed) push(u feedUpdate) {
	select {
	case f.updates <- u:
	case <-f.quit:
	}
}

// Latest returns the most recent WakeState (nil before the first message) and
// whether the transport currently looks healthy.
func (f *Feed) Latest() (*models.WakeState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.healthy
}

// Close cancels both subscriptions and stops the dispatcher. Safe to call
// more than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.cancelData()
		f.cancelPing()
		close(f.quit)
	})
}
