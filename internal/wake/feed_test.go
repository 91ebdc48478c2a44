package wake

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"guildgate/internal/jobs"
	"guildgate/internal/models"
)

func TestFeedReceivesPublishedState(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	feed := Subscribe(ctx, client, "wake:test", time.Second)
	defer feed.Close()

	// Let the subscription attach before publishing.
	time.Sleep(50 * time.Millisecond)

	store := jobs.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := jobs.NewEnqueuer(store, func() time.Time { return base })
	if _, err := enq.Enqueue(ctx, jobs.EnqueueRequest{
		Family: models.FamilySeatAudit,
		Scope:  models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1"},
		Source: "sweep",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pub := NewPublisher(store, client, "wake:test", func() time.Time { return base })
	if err := pub.Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		state, healthy := feed.Latest()
		if state != nil {
			if !healthy {
				t.Fatalf("feed received data but reports unhealthy")
			}
			if state.ServerNow != base.UnixMilli() {
				t.Fatalf("server_now = %d, want %d", state.ServerNow, base.UnixMilli())
			}
			if fw := state.Families[models.FamilySeatAudit]; fw.PendingReady != 1 || fw.PendingTotal != 1 {
				t.Fatalf("seat_audit wake = %+v, want 1 ready of 1", fw)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("feed never received the published state")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	feed := Subscribe(context.Background(), client, "wake:test", time.Second)
	feed.Close()
	feed.Close() // must not panic or block

	if state, _ := feed.Latest(); state != nil {
		t.Fatalf("unexpected state after close: %+v", state)
	}
}
