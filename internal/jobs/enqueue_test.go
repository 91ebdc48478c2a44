package jobs

import (
	"context"
	"testing"
	"time"

	"guildgate/internal/models"
)

func roleScope() models.Scope {
	return models.Scope{
		Tenant:    "t1",
		Connector: "c1",
		Guild:     "g1",
		Role:      "r1",
		User:      "u1",
		Action:    "grant",
	}
}

func auditScope() models.Scope {
	return models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1"}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEnqueueInsertsThenDedups(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	first, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: roleScope(), Source: "admin_manual_refresh"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Deduped {
		t.Fatalf("first enqueue unexpectedly deduped")
	}

	second, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: roleScope(), Source: "scheduled_sweep"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !second.Deduped || second.JobID != first.JobID {
		t.Fatalf("expected dedup onto %s, got %+v", first.JobID, second)
	}

	job, found, _ := store.GetJob(ctx, models.FamilyRoleSync, first.JobID)
	if !found {
		t.Fatalf("job disappeared")
	}
	if job.Source != "scheduled_sweep" {
		t.Fatalf("source not updated on dedup: %q", job.Source)
	}
}

func TestEnqueueShrinksRunAfterOnDedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	later := base.Add(time.Hour)
	first, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilySeatAudit, Scope: auditScope(), Source: "auto_snapshot_recheck", RunAfter: &later})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sooner := base.Add(time.Minute)
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilySeatAudit, Scope: auditScope(), Source: "admin_manual_refresh", RunAfter: &sooner}); err != nil {
		t.Fatalf("dedup enqueue: %v", err)
	}

	job, _, _ := store.GetJob(ctx, models.FamilySeatAudit, first.JobID)
	if !job.RunAfter.Equal(sooner) {
		t.Fatalf("run_after = %v, want shrunk to %v", job.RunAfter, sooner)
	}

	// A later request must never postpone the job.
	evenLater := base.Add(2 * time.Hour)
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilySeatAudit, Scope: auditScope(), Source: "config_change", RunAfter: &evenLater}); err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	job, _, _ = store.GetJob(ctx, models.FamilySeatAudit, first.JobID)
	if !job.RunAfter.Equal(sooner) {
		t.Fatalf("run_after = %v, postponed past %v", job.RunAfter, sooner)
	}
}

func TestEnqueueDedupsAgainstProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	first, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: roleScope(), Source: "webhook"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(ctx, models.FamilyRoleSync, 1, "w1", base); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: roleScope(), Source: "retry_request"})
	if err != nil {
		t.Fatalf("enqueue against processing: %v", err)
	}
	if !res.Deduped || res.JobID != first.JobID {
		t.Fatalf("expected dedup onto processing job, got %+v", res)
	}

	job, _, _ := store.GetJob(ctx, models.FamilyRoleSync, first.JobID)
	if job.Status != models.StatusProcessing {
		t.Fatalf("dedup changed status to %q", job.Status)
	}
}

func TestEnqueueValidatesInput(t *testing.T) {
	ctx := context.Background()
	enq := NewEnqueuer(NewMemoryStore(), nil)

	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: "mystery", Scope: roleScope(), Source: "x"}); err == nil {
		t.Fatalf("expected error for unknown family")
	}
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: auditScope(), Source: "x"}); err == nil {
		t.Fatalf("expected error for role_sync scope missing role/user/action")
	}
	bad := roleScope()
	bad.Action = "promote"
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: bad, Source: "x"}); err == nil {
		t.Fatalf("expected error for invalid action")
	}
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilySeatAudit, Scope: auditScope()}); err == nil {
		t.Fatalf("expected error for missing source")
	}
}
