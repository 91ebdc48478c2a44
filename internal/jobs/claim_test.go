package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guildgate/internal/models"
)

type mapContextLoader struct {
	configs map[string]*models.ConnectorConfig
}

func (l *mapContextLoader) ConnectorConfig(_ context.Context, tenant, connector string) (*models.ConnectorConfig, error) {
	return l.configs[tenant+"/"+connector], nil
}

func TestClaimLeasesDueJobsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	older := base.Add(-time.Hour)
	newer := base.Add(-time.Minute)
	future := base.Add(time.Hour)

	s1 := roleScope()
	s2 := roleScope()
	s2.User = "u2"
	s3 := roleScope()
	s3.User = "u3"

	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: s2, Source: "a", RunAfter: &newer}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: s1, Source: "a", RunAfter: &older}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: s3, Source: "a", RunAfter: &future}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimer := NewClaimer(store, nil, fixedClock(base))
	claimed, err := claimer.Claim(ctx, models.FamilyRoleSync, 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2 (future job must stay pending)", len(claimed))
	}
	if claimed[0].Scope.User != "u1" || claimed[1].Scope.User != "u2" {
		t.Fatalf("claim order wrong: %s then %s", claimed[0].Scope.User, claimed[1].Scope.User)
	}
	for _, cj := range claimed {
		if cj.Status != models.StatusProcessing {
			t.Fatalf("claimed job status = %q", cj.Status)
		}
		if cj.ClaimToken == nil || *cj.ClaimToken == "" {
			t.Fatalf("claimed job missing claim token")
		}
		if cj.AttemptCount != 1 {
			t.Fatalf("attempt count = %d, want 1", cj.AttemptCount)
		}
		if cj.ClaimWorkerID == nil || *cj.ClaimWorkerID != "w1" {
			t.Fatalf("claim worker id not set")
		}
	}
}

func TestClaimExclusivityUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	const jobCount = 40
	for i := 0; i < jobCount; i++ {
		s := roleScope()
		s.User = "user-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: s, Source: "sweep"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	claimer := NewClaimer(store, nil, fixedClock(base.Add(time.Second)))

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				claimed, err := claimer.Claim(ctx, models.FamilyRoleSync, 5, "w")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, cj := range claimed {
					seen[cj.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobCount)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimEnrichesExecutionContext(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	known := roleScope()
	unknown := roleScope()
	unknown.Connector = "ghost"
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: known, Source: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: unknown, Source: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loader := &mapContextLoader{configs: map[string]*models.ConnectorConfig{
		"t1/c1": {ID: "c1", Tenant: "t1", Kind: "discord", CredentialRef: "vault:bot-1"},
	}}
	claimer := NewClaimer(store, loader, fixedClock(base))

	claimed, err := claimer.Claim(ctx, models.FamilyRoleSync, 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2 (context-less jobs still returned)", len(claimed))
	}
	byConnector := make(map[string]models.ClaimedJob)
	for _, cj := range claimed {
		byConnector[cj.Scope.Connector] = cj
	}
	if byConnector["c1"].Context == nil || byConnector["c1"].Context.CredentialRef != "vault:bot-1" {
		t.Fatalf("known connector missing context: %+v", byConnector["c1"].Context)
	}
	if byConnector["ghost"].Context != nil {
		t.Fatalf("unknown connector unexpectedly got context")
	}
}

type failingContextLoader struct{ calls int }

func (l *failingContextLoader) ConnectorConfig(context.Context, string, string) (*models.ConnectorConfig, error) {
	l.calls++
	return nil, errors.New("connector store unavailable")
}

func TestClaimSurvivesContextLoaderFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enq := NewEnqueuer(store, fixedClock(base))

	if _, err := enq.Enqueue(ctx, EnqueueRequest{Family: models.FamilyRoleSync, Scope: roleScope(), Source: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loader := &failingContextLoader{}
	claimer := NewClaimer(store, loader, fixedClock(base))

	claimed, err := claimer.Claim(ctx, models.FamilyRoleSync, 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1 (loader failure must not lose the lease)", len(claimed))
	}
	if claimed[0].Context != nil {
		t.Fatalf("unexpected context from failing loader: %+v", claimed[0].Context)
	}
	if loader.calls != 1 {
		t.Fatalf("loader called %d times, want 1", loader.calls)
	}
	if claimed[0].Status != models.StatusProcessing {
		t.Fatalf("job status %q, want processing", claimed[0].Status)
	}
}

func TestClaimRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	claimer := NewClaimer(NewMemoryStore(), nil, nil)

	if _, err := claimer.Claim(ctx, models.FamilyRoleSync, 0, "w1"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("limit 0: got %v, want ErrInvalidRequest", err)
	}
	if _, err := claimer.Claim(ctx, models.FamilyRoleSync, MaxClaimLimit+1, "w1"); err == nil {
		t.Fatalf("expected error for limit over bound")
	}
	if _, err := claimer.Claim(ctx, models.FamilyRoleSync, 1, ""); err == nil {
		t.Fatalf("expected error for empty worker id")
	}
	if _, err := claimer.Claim(ctx, "mystery", 1, "w1"); err == nil {
		t.Fatalf("expected error for unknown family")
	}
}
