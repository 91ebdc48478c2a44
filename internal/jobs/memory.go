package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"guildgate/internal/models"
)

// MemoryStore is a mutex-guarded Store for tests and local development. It
// mirrors the Postgres backend's semantics exactly, including the partial
// uniqueness on (family, scope key) over active jobs.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[models.Family]map[string]*models.Job
	snapshots map[string]models.SeatSnapshot
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		jobs:      make(map[models.Family]map[string]*models.Job),
		snapshots: make(map[string]models.SeatSnapshot),
	}
	for _, f := range models.Families() {
		m.jobs[f] = make(map[string]*models.Job)
	}
	return m
}

func (m *MemoryStore) family(f models.Family) map[string]*models.Job {
	if _, ok := m.jobs[f]; !ok {
		m.jobs[f] = make(map[string]*models.Job)
	}
	return m.jobs[f]
}

func (m *MemoryStore) GetJob(_ context.Context, family models.Family, id string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.family(family)[id]
	if !ok {
		return models.Job{}, false, nil
	}
	return *j, true, nil
}

func (m *MemoryStore) FindActive(_ context.Context, family models.Family, scopeKey string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.findActiveLocked(family, scopeKey); ok {
		return *j, true, nil
	}
	return models.Job{}, false, nil
}

func (m *MemoryStore) findActiveLocked(family models.Family, scopeKey string) (*models.Job, bool) {
	for _, j := range m.family(family) {
		if j.Scope.Key() == scopeKey && (j.Status == models.StatusPending || j.Status == models.StatusProcessing) {
			return j, true
		}
	}
	return nil, false
}

func (m *MemoryStore) InsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.findActiveLocked(job.Family, job.Scope.Key()); ok {
		return ErrDuplicateActive
	}
	j := job
	m.family(job.Family)[job.ID] = &j
	return nil
}

func (m *MemoryStore) MergeEnqueue(_ context.Context, family models.Family, id, source string, runAfter time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.family(family)[id]
	if !ok || (j.Status != models.StatusPending && j.Status != models.StatusProcessing) {
		return false, nil
	}
	j.Source = source
	if j.Status == models.StatusPending && runAfter.Before(j.RunAfter) {
		j.RunAfter = runAfter
	}
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, family models.Family, limit int, workerID string, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*models.Job, 0)
	for _, j := range m.family(family) {
		if j.Status == models.StatusPending && !j.RunAfter.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAfter.Before(due[b].RunAfter) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.Job, 0, len(due))
	for _, j := range due {
		token := uuid.New().String()
		wid := workerID
		ts := now
		j.Status = models.StatusProcessing
		j.ClaimToken = &token
		j.ClaimWorkerID = &wid
		j.ClaimedAt = &ts
		j.LastAttemptAt = &ts
		j.AttemptCount++
		j.LastError = nil
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (m *MemoryStore) FinishProcessing(_ context.Context, family models.Family, id, claimToken string, upd Finish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.family(family)[id]
	if !ok || j.Status != models.StatusProcessing || j.ClaimToken == nil || *j.ClaimToken != claimToken {
		return false, nil
	}
	j.Status = upd.Status
	j.ClaimToken = nil
	j.ClaimWorkerID = nil
	j.ClaimedAt = nil
	j.LastError = upd.LastError
	if upd.Status == models.StatusPending && upd.RunAfter != nil {
		j.RunAfter = *upd.RunAfter
	}
	j.UpdatedAt = upd.Now
	return true, nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context, family models.Family, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.family(family) {
		if j.Status == models.StatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			j.Status = models.StatusPending
			j.ClaimToken = nil
			j.ClaimWorkerID = nil
			j.ClaimedAt = nil
			j.RunAfter = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListFailed(_ context.Context, family models.Family, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range m.family(family) {
		if j.Status == models.StatusFailed {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) WakeSnapshot(_ context.Context, now time.Time) (models.WakeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := models.WakeState{
		Families:  make(map[models.Family]models.FamilyWake),
		ServerNow: now.UnixMilli(),
	}
	for _, f := range models.Families() {
		var fw models.FamilyWake
		for _, j := range m.family(f) {
			if j.Status != models.StatusPending {
				continue
			}
			fw.PendingTotal++
			if j.RunAfter.After(now) {
				ms := j.RunAfter.UnixMilli()
				if fw.NextRunAfter == nil || ms < *fw.NextRunAfter {
					next := ms
					fw.NextRunAfter = &next
				}
			} else {
				fw.PendingReady++
			}
		}
		state.Families[f] = fw
	}
	return state, nil
}

// UpsertSeatSnapshot implements SnapshotStore.
func (m *MemoryStore) UpsertSeatSnapshot(_ context.Context, snap models.SeatSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Scope.Key()] = snap
	return nil
}

// ListSeatSnapshots implements SnapshotStore.
func (m *MemoryStore) ListSeatSnapshots(_ context.Context, tenant string, limit int) ([]models.SeatSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SeatSnapshot, 0)
	for _, s := range m.snapshots {
		if tenant == "" || s.Scope.Tenant == tenant {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CheckedAt.After(out[b].CheckedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
