package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Family identifies one of the independent job queues. All families share the
// same lifecycle shape; they differ in scope fields, retry budget, and executor.
type Family string

const (
	FamilyRoleSync     Family = "role_sync"
	FamilySeatAudit    Family = "seat_audit"
	FamilySignalMirror Family = "signal_mirror"
)

// Families returns all known job families in a stable order.
func Families() []Family {
	return []Family{FamilyRoleSync, FamilySeatAudit, FamilySignalMirror}
}

// Valid reports whether f names a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyRoleSync, FamilySeatAudit, FamilySignalMirror:
		return true
	}
	return false
}

// FamilyDefaults carries the per-family retry budget and backoff parameters.
type FamilyDefaults struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

var familyDefaults = map[Family]FamilyDefaults{
	FamilyRoleSync:     {MaxAttempts: 5, BackoffBase: 5 * time.Second, BackoffCap: 15 * time.Minute},
	FamilySeatAudit:    {MaxAttempts: 3, BackoffBase: 10 * time.Second, BackoffCap: 15 * time.Minute},
	FamilySignalMirror: {MaxAttempts: 8, BackoffBase: 5 * time.Second, BackoffCap: 5 * time.Minute},
}

// Defaults returns the retry/backoff parameters for the family.
func (f Family) Defaults() FamilyDefaults {
	if d, ok := familyDefaults[f]; ok {
		return d
	}
	return FamilyDefaults{MaxAttempts: 5, BackoffBase: 5 * time.Second, BackoffCap: 15 * time.Minute}
}

// Scope identifies a job's logical target. It doubles as the dedup key: at
// most one pending-or-processing job exists per (family, scope key).
// Role/User/Action are role_sync fields; Channel belongs to signal_mirror.
type Scope struct {
	Tenant    string `json:"tenant"`
	Connector string `json:"connector"`
	Guild     string `json:"guild"`
	Role      string `json:"role,omitempty"`
	User      string `json:"user,omitempty"`
	Action    string `json:"action,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// Key returns the canonical dedup key for the scope. Every field participates,
// empty ones included, so the key is stable regardless of family.
func (s Scope) Key() string {
	return strings.Join([]string{s.Tenant, s.Connector, s.Guild, s.Role, s.User, s.Action, s.Channel}, "|")
}

// Validate checks the scope carries the fields its family requires.
func (s Scope) Validate(f Family) error {
	if s.Tenant == "" || s.Connector == "" || s.Guild == "" {
		return fmt.Errorf("scope requires tenant, connector and guild")
	}
	switch f {
	case FamilyRoleSync:
		if s.Role == "" || s.User == "" || s.Action == "" {
			return fmt.Errorf("role_sync scope requires role, user and action")
		}
		if s.Action != "grant" && s.Action != "revoke" {
			return fmt.Errorf("role_sync action must be grant or revoke, got %q", s.Action)
		}
	case FamilySignalMirror:
		if s.Channel == "" {
			return fmt.Errorf("signal_mirror scope requires channel")
		}
	}
	return nil
}

// Job represents one unit of background work persisted in Postgres.
// ClaimToken is non-nil exactly when Status is processing.
type Job struct {
	ID            string     `json:"id"`
	Family        Family     `json:"family"`
	Scope         Scope      `json:"scope"`
	Status        string     `json:"status"`
	ClaimToken    *string    `json:"claim_token,omitempty"`
	ClaimWorkerID *string    `json:"claim_worker_id,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	RunAfter      time.Time  `json:"run_after"`
	Source        string     `json:"source"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ConnectorConfig is the execution context denormalized onto a claimed job.
// It is read-only for workers; a lease stays valid even if the connector row
// changes mid-flight.
type ConnectorConfig struct {
	ID            string            `json:"id"`
	Tenant        string            `json:"tenant"`
	Kind          string            `json:"kind"`
	CredentialRef string            `json:"credential_ref"`
	Settings      map[string]string `json:"settings,omitempty"`
	Disabled      bool              `json:"disabled"`
}

// ClaimedJob is a leased job plus its execution context. Context is nil when
// the target connector is missing or misconfigured; the worker decides how to
// report that.
type ClaimedJob struct {
	Job
	Context *ConnectorConfig `json:"context,omitempty"`
}
