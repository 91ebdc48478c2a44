package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"guildgate/internal/models"
)

// MaxClaimLimit bounds one claim batch.
const MaxClaimLimit = 20

// Claimer leases batches of due jobs to a worker identity and enriches them
// with execution context.
type Claimer struct {
	store    Store
	contexts ContextLoader
	now      func() time.Time
}

// NewClaimer builds a Claimer. contexts may be nil, in which case claimed jobs
// carry no execution context. now defaults to time.Now when nil.
func NewClaimer(store Store, contexts ContextLoader, now func() time.Time) *Claimer {
	if now == nil {
		now = time.Now
	}
	return &Claimer{store: store, contexts: contexts, now: now}
}

// Claim atomically leases up to limit due jobs for workerID, oldest due first.
// Context enrichment is read-only and happens after the lease is taken, so a
// loader failure never loses a claim; it is logged and the job is returned
// with a nil Context, same as an unknown connector.
func (c *Claimer) Claim(ctx context.Context, family models.Family, limit int, workerID string) ([]models.ClaimedJob, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("%w: unknown job family %q", ErrInvalidRequest, family)
	}
	if limit < 1 || limit > MaxClaimLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d, got %d", ErrInvalidRequest, MaxClaimLimit, limit)
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidRequest)
	}

	claimed, err := c.store.ClaimDue(ctx, family, limit, workerID, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	out := make([]models.ClaimedJob, 0, len(claimed))
	for _, job := range claimed {
		cj := models.ClaimedJob{Job: job}
		if c.contexts != nil {
			cfg, err := c.contexts.ConnectorConfig(ctx, job.Scope.Tenant, job.Scope.Connector)
			if err != nil {
				log.Printf("load connector config %s/%s for job %s: %v", job.Scope.Tenant, job.Scope.Connector, job.ID, err)
			} else {
				cj.Context = cfg
			}
		}
		out = append(out, cj)
	}
	return out, nil
}
