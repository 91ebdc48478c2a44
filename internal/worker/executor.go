// Package worker drives the poll loop: wake-scheduler-timed ticks that claim
// batches over the job RPC, execute them sequentially, and report outcomes.
package worker

import (
	"context"
	"fmt"
	"strconv"

	"guildgate/internal/jobs"
	"guildgate/internal/models"
)

// Executor performs the external side effect for one job family.
type Executor interface {
	Execute(ctx context.Context, job models.ClaimedJob) jobs.Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job models.ClaimedJob) jobs.Result

func (f ExecutorFunc) Execute(ctx context.Context, job models.ClaimedJob) jobs.Result {
	return f(ctx, job)
}

// Conduit is a live session against a tenant's connector. Concrete conduits
// implement whichever capability interfaces their platform supports; the
// narrowing constructors below are the typed contract executors rely on.
type Conduit interface {
	Kind() string
}

// RoleManager grants and revokes role membership.
type RoleManager interface {
	Conduit
	GrantRole(ctx context.Context, guild, user, role string) error
	RevokeRole(ctx context.Context, guild, user, role string) error
}

// MemberCounter counts occupied seats in a guild.
type MemberCounter interface {
	Conduit
	CountMembers(ctx context.Context, guild string) (int, error)
}

// MessagePoster posts a message into a channel.
type MessagePoster interface {
	Conduit
	PostMessage(ctx context.Context, channel, content string) error
}

// AsRoleManager narrows a conduit to the role capability.
func AsRoleManager(c Conduit) (RoleManager, bool) {
	m, ok := c.(RoleManager)
	return m, ok
}

// AsMemberCounter narrows a conduit to the seat-counting capability.
func AsMemberCounter(c Conduit) (MemberCounter, bool) {
	m, ok := c.(MemberCounter)
	return m, ok
}

// AsMessagePoster narrows a conduit to the posting capability.
func AsMessagePoster(c Conduit) (MessagePoster, bool) {
	p, ok := c.(MessagePoster)
	return p, ok
}

// Dialer opens a conduit from a connector's execution context.
type Dialer interface {
	Dial(ctx context.Context, cfg *models.ConnectorConfig) (Conduit, error)
}

func dial(ctx context.Context, d Dialer, job models.ClaimedJob) (Conduit, error) {
	if job.Context == nil {
		return nil, fmt.Errorf("connector %s/%s is not configured", job.Scope.Tenant, job.Scope.Connector)
	}
	if job.Context.Disabled {
		return nil, fmt.Errorf("connector %s/%s is disabled", job.Scope.Tenant, job.Scope.Connector)
	}
	return d.Dial(ctx, job.Context)
}

func failure(err error) jobs.Result {
	return jobs.Result{Success: false, Error: err.Error()}
}

// RoleSyncExecutor applies a grant or revoke to the target role membership.
type RoleSyncExecutor struct {
	Dialer Dialer
}

func (e *RoleSyncExecutor) Execute(ctx context.Context, job models.ClaimedJob) jobs.Result {
	conduit, err := dial(ctx, e.Dialer, job)
	if err != nil {
		return failure(err)
	}
	mgr, ok := AsRoleManager(conduit)
	if !ok {
		return failure(fmt.Errorf("connector kind %q does not support role management", conduit.Kind()))
	}
	switch job.Scope.Action {
	case "grant":
		err = mgr.GrantRole(ctx, job.Scope.Guild, job.Scope.User, job.Scope.Role)
	case "revoke":
		err = mgr.RevokeRole(ctx, job.Scope.Guild, job.Scope.User, job.Scope.Role)
	default:
		err = fmt.Errorf("unknown role action %q", job.Scope.Action)
	}
	if err != nil {
		return failure(err)
	}
	return jobs.Result{Success: true}
}

// SeatAuditExecutor measures occupied seats against the subscription limit.
// The limit is carried in the connector settings under "seat_limit".
type SeatAuditExecutor struct {
	Dialer Dialer
	Limits SeatLimitSource
}

// SeatLimitSource resolves the seat limit applicable to a scope.
type SeatLimitSource interface {
	SeatLimit(ctx context.Context, tenant string) (int, error)
}

func (e *SeatAuditExecutor) Execute(ctx context.Context, job models.ClaimedJob) jobs.Result {
	conduit, err := dial(ctx, e.Dialer, job)
	if err != nil {
		return failure(err)
	}
	counter, ok := AsMemberCounter(conduit)
	if !ok {
		return failure(fmt.Errorf("connector kind %q does not support member counting", conduit.Kind()))
	}
	measured, err := counter.CountMembers(ctx, job.Scope.Guild)
	if err != nil {
		return failure(err)
	}
	limit := 0
	if e.Limits != nil {
		limit, err = e.Limits.SeatLimit(ctx, job.Scope.Tenant)
		if err != nil {
			return failure(fmt.Errorf("resolve seat limit: %w", err))
		}
	} else if v, ok := job.Context.Settings["seat_limit"]; ok {
		limit, _ = strconv.Atoi(v)
	}
	return jobs.Result{Success: true, MeasuredSeats: &measured, SeatLimit: &limit}
}

// SignalMirrorExecutor reposts a message into the mirrored channel. The
// message body rides in the connector settings keyed by channel; the real
// payload comes from the mirror source configured per connector.
type SignalMirrorExecutor struct {
	Dialer Dialer
	Source MirrorSource
}

// MirrorSource yields the content waiting to be mirrored for a scope.
type MirrorSource interface {
	NextContent(ctx context.Context, scope models.Scope) (string, bool, error)
}

func (e *SignalMirrorExecutor) Execute(ctx context.Context, job models.ClaimedJob) jobs.Result {
	conduit, err := dial(ctx, e.Dialer, job)
	if err != nil {
		return failure(err)
	}
	poster, ok := AsMessagePoster(conduit)
	if !ok {
		return failure(fmt.Errorf("connector kind %q does not support message posting", conduit.Kind()))
	}
	var (
		content string
		found   bool
	)
	if e.Source != nil {
		content, found, err = e.Source.NextContent(ctx, job.Scope)
		if err != nil {
			return failure(err)
		}
	} else {
		content, found = job.Context.Settings["mirror:"+job.Scope.Channel]
	}
	if !found {
		// Nothing waiting; the mirror request is satisfied.
		return jobs.Result{Success: true}
	}
	if err := poster.PostMessage(ctx, job.Scope.Channel, content); err != nil {
		return failure(err)
	}
	return jobs.Result{Success: true}
}
