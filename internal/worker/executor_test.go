package worker

import (
	"context"
	"strings"
	"testing"

	"guildgate/internal/models"
)

type fakeConduit struct {
	kind    string
	grants  []string
	revokes []string
	posts   []string
	members int
}

func (c *fakeConduit) Kind() string { return c.kind }

func (c *fakeConduit) GrantRole(_ context.Context, guild, user, role string) error {
	c.grants = append(c.grants, guild+"/"+user+"/"+role)
	return nil
}

func (c *fakeConduit) RevokeRole(_ context.Context, guild, user, role string) error {
	c.revokes = append(c.revokes, guild+"/"+user+"/"+role)
	return nil
}

func (c *fakeConduit) CountMembers(_ context.Context, _ string) (int, error) {
	return c.members, nil
}

func (c *fakeConduit) PostMessage(_ context.Context, channel, content string) error {
	c.posts = append(c.posts, channel+": "+content)
	return nil
}

// bareConduit supports no capabilities at all.
type bareConduit struct{}

func (bareConduit) Kind() string { return "bare" }

type fakeDialer struct{ conduit Conduit }

func (d fakeDialer) Dial(_ context.Context, _ *models.ConnectorConfig) (Conduit, error) {
	return d.conduit, nil
}

func claimedJob(family models.Family, scope models.Scope, settings map[string]string) models.ClaimedJob {
	return models.ClaimedJob{
		Job: models.Job{Family: family, Scope: scope},
		Context: &models.ConnectorConfig{
			ID: scope.Connector, Tenant: scope.Tenant, Kind: "discord", Settings: settings,
		},
	}
}

func TestRoleSyncExecutorGrantAndRevoke(t *testing.T) {
	conduit := &fakeConduit{kind: "discord"}
	exec := &RoleSyncExecutor{Dialer: fakeDialer{conduit}}
	scope := models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1", Role: "r1", User: "u1", Action: "grant"}

	if res := exec.Execute(context.Background(), claimedJob(models.FamilyRoleSync, scope, nil)); !res.Success {
		t.Fatalf("grant failed: %s", res.Error)
	}
	scope.Action = "revoke"
	if res := exec.Execute(context.Background(), claimedJob(models.FamilyRoleSync, scope, nil)); !res.Success {
		t.Fatalf("revoke failed: %s", res.Error)
	}
	if len(conduit.grants) != 1 || conduit.grants[0] != "g1/u1/r1" {
		t.Fatalf("grants = %v", conduit.grants)
	}
	if len(conduit.revokes) != 1 {
		t.Fatalf("revokes = %v", conduit.revokes)
	}
}

func TestExecutorRejectsMissingCapability(t *testing.T) {
	exec := &RoleSyncExecutor{Dialer: fakeDialer{bareConduit{}}}
	scope := models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1", Role: "r1", User: "u1", Action: "grant"}

	res := exec.Execute(context.Background(), claimedJob(models.FamilyRoleSync, scope, nil))
	if res.Success || !strings.Contains(res.Error, "does not support role management") {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecutorRejectsUnconfiguredConnector(t *testing.T) {
	exec := &RoleSyncExecutor{Dialer: fakeDialer{&fakeConduit{kind: "discord"}}}
	scope := models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1", Role: "r1", User: "u1", Action: "grant"}

	job := models.ClaimedJob{Job: models.Job{Family: models.FamilyRoleSync, Scope: scope}}
	if res := exec.Execute(context.Background(), job); res.Success || !strings.Contains(res.Error, "not configured") {
		t.Fatalf("result = %+v", res)
	}

	job = claimedJob(models.FamilyRoleSync, scope, nil)
	job.Context.Disabled = true
	if res := exec.Execute(context.Background(), job); res.Success || !strings.Contains(res.Error, "disabled") {
		t.Fatalf("result = %+v", res)
	}
}

func TestSeatAuditExecutorMeasuresAgainstSettingsLimit(t *testing.T) {
	conduit := &fakeConduit{kind: "discord", members: 27}
	exec := &SeatAuditExecutor{Dialer: fakeDialer{conduit}}
	scope := models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1"}

	res := exec.Execute(context.Background(), claimedJob(models.FamilySeatAudit, scope, map[string]string{"seat_limit": "25"}))
	if !res.Success {
		t.Fatalf("audit failed: %s", res.Error)
	}
	if res.MeasuredSeats == nil || *res.MeasuredSeats != 27 {
		t.Fatalf("measured = %v", res.MeasuredSeats)
	}
	if res.SeatLimit == nil || *res.SeatLimit != 25 {
		t.Fatalf("limit = %v", res.SeatLimit)
	}
}

func TestSignalMirrorExecutorPostsSettingsContent(t *testing.T) {
	conduit := &fakeConduit{kind: "discord"}
	exec := &SignalMirrorExecutor{Dialer: fakeDialer{conduit}}
	scope := models.Scope{Tenant: "t1", Connector: "c1", Guild: "g1", Channel: "ch1"}

	res := exec.Execute(context.Background(), claimedJob(models.FamilySignalMirror, scope, map[string]string{"mirror:ch1": "hello"}))
	if !res.Success {
		t.Fatalf("mirror failed: %s", res.Error)
	}
	if len(conduit.posts) != 1 || conduit.posts[0] != "ch1: hello" {
		t.Fatalf("posts = %v", conduit.posts)
	}

	// Nothing waiting for this channel: success without a post.
	res = exec.Execute(context.Background(), claimedJob(models.FamilySignalMirror, scope, nil))
	if !res.Success || len(conduit.posts) != 1 {
		t.Fatalf("empty mirror = %+v posts = %v", res, conduit.posts)
	}
}
