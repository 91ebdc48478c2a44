package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"guildgate/internal/models"
)

func discordTestDialer(t *testing.T, handler http.HandlerFunc) *DiscordDialer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	d := NewDiscordDialer()
	d.BaseURL = srv.URL
	d.TokenLookup = func(string) (string, error) { return "bot-token", nil }
	return d
}

func dialDiscord(t *testing.T, d *DiscordDialer) Conduit {
	t.Helper()
	conduit, err := d.Dial(context.Background(), &models.ConnectorConfig{ID: "c1", Kind: "discord", CredentialRef: "main"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conduit
}

func TestDiscordGrantRole(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	d := discordTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})

	mgr, ok := AsRoleManager(dialDiscord(t, d))
	if !ok {
		t.Fatalf("discord conduit lacks role management")
	}
	if err := mgr.GrantRole(context.Background(), "g1", "u1", "r1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/guilds/g1/members/u1/roles/r1" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bot bot-token" {
		t.Fatalf("auth = %q", gotAuth)
	}
}

func TestDiscordCountMembers(t *testing.T) {
	d := discordTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("with_counts") != "true" {
			t.Errorf("with_counts missing from %s", r.URL)
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"approximate_member_count": 42})
	})

	counter, ok := AsMemberCounter(dialDiscord(t, d))
	if !ok {
		t.Fatalf("discord conduit lacks member counting")
	}
	n, err := counter.CountMembers(context.Background(), "g1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 42 {
		t.Fatalf("count = %d, want 42", n)
	}
}

func TestDiscordPostMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	d := discordTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	poster, ok := AsMessagePoster(dialDiscord(t, d))
	if !ok {
		t.Fatalf("discord conduit lacks message posting")
	}
	if err := poster.PostMessage(context.Background(), "ch1", "hello"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if gotPath != "/channels/ch1/messages" || gotBody["content"] != "hello" {
		t.Fatalf("request = %s %v", gotPath, gotBody)
	}
}

func TestDiscordSurfacesAPIErrors(t *testing.T) {
	d := discordTestDialer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Missing Permissions"}`, http.StatusForbidden)
	})

	mgr, _ := AsRoleManager(dialDiscord(t, d))
	err := mgr.GrantRole(context.Background(), "g1", "u1", "r1")
	if err == nil {
		t.Fatalf("want error on 403")
	}
}

func TestDiscordRejectsWrongConnectorKind(t *testing.T) {
	d := NewDiscordDialer()
	if _, err := d.Dial(context.Background(), &models.ConnectorConfig{Kind: "slack"}); err == nil {
		t.Fatalf("want error for non-discord connector")
	}
}
