package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"guildgate/internal/models"
)

const defaultDiscordAPI = "https://discord.com/api/v10"

// DiscordDialer opens bot sessions against the Discord REST API. Tokens are
// resolved through TokenLookup from the connector's credential ref; the
// default lookup reads DISCORD_TOKEN_<REF> from the environment.
type DiscordDialer struct {
	BaseURL     string
	HTTP        *http.Client
	TokenLookup func(credentialRef string) (string, error)
}

func NewDiscordDialer() *DiscordDialer {
	return &DiscordDialer{
		BaseURL: defaultDiscordAPI,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		TokenLookup: func(ref string) (string, error) {
			key := "DISCORD_TOKEN_" + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
			if token := os.Getenv(key); token != "" {
				return token, nil
			}
			return "", fmt.Errorf("no token under %s", key)
		},
	}
}

func (d *DiscordDialer) Dial(_ context.Context, cfg *models.ConnectorConfig) (Conduit, error) {
	if cfg.Kind != "discord" {
		return nil, fmt.Errorf("dialer only handles discord connectors, got %q", cfg.Kind)
	}
	token, err := d.TokenLookup(cfg.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", cfg.ID, err)
	}
	return &discordConduit{base: d.BaseURL, token: token, http: d.HTTP}, nil
}

// discordConduit implements every capability the platform supports.
type discordConduit struct {
	base  string
	token string
	http  *http.Client
}

func (c *discordConduit) Kind() string { return "discord" }

func (c *discordConduit) GrantRole(ctx context.Context, guild, user, role string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guild, user, role)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *discordConduit) RevokeRole(ctx context.Context, guild, user, role string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guild, user, role)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *discordConduit) CountMembers(ctx context.Context, guild string) (int, error) {
	var out struct {
		ApproximateMemberCount int `json:"approximate_member_count"`
	}
	if err := c.do(ctx, http.MethodGet, "/guilds/"+guild+"?with_counts=true", nil, &out); err != nil {
		return 0, err
	}
	return out.ApproximateMemberCount, nil
}

func (c *discordConduit) PostMessage(ctx context.Context, channel, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPost, "/channels/"+channel+"/messages", body, nil)
}

func (c *discordConduit) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
