// Package rpc carries the claim/complete wire types shared by the API server
// and the worker, plus the worker-side HTTP client.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"guildgate/internal/jobs"
	"guildgate/internal/models"
)

// ClaimRequest leases a batch of due jobs for one worker.
type ClaimRequest struct {
	Family   models.Family `json:"family"`
	Limit    int           `json:"limit"`
	WorkerID string        `json:"workerId"`
}

type ClaimResponse struct {
	Jobs []models.ClaimedJob `json:"jobs"`
}

// CompleteRequest reports the outcome of one claimed job.
type CompleteRequest struct {
	Family     models.Family `json:"family"`
	JobID      string        `json:"jobId"`
	ClaimToken string        `json:"claimToken"`
	Result     jobs.Result   `json:"result"`
}

// CompleteResponse mirrors jobs.Outcome on the wire.
type CompleteResponse = jobs.Outcome

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the API server's internal job endpoints. It implements
// worker.JobClient.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Claim(ctx context.Context, family models.Family, limit int, workerID string) ([]models.ClaimedJob, error) {
	var resp ClaimResponse
	err := c.post(ctx, "/internal/jobs/claim", ClaimRequest{Family: family, Limit: limit, WorkerID: workerID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) Complete(ctx context.Context, family models.Family, jobID, claimToken string, res jobs.Result) (jobs.Outcome, error) {
	var resp CompleteResponse
	err := c.post(ctx, "/internal/jobs/complete", CompleteRequest{
		Family:     family,
		JobID:      jobID,
		ClaimToken: claimToken,
		Result:     res,
	}, &resp)
	if err != nil {
		return jobs.Outcome{}, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
