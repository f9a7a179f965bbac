package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTaskGone is returned when the server no longer knows the task or its token
var ErrTaskGone = errors.New("task is gone")

// Config holds the client settings of an agent
type Config struct {
	// BaseURL is the address of the server the agent polls
	BaseURL string
	// AgentToken is sent on listing requests when set
	AgentToken string
	Timeout    time.Duration
}

// Client talks to the server on behalf of one agent
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentToken string
}

// New creates a client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		agentToken: cfg.AgentToken,
	}
}

// ListJobs returns the jobs queued for host
func (c *Client) ListJobs(ctx context.Context, host string) ([]Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(host), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.agentToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.agentToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned status %d: %s", resp.StatusCode, string(body))
	}

	var jobs []Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job listing: %w", err)
	}
	return jobs, nil
}

// FetchFile downloads a staged file. path is a reference from Assignment.Files.
func (c *Client) FetchFile(ctx context.Context, a Assignment, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(a, path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.OTP)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound, http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: fetching %s returned %d", ErrTaskGone, path, resp.StatusCode)
	default:
		return nil, fmt.Errorf("fetching %s returned status %d", path, resp.StatusCode)
	}
}

// PostEvent reports output and, once known, the exit code of a task
func (c *Client) PostEvent(ctx context.Context, a Assignment, ev EventRequest) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	target := c.resolve(a, "/api/v1/tasks/"+url.PathEscape(a.TaskID)+"/events")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.OTP)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	_ = json.Unmarshal(respBody, &env)

	switch {
	case resp.StatusCode == http.StatusOK && env.Code == 0:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: event rejected with %d: %s", ErrTaskGone, resp.StatusCode, env.Message)
	default:
		return fmt.Errorf("event rejected with status %d: %s", resp.StatusCode, string(respBody))
	}
}

// resolve turns a server path into a URL, preferring the callback host of the assignment
func (c *Client) resolve(a Assignment, path string) string {
	base := c.baseURL
	if a.CallbackHost != "" {
		base = strings.TrimRight(a.CallbackHost, "/")
	}
	return base + path
}
