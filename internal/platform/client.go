// Package platform talks to the external planner, renderer and poster over
// HTTP and classifies their failures into job error kinds.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
)

// Draft is a job proposal returned by the planner.
type Draft struct {
	ID         string `json:"id,omitempty"`
	Topic      string `json:"topic"`
	PayloadRef string `json:"payload_ref,omitempty"`
}

// Result is the poster's acknowledgement.
type Result struct {
	PostID string `json:"post_id"`
	URL    string `json:"url"`
}

// Error is a failed collaborator call. Kind decides whether the job is retried.
type Error struct {
	Op     string
	Status int
	Kind   models.ErrorKind
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the error kind carried by err, defaulting to Transient.
func KindOf(err error) models.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return models.ErrorTransient
}

// classify maps an HTTP status to an error kind. Blocks are never retried.
func classify(status int) models.ErrorKind {
	switch status {
	case http.StatusForbidden, http.StatusLocked:
		return models.ErrorPlatformBlocked
	default:
		return models.ErrorTransient
	}
}

// Client calls the collaborators configured in config.PlatformConfig.
type Client struct {
	name        string
	plannerURL  string
	rendererURL string
	posterURL   string
	token       string
	http        *http.Client
}

func New(cfg config.PlatformConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		name:        cfg.Name,
		plannerURL:  strings.TrimRight(cfg.PlannerURL, "/"),
		rendererURL: strings.TrimRight(cfg.RendererURL, "/"),
		posterURL:   strings.TrimRight(cfg.PosterURL, "/"),
		token:       cfg.Token,
		http:        httpClient,
	}
}

// Name is the platform label used for rate limits and discrepancy records.
func (c *Client) Name() string { return c.name }

// Plan asks the planner for count new drafts.
func (c *Client) Plan(ctx context.Context, count int) ([]Draft, error) {
	var out struct {
		Drafts []Draft `json:"drafts"`
	}
	if err := c.do(ctx, "plan", http.MethodPost, c.plannerURL+"/plan", map[string]int{"count": count}, &out); err != nil {
		return nil, err
	}
	return out.Drafts, nil
}

// Render produces the artifact for job and returns its reference.
func (c *Client) Render(ctx context.Context, job models.Job) (string, error) {
	var out struct {
		PayloadRef string `json:"payload_ref"`
	}
	req := map[string]string{"job_id": job.ID, "topic": job.Topic}
	if err := c.do(ctx, "render", http.MethodPost, c.rendererURL+"/render", req, &out); err != nil {
		return "", err
	}
	if out.PayloadRef == "" {
		return "", &Error{Op: "render", Kind: models.ErrorTransient, Err: errors.New("renderer returned no payload_ref")}
	}
	return out.PayloadRef, nil
}

// Post publishes the job's artifact.
func (c *Client) Post(ctx context.Context, job models.Job) (Result, error) {
	var out Result
	req := map[string]string{"job_id": job.ID, "payload_ref": job.PayloadRef}
	if err := c.do(ctx, "post", http.MethodPost, c.posterURL+"/post", req, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}

// Count returns the platform's self-reported number of posts.
func (c *Client) Count(ctx context.Context) (int, error) {
	var out struct {
		Count *int `json:"count"`
	}
	if err := c.do(ctx, "count", http.MethodGet, c.posterURL+"/count", nil, &out); err != nil {
		return 0, err
	}
	if out.Count == nil {
		return 0, &Error{Op: "count", Kind: models.ErrorTransient, Err: errors.New("response has no count")}
	}
	return *out.Count, nil
}

func (c *Client) do(ctx context.Context, op, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: models.ErrorTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Op:     op,
			Status: resp.StatusCode,
			Kind:   classify(resp.StatusCode),
			Err:    errors.New(string(bytes.TrimSpace(msg))),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Kind: models.ErrorTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
