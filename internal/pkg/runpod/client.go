package runpod

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

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
)

// ErrJobNotFound is returned when the provider no longer knows a job or pod.
var ErrJobNotFound = errors.New("runpod: job not found")

// APIError carries a non-success provider response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runpod %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// JobClient is the job-control surface the warp engine depends on.
type JobClient interface {
	StartJob(ctx context.Context, input JobInput) (*JobRun, error)
	GetJobStatus(ctx context.Context, jobID string) (*JobState, error)
	CancelJob(ctx context.Context, jobID string) (*JobRun, error)
	TerminatePod(ctx context.Context, podID string) error
}

// JobInput is sent as the "input" object of a run request.
type JobInput struct {
	WarpUUID      string   `json:"warp_uuid"`
	UserID        string   `json:"user_id"`
	PreferredGPUs []string `json:"preferred_gpus,omitempty"`
}

// JobRun is the response of run and cancel requests. Status is empty when the
// provider omitted it.
type JobRun struct {
	ID     string
	Status models.JobStatus
}

// JobState is a status poll result.
type JobState struct {
	ID            string
	Status        models.JobStatus
	WorkerID      string
	DelayTime     time.Duration
	ExecutionTime time.Duration
}

// Client talks to the RunPod serverless endpoint API and the pod REST API.
type Client struct {
	APIKey        string
	EndpointID    string
	BaseURL       string
	RestBaseURL   string
	PublicURL     string
	WebhookSecret string
	PreferredGPUs []string
	Timeout       time.Duration

	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client from configuration.
func NewClient(cfg config.RunPod, publicURL string) *Client {
	return &Client{
		APIKey:        cfg.APIKey,
		EndpointID:    cfg.EndpointID,
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		RestBaseURL:   strings.TrimRight(cfg.RestBaseURL, "/"),
		PublicURL:     strings.TrimRight(publicURL, "/"),
		WebhookSecret: cfg.WebhookSecret,
		PreferredGPUs: cfg.PreferredGPUs,
		Timeout:       cfg.Timeout,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerS), cfg.Burst),
	}
}

type runRequest struct {
	Input   JobInput `json:"input"`
	Webhook string   `json:"webhook,omitempty"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type statusResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	WorkerID      string `json:"workerId"`
	DelayTime     int64  `json:"delayTime"`
	ExecutionTime int64  `json:"executionTime"`
	Error         string `json:"error"`
}

// StartJob submits an asynchronous run request.
func (c *Client) StartJob(ctx context.Context, input JobInput) (*JobRun, error) {
	if len(input.PreferredGPUs) == 0 {
		input.PreferredGPUs = c.PreferredGPUs
	}
	body := runRequest{Input: input, Webhook: c.webhookURL(input.WarpUUID)}
	var out runResponse
	if err := c.do(ctx, "run", http.MethodPost, c.endpointURL("run"), "", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("runpod run returned no job id (error=%q)", out.Error)
	}
	status, err := parseStatus(out.Status)
	if err != nil {
		return nil, err
	}
	return &JobRun{ID: out.ID, Status: status}, nil
}

// GetJobStatus polls a job. Durations are reported by the provider in milliseconds.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*JobState, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("job id is required")
	}
	var out statusResponse
	if err := c.do(ctx, "status", http.MethodGet, c.endpointURL("status", jobID), jobID, nil, &out); err != nil {
		return nil, err
	}
	if out.Status == "" && isMissingResource(out.Error, jobID) {
		return nil, fmt.Errorf("status %s: %w", jobID, ErrJobNotFound)
	}
	status, err := parseStatus(out.Status)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return nil, fmt.Errorf("runpod status for %s returned no status (error=%q)", jobID, out.Error)
	}
	id := out.ID
	if id == "" {
		id = jobID
	}
	return &JobState{
		ID:            id,
		Status:        status,
		WorkerID:      out.WorkerID,
		DelayTime:     time.Duration(out.DelayTime) * time.Millisecond,
		ExecutionTime: time.Duration(out.ExecutionTime) * time.Millisecond,
	}, nil
}

// CancelJob asks the provider to cancel. Acceptance does not mean the job stopped.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*JobRun, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("job id is required")
	}
	var out runResponse
	if err := c.do(ctx, "cancel", http.MethodPost, c.endpointURL("cancel", jobID), jobID, nil, &out); err != nil {
		return nil, err
	}
	status, err := parseStatus(out.Status)
	if err != nil {
		return nil, err
	}
	return &JobRun{ID: jobID, Status: status}, nil
}

// TerminatePod deletes a legacy persistent pod. This call blocks until the provider answers.
func (c *Client) TerminatePod(ctx context.Context, podID string) error {
	if strings.TrimSpace(podID) == "" {
		return errors.New("pod id is required")
	}
	u := c.RestBaseURL + "/pods/" + url.PathEscape(podID)
	return c.do(ctx, "terminate pod", http.MethodDelete, u, podID, nil, nil)
}

func (c *Client) endpointURL(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, c.BaseURL, url.PathEscape(c.EndpointID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, "/")
}

func (c *Client) webhookURL(warpUUID string) string {
	if c.PublicURL == "" || c.WebhookSecret == "" || warpUUID == "" {
		return ""
	}
	q := url.Values{}
	q.Set("token", c.WebhookSecret)
	return c.PublicURL + "/api/webhooks/runpod/" + url.PathEscape(warpUUID) + "?" + q.Encode()
}

// do performs one API call. id names the job or pod the call is about; only an
// error body naming that resource as missing becomes ErrJobNotFound.
func (c *Client) do(ctx context.Context, op, method, u, id string, in, out interface{}) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("runpod %s throttled: %w", op, err)
		}
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("runpod %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	log.Debugf("[RunPod] %s %s -> %d (%s)", method, op, resp.StatusCode, time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if id != "" && isMissingResource(string(body), id) {
			return fmt.Errorf("%s %s: %w", op, id, ErrJobNotFound)
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("runpod %s: decode response: %w", op, err)
	}
	return nil
}

// parseStatus maps provider statuses onto the closed set. TIMED_OUT has no
// local counterpart and is recorded as FAILED; "" stays "" for the caller to default.
func parseStatus(raw string) (models.JobStatus, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch s {
	case "":
		return "", nil
	case "TIMED_OUT":
		return models.JobStatusFailed, nil
	}
	return models.ParseJobStatus(s)
}

// isMissingResource reports whether an error body says the job or pod itself is
// gone. A 404 for an unknown endpoint or route does not qualify.
func isMissingResource(msg, id string) bool {
	m := strings.ToLower(msg)
	if !strings.Contains(m, "not found") && !strings.Contains(m, "does not exist") {
		return false
	}
	if strings.Contains(m, "endpoint") || strings.Contains(m, "page") || strings.Contains(m, "route") {
		return false
	}
	return strings.Contains(m, strings.ToLower(id)) ||
		strings.Contains(m, "job") || strings.Contains(m, "request") || strings.Contains(m, "pod")
}
