package orionsdk

import (
	"bufio"
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

// Client is a minimal Orion HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// StreamClient is used for /live-progress; it must not carry a
	// whole-request timeout.
	StreamClient *http.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ExecuteResult is the acknowledgement of an accepted run.
type ExecuteResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	ProjectID        string `json:"project_id"`
	Tasks            int    `json:"tasks"`
	Phases           int    `json:"phases"`
	AwaitingApproval bool   `json:"awaiting_approval"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type PhaseSummary struct {
	Phase  int            `json:"phase"`
	Name   string         `json:"name"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

type ProjectStatus struct {
	Project Project        `json:"project"`
	Running bool           `json:"running"`
	Total   int            `json:"total"`
	Done    int            `json:"done"`
	Phases  []PhaseSummary `json:"phases"`
}

type Agent struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	CurrentTaskID    *string `json:"current_task_id"`
	CurrentTaskTitle *string `json:"current_task_title"`
	LastActive       *string `json:"last_active"`
}

// Event is one frame of the live progress stream. Which fields are set
// depends on Type.
type Event struct {
	Type string `json:"type"`

	ProjectID        string `json:"project_id,omitempty"`
	ProjectName      string `json:"project_name,omitempty"`
	TotalPhases      int    `json:"total_phases,omitempty"`
	AwaitingApproval bool   `json:"awaiting_approval,omitempty"`
	Error            string `json:"error,omitempty"`

	Phase     int    `json:"phase,omitempty"`
	PhaseName string `json:"phase_name,omitempty"`
	TaskCount int    `json:"task_count,omitempty"`
	Reason    string `json:"reason,omitempty"`

	TaskID        string `json:"taskId,omitempty"`
	Agent         string `json:"agent,omitempty"`
	Title         string `json:"title,omitempty"`
	Status        string `json:"status,omitempty"`
	Notes         string `json:"notes,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`
	Failed        bool   `json:"failed,omitempty"`

	Retry  int   `json:"retry,omitempty"`
	WaitMS int64 `json:"wait_ms,omitempty"`

	Agents []Agent `json:"agents,omitempty"`
}

// Terminal reports whether e ends a run.
func (e Event) Terminal() bool {
	return e.Type == "execution_done" || e.Type == "execution_error"
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrStopStream can be returned from a Stream handler to end the stream
// without error.
var ErrStopStream = errors.New("stop stream")

// Execute starts a run. Zero phases use the server defaults.
func (c *Client) Execute(ctx context.Context, projectID string, minPhase, maxPhase int) (ExecuteResult, error) {
	q := url.Values{}
	if minPhase > 0 {
		q.Set("min_phase", fmt.Sprint(minPhase))
	}
	if maxPhase > 0 {
		q.Set("max_phase", fmt.Sprint(maxPhase))
	}
	endpoint := "pm-agent/execute/" + url.PathEscape(projectID)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ProjectStatus returns per-phase task counts.
func (c *Client) ProjectStatus(ctx context.Context, projectID string) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/status", nil, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

// Stream reads /live-progress and calls fn for every frame until ctx is
// done, the server closes the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(Event) error) error {
	client := c.StreamClient
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/live-progress", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	err = decodeEvents(resp.Body, fn)
	if errors.Is(err, ErrStopStream) || (err != nil && ctx.Err() != nil) {
		return nil
	}
	return err
}

func decodeEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(evt); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func newAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Message = env.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
