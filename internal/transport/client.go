// Package transport delivers commit and reveal messages to a verifier over
// HTTP and polls the verifier for verdicts.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/protocol"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is the spacing between job status polls.
const DefaultPollInterval = 500 * time.Millisecond

// Endpoint paths served by the verifier.
const (
	CommitPath = "/"
	RevealPath = "/reveal"
	HealthPath = "/health"
	JobsPath   = "/api/v1/jobs"
)

// Job statuses reported by the verifier.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// APIError is the error body returned by the verifier.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("verifier error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("verifier error (%d): %s", e.StatusCode, e.Message)
}

// JobDetail is the subset of a verifier job the client consumes.
type JobDetail struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Status    string            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Verdict   *protocol.Verdict `json:"verdict,omitempty"`
}

// Done reports whether the job reached a final status.
func (j JobDetail) Done() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// Client wraps the HTTP interactions with a verifier.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	sendTimeout  time.Duration
	pollInterval time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithSendTimeout bounds each individual request with a context deadline.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithPollInterval sets the spacing between job polls in AwaitVerdict.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient instantiates a client for the verifier at rawURL. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid verifier endpoint %q", rawURL))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{
		baseURL:      parsed,
		httpClient:   httpClient,
		sendTimeout:  DefaultHTTPTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Endpoint returns the verifier base URL.
func (c *Client) Endpoint() string {
	return c.baseURL.String()
}

// SendCommit posts a commitment.
func (c *Client) SendCommit(ctx context.Context, msg protocol.CommitMessage) (protocol.Receipt, error) {
	var receipt protocol.Receipt
	if err := c.post(ctx, CommitPath, msg, &receipt, xerrors.CodeCommitRejected); err != nil {
		return protocol.Receipt{}, err
	}
	return receipt, nil
}

// SendReveal posts a reveal.
func (c *Client) SendReveal(ctx context.Context, msg protocol.RevealMessage) (protocol.Receipt, error) {
	var receipt protocol.Receipt
	if err := c.post(ctx, RevealPath, msg, &receipt, xerrors.CodeRevealRejected); err != nil {
		return protocol.Receipt{}, err
	}
	return receipt, nil
}

// Health fetches the verifier health report.
func (c *Client) Health(ctx context.Context) (protocol.Health, error) {
	var health protocol.Health
	if err := c.get(ctx, HealthPath, &health); err != nil {
		return protocol.Health{}, err
	}
	return health, nil
}

// Job fetches a job by identifier.
func (c *Client) Job(ctx context.Context, jobID string) (JobDetail, error) {
	var detail JobDetail
	if err := c.get(ctx, JobsPath+"/"+url.PathEscape(jobID), &detail); err != nil {
		return JobDetail{}, err
	}
	return detail, nil
}

// AwaitVerdict polls the job until it completes. A job that failed without a
// verdict is returned as an error carrying the verifier's error code.
func (c *Client) AwaitVerdict(ctx context.Context, jobID string) (protocol.Verdict, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		detail, err := c.Job(ctx, jobID)
		if err != nil {
			return protocol.Verdict{}, err
		}
		if detail.Done() {
			if detail.Verdict != nil {
				return *detail.Verdict, nil
			}
			code := xerrors.Code(detail.ErrorCode)
			if code == "" {
				code = xerrors.CodeUnknown
			}
			return protocol.Verdict{}, xerrors.New(code, detail.LastError,
				xerrors.WithMetadata("job_id", jobID))
		}
		select {
		case <-ctx.Done():
			return protocol.Verdict{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any, rejectCode xerrors.Code) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request")
	}
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req, out, rejectCode)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, out, "")
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join("/", c.baseURL.Path, endpoint)}
	if endpoint == CommitPath && !strings.HasSuffix(rel.Path, "/") {
		rel.Path += "/"
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "create request")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, out any, rejectCode xerrors.Code) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 调用方主动取消时原样返回，便于上层停止。
		if parent := context.Cause(ctx); parent != nil && stdErrors.Is(parent, context.Canceled) {
			return parent
		}
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "perform request",
			xerrors.WithMetadata("url", req.URL.String()))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyResponse(req, resp, rejectCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "decode response")
	}
	return nil
}

// classifyResponse 将 4xx 映射为协议拒绝，5xx 映射为可重试的传输错误。
func classifyResponse(req *http.Request, resp *http.Response, rejectCode xerrors.Code) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil || apiErr.Message == "" {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	opts := []xerrors.Option{
		xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)),
		xerrors.WithMetadata("url", req.URL.String()),
	}
	if apiErr.Code != "" {
		opts = append(opts, xerrors.WithMetadata("server_code", apiErr.Code))
	}

	switch {
	case resp.StatusCode >= 500:
		return xerrors.Wrap(xerrors.CodeTransportFailure, apiErr, "verifier unavailable", opts...)
	case resp.StatusCode == http.StatusNotFound && rejectCode == "":
		return xerrors.Wrap(xerrors.CodeNotFound, apiErr, "job not found", opts...)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return xerrors.Wrap(xerrors.CodeTransportFailure, apiErr, "verifier throttled", opts...)
	case rejectCode != "":
		return xerrors.Wrap(rejectCode, apiErr, "verifier rejected message", opts...)
	default:
		return xerrors.Wrap(xerrors.CodeInvalidArgument, apiErr, "verifier rejected request", opts...)
	}
}
