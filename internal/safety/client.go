package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	wotel "github.com/basket/warden/internal/otel"
)

const (
	DefaultBaseURL      = "https://api.runpod.ai/v2"
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 60 * time.Second
	DefaultUnsafeLabel  = "INJECTION"
	DefaultThreshold    = 0.7
)

type Config struct {
	// Endpoint is the full job endpoint. When empty it is derived from
	// DefaultBaseURL and EndpointID.
	Endpoint     string
	EndpointID   string
	APIKey       string
	Enabled      bool
	PollInterval time.Duration
	MaxWait      time.Duration
	UnsafeLabel  string
	Threshold    float64
}

// JobURL returns the endpoint jobs are submitted to, or "" when neither an
// endpoint nor an endpoint ID is set.
func (c Config) JobURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	if c.EndpointID == "" {
		return ""
	}
	return DefaultBaseURL + "/" + c.EndpointID
}

// Configured reports whether checks will be submitted at all.
func (c Config) Configured() bool {
	return c.Enabled && c.APIKey != "" && c.JobURL() != ""
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

// Client submits text to a remote classification job service and polls for
// the verdict.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.UnsafeLabel == "" {
		cfg.UnsafeLabel = DefaultUnsafeLabel
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("warden/safety")
	}
	return c
}

func (c *Client) Config() Config { return c.cfg }

type runRequest struct {
	Input struct {
		Prompt string `json:"prompt"`
	} `json:"input"`
}

type runResponse struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

type statusResponse struct {
	ID     string          `json:"id"`
	Status JobStatus       `json:"status"`
	Output json.RawMessage `json:"output"`
}

// Check classifies text. It never returns an error value: every failure mode
// is folded into the Result so callers decide on the outcome alone.
func (c *Client) Check(ctx context.Context, text string) Result {
	if !c.cfg.Configured() {
		c.logger.Debug("safety check skipped", "enabled", c.cfg.Enabled)
		return Result{Outcome: OutcomeSkipped}
	}

	ctx, span := wotel.StartClientSpan(ctx, c.tracer, "safety.check")
	defer span.End()

	res := c.check(ctx, text)
	span.SetAttributes(
		wotel.AttrSafetyOutcome.String(string(res.Outcome)),
		wotel.AttrSafetyJobID.String(res.JobID),
	)
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (c *Client) check(parent context.Context, text string) Result {
	// MaxWait bounds the whole exchange, in-flight requests included.
	deadline := time.Now().Add(c.cfg.MaxWait)
	ctx, cancel := context.WithDeadline(parent, deadline)
	defer cancel()

	var (
		jobID string
		last  statusResponse
	)
	stopped := func() (Result, bool) {
		if err := parent.Err(); err != nil {
			return Result{Outcome: OutcomeError, JobID: jobID, Status: last.Status, Err: err}, true
		}
		if ctx.Err() != nil {
			c.logger.Warn("safety check timed out", "job_id", jobID, "last_status", last.Status, "max_wait", c.cfg.MaxWait)
			return Result{Outcome: OutcomeTimeout, JobID: jobID, Status: last.Status}, true
		}
		return Result{}, false
	}

	jobID, err := c.submit(ctx, text)
	if err != nil {
		if res, ok := stopped(); ok {
			return res
		}
		c.logger.Warn("safety check submit failed", "error", err)
		return Result{Outcome: OutcomeError, Err: err}
	}

	for {
		st, err := c.poll(ctx, jobID)
		if err != nil {
			if res, ok := stopped(); ok {
				return res
			}
			c.logger.Warn("safety check poll failed", "job_id", jobID, "error", err)
		} else {
			last = st
			if st.Status.Terminal() {
				return c.classify(jobID, st)
			}
		}

		if !time.Now().Add(c.cfg.PollInterval).Before(deadline) {
			c.logger.Warn("safety check timed out", "job_id", jobID, "last_status", last.Status, "max_wait", c.cfg.MaxWait)
			return Result{Outcome: OutcomeTimeout, JobID: jobID, Status: last.Status}
		}
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			res, _ := stopped()
			return res
		case <-timer.C:
		}
	}
}

func (c *Client) classify(jobID string, st statusResponse) Result {
	if st.Status != StatusCompleted {
		return Result{
			Outcome: OutcomeError,
			JobID:   jobID,
			Status:  st.Status,
			Err:     fmt.Errorf("job %s ended %s", jobID, st.Status),
		}
	}
	cls, err := parseOutput(st.Output)
	if err != nil {
		c.logger.Warn("safety check output unreadable", "job_id", jobID, "error", err)
		return Result{Outcome: OutcomeUnknown, JobID: jobID, Status: st.Status, Err: err}
	}
	res := Result{Outcome: OutcomeSafe, JobID: jobID, Status: st.Status, Classification: &cls}
	if strings.EqualFold(cls.Label, c.cfg.UnsafeLabel) && cls.Score > c.cfg.Threshold {
		res.Outcome = OutcomeUnsafe
		c.logger.Warn("safety check flagged content", "job_id", jobID, "label", cls.Label, "score", cls.Score)
	}
	return res
}

// parseOutput accepts either a single {label, score} object or the list form
// classification pipelines commonly emit, taking the first element.
func parseOutput(raw json.RawMessage) (Classification, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Classification{}, errors.New("missing output")
	}
	var cls Classification
	if raw[0] == '[' {
		var list []Classification
		if err := json.Unmarshal(raw, &list); err != nil {
			return Classification{}, fmt.Errorf("decode output list: %w", err)
		}
		if len(list) == 0 {
			return Classification{}, errors.New("empty output list")
		}
		cls = list[0]
	} else if err := json.Unmarshal(raw, &cls); err != nil {
		return Classification{}, fmt.Errorf("decode output: %w", err)
	}
	if cls.Label == "" {
		return Classification{}, errors.New("output has no label")
	}
	return cls, nil
}

func (c *Client) submit(ctx context.Context, text string) (string, error) {
	var body runRequest
	body.Input.Prompt = text
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal run request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.JobURL()+"/run", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out runResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("submit: response has no job id")
	}
	return out.ID, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JobURL()+"/status/"+jobID, nil)
	if err != nil {
		return statusResponse{}, err
	}
	var out statusResponse
	if err := c.do(req, &out); err != nil {
		return statusResponse{}, fmt.Errorf("status %s: %w", jobID, err)
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
