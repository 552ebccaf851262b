// Package subanalyst is a client for a specialized analyst service that can
// generate, and optionally execute, a query for a single plan step.
package subanalyst

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

	"github.com/cenkalti/backoff/v5"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxTries   = 3
	maxErrorBodyBytes = 500
)

// Request is one sub-analyst call.
type Request struct {
	ConversationID string                        `json:"conversationId"`
	Message        string                        `json:"message"`
	History        []string                      `json:"history,omitempty"`
	RouteHint      string                        `json:"routeHint,omitempty"`
	StepID         string                        `json:"stepId,omitempty"`
	RetryFeedback  []pipeline.RetryFeedbackEntry `json:"retryFeedback,omitempty"`
}

// Reply is the sub-analyst's answer. Type is free-form and mapped onto a
// pipeline.Status by the caller.
type Reply struct {
	Type                  string         `json:"type"`
	SQL                   string         `json:"sql,omitempty"`
	Rows                  []pipeline.Row `json:"rows,omitempty"`
	Columns               []string       `json:"columns,omitempty"`
	Rationale             string         `json:"rationale,omitempty"`
	Assumptions           []string       `json:"assumptions,omitempty"`
	ClarificationQuestion string         `json:"clarificationQuestion,omitempty"`
	NotRelevantReason     string         `json:"notRelevantReason,omitempty"`
	Error                 string         `json:"error,omitempty"`
}

// Client is the sub-analyst capability.
type Client interface {
	Ask(ctx context.Context, req Request) (Reply, error)
}

type HTTPConfig struct {
	Logger     *slog.Logger
	URL        string
	Token      string
	HTTPClient *http.Client

	// Optional with defaults.
	Timeout  time.Duration
	MaxTries uint
	BackOff  backoff.BackOff
}

func (c *HTTPConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be > 0")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.BackOff == nil {
		c.BackOff = backoff.NewExponentialBackOff()
	}
	return nil
}

// HTTPClient calls a sub-analyst service over JSON/HTTP. Transport errors
// and 5xx responses are retried with exponential backoff.
type HTTPClient struct {
	log *slog.Logger
	cfg HTTPConfig
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{log: cfg.Logger, cfg: cfg}, nil
}

func (c *HTTPClient) Ask(ctx context.Context, req Request) (Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode sub-analyst request: %w", err)
	}

	attempt := 0
	reply, err := backoff.Retry(ctx, func() (Reply, error) {
		attempt++
		if attempt > 1 {
			c.log.Warn("subanalyst: retrying request", "attempt", attempt, "step", req.StepID)
		}
		return c.do(ctx, body)
	}, backoff.WithBackOff(c.cfg.BackOff), backoff.WithMaxTries(c.cfg.MaxTries))
	if err != nil {
		metrics.SubAnalystCallsTotal.WithLabelValues("error").Inc()
		return Reply{}, fmt.Errorf("sub-analyst request failed: %w", err)
	}
	metrics.SubAnalystCallsTotal.WithLabelValues("success").Inc()
	return reply, nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte) (Reply, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to connect to sub-analyst: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := pipeline.Truncate(strings.TrimSpace(string(data)), maxErrorBodyBytes)
		err := fmt.Errorf("sub-analyst returned status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Reply{}, err
		}
		return Reply{}, backoff.Permanent(err)
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, backoff.Permanent(fmt.Errorf("failed to parse sub-analyst response: %w", err))
	}
	return reply, nil
}

// ConversationID derives the per-step conversation id used for sub-analyst
// calls so each step keeps its own thread.
func ConversationID(conversationID, stepID string) string {
	return conversationID + "::sub::" + stepID
}
