// Package turn runs one conversational turn: plan, execute, validate.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/engine"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/taskgraph"
	"github.com/malbeclabs/analyst/pkg/validation"
)

const (
	ValidationFailedMessage = "The results did not pass validation checks."

	anonymousSession    = "anonymous"
	defaultHistoryDepth = 8
)

type Planner interface {
	Plan(ctx context.Context, message string, history []string) pipeline.Plan
}

type Runner interface {
	Run(ctx context.Context, conversationID string, plan pipeline.Plan, history []string) (engine.Output, error)
	Target() taskgraph.Target
}

type Config struct {
	Logger  *slog.Logger
	Planner Planner
	Engine  Runner
	History History
	Clock   clockwork.Clock

	DomainName  string
	MaxRowLimit int

	// HistoryDepth is the number of prior lines handed to the planner and
	// engine.
	HistoryDepth int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Planner == nil {
		return errors.New("planner is required")
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.History == nil {
		return errors.New("history is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxRowLimit < 0 {
		return errors.New("max row limit must be >= 0")
	}
	if c.HistoryDepth == 0 {
		c.HistoryDepth = defaultHistoryDepth
	}
	return nil
}

// Response is everything a caller needs to render a turn.
type Response struct {
	TurnID      string                     `json:"turnId"`
	SessionID   string                     `json:"sessionId"`
	Plan        pipeline.Plan              `json:"plan"`
	Results     []pipeline.ExecutionResult `json:"results,omitempty"`
	Assumptions []string                   `json:"assumptions,omitempty"`
	Validation  *validation.Report         `json:"validation,omitempty"`
	Blocked     *pipeline.BlockedOutcome   `json:"blocked,omitempty"`
	Message     string                     `json:"message"`
	Target      taskgraph.Target           `json:"target"`
	Duration    time.Duration              `json:"duration"`
}

// Answered reports whether the turn produced validated results.
func (r Response) Answered() bool {
	return r.Blocked == nil && r.Validation != nil && r.Validation.Passed
}

type Controller struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{log: cfg.Logger, cfg: cfg}, nil
}

// Handle runs a turn. It does not return an error: failures are reported on
// the response as a blocked outcome.
func (c *Controller) Handle(ctx context.Context, sessionID, message string) Response {
	start := c.cfg.Clock.Now()
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = anonymousSession
	}
	resp := Response{
		TurnID:    uuid.NewString(),
		SessionID: sessionID,
		Target:    c.cfg.Engine.Target(),
	}
	log := c.log.With("turn", resp.TurnID, "session", sessionID)

	history := c.cfg.History.Recent(sessionID, c.cfg.HistoryDepth)
	c.cfg.History.Append(sessionID, message)

	resp.Plan = c.cfg.Planner.Plan(ctx, message, history)
	log.Debug("turn: planned", "steps", len(resp.Plan.Steps), "stopReason", resp.Plan.StopReason, "fallback", resp.Plan.Fallback)

	out, err := c.cfg.Engine.Run(ctx, sessionID, resp.Plan, history)
	switch {
	case err != nil:
		var blocked *pipeline.BlockedOutcome
		if !errors.As(err, &blocked) {
			log.Error("turn: engine failed", "error", err)
			blocked = &pipeline.BlockedOutcome{
				StopReason:  pipeline.BlockTechnicalFailure,
				UserMessage: pipeline.TechnicalFailureMessage,
				Detail:      pipeline.BlockDetail{Phase: pipeline.PhaseExecution},
			}
		}
		resp.Blocked = blocked
		resp.Message = c.userMessage(blocked)
	default:
		resp.Results = out.Results
		resp.Assumptions = out.Assumptions
		resp.Target = out.Target
		report := validation.Validate(out.Results, c.cfg.MaxRowLimit)
		resp.Validation = &report
		if report.Passed {
			resp.Message = fmt.Sprintf("Retrieved %d row(s) across %d step(s).", report.TotalRows, len(out.Results))
		} else {
			resp.Message = ValidationFailedMessage
		}
	}

	resp.Duration = c.cfg.Clock.Since(start)
	outcome := outcomeLabel(resp)
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(resp.Duration.Seconds())
	log.Info("turn: completed", "outcome", outcome, "results", len(resp.Results), "duration", resp.Duration)
	return resp
}

// userMessage returns the fixed user-facing text for a blocked outcome.
// Clarifications carry the question verbatim.
func (c *Controller) userMessage(b *pipeline.BlockedOutcome) string {
	switch b.StopReason {
	case pipeline.BlockOutOfDomain, pipeline.BlockNotRelevant:
		return pipeline.OutOfDomainMessage(c.cfg.DomainName)
	case pipeline.BlockTooComplex:
		return pipeline.TooComplexMessage
	case pipeline.BlockClarification:
		if q := strings.TrimSpace(b.UserMessage); q != "" {
			return q
		}
		return pipeline.TooComplexMessage
	default:
		return pipeline.TechnicalFailureMessage
	}
}

func outcomeLabel(r Response) string {
	switch {
	case r.Blocked != nil:
		return string(r.Blocked.StopReason)
	case r.Validation != nil && !r.Validation.Passed:
		return "validation_failed"
	default:
		return "answered"
	}
}
