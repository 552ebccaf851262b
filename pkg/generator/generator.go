// Package generator produces a guarded query, or a classified failure, for a
// single plan step by asking a chain of providers in order.
package generator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/guard"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
)

const maxAssumptionsPerCall = 4

// Request is one generation attempt for one plan step. Slices are snapshots
// owned by the caller and must not be modified.
type Request struct {
	StepIndex      int
	Step           pipeline.PlanStep
	ConversationID string
	History        []string
	PriorQueries   []string
	Feedback       []pipeline.RetryFeedbackEntry
	Attempt        int
}

// Generator produces a GeneratedStep for a plan step.
type Generator interface {
	Generate(ctx context.Context, req Request) (pipeline.GeneratedStep, error)
}

// Link is one provider in a Chain. An error means the provider could not
// answer at all and the chain should move on to the next link.
type Link interface {
	Provider() pipeline.Provider
	Generate(ctx context.Context, req Request) (pipeline.GeneratedStep, error)
}

type ChainConfig struct {
	Logger *slog.Logger
	Model  *policy.Model
	Links  []Link
	Guard  guard.Options
}

func (c *ChainConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == nil {
		return errors.New("policy model is required")
	}
	if len(c.Links) == 0 {
		return errors.New("at least one link is required")
	}
	for _, l := range c.Links {
		if l == nil {
			return errors.New("links must not be nil")
		}
	}
	return nil
}

// Chain tries its links in order and post-processes whichever answer it gets.
// It never returns an error: when every link fails the result is a
// technical_failure step carrying the last error.
type Chain struct {
	log *slog.Logger
	cfg ChainConfig
}

func NewChain(cfg ChainConfig) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chain{log: cfg.Logger, cfg: cfg}, nil
}

func (c *Chain) Generate(ctx context.Context, req Request) (pipeline.GeneratedStep, error) {
	var (
		lastErr      error
		lastProvider pipeline.Provider
	)
	for _, link := range c.cfg.Links {
		step, err := link.Generate(ctx, req)
		if err != nil {
			lastErr, lastProvider = err, link.Provider()
			c.log.Warn("generator: provider failed, trying next",
				"provider", link.Provider(), "step", req.Step.ID, "attempt", req.Attempt, "error", err)
			continue
		}
		if step.Provider == "" {
			step.Provider = link.Provider()
		}
		return c.finish(req, step), nil
	}

	return c.finish(req, pipeline.GeneratedStep{
		Provider:       lastProvider,
		Status:         pipeline.StatusTechnicalFailure,
		TechnicalError: lastErr.Error(),
	}), nil
}

// finish applies the rules every provider's answer goes through: database
// errors posing as clarifications are reclassified, ready queries are
// guarded, and the prior-failure signal is set.
func (c *Chain) finish(req Request, step pipeline.GeneratedStep) pipeline.GeneratedStep {
	step.StepIndex = req.StepIndex
	step.Query = strings.TrimSpace(step.Query)
	step.AttemptedQuery = strings.TrimSpace(step.AttemptedQuery)
	if step.AttemptedQuery == "" {
		step.AttemptedQuery = step.Query
	}
	step.Assumptions = cleanList(step.Assumptions, maxAssumptionsPerCall)

	if step.Status == pipeline.StatusClarification && LooksTechnical(step.ClarificationQuestion) {
		c.log.Debug("generator: reclassifying clarification as technical failure", "step", req.Step.ID)
		step.Status = pipeline.StatusTechnicalFailure
		step.TechnicalError = step.ClarificationQuestion
		step.ClarificationQuestion = ""
	}

	if step.Status == pipeline.StatusReady {
		switch {
		case step.Query != "":
			guarded, err := guard.Check(step.Query, c.cfg.Model, c.cfg.Guard)
			if err != nil {
				metrics.GuardViolationsTotal.WithLabelValues(string(step.Provider)).Inc()
				c.log.Info("generator: query rejected by guard", "step", req.Step.ID, "provider", step.Provider, "error", err)
				step.Status = pipeline.StatusTechnicalFailure
				step.TechnicalError = err.Error()
				step.Query = ""
				step.Rows, step.Columns, step.HasRows = nil, nil, false
			} else {
				step.Query = guarded
			}
		case !step.HasRows:
			step.Status = pipeline.StatusTechnicalFailure
			step.TechnicalError = "no query was produced"
		}
	}
	if step.Status == pipeline.StatusTechnicalFailure && step.TechnicalError == "" {
		step.TechnicalError = "generation failed"
	}
	if step.Status != pipeline.StatusReady {
		step.Query = ""
	}

	step.Retryable = hasFeedbackFor(req.Feedback, req.Step.ID) || step.AttemptedQuery != ""

	metrics.GenerationsTotal.WithLabelValues(string(step.Provider), string(step.Status)).Inc()
	c.log.Debug("generator: step generated",
		"step", req.Step.ID, "attempt", req.Attempt, "provider", step.Provider, "status", step.Status)
	return step
}

func hasFeedbackFor(entries []pipeline.RetryFeedbackEntry, stepID string) bool {
	for _, e := range entries {
		if e.StepID == stepID {
			return true
		}
	}
	return false
}

func cleanList(items []string, limit int) []string {
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}
