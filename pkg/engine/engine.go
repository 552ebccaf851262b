// Package engine schedules generation and execution of a plan's steps by
// dependency level, with bounded concurrency and bounded retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/generator"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/taskgraph"
)

const (
	defaultMaxAttempts           = 2
	defaultGenerationConcurrency = 3
	defaultExecutionConcurrency  = 3
	defaultFeedbackWindow        = 6
	defaultMaxAssumptions        = 12
)

type Config struct {
	Logger    *slog.Logger
	Generator generator.Generator
	Backend   pipeline.Backend
	Target    taskgraph.Target

	// DomainName is used in the out-of-scope message for terminal plans
	// that carry no message of their own.
	DomainName string

	// MaxAttempts is the total number of calls allowed per step and phase,
	// the first attempt included.
	MaxAttempts           int
	GenerationConcurrency int
	ExecutionConcurrency  int

	// CallTimeout bounds each generation and execution call. Zero means no
	// timeout beyond the caller's context.
	CallTimeout    time.Duration
	FeedbackWindow int
	MaxAssumptions int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Generator == nil {
		return errors.New("generator is required")
	}
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxAttempts < 0 {
		return errors.New("max attempts must be > 0")
	}
	if c.GenerationConcurrency == 0 {
		c.GenerationConcurrency = defaultGenerationConcurrency
	}
	if c.GenerationConcurrency < 0 {
		return errors.New("generation concurrency must be > 0")
	}
	if c.ExecutionConcurrency == 0 {
		c.ExecutionConcurrency = defaultExecutionConcurrency
	}
	if c.ExecutionConcurrency < 0 {
		return errors.New("execution concurrency must be > 0")
	}
	if c.CallTimeout < 0 {
		return errors.New("call timeout must be >= 0")
	}
	if c.FeedbackWindow == 0 {
		c.FeedbackWindow = defaultFeedbackWindow
	}
	if c.MaxAssumptions == 0 {
		c.MaxAssumptions = defaultMaxAssumptions
	}
	return nil
}

// Output is the result of a successful run.
type Output struct {
	Results     []pipeline.ExecutionResult
	Assumptions []string
	Target      taskgraph.Target
	Feedback    map[string][]pipeline.RetryFeedbackEntry
}

// Engine is safe for concurrent use. Its pools are shared by every run.
type Engine struct {
	log *slog.Logger
	cfg Config

	genPool  pond.ResultPool[pipeline.GeneratedStep]
	execPool pond.ResultPool[stepOutcome]
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	execSize := cfg.ExecutionConcurrency
	if !cfg.Target.ParallelCapable {
		execSize = 1
	}
	return &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		genPool:  pond.NewResultPool[pipeline.GeneratedStep](cfg.GenerationConcurrency),
		execPool: pond.NewResultPool[stepOutcome](execSize),
	}, nil
}

// Close stops the pools after in-flight calls finish.
func (e *Engine) Close() {
	e.genPool.StopAndWait()
	e.execPool.StopAndWait()
}

func (e *Engine) Target() taskgraph.Target {
	return e.cfg.Target
}

// Run generates every level's queries, then executes every level. Turn-ending
// outcomes are returned as *pipeline.BlockedOutcome errors.
func (e *Engine) Run(ctx context.Context, conversationID string, plan pipeline.Plan, history []string) (Output, error) {
	out, err := e.run(ctx, conversationID, plan, history)
	var blocked *pipeline.BlockedOutcome
	if errors.As(err, &blocked) {
		metrics.BlockedTotal.WithLabelValues(string(blocked.StopReason)).Inc()
		e.log.Info("engine: turn blocked",
			"stopReason", blocked.StopReason,
			"phase", blocked.Detail.Phase,
			"step", blocked.Detail.StepID,
			"attempt", blocked.Detail.Attempt,
		)
	}
	return out, err
}

func (e *Engine) run(ctx context.Context, conversationID string, plan pipeline.Plan, history []string) (Output, error) {
	if len(plan.Steps) > pipeline.MaxPlanSteps {
		return Output{}, &pipeline.BlockedOutcome{
			StopReason:  pipeline.BlockClarification,
			UserMessage: pipeline.TooComplexMessage,
			Detail:      pipeline.BlockDetail{Phase: pipeline.PhaseGeneration},
		}
	}
	if plan.Terminal() {
		return Output{}, e.terminal(plan)
	}
	if len(plan.Steps) == 0 {
		return Output{Target: e.cfg.Target}, nil
	}

	r := newRun(conversationID, plan, history, e.cfg.MaxAssumptions)
	levels := taskgraph.Levels(plan.Steps)

	for i, level := range levels {
		if err := e.generateLevel(ctx, r, level); err != nil {
			return Output{}, err
		}
		e.log.Debug("engine: level generated", "level", i, "steps", len(level))
	}
	for i, level := range levels {
		if err := e.executeLevel(ctx, r, level); err != nil {
			return Output{}, err
		}
		e.log.Debug("engine: level executed", "level", i, "steps", len(level))
	}

	results := make([]pipeline.ExecutionResult, 0, len(plan.Steps))
	for _, res := range r.results {
		if res != nil {
			results = append(results, *res)
		}
	}
	return Output{
		Results:     results,
		Assumptions: slices.Clone(r.assumptions),
		Target:      e.cfg.Target,
		Feedback:    r.feedbackCopy(),
	}, nil
}

func (e *Engine) terminal(plan pipeline.Plan) *pipeline.BlockedOutcome {
	b := &pipeline.BlockedOutcome{UserMessage: plan.StopMessage}
	switch plan.StopReason {
	case pipeline.StopTooComplex:
		b.StopReason = pipeline.BlockTooComplex
		if b.UserMessage == "" {
			b.UserMessage = pipeline.TooComplexMessage
		}
	default:
		b.StopReason = pipeline.BlockOutOfDomain
		if b.UserMessage == "" {
			b.UserMessage = pipeline.OutOfDomainMessage(e.cfg.DomainName)
		}
	}
	return b
}

// generate makes one generator call. Generator errors become
// technical_failure steps.
func (e *Engine) generate(ctx context.Context, req generator.Request) pipeline.GeneratedStep {
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	step, err := e.cfg.Generator.Generate(ctx, req)
	if err != nil {
		step = pipeline.GeneratedStep{
			Status:         pipeline.StatusTechnicalFailure,
			TechnicalError: err.Error(),
		}
	}
	step.StepIndex = req.StepIndex
	return step
}

func feedbackEntry(phase pipeline.FeedbackPhase, stepID string, attempt int, g pipeline.GeneratedStep, errText string) pipeline.RetryFeedbackEntry {
	failed := g.Query
	if failed == "" {
		failed = g.AttemptedQuery
	}
	return pipeline.RetryFeedbackEntry{
		Phase:                 phase,
		StepID:                stepID,
		Attempt:               attempt,
		Provider:              g.Provider,
		Error:                 errText,
		FailedQuery:           failed,
		ClarificationQuestion: g.ClarificationQuestion,
		TechnicalError:        g.TechnicalError,
		NotRelevantReason:     g.NotRelevantReason,
	}
}

func (e *Engine) exhausted(stepID string, attempt int, phase pipeline.FeedbackPhase, failedQuery string, feedback []pipeline.RetryFeedbackEntry) *pipeline.BlockedOutcome {
	return &pipeline.BlockedOutcome{
		StopReason:  pipeline.BlockTechnicalFailure,
		UserMessage: pipeline.TechnicalFailureMessage,
		Detail: pipeline.BlockDetail{
			Phase:         phase,
			StepID:        stepID,
			Attempt:       attempt,
			FailedQuery:   failedQuery,
			RetryFeedback: pipeline.RecentFeedback(feedback, e.cfg.FeedbackWindow),
		},
	}
}

func (e *Engine) notRelevant(stepID string, attempt int, phase pipeline.FeedbackPhase, failedQuery string, feedback []pipeline.RetryFeedbackEntry) *pipeline.BlockedOutcome {
	return &pipeline.BlockedOutcome{
		StopReason:  pipeline.BlockNotRelevant,
		UserMessage: pipeline.OutOfDomainMessage(e.cfg.DomainName),
		Detail: pipeline.BlockDetail{
			Phase:         phase,
			StepID:        stepID,
			Attempt:       attempt,
			FailedQuery:   failedQuery,
			RetryFeedback: pipeline.RecentFeedback(feedback, e.cfg.FeedbackWindow),
		},
	}
}

func wrapPoolErr(phase string, err error) error {
	var blocked *pipeline.BlockedOutcome
	if errors.As(err, &blocked) {
		return blocked
	}
	return fmt.Errorf("failed to %s steps: %w", phase, err)
}
