// Package planner turns a user message into a relevance decision and a
// small, dependency-annotated set of data-retrieval tasks.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
)

const (
	defaultTemperature   = 0.1
	defaultMaxTokens     = 900
	defaultHistoryWindow = 6
)

type Config struct {
	Logger *slog.Logger
	LLM    pipeline.LLMClient
	Model  *policy.Model

	// DomainName is used in the out-of-scope message. Defaults to the
	// policy model's domain.
	DomainName string

	// Temperature is the sampling temperature. nil means 0.1; an explicit
	// zero is kept.
	Temperature   *float64
	MaxTokens     int64
	HistoryWindow int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm is required")
	}
	if c.Model == nil {
		return errors.New("policy model is required")
	}
	if c.DomainName == "" {
		c.DomainName = c.Model.Domain
	}
	if c.Temperature == nil {
		t := defaultTemperature
		c.Temperature = &t
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxTokens < 0 {
		return errors.New("max tokens must be > 0")
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	return nil
}

type Planner struct {
	log    *slog.Logger
	cfg    Config
	schema string
}

func New(cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := replySchema()
	if err != nil {
		return nil, fmt.Errorf("failed to create plan reply schema: %w", err)
	}
	return &Planner{log: cfg.Logger, cfg: cfg, schema: schema}, nil
}

// Plan never fails. When the model call fails or yields no usable tasks
// the result is a single-task fallback plan.
func (p *Planner) Plan(ctx context.Context, message string, history []string) pipeline.Plan {
	plan := p.plan(ctx, message, history)
	metrics.PlansTotal.WithLabelValues(string(plan.StopReason), strconv.FormatBool(plan.Fallback)).Inc()
	p.log.Info("planner: plan ready",
		"steps", len(plan.Steps),
		"relevance", plan.Relevance,
		"analysisType", plan.AnalysisType,
		"stopReason", plan.StopReason,
		"fallback", plan.Fallback,
	)
	return plan
}

func (p *Planner) plan(ctx context.Context, message string, history []string) pipeline.Plan {
	system, user := p.prompt(message, history)
	raw, err := p.cfg.LLM.Complete(ctx, pipeline.CompletionRequest{
		System:      system,
		User:        user,
		Temperature: *p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		ExpectJSON:  true,
	})
	if err != nil {
		p.log.Warn("planner: model call failed, falling back", "error", err)
		return p.fallback(message)
	}

	reply, err := pipeline.DecodeJSON[planReply](raw)
	if err != nil {
		p.log.Warn("planner: unparseable reply, falling back", "error", err)
		return p.fallback(message)
	}

	analysisType := NormalizeAnalysisType(reply.AnalysisType)
	if strings.TrimSpace(reply.AnalysisType) == "" {
		analysisType = InferAnalysisType(message)
	}
	plan := pipeline.Plan{
		Steps:                 []pipeline.PlanStep{},
		AnalysisType:          analysisType,
		SecondaryAnalysisType: normalizeSecondary(reply.SecondaryAnalysisType, analysisType),
		Relevance:             pipeline.ParseRelevance(reply.Relevance),
		RelevanceReason:       strings.TrimSpace(reply.RelevanceReason),
		StopReason:            pipeline.StopNone,
	}

	if plan.Relevance == pipeline.RelevanceOutOfDomain {
		plan.StopReason = pipeline.StopOutOfDomain
		plan.StopMessage = pipeline.OutOfDomainMessage(p.cfg.DomainName)
		return plan
	}
	if reply.TooComplex || len(reply.Tasks) > pipeline.MaxPlanSteps {
		plan.StopReason = pipeline.StopTooComplex
		plan.StopMessage = pipeline.TooComplexMessage
		return plan
	}

	steps := buildSteps(reply.Tasks)
	if len(steps) == 0 {
		p.log.Warn("planner: no usable tasks, falling back")
		return p.fallback(message)
	}
	for i := range steps {
		steps[i].Goal = StripSchemaTokens(steps[i].Goal, p.cfg.Model)
	}
	EnsureShape(steps, analysisType)
	plan.Steps = steps
	return plan
}

func (p *Planner) fallback(message string) pipeline.Plan {
	relevance := pipeline.RelevanceAmbiguous
	tokens, phrase := p.cfg.Model.Match(message)
	if tokens >= 2 || phrase {
		relevance = pipeline.RelevanceInDomain
	}
	return pipeline.Plan{
		Steps: []pipeline.PlanStep{{
			ID:          stepID(1),
			Goal:        strings.TrimSpace(message),
			Independent: true,
		}},
		AnalysisType: InferAnalysisType(message),
		Relevance:    relevance,
		StopReason:   pipeline.StopNone,
		Fallback:     true,
	}
}

func stepID(n int) string {
	return "step_" + strconv.Itoa(n)
}

// buildSteps dedupes tasks, caps them, assigns ids and resolves
// dependencies. References may be step ids or 1-based task positions.
func buildSteps(tasks []replyTask) []pipeline.PlanStep {
	var steps []pipeline.PlanStep
	seen := make(map[string]int)
	// raw 1-based position -> index into steps
	position := make(map[int]int)
	owner := make(map[int]int)

	for i, t := range tasks {
		goal := strings.TrimSpace(t.Task)
		if goal == "" {
			continue
		}
		key := normalizeTask(goal)
		if idx, ok := seen[key]; ok {
			position[i+1] = idx
			continue
		}
		if len(steps) == pipeline.MaxPlanSteps {
			break
		}
		idx := len(steps)
		seen[key] = idx
		position[i+1] = idx
		owner[idx] = i
		steps = append(steps, pipeline.PlanStep{ID: stepID(idx + 1), Goal: goal})
	}

	for i, t := range tasks {
		idx, ok := position[i+1]
		// Only the first occurrence of a deduped task owns its dependencies.
		if !ok || owner[idx] != i || len(t.DependsOn) == 0 {
			continue
		}
		added := make(map[string]struct{})
		deps := []string{}
		for _, ref := range t.DependsOn {
			target, ok := position[ref.position()]
			// Only earlier steps can be depended on.
			if !ok || target >= idx {
				continue
			}
			id := steps[target].ID
			if _, dup := added[id]; dup {
				continue
			}
			added[id] = struct{}{}
			deps = append(deps, id)
		}
		if len(deps) > 0 {
			steps[idx].DependsOn = deps
		}
	}

	for i := range steps {
		steps[i].Independent = len(steps[i].DependsOn) == 0
	}
	return steps
}

func normalizeTask(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".!?;:, ")
}
