package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
)

const (
	defaultMaxTokens      = 1100
	historyWindow         = 6
	defaultPriorQueries   = 5
	defaultFeedbackWindow = 6
	defaultDialect        = "ANSI SQL"

	defaultClarification = "Could you clarify the requested metric, grain, and time window?"
)

type LLMConfig struct {
	Logger *slog.Logger
	LLM    pipeline.LLMClient
	Model  *policy.Model

	// Dialect names the SQL flavor of the execution backend, e.g.
	// "DuckDB SQL" or "ClickHouse SQL".
	Dialect        string
	Temperature    float64
	MaxTokens      int64
	PriorQueries   int
	FeedbackWindow int
}

func (c *LLMConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm is required")
	}
	if c.Model == nil {
		return errors.New("policy model is required")
	}
	if c.Dialect == "" {
		c.Dialect = defaultDialect
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxTokens < 0 {
		return errors.New("max tokens must be > 0")
	}
	if c.PriorQueries == 0 {
		c.PriorQueries = defaultPriorQueries
	}
	if c.FeedbackWindow == 0 {
		c.FeedbackWindow = defaultFeedbackWindow
	}
	return nil
}

type llmReply struct {
	Outcome               string   `json:"outcome" jsonschema:"one of ready, clarification, technical_failure, not_relevant"`
	SQL                   string   `json:"sql,omitempty" jsonschema:"one read-only SELECT statement, required when outcome is ready"`
	Rationale             string   `json:"rationale,omitempty" jsonschema:"one sentence on how the query answers the task"`
	Assumptions           []string `json:"assumptions,omitempty" jsonschema:"assumptions made while writing the query"`
	ClarificationQuestion string   `json:"clarificationQuestion,omitempty" jsonschema:"business question for the user, required when outcome is clarification"`
	TechnicalError        string   `json:"technicalError,omitempty" jsonschema:"required when outcome is technical_failure"`
	NotRelevantReason     string   `json:"notRelevantReason,omitempty" jsonschema:"required when outcome is not_relevant"`
}

// LLMLink writes the query with a general-purpose language model. It is the
// last live link, so call and parse failures become technical_failure steps
// rather than errors.
type LLMLink struct {
	log    *slog.Logger
	cfg    LLMConfig
	schema string
}

func NewLLMLink(cfg LLMConfig) (*LLMLink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := jsonschema.For[llmReply](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation reply schema: %w", err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation reply schema: %w", err)
	}
	return &LLMLink{log: cfg.Logger, cfg: cfg, schema: string(data)}, nil
}

func (l *LLMLink) Provider() pipeline.Provider { return pipeline.ProviderLanguageModel }

func (l *LLMLink) Generate(ctx context.Context, req Request) (pipeline.GeneratedStep, error) {
	step := pipeline.GeneratedStep{Provider: pipeline.ProviderLanguageModel}

	system, user := l.prompt(req)
	raw, err := l.cfg.LLM.Complete(ctx, pipeline.CompletionRequest{
		System:      system,
		User:        user,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
		ExpectJSON:  true,
	})
	if err != nil {
		step.Status = pipeline.StatusTechnicalFailure
		step.TechnicalError = err.Error()
		return step, nil
	}

	reply, err := pipeline.DecodeJSON[llmReply](raw)
	if err != nil {
		l.log.Warn("generator: unparseable model reply", "step", req.Step.ID, "error", err)
		step.Status = pipeline.StatusTechnicalFailure
		step.TechnicalError = fmt.Sprintf("failed to parse generation reply: %v", err)
		return step, nil
	}

	step.Status = ParseGenerationType(reply.Outcome)
	step.Rationale = strings.TrimSpace(reply.Rationale)
	step.Assumptions = reply.Assumptions
	step.AttemptedQuery = strings.TrimSpace(reply.SQL)

	switch step.Status {
	case pipeline.StatusReady:
		step.Query = step.AttemptedQuery
	case pipeline.StatusClarification:
		step.ClarificationQuestion = strings.TrimSpace(reply.ClarificationQuestion)
		if step.ClarificationQuestion == "" {
			step.ClarificationQuestion = defaultClarification
		}
	case pipeline.StatusTechnicalFailure:
		step.TechnicalError = strings.TrimSpace(reply.TechnicalError)
	case pipeline.StatusNotRelevant:
		step.NotRelevantReason = strings.TrimSpace(reply.NotRelevantReason)
	}
	return step, nil
}

func (l *LLMLink) prompt(req Request) (string, string) {
	system := fmt.Sprintf("You are a SQL generator sub-analyst for a governed analytics platform. "+
		"Respond with one of four outcomes: ready, clarification, technical_failure, or not_relevant. "+
		"When ready, return one read-only SELECT statement compatible with %s. "+
		"Use only allowlisted tables and no restricted columns. "+
		"A clarification must ask the user a business question, never report a database error. "+
		"Return strict JSON only, matching this JSON schema:\n%s", l.cfg.Dialect, l.schema)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation history:\n%s\n\n", bulletList(req.History, historyWindow))
	sb.WriteString(l.cfg.Model.Summary())
	fmt.Fprintf(&sb, "\n\nStep id: %s\n", req.Step.ID)
	fmt.Fprintf(&sb, "Step goal: %s\n", req.Step.Goal)
	prior := make([]string, 0, len(req.PriorQueries))
	for _, q := range req.PriorQueries {
		prior = append(prior, strings.Join(strings.Fields(q), " "))
	}
	fmt.Fprintf(&sb, "Prior queries in this turn:\n%s\n", bulletList(prior, l.cfg.PriorQueries))

	var feedback []string
	for _, e := range pipeline.RecentFeedback(req.Feedback, l.cfg.FeedbackWindow) {
		feedback = append(feedback, e.String())
	}
	if len(feedback) > 0 {
		fmt.Fprintf(&sb, "\nPrevious attempts for this step failed. Fix these problems:\n%s\n", bulletList(feedback, 0))
	}
	return system, strings.TrimRight(sb.String(), "\n")
}

func bulletList(items []string, last int) string {
	if last > 0 && len(items) > last {
		items = items[len(items)-last:]
	}
	var lines []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, "- "+s)
		}
	}
	if len(lines) == 0 {
		return "- none"
	}
	return strings.Join(lines, "\n")
}
