// Package llm provides language-model clients for the planner and the step
// generator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	defaultModel     = anthropic.ModelClaudeHaiku4_5_20251001
	defaultMaxTokens = 1400

	jsonInstruction = "\n\nRespond with a single JSON object and nothing else."
)

type AnthropicConfig struct {
	Logger    *slog.Logger
	APIKey    string
	BaseURL   string
	Model     anthropic.Model
	MaxTokens int64
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxTokens < 0 {
		return errors.New("max tokens must be > 0")
	}
	return nil
}

// Anthropic implements pipeline.LLMClient using the Anthropic API.
type Anthropic struct {
	log    *slog.Logger
	cfg    AnthropicConfig
	client anthropic.Client
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

// Complete sends a prompt to Claude and returns the response text.
func (c *Anthropic) Complete(ctx context.Context, req pipeline.CompletionRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	system := req.System
	if req.ExpectJSON {
		system += jsonInstruction
	}

	start := time.Now()
	c.log.Debug("llm: anthropic call starting", "model", c.cfg.Model, "maxTokens", maxTokens, "userPromptLen", len(req.User))

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	})

	duration := time.Since(start)
	metrics.LLMCallDuration.Observe(duration.Seconds())
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("error").Inc()
		c.log.Error("llm: anthropic call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	metrics.LLMCallsTotal.WithLabelValues("success").Inc()
	c.log.Debug("llm: anthropic call completed", "duration", duration, "stopReason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", errors.New("no text content in response")
}
