package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/turn"
)

const askDescription = `
	PURPOSE:
	Answer an analytics question against the governed customer dataset.

	BEHAVIOR:
	- The question is decomposed into at most five data-retrieval steps.
	- Each step's query is generated, checked against the data policy, and executed.
	- Out-of-scope, ambiguous, or overly complex questions return a blocked outcome with a message for the user.
	- Reuse the same sessionId across related questions so follow-ups keep context.
`

type AskInput struct {
	SessionID string `json:"sessionId,omitempty" jsonschema:"conversation id; follow-up questions should reuse it"`
	Message   string `json:"message" jsonschema:"the natural-language analytics question"`
}

type AskResult struct {
	StepID   string           `json:"stepId"`
	Query    string           `json:"query"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
}

type AskOutput struct {
	TurnID      string      `json:"turnId"`
	SessionID   string      `json:"sessionId"`
	Message     string      `json:"message"`
	Answered    bool        `json:"answered"`
	StopReason  string      `json:"stopReason,omitempty"`
	Steps       []string    `json:"steps"`
	Results     []AskResult `json:"results"`
	Assumptions []string    `json:"assumptions"`
	Checks      []string    `json:"checks"`
	Target      string      `json:"target"`
	DurationMs  int64       `json:"durationMs"`
}

func RegisterAskTool(log *slog.Logger, server *mcp.Server, controller TurnHandler, timeout time.Duration) error {
	if controller == nil {
		return errors.New("controller is required")
	}
	in, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}
	out, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         "ask",
		Description:  askDescription,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AskInput) (*mcp.CallToolResult, AskOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling ask", "session", req.SessionID)

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := handleAsk(ctx, controller, req)
		metrics.ToolCallDuration.WithLabelValues("ask").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues("ask", "error").Inc()
			return nil, AskOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues("ask", "success").Inc()
		return nil, res, nil
	})
	return nil
}

func handleAsk(ctx context.Context, controller TurnHandler, req AskInput) (AskOutput, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return AskOutput{}, errors.New("message is required")
	}
	return NewAskOutput(controller.Handle(ctx, req.SessionID, message)), nil
}

// NewAskOutput flattens a turn response for JSON transport.
func NewAskOutput(resp turn.Response) AskOutput {
	out := AskOutput{
		TurnID:      resp.TurnID,
		SessionID:   resp.SessionID,
		Message:     resp.Message,
		Answered:    resp.Answered(),
		Steps:       make([]string, 0, len(resp.Plan.Steps)),
		Results:     make([]AskResult, 0, len(resp.Results)),
		Assumptions: append([]string{}, resp.Assumptions...),
		Checks:      []string{},
		Target:      resp.Target.Label,
		DurationMs:  resp.Duration.Milliseconds(),
	}
	if resp.Blocked != nil {
		out.StopReason = string(resp.Blocked.StopReason)
	}
	for _, s := range resp.Plan.Steps {
		out.Steps = append(out.Steps, s.Goal)
	}
	for _, r := range resp.Results {
		rows := make([]map[string]any, 0, len(r.Rows))
		for _, row := range r.Rows {
			rows = append(rows, map[string]any(row))
		}
		out.Results = append(out.Results, AskResult{
			StepID:   r.StepID,
			Query:    r.Query,
			Columns:  append([]string{}, r.Columns...),
			Rows:     rows,
			RowCount: r.RowCount,
		})
	}
	if resp.Validation != nil {
		out.Checks = append(out.Checks, resp.Validation.Checks...)
	}
	return out
}
