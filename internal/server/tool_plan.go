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
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/taskgraph"
)

const planDescription = `
	PURPOSE:
	Show how a question would be decomposed without generating or running any query.

	OUTPUT:
	- relevance and stopReason describe the scope decision.
	- steps lists each data-retrieval task and the steps it depends on.
	- levels groups step ids that would run concurrently.
`

type PlanInput struct {
	Message string   `json:"message" jsonschema:"the natural-language analytics question"`
	History []string `json:"history,omitempty" jsonschema:"earlier messages in the conversation, oldest first"`
}

type PlanStepOutput struct {
	ID        string   `json:"id"`
	Goal      string   `json:"goal"`
	DependsOn []string `json:"dependsOn"`
}

type PlanOutput struct {
	Relevance             string           `json:"relevance"`
	RelevanceReason       string           `json:"relevanceReason,omitempty"`
	AnalysisType          string           `json:"analysisType"`
	SecondaryAnalysisType string           `json:"secondaryAnalysisType,omitempty"`
	StopReason            string           `json:"stopReason"`
	StopMessage           string           `json:"stopMessage,omitempty"`
	Fallback              bool             `json:"fallback"`
	Steps                 []PlanStepOutput `json:"steps"`
	Levels                [][]string       `json:"levels"`
}

func RegisterPlanTool(log *slog.Logger, server *mcp.Server, planner Planner) error {
	if planner == nil {
		return errors.New("planner is required")
	}
	in, err := jsonschema.For[PlanInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create plan input schema: %w", err)
	}
	out, err := jsonschema.For[PlanOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create plan output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         "plan",
		Description:  planDescription,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req PlanInput) (*mcp.CallToolResult, PlanOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling plan")
		res, err := handlePlan(ctx, planner, req)
		metrics.ToolCallDuration.WithLabelValues("plan").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues("plan", "error").Inc()
			return nil, PlanOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues("plan", "success").Inc()
		return nil, res, nil
	})
	return nil
}

func handlePlan(ctx context.Context, planner Planner, req PlanInput) (PlanOutput, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return PlanOutput{}, errors.New("message is required")
	}
	return NewPlanOutput(planner.Plan(ctx, message, req.History)), nil
}

// NewPlanOutput flattens a plan and names the step ids of each dependency
// level.
func NewPlanOutput(plan pipeline.Plan) PlanOutput {
	out := PlanOutput{
		Relevance:             string(plan.Relevance),
		RelevanceReason:       plan.RelevanceReason,
		AnalysisType:          plan.AnalysisType,
		SecondaryAnalysisType: plan.SecondaryAnalysisType,
		StopReason:            string(plan.StopReason),
		StopMessage:           plan.StopMessage,
		Fallback:              plan.Fallback,
		Steps:                 make([]PlanStepOutput, 0, len(plan.Steps)),
		Levels:                [][]string{},
	}
	for _, s := range plan.Steps {
		out.Steps = append(out.Steps, PlanStepOutput{ID: s.ID, Goal: s.Goal, DependsOn: append([]string{}, s.DependsOn...)})
	}
	for _, level := range taskgraph.Levels(plan.Steps) {
		ids := make([]string, 0, len(level))
		for _, idx := range level {
			ids = append(ids, plan.Steps[idx].ID)
		}
		out.Levels = append(out.Levels, ids)
	}
	return out
}
