package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/policy"
)

type PolicyInput struct{}

type PolicyOutput struct {
	Version          string   `json:"version"`
	Domain           string   `json:"domain"`
	Tables           []string `json:"tables"`
	RestrictedFields []string `json:"restrictedFields"`
	DefaultRowLimit  int      `json:"defaultRowLimit"`
	MaxRowLimit      int      `json:"maxRowLimit"`
	Scope            string   `json:"scope"`
}

// RegisterPolicyTool exposes the business scope of the policy model. Physical
// table names are listed, field names only when restricted.
func RegisterPolicyTool(log *slog.Logger, server *mcp.Server, model *policy.Model) error {
	if model == nil {
		return errors.New("policy model is required")
	}
	in, err := jsonschema.For[PolicyInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create policy input schema: %w", err)
	}
	out, err := jsonschema.For[PolicyOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create policy output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         "describe_policy",
		Description:  "Describe the governed dataset: what questions are in scope, which tables are allowed, and the row limits.",
		InputSchema:  in,
		OutputSchema: out,
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ PolicyInput) (*mcp.CallToolResult, PolicyOutput, error) {
		log.Debug("mcp/tool: handling describe_policy")
		metrics.ToolCallsTotal.WithLabelValues("describe_policy", "success").Inc()
		return nil, describePolicy(model), nil
	})
	return nil
}

func describePolicy(model *policy.Model) PolicyOutput {
	return PolicyOutput{
		Version:          model.Version,
		Domain:           model.Domain,
		Tables:           model.TableNames(),
		RestrictedFields: append([]string{}, model.Policy.RestrictedFields...),
		DefaultRowLimit:  model.Policy.DefaultRowLimit,
		MaxRowLimit:      model.Policy.MaxRowLimit,
		Scope:            model.ScopeContext(),
	}
}
