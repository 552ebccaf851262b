package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/subanalyst"
)

// SubAnalystLink asks the sub-analyst service for a step. Transport and
// decode failures are returned as errors so the chain falls through.
type SubAnalystLink struct {
	client    subanalyst.Client
	routeHint string
}

func NewSubAnalystLink(client subanalyst.Client, routeHint string) (*SubAnalystLink, error) {
	if client == nil {
		return nil, errors.New("sub-analyst client is required")
	}
	return &SubAnalystLink{client: client, routeHint: routeHint}, nil
}

func (l *SubAnalystLink) Provider() pipeline.Provider { return pipeline.ProviderSubAnalyst }

func (l *SubAnalystLink) Generate(ctx context.Context, req Request) (pipeline.GeneratedStep, error) {
	reply, err := l.client.Ask(ctx, subanalyst.Request{
		ConversationID: subanalyst.ConversationID(req.ConversationID, req.Step.ID),
		Message:        req.Step.Goal,
		History:        req.History,
		RouteHint:      l.routeHint,
		StepID:         req.Step.ID,
		RetryFeedback:  req.Feedback,
	})
	if err != nil {
		return pipeline.GeneratedStep{}, err
	}

	step := pipeline.GeneratedStep{
		Provider:              pipeline.ProviderSubAnalyst,
		Status:                ParseGenerationType(reply.Type),
		Query:                 strings.TrimSpace(reply.SQL),
		Rationale:             strings.TrimSpace(reply.Rationale),
		Assumptions:           reply.Assumptions,
		ClarificationQuestion: strings.TrimSpace(reply.ClarificationQuestion),
		NotRelevantReason:     strings.TrimSpace(reply.NotRelevantReason),
	}
	// A question always wins over the declared type.
	if step.ClarificationQuestion != "" && step.Status == pipeline.StatusReady {
		step.Status = pipeline.StatusClarification
	}
	switch step.Status {
	case pipeline.StatusTechnicalFailure:
		step.TechnicalError = strings.TrimSpace(reply.Error)
		if step.TechnicalError == "" {
			step.TechnicalError = "sub-analyst reported a technical failure"
		}
	case pipeline.StatusReady:
		if reply.Rows != nil {
			step.Rows = reply.Rows
			step.Columns = reply.Columns
			step.HasRows = true
		}
	}
	return step, nil
}
