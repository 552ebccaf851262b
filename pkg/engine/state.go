package engine

import (
	"slices"
	"strings"

	"github.com/malbeclabs/analyst/pkg/generator"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const executionRetryPrefix = "execution retry "

// run is the state of one Engine.Run. It is only touched from the level
// boundary code; concurrent calls get snapshots from request.
type run struct {
	conversationID string
	plan           pipeline.Plan
	history        []string

	priorQueries   []string
	feedback       map[string][]pipeline.RetryFeedbackEntry
	assumptions    []string
	seen           map[string]struct{}
	maxAssumptions int

	generated []pipeline.GeneratedStep
	results   []*pipeline.ExecutionResult
}

func newRun(conversationID string, plan pipeline.Plan, history []string, maxAssumptions int) *run {
	return &run{
		conversationID: conversationID,
		plan:           plan,
		history:        slices.Clone(history),
		feedback:       make(map[string][]pipeline.RetryFeedbackEntry),
		seen:           make(map[string]struct{}),
		maxAssumptions: maxAssumptions,
		generated:      make([]pipeline.GeneratedStep, len(plan.Steps)),
		results:        make([]*pipeline.ExecutionResult, len(plan.Steps)),
	}
}

func (r *run) request(idx, attempt int) generator.Request {
	step := r.plan.Steps[idx]
	return generator.Request{
		StepIndex:      idx,
		Step:           step,
		ConversationID: r.conversationID,
		History:        r.history,
		PriorQueries:   slices.Clone(r.priorQueries),
		Feedback:       slices.Clone(r.feedback[step.ID]),
		Attempt:        attempt,
	}
}

func (r *run) addFeedback(entry pipeline.RetryFeedbackEntry) {
	r.feedback[entry.StepID] = append(r.feedback[entry.StepID], entry)
}

// addAssumptions dedupes in first-seen order and stops at the cap.
func (r *run) addAssumptions(items []string) {
	for _, a := range items {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := r.seen[a]; ok {
			continue
		}
		if len(r.assumptions) >= r.maxAssumptions {
			return
		}
		r.seen[a] = struct{}{}
		r.assumptions = append(r.assumptions, a)
	}
}

func (r *run) addPriorQuery(q string) {
	if q = strings.TrimSpace(q); q != "" {
		r.priorQueries = append(r.priorQueries, q)
	}
}

func (r *run) feedbackCopy() map[string][]pipeline.RetryFeedbackEntry {
	out := make(map[string][]pipeline.RetryFeedbackEntry, len(r.feedback))
	for id, entries := range r.feedback {
		out[id] = slices.Clone(entries)
	}
	return out
}

// priorFailure reports whether a step shows evidence of an earlier failed
// attempt, which makes a non-ready outcome worth retrying.
func priorFailure(g pipeline.GeneratedStep) bool {
	if g.Retryable || g.AttemptedQuery != "" {
		return true
	}
	for _, a := range g.Assumptions {
		if strings.HasPrefix(strings.ToLower(a), executionRetryPrefix) {
			return true
		}
	}
	return false
}
