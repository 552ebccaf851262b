package engine

import (
	"context"
	"slices"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// generateLevel runs generation for one level until every step is ready or
// the level blocks. Retries happen level-wide: every step that is still not
// ready is regenerated together, with its feedback updated at the boundary.
func (e *Engine) generateLevel(ctx context.Context, r *run, level []int) error {
	pending := level
	for attempt := 1; ; attempt++ {
		steps, err := e.generateAll(ctx, r, pending, attempt)
		if err != nil {
			return err
		}

		var retry []int
		for i, idx := range pending {
			g := steps[i]
			r.generated[idx] = g
			r.addAssumptions(g.Assumptions)

			switch {
			case g.Ready():
			case g.Status == pipeline.StatusNotRelevant:
				reason := g.NotRelevantReason
				if reason == "" {
					reason = "step is not relevant to the data domain"
				}
				return &pipeline.BlockedOutcome{
					StopReason:  pipeline.BlockNotRelevant,
					UserMessage: pipeline.OutOfDomainMessage(e.cfg.DomainName),
					Detail: pipeline.BlockDetail{
						Phase:         pipeline.PhaseGeneration,
						StepID:        r.plan.Steps[idx].ID,
						Attempt:       attempt,
						FailedQuery:   g.AttemptedQuery,
						RetryFeedback: e.recent(r, idx, feedbackEntry(pipeline.PhaseGeneration, r.plan.Steps[idx].ID, attempt, g, reason)),
					},
				}
			case g.Status == pipeline.StatusClarification && !priorFailure(g):
				return &pipeline.BlockedOutcome{
					StopReason:  pipeline.BlockClarification,
					UserMessage: g.ClarificationQuestion,
					Detail: pipeline.BlockDetail{
						Phase:   pipeline.PhaseGeneration,
						StepID:  r.plan.Steps[idx].ID,
						Attempt: attempt,
					},
				}
			default:
				retry = append(retry, idx)
			}
		}
		if len(retry) == 0 {
			break
		}

		if attempt >= e.cfg.MaxAttempts {
			idx := retry[0]
			g := r.generated[idx]
			id := r.plan.Steps[idx].ID
			b := &pipeline.BlockedOutcome{
				StopReason:  pipeline.BlockTechnicalFailure,
				UserMessage: pipeline.TechnicalFailureMessage,
				Detail: pipeline.BlockDetail{
					Phase:         pipeline.PhaseGenerationBlocked,
					StepID:        id,
					Attempt:       attempt,
					FailedQuery:   g.AttemptedQuery,
					RetryFeedback: e.recent(r, idx, feedbackEntry(pipeline.PhaseGenerationBlocked, id, attempt, g, g.Reason())),
				},
			}
			if g.Status == pipeline.StatusClarification {
				b.StopReason = pipeline.BlockClarification
				b.UserMessage = g.ClarificationQuestion
			}
			return b
		}

		for _, idx := range retry {
			g := r.generated[idx]
			id := r.plan.Steps[idx].ID
			r.addFeedback(feedbackEntry(pipeline.PhaseGenerationBlocked, id, attempt, g, g.Reason()))
			metrics.RetriesTotal.WithLabelValues(string(pipeline.PhaseGenerationBlocked)).Inc()
			e.log.Warn("engine: retrying generation",
				"step", id, "attempt", attempt+1, "status", g.Status, "error", g.Reason())
		}
		pending = retry
	}

	for _, idx := range level {
		r.addPriorQuery(r.generated[idx].Query)
	}
	return nil
}

// generateAll makes one generation call per step, bounded by the generation
// pool. Results come back in the order of indices.
func (e *Engine) generateAll(ctx context.Context, r *run, indices []int, attempt int) ([]pipeline.GeneratedStep, error) {
	group := e.genPool.NewGroupContext(ctx)
	for _, idx := range indices {
		req := r.request(idx, attempt)
		group.SubmitErr(func() (pipeline.GeneratedStep, error) {
			return e.generate(ctx, req), nil
		})
	}
	steps, err := group.Wait()
	if err != nil {
		return nil, wrapPoolErr("generate", err)
	}
	return steps, nil
}

// recent returns the step's recorded feedback plus a final entry, capped to
// the feedback window.
func (e *Engine) recent(r *run, idx int, last pipeline.RetryFeedbackEntry) []pipeline.RetryFeedbackEntry {
	entries := append(slices.Clone(r.feedback[r.plan.Steps[idx].ID]), last)
	return pipeline.RecentFeedback(entries, e.cfg.FeedbackWindow)
}
