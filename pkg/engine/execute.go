package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/generator"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

var errAllNull = errors.New("every value in the result is null; the query likely targets the wrong grain")

// stepInput is the snapshot handed to one concurrent step execution.
type stepInput struct {
	index          int
	step           pipeline.PlanStep
	conversationID string
	history        []string
	priorQueries   []string
	generated      pipeline.GeneratedStep
	feedback       []pipeline.RetryFeedbackEntry
}

// stepOutcome is what a step execution hands back for merging at the level
// boundary.
type stepOutcome struct {
	result      pipeline.ExecutionResult
	final       pipeline.GeneratedStep
	feedback    []pipeline.RetryFeedbackEntry
	assumptions []string
}

func (e *Engine) executeLevel(ctx context.Context, r *run, level []int) error {
	levelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first step error is kept so that siblings cancelled after it, and
	// the group's own context error, cannot replace it.
	var (
		firstOnce sync.Once
		firstErr  error
	)
	group := e.execPool.NewGroupContext(levelCtx)
	for _, idx := range level {
		step := r.plan.Steps[idx]
		in := stepInput{
			index:          idx,
			step:           step,
			conversationID: r.conversationID,
			history:        r.history,
			priorQueries:   slices.Clone(r.priorQueries),
			generated:      r.generated[idx],
			feedback:       slices.Clone(r.feedback[step.ID]),
		}
		group.SubmitErr(func() (stepOutcome, error) {
			out, err := e.executeStep(levelCtx, in)
			if err != nil {
				firstOnce.Do(func() { firstErr = err })
				// Siblings in this level stop once one step is terminal.
				cancel()
			}
			return out, err
		})
	}

	outcomes, err := group.Wait()
	if firstErr != nil {
		return wrapPoolErr("execute", firstErr)
	}
	if err != nil {
		return wrapPoolErr("execute", err)
	}

	for i, idx := range level {
		out := outcomes[i]
		res := out.result
		r.results[idx] = &res
		if len(out.feedback) > 0 {
			r.feedback[r.plan.Steps[idx].ID] = out.feedback
		}
		r.addAssumptions(out.assumptions)
		if out.final.Query != r.generated[idx].Query {
			r.addPriorQuery(out.final.Query)
		}
		r.generated[idx] = out.final
	}
	return nil
}

// executeStep runs a step's query, regenerating after each failure until the
// attempt budget is spent.
func (e *Engine) executeStep(ctx context.Context, in stepInput) (stepOutcome, error) {
	out := stepOutcome{feedback: in.feedback}
	current := in.generated
	var failedQuery string

	for attempt := 1; ; attempt++ {
		var (
			phase   pipeline.FeedbackPhase
			errText string
		)
		if current.Ready() {
			res, err := e.execute(ctx, in.step.ID, current)
			if err == nil {
				out.result = res
				out.final = current
				return out, nil
			}
			phase, errText = pipeline.PhaseExecution, err.Error()
			failedQuery = current.Query
		} else {
			phase, errText = pipeline.PhaseRegenerationBlocked, current.Reason()
			if current.AttemptedQuery != "" {
				failedQuery = current.AttemptedQuery
			}
		}
		out.feedback = append(out.feedback, feedbackEntry(phase, in.step.ID, attempt, current, errText))

		if current.Status == pipeline.StatusNotRelevant {
			return out, e.notRelevant(in.step.ID, attempt, phase, current.AttemptedQuery, out.feedback)
		}

		if attempt >= e.cfg.MaxAttempts || ctx.Err() != nil {
			return out, e.exhausted(in.step.ID, attempt, phase, failedQuery, out.feedback)
		}

		metrics.RetriesTotal.WithLabelValues(string(phase)).Inc()
		e.log.Warn("engine: retrying execution", "step", in.step.ID, "attempt", attempt+1, "phase", phase, "error", errText)

		current = e.regenerate(ctx, generator.Request{
			StepIndex:      in.index,
			Step:           in.step,
			ConversationID: in.conversationID,
			History:        in.history,
			PriorQueries:   in.priorQueries,
			Feedback:       slices.Clone(out.feedback),
			Attempt:        attempt + 1,
		})
		if phase == pipeline.PhaseExecution {
			current.Assumptions = append(current.Assumptions, fmt.Sprintf("%s%d: %s", executionRetryPrefix, attempt, errText))
		}
		out.assumptions = append(out.assumptions, current.Assumptions...)
	}
}

// regenerate submits a generator call to the generation pool so that
// regenerations share its concurrency bound.
func (e *Engine) regenerate(ctx context.Context, req generator.Request) pipeline.GeneratedStep {
	step, err := e.genPool.SubmitErr(func() (pipeline.GeneratedStep, error) {
		return e.generate(ctx, req), nil
	}).Wait()
	if err != nil {
		return pipeline.GeneratedStep{
			StepIndex:      req.StepIndex,
			Status:         pipeline.StatusTechnicalFailure,
			TechnicalError: err.Error(),
		}
	}
	return step
}

// execute produces the rows for a ready step, using the provider's rows when
// it returned any.
func (e *Engine) execute(ctx context.Context, stepID string, g pipeline.GeneratedStep) (pipeline.ExecutionResult, error) {
	res := pipeline.ExecutionResult{StepID: stepID, Query: g.Query}
	if g.HasRows {
		res.Rows, res.Columns = g.Rows, g.Columns
		if res.Query == "" {
			res.Query = g.AttemptedQuery
		}
	} else {
		if e.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
		}
		start := time.Now()
		qr, err := e.cfg.Backend.Execute(ctx, g.Query)
		metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ExecutionsTotal.WithLabelValues("error").Inc()
			return pipeline.ExecutionResult{}, err
		}
		res.Rows, res.Columns = qr.Rows, qr.Columns
	}
	if allNull(res.Rows) {
		metrics.ExecutionsTotal.WithLabelValues("all_null").Inc()
		return pipeline.ExecutionResult{}, errAllNull
	}
	if res.Rows == nil {
		res.Rows = []pipeline.Row{}
	}
	res.RowCount = len(res.Rows)
	metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	return res, nil
}

// allNull reports whether there is at least one row and every cell is null.
func allNull(rows []pipeline.Row) bool {
	if len(rows) == 0 {
		return false
	}
	for _, row := range rows {
		for _, v := range row {
			if v != nil {
				return false
			}
		}
	}
	return true
}
