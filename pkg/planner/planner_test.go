package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
)

type mockLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []pipeline.CompletionRequest
}

func (m *mockLLM) Complete(_ context.Context, req pipeline.CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.reply, m.err
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func testModel(t *testing.T) *policy.Model {
	t.Helper()
	m, err := policy.Default()
	require.NoError(t, err)
	return m
}

func newTestPlanner(t *testing.T, llm pipeline.LLMClient) *Planner {
	t.Helper()
	p, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLM:    llm,
		Model:  testModel(t),
	})
	require.NoError(t, err)
	return p
}

func TestAnalyst_Planner_OutOfDomain(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{reply: `{"relevance":"out_of_domain","relevanceReason":"weather","analysisType":"descriptive","tooComplex":false,"tasks":[]}`}
	plan := newTestPlanner(t, llm).Plan(t.Context(), "what is the weather tomorrow?", nil)

	assert.Equal(t, pipeline.StopOutOfDomain, plan.StopReason)
	assert.Equal(t, pipeline.RelevanceOutOfDomain, plan.Relevance)
	assert.Equal(t, "I can only answer questions about Customer Insights.", plan.StopMessage)
	assert.Empty(t, plan.Steps)
	assert.True(t, plan.Terminal())
}

func TestAnalyst_Planner_TooComplex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
	}{
		{
			name:  "flagged",
			reply: `{"relevance":"in_domain","analysisType":"comparison","tooComplex":true,"tasks":[]}`,
		},
		{
			name: "more than five tasks",
			reply: `{"relevance":"in_domain","analysisType":"descriptive","tooComplex":false,"tasks":[
				{"task":"a"},{"task":"b"},{"task":"c"},{"task":"d"},{"task":"e"},{"task":"f"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan := newTestPlanner(t, &mockLLM{reply: tt.reply}).Plan(t.Context(), "everything about sales", nil)
			assert.Equal(t, pipeline.StopTooComplex, plan.StopReason)
			assert.Equal(t, pipeline.TooComplexMessage, plan.StopMessage)
			assert.Empty(t, plan.Steps)
		})
	}
}

func TestAnalyst_Planner_UnclearStillPlans(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{reply: "```json\n" + `{"relevance":"unclear","analysisType":"descriptive","tooComplex":false,"tasks":[
		{"task":"Total spend last month"},
		{"task":"Total transactions last month"},
		{"task":"Household reach last month"}]}` + "\n```"}
	plan := newTestPlanner(t, llm).Plan(t.Context(), "how did we do last month", nil)

	assert.Equal(t, pipeline.RelevanceAmbiguous, plan.Relevance)
	assert.Equal(t, pipeline.StopNone, plan.StopReason)
	require.Len(t, plan.Steps, 3)
	for i, step := range plan.Steps {
		assert.Equal(t, stepID(i+1), step.ID)
		assert.True(t, step.Independent)
		assert.Empty(t, step.DependsOn)
	}
	assert.False(t, plan.Fallback)
}

func TestAnalyst_Planner_FallbackOnModelFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		llm       *mockLLM
		message   string
		relevance pipeline.Relevance
	}{
		{
			name:      "call error with domain terms",
			llm:       &mockLLM{err: errors.New("rate limited")},
			message:   "repeat spend by transaction state",
			relevance: pipeline.RelevanceInDomain,
		},
		{
			name:      "unparseable reply without domain terms",
			llm:       &mockLLM{reply: "I am not sure what you mean"},
			message:   "hello there",
			relevance: pipeline.RelevanceAmbiguous,
		},
		{
			name:      "no surviving tasks with domain phrase",
			llm:       &mockLLM{reply: `{"relevance":"in_domain","analysisType":"descriptive","tasks":[{"task":"  "}]}`},
			message:   "card present trends",
			relevance: pipeline.RelevanceInDomain,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan := newTestPlanner(t, tt.llm).Plan(t.Context(), tt.message, nil)
			require.Len(t, plan.Steps, 1)
			assert.Equal(t, "step_1", plan.Steps[0].ID)
			assert.Equal(t, tt.message, plan.Steps[0].Goal)
			assert.True(t, plan.Steps[0].Independent)
			assert.True(t, plan.Fallback)
			assert.Equal(t, pipeline.StopNone, plan.StopReason)
			assert.Equal(t, tt.relevance, plan.Relevance)
		})
	}
}

func TestAnalyst_Planner_StripsSchemaTokens(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{reply: `{"relevance":"in_domain","analysisType":"descriptive","tasks":[
		{"task":"Calculate total sales for last month from the cia_sales_insights_cortex table using repeat_spend and new_spend"}]}`}
	plan := newTestPlanner(t, llm).Plan(t.Context(), "total sales last month", nil)

	require.Len(t, plan.Steps, 1)
	goal := plan.Steps[0].Goal
	assert.True(t, strings.HasPrefix(goal, "Calculate total sales for last month"), goal)
	assert.NotContains(t, goal, "cia_sales_insights_cortex")
	assert.NotContains(t, goal, "repeat_spend")
	assert.NotContains(t, goal, "new_spend")
	assert.Contains(t, goal, "repeat spend")
}

func TestAnalyst_Planner_StripSchemaTokens(t *testing.T) {
	t.Parallel()
	model := testModel(t)

	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "Sum spend from the cia_sales_insights_cortex table by transaction_state",
			want: "Sum spend from the data by transaction state",
		},
		{
			in:   "Count rows in analytics.public.cia_household_insights_cortex",
			want: "Count rows in the data",
		},
		{
			in:   "Break down by custom_segment_code , then rank",
			want: "Break down by custom segment code, then rank",
		},
		{
			in:   "Total sales last month",
			want: "Total sales last month",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripSchemaTokens(tt.in, model), tt.in)
	}
}

func TestAnalyst_Planner_DedupesAndMapsDependencies(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{reply: `{"relevance":"in_domain","analysisType":"descriptive","tasks":[
		{"task":"Find the top store by spend last month."},
		{"task":"find the top  store by spend last month"},
		{"task":"Get daily spend for that store", "dependsOn":["step_1", 3, "step_9"]},
		{"task":"Get household reach for that store", "dependsOn":[2, "1"]}]}`}
	plan := newTestPlanner(t, llm).Plan(t.Context(), "top store and its reach", nil)

	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "step_1", plan.Steps[0].ID)
	assert.True(t, plan.Steps[0].Independent)

	// Self and unknown references are dropped.
	assert.Equal(t, "step_2", plan.Steps[1].ID)
	assert.Equal(t, []string{"step_1"}, plan.Steps[1].DependsOn)
	assert.False(t, plan.Steps[1].Independent)

	// Raw position 2 was a duplicate of step_1 and collapses with it.
	assert.Equal(t, "step_3", plan.Steps[2].ID)
	assert.Equal(t, []string{"step_1"}, plan.Steps[2].DependsOn)
}

func TestAnalyst_Planner_DropsForwardDependencies(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{reply: `{"relevance":"in_domain","analysisType":"descriptive","tasks":[
		{"task":"Spend for the store found in step 2", "dependsOn":["step_2"]},
		{"task":"Find the top store by spend last month"},
		{"task":"Compare the two results", "dependsOn":["step_1", "step_2", "step_3"]}]}`}
	plan := newTestPlanner(t, llm).Plan(t.Context(), "top store spend", nil)

	require.Len(t, plan.Steps, 3)
	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.True(t, plan.Steps[0].Independent)
	assert.True(t, plan.Steps[1].Independent)
	assert.Equal(t, []string{"step_1", "step_2"}, plan.Steps[2].DependsOn)
}

func TestAnalyst_Planner_EnsureShape(t *testing.T) {
	t.Parallel()

	steps := []pipeline.PlanStep{{ID: "step_1", Goal: "Spend by store last month."}}
	EnsureShape(steps, AnalysisRanking)
	assert.Equal(t, "Spend by store last month. "+shapes[AnalysisRanking].instruction, steps[0].Goal)

	steps = []pipeline.PlanStep{{ID: "step_1", Goal: "Top 10 stores by spend"}}
	EnsureShape(steps, AnalysisRanking)
	assert.Equal(t, "Top 10 stores by spend", steps[0].Goal)

	steps = []pipeline.PlanStep{{ID: "step_1", Goal: "Spend by store"}}
	EnsureShape(steps, AnalysisDescriptive)
	assert.Equal(t, "Spend by store", steps[0].Goal)
}

func TestAnalyst_Planner_AnalysisTypes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, AnalysisRanking, NormalizeAnalysisType(" Ranking "))
	assert.Equal(t, AnalysisTrend, NormalizeAnalysisType("time-series"))
	assert.Equal(t, AnalysisDescriptive, NormalizeAnalysisType("forecast"))
	assert.Equal(t, AnalysisDescriptive, NormalizeAnalysisType(""))

	assert.Equal(t, AnalysisDriver, InferAnalysisType("Why did spend drop?"))
	assert.Equal(t, AnalysisComparison, InferAnalysisType("spend this year vs last year"))
	assert.Equal(t, AnalysisTrend, InferAnalysisType("monthly spend"))
	assert.Equal(t, AnalysisRanking, InferAnalysisType("top stores"))
	assert.Equal(t, AnalysisComposition, InferAnalysisType("channel mix"))
	assert.Equal(t, AnalysisDescriptive, InferAnalysisType("total spend"))

	assert.Empty(t, normalizeSecondary("ranking", AnalysisRanking))
	assert.Equal(t, AnalysisTrend, normalizeSecondary("trend", AnalysisRanking))
}

func TestAnalyst_Planner_PromptCarriesScopeAndHistory(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{err: errors.New("down")}
	history := []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8"}
	newTestPlanner(t, llm).Plan(t.Context(), "total spend", history)

	require.Equal(t, 1, llm.calls())
	req := llm.requests[0]
	assert.True(t, req.ExpectJSON)
	assert.InDelta(t, defaultTemperature, req.Temperature, 1e-9)
	assert.EqualValues(t, defaultMaxTokens, req.MaxTokens)
	assert.Contains(t, req.System, `"tooComplex"`)
	assert.Contains(t, req.User, "Max steps: 5")
	assert.Contains(t, req.User, "- h8")
	assert.Contains(t, req.User, "- h3")
	assert.NotContains(t, req.User, "- h2")
	assert.NotContains(t, req.User, "cia_sales_insights_cortex")
}

func TestAnalyst_Planner_ConfigValidate(t *testing.T) {
	t.Parallel()

	require.EqualError(t, (&Config{}).Validate(), "logger is required")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.EqualError(t, (&Config{Logger: logger}).Validate(), "llm is required")
	require.EqualError(t, (&Config{Logger: logger, LLM: &mockLLM{}}).Validate(), "policy model is required")

	cfg := Config{Logger: logger, LLM: &mockLLM{}, Model: testModel(t)}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Customer Insights", cfg.DomainName)
	assert.Equal(t, defaultHistoryWindow, cfg.HistoryWindow)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, defaultTemperature, *cfg.Temperature, 1e-9)

	zero := 0.0
	cfg = Config{Logger: logger, LLM: &mockLLM{}, Model: testModel(t), Temperature: &zero}
	require.NoError(t, cfg.Validate())
	assert.Zero(t, *cfg.Temperature)
}
