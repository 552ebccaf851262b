package generator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/pkg/guard"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
	"github.com/malbeclabs/analyst/pkg/subanalyst"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testModel(t *testing.T) *policy.Model {
	t.Helper()
	m, err := policy.Default()
	require.NoError(t, err)
	return m
}

type stubLink struct {
	provider pipeline.Provider
	step     pipeline.GeneratedStep
	err      error

	mu    sync.Mutex
	calls int
}

func (s *stubLink) Provider() pipeline.Provider { return s.provider }

func (s *stubLink) Generate(context.Context, Request) (pipeline.GeneratedStep, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.step, s.err
}

type mockSubAnalyst struct {
	mu       sync.Mutex
	reply    subanalyst.Reply
	err      error
	requests []subanalyst.Request
}

func (m *mockSubAnalyst) Ask(_ context.Context, req subanalyst.Request) (subanalyst.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.reply, m.err
}

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

func newChain(t *testing.T, links ...Link) *Chain {
	t.Helper()
	c, err := NewChain(ChainConfig{Logger: testLogger(), Model: testModel(t), Links: links})
	require.NoError(t, err)
	return c
}

func testRequest() Request {
	return Request{
		StepIndex:      1,
		Step:           pipeline.PlanStep{ID: "step_2", Goal: "total spend last month", Independent: true},
		ConversationID: "conv-1",
		History:        []string{"user: hi"},
		Attempt:        1,
	}
}

func TestAnalyst_Generator_Chain_FallsThroughOnError(t *testing.T) {
	t.Parallel()

	first := &stubLink{provider: pipeline.ProviderSubAnalyst, err: errors.New("connection refused")}
	second := &stubLink{provider: pipeline.ProviderLanguageModel, step: pipeline.GeneratedStep{
		Status: pipeline.StatusReady,
		Query:  "SELECT SUM(spend) FROM cia_sales_insights_cortex",
	}}

	step, err := newChain(t, first, second).Generate(t.Context(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)

	assert.Equal(t, pipeline.ProviderLanguageModel, step.Provider)
	assert.Equal(t, pipeline.StatusReady, step.Status)
	assert.Equal(t, 1, step.StepIndex)
	assert.Equal(t, "SELECT SUM(spend) FROM cia_sales_insights_cortex\nLIMIT 1000", step.Query)
	assert.Equal(t, "SELECT SUM(spend) FROM cia_sales_insights_cortex", step.AttemptedQuery)
	assert.True(t, step.Ready())
}

func TestAnalyst_Generator_Chain_AllLinksFail(t *testing.T) {
	t.Parallel()

	first := &stubLink{provider: pipeline.ProviderSubAnalyst, err: errors.New("timeout")}
	second := &stubLink{provider: pipeline.ProviderLanguageModel, err: errors.New("overloaded")}

	step, err := newChain(t, first, second).Generate(t.Context(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusTechnicalFailure, step.Status)
	assert.Equal(t, "overloaded", step.TechnicalError)
	assert.Equal(t, pipeline.ProviderLanguageModel, step.Provider)
	assert.False(t, step.Retryable)
}

func TestAnalyst_Generator_Chain_ReclassifiesDatabaseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		question string
		want     pipeline.Status
	}{
		{question: "SQL compilation error: invalid identifier 'SPEND_X'", want: pipeline.StatusTechnicalFailure},
		{question: "Table foo does not exist", want: pipeline.StatusTechnicalFailure},
		{question: "Permission denied for schema analytics", want: pipeline.StatusTechnicalFailure},
		{question: "Do you mean card present or all channels?", want: pipeline.StatusClarification},
	}
	for _, tt := range tests {
		link := &stubLink{provider: pipeline.ProviderLanguageModel, step: pipeline.GeneratedStep{
			Status:                pipeline.StatusClarification,
			ClarificationQuestion: tt.question,
		}}
		step, err := newChain(t, link).Generate(t.Context(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, tt.want, step.Status, tt.question)
		if tt.want == pipeline.StatusTechnicalFailure {
			assert.Equal(t, tt.question, step.TechnicalError)
			assert.Empty(t, step.ClarificationQuestion)
		} else {
			assert.Equal(t, tt.question, step.ClarificationQuestion)
		}
	}
}

func TestAnalyst_Generator_Chain_GuardViolationDowngrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		kind  error
	}{
		{name: "forbidden", query: "DELETE FROM cia_sales_insights_cortex", kind: guard.ErrForbiddenStatement},
		{name: "unknown table", query: "SELECT * FROM payroll", kind: guard.ErrTableNotAllowlisted},
		{name: "restricted field", query: "SELECT card_number FROM cia_sales_insights_cortex", kind: guard.ErrRestrictedField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			link := &stubLink{provider: pipeline.ProviderLanguageModel, step: pipeline.GeneratedStep{
				Status: pipeline.StatusReady,
				Query:  tt.query,
			}}
			step, err := newChain(t, link).Generate(t.Context(), testRequest())
			require.NoError(t, err)
			assert.Equal(t, pipeline.StatusTechnicalFailure, step.Status)
			assert.Contains(t, step.TechnicalError, tt.kind.Error())
			assert.Empty(t, step.Query)
			assert.Equal(t, tt.query, step.AttemptedQuery)
			assert.True(t, step.Retryable)
			assert.False(t, step.Ready())
		})
	}
}

func TestAnalyst_Generator_Chain_ReadyWithoutQuery(t *testing.T) {
	t.Parallel()

	link := &stubLink{provider: pipeline.ProviderLanguageModel, step: pipeline.GeneratedStep{Status: pipeline.StatusReady}}
	step, err := newChain(t, link).Generate(t.Context(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusTechnicalFailure, step.Status)
	assert.Equal(t, "no query was produced", step.TechnicalError)
}

func TestAnalyst_Generator_Chain_Retryable(t *testing.T) {
	t.Parallel()

	link := &stubLink{provider: pipeline.ProviderLanguageModel, step: pipeline.GeneratedStep{
		Status:                pipeline.StatusClarification,
		ClarificationQuestion: "Which region?",
	}}
	chain := newChain(t, link)

	step, err := chain.Generate(t.Context(), testRequest())
	require.NoError(t, err)
	assert.False(t, step.Retryable)

	req := testRequest()
	req.Feedback = []pipeline.RetryFeedbackEntry{{Phase: pipeline.PhaseExecution, StepID: "step_2", Attempt: 1, Error: "boom"}}
	step, err = chain.Generate(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, step.Retryable)

	req.Feedback = []pipeline.RetryFeedbackEntry{{Phase: pipeline.PhaseExecution, StepID: "step_9", Attempt: 1, Error: "boom"}}
	step, err = chain.Generate(t.Context(), req)
	require.NoError(t, err)
	assert.False(t, step.Retryable)
}

func TestAnalyst_Generator_Chain_CapsAssumptions(t *testing.T) {
	t.Parallel()

	link := &stubLink{provider: pipeline.ProviderLanguageModel, step: pipeline.GeneratedStep{
		Status:      pipeline.StatusReady,
		Query:       "SELECT 1 FROM cia_sales_insights_cortex",
		Assumptions: []string{" a ", "", "b", "c", "d", "e"},
	}}
	step, err := newChain(t, link).Generate(t.Context(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, step.Assumptions)
}

func TestAnalyst_Generator_ChainConfig_Validate(t *testing.T) {
	t.Parallel()

	require.EqualError(t, (&ChainConfig{}).Validate(), "logger is required")
	require.EqualError(t, (&ChainConfig{Logger: testLogger()}).Validate(), "policy model is required")
	require.EqualError(t, (&ChainConfig{Logger: testLogger(), Model: testModel(t)}).Validate(), "at least one link is required")
}

func TestAnalyst_Generator_SubAnalystLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply subanalyst.Reply
		check func(t *testing.T, step pipeline.GeneratedStep)
	}{
		{
			name:  "sql ready",
			reply: subanalyst.Reply{Type: "sql_ready", SQL: " SELECT spend FROM cia_sales_insights_cortex ", Rationale: "sum", Assumptions: []string{"calendar month"}},
			check: func(t *testing.T, step pipeline.GeneratedStep) {
				assert.Equal(t, pipeline.StatusReady, step.Status)
				assert.Equal(t, "SELECT spend FROM cia_sales_insights_cortex\nLIMIT 1000", step.Query)
				assert.Equal(t, []string{"calendar month"}, step.Assumptions)
				assert.False(t, step.HasRows)
			},
		},
		{
			name:  "answer with rows",
			reply: subanalyst.Reply{Type: "answer", Rows: []pipeline.Row{{"total": 10.5}}, Columns: []string{"total"}},
			check: func(t *testing.T, step pipeline.GeneratedStep) {
				assert.Equal(t, pipeline.StatusReady, step.Status)
				assert.True(t, step.HasRows)
				assert.Equal(t, []pipeline.Row{{"total": 10.5}}, step.Rows)
				assert.True(t, step.Ready())
			},
		},
		{
			name:  "clarify",
			reply: subanalyst.Reply{Type: "clarify", ClarificationQuestion: "Which stores?"},
			check: func(t *testing.T, step pipeline.GeneratedStep) {
				assert.Equal(t, pipeline.StatusClarification, step.Status)
				assert.Equal(t, "Which stores?", step.ClarificationQuestion)
			},
		},
		{
			name:  "question overrides ready type",
			reply: subanalyst.Reply{Type: "sql", ClarificationQuestion: "Which month?"},
			check: func(t *testing.T, step pipeline.GeneratedStep) {
				assert.Equal(t, pipeline.StatusClarification, step.Status)
			},
		},
		{
			name:  "out of domain",
			reply: subanalyst.Reply{Type: "out-of-domain", NotRelevantReason: "weather"},
			check: func(t *testing.T, step pipeline.GeneratedStep) {
				assert.Equal(t, pipeline.StatusNotRelevant, step.Status)
				assert.Equal(t, "weather", step.NotRelevantReason)
			},
		},
		{
			name:  "error",
			reply: subanalyst.Reply{Type: "error", Error: "warehouse unavailable", SQL: "SELECT 1 FROM cia_sales_insights_cortex"},
			check: func(t *testing.T, step pipeline.GeneratedStep) {
				assert.Equal(t, pipeline.StatusTechnicalFailure, step.Status)
				assert.Equal(t, "warehouse unavailable", step.TechnicalError)
				assert.Equal(t, "SELECT 1 FROM cia_sales_insights_cortex", step.AttemptedQuery)
				assert.Empty(t, step.Query)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := &mockSubAnalyst{reply: tt.reply}
			link, err := NewSubAnalystLink(client, "")
			require.NoError(t, err)

			step, err := newChain(t, link).Generate(t.Context(), testRequest())
			require.NoError(t, err)
			assert.Equal(t, pipeline.ProviderSubAnalyst, step.Provider)
			tt.check(t, step)
		})
	}
}

func TestAnalyst_Generator_SubAnalystLink_Request(t *testing.T) {
	t.Parallel()

	client := &mockSubAnalyst{reply: subanalyst.Reply{Type: "sql_ready", SQL: "SELECT 1 FROM cia_sales_insights_cortex"}}
	link, err := NewSubAnalystLink(client, "analysis")
	require.NoError(t, err)

	req := testRequest()
	req.Feedback = []pipeline.RetryFeedbackEntry{{Phase: pipeline.PhaseExecution, StepID: "step_2", Attempt: 1, Error: "boom"}}
	_, err = link.Generate(t.Context(), req)
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	got := client.requests[0]
	assert.Equal(t, "conv-1::sub::step_2", got.ConversationID)
	assert.Equal(t, "total spend last month", got.Message)
	assert.Equal(t, "step_2", got.StepID)
	assert.Equal(t, "analysis", got.RouteHint)
	assert.Equal(t, []string{"user: hi"}, got.History)
	assert.Equal(t, req.Feedback, got.RetryFeedback)
}

func TestAnalyst_Generator_SubAnalystFallsThroughToLLM(t *testing.T) {
	t.Parallel()

	sub, err := NewSubAnalystLink(&mockSubAnalyst{err: errors.New("sub-analyst request failed: 503")}, "")
	require.NoError(t, err)
	llm := &mockLLM{reply: `{"outcome":"ready","sql":"SELECT SUM(spend) AS total FROM cia_sales_insights_cortex","rationale":"sum of spend"}`}
	lm, err := NewLLMLink(LLMConfig{Logger: testLogger(), LLM: llm, Model: testModel(t)})
	require.NoError(t, err)

	step, err := newChain(t, sub, lm).Generate(t.Context(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, pipeline.ProviderLanguageModel, step.Provider)
	assert.Equal(t, pipeline.StatusReady, step.Status)
	assert.Equal(t, "sum of spend", step.Rationale)
	require.Len(t, llm.requests, 1)
}

func TestAnalyst_Generator_LLMLink_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		llm    *mockLLM
		status pipeline.Status
		reason string
	}{
		{
			name:   "call failure",
			llm:    &mockLLM{err: errors.New("context deadline exceeded")},
			status: pipeline.StatusTechnicalFailure,
			reason: "context deadline exceeded",
		},
		{
			name:   "unparseable",
			llm:    &mockLLM{reply: "sorry, I cannot help"},
			status: pipeline.StatusTechnicalFailure,
			reason: "failed to parse generation reply: " + pipeline.ErrNoJSON.Error(),
		},
		{
			name:   "clarification default question",
			llm:    &mockLLM{reply: `{"outcome":"clarification"}`},
			status: pipeline.StatusClarification,
			reason: defaultClarification,
		},
		{
			name:   "not relevant",
			llm:    &mockLLM{reply: `{"outcome":"not_relevant","notRelevantReason":"asks about payroll"}`},
			status: pipeline.StatusNotRelevant,
			reason: "asks about payroll",
		},
		{
			name:   "technical failure",
			llm:    &mockLLM{reply: `{"outcome":"technical_failure","technicalError":"cannot map metric"}`},
			status: pipeline.StatusTechnicalFailure,
			reason: "cannot map metric",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			link, err := NewLLMLink(LLMConfig{Logger: testLogger(), LLM: tt.llm, Model: testModel(t)})
			require.NoError(t, err)

			step, err := newChain(t, link).Generate(t.Context(), testRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.status, step.Status)
			assert.Equal(t, tt.reason, step.Reason())
		})
	}
}

func TestAnalyst_Generator_LLMLink_Prompt(t *testing.T) {
	t.Parallel()

	llm := &mockLLM{reply: `{"outcome":"ready","sql":"SELECT 1 FROM cia_sales_insights_cortex"}`}
	link, err := NewLLMLink(LLMConfig{Logger: testLogger(), LLM: llm, Model: testModel(t), Dialect: "DuckDB SQL"})
	require.NoError(t, err)

	req := testRequest()
	req.PriorQueries = []string{"q1", "q2", "q3", "SELECT a\nFROM b", "q5", "q6"}
	for i := 1; i <= 8; i++ {
		req.Feedback = append(req.Feedback, pipeline.RetryFeedbackEntry{
			Phase: pipeline.PhaseExecution, StepID: "step_2", Attempt: i, Error: "err" + string(rune('0'+i)),
		})
	}
	_, err = link.Generate(t.Context(), req)
	require.NoError(t, err)

	require.Len(t, llm.requests, 1)
	got := llm.requests[0]
	assert.True(t, got.ExpectJSON)
	assert.EqualValues(t, defaultMaxTokens, got.MaxTokens)
	assert.Contains(t, got.System, "DuckDB SQL")
	assert.Contains(t, got.System, `"clarificationQuestion"`)

	assert.Contains(t, got.User, "Semantic model version: 1.0")
	assert.Contains(t, got.User, "cia_sales_insights_cortex")
	assert.Contains(t, got.User, "Step goal: total spend last month")
	assert.NotContains(t, got.User, "- q1")
	assert.Contains(t, got.User, "- q2")
	assert.Contains(t, got.User, "- SELECT a FROM b")
	assert.Contains(t, got.User, "- q6")
	assert.NotContains(t, got.User, "err2")
	assert.Contains(t, got.User, "[execution attempt 3] err3")
	assert.Contains(t, got.User, "[execution attempt 8] err8")
}

func TestAnalyst_Generator_LooksTechnical(t *testing.T) {
	t.Parallel()

	assert.True(t, LooksTechnical("Syntax error at or near SELECT"))
	assert.True(t, LooksTechnical("Unknown column 'x' in field list"))
	assert.True(t, LooksTechnical("User is not authorized to access table"))
	assert.False(t, LooksTechnical("Which time window should I use?"))

	assert.Equal(t, pipeline.StatusReady, ParseGenerationType("sql_ready"))
	assert.Equal(t, pipeline.StatusReady, ParseGenerationType("answer"))
	assert.Equal(t, pipeline.StatusReady, ParseGenerationType("something-else"))
	assert.Equal(t, pipeline.StatusNotRelevant, ParseGenerationType("not-relevant"))
	assert.Equal(t, pipeline.StatusClarification, ParseGenerationType("Clarify"))
	assert.Equal(t, pipeline.StatusTechnicalFailure, ParseGenerationType("technical_failure"))
}
