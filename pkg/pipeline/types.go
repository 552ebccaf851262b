package pipeline

import (
	"fmt"
	"strings"
)

// MaxPlanSteps is the ceiling on steps in a single plan.
const MaxPlanSteps = 5

// Relevance is the planner's scope decision for a message.
type Relevance string

const (
	RelevanceInDomain    Relevance = "in_domain"
	RelevanceOutOfDomain Relevance = "out_of_domain"
	RelevanceAmbiguous   Relevance = "ambiguous"
)

// ParseRelevance normalizes a model-provided relevance label.
func ParseRelevance(s string) Relevance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_domain", "in-domain", "indomain", "relevant":
		return RelevanceInDomain
	case "out_of_domain", "out-of-domain", "outofdomain", "irrelevant":
		return RelevanceOutOfDomain
	default:
		return RelevanceAmbiguous
	}
}

// StopReason marks a plan as terminal before any generation happens.
type StopReason string

const (
	StopNone        StopReason = "none"
	StopOutOfDomain StopReason = "out_of_domain"
	StopTooComplex  StopReason = "too_complex"
)

// PlanStep is one data-retrieval task in a plan.
type PlanStep struct {
	ID          string   `json:"id"`
	Goal        string   `json:"goal"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Independent bool     `json:"independent"`
}

// Plan is the planner's output for a single turn. It is not modified after
// the planner returns it.
type Plan struct {
	Steps                 []PlanStep `json:"steps"`
	AnalysisType          string     `json:"analysisType"`
	SecondaryAnalysisType string     `json:"secondaryAnalysisType,omitempty"`
	Relevance             Relevance  `json:"relevance"`
	RelevanceReason       string     `json:"relevanceReason,omitempty"`
	StopReason            StopReason `json:"stopReason"`
	StopMessage           string     `json:"stopMessage,omitempty"`
	Fallback              bool       `json:"fallback,omitempty"`
}

// Terminal reports whether the plan ends the turn without execution.
func (p Plan) Terminal() bool {
	return p.StopReason != "" && p.StopReason != StopNone
}

// Provider identifies which capability produced a generated step.
type Provider string

const (
	ProviderSubAnalyst    Provider = "sub_analyst"
	ProviderLanguageModel Provider = "language_model"
)

// Status is the four-way outcome of a generation attempt.
type Status string

const (
	StatusReady            Status = "ready"
	StatusClarification    Status = "clarification"
	StatusTechnicalFailure Status = "technical_failure"
	StatusNotRelevant      Status = "not_relevant"
)

// ParseStatus maps the outcome labels used by models and sub-analysts onto
// a Status. Unknown labels are treated as ready.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clarification", "clarify":
		return StatusClarification
	case "not_relevant", "out_of_domain", "irrelevant":
		return StatusNotRelevant
	case "technical_failure", "error", "failure":
		return StatusTechnicalFailure
	default:
		return StatusReady
	}
}

// Row is a single result record keyed by column name.
type Row map[string]any

// GeneratedStep is the result of one generation attempt for one plan step.
type GeneratedStep struct {
	StepIndex             int      `json:"stepIndex"`
	Provider              Provider `json:"provider"`
	Status                Status   `json:"status"`
	Query                 string   `json:"query,omitempty"`
	AttemptedQuery        string   `json:"attemptedQuery,omitempty"`
	Rationale             string   `json:"rationale,omitempty"`
	Assumptions           []string `json:"assumptions,omitempty"`
	ClarificationQuestion string   `json:"clarificationQuestion,omitempty"`
	TechnicalError        string   `json:"technicalError,omitempty"`
	NotRelevantReason     string   `json:"notRelevantReason,omitempty"`

	// Rows and Columns are set only when the provider executed the query itself.
	Rows    []Row    `json:"rows,omitempty"`
	Columns []string `json:"columns,omitempty"`
	HasRows bool     `json:"hasRows,omitempty"`

	// Retryable is set when this attempt follows an earlier failed attempt
	// for the same step.
	Retryable bool `json:"retryable,omitempty"`
}

// Ready reports whether the step has a query (or rows) that can be used.
func (g GeneratedStep) Ready() bool {
	return g.Status == StatusReady && (g.Query != "" || g.HasRows)
}

// Reason returns the most specific failure text the step carries.
func (g GeneratedStep) Reason() string {
	switch {
	case g.TechnicalError != "":
		return g.TechnicalError
	case g.ClarificationQuestion != "":
		return g.ClarificationQuestion
	case g.NotRelevantReason != "":
		return g.NotRelevantReason
	case g.Status == StatusReady && g.Query == "" && !g.HasRows:
		return "no query was produced"
	default:
		return string(g.Status)
	}
}

// ExecutionResult holds the rows produced for one plan step.
type ExecutionResult struct {
	StepID   string   `json:"stepId"`
	Query    string   `json:"query"`
	Columns  []string `json:"columns,omitempty"`
	Rows     []Row    `json:"rows"`
	RowCount int      `json:"rowCount"`
}

// FeedbackPhase identifies where a retry feedback entry was recorded.
type FeedbackPhase string

const (
	PhaseGeneration          FeedbackPhase = "generation"
	PhaseGenerationBlocked   FeedbackPhase = "generation_blocked"
	PhaseExecution           FeedbackPhase = "execution"
	PhaseRegenerationBlocked FeedbackPhase = "regeneration_blocked"
)

// RetryFeedbackEntry records one failed attempt for a step.
type RetryFeedbackEntry struct {
	Phase                 FeedbackPhase `json:"phase"`
	StepID                string        `json:"stepId"`
	Attempt               int           `json:"attempt"`
	Provider              Provider      `json:"provider,omitempty"`
	Error                 string        `json:"error"`
	FailedQuery           string        `json:"failedQuery,omitempty"`
	ClarificationQuestion string        `json:"clarificationQuestion,omitempty"`
	TechnicalError        string        `json:"technicalError,omitempty"`
	NotRelevantReason     string        `json:"notRelevantReason,omitempty"`
}

// String renders the entry as a single prompt line.
func (e RetryFeedbackEntry) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s attempt %d] %s", e.Phase, e.Attempt, e.Error)
	if e.FailedQuery != "" {
		fmt.Fprintf(&sb, " | failed query: %s", collapseSpaces(e.FailedQuery))
	}
	if e.ClarificationQuestion != "" && e.ClarificationQuestion != e.Error {
		fmt.Fprintf(&sb, " | clarification: %s", e.ClarificationQuestion)
	}
	return sb.String()
}

// RecentFeedback returns at most n of the most recent entries.
func RecentFeedback(entries []RetryFeedbackEntry, n int) []RetryFeedbackEntry {
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]RetryFeedbackEntry, len(entries))
	copy(out, entries)
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
