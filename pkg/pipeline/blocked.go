package pipeline

import "fmt"

// BlockReason classifies why a turn was stopped.
type BlockReason string

const (
	BlockOutOfDomain      BlockReason = "out_of_domain"
	BlockTooComplex       BlockReason = "too_complex"
	BlockClarification    BlockReason = "clarification"
	BlockTechnicalFailure BlockReason = "technical_failure"
	BlockNotRelevant      BlockReason = "not_relevant"
)

const (
	OutOfDomainMessageTemplate = "I can only answer questions about %s."
	TooComplexMessage          = "Your request is too complex, please simplify it and try again."
	TechnicalFailureMessage    = "I couldn't complete that request. Please review the trace for details."
)

// BlockDetail carries diagnostics for a blocked turn. It is meant for audit
// traces, not for the end user.
type BlockDetail struct {
	Phase         FeedbackPhase        `json:"phase"`
	StepID        string               `json:"stepId,omitempty"`
	Attempt       int                  `json:"attempt"`
	FailedQuery   string               `json:"failedQuery,omitempty"`
	RetryFeedback []RetryFeedbackEntry `json:"retryFeedback,omitempty"`
}

// BlockedOutcome ends a turn before validation runs.
type BlockedOutcome struct {
	StopReason  BlockReason `json:"stopReason"`
	UserMessage string      `json:"userMessage"`
	Detail      BlockDetail `json:"detail"`
}

func (b *BlockedOutcome) Error() string {
	if b.Detail.StepID != "" {
		return fmt.Sprintf("blocked (%s) at %s step %s attempt %d", b.StopReason, b.Detail.Phase, b.Detail.StepID, b.Detail.Attempt)
	}
	return fmt.Sprintf("blocked (%s)", b.StopReason)
}

// OutOfDomainMessage renders the fixed out-of-scope message for a domain.
func OutOfDomainMessage(domain string) string {
	if domain == "" {
		domain = "this dataset"
	}
	return fmt.Sprintf(OutOfDomainMessageTemplate, domain)
}
