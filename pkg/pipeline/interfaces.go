package pipeline

import "context"

// CompletionRequest is a single language-model call.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
	ExpectJSON  bool
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// QueryResult holds the rows returned by a backend.
type QueryResult struct {
	Columns []string
	Rows    []Row
	Count   int
}

// Backend executes guarded queries.
type Backend interface {
	// Execute runs a read-only query and returns its rows. The error text is
	// fed back into regeneration, so it should be the backend's own message.
	Execute(ctx context.Context, query string) (QueryResult, error)
}
