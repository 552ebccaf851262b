package generator

import (
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// Phrases that mark text as a database error rather than a business question.
var technicalIndicators = []string{
	"syntax error",
	"invalid identifier",
	"does not exist",
	"permission denied",
	"unknown column",
	"compilation error",
	"sql compilation",
	"not authorized",
}

// LooksTechnical reports whether text reads like a database or compiler error.
func LooksTechnical(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range technicalIndicators {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ParseGenerationType maps a provider's outcome label onto a status.
// "sql_ready", "answer" and "sql" are ready, as is anything unrecognized.
func ParseGenerationType(s string) pipeline.Status {
	return pipeline.ParseStatus(strings.ReplaceAll(s, "-", "_"))
}
