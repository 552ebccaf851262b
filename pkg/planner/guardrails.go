package planner

import (
	"regexp"
	"sort"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
)

const (
	AnalysisDescriptive = "descriptive"
	AnalysisRanking     = "ranking"
	AnalysisTrend       = "trend"
	AnalysisComparison  = "comparison"
	AnalysisComposition = "composition"
	AnalysisDriver      = "driver"
)

var analysisTypes = map[string]string{
	"descriptive": AnalysisDescriptive,
	"summary":     AnalysisDescriptive,
	"ranking":     AnalysisRanking,
	"rank":        AnalysisRanking,
	"top_n":       AnalysisRanking,
	"trend":       AnalysisTrend,
	"time_series": AnalysisTrend,
	"comparison":  AnalysisComparison,
	"compare":     AnalysisComparison,
	"composition": AnalysisComposition,
	"mix":         AnalysisComposition,
	"driver":      AnalysisDriver,
	"root_cause":  AnalysisDriver,
}

// NormalizeAnalysisType maps a model label onto a known analysis type.
// Unknown labels become descriptive.
func NormalizeAnalysisType(s string) string {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if t, ok := analysisTypes[key]; ok {
		return t
	}
	return AnalysisDescriptive
}

func normalizeSecondary(s, primary string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	t := NormalizeAnalysisType(s)
	if t == primary {
		return ""
	}
	return t
}

type shape struct {
	keywords    []string
	instruction string
}

var shapes = map[string]shape{
	AnalysisRanking: {
		keywords:    []string{"top", "bottom", "rank", "highest", "lowest"},
		instruction: "Return the results ranked from highest to lowest.",
	},
	AnalysisTrend: {
		keywords:    []string{"trend", "over time", "by month", "by week", "by day", "monthly", "weekly", "daily"},
		instruction: "Return the results as a time series ordered by period.",
	},
	AnalysisComparison: {
		keywords:    []string{"compare", "versus", "vs", "change", "delta", "prior", "previous", "year over year", "yoy"},
		instruction: "Include the comparison baseline and the change versus that baseline.",
	},
	AnalysisComposition: {
		keywords:    []string{"share", "mix", "breakdown", "composition"},
		instruction: "Include each segment's share of the total.",
	},
}

// inference order when the model did not name a type
var inferenceOrder = []string{AnalysisComparison, AnalysisTrend, AnalysisRanking, AnalysisComposition}

var driverKeywords = []string{"why", "driver", "drivers", "root cause", "because"}

// InferAnalysisType picks an analysis type from keywords in the message.
func InferAnalysisType(message string) string {
	text := wordText(message)
	if containsAny(text, driverKeywords) {
		return AnalysisDriver
	}
	for _, t := range inferenceOrder {
		if containsAny(text, shapes[t].keywords) {
			return t
		}
	}
	return AnalysisDescriptive
}

// EnsureShape appends the analysis-shape instruction to the first step when
// no step already expresses the shape.
func EnsureShape(steps []pipeline.PlanStep, analysisType string) {
	s, ok := shapes[analysisType]
	if !ok || len(steps) == 0 {
		return
	}
	for _, step := range steps {
		if containsAny(wordText(step.Goal), s.keywords) {
			return
		}
	}
	goal := strings.TrimRight(strings.TrimSpace(steps[0].Goal), ".")
	steps[0].Goal = goal + ". " + s.instruction
}

var (
	nonWordRE     = regexp.MustCompile(`[^a-z0-9]+`)
	reservedRE    = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`)
	spaceRE       = regexp.MustCompile(`[ \t]+`)
	spaceBeforeRE = regexp.MustCompile(`\s+([,.;:!?])`)
	repeatDataRE  = regexp.MustCompile(`(?i)\bthe data(?:\s+the data)+\b`)
	theTheRE      = regexp.MustCompile(`(?i)\bthe the\b`)
)

// StripSchemaTokens rewrites a task so it carries no physical table or field
// names. Tables become "the data" and fields become plain words.
func StripSchemaTokens(goal string, model *policy.Model) string {
	out := goal
	tables := sortedByLength(model.TableNames())

	for _, name := range tables {
		q := `(?:[a-zA-Z0-9_"]+\.)*"?` + regexp.QuoteMeta(name) + `"?`
		// "from the X table" and "the X table" phrases first so the article
		// is not doubled.
		phraseRE := regexp.MustCompile(`(?i)(?:\bthe\s+)?(?:` + q + `)\s+table\b`)
		out = phraseRE.ReplaceAllString(out, "the data")
		qualifiedRE := regexp.MustCompile(`(?i)(?:\bthe\s+)?(?:` + q + `)\b`)
		out = qualifiedRE.ReplaceAllString(out, "the data")
	}
	for _, name := range sortedByLength(model.FieldNames()) {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		out = re.ReplaceAllString(out, policy.Humanize(name))
	}
	out = reservedRE.ReplaceAllStringFunc(out, policy.Humanize)

	out = repeatDataRE.ReplaceAllString(out, "the data")
	out = theTheRE.ReplaceAllString(out, "the")
	out = spaceRE.ReplaceAllString(out, " ")
	out = spaceBeforeRE.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out)
}

func sortedByLength(names []string) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// wordText lowercases s and reduces it to space-separated words padded with
// a leading and trailing space, so keyword checks match whole words.
func wordText(s string) string {
	return " " + strings.Join(strings.Fields(nonWordRE.ReplaceAllString(strings.ToLower(s), " ")), " ") + " "
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, " "+k+" ") {
			return true
		}
	}
	return false
}
