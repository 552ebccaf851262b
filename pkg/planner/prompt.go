package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

type planReply struct {
	Relevance             string      `json:"relevance" jsonschema:"one of in_domain, out_of_domain, unclear"`
	RelevanceReason       string      `json:"relevanceReason" jsonschema:"short reason for the relevance decision"`
	AnalysisType          string      `json:"analysisType" jsonschema:"one of descriptive, ranking, trend, comparison, composition, driver"`
	SecondaryAnalysisType string      `json:"secondaryAnalysisType,omitempty" jsonschema:"optional second analysis type"`
	TooComplex            bool        `json:"tooComplex" jsonschema:"true only if the minimum decomposition needs more than the max steps"`
	Tasks                 []replyTask `json:"tasks" jsonschema:"empty when out_of_domain or tooComplex"`
}

type replyTask struct {
	Task      string    `json:"task" jsonschema:"natural-language task with all context needed to answer it independently"`
	DependsOn []stepRef `json:"dependsOn,omitempty" jsonschema:"ids (step_N) of earlier tasks whose results this task needs"`
}

// stepRef accepts "step_2", "2" or 2.
type stepRef string

func (r *stepRef) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*r = stepRef(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = stepRef(s)
	return nil
}

func (r stepRef) position() int {
	s := strings.ToLower(strings.TrimSpace(string(r)))
	s = strings.TrimPrefix(s, "step_")
	s = strings.TrimPrefix(s, "step")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func replySchema() (string, error) {
	schema, err := jsonschema.For[planReply](nil)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func historyText(history []string, window int) string {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	var lines []string
	for _, h := range history {
		if h = strings.TrimSpace(h); h != "" {
			lines = append(lines, "- "+h)
		}
	}
	if len(lines) == 0 {
		return "- none"
	}
	return strings.Join(lines, "\n")
}

func (p *Planner) prompt(message string, history []string) (string, string) {
	system := fmt.Sprintf("You are a relevance-and-delegation planner for %s analytics. "+
		"Your sub-analysts are experts in the data domain and write the queries. "+
		"Your job is only to decide relevance and produce delegation tasks. "+
		"Do not solve the analysis yourself and do not write SQL. "+
		"Break in-domain requests into the minimum number of independent tasks so they can run in parallel. "+
		"Each task must include enough business context to be answered without follow-up. "+
		"Return strict JSON only, matching this JSON schema:\n%s", p.cfg.DomainName, p.schema)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation history:\n%s\n\n", historyText(history, p.cfg.HistoryWindow))
	sb.WriteString(p.cfg.Model.ScopeContext())
	fmt.Fprintf(&sb, "\n\nMax steps: %d\n", pipeline.MaxPlanSteps)
	fmt.Fprintf(&sb, "Question: %s\n\n", message)
	sb.WriteString("Rules:\n")
	sb.WriteString("- Use the minimum number of tasks. If one task can answer the question, produce exactly one task.\n")
	sb.WriteString("- Do not exceed Max steps. Set tooComplex when the question needs more.\n")
	sb.WriteString("- If relevance is unclear, still produce a best-effort task plan.\n")
	sb.WriteString("- For simple metric requests, preserve the user wording.\n")
	sb.WriteString("- Each task should state only the requested objective, grain, metrics, time window and comparison baseline.\n")
	sb.WriteString("- Tasks are numbered step_1, step_2, ... in order. Use dependsOn only when a task truly needs an earlier task's result.\n")
	sb.WriteString("- Do not mention table names, column names, or field names in tasks.\n")
	sb.WriteString("- Do not add metrics, breakdowns, or comparisons the user did not ask for.")
	return system, sb.String()
}
