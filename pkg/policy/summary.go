package policy

import (
	"fmt"
	"strings"
)

// Summary renders the model for query-generation prompts. It names physical
// tables and fields.
func (m *Model) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Semantic model version: %s\n", m.Version)
	fmt.Fprintf(&sb, "Description: %s\n", m.Description)
	sb.WriteString("Tables:\n")
	for _, t := range m.Tables {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		fmt.Fprintf(&sb, "  dimensions: %s\n", joinFieldNames(t.Dimensions))
		fmt.Fprintf(&sb, "  metrics: %s\n", joinFieldNames(t.Metrics))
	}
	sb.WriteString("Join rules:\n")
	if len(m.JoinRules) == 0 {
		sb.WriteString("- no cross-table joins defined; prefer single-table queries\n")
	}
	for _, r := range m.JoinRules {
		fmt.Fprintf(&sb, "- %s <-> %s on (%s)\n", r.Left, r.Right, strings.Join(r.Keys, ", "))
	}
	sb.WriteString("Policy:\n")
	restricted := strings.Join(m.Policy.RestrictedFields, ", ")
	if restricted == "" {
		restricted = "none"
	}
	fmt.Fprintf(&sb, "- Restricted columns: %s\n", restricted)
	fmt.Fprintf(&sb, "- Default row limit: %d\n", m.Policy.DefaultRowLimit)
	fmt.Fprintf(&sb, "- Max row limit: %d", m.Policy.MaxRowLimit)
	return sb.String()
}

// ScopeContext describes the model in business terms only, without table or
// column names, for the planner.
func (m *Model) ScopeContext() string {
	var sb strings.Builder
	if m.Domain != "" {
		fmt.Fprintf(&sb, "Domain: %s\n", m.Domain)
	}
	if m.Description != "" {
		fmt.Fprintf(&sb, "About the data: %s\n", m.Description)
	}
	sb.WriteString("Business concepts:\n")
	for _, t := range m.Tables {
		if t.Description != "" {
			fmt.Fprintf(&sb, "- %s\n", t.Description)
		}
		if c := concepts(t.Dimensions); c != "" {
			fmt.Fprintf(&sb, "  can be broken down by: %s\n", c)
		}
		if c := concepts(t.Metrics); c != "" {
			fmt.Fprintf(&sb, "  measures: %s\n", c)
		}
	}
	if len(m.TimeVocabulary) > 0 {
		fmt.Fprintf(&sb, "Time vocabulary: %s\n", strings.Join(m.TimeVocabulary, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func joinFieldNames(fields []Field) string {
	if len(fields) == 0 {
		return "none"
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return strings.Join(names, ", ")
}

// concepts renders fields by description, or by their name split into words
// when no description is present.
func concepts(fields []Field) string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		switch {
		case f.Description != "":
			out = append(out, f.Description)
		case f.Name != "":
			out = append(out, Humanize(f.Name))
		}
	}
	return strings.Join(out, "; ")
}

// Humanize turns a physical identifier into words: "repeat_spend" becomes
// "repeat spend".
func Humanize(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
