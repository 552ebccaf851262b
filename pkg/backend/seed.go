package backend

import (
	"bytes"
	_ "embed"
	"os"
	"strings"
	"text/template"
)

//go:embed seed.sql.tmpl
var defaultSeedTemplate string

type seedState struct {
	Code string
	City string
}

type SeedData struct {
	States      []seedState
	MCCs        []string
	DateFrom    string
	DateThrough string
	FromYear    int
}

func defaultSeedData() SeedData {
	return SeedData{
		States: []seedState{
			{"CA", "Los Angeles"}, {"TX", "Dallas"}, {"FL", "Miami"}, {"NY", "New York"},
			{"GA", "Atlanta"}, {"IL", "Chicago"}, {"PA", "Philadelphia"}, {"OH", "Columbus"},
			{"NC", "Charlotte"}, {"MI", "Detroit"}, {"NJ", "Newark"}, {"VA", "Richmond"},
			{"WA", "Seattle"}, {"AZ", "Phoenix"}, {"MA", "Boston"}, {"TN", "Nashville"},
			{"IN", "Indianapolis"}, {"MO", "Kansas City"}, {"MD", "Baltimore"}, {"WI", "Milwaukee"},
			{"CO", "Denver"}, {"MN", "Minneapolis"}, {"SC", "Charleston"}, {"AL", "Birmingham"},
			{"LA", "New Orleans"}, {"KY", "Louisville"}, {"OR", "Portland"}, {"OK", "Oklahoma City"},
			{"CT", "Hartford"}, {"UT", "Salt Lake City"},
		},
		MCCs:        []string{"5411", "5812", "5311", "5732", "5999", "5541"},
		DateFrom:    "2024-01-01",
		DateThrough: "2025-12-31",
		FromYear:    2024,
	}
}

// seq generates a sequence of integers from start to end (inclusive)
func seq(start, end int) []int {
	if start > end {
		return []int{}
	}
	result := make([]int, end-start+1)
	for i := range result {
		result[i] = start + i
	}
	return result
}

func households(state, suffix int) int {
	return 5200 + state*130 + suffix*17
}

var templateFuncs = template.FuncMap{
	"seq":        seq,
	"households": households,
}

// RenderSeed renders a seed script template with the given data.
func RenderSeed(templateContent string, data any) (string, error) {
	var buf bytes.Buffer
	tmpl, err := template.New("seed").Funcs(templateFuncs).Parse(templateContent)
	if err != nil {
		return "", err
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderSeedFile reads a file and renders it as a seed template.
func RenderSeedFile(path string, data any) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return RenderSeed(string(content), data)
}

// splitStatements splits a script on statement-terminating semicolons.
func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";\n") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ";"))
		if part != "" {
			stmts = append(stmts, part)
		}
	}
	return stmts
}
