package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyst_Policy_DefaultModelLoads(t *testing.T) {
	t.Parallel()

	m, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "Customer Insights", m.Domain)
	assert.True(t, m.IsTable("cia_sales_insights_cortex"))
	assert.True(t, m.IsTable("CIA_SALES_INSIGHTS_CORTEX"))
	assert.False(t, m.IsTable("payments"))
	assert.Equal(t, 1000, m.Policy.DefaultRowLimit)
	assert.Equal(t, 5000, m.Policy.MaxRowLimit)
	assert.Contains(t, m.FieldNames(), "repeat_spend")
}

func TestAnalyst_Policy_ParseJSONWithBareFieldNames(t *testing.T) {
	t.Parallel()

	data := []byte(`{
  "version": "banking-core.v1",
  "description": "Retail banking",
  "tables": [
    {"name": "accounts", "description": "Account balances", "dimensions": ["branch", "segment"], "metrics": ["balance"]}
  ],
  "policy": {"restrictedFields": ["ssn"]}
}`)

	m, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, m.Tables, 1)
	assert.Equal(t, "branch", m.Tables[0].Dimensions[0].Name)
	assert.Equal(t, "balance", m.Tables[0].Metrics[0].Name)
	assert.Equal(t, []string{"ssn"}, m.Policy.RestrictedFields)
	assert.Equal(t, 1000, m.Policy.DefaultRowLimit)
	assert.Equal(t, 5000, m.Policy.MaxRowLimit)
}

func TestAnalyst_Policy_ValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		model Model
		want  string
	}{
		{
			name:  "no tables",
			model: Model{},
			want:  "at least one table is required",
		},
		{
			name:  "empty table name",
			model: Model{Tables: []Table{{Name: " "}}},
			want:  "name is required",
		},
		{
			name:  "duplicate table",
			model: Model{Tables: []Table{{Name: "a"}, {Name: "A"}}},
			want:  "duplicate table",
		},
		{
			name:  "default above max",
			model: Model{Tables: []Table{{Name: "a"}}, Policy: Policy{DefaultRowLimit: 10, MaxRowLimit: 5}},
			want:  "exceeds max row limit",
		},
		{
			name:  "join to unknown table",
			model: Model{Tables: []Table{{Name: "a"}}, JoinRules: []JoinRule{{Left: "a", Right: "b", Keys: []string{"id"}}}},
			want:  `unknown table "b"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.model.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAnalyst_Policy_LoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tables:\n  - name: orders\n    metrics: [amount]\n"), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, m.TableNames())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestAnalyst_Policy_Summary(t *testing.T) {
	t.Parallel()

	m, err := Default()
	require.NoError(t, err)

	summary := m.Summary()
	assert.Contains(t, summary, "Semantic model version: 1.0")
	assert.Contains(t, summary, "- cia_sales_insights_cortex: Daily merchant sales activity")
	assert.Contains(t, summary, "metrics: transactions, spend, repeat_spend")
	assert.Contains(t, summary, "- cia_sales_insights_cortex <-> cia_household_insights_cortex on (td_id)")
	assert.Contains(t, summary, "- Restricted columns: card_number, customer_email, customer_phone")
	assert.Contains(t, summary, "- Max row limit: 5000")
}

func TestAnalyst_Policy_SummaryWithoutJoins(t *testing.T) {
	t.Parallel()

	m := &Model{Tables: []Table{{Name: "orders"}}}
	require.NoError(t, m.Validate())
	summary := m.Summary()
	assert.Contains(t, summary, "prefer single-table queries")
	assert.Contains(t, summary, "dimensions: none")
	assert.Contains(t, summary, "- Restricted columns: none")
}

func TestAnalyst_Policy_ScopeContextHasNoPhysicalNames(t *testing.T) {
	t.Parallel()

	m, err := Default()
	require.NoError(t, err)

	scope := m.ScopeContext()
	assert.Contains(t, scope, "Domain: Customer Insights")
	assert.Contains(t, scope, "sales from repeat customers")
	assert.Contains(t, scope, "Time vocabulary: last month")
	for _, name := range append(m.TableNames(), "repeat_spend", "resp_date", "td_id") {
		assert.NotContains(t, scope, name)
	}
}

func TestAnalyst_Policy_Match(t *testing.T) {
	t.Parallel()

	m, err := Default()
	require.NoError(t, err)

	tokens, phrase := m.Match("What were my total sales for last month?")
	assert.GreaterOrEqual(t, tokens, 2)
	assert.False(t, phrase)

	tokens, phrase = m.Match("What is the weather today?")
	assert.Equal(t, 0, tokens)
	assert.False(t, phrase)

	_, phrase = m.Match("How are repeat customers doing?")
	assert.True(t, phrase)
}

func TestAnalyst_Policy_Tokenize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"repeat_spend", "state"}, Tokenize("Show the repeat_spend by state"))
	assert.Empty(t, Tokenize("a an of to"))
}

func TestAnalyst_Policy_Humanize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "repeat spend", Humanize("repeat_spend"))
	assert.Equal(t, "cia sales insights cortex", Humanize("CIA_Sales_Insights_Cortex"))
}
