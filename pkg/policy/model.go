// Package policy describes the queryable entities and the safety policy that
// every generated query is checked against.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultRowLimit = 1000
	defaultMaxLimit = 5000
)

// Model is the governed description of what can be queried. It is loaded
// once and shared read-only.
type Model struct {
	Version     string     `yaml:"version" json:"version"`
	Domain      string     `yaml:"domain" json:"domain"`
	Description string     `yaml:"description" json:"description"`
	Tables      []Table    `yaml:"tables" json:"tables"`
	JoinRules   []JoinRule `yaml:"joinRules" json:"joinRules"`
	Policy      Policy     `yaml:"policy" json:"policy"`

	// TimeVocabulary lists the time expressions the data supports, such as
	// "last month" or "fiscal quarter".
	TimeVocabulary []string `yaml:"timeVocabulary" json:"timeVocabulary"`
	// DomainPhrases are multi-word phrases that on their own mark a message
	// as in scope.
	DomainPhrases []string `yaml:"domainPhrases" json:"domainPhrases"`

	tables  map[string]*Table
	terms   map[string]struct{}
	phrases []string
}

type Table struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Dimensions  []Field `yaml:"dimensions" json:"dimensions"`
	Metrics     []Field `yaml:"metrics" json:"metrics"`
}

// Field is a dimension or metric. In policy files it may be written either
// as a bare name or as a mapping with a description and synonyms.
type Field struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Synonyms    []string `yaml:"synonyms" json:"synonyms"`
}

func (f *Field) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Name = node.Value
		return nil
	}
	type plain Field
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = Field(p)
	return nil
}

type JoinRule struct {
	Left  string   `yaml:"left" json:"left"`
	Right string   `yaml:"right" json:"right"`
	Keys  []string `yaml:"keys" json:"keys"`
}

type Policy struct {
	RestrictedFields []string `yaml:"restrictedFields" json:"restrictedFields"`
	DefaultRowLimit  int      `yaml:"defaultRowLimit" json:"defaultRowLimit"`
	MaxRowLimit      int      `yaml:"maxRowLimit" json:"maxRowLimit"`
}

// Validate fills defaults and checks the model's invariants.
func (m *Model) Validate() error {
	if len(m.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	if m.Version == "" {
		m.Version = "unknown"
	}
	if m.Policy.DefaultRowLimit == 0 {
		m.Policy.DefaultRowLimit = defaultRowLimit
	}
	if m.Policy.MaxRowLimit == 0 {
		m.Policy.MaxRowLimit = defaultMaxLimit
	}
	if m.Policy.DefaultRowLimit < 0 || m.Policy.MaxRowLimit < 0 {
		return errors.New("row limits must be > 0")
	}
	if m.Policy.DefaultRowLimit > m.Policy.MaxRowLimit {
		return fmt.Errorf("default row limit %d exceeds max row limit %d", m.Policy.DefaultRowLimit, m.Policy.MaxRowLimit)
	}

	m.tables = make(map[string]*Table, len(m.Tables))
	for i := range m.Tables {
		t := &m.Tables[i]
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return fmt.Errorf("table %d: name is required", i)
		}
		key := strings.ToLower(t.Name)
		if _, ok := m.tables[key]; ok {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		m.tables[key] = t
	}
	for _, rule := range m.JoinRules {
		if !m.IsTable(rule.Left) {
			return fmt.Errorf("join rule references unknown table %q", rule.Left)
		}
		if !m.IsTable(rule.Right) {
			return fmt.Errorf("join rule references unknown table %q", rule.Right)
		}
	}
	m.buildVocabulary()
	return nil
}

// IsTable reports whether name is an allowlisted table (case-insensitive).
func (m *Model) IsTable(name string) bool {
	_, ok := m.Table(name)
	return ok
}

func (m *Model) Table(name string) (*Table, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if m.tables != nil {
		t, ok := m.tables[key]
		return t, ok
	}
	for i := range m.Tables {
		if strings.ToLower(m.Tables[i].Name) == key {
			return &m.Tables[i], true
		}
	}
	return nil, false
}

func (m *Model) TableNames() []string {
	names := make([]string, 0, len(m.Tables))
	for _, t := range m.Tables {
		names = append(names, t.Name)
	}
	return names
}

// FieldNames returns every dimension and metric name across all tables,
// in declaration order without duplicates.
func (m *Model) FieldNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, t := range m.Tables {
		for _, f := range append(append([]Field{}, t.Dimensions...), t.Metrics...) {
			key := strings.ToLower(f.Name)
			if _, ok := seen[key]; ok || key == "" {
				continue
			}
			seen[key] = struct{}{}
			names = append(names, f.Name)
		}
	}
	return names
}
