package policy

import (
	_ "embed"
	"fmt"
)

//go:embed models/customer_insights.yaml
var defaultModel []byte

// Default returns the bundled Customer Insights model.
func Default() (*Model, error) {
	m, err := Parse(defaultModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundled policy model: %w", err)
	}
	return m, nil
}
