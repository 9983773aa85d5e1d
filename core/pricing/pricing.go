// Package pricing holds the per-model cost function used by cost-optimized
// routing: a static table matched by case-insensitive substring, with a
// hard default for unknown models.
package pricing

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPricing is the per-thousand-token price for a model.
type ModelPricing struct {
	Model                string
	InputPricePerKToken  float64
	OutputPricePerKToken float64
}

// Cost computes the price of inputTokens/outputTokens against this pricing.
func (p ModelPricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPricePerKToken/1000 + float64(outputTokens)*p.OutputPricePerKToken/1000
}

// DefaultPricing is used when no table entry matches a model name.
var DefaultPricing = ModelPricing{InputPricePerKToken: 0.001, OutputPricePerKToken: 0.002}

// Table is a static mapping from model-name substrings to pricing. Lookup
// is case-insensitive substring match; entries are tried in the order they
// were added via Set, so more specific substrings should be added first.
type Table struct {
	entries []ModelPricing
	keys    []string
}

// NewTable creates an empty pricing table.
func NewTable() *Table {
	return &Table{}
}

// Set registers (or replaces) the pricing for a model-name substring key.
func (t *Table) Set(key string, pricing ModelPricing) {
	lower := strings.ToLower(key)
	for i, k := range t.keys {
		if k == lower {
			t.entries[i] = pricing
			return
		}
	}
	t.keys = append(t.keys, lower)
	t.entries = append(t.entries, pricing)
}

// Lookup returns the pricing whose key is a substring of model (case
// insensitive), or DefaultPricing if none match.
func (t *Table) Lookup(model string) ModelPricing {
	lower := strings.ToLower(model)
	for i, k := range t.keys {
		if strings.Contains(lower, k) {
			return t.entries[i]
		}
	}
	return DefaultPricing
}

// Cost computes cost(provider's chosen model, in, out) via Lookup. It is a
// pure function of the table contents and its arguments.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	return t.Lookup(model).Cost(inputTokens, outputTokens)
}

// entryFile is the declarative on-disk shape of a pricing table, keyed the
// same way Set is: model-name substrings tried in file order.
type entryFile struct {
	Models []struct {
		Key                  string  `yaml:"key"`
		InputPricePerKToken  float64 `yaml:"input_price_per_k_token"`
		OutputPricePerKToken float64 `yaml:"output_price_per_k_token"`
	} `yaml:"models"`
}

// LoadTable reads a YAML pricing file and returns a populated Table. The
// file's top-level key is "models", a list of {key, input_price_per_k_token,
// output_price_per_k_token} entries in lookup-priority order.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file entryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	table := NewTable()
	for _, m := range file.Models {
		table.Set(m.Key, ModelPricing{
			Model:                m.Key,
			InputPricePerKToken:  m.InputPricePerKToken,
			OutputPricePerKToken: m.OutputPricePerKToken,
		})
	}
	return table, nil
}
