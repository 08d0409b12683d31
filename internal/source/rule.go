package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abdrafdev/agrimind/internal/model"
)

// RuleTable is the YAML document format for static fallback rules:
//
//	rules:
//	  soil_moisture:
//	    default: 0.30
//	    keys:
//	      field_2: 0.25
//	  temperature:
//	    default: 20.0
//
// A per-key entry wins over the domain default.
type RuleTable struct {
	Rules map[string]RuleDomain `yaml:"rules"`
}

// RuleDomain holds the static values for one domain.
type RuleDomain struct {
	Default *float64           `yaml:"default,omitempty"`
	Keys    map[string]float64 `yaml:"keys,omitempty"`
}

// RuleAdapter is the last-resort tier: a static rule table that answers
// from constants with no upstream at all. It exists so that total upstream
// loss degrades to conservative defaults instead of hard failure, but
// only for domains an operator explicitly wrote a rule for.
type RuleAdapter struct {
	table RuleTable
}

// NewRuleAdapter creates a rule adapter over an in-memory table.
func NewRuleAdapter(table RuleTable) *RuleAdapter {
	return &RuleAdapter{table: table}
}

// LoadRuleTable parses a YAML rule table from r.
func LoadRuleTable(r io.Reader) (RuleTable, error) {
	var t RuleTable
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&t); err != nil {
		return RuleTable{}, fmt.Errorf("rule table: decode: %w", err)
	}
	return t, nil
}

// LoadRuleTableFile parses a YAML rule table from disk.
func LoadRuleTableFile(path string) (RuleTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("rule table: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return LoadRuleTable(f)
}

// Fetch looks up the static rule for domain/key.
func (r *RuleAdapter) Fetch(ctx context.Context, domain, key string) (model.RawValue, error) {
	if err := ctx.Err(); err != nil {
		return model.RawValue{}, err
	}
	d, ok := r.table.Rules[domain]
	if !ok {
		return model.RawValue{}, fmt.Errorf("rule: no rule for domain %q: %w", domain, ErrUnavailable)
	}
	if v, ok := d.Keys[key]; ok {
		return model.RawValue{Value: v, ObservedAt: time.Now().UTC(), Provider: "rule"}, nil
	}
	if d.Default != nil {
		return model.RawValue{Value: *d.Default, ObservedAt: time.Now().UTC(), Provider: "rule"}, nil
	}
	return model.RawValue{}, fmt.Errorf("rule: no rule for %s/%s: %w", domain, key, ErrUnavailable)
}

// Tier returns the rule tier.
func (r *RuleAdapter) Tier() model.SourceTier { return model.TierRule }

// Name returns "rule".
func (r *RuleAdapter) Name() string { return "rule" }

// Healthy reports whether the table has any rules.
func (r *RuleAdapter) Healthy(_ context.Context) error {
	if len(r.table.Rules) == 0 {
		return fmt.Errorf("rule: empty table: %w", ErrUnavailable)
	}
	return nil
}
