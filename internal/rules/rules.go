package rules

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
)

// Rule drops queried names matching RE before they reach the pipeline.
type Rule struct {
	Name string
	RE   *regexp.Regexp
}

type Set struct {
	Items []Rule
}

// New compiles the configured exclusions. Invalid patterns are reported, not skipped,
// so a typo does not silently change what gets scored.
func New(raw []config.ExcludeRule) (*Set, error) {
	out := &Set{}
	for _, r := range raw {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		name := r.Name
		if name == "" { name = r.Pattern }
		out.Items = append(out.Items, Rule{Name: name, RE: re})
	}
	return out, nil
}

// LoadFromFile reads a YAML list of {name, pattern}.
func LoadFromFile(path string) (*Set, error) {
	b, err := os.ReadFile(path)
	if err != nil { return nil, err }
	var raw []config.ExcludeRule
	if err := yaml.Unmarshal(b, &raw); err != nil { return nil, err }
	return New(raw)
}

// Match returns the first rule matching domain.
func (s *Set) Match(domain string) (matched bool, ruleName string) {
	if s == nil { return false, "" }
	for _, r := range s.Items {
		if r.RE.MatchString(domain) { return true, r.Name }
	}
	return false, ""
}
