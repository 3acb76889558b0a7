package intercept

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesDocument is the on-disk shape of a rules file.
type rulesDocument struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rules document. Unknown fields are rejected
// so a typoed key fails loudly instead of silently disabling a rule.
func ParseRules(data []byte) ([]Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc rulesDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return doc.Rules, nil
}

// LoadRulesFile reads and parses a YAML rules file. Rule semantics are
// validated later, when the engine compiles them.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// DumpRules renders rules back to their YAML document form, used by the
// rules init scaffold.
func DumpRules(rules []Rule) ([]byte, error) {
	return yaml.Marshal(rulesDocument{Rules: rules})
}
