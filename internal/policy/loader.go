package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// LoadFile reads and compiles a policy file.
func LoadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// Parse accepts a list of rules, a {rules: [...]} policy set, or a single
// rule. Unknown keys are rejected.
func Parse(data []byte) ([]*Rule, error) {
	specs, err := ParseSpecs(data)
	if err != nil {
		return nil, err
	}
	return Compile(specs)
}

// ParseSpecs decodes rule specs without compiling them.
func ParseSpecs(data []byte) ([]RuleSpec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var shape interface{}
	if err := yaml.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	switch doc := shape.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		var specs []RuleSpec
		if err := decodeStrict(data, &specs); err != nil {
			return nil, err
		}
		return specs, nil
	case map[string]interface{}:
		if _, ok := doc["rules"]; ok {
			var set PolicySet
			if err := decodeStrict(data, &set); err != nil {
				return nil, err
			}
			return set.Rules, nil
		}
		var spec RuleSpec
		if err := decodeStrict(data, &spec); err != nil {
			return nil, err
		}
		return []RuleSpec{spec}, nil
	}
	return nil, fmt.Errorf("%w: policy document must be a list, a rule set or a rule", ErrInvalidRule)
}

func decodeStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// Compile validates specs and builds rules. Errors name the rule index and,
// where relevant, the condition index.
func Compile(specs []RuleSpec) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(specs))
	names := make(map[string]int, len(specs))

	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: rule %d: name is required", ErrInvalidRule, i)
		}
		if prev, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: rule %d (%s): duplicate name, first defined at rule %d", ErrInvalidRule, i, name, prev)
		}
		names[name] = i

		severity, err := types.ParseSeverity(spec.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, name, err)
		}

		action := Action(strings.ToLower(strings.TrimSpace(spec.Action)))
		if action == "" {
			action = ActionLog
		}
		if !action.valid() {
			return nil, fmt.Errorf("%w: rule %d (%s): unknown action %q", ErrInvalidRule, i, name, spec.Action)
		}

		rule := &Rule{
			ID:          spec.ID,
			Name:        name,
			Description: spec.Description,
			Severity:    severity,
			Action:      action,
			Enabled:     spec.Enabled == nil || *spec.Enabled,
			Tags:        append([]string(nil), spec.Tags...),
			Conditions:  make([]Condition, 0, len(spec.Conditions)),
		}
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule_%d", i)
		}

		for j, cs := range spec.Conditions {
			cond, err := compileCondition(cs)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d (%s): condition %d: %v", ErrInvalidRule, i, name, j, err)
			}
			rule.Conditions = append(rule.Conditions, cond)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
