package policy

import (
	_ "embed"
	"fmt"
)

//go:embed defaults.yaml
var defaultPolicyYAML []byte

// DefaultPolicyYAML returns the built-in policy set in its file form.
func DefaultPolicyYAML() []byte {
	out := make([]byte, len(defaultPolicyYAML))
	copy(out, defaultPolicyYAML)
	return out
}

// DefaultRules compiles the built-in policy set.
func DefaultRules() []*Rule {
	rules, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in policies are invalid: %v", err))
	}
	return rules
}
