// Package policy evaluates declarative governance rules against captured
// request/response records.
package policy

import (
	"errors"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// ErrInvalidRule wraps every rule loading error.
var ErrInvalidRule = errors.New("invalid policy rule")

type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionLog   Action = "log"
	ActionAlert Action = "alert"
)

func (a Action) valid() bool {
	switch a {
	case ActionBlock, ActionWarn, ActionLog, ActionAlert:
		return true
	}
	return false
}

// Field names the part of a record a condition inspects.
type Field string

const (
	FieldPath           Field = "path"
	FieldMethod         Field = "method"
	FieldRequestHeader  Field = "request_header"
	FieldRequestBody    Field = "request_body"
	FieldResponseStatus Field = "response_status"
	FieldResponseBody   Field = "response_body"
	FieldResponseHeader Field = "response_header"
)

func (f Field) valid() bool {
	switch f {
	case FieldPath, FieldMethod, FieldRequestHeader, FieldRequestBody,
		FieldResponseStatus, FieldResponseBody, FieldResponseHeader:
		return true
	}
	return false
}

func (f Field) isHeader() bool {
	return f == FieldRequestHeader || f == FieldResponseHeader
}

func (f Field) isBody() bool {
	return f == FieldRequestBody || f == FieldResponseBody
}

type Operator string

const (
	OpEquals        Operator = "equals"
	OpNotEquals     Operator = "not_equals"
	OpContains      Operator = "contains"
	OpNotContains   Operator = "not_contains"
	OpRegex         Operator = "regex"
	OpRegexMatch    Operator = "regex_match"
	OpRegexNotMatch Operator = "regex_not_match"
	OpSensitiveData Operator = "sensitive_data"
	OpAuthRequired  Operator = "auth_required"
	OpHeaderPresent Operator = "header_present"
	OpHeaderAbsent  Operator = "header_absent"
	OpFieldPresent  Operator = "field_present"
	OpGreaterThan   Operator = "greater_than"
	OpLessThan      Operator = "less_than"
	OpGreaterEqual  Operator = "greater_equal"
	OpLessEqual     Operator = "less_equal"
)

// RuleSpec is the configuration form of a rule.
type RuleSpec struct {
	ID          string          `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    string          `yaml:"severity" json:"severity"`
	Action      string          `yaml:"action,omitempty" json:"action,omitempty"`
	Enabled     *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Tags        []string        `yaml:"tags,omitempty" json:"tags,omitempty"`
	Conditions  []ConditionSpec `yaml:"conditions" json:"conditions"`
}

// ConditionSpec is one {field, operator, value} triple. Key selects a
// header name for header fields or a JSON path for body fields.
type ConditionSpec struct {
	Field       string      `yaml:"field" json:"field"`
	Operator    string      `yaml:"operator" json:"operator"`
	Key         string      `yaml:"key,omitempty" json:"key,omitempty"`
	Value       interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// PolicySet is the {rules: [...]} document form.
type PolicySet struct {
	Name        string     `yaml:"name,omitempty"`
	Description string     `yaml:"description,omitempty"`
	Version     string     `yaml:"version,omitempty"`
	Rules       []RuleSpec `yaml:"rules"`
}

// Rule is a compiled rule. Rules are immutable after loading and safe for
// concurrent evaluation.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    types.Severity
	Action      Action
	Enabled     bool
	Tags        []string
	Conditions  []Condition
}
