package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// maxEvidenceLen bounds evidence values copied out of bodies.
const maxEvidenceLen = 256

// Condition is one compiled predicate over a record. The concrete types are
// fixed at load time so evaluation never re-interprets configuration.
type Condition interface {
	Match(in *input) (types.ConditionEvidence, bool)
}

// selector reads the value of a field, optionally scoped by key.
type selector struct {
	field Field
	key   string
}

func (s selector) value(in *input) (string, bool) {
	switch s.field {
	case FieldPath:
		return in.rec.Endpoint, true
	case FieldMethod:
		return in.rec.Method, true
	case FieldResponseStatus:
		return strconv.Itoa(in.rec.Response.Status), true
	case FieldRequestHeader, FieldResponseHeader:
		return in.header(s.field, s.key)
	case FieldRequestBody, FieldResponseBody:
		m := in.body(s.field)
		if s.key != "" {
			return m.lookup(s.key)
		}
		return m.text, true
	}
	return "", false
}

// display makes a value safe for evidence: credentials are redacted and
// long bodies truncated.
func (s selector) display(v string) string {
	if s.field.isHeader() && types.IsSensitiveHeader(s.key) {
		return types.RedactedValue
	}
	if len(v) > maxEvidenceLen {
		return v[:maxEvidenceLen] + "..."
	}
	return v
}

func (s selector) evidence(op Operator, expected, matched string) types.ConditionEvidence {
	return types.ConditionEvidence{
		Field:    string(s.field),
		Key:      s.key,
		Operator: string(op),
		Expected: expected,
		Matched:  s.display(matched),
	}
}

type equalsCondition struct {
	sel      selector
	expected string
	negate   bool
	fold     bool
}

func (c *equalsCondition) Match(in *input) (types.ConditionEvidence, bool) {
	v, ok := c.sel.value(in)
	if !ok {
		return types.ConditionEvidence{}, false
	}
	eq := v == c.expected
	if c.fold {
		eq = strings.EqualFold(v, c.expected)
	}
	if eq == c.negate {
		return types.ConditionEvidence{}, false
	}
	op := OpEquals
	if c.negate {
		op = OpNotEquals
	}
	return c.sel.evidence(op, c.expected, v), true
}

// containsCondition is case-insensitive on bodies and case-sensitive
// elsewhere. folded is set when fold is, and locates the match in the
// original text so evidence is sliced on rune boundaries.
type containsCondition struct {
	sel    selector
	needle string
	negate bool
	fold   bool
	folded *regexp.Regexp
}

func (c *containsCondition) find(v string) []int {
	if c.fold {
		return c.folded.FindStringIndex(v)
	}
	if i := strings.Index(v, c.needle); i >= 0 {
		return []int{i, i + len(c.needle)}
	}
	return nil
}

func (c *containsCondition) Match(in *input) (types.ConditionEvidence, bool) {
	op := OpContains
	if c.negate {
		op = OpNotContains
	}

	v, ok := c.sel.value(in)
	if !ok {
		if c.negate {
			return c.sel.evidence(op, c.needle, ""), true
		}
		return types.ConditionEvidence{}, false
	}

	loc := c.find(v)
	if (loc != nil) == c.negate {
		return types.ConditionEvidence{}, false
	}
	if c.negate {
		return c.sel.evidence(op, c.needle, v), true
	}

	ev := c.sel.evidence(op, c.needle, v[loc[0]:loc[1]])
	if c.sel.field.isBody() && c.sel.key == "" {
		if path, found := in.body(c.sel.field).locate(strings.ToLower(c.needle)); found {
			ev.Key = path
		}
	}
	return ev, true
}

// regexCondition with negate set matches values the pattern does not, and
// missing values.
type regexCondition struct {
	sel     selector
	pattern string
	re      *regexp.Regexp
	negate  bool
}

func (c *regexCondition) Match(in *input) (types.ConditionEvidence, bool) {
	v, ok := c.sel.value(in)
	if !ok {
		if c.negate {
			return c.sel.evidence(OpRegexNotMatch, c.pattern, ""), true
		}
		return types.ConditionEvidence{}, false
	}
	loc := c.re.FindStringIndex(v)
	if (loc != nil) == c.negate {
		return types.ConditionEvidence{}, false
	}
	if c.negate {
		return c.sel.evidence(OpRegexNotMatch, c.pattern, v), true
	}
	return c.sel.evidence(OpRegex, c.pattern, v[loc[0]:loc[1]]), true
}

// piiPatterns back sensitive_data when the PII classifier left no
// annotation for the body.
var piiPatterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
}

// sensitiveDataCondition matches a body holding personal data, optionally
// of one category. Evidence names the category and path, never the value.
type sensitiveDataCondition struct {
	sel      selector
	category string
}

func (c *sensitiveDataCondition) wants(category string) bool {
	return c.category == "" || strings.EqualFold(c.category, category)
}

func (c *sensitiveDataCondition) evidence(path, category string) types.ConditionEvidence {
	return types.ConditionEvidence{
		Field:    string(c.sel.field),
		Key:      path,
		Operator: string(OpSensitiveData),
		Expected: c.category,
		Matched:  category,
	}
}

func (c *sensitiveDataCondition) Match(in *input) (types.ConditionEvidence, bool) {
	location := string(c.sel.field)
	for _, a := range in.rec.PII {
		if a.Location != location || !c.wants(a.Category) {
			continue
		}
		if c.sel.key != "" && a.Path != c.sel.key {
			continue
		}
		return c.evidence(a.Path, a.Category), true
	}

	text, ok := c.sel.value(in)
	if !ok {
		return types.ConditionEvidence{}, false
	}
	for _, p := range piiPatterns {
		if !c.wants(p.category) {
			continue
		}
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		path := c.sel.key
		if path == "" {
			if located, found := in.body(c.sel.field).locate(strings.ToLower(text[loc[0]:loc[1]])); found {
				path = located
			}
		}
		return c.evidence(path, p.category), true
	}
	return types.ConditionEvidence{}, false
}

// credentialHeaders are the request headers that count as authentication.
var credentialHeaders = []string{"Authorization", "X-API-Key", "X-Auth-Token"}

// authCondition matches when the presence of request credentials equals
// want.
type authCondition struct {
	want bool
}

func (c *authCondition) Match(in *input) (types.ConditionEvidence, bool) {
	found := ""
	for _, h := range credentialHeaders {
		if _, ok := in.rec.RequestHeader(h); ok {
			found = h
			break
		}
	}
	if (found != "") != c.want {
		return types.ConditionEvidence{}, false
	}
	ev := types.ConditionEvidence{
		Field:    string(FieldRequestHeader),
		Key:      found,
		Operator: string(OpAuthRequired),
		Expected: strconv.FormatBool(c.want),
		Matched:  "absent",
	}
	if found != "" {
		ev.Matched = types.RedactedValue
	}
	return ev, true
}

type headerPresenceCondition struct {
	sel    selector
	absent bool
}

func (c *headerPresenceCondition) Match(in *input) (types.ConditionEvidence, bool) {
	v, present := c.sel.value(in)
	if present == c.absent {
		return types.ConditionEvidence{}, false
	}
	if c.absent {
		return c.sel.evidence(OpHeaderAbsent, c.sel.key, "absent"), true
	}
	return c.sel.evidence(OpHeaderPresent, c.sel.key, v), true
}

type fieldPresenceCondition struct {
	sel selector
}

func (c *fieldPresenceCondition) Match(in *input) (types.ConditionEvidence, bool) {
	v, ok := c.sel.value(in)
	if !ok {
		return types.ConditionEvidence{}, false
	}
	return c.sel.evidence(OpFieldPresent, c.sel.key, v), true
}

// compareCondition orders the response status against a number.
type compareCondition struct {
	op   Operator
	want int
}

func (c *compareCondition) Match(in *input) (types.ConditionEvidence, bool) {
	got := in.rec.Response.Status
	var ok bool
	switch c.op {
	case OpGreaterThan:
		ok = got > c.want
	case OpLessThan:
		ok = got < c.want
	case OpGreaterEqual:
		ok = got >= c.want
	case OpLessEqual:
		ok = got <= c.want
	}
	if !ok {
		return types.ConditionEvidence{}, false
	}
	sel := selector{field: FieldResponseStatus}
	return sel.evidence(c.op, strconv.Itoa(c.want), strconv.Itoa(got)), true
}

// compileCondition validates the field/operator/value combination and
// builds the matching variant.
func compileCondition(spec ConditionSpec) (Condition, error) {
	field := Field(strings.ToLower(strings.TrimSpace(spec.Field)))
	if !field.valid() {
		return nil, fmt.Errorf("unknown field %q", spec.Field)
	}
	op := Operator(strings.ToLower(strings.TrimSpace(spec.Operator)))
	if op == OpRegexMatch {
		op = OpRegex
	}

	value, err := scalarString(spec.Value)
	if err != nil {
		return nil, err
	}
	sel := selector{field: field, key: spec.Key}

	requireKey := func() error {
		if field.isHeader() && sel.key == "" {
			return fmt.Errorf("operator %s on %s requires a header name in key", op, field)
		}
		return nil
	}

	switch op {
	case OpEquals, OpNotEquals:
		if spec.Value == nil {
			return nil, fmt.Errorf("operator %s requires a value", op)
		}
		if err := requireKey(); err != nil {
			return nil, err
		}
		if field == FieldResponseStatus {
			if _, err := strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("response_status value must be an integer, got %q", value)
			}
		}
		return &equalsCondition{sel: sel, expected: value, negate: op == OpNotEquals, fold: field == FieldMethod}, nil

	case OpContains, OpNotContains:
		if field == FieldResponseStatus {
			return nil, fmt.Errorf("operator %s is not valid for %s", op, field)
		}
		if value == "" {
			return nil, fmt.Errorf("operator %s requires a non-empty value", op)
		}
		if err := requireKey(); err != nil {
			return nil, err
		}
		c := &containsCondition{sel: sel, needle: value, negate: op == OpNotContains, fold: field.isBody()}
		if c.fold {
			c.folded = regexp.MustCompile("(?i)" + regexp.QuoteMeta(value))
		}
		return c, nil

	case OpRegex, OpRegexNotMatch:
		if field == FieldResponseStatus {
			return nil, fmt.Errorf("operator %s is not valid for %s", op, field)
		}
		if value == "" {
			return nil, fmt.Errorf("operator %s requires a pattern", op)
		}
		if err := requireKey(); err != nil {
			return nil, err
		}
		pattern := value
		if field.isBody() {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", value, err)
		}
		return &regexCondition{sel: sel, pattern: value, re: re, negate: op == OpRegexNotMatch}, nil

	case OpSensitiveData:
		if !field.isBody() {
			return nil, fmt.Errorf("operator %s requires request_body or response_body, got %s", op, field)
		}
		return &sensitiveDataCondition{sel: sel, category: strings.ToLower(value)}, nil

	case OpAuthRequired:
		if field != FieldRequestHeader {
			return nil, fmt.Errorf("operator %s requires request_header, got %s", op, field)
		}
		want := true
		if value != "" {
			if want, err = strconv.ParseBool(value); err != nil {
				return nil, fmt.Errorf("operator %s requires a boolean value, got %q", op, value)
			}
		}
		return &authCondition{want: want}, nil

	case OpHeaderPresent, OpHeaderAbsent:
		if !field.isHeader() {
			return nil, fmt.Errorf("operator %s requires request_header or response_header, got %s", op, field)
		}
		if sel.key == "" {
			sel.key = value
		}
		if sel.key == "" {
			return nil, fmt.Errorf("operator %s requires a header name", op)
		}
		return &headerPresenceCondition{sel: sel, absent: op == OpHeaderAbsent}, nil

	case OpFieldPresent:
		if !field.isBody() {
			return nil, fmt.Errorf("operator %s requires request_body or response_body, got %s", op, field)
		}
		if sel.key == "" {
			sel.key = value
		}
		if sel.key == "" {
			return nil, errors.New("operator field_present requires a JSON path")
		}
		return &fieldPresenceCondition{sel: sel}, nil

	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		if field != FieldResponseStatus {
			return nil, fmt.Errorf("operator %s is only valid for response_status", op)
		}
		want, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("operator %s requires an integer value, got %q", op, value)
		}
		return &compareCondition{op: op, want: want}, nil
	}

	return nil, fmt.Errorf("unknown operator %q", spec.Operator)
}

func scalarString(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("value must be a scalar, got %T", v)
}
