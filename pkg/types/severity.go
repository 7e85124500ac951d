package types

import (
	"fmt"
	"strings"
)

// Severity is an explicit ranking; higher values are more severe.
// Comparisons between severities must use the numeric rank, never the name.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// Severities lists the known severities from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Blocking reports whether findings at this severity fail the gate.
func (s Severity) Blocking() bool {
	return s >= SeverityHigh
}

// ParseSeverity accepts the lowercase names used in configuration files.
func ParseSeverity(raw string) (Severity, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", raw)
}

func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// SeverityCounts is a per-severity tally with a stable JSON shape.
type SeverityCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Add counts one finding at sev.
func (c *SeverityCounts) Add(sev Severity) {
	c.Total++
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	}
}

// Merge returns the element-wise sum of c and other.
func (c SeverityCounts) Merge(other SeverityCounts) SeverityCounts {
	return SeverityCounts{
		Total:    c.Total + other.Total,
		Critical: c.Critical + other.Critical,
		High:     c.High + other.High,
		Medium:   c.Medium + other.Medium,
		Low:      c.Low + other.Low,
	}
}

// Blocking is the number of critical and high findings.
func (c SeverityCounts) Blocking() int {
	return c.Critical + c.High
}
