package types

import (
	"time"
)

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// ScanRun is the persisted summary of one scan.
type ScanRun struct {
	ID             string     `json:"id" db:"id"`
	Target         string     `json:"target" db:"target"`
	Status         ScanStatus `json:"status" db:"status"`
	Complete       bool       `json:"complete" db:"complete"`
	Passed         bool       `json:"passed" db:"passed"`
	ProbesExecuted int        `json:"probes_executed" db:"probes_executed"`
	Errors         int        `json:"errors" db:"errors"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

const JobTypeScan = "scan"

// Job is a queued unit of work. Payload keys for scan jobs are the scan
// input paths: target, catalog, identities, policies, traffic, output.
type Job struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Status    string                 `json:"status"`
	Priority  int                    `json:"priority"`
	Retries   int                    `json:"retries"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PayloadString returns a string payload value or "".
func (j *Job) PayloadString(key string) string {
	if j.Payload == nil {
		return ""
	}
	if s, ok := j.Payload[key].(string); ok {
		return s
	}
	return ""
}
