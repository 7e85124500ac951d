package types

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

const RedactedValue = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
	"X-Api-Key":     true,
	"X-Auth-Token":  true,
}

// IsSensitiveHeader reports headers whose values must never reach a report.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaders[http.CanonicalHeaderKey(name)]
}

// Body holds a message body as raw bytes. In JSON input it may be given
// either as a string (taken verbatim) or as any JSON value (kept as JSON).
type Body []byte

func (b *Body) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*b = Body(s)
		return nil
	}
	*b = append((*b)[:0], trimmed...)
	return nil
}

func (b Body) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(b) {
		return []byte(b), nil
	}
	return json.Marshal(string(b))
}

type RecordRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    Body              `json:"body,omitempty"`
}

type RecordResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    Body              `json:"body,omitempty"`
}

// PIIAnnotation marks one field the PII classifier flagged. Location is the
// record part ("request_body", "response_body"), Path a JSON path inside it.
// Annotations are read, never written back.
type PIIAnnotation struct {
	Location   string  `json:"location" yaml:"location"`
	Path       string  `json:"path" yaml:"path"`
	Category   string  `json:"category" yaml:"category"`
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence"`
}

// Record is one captured request/response pair evaluated by policy rules.
type Record struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	URL      string          `json:"url,omitempty"`
	Request  RecordRequest   `json:"request"`
	Response RecordResponse  `json:"response"`
	PII      []PIIAnnotation `json:"pii,omitempty"`
}

// Header looks up a request or response header case-insensitively.
func header(h map[string]string, name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func (r *Record) RequestHeader(name string) (string, bool) {
	return header(r.Request.Headers, name)
}

func (r *Record) ResponseHeader(name string) (string, bool) {
	return header(r.Response.Headers, name)
}
