package policy

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

type bodyKind int

const (
	bodyText bodyKind = iota
	bodyJSON
	bodyHTML
)

// message is the parsed view of one request or response body.
type message struct {
	kind bodyKind
	// text is what string operators search: the raw body for JSON and
	// plain text, the visible text for HTML.
	text string
	json gjson.Result
}

func newMessage(body []byte, contentType string) *message {
	trimmed := bytes.TrimSpace(body)
	m := &message{text: string(trimmed)}
	if len(trimmed) == 0 {
		return m
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"), ct == "" && looksLikeJSON(trimmed):
		if gjson.ValidBytes(trimmed) {
			m.kind = bodyJSON
			m.json = gjson.ParseBytes(trimmed)
		}
	case strings.Contains(ct, "html"):
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err == nil {
			doc.Find("script, style").Remove()
			m.kind = bodyHTML
			m.text = strings.Join(strings.Fields(doc.Text()), " ")
		}
	}
	return m
}

func looksLikeJSON(b []byte) bool {
	return b[0] == '{' || b[0] == '['
}

// lookup resolves a gjson path. Non-JSON bodies have no fields.
func (m *message) lookup(path string) (string, bool) {
	if m.kind != bodyJSON {
		return "", false
	}
	r := m.json.Get(path)
	if !r.Exists() {
		return "", false
	}
	if r.Type == gjson.String {
		return r.String(), true
	}
	return r.Raw, true
}

// locate finds the first key or scalar value in a JSON body containing
// needle (already lowercased) and returns its path.
func (m *message) locate(needle string) (string, bool) {
	if m.kind != bodyJSON {
		return "", false
	}
	return locate(m.json, "", needle)
}

func locate(v gjson.Result, prefix, needle string) (string, bool) {
	if !v.IsObject() && !v.IsArray() {
		return prefix, strings.Contains(strings.ToLower(v.String()), needle)
	}

	var (
		path  string
		found bool
		index int
	)
	v.ForEach(func(key, child gjson.Result) bool {
		name := key.String()
		if v.IsArray() {
			name = strconv.Itoa(index)
			index++
		}
		childPath := name
		if prefix != "" {
			childPath = prefix + "." + name
		}
		if v.IsObject() && strings.Contains(strings.ToLower(name), needle) {
			path, found = childPath, true
			return false
		}
		path, found = locate(child, childPath, needle)
		return !found
	})
	return path, found
}

// input is one record prepared for evaluation. Bodies are parsed on first
// use and reused by every rule.
type input struct {
	rec      *types.Record
	request  *message
	response *message
}

func newInput(rec *types.Record) *input {
	return &input{rec: rec}
}

func (in *input) body(f Field) *message {
	switch f {
	case FieldRequestBody:
		if in.request == nil {
			ct, _ := in.rec.RequestHeader("Content-Type")
			in.request = newMessage(in.rec.Request.Body, ct)
		}
		return in.request
	default:
		if in.response == nil {
			ct, _ := in.rec.ResponseHeader("Content-Type")
			in.response = newMessage(in.rec.Response.Body, ct)
		}
		return in.response
	}
}

func (in *input) header(f Field, name string) (string, bool) {
	if f == FieldRequestHeader {
		return in.rec.RequestHeader(name)
	}
	return in.rec.ResponseHeader(name)
}
