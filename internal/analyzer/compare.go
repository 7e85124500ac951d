package analyzer

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

type bodyMatch struct {
	echoedID  bool
	markers   []string
	identical bool
}

// ownerIdentified reports whether the non-owner response carried content
// that belongs to the owner.
func (m bodyMatch) ownerIdentified() bool {
	return m.echoedID || len(m.markers) > 0 || m.identical
}

func compareBodies(res, control *types.ProbeResult, owner *types.Identity, resourceID string) bodyMatch {
	var m bodyMatch
	body := res.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return m
	}

	m.identical = control != nil && len(control.Body) > 0 && res.BodyHash == control.BodyHash && bytes.Equal(body, control.Body)
	m.echoedID = containsValue(body, resourceID)

	lower := bytes.ToLower(body)
	for _, marker := range owner.Markers {
		if marker != "" && bytes.Contains(lower, []byte(strings.ToLower(marker))) {
			m.markers = append(m.markers, marker)
		}
	}
	return m
}

// containsValue looks for value as a whole scalar in a JSON body, or as a
// whole token in any other body. A bare substring match would make id "1"
// match every body that contains the digit.
func containsValue(body []byte, value string) bool {
	if value == "" {
		return false
	}
	if gjson.ValidBytes(body) {
		return jsonContains(gjson.ParseBytes(body), value)
	}
	return tokenContains(string(body), value)
}

func jsonContains(v gjson.Result, value string) bool {
	if v.IsObject() || v.IsArray() {
		found := false
		v.ForEach(func(_, child gjson.Result) bool {
			found = jsonContains(child, value)
			return !found
		})
		return found
	}
	return v.Exists() && v.String() == value
}

func tokenContains(text, value string) bool {
	isSep := func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	}
	for _, tok := range strings.FieldsFunc(text, isSep) {
		if tok == value {
			return true
		}
	}
	return false
}
