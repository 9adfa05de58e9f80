// Package partialjson parses truncated JSON object fragments on a
// best-effort basis. It exists purely to decorate streaming previews; the
// authoritative parse of tool arguments stays with encoding/json once the
// model finishes emitting them.
package partialjson

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// TryParse attempts to interpret text as a (possibly truncated) JSON
// object. It returns the parsed fields and true on success, or nil and
// false when no object can be recovered. It never returns an error; a
// fragment that cannot be repaired simply yields false.
func TryParse(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}

	// Complete fragments need no repair.
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, true
	}

	repaired := repair(text)
	if !gjson.Valid(repaired) {
		return nil, false
	}
	m, ok := gjson.Parse(repaired).Value().(map[string]any)
	if !ok {
		return nil, false
	}
	return m, true
}

// repair closes an unterminated string, drops a dangling separator and
// closes any open braces and brackets.
func repair(text string) string {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(text)
	if escaped {
		// A trailing lone backslash cannot be completed meaningfully.
		return ""
	}
	if inString {
		b.WriteByte('"')
	}

	s := strings.TrimRight(b.String(), " \t\r\n")
	switch {
	case strings.HasSuffix(s, ","):
		s = s[:len(s)-1]
	case strings.HasSuffix(s, ":"):
		s += "null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}
