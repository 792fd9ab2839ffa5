package translate

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ParseStrategy tries to read units out of a raw backend response.
type ParseStrategy struct {
	Name  string
	Parse func(content string, expected int) ([]string, bool)
}

// Strategies are tried in order by ParseUnits. The last one always
// succeeds on non-blank input.
var Strategies = []ParseStrategy{
	{Name: "json", Parse: parseJSON},
	{Name: "list-literal", Parse: parseListLiteral},
	{Name: "lines", Parse: parseLines},
	{Name: "whole", Parse: parseWhole},
}

// ParseUnits runs Strategies in order and returns the first success. It
// never fails: blank input yields nil.
func ParseUnits(content string, expected int) []string {
	units, _ := ParseUnitsWith(content, expected)
	return units
}

// ParseUnitsWith is ParseUnits that also reports which strategy matched.
func ParseUnitsWith(content string, expected int) ([]string, string) {
	for _, s := range Strategies {
		if units, ok := s.Parse(content, expected); ok {
			return normalizeUnits(units), s.Name
		}
	}
	return nil, ""
}

var breakTag = regexp.MustCompile(`(?i)</?br\s*/?>`)

// normalizeUnits turns HTML line breaks models like to emit back into
// newlines.
func normalizeUnits(units []string) []string {
	for i, u := range units {
		units[i] = breakTag.ReplaceAllString(u, "\n")
	}
	return units
}

// ---------------------------------------------------------------------------
// Strategy 1: JSON
// ---------------------------------------------------------------------------

var markdownCodeBlock = regexp.MustCompile("(?s)```(?:json|python)?\\s*(.*?)\\s*```")

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if m := markdownCodeBlock.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	return content
}

// parseJSON accepts a JSON array of strings, or an object carrying one of
// the shapes backends answer with under structured output:
// {"translations": [...]}, {"translated_text": [...]} or
// {"translated_text": "line\nline"}.
func parseJSON(content string, _ int) ([]string, bool) {
	content = stripFences(content)

	if start, end := strings.Index(content, "["), strings.LastIndex(content, "]"); start >= 0 && end > start {
		var arr []string
		if err := json.Unmarshal([]byte(content[start:end+1]), &arr); err == nil && len(arr) > 0 {
			return arr, true
		}
	}

	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(content[start:end+1]), &obj); err != nil {
			return nil, false
		}
		for _, key := range []string{"translations", "translated_text", "translation"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var arr []string
			if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
				return arr, true
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
				return strings.Split(s, "\n"), true
			}
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Strategy 2: list literal with single quotes
// ---------------------------------------------------------------------------

// parseListLiteral reads ['a', "b", 'c\'s'] style lists, the form models
// produce when they mimic a Python repr instead of JSON.
func parseListLiteral(content string, _ int) ([]string, bool) {
	content = stripFences(content)
	start, end := strings.Index(content, "["), strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	body := []rune(content[start+1 : end])

	var (
		out []string
		cur strings.Builder
	)
	i := 0
	skipSpace := func() {
		for i < len(body) && (body[i] == ' ' || body[i] == '\n' || body[i] == '\t' || body[i] == '\r') {
			i++
		}
	}
	for {
		skipSpace()
		if i >= len(body) {
			break
		}
		quote := body[i]
		if quote != '\'' && quote != '"' {
			return nil, false
		}
		i++
		cur.Reset()
		closed := false
		for i < len(body) {
			r := body[i]
			if r == '\\' && i+1 < len(body) {
				switch next := body[i+1]; next {
				case 'n':
					cur.WriteRune('\n')
				case 't':
					cur.WriteRune('\t')
				default:
					cur.WriteRune(next)
				}
				i += 2
				continue
			}
			if r == quote {
				closed = true
				i++
				break
			}
			cur.WriteRune(r)
			i++
		}
		if !closed {
			return nil, false
		}
		out = append(out, cur.String())
		skipSpace()
		if i < len(body) {
			if body[i] != ',' {
				return nil, false
			}
			i++
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// ---------------------------------------------------------------------------
// Strategies 3 and 4: plain text
// ---------------------------------------------------------------------------

var listMarker = regexp.MustCompile(`^\s*(?:\d+[.)]\s+|[-*]\s+)`)

// parseLines splits on newlines. List numbering is stripped only when the
// response has several lines and every one of them is numbered. It only
// claims the response when there is more than one line, or exactly one unit
// was expected.
func parseLines(content string, expected int) ([]string, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}
	var out []string
	numbered := true
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if !listMarker.MatchString(l) {
			numbered = false
		}
		out = append(out, l)
	}
	if numbered && len(out) > 1 {
		for i, l := range out {
			out[i] = listMarker.ReplaceAllString(l, "")
		}
	}
	if len(out) > 1 || (len(out) == 1 && expected == 1) {
		return out, true
	}
	return nil, false
}

func parseWhole(content string, _ int) ([]string, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}
	return []string{content}, true
}
