// Package extract pulls a JSON object out of free-form model output using an
// ordered chain of strategies.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Strategy attempts to locate a JSON object in text.
type Strategy interface {
	Name() string
	Extract(text string) (map[string]any, bool)
}

// ParseError is returned when every strategy in a chain fails.
type ParseError struct {
	Tried   []string
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract: no JSON object found (tried %s) in %q", strings.Join(e.Tried, ", "), e.Snippet)
}

// Chain runs strategies in order and returns the first object found.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a chain from the given strategies.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Default returns the standard chain: direct parse, fenced code block,
// first balanced brace object, labeled delimiter.
func Default() *Chain {
	return NewChain(Direct{}, Fenced{}, BalancedBrace{}, Labeled{})
}

// Object returns the first JSON object any strategy can find.
func (c *Chain) Object(text string) (map[string]any, error) {
	tried := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		if obj, ok := s.Extract(text); ok {
			return obj, nil
		}
		tried = append(tried, s.Name())
	}
	return nil, &ParseError{Tried: tried, Snippet: snippet(text, 120)}
}

// Direct parses the whole (trimmed) text as a JSON object.
type Direct struct{}

func (Direct) Name() string { return "direct" }

func (Direct) Extract(text string) (map[string]any, bool) {
	return decodeObject(strings.TrimSpace(text))
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// Fenced parses the contents of the first markdown code fence that holds an object.
type Fenced struct{}

func (Fenced) Name() string { return "fenced" }

func (Fenced) Extract(text string) (map[string]any, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if obj, ok := decodeObject(strings.TrimSpace(m[1])); ok {
			return obj, true
		}
	}
	return nil, false
}

// BalancedBrace scans for the first '{' whose matching '}' closes a valid
// object, honoring string literals and escapes.
type BalancedBrace struct{}

func (BalancedBrace) Name() string { return "balanced_brace" }

func (BalancedBrace) Extract(text string) (map[string]any, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			if obj, ok := decodeObject(text[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var labelRe = regexp.MustCompile(`(?im)^\s*(?:json|result|answer|output|response)\s*[:=]\s*`)

// Labeled looks for a "JSON:"-style label (or <json> tags) and parses the
// object that follows it.
type Labeled struct{}

func (Labeled) Name() string { return "labeled" }

func (Labeled) Extract(text string) (map[string]any, bool) {
	if open := strings.Index(text, "<json>"); open >= 0 {
		rest := text[open+len("<json>"):]
		if end := strings.Index(rest, "</json>"); end >= 0 {
			if obj, ok := decodeObject(strings.TrimSpace(rest[:end])); ok {
				return obj, true
			}
		}
	}
	for _, loc := range labelRe.FindAllStringIndex(text, -1) {
		rest := text[loc[1]:]
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			continue
		}
		if strings.TrimSpace(rest[:start]) != "" {
			continue
		}
		if end := matchBrace(rest, start); end > start {
			if obj, ok := decodeObject(rest[start : end+1]); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
