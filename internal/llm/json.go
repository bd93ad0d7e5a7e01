package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError is returned when model output cannot be parsed as the target
// JSON schema even after a repair attempt. Raw holds the final model output.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llm: json parse failed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LenientUnmarshal strips code fences and surrounding chatter before
// decoding. Models frequently wrap JSON in ```json fences or prepend a
// sentence; the first balanced object or array is what counts.
func LenientUnmarshal(raw string, out any) error {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	if err := json.Unmarshal([]byte(s), out); err == nil {
		return nil
	}

	if extracted := extractJSON(s); extracted != "" {
		return json.Unmarshal([]byte(extracted), out)
	}
	return json.Unmarshal([]byte(s), out)
}

// extractJSON returns the first balanced {...} or [...] span, skipping
// braces inside string literals.
func extractJSON(s string) string {
	start := -1
	var open, close rune
	for i, r := range s {
		if r == '{' || r == '[' {
			start = i
			open = r
			if r == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := rune(s[i])
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// CallJSON calls the model expecting JSON output matching out's schema.
// On parse failure, one repair call is issued that feeds the raw output and
// the parser error back to the model; if the repaired output still fails,
// a ParseError is returned.
func (c *Client) CallJSON(ctx context.Context, system, user string, maxTokens int, temperature float64, usage *Usage, out any) error {
	raw, err := c.Call(ctx, system, user, maxTokens, temperature, usage)
	if err != nil {
		return err
	}

	parseErr := LenientUnmarshal(raw, out)
	if parseErr == nil {
		return nil
	}

	c.logger.Warn("llm output failed json parse, issuing repair call", "model", c.model, "error", parseErr)
	repairUser := fmt.Sprintf(
		"Your previous response could not be parsed as JSON.\nParser error: %v\n\nPrevious response:\n%s\n\nReturn ONLY the corrected JSON object, with no commentary.",
		parseErr, raw,
	)
	repaired, err := c.Call(ctx, system, repairUser, maxTokens, 0, usage)
	if err != nil {
		return &ParseError{Raw: raw, Err: parseErr}
	}
	if err := LenientUnmarshal(repaired, out); err != nil {
		return &ParseError{Raw: repaired, Err: err}
	}
	return nil
}
