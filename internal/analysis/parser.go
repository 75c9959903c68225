package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/technosupport/ts-sentinel/internal/config"
)

// RiskAssessment is the validated output of one LLM completion.
type RiskAssessment struct {
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
	Summary   string `json:"summary"`
	Reasoning string `json:"reasoning"`
}

const (
	fallbackSummary   = "Analysis unavailable - LLM service error"
	fallbackReasoning = "Failed to analyze detections due to service error"
)

// FallbackAssessment is persisted when the LLM is unreachable or its output
// is unusable, so every closed batch still yields exactly one event.
func FallbackAssessment() *RiskAssessment {
	return &RiskAssessment{
		RiskScore: 50,
		RiskLevel: "medium",
		Summary:   fallbackSummary,
		Reasoning: fallbackReasoning,
	}
}

var validLevels = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// ParseAssessment extracts and validates the risk assessment from raw LLM
// output. It tolerates <think>...</think> preambles (including unclosed or
// truncated closing tags) and interleaved prose, then seeks the first
// balanced JSON object carrying both risk_score and risk_level. Returns
// ErrParse only when no such object exists anywhere in the text.
func ParseAssessment(content string, sev config.SeverityConfig) (*RiskAssessment, error) {
	cleaned := stripThinkBlocks(content)

	obj, ok := firstRiskObject(cleaned)
	if !ok {
		// The model occasionally buries the JSON inside an unterminated
		// think block; fall back to scanning the raw text.
		obj, ok = firstRiskObject(content)
	}
	if !ok {
		return nil, fmt.Errorf("%w", ErrParse)
	}

	return validateAssessment(obj, sev), nil
}

// stripThinkBlocks removes well-formed <think>...</think> spans and trailing
// unclosed or truncated closing tags.
func stripThinkBlocks(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "<think>")
		if start < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		rest := s[start+len("<think>"):]

		end := strings.Index(rest, "</think>")
		if end >= 0 {
			s = rest[end+len("</think>"):]
			continue
		}
		// Truncated closing tag ("</think", "</thin", ...): cut at the
		// last partial match, otherwise the whole remainder was thinking.
		if cut := strings.LastIndex(rest, "</th"); cut >= 0 {
			if tail := strings.IndexByte(rest[cut:], '>'); tail >= 0 {
				s = rest[cut+tail+1:]
				continue
			}
		}
		break
	}
	return b.String()
}

// firstRiskObject scans for the first balanced JSON object that decodes and
// contains both required keys.
func firstRiskObject(s string) (map[string]any, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		raw, ok := balancedObject(s[i:])
		if !ok {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			continue
		}
		if _, hasScore := obj["risk_score"]; !hasScore {
			continue
		}
		if _, hasLevel := obj["risk_level"]; !hasLevel {
			continue
		}
		return obj, true
	}
	return nil, false
}

// balancedObject returns the prefix of s forming one brace-balanced JSON
// object, respecting string literals and escapes.
func balancedObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// validateAssessment is the lenient second pass: clamp the score, infer the
// level when invalid or missing, and fill defaults for absent text fields.
func validateAssessment(obj map[string]any, sev config.SeverityConfig) *RiskAssessment {
	a := &RiskAssessment{}

	a.RiskScore = clampScore(coerceInt(obj["risk_score"], 50))

	if lvl, ok := obj["risk_level"].(string); ok && validLevels[strings.ToLower(lvl)] {
		a.RiskLevel = strings.ToLower(lvl)
	} else {
		a.RiskLevel = sev.Classify(a.RiskScore)
	}

	a.Summary = coerceString(obj["summary"], "Security event detected")
	a.Reasoning = coerceString(obj["reasoning"], "No reasoning provided")
	return a
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func coerceInt(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return i
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func coerceString(v any, def string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}
