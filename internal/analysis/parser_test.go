package analysis_test

import (
	"errors"
	"testing"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/config"
)

var sev = config.Default().Severity

func TestParseAssessment_PlainJSON(t *testing.T) {
	content := `{"risk_score": 72, "risk_level": "high", "summary": "Person at door", "reasoning": "Unknown person lingering"}`

	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 72 || a.RiskLevel != "high" {
		t.Errorf("unexpected assessment: %+v", a)
	}
	if a.Summary != "Person at door" {
		t.Errorf("summary = %q", a.Summary)
	}
}

func TestParseAssessment_ThinkBlockAndProse(t *testing.T) {
	content := `<think>
The person appears at 2am which is unusual.
Let me evaluate the risk factors.
</think>
Based on my analysis, here is the assessment:
{"risk_score": 85, "risk_level": "critical", "summary": "Night intruder", "reasoning": "After-hours person detection"}`

	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 85 || a.RiskLevel != "critical" {
		t.Errorf("unexpected assessment: %+v", a)
	}
}

func TestParseAssessment_TruncatedThinkTag(t *testing.T) {
	content := `<think>reasoning here</thin>
{"risk_score": 30, "risk_level": "medium", "summary": "s", "reasoning": "r"}`

	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 30 {
		t.Errorf("RiskScore = %d, want 30", a.RiskScore)
	}
}

func TestParseAssessment_UnclosedThinkBlock(t *testing.T) {
	// JSON buried inside a think block that never closes.
	content := `<think>still thinking {"risk_score": 45, "risk_level": "medium", "summary": "s", "reasoning": "r"}`

	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 45 {
		t.Errorf("RiskScore = %d, want 45", a.RiskScore)
	}
}

func TestParseAssessment_SkipsDecoyObjects(t *testing.T) {
	// Earlier JSON objects without both required keys are skipped.
	content := `{"note": "ignore me"} {"risk_score": 10} {"risk_score": 55, "risk_level": "medium", "summary": "s", "reasoning": "r"}`

	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 55 {
		t.Errorf("RiskScore = %d, want 55", a.RiskScore)
	}
}

func TestParseAssessment_ClampAndInferLevel(t *testing.T) {
	// Score above 100 clamps; bogus level is re-derived from the score.
	content := `{"risk_score": 150, "risk_level": "apocalyptic"}`

	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 100 {
		t.Errorf("RiskScore = %d, want 100", a.RiskScore)
	}
	if a.RiskLevel != "critical" {
		t.Errorf("RiskLevel = %q, want critical (inferred)", a.RiskLevel)
	}
	if a.Summary == "" || a.Reasoning == "" {
		t.Error("missing text fields should get defaults")
	}
}

func TestParseAssessment_NegativeScoreClamps(t *testing.T) {
	content := `{"risk_score": -5, "risk_level": "low"}`
	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 0 {
		t.Errorf("RiskScore = %d, want 0", a.RiskScore)
	}
}

func TestParseAssessment_StringScore(t *testing.T) {
	content := `{"risk_score": "64", "risk_level": "high", "summary": "s", "reasoning": "r"}`
	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 64 {
		t.Errorf("RiskScore = %d, want 64", a.RiskScore)
	}
}

func TestParseAssessment_NoObject(t *testing.T) {
	_, err := analysis.ParseAssessment("the model rambled with no json at all", sev)
	if !errors.Is(err, analysis.ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestParseAssessment_NestedBraces(t *testing.T) {
	content := `{"risk_score": 40, "risk_level": "medium", "summary": "saw {odd} braces", "reasoning": "detail: {\"inner\": true}"}`
	a, err := analysis.ParseAssessment(content, sev)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.RiskScore != 40 {
		t.Errorf("RiskScore = %d, want 40", a.RiskScore)
	}
}

func TestFallbackAssessment(t *testing.T) {
	f := analysis.FallbackAssessment()
	if f.RiskScore != 50 || f.RiskLevel != "medium" {
		t.Errorf("unexpected fallback: %+v", f)
	}
	if f.Summary != "Analysis unavailable - LLM service error" {
		t.Errorf("summary = %q", f.Summary)
	}
	if f.Reasoning != "Failed to analyze detections due to service error" {
		t.Errorf("reasoning = %q", f.Reasoning)
	}
}

func TestSeverityClassify(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{0, "low"}, {29, "low"}, {30, "medium"}, {59, "medium"},
		{60, "high"}, {84, "high"}, {85, "critical"}, {100, "critical"},
	}
	for _, tc := range cases {
		if got := sev.Classify(tc.score); got != tc.want {
			t.Errorf("Classify(%d) = %q, want %q", tc.score, got, tc.want)
		}
	}
}
