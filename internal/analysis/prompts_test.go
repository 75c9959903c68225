package analysis_test

import (
	"strings"
	"testing"
	"time"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/enrichment"
)

func fptr(v float64) *float64 { return &v }

func TestSelectTier(t *testing.T) {
	ctxWithBaseline := &enrichment.Context{Baseline: &enrichment.Baseline{HourlyAverage: 1}}

	cases := []struct {
		name     string
		enriched map[int64]map[string]any
		ectx     *enrichment.Context
		want     string
	}{
		{"nothing", nil, nil, analysis.TierBasic},
		{"empty context", nil, &enrichment.Context{}, analysis.TierBasic},
		{"context only", nil, ctxWithBaseline, analysis.TierEnriched},
		{"enrichment only", map[int64]map[string]any{1: {"custom": "x"}}, nil, analysis.TierEnriched},
		{"enrichment and context", map[int64]map[string]any{1: {"custom": "x"}}, ctxWithBaseline, analysis.TierFullEnriched},
		{"vision keys", map[int64]map[string]any{1: {"faces": []any{}}}, nil, analysis.TierVision},
		{"model zoo beats vision", map[int64]map[string]any{1: {"faces": []any{}, "threats": []any{}}}, nil, analysis.TierModelZoo},
		{"nil-valued key ignored", map[int64]map[string]any{1: {"threats": nil, "other": "x"}}, nil, analysis.TierEnriched},
	}
	for _, tc := range cases {
		if got := analysis.SelectTier(tc.enriched, tc.ectx); got != tc.want {
			t.Errorf("%s: SelectTier = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestBuildPrompt_ChatTemplate(t *testing.T) {
	at := time.Date(2026, 8, 20, 14, 30, 5, 0, time.UTC)
	detections := []*data.Detection{
		{ID: 1, ObjectType: "person", DetectedAt: at, Confidence: fptr(0.92)},
		{ID: 2, ObjectType: "car", DetectedAt: at.Add(5 * time.Second)},
	}

	prompt := analysis.BuildPrompt(analysis.TierBasic, "Front Door", detections, nil, nil)

	if !strings.HasPrefix(prompt, "<|im_start|>system\n") {
		t.Error("prompt missing system header")
	}
	if !strings.HasSuffix(prompt, "<|im_start|>assistant\n") {
		t.Error("prompt missing assistant handoff")
	}
	if !strings.Contains(prompt, "Camera: Front Door") {
		t.Error("camera name missing")
	}
	if !strings.Contains(prompt, "Detections (2):") {
		t.Error("detection count missing")
	}
	if !strings.Contains(prompt, "person at 14:30:05 (confidence 0.92)") {
		t.Errorf("detection line malformed:\n%s", prompt)
	}
	if !strings.Contains(prompt, `"risk_score"`) {
		t.Error("response schema missing from system preamble")
	}
}

func TestBuildPrompt_ContextAndEnrichmentSections(t *testing.T) {
	at := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	detections := []*data.Detection{{ID: 1, ObjectType: "person", DetectedAt: at}}

	ectx := &enrichment.Context{
		ZoneHits: map[int64][]string{1: {"porch"}},
		Baseline: &enrichment.Baseline{HourlyAverage: 2.5, CurrentCount: 9, Unusual: true},
		CrossCamera: []enrichment.CrossCameraEvent{
			{CameraID: "cam2", Summary: "Person at gate", RiskLevel: "high"},
		},
	}
	enriched := map[int64]map[string]any{
		1: {"faces": []any{map[string]any{"name": "unknown"}}},
	}

	prompt := analysis.BuildPrompt(analysis.TierVision, "Front Door", detections, enriched, ectx)

	if !strings.Contains(prompt, "in zone porch") {
		t.Error("zone hit missing from detection line")
	}
	if !strings.Contains(prompt, "Activity baseline: 2.5 detections/hour typical, 9 now (unusually high)") {
		t.Errorf("baseline section malformed:\n%s", prompt)
	}
	if !strings.Contains(prompt, "- cam2: Person at gate (high)") {
		t.Error("cross-camera section missing")
	}
	if !strings.Contains(prompt, "Additional analysis:") || !strings.Contains(prompt, "person faces:") {
		t.Error("enrichment section missing")
	}
}

func TestBuildPrompt_BasicTierOmitsSections(t *testing.T) {
	at := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	detections := []*data.Detection{{ID: 1, ObjectType: "person", DetectedAt: at}}
	ectx := &enrichment.Context{Baseline: &enrichment.Baseline{HourlyAverage: 2}}

	prompt := analysis.BuildPrompt(analysis.TierBasic, "cam1", detections, nil, ectx)
	if strings.Contains(prompt, "Activity baseline") {
		t.Error("basic tier should not carry the context section")
	}
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	at := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	detections := []*data.Detection{{ID: 1, ObjectType: "person", DetectedAt: at}}
	enriched := map[int64]map[string]any{
		1: {"zeta": 1, "alpha": 2, "mid": 3},
	}

	first := analysis.BuildPrompt(analysis.TierEnriched, "cam1", detections, enriched, nil)
	for i := 0; i < 10; i++ {
		if got := analysis.BuildPrompt(analysis.TierEnriched, "cam1", detections, enriched, nil); got != first {
			t.Fatal("identical inputs produced different prompts")
		}
	}
	if strings.Index(first, "alpha") > strings.Index(first, "zeta") {
		t.Error("enrichment keys should be emitted in sorted order")
	}
}
