package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/enrichment"
)

// Template tiers, richest first. Selection walks this order and takes the
// first tier whose signals are present, so the same inputs always pick the
// same template.
const (
	TierModelZoo     = "model_zoo"
	TierVision       = "vision"
	TierFullEnriched = "full_enriched"
	TierEnriched     = "enriched"
	TierBasic        = "basic"
)

var modelZooKeys = []string{"threats", "actions", "poses"}
var visionKeys = []string{"faces", "license_plates", "vehicles"}

// SelectTier picks the prompt template from the available enrichment signals.
func SelectTier(enriched map[int64]map[string]any, ectx *enrichment.Context) string {
	if hasAnyKey(enriched, modelZooKeys) {
		return TierModelZoo
	}
	if hasAnyKey(enriched, visionKeys) {
		return TierVision
	}
	hasContext := ectx != nil && (len(ectx.ZoneHits) > 0 || ectx.Baseline != nil || len(ectx.CrossCamera) > 0)
	if len(enriched) > 0 && hasContext {
		return TierFullEnriched
	}
	if len(enriched) > 0 || hasContext {
		return TierEnriched
	}
	return TierBasic
}

func hasAnyKey(enriched map[int64]map[string]any, keys []string) bool {
	for _, m := range enriched {
		for _, k := range keys {
			if v, ok := m[k]; ok && v != nil {
				return true
			}
		}
	}
	return false
}

const systemPreamble = `You are a home security analyst. Assess the risk of the observed activity.
Respond with a single JSON object: {"risk_score": <0-100>, "risk_level": "<low|medium|high|critical>", "summary": "<one sentence>", "reasoning": "<brief explanation>"}`

// BuildPrompt formats the chat-template prompt for one batch. Sections are
// appended in a fixed order and detections are listed in detection-time
// order, keeping the output deterministic for identical inputs.
func BuildPrompt(tier string, cameraName string, detections []*data.Detection, enriched map[int64]map[string]any, ectx *enrichment.Context) string {
	var b strings.Builder
	b.WriteString("<|im_start|>system\n")
	b.WriteString(systemPreamble)
	b.WriteString("\n<|im_end|>\n<|im_start|>user\n")

	fmt.Fprintf(&b, "Camera: %s\n", cameraName)
	fmt.Fprintf(&b, "Detections (%d):\n", len(detections))
	for _, d := range detections {
		fmt.Fprintf(&b, "- %s at %s", d.ObjectType, d.DetectedAt.Format(time.TimeOnly))
		if d.Confidence != nil {
			fmt.Fprintf(&b, " (confidence %.2f)", *d.Confidence)
		}
		if ectx != nil {
			if zones := ectx.ZoneHits[d.ID]; len(zones) > 0 {
				fmt.Fprintf(&b, " in zone %s", strings.Join(zones, ", "))
			}
		}
		b.WriteString("\n")
	}

	if tier != TierBasic && ectx != nil {
		writeContextSection(&b, ectx)
	}
	if tier == TierModelZoo || tier == TierVision || tier == TierFullEnriched || tier == TierEnriched {
		writeEnrichmentSection(&b, detections, enriched)
	}

	b.WriteString("<|im_end|>\n<|im_start|>assistant\n")
	return b.String()
}

func writeContextSection(b *strings.Builder, ectx *enrichment.Context) {
	if ectx.Baseline != nil {
		fmt.Fprintf(b, "Activity baseline: %.1f detections/hour typical, %d now",
			ectx.Baseline.HourlyAverage, ectx.Baseline.CurrentCount)
		if ectx.Baseline.Unusual {
			b.WriteString(" (unusually high)")
		}
		b.WriteString("\n")
	}
	if len(ectx.CrossCamera) > 0 {
		b.WriteString("Recent activity on other cameras:\n")
		for _, ev := range ectx.CrossCamera {
			fmt.Fprintf(b, "- %s: %s (%s)\n", ev.CameraID, ev.Summary, ev.RiskLevel)
		}
	}
}

func writeEnrichmentSection(b *strings.Builder, detections []*data.Detection, enriched map[int64]map[string]any) {
	if len(enriched) == 0 {
		return
	}
	b.WriteString("Additional analysis:\n")
	for _, d := range detections {
		m, ok := enriched[d.ID]
		if !ok || len(m) == 0 {
			continue
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "- %s %s: %v\n", d.ObjectType, k, m[k])
		}
	}
}
