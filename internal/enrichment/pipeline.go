package enrichment

import (
	"context"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// Pipeline is the integration contract with the vision-model enrichment
// collaborator. Implementations run additional models (plates, faces, pose,
// re-id, ...) over detections and return one structured map per detection id.
// Outputs are treated as opaque structured data; Normalize is applied before
// the maps are consumed or persisted.
type Pipeline interface {
	Run(ctx context.Context, detections []*data.Detection) (map[int64]map[string]any, error)
}

// legacySingular maps deprecated singular enrichment keys to their canonical
// list-valued forms. Old pipeline versions emitted a bare object under the
// singular key.
var legacySingular = map[string]string{
	"license_plate": "license_plates",
	"face":          "faces",
	"vehicle":       "vehicles",
	"pose":          "poses",
	"action":        "actions",
	"threat":        "threats",
}

// Normalize validates an enrichment map in place-ish (returns a new map):
// numeric confidences are clamped to [0,1], legacy singular keys become
// single-element lists under the canonical plural key, and unknown keys pass
// through untouched.
func Normalize(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for key, val := range raw {
		if plural, ok := legacySingular[key]; ok {
			// Do not clobber an already-canonical key.
			if _, exists := raw[plural]; !exists {
				out[plural] = []any{clampValue(val)}
			}
			continue
		}
		out[key] = clampValue(val)
	}
	return out
}

// clampValue walks nested maps and lists clamping any confidence-like field.
func clampValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			if isConfidenceKey(k) {
				m[k] = clampNumber(inner)
			} else {
				m[k] = clampValue(inner)
			}
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, inner := range t {
			l[i] = clampValue(inner)
		}
		return l
	default:
		return v
	}
}

func isConfidenceKey(k string) bool {
	if k == "confidence" || k == "score" {
		return true
	}
	n := len(k)
	return (n > 11 && k[n-11:] == "_confidence") || (n > 6 && k[n-6:] == "_score")
}

func clampNumber(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f < 0 {
		return 0.0
	}
	if f > 1 {
		return 1.0
	}
	return f
}
