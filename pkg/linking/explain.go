package linking

import (
	"fmt"
	"math"
	"strings"

	"github.com/gantrylabs/gantry/pkg/store"
)

// explainEvidence renders a link's evidence list as one human-readable
// sentence fragment per item, joined with semicolons.
func explainEvidence(evidence []store.Evidence) string {
	if len(evidence) == 0 {
		return "no recorded evidence"
	}
	parts := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		parts = append(parts, explainOne(ev))
	}
	return strings.Join(parts, "; ")
}

func explainOne(ev store.Evidence) string {
	switch ev.Type {
	case EvidenceSemantic:
		return fmt.Sprintf("%d%% semantic similarity", pct(ev.Value))
	case EvidenceKeyword:
		if kws := metadataStrings(ev.Metadata, "keywords"); len(kws) > 0 {
			return "shared keywords: " + strings.Join(kws, ", ")
		}
		return fmt.Sprintf("%d%% keyword overlap", pct(ev.Value))
	case EvidenceCode:
		if code, ok := ev.Metadata["code"].(string); ok && code != "" {
			return "matching code " + code
		}
		return "matching item code"
	case EvidenceMaterial:
		if ms := metadataStrings(ev.Metadata, "materials"); len(ms) > 0 {
			return "shared materials: " + strings.Join(ms, ", ")
		}
		return "shared materials"
	case EvidenceDrawing:
		if ds := metadataStrings(ev.Metadata, "drawings"); len(ds) > 0 {
			return "references drawing " + strings.Join(ds, ", ")
		}
		return "shared drawing reference"
	case EvidenceAmount:
		if src, tgt, ok := amountPair(ev.Metadata); ok {
			return fmt.Sprintf("amounts %.2f and %.2f within tolerance", src, tgt)
		}
		return "matching amounts"
	case EvidenceDate:
		if days, ok := metadataNumber(ev.Metadata, "days"); ok {
			n := int(math.Round(days))
			if n == 1 {
				return "dates 1 day apart"
			}
			return fmt.Sprintf("dates %d days apart", n)
		}
		return "dates in proximity"
	default:
		return fmt.Sprintf("%s (%d%%)", ev.Type, pct(ev.Value))
	}
}

func pct(v float64) int {
	return int(math.Round(clamp01(v) * 100))
}

func metadataStrings(md map[string]interface{}, key string) []string {
	if md == nil {
		return nil
	}
	switch v := md[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func metadataNumber(md map[string]interface{}, key string) (float64, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func amountPair(md map[string]interface{}) (float64, float64, bool) {
	src, okS := metadataNumber(md, "source_amount")
	tgt, okT := metadataNumber(md, "target_amount")
	return src, tgt, okS && okT
}
