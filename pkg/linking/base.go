package linking

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gantrylabs/gantry/pkg/store"
)

// Reference patterns shared by the construction packs.
var (
	// CSICodeRe matches MasterFormat section codes ("03 30 00", "033000").
	CSICodeRe = regexp.MustCompile(`\b\d{2}\s?\d{2}\s?\d{2}\b`)
	// ItemCodeRe matches bill item codes ("3.2.1", "A-101", "E/204").
	ItemCodeRe = regexp.MustCompile(`\b(?:\d+(?:\.\d+)+|[A-Za-z]{1,3}[-/]\d{1,5}(?:\.\d{1,3})?)\b`)
	// DrawingRe matches drawing references ("S-201", "DWG-1042").
	DrawingRe = regexp.MustCompile(`\b(?:DWG|DRG|[A-Z]{1,3})-\d{2,5}\b`)
	// AmountRe matches monetary amounts with two decimals.
	AmountRe = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+(?:\.\d{2})?\b|\b\d+\.\d{2}\b`)
	// DateRe matches ISO dates.
	DateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

	tokenSplitRe = regexp.MustCompile(`[^a-z0-9]+`)
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "were": true,
	"been": true, "has": true, "have": true, "had": true, "not": true,
	"its": true, "per": true, "all": true, "any": true, "each": true,
	"which": true, "shall": true, "will": true, "may": true, "must": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "by": true,
	"or": true, "as": true, "is": true, "be": true, "an": true, "no": true,
	"including": true, "required": true, "works": true, "work": true,
}

// materialTerms is the construction vocabulary that carries extra weight
// in keyword matching and feeds material evidence.
var materialTerms = map[string]bool{
	"concrete": true, "steel": true, "rebar": true, "reinforcement": true,
	"formwork": true, "excavation": true, "backfill": true, "asphalt": true,
	"masonry": true, "brickwork": true, "blockwork": true, "plaster": true,
	"screed": true, "waterproofing": true, "insulation": true,
	"cladding": true, "roofing": true, "drainage": true, "ductwork": true,
	"conduit": true, "cable": true, "switchgear": true, "transformer": true,
	"pump": true, "valve": true, "pipework": true, "scaffold": true,
	"grout": true, "anchor": true, "weld": true, "galvanized": true,
	"epoxy": true, "membrane": true, "aggregate": true, "cement": true,
	"mortar": true, "timber": true, "joinery": true, "glazing": true,
	"hvac": true, "chiller": true, "paint": true, "sealant": true,
}

const domainTermWeight = 2.5

// Tokenize lowercases the text, splits on non-alphanumerics, and drops
// stopwords and tokens shorter than two characters.
func Tokenize(text string) []string {
	var out []string
	for _, tok := range tokenSplitRe.Split(strings.ToLower(text), -1) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// KeywordScore is a Jaccard index over token sets where construction
// vocabulary counts more than filler. It returns the weighted score and
// the shared tokens in sorted order.
func KeywordScore(a, b []string) (float64, []string) {
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	var inter, union float64
	var shared []string
	for t := range setA {
		w := 1.0
		if materialTerms[t] {
			w = domainTermWeight
		}
		union += w
		if setB[t] {
			inter += w
			shared = append(shared, t)
		}
	}
	for t := range setB {
		if !setA[t] {
			w := 1.0
			if materialTerms[t] {
				w = domainTermWeight
			}
			union += w
		}
	}
	if union == 0 {
		return 0, nil
	}
	sort.Strings(shared)
	return inter / union, shared
}

// SharedMaterials returns the construction materials mentioned in both
// token lists, sorted.
func SharedMaterials(a, b []string) []string {
	inA := make(map[string]bool)
	for _, t := range a {
		if materialTerms[t] {
			inA[t] = true
		}
	}
	var out []string
	seen := make(map[string]bool)
	for _, t := range b {
		if inA[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// ExtractRefs pulls pattern matches out of the text, uppercased and
// deduplicated in first-occurrence order.
func ExtractRefs(text string, re *regexp.Regexp) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllString(text, -1) {
		ref := strings.ToUpper(strings.Join(strings.Fields(m), " "))
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// ParseAmount reads a monetary amount with optional thousands separators.
func ParseAmount(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// BasePack carries the identity shared by every pack plus the matching
// utilities the pack contract expects.
type BasePack struct {
	PackName    string
	PackVersion string
	Types       []string
	// Threshold suppresses candidates the pack itself considers noise;
	// the engine applies its own gate on top.
	Threshold float64
}

func (b *BasePack) Name() string          { return b.PackName }
func (b *BasePack) Version() string       { return b.PackVersion }
func (b *BasePack) EntityTypes() []string { return b.Types }

// ShouldLink filters self pairs and pairs from the same section of the
// same document.
func (b *BasePack) ShouldLink(source, target *store.Entity) bool {
	if source == nil || target == nil || source.ID == target.ID {
		return false
	}
	if source.DocumentID != nil && target.DocumentID != nil && *source.DocumentID == *target.DocumentID {
		if sameSection(source.Section, target.Section) {
			return false
		}
	}
	return true
}

func sameSection(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Evidence builds one evidence record.
func (b *BasePack) Evidence(evType string, value, weight float64, sourceText, targetText string, md map[string]interface{}) store.Evidence {
	return store.Evidence{
		Type:       evType,
		Value:      value,
		Weight:     weight,
		SourceText: sourceText,
		TargetText: targetText,
		Metadata:   md,
	}
}

// KeywordEvidence scores the token overlap of the two entity texts.
// Returns false when nothing is shared.
func (b *BasePack) KeywordEvidence(source, target *store.Entity, weight float64) (store.Evidence, bool) {
	score, shared := KeywordScore(Tokenize(source.Text), Tokenize(target.Text))
	if score == 0 {
		return store.Evidence{}, false
	}
	return b.Evidence(EvidenceKeyword, score, weight, clip(source.Text), clip(target.Text),
		map[string]interface{}{"keywords": shared}), true
}

// SemanticEvidence scores cosine similarity from the embedding map.
// Returns false when either vector is missing or the score is not
// positive, so a missing provider simply omits semantic evidence.
func (b *BasePack) SemanticEvidence(source, target *store.Entity, embeddings map[string][]float32, weight float64) (store.Evidence, bool) {
	va, okA := embeddings[source.ID]
	vb, okB := embeddings[target.ID]
	if !okA || !okB {
		return store.Evidence{}, false
	}
	score := store.Cosine(va, vb)
	if score <= 0 {
		return store.Evidence{}, false
	}
	return b.Evidence(EvidenceSemantic, score, weight, "", "", nil), true
}

// MaterialEvidence scores shared construction materials: one shared
// material scores 0.5, two or more score 1.0.
func (b *BasePack) MaterialEvidence(source, target *store.Entity, weight float64) (store.Evidence, bool) {
	shared := SharedMaterials(Tokenize(source.Text), Tokenize(target.Text))
	if len(shared) == 0 {
		return store.Evidence{}, false
	}
	value := 0.5
	if len(shared) > 1 {
		value = 1.0
	}
	return b.Evidence(EvidenceMaterial, value, weight, "", "",
		map[string]interface{}{"materials": shared}), true
}

// DrawingEvidence reports drawing references mentioned by both entities.
func (b *BasePack) DrawingEvidence(source, target *store.Entity, weight float64) (store.Evidence, bool) {
	shared := intersectRefs(ExtractRefs(source.Text, DrawingRe), ExtractRefs(target.Text, DrawingRe))
	if len(shared) == 0 {
		return store.Evidence{}, false
	}
	return b.Evidence(EvidenceDrawing, 1.0, weight, "", "",
		map[string]interface{}{"drawings": shared}), true
}

// CalculateConfidence is the default weighted evidence sum, clamped to
// [0,1]. Packs layer combination bonuses on top.
func (b *BasePack) CalculateConfidence(_, _ *store.Entity, evidence []store.Evidence) float64 {
	var score float64
	for _, ev := range evidence {
		score += ev.Value * ev.Weight
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

func intersectRefs(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, r := range a {
		inA[r] = true
	}
	var out []string
	for _, r := range b {
		if inA[r] {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// HasEvidence reports whether the list carries the given evidence type.
func HasEvidence(evidence []store.Evidence, evType string) bool {
	for _, ev := range evidence {
		if ev.Type == evType {
			return true
		}
	}
	return false
}
