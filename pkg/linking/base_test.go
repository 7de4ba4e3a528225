package linking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/store"
)

func TestTokenize(t *testing.T) {
	toks := Tokenize("Supply AND place the C30 concrete, to slabs!")
	assert.Equal(t, []string{"supply", "place", "c30", "concrete", "slabs"}, toks)
	assert.Empty(t, Tokenize("a I ."))
}

func TestKeywordScoreWeighsDomainTerms(t *testing.T) {
	score, shared := KeywordScore(Tokenize("concrete slab"), Tokenize("concrete wall"))
	// concrete carries weight 2.5, slab and wall 1.0 each.
	assert.InDelta(t, 2.5/4.5, score, 1e-9)
	assert.Equal(t, []string{"concrete"}, shared)

	score, shared = KeywordScore(Tokenize("timber door"), Tokenize("steel window"))
	assert.Zero(t, score)
	assert.Empty(t, shared)

	score, _ = KeywordScore(nil, Tokenize("anything"))
	assert.Zero(t, score)
}

func TestSharedMaterials(t *testing.T) {
	shared := SharedMaterials(
		Tokenize("epoxy coating over concrete screed"),
		Tokenize("concrete slab with epoxy finish"))
	assert.Equal(t, []string{"concrete", "epoxy"}, shared)
	assert.Empty(t, SharedMaterials(Tokenize("concrete"), Tokenize("timber")))
}

func TestExtractRefs(t *testing.T) {
	refs := ExtractRefs("see 03 30 00, then 03  30 00 again and 09 91 23", CSICodeRe)
	assert.Equal(t, []string{"03 30 00", "09 91 23"}, refs)

	drawings := ExtractRefs("per dwg S-201 and detail on S-201 rev B", DrawingRe)
	assert.Equal(t, []string{"S-201"}, drawings)
}

func TestParseAmount(t *testing.T) {
	v, ok := ParseAmount("12,500.00")
	require.True(t, ok)
	assert.Equal(t, 12500.0, v)
	_, ok = ParseAmount("n/a")
	assert.False(t, ok)
}

func TestShouldLink(t *testing.T) {
	b := &BasePack{}
	docA, docB := int64(1), int64(2)
	secA, secB := "03 30 00", "09 91 23"

	self := &store.Entity{ID: "x", DocumentID: &docA}
	assert.False(t, b.ShouldLink(self, self))

	sameSectionA := &store.Entity{ID: "a", DocumentID: &docA, Section: &secA}
	sameSectionB := &store.Entity{ID: "b", DocumentID: &docA, Section: &secA}
	assert.False(t, b.ShouldLink(sameSectionA, sameSectionB))

	noSectionA := &store.Entity{ID: "a", DocumentID: &docA}
	noSectionB := &store.Entity{ID: "b", DocumentID: &docA}
	assert.False(t, b.ShouldLink(noSectionA, noSectionB))

	otherSection := &store.Entity{ID: "c", DocumentID: &docA, Section: &secB}
	assert.True(t, b.ShouldLink(sameSectionA, otherSection))

	otherDoc := &store.Entity{ID: "d", DocumentID: &docB, Section: &secA}
	assert.True(t, b.ShouldLink(sameSectionA, otherDoc))
}

func TestBaseConfidenceClamps(t *testing.T) {
	b := &BasePack{}
	conf := b.CalculateConfidence(nil, nil, []store.Evidence{
		{Value: 1.0, Weight: 0.6},
		{Value: 0.5, Weight: 0.4},
	})
	assert.InDelta(t, 0.8, conf, 1e-9)

	conf = b.CalculateConfidence(nil, nil, []store.Evidence{
		{Value: 1.0, Weight: 0.8},
		{Value: 1.0, Weight: 0.8},
	})
	assert.Equal(t, 1.0, conf)

	assert.Zero(t, b.CalculateConfidence(nil, nil, nil))
}

func TestSemanticEvidenceOmittedWithoutVectors(t *testing.T) {
	b := &BasePack{}
	src := &store.Entity{ID: "a"}
	tgt := &store.Entity{ID: "b"}

	_, ok := b.SemanticEvidence(src, tgt, nil, 0.3)
	assert.False(t, ok)

	emb := map[string][]float32{
		"a": {1, 0},
		"b": {1, 0},
	}
	ev, ok := b.SemanticEvidence(src, tgt, emb, 0.3)
	require.True(t, ok)
	assert.Equal(t, EvidenceSemantic, ev.Type)
	assert.InDelta(t, 1.0, ev.Value, 1e-6)
}

func TestEntityIDStable(t *testing.T) {
	a := EntityID("line_item", 7, "3.2.1", "Concrete   to ground slabs")
	b := EntityID("line_item", 7, "3.2.1", "concrete to GROUND slabs")
	assert.Equal(t, a, b)

	c := EntityID("spec_section", 7, "3.2.1", "concrete to ground slabs")
	assert.NotEqual(t, a, c)
	d := EntityID("line_item", 8, "3.2.1", "concrete to ground slabs")
	assert.NotEqual(t, a, d)
}

func TestExplainEvidence(t *testing.T) {
	got := explainEvidence([]store.Evidence{
		{Type: EvidenceSemantic, Value: 0.724},
		{Type: EvidenceKeyword, Value: 0.4, Metadata: map[string]interface{}{"keywords": []string{"concrete", "slab"}}},
		{Type: EvidenceCode, Metadata: map[string]interface{}{"code": "03 30 00"}},
		{Type: EvidenceAmount, Metadata: map[string]interface{}{"source_amount": 12500.0, "target_amount": 12800.0}},
		{Type: EvidenceDate, Metadata: map[string]interface{}{"days": 3.0}},
	})
	assert.Contains(t, got, "72% semantic similarity")
	assert.Contains(t, got, "shared keywords: concrete, slab")
	assert.Contains(t, got, "matching code 03 30 00")
	assert.Contains(t, got, "amounts 12500.00 and 12800.00 within tolerance")
	assert.Contains(t, got, "dates 3 days apart")

	assert.Equal(t, "no recorded evidence", explainEvidence(nil))
}
