package packs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/store"
)

const boqContent = `BILL NO 3 - SUBSTRUCTURE
3.2.1 Supply and place C30 concrete to ground floor slabs 120 m3 95.00 11,400.00
3.2.2 Reinforcement to slabs 12,800 kg 1.10 14,080.00
Carried to summary`

func lineItem(id string, docID int64, code, text string, md store.JSONMap) store.Entity {
	if md == nil {
		md = store.JSONMap{}
	}
	md["code"] = code
	return store.Entity{
		ID:         id,
		Type:       TypeLineItem,
		Text:       text,
		DocumentID: &docID,
		Metadata:   md,
	}
}

func TestLineItemExtraction(t *testing.T) {
	p := NewLineItemPack()
	doc := &linking.Document{ID: 7, Name: "boq.pdf", Type: "boq", Content: boqContent}

	ents, err := p.ExtractEntities(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	first := ents[0]
	assert.Equal(t, TypeLineItem, first.Type)
	assert.Equal(t, "3.2.1", first.Metadata["code"])
	assert.Contains(t, first.Text, "C30 concrete")
	require.NotNil(t, first.DocumentID)
	assert.Equal(t, int64(7), *first.DocumentID)
	assert.Equal(t, 120.0, first.Metadata["quantity"])
	assert.Equal(t, "m3", first.Metadata["unit"])
	assert.Equal(t, 11400.0, first.Metadata["amount"])
	assert.Equal(t, 95.0, first.Metadata["rate"])

	// Same input, same ids.
	again, err := p.ExtractEntities(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again[0].ID)
	assert.NotEqual(t, ents[0].ID, ents[1].ID)
}

func TestLineItemMatching(t *testing.T) {
	p := NewLineItemPack()
	a := lineItem("ent-a", 1, "3.2.1", "Supply and place C30 concrete to ground floor slabs", nil)
	b := lineItem("ent-b", 2, "3.2.1", "C30 concrete to ground floor slabs including placing", nil)

	cands := p.MatchEntities(context.Background(), []store.Entity{a}, []store.Entity{a, b}, nil)
	require.Len(t, cands, 1)
	cand := cands[0]
	assert.Equal(t, LinkSimilarItem, cand.LinkType)
	assert.True(t, linking.HasEvidence(cand.Evidence, linking.EvidenceCode))
	assert.True(t, linking.HasEvidence(cand.Evidence, linking.EvidenceKeyword))
	assert.True(t, linking.HasEvidence(cand.Evidence, linking.EvidenceMaterial))
	assert.InDelta(t, 0.889, cand.Confidence, 0.02)

	// Same document, no section split: suppressed.
	c := lineItem("ent-c", 1, "3.2.2", "Reinforcement to slabs", nil)
	cands = p.MatchEntities(context.Background(), []store.Entity{a}, []store.Entity{c}, nil)
	assert.Empty(t, cands)
}

func TestLineItemMatchingCanonicalOrientation(t *testing.T) {
	p := NewLineItemPack()
	a := lineItem("ent-a", 1, "3.2.1", "C30 concrete ground slabs", nil)
	b := lineItem("ent-b", 2, "3.2.1", "C30 concrete ground slabs", nil)

	// Matching from either side lands on the same (source, target) pair.
	fromA := p.MatchEntities(context.Background(), []store.Entity{a}, []store.Entity{a, b}, nil)
	fromB := p.MatchEntities(context.Background(), []store.Entity{b}, []store.Entity{a, b}, nil)
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)
	assert.Equal(t, fromA[0].Source.ID, fromB[0].Source.ID)
	assert.Equal(t, fromA[0].Target.ID, fromB[0].Target.ID)
}

const specContent = `PROJECT SPECIFICATION

SECTION 03 30 00 - Cast-in-Place Concrete
Scope includes supply placement and curing of structural concrete.
Formwork per section 03 10 00.

SECTION 09 91 23 - Interior Painting
Surface preparation and paint application to interior walls.`

func TestSpecSectionExtraction(t *testing.T) {
	p := NewSpecSectionPack()
	doc := &linking.Document{ID: 9, Type: "specification", Content: specContent}

	ents, err := p.ExtractEntities(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	assert.Equal(t, "03 30 00", ents[0].Metadata["code"])
	assert.Equal(t, "Cast-in-Place Concrete", ents[0].Metadata["title"])
	require.NotNil(t, ents[0].Section)
	assert.Equal(t, "03 30 00", *ents[0].Section)
	assert.Contains(t, ents[0].Text, "structural concrete")
	assert.NotContains(t, ents[0].Text, "Interior Painting")

	assert.Equal(t, "09 91 23", ents[1].Metadata["code"])
}

func TestSpecSectionMatching(t *testing.T) {
	p := NewSpecSectionPack()
	section := store.Entity{
		ID:       "sec-1",
		Type:     TypeSpecSection,
		Text:     "Cast-in-Place Concrete scope includes supply placement curing of structural concrete",
		Metadata: store.JSONMap{"code": "03 30 00"},
	}
	docID := int64(9)
	section.DocumentID = &docID

	item := lineItem("item-1", 7, "3.2.1", "Cast-in-place concrete to ground slabs per section 03 30 00", nil)

	// Direction is normalized: the line item is always the source.
	cands := p.MatchEntities(context.Background(), []store.Entity{section}, []store.Entity{item}, nil)
	require.Len(t, cands, 1)
	cand := cands[0]
	assert.Equal(t, LinkSpecifiedBy, cand.LinkType)
	assert.Equal(t, "item-1", cand.Source.ID)
	assert.Equal(t, "sec-1", cand.Target.ID)
	assert.True(t, linking.HasEvidence(cand.Evidence, linking.EvidenceCode))
	assert.GreaterOrEqual(t, cand.Confidence, 0.7)

	// Without the code citation the pair stays below threshold.
	weak := lineItem("item-2", 7, "3.2.2", "Interior painting to walls", nil)
	cands = p.MatchEntities(context.Background(), []store.Entity{section}, []store.Entity{weak}, nil)
	assert.Empty(t, cands)
}

func TestItemReferencesCodeForms(t *testing.T) {
	assert.True(t, itemReferencesCode("per 03 30 00", "03 30 00"))
	assert.True(t, itemReferencesCode("per 033000 spec", "03 30 00"))
	assert.False(t, itemReferencesCode("per 03 10 00", "03 30 00"))
}

const certContent = `PAYMENT CERTIFICATE NO 4
Date: 2026-03-20
3.2.1 Concrete works ground slabs 11,800.00
3.2.2 Reinforcement to slabs 13,950.00
Total this certificate 25,750.00`

func TestPaymentCertExtraction(t *testing.T) {
	p := NewPaymentCertPack()
	doc := &linking.Document{ID: 12, Type: "payment_certificate", Content: certContent}

	ents, err := p.ExtractEntities(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, ents, 3)

	first := ents[0]
	assert.Equal(t, TypePaymentLine, first.Type)
	assert.Equal(t, "3.2.1", first.Metadata["code"])
	assert.Equal(t, 11800.0, first.Metadata["amount"])
	assert.Equal(t, "2026-03-20", first.Metadata["date"])

	// The total row has no code but still parses as a certified amount.
	total := ents[2]
	assert.Equal(t, 25750.0, total.Metadata["amount"])
	assert.Nil(t, total.Metadata["code"])
}

func TestPaymentMatching(t *testing.T) {
	p := NewPaymentCertPack()
	payment := store.Entity{
		ID:   "pay-1",
		Type: TypePaymentLine,
		Text: "Concrete works ground slabs",
		Metadata: store.JSONMap{
			"amount": 11800.0,
			"date":   "2026-03-20",
		},
	}
	certDoc := int64(12)
	payment.DocumentID = &certDoc

	item := lineItem("item-1", 7, "3.2.1", "Concrete to ground floor slabs C30",
		store.JSONMap{"amount": 11400.0, "date": "2026-03-14"})

	cands := p.MatchEntities(context.Background(), []store.Entity{payment}, []store.Entity{item}, nil)
	require.Len(t, cands, 1)
	cand := cands[0]
	assert.Equal(t, LinkCertifies, cand.LinkType)
	assert.Equal(t, "pay-1", cand.Source.ID)
	assert.Equal(t, "item-1", cand.Target.ID)
	assert.True(t, linking.HasEvidence(cand.Evidence, linking.EvidenceAmount))
	assert.True(t, linking.HasEvidence(cand.Evidence, linking.EvidenceDate))
	// Amount and date agreement stack a combination bonus.
	assert.InDelta(t, 0.693, cand.Confidence, 0.02)
}

func TestPaymentAmountTolerance(t *testing.T) {
	p := NewPaymentCertPack()
	payment := store.Entity{ID: "pay-1", Type: TypePaymentLine, Text: "Concrete works",
		Metadata: store.JSONMap{"amount": 12000.0}}
	item := store.Entity{ID: "item-1", Type: TypeLineItem, Text: "Concrete works",
		Metadata: store.JSONMap{"amount": 10000.0}}

	_, ok := p.amountEvidence(&payment, &item)
	assert.False(t, ok, "17%% apart is outside the tolerance")

	item.Metadata["amount"] = 11500.0
	ev, ok := p.amountEvidence(&payment, &item)
	require.True(t, ok)
	assert.Equal(t, linking.EvidenceAmount, ev.Type)
	assert.Equal(t, 12000.0, ev.Metadata["source_amount"])
}

func TestNormalizeCSI(t *testing.T) {
	assert.Equal(t, "03 30 00", normalizeCSI("033000"))
	assert.Equal(t, "03 30 00", normalizeCSI("03 30 00"))
	assert.Equal(t, "3.2.1", normalizeCSI("3.2.1"))
}

func TestAllPacksRegister(t *testing.T) {
	eng := linking.NewEngine(nil, nil, nil)
	for _, p := range All() {
		require.NoError(t, eng.RegisterPack(p))
	}
	infos := eng.ListPacks()
	require.Len(t, infos, 3)
	assert.Equal(t, "construction_line_items", infos[0].Name)
	assert.Equal(t, "construction_payment_certs", infos[1].Name)
	assert.Equal(t, "construction_spec_sections", infos[2].Name)
}
