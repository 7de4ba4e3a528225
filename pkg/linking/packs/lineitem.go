package packs

import (
	"context"
	"regexp"
	"strings"

	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/store"
)

const TypeLineItem = "line_item"

// LinkSimilarItem relates bill line items describing the same work across
// documents.
const LinkSimilarItem = "similar_item"

var (
	lineItemRe = regexp.MustCompile(`^\s*(\d+(?:\.\d+)+|[A-Za-z]{1,3}[-/]\d{1,5})\s+(.{4,})$`)
	qtyUnitRe  = regexp.MustCompile(`(?i)\b(\d[\d,]*(?:\.\d+)?)\s*(m2|m3|mm|kg|no\.?|nr|ls|ea|sum|item|m|t)\b`)
)

// LineItemPack extracts bill-of-quantities line items and links similar
// items across documents.
type LineItemPack struct {
	linking.BasePack
}

func NewLineItemPack() *LineItemPack {
	return &LineItemPack{BasePack: linking.BasePack{
		PackName:    "construction_line_items",
		PackVersion: "1.2.0",
		Types:       []string{TypeLineItem},
		Threshold:   0.5,
	}}
}

// ExtractEntities reads one line item per matching line: an item code
// followed by a description, optionally carrying quantity, unit, and
// amounts.
func (p *LineItemPack) ExtractEntities(_ context.Context, doc *linking.Document) ([]store.Entity, error) {
	var out []store.Entity
	for _, line := range strings.Split(doc.Content, "\n") {
		m := lineItemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code := strings.ToUpper(m[1])
		desc := strings.TrimSpace(m[2])
		md := store.JSONMap{"code": code}
		if qm := qtyUnitRe.FindStringSubmatch(desc); qm != nil {
			if q, ok := linking.ParseAmount(qm[1]); ok {
				md["quantity"] = q
				md["unit"] = strings.ToLower(strings.TrimSuffix(qm[2], "."))
			}
		}
		amounts := parseAmounts(desc)
		if len(amounts) > 0 {
			md["amount"] = amounts[len(amounts)-1]
			if len(amounts) > 1 {
				md["rate"] = amounts[len(amounts)-2]
			}
		}
		if date := linking.DateRe.FindString(line); date != "" {
			md["date"] = date
		}
		out = append(out, store.Entity{
			ID:         linking.EntityID(TypeLineItem, doc.ID, code, desc),
			Type:       TypeLineItem,
			Text:       desc,
			DocumentID: &doc.ID,
			ProjectID:  doc.ProjectID,
			Metadata:   md,
		})
	}
	return out, nil
}

// MatchEntities pairs line items across documents. Pairs are canonically
// oriented by entity id, so re-processing the counterpart document
// refreshes the same link.
func (p *LineItemPack) MatchEntities(_ context.Context, sources, targets []store.Entity, embeddings map[string][]float32) []linking.Candidate {
	var out []linking.Candidate
	seen := make(map[string]bool)
	for i := range sources {
		s := &sources[i]
		if s.Type != TypeLineItem {
			continue
		}
		for j := range targets {
			t := &targets[j]
			if t.Type != TypeLineItem || !p.ShouldLink(s, t) {
				continue
			}
			src, tgt := s, t
			if tgt.ID < src.ID {
				src, tgt = tgt, src
			}
			key := pairKey(src.ID, tgt.ID, LinkSimilarItem)
			if seen[key] {
				continue
			}
			seen[key] = true

			evidence := p.gather(src, tgt, embeddings)
			if len(evidence) == 0 {
				continue
			}
			conf := p.CalculateConfidence(src, tgt, evidence)
			if conf < p.Threshold {
				continue
			}
			out = append(out, linking.Candidate{
				Source:     *src,
				Target:     *tgt,
				LinkType:   LinkSimilarItem,
				Confidence: conf,
				Evidence:   evidence,
			})
		}
	}
	return out
}

func (p *LineItemPack) gather(src, tgt *store.Entity, embeddings map[string][]float32) []store.Evidence {
	var evidence []store.Evidence
	if code := metaString(src, "code"); code != "" && code == metaString(tgt, "code") {
		evidence = append(evidence, p.Evidence(linking.EvidenceCode, 1.0, 0.45, "", "",
			map[string]interface{}{"code": code}))
	}
	if ev, ok := p.KeywordEvidence(src, tgt, 0.35); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.MaterialEvidence(src, tgt, 0.2); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.DrawingEvidence(src, tgt, 0.1); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.SemanticEvidence(src, tgt, embeddings, 0.3); ok {
		evidence = append(evidence, ev)
	}
	return evidence
}

// CalculateConfidence adds a bonus when an item code match is backed by
// keyword overlap.
func (p *LineItemPack) CalculateConfidence(src, tgt *store.Entity, evidence []store.Evidence) float64 {
	conf := p.BasePack.CalculateConfidence(src, tgt, evidence)
	if linking.HasEvidence(evidence, linking.EvidenceCode) && linking.HasEvidence(evidence, linking.EvidenceKeyword) {
		conf += 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func parseAmounts(text string) []float64 {
	var out []float64
	for _, m := range linking.AmountRe.FindAllString(text, -1) {
		if v, ok := linking.ParseAmount(m); ok {
			out = append(out, v)
		}
	}
	return out
}
