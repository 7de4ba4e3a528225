package packs

import (
	"context"
	"regexp"
	"strings"

	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/store"
)

const TypeSpecSection = "spec_section"

// LinkSpecifiedBy relates a line item to the specification section that
// governs it.
const LinkSpecifiedBy = "specified_by"

// specHeadingRe matches MasterFormat section headings, with or without the
// SECTION prefix.
var specHeadingRe = regexp.MustCompile(`(?m)^\s*(?:SECTION\s+)?(\d{2}\s?\d{2}\s?\d{2})\s*[-:]?\s+(\S.*)$`)

const specBodyLimit = 600

// SpecSectionPack extracts specification sections and links line items to
// the sections that specify them.
type SpecSectionPack struct {
	linking.BasePack
}

func NewSpecSectionPack() *SpecSectionPack {
	return &SpecSectionPack{BasePack: linking.BasePack{
		PackName:    "construction_spec_sections",
		PackVersion: "1.1.0",
		Types:       []string{TypeSpecSection},
		Threshold:   0.5,
	}}
}

// ExtractEntities splits the document on section headings. Each section's
// text is its title plus the leading slice of its body.
func (p *SpecSectionPack) ExtractEntities(_ context.Context, doc *linking.Document) ([]store.Entity, error) {
	matches := specHeadingRe.FindAllStringSubmatchIndex(doc.Content, -1)
	var out []store.Entity
	for i, m := range matches {
		code := normalizeCSI(doc.Content[m[2]:m[3]])
		title := strings.TrimSpace(doc.Content[m[4]:m[5]])
		bodyStart := m[1]
		bodyEnd := len(doc.Content)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(doc.Content[bodyStart:bodyEnd])
		if len(body) > specBodyLimit {
			body = body[:specBodyLimit]
		}
		text := title
		if body != "" {
			text = title + " " + body
		}
		section := code
		out = append(out, store.Entity{
			ID:         linking.EntityID(TypeSpecSection, doc.ID, code, title),
			Type:       TypeSpecSection,
			Text:       text,
			DocumentID: &doc.ID,
			Section:    &section,
			ProjectID:  doc.ProjectID,
			Metadata:   store.JSONMap{"code": code, "title": title},
		})
	}
	return out, nil
}

// MatchEntities pairs line items with spec sections in either direction,
// always orienting the link line_item → spec_section.
func (p *SpecSectionPack) MatchEntities(_ context.Context, sources, targets []store.Entity, embeddings map[string][]float32) []linking.Candidate {
	var out []linking.Candidate
	seen := make(map[string]bool)
	for i := range sources {
		s := &sources[i]
		for j := range targets {
			t := &targets[j]
			item, section := orientSpecPair(s, t)
			if item == nil || !p.ShouldLink(item, section) {
				continue
			}
			key := pairKey(item.ID, section.ID, LinkSpecifiedBy)
			if seen[key] {
				continue
			}
			seen[key] = true

			evidence := p.gather(item, section, embeddings)
			if len(evidence) == 0 {
				continue
			}
			conf := p.CalculateConfidence(item, section, evidence)
			if conf < p.Threshold {
				continue
			}
			out = append(out, linking.Candidate{
				Source:     *item,
				Target:     *section,
				LinkType:   LinkSpecifiedBy,
				Confidence: conf,
				Evidence:   evidence,
			})
		}
	}
	return out
}

// orientSpecPair returns (line item, spec section) when the pair has one
// of each, nils otherwise.
func orientSpecPair(a, b *store.Entity) (*store.Entity, *store.Entity) {
	switch {
	case a.Type == TypeLineItem && b.Type == TypeSpecSection:
		return a, b
	case a.Type == TypeSpecSection && b.Type == TypeLineItem:
		return b, a
	default:
		return nil, nil
	}
}

func (p *SpecSectionPack) gather(item, section *store.Entity, embeddings map[string][]float32) []store.Evidence {
	var evidence []store.Evidence
	if code := metaString(section, "code"); code != "" && itemReferencesCode(item.Text, code) {
		evidence = append(evidence, p.Evidence(linking.EvidenceCode, 1.0, 0.5, "", "",
			map[string]interface{}{"code": code}))
	}
	if ev, ok := p.KeywordEvidence(item, section, 0.3); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.MaterialEvidence(item, section, 0.2); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.SemanticEvidence(item, section, embeddings, 0.25); ok {
		evidence = append(evidence, ev)
	}
	return evidence
}

// itemReferencesCode reports whether the item text cites the section code
// in spaced or compact form.
func itemReferencesCode(text, code string) bool {
	for _, ref := range linking.ExtractRefs(text, linking.CSICodeRe) {
		if normalizeCSI(ref) == code {
			return true
		}
	}
	return false
}

// CalculateConfidence adds a bonus when a section code citation is backed
// by shared materials.
func (p *SpecSectionPack) CalculateConfidence(item, section *store.Entity, evidence []store.Evidence) float64 {
	conf := p.BasePack.CalculateConfidence(item, section, evidence)
	if linking.HasEvidence(evidence, linking.EvidenceCode) && linking.HasEvidence(evidence, linking.EvidenceMaterial) {
		conf += 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
