package packs

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/store"
)

const TypePaymentLine = "payment_line"

// LinkCertifies relates a payment certificate line to the bill line item
// it pays against.
const LinkCertifies = "certifies"

// amountTolerance is the relative difference under which two amounts are
// considered the same money.
const amountTolerance = 0.05

// dateWindowDays bounds date-proximity evidence.
const dateWindowDays = 30

var paymentLineRe = regexp.MustCompile(`^\s*(\d+(?:\.\d+)*|[A-Za-z]{1,3}[-/]\d{1,5})?\s*(\S.*?)\s+([\d,]+\.\d{2})\s*$`)

// PaymentCertPack extracts certified payment lines and links them to the
// bill items they certify.
type PaymentCertPack struct {
	linking.BasePack
}

func NewPaymentCertPack() *PaymentCertPack {
	return &PaymentCertPack{BasePack: linking.BasePack{
		PackName:    "construction_payment_certs",
		PackVersion: "1.0.3",
		Types:       []string{TypePaymentLine},
		Threshold:   0.5,
	}}
}

// ExtractEntities reads one payment line per row ending in an amount. The
// certificate date, when present in the document or its metadata, is
// attached to every line.
func (p *PaymentCertPack) ExtractEntities(_ context.Context, doc *linking.Document) ([]store.Entity, error) {
	certDate := documentDate(doc)
	var out []store.Entity
	for _, line := range strings.Split(doc.Content, "\n") {
		m := paymentLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		desc := strings.TrimSpace(m[2])
		amount, ok := linking.ParseAmount(m[3])
		if !ok || desc == "" {
			continue
		}
		md := store.JSONMap{"amount": amount}
		code := strings.ToUpper(strings.TrimSpace(m[1]))
		if code != "" {
			md["code"] = code
		}
		if certDate != "" {
			md["date"] = certDate
		}
		out = append(out, store.Entity{
			ID:         linking.EntityID(TypePaymentLine, doc.ID, code, desc),
			Type:       TypePaymentLine,
			Text:       desc,
			DocumentID: &doc.ID,
			ProjectID:  doc.ProjectID,
			Metadata:   md,
		})
	}
	return out, nil
}

func documentDate(doc *linking.Document) string {
	if doc.Metadata != nil {
		if s, ok := doc.Metadata["date"].(string); ok && s != "" {
			return s
		}
	}
	return linking.DateRe.FindString(doc.Content)
}

// MatchEntities pairs payment lines with line items, oriented
// payment_line → line_item.
func (p *PaymentCertPack) MatchEntities(_ context.Context, sources, targets []store.Entity, embeddings map[string][]float32) []linking.Candidate {
	var out []linking.Candidate
	seen := make(map[string]bool)
	for i := range sources {
		s := &sources[i]
		for j := range targets {
			t := &targets[j]
			payment, item := orientPaymentPair(s, t)
			if payment == nil || !p.ShouldLink(payment, item) {
				continue
			}
			key := pairKey(payment.ID, item.ID, LinkCertifies)
			if seen[key] {
				continue
			}
			seen[key] = true

			evidence := p.gather(payment, item, embeddings)
			if len(evidence) == 0 {
				continue
			}
			conf := p.CalculateConfidence(payment, item, evidence)
			if conf < p.Threshold {
				continue
			}
			out = append(out, linking.Candidate{
				Source:     *payment,
				Target:     *item,
				LinkType:   LinkCertifies,
				Confidence: conf,
				Evidence:   evidence,
			})
		}
	}
	return out
}

func orientPaymentPair(a, b *store.Entity) (*store.Entity, *store.Entity) {
	switch {
	case a.Type == TypePaymentLine && b.Type == TypeLineItem:
		return a, b
	case a.Type == TypeLineItem && b.Type == TypePaymentLine:
		return b, a
	default:
		return nil, nil
	}
}

func (p *PaymentCertPack) gather(payment, item *store.Entity, embeddings map[string][]float32) []store.Evidence {
	var evidence []store.Evidence
	if code := metaString(payment, "code"); code != "" && code == metaString(item, "code") {
		evidence = append(evidence, p.Evidence(linking.EvidenceCode, 1.0, 0.4, "", "",
			map[string]interface{}{"code": code}))
	}
	if ev, ok := p.amountEvidence(payment, item); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.dateEvidence(payment, item); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.KeywordEvidence(payment, item, 0.25); ok {
		evidence = append(evidence, ev)
	}
	if ev, ok := p.SemanticEvidence(payment, item, embeddings, 0.2); ok {
		evidence = append(evidence, ev)
	}
	return evidence
}

// amountEvidence fires when the two amounts agree within the tolerance.
func (p *PaymentCertPack) amountEvidence(payment, item *store.Entity) (store.Evidence, bool) {
	a, okA := metaFloat(payment, "amount")
	b, okB := metaFloat(item, "amount")
	if !okA || !okB || a <= 0 || b <= 0 {
		return store.Evidence{}, false
	}
	rel := math.Abs(a-b) / math.Max(a, b)
	if rel > amountTolerance {
		return store.Evidence{}, false
	}
	return p.Evidence(linking.EvidenceAmount, 1.0, 0.3, "", "", map[string]interface{}{
		"source_amount": a,
		"target_amount": b,
	}), true
}

// dateEvidence scales with day distance inside the window.
func (p *PaymentCertPack) dateEvidence(payment, item *store.Entity) (store.Evidence, bool) {
	da, okA := metaDate(payment, "date")
	db, okB := metaDate(item, "date")
	if !okA || !okB {
		return store.Evidence{}, false
	}
	days := math.Abs(da.Sub(db).Hours()) / 24
	if days > dateWindowDays {
		return store.Evidence{}, false
	}
	value := 1 - days/dateWindowDays
	return p.Evidence(linking.EvidenceDate, value, 0.15, "", "", map[string]interface{}{
		"days": days,
	}), true
}

// CalculateConfidence stacks a bonus when amount agreement and date
// proximity corroborate each other.
func (p *PaymentCertPack) CalculateConfidence(payment, item *store.Entity, evidence []store.Evidence) float64 {
	conf := p.BasePack.CalculateConfidence(payment, item, evidence)
	if linking.HasEvidence(evidence, linking.EvidenceAmount) && linking.HasEvidence(evidence, linking.EvidenceDate) {
		conf += 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
