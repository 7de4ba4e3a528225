package hydration

import "strings"

// Document types the classifier can assign. They steer which linking
// packs extract entities from a document; unmatched content classifies
// as general and every pack gets a look.
const (
	DocTypeBOQ           = "boq"
	DocTypePaymentCert   = "payment_certificate"
	DocTypeSpecification = "specification"
	DocTypeInvoice       = "invoice"
	DocTypeSchedule      = "schedule"
	DocTypeEstimate      = "estimate"
	DocTypeDrawing       = "drawing"
	DocTypeContract      = "contract"
	DocTypeGeneral       = "general"
)

type docSignal struct {
	docType  string
	keywords []string
}

// docSignals is ordered by precedence: on a tie the earlier type wins.
// Keywords are lowercase substrings.
var docSignals = []docSignal{
	{DocTypeBOQ, []string{"bill of quantities", "boq", "measured works", "carried to collection", "carried to summary", "item no"}},
	{DocTypePaymentCert, []string{"payment certificate", "interim certificate", "certificate no", "amount certified", "work done to date", "valuation no"}},
	{DocTypeSpecification, []string{"specification", "spec section", "submittals", "workmanship", "astm", "bs en", "method statement"}},
	{DocTypeInvoice, []string{"invoice", "amount due", "remittance", "vat reg"}},
	{DocTypeSchedule, []string{"programme", "schedule of works", "milestone", "critical path", "gantt"}},
	{DocTypeEstimate, []string{"estimate", "cost plan", "pricing schedule", "budget allowance"}},
	{DocTypeDrawing, []string{"drawing", "dwg", "general arrangement", "scale 1:", "as-built"}},
	{DocTypeContract, []string{"conditions of contract", "agreement", "hereinafter", "whereas", "the employer", "the contractor"}},
}

const (
	classifySample     = 4000
	classifyNameWeight = 3
	classifyHitCap     = 5
)

// Classify assigns a document type from keyword hits over the file name
// and the first few kilobytes of extracted text. A name hit outweighs a
// body hit three to one so well-named files classify even before any text
// is extracted.
func Classify(name, text string) string {
	lowerName := strings.ToLower(name)
	body := strings.ToLower(text)
	if len(body) > classifySample {
		body = body[:classifySample]
	}

	best, bestScore := DocTypeGeneral, 0
	for _, sig := range docSignals {
		score := 0
		for _, kw := range sig.keywords {
			if strings.Contains(lowerName, kw) {
				score += classifyNameWeight
			}
			hits := strings.Count(body, kw)
			if hits > classifyHitCap {
				hits = classifyHitCap
			}
			score += hits
		}
		if score > bestScore {
			best, bestScore = sig.docType, score
		}
	}
	return best
}
