// Package linking is the universal linking engine: packs extract typed
// entities from hydrated documents and match them into confidence-scored,
// evidence-bearing links. Packs are compiled in and registered at startup;
// the engine orchestrates extraction, embedding, matching, and persistence.
package linking

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/gantrylabs/gantry/pkg/store"
)

// Evidence types attached to links. The explanation builder in
// GetEvidence knows how to render each of these.
const (
	EvidenceSemantic = "semantic_similarity"
	EvidenceKeyword  = "keyword_match"
	EvidenceCode     = "code_match"
	EvidenceMaterial = "material_match"
	EvidenceDrawing  = "drawing_reference"
	EvidenceAmount   = "amount_match"
	EvidenceDate     = "date_proximity"
)

// Document is the unit of work handed to packs for extraction. Content is
// the extracted text of one document version.
type Document struct {
	ID        int64                  `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Content   string                 `json:"content"`
	ProjectID *int64                 `json:"project_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Candidate is a scored pair proposed by a pack. The engine promotes it to
// a stored link when its confidence clears the threshold.
type Candidate struct {
	Source     store.Entity
	Target     store.Entity
	LinkType   string
	Confidence float64
	Evidence   []store.Evidence
}

// Pack extracts entities of its declared types and proposes links between
// them. Extraction must be idempotent: the same inputs yield entities with
// the same ids. Matching must call ShouldLink and suppress pairs below the
// pack's own threshold; confidence must be deterministic in [0,1].
type Pack interface {
	Name() string
	Version() string
	EntityTypes() []string
	ExtractEntities(ctx context.Context, doc *Document) ([]store.Entity, error)
	MatchEntities(ctx context.Context, sources, targets []store.Entity, embeddings map[string][]float32) []Candidate
	CalculateConfidence(source, target *store.Entity, evidence []store.Evidence) float64
}

// PackInfo is the registry listing of one registered pack.
type PackInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	EntityTypes []string `json:"entity_types"`
}

// entityNamespace seeds deterministic entity ids (UUIDv5 over the
// extraction identity), which makes pack re-runs idempotent.
var entityNamespace = uuid.MustParse("f1d8a44e-52c7-4f4e-9b21-7c0a93d6e1b5")

// EntityID derives the stable id for an extracted entity from its type,
// owning document, section, and normalized text.
func EntityID(entityType string, documentID int64, section, text string) string {
	name := entityType + "|" + strconv.FormatInt(documentID, 10) + "|" + section + "|" + normalizeText(text)
	return uuid.NewSHA1(entityNamespace, []byte(name)).String()
}

// normalizeText folds the text to NFKC lowercase with collapsed
// whitespace so cosmetic re-extraction differences keep the same id.
func normalizeText(text string) string {
	folded := strings.ToLower(norm.NFKC.String(text))
	return strings.Join(strings.Fields(folded), " ")
}
