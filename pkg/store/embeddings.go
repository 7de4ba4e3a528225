package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"
)

// Embedder turns text into dense vectors. Implementations return one vector
// per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Similarity is one nearest-neighbor hit.
type Similarity struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// VectorStore holds entity embeddings keyed by entity id.
type VectorStore interface {
	Put(ctx context.Context, id string, vec []float32) error
	Fetch(ctx context.Context, ids []string) (map[string][]float32, error)
	Search(ctx context.Context, vec []float32, topK int) ([]Similarity, error)
}

// RemoteEmbedder calls an OpenAI-compatible embeddings endpoint. A circuit
// breaker sheds calls while the provider is down so hydration latency stays
// bounded; callers treat a breaker rejection like a missing provider.
type RemoteEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewRemoteEmbedder(baseURL, apiKey, model string, dims int) *RemoteEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &RemoteEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "embeddings",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (e *RemoteEmbedder) Dimensions() int { return e.dims }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *RemoteEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.embed(ctx, texts)
	})
	if err != nil {
		return nil, fmt.Errorf("remote embed: %w", err)
	}
	return out.([][]float32), nil
}

func (e *RemoteEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings API status %d: %s", resp.StatusCode, snippet)
	}
	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	vecs := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// MemoryEmbedder produces deterministic pseudo-vectors from a hash of the
// input. Identical texts embed identically and shared tokens pull vectors
// together, which keeps similarity search meaningful in dev mode.
type MemoryEmbedder struct {
	dims int
}

func NewMemoryEmbedder(dims int) *MemoryEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &MemoryEmbedder{dims: dims}
}

func (e *MemoryEmbedder) Dimensions() int { return e.dims }

func (e *MemoryEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = e.vector(t)
	}
	return vecs, nil
}

func (e *MemoryEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := sha256.Sum256([]byte(tok))
		idx := int(binary.BigEndian.Uint32(h[:4]) % uint32(e.dims))
		sign := float32(1)
		if h[4]%2 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MemoryVectorStore is a brute-force cosine index. It backs dev mode and
// the SQLite driver, where pgvector is unavailable.
type MemoryVectorStore struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{vecs: make(map[string][]float32)}
}

func (s *MemoryVectorStore) Put(_ context.Context, id string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	s.mu.Lock()
	s.vecs[id] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryVectorStore) Fetch(_ context.Context, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if v, ok := s.vecs[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *MemoryVectorStore) Search(_ context.Context, vec []float32, topK int) ([]Similarity, error) {
	if topK <= 0 {
		topK = 10
	}
	s.mu.RLock()
	hits := make([]Similarity, 0, len(s.vecs))
	for id, v := range s.vecs {
		hits = append(hits, Similarity{ID: id, Score: Cosine(vec, v)})
	}
	s.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// PGVectorStore keeps embeddings in Postgres with the pgvector extension.
// It manages its own schema because the extension is optional and the goose
// migrations must stay runnable without it.
type PGVectorStore struct {
	db   *DB
	dims int
}

func NewPGVectorStore(ctx context.Context, db *DB, dims int) (*PGVectorStore, error) {
	if db.Driver != DriverPostgres {
		return nil, fmt.Errorf("pgvector requires the postgres driver, got %s", db.Driver)
	}
	if dims <= 0 {
		dims = 1536
	}
	s := &PGVectorStore{db: db, dims: dims}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entity_embeddings (
			entity_id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dims),
		`CREATE INDEX IF NOT EXISTS idx_entity_embeddings_ann ON entity_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init pgvector store: %w", err)
		}
	}
	return s, nil
}

func (s *PGVectorStore) Put(ctx context.Context, id string, vec []float32) error {
	q := `
		INSERT INTO entity_embeddings (entity_id, embedding, updated_at)
		VALUES ($1, $2::vector, now())
		ON CONFLICT (entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, id, vectorLiteral(vec)); err != nil {
		return fmt.Errorf("put embedding %s: %w", id, err)
	}
	return nil
}

func (s *PGVectorStore) Fetch(ctx context.Context, ids []string) (map[string][]float32, error) {
	if len(ids) == 0 {
		return map[string][]float32{}, nil
	}
	q := `SELECT entity_id, embedding::text FROM entity_embeddings WHERE entity_id = ANY($1)`
	rows, err := s.db.QueryxContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetch embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]float32, len(ids))
	for rows.Next() {
		var id, lit string
		if err := rows.Scan(&id, &lit); err != nil {
			return nil, fmt.Errorf("fetch embeddings: %w", err)
		}
		vec, err := parseVectorLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("fetch embeddings %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

func (s *PGVectorStore) Search(ctx context.Context, vec []float32, topK int) ([]Similarity, error) {
	if topK <= 0 {
		topK = 10
	}
	q := `
		SELECT entity_id, 1 - (embedding <=> $1::vector) AS score
		FROM entity_embeddings
		ORDER BY embedding <=> $1::vector
		LIMIT $2`
	rows, err := s.db.QueryxContext(ctx, q, vectorLiteral(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Similarity
	for rows.Next() {
		var h Similarity
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("search embeddings: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// vectorLiteral renders the pgvector text form "[x,y,z]".
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func parseVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	if lit == "" {
		return nil, nil
	}
	parts := strings.Split(lit, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("bad vector literal: %w", err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
