// Package store is the persistence layer: sqlx repositories over Postgres
// (production) or SQLite (single-binary dev), embedded goose migrations, and
// the entity embedding stores used by the linking engine.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Global roles, ordered by privilege. Role is immutable for policy purposes
// except through explicit role updates.
const (
	RoleAdmin         = "admin"
	RoleDirector      = "director"
	RoleEngineer      = "engineer"
	RoleCommercial    = "commercial"
	RoleSafetyOfficer = "safety_officer"
	RoleViewer        = "viewer"
)

// Decision values recorded on audit rows.
const (
	DecisionAllow             = "allow"
	DecisionDeny              = "deny"
	DecisionRateLimitExceeded = "rate_limit_exceeded"
)

// Policy types understood by the policy engine.
const (
	PolicyTypeRBAC           = "rbac"
	PolicyTypeABAC           = "abac"
	PolicyTypeContent        = "content"
	PolicyTypeRateLimit      = "rate_limit"
	PolicyTypeClassification = "data_classification"
	PolicyTypeTemporal       = "temporal"
)

// Hydration run and source statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusPartial = "partial"

	SourceStatusIdle    = "idle"
	SourceStatusRunning = "running"
	SourceStatusSuccess = "success"
	SourceStatusFailed  = "failed"
)

// Run item actions.
const (
	ItemActionSkip   = "skip"
	ItemActionNew    = "new"
	ItemActionUpdate = "update"
	ItemActionDelete = "delete"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerAPI       = "api"
	TriggerRecovery  = "recovery"
)

// Document ingestion statuses, in pipeline order.
const (
	IngestionDiscovered = "discovered"
	IngestionExtracted  = "extracted"
	IngestionIndexed    = "indexed"
	IngestionLinked     = "linked"
	IngestionSkipped    = "skipped"
	IngestionFailed     = "failed"
	IngestionDeleted    = "deleted"
)

// Run item statuses.
const (
	ItemStatusSuccess = "success"
	ItemStatusFailed  = "failed"
	ItemStatusSkipped = "skipped"
)

// Per-phase version statuses.
const (
	PhasePending = "pending"
	PhaseDone    = "done"
	PhaseFailed  = "failed"
)

// Promotion request statuses.
const (
	PromotionRequested = "requested"
	PromotionRunning   = "running"
	PromotionPass      = "pass"
	PromotionFail      = "fail"
	PromotionApproved  = "approved"
	PromotionPromoted  = "promoted"
)

// JSONMap is a JSON object column. Stored as JSONB on Postgres and TEXT on
// SQLite; an empty map round-trips as {}.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		if len(v) == 0 {
			*m = JSONMap{}
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = JSONMap{}
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("store: cannot scan %T into JSONMap", src)
	}
}

// StringList is a JSON string-array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, l)
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("store: cannot scan %T into StringList", src)
	}
}

// Contains reports whether l holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Evidence is one weighted observation supporting a link.
type Evidence struct {
	Type       string                 `json:"type"`
	Value      float64                `json:"value"`
	Weight     float64                `json:"weight"`
	SourceText string                 `json:"source_text,omitempty"`
	TargetText string                 `json:"target_text,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EvidenceList is a JSON evidence-array column.
type EvidenceList []Evidence

// Value implements driver.Valuer.
func (l EvidenceList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *EvidenceList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, l)
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("store: cannot scan %T into EvidenceList", src)
	}
}

// Principal is an acting subject (user or service). Created externally;
// only the role changes after creation.
type Principal struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Project is the policy-side tenant boundary.
type Project struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ACLEntry grants a principal a role (and its permission expansion) on one
// project. At most one entry per (principal, project); expired entries are
// treated as absent for all reads.
type ACLEntry struct {
	ID          int64      `db:"id" json:"id"`
	PrincipalID int64      `db:"principal_id" json:"principal_id"`
	ProjectID   int64      `db:"project_id" json:"project_id"`
	Role        string     `db:"role" json:"role"`
	Permissions StringList `db:"permissions" json:"permissions"`
	GrantedBy   *int64     `db:"granted_by" json:"granted_by,omitempty"`
	GrantedAt   time.Time  `db:"granted_at" json:"granted_at"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Policy is a stored policy row evaluated by the decision engine, priority
// descending, disabled rows skipped.
type Policy struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Type      string    `db:"type" json:"type"`
	Rules     JSONMap   `db:"rules" json:"rules"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	Priority  int       `db:"priority" json:"priority"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RateLimitConfig is the per-endpoint limit table. The "default" row is the
// fallback for endpoints without an explicit entry.
type RateLimitConfig struct {
	Endpoint      string `db:"endpoint" json:"endpoint"`
	LimitValue    int    `db:"limit_value" json:"limit"`
	WindowSeconds int    `db:"window_seconds" json:"window_seconds"`
}

// RateCounter is one fixed-window counter row. WindowStart is stored as
// Unix seconds so window arithmetic is portable integer math.
type RateCounter struct {
	PrincipalID   int64  `db:"principal_id" json:"principal_id"`
	Endpoint      string `db:"endpoint" json:"endpoint"`
	LimitValue    int    `db:"limit_value" json:"limit"`
	WindowSeconds int    `db:"window_seconds" json:"window_seconds"`
	CurrentCount  int    `db:"current_count" json:"current_count"`
	WindowStart   int64  `db:"window_start" json:"window_start"`
}

// ProhibitedPattern is a scanner pattern row. Invalid regexes are ignored
// with a warning at compile time, not at insert time.
type ProhibitedPattern struct {
	ID          int64  `db:"id" json:"id"`
	Type        string `db:"type" json:"type"`
	Regex       string `db:"regex" json:"regex"`
	Severity    string `db:"severity" json:"severity"`
	Enabled     bool   `db:"enabled" json:"enabled"`
	Description string `db:"description" json:"description,omitempty"`
}

// AuditRecord is one append-only decision log row. Rows are hash chained:
// EntryHash covers the payload hash and the previous row's entry hash, so
// any retroactive edit breaks verification.
type AuditRecord struct {
	ID           int64     `db:"id" json:"id"`
	PrincipalID  *int64    `db:"principal_id" json:"principal_id,omitempty"`
	Action       string    `db:"action" json:"action"`
	ResourceType *string   `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   *string   `db:"resource_id" json:"resource_id,omitempty"`
	Decision     string    `db:"decision" json:"decision"`
	Metadata     JSONMap   `db:"metadata" json:"metadata"`
	IP           *string   `db:"ip" json:"ip,omitempty"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	PayloadHash  string    `db:"payload_hash" json:"payload_hash"`
	PreviousHash string    `db:"previous_hash" json:"previous_hash"`
	EntryHash    string    `db:"entry_hash" json:"entry_hash"`
}

// WorkspaceSource is a configured origin of documents for one workspace.
type WorkspaceSource struct {
	ID          int64     `db:"id" json:"id"`
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	SourceType  string    `db:"source_type" json:"source_type"`
	Name        string    `db:"name" json:"name"`
	Config      JSONMap   `db:"config" json:"config"`
	SecretsRef  *string   `db:"secrets_ref" json:"secrets_ref,omitempty"`
	Enabled     bool      `db:"enabled" json:"enabled"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// HydrationState tracks incremental progress for one source.
type HydrationState struct {
	SourceID            int64      `db:"source_id" json:"source_id"`
	Cursor              *string    `db:"cursor" json:"cursor,omitempty"`
	LastRunAt           *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	Status              string     `db:"status" json:"status"`
	LastError           *string    `db:"last_error" json:"last_error,omitempty"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Document is one ingested file, unique by
// (workspace_id, source_type, source_document_id).
type Document struct {
	ID               int64      `db:"id" json:"id"`
	WorkspaceID      string     `db:"workspace_id" json:"workspace_id"`
	SourceType       string     `db:"source_type" json:"source_type"`
	SourceDocumentID string     `db:"source_document_id" json:"source_document_id"`
	SourcePath       string     `db:"source_path" json:"source_path"`
	Name             string     `db:"name" json:"name"`
	MIME             string     `db:"mime" json:"mime"`
	Size             *int64     `db:"size" json:"size,omitempty"`
	ModifiedTime     *time.Time `db:"modified_time" json:"modified_time,omitempty"`
	Checksum         string     `db:"checksum" json:"checksum"`
	DocType          string     `db:"doc_type" json:"doc_type"`
	IngestionStatus  string     `db:"ingestion_status" json:"ingestion_status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// DocumentVersion is one content revision. VersionNum is contiguous from 1
// per document; a new version exists iff the checksum differs from the
// latest.
type DocumentVersion struct {
	ID                  int64      `db:"id" json:"id"`
	DocumentID          int64      `db:"document_id" json:"document_id"`
	VersionNum          int        `db:"version_num" json:"version_num"`
	ModifiedTime        *time.Time `db:"modified_time" json:"modified_time,omitempty"`
	Checksum            string     `db:"checksum" json:"checksum"`
	RawBlobRef          *string    `db:"raw_blob_ref" json:"raw_blob_ref,omitempty"`
	ExtractedText       *string    `db:"extracted_text" json:"extracted_text,omitempty"`
	ExtractedStructured JSONMap    `db:"extracted_structured" json:"extracted_structured"`
	ChunkCount          int        `db:"chunk_count" json:"chunk_count"`
	EmbeddingStatus     string     `db:"embedding_status" json:"embedding_status"`
	IndexStatus         string     `db:"index_status" json:"index_status"`
	LinkStatus          string     `db:"link_status" json:"link_status"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// HydrationRun is one pipeline invocation for a workspace.
type HydrationRun struct {
	ID              string     `db:"id" json:"id"`
	WorkspaceID     string     `db:"workspace_id" json:"workspace_id"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Trigger         string     `db:"triggered_by" json:"trigger"`
	Status          string     `db:"status" json:"status"`
	SourcesCount    int        `db:"sources_count" json:"sources_count"`
	FilesSeen       int        `db:"files_seen" json:"files_seen"`
	FilesNew        int        `db:"files_new" json:"files_new"`
	FilesUpdated    int        `db:"files_updated" json:"files_updated"`
	FilesDownloaded int        `db:"files_downloaded" json:"files_downloaded"`
	FilesExtracted  int        `db:"files_extracted" json:"files_extracted"`
	FilesIndexed    int        `db:"files_indexed" json:"files_indexed"`
	FilesLinked     int        `db:"files_linked" json:"files_linked"`
	FilesFailed     int        `db:"files_failed" json:"files_failed"`
	ErrorSummary    *string    `db:"error_summary" json:"error_summary,omitempty"`
}

// HydrationRunItem records the outcome for one processed file.
type HydrationRunItem struct {
	ID               int64     `db:"id" json:"id"`
	RunID            string    `db:"run_id" json:"run_id"`
	DocumentID       *int64    `db:"document_id" json:"document_id,omitempty"`
	SourceDocumentID string    `db:"source_document_id" json:"source_document_id"`
	Name             string    `db:"name" json:"name"`
	Action           string    `db:"action" json:"action"`
	Status           string    `db:"status" json:"status"`
	DurationMS       int64     `db:"duration_ms" json:"duration_ms"`
	Detail           JSONMap   `db:"detail" json:"detail"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// HydrationAlert is an operator-facing warning raised by the pipeline.
type HydrationAlert struct {
	ID             int64      `db:"id" json:"id"`
	WorkspaceID    string     `db:"workspace_id" json:"workspace_id"`
	Severity       string     `db:"severity" json:"severity"`
	Category       string     `db:"category" json:"category"`
	Message        string     `db:"message" json:"message"`
	RunID          *string    `db:"run_id" json:"run_id,omitempty"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy *int64     `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
}

// Entity is a stable, typed unit of content extracted by a pack. IDs are
// deterministic so re-extraction is idempotent.
type Entity struct {
	ID           string    `db:"id" json:"id"`
	Type         string    `db:"type" json:"type"`
	Text         string    `db:"text" json:"text"`
	DocumentID   *int64    `db:"document_id" json:"document_id,omitempty"`
	Section      *string   `db:"section" json:"section,omitempty"`
	ProjectID    *int64    `db:"project_id" json:"project_id,omitempty"`
	Metadata     JSONMap   `db:"metadata" json:"metadata"`
	EmbeddingRef *string   `db:"embedding_ref" json:"embedding_ref,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Link is a typed, confidence-scored, evidence-bearing edge between two
// entities.
type Link struct {
	ID             string       `db:"id" json:"id"`
	SourceEntityID string       `db:"source_entity_id" json:"source_entity_id"`
	TargetEntityID string       `db:"target_entity_id" json:"target_entity_id"`
	LinkType       string       `db:"link_type" json:"link_type"`
	Confidence     float64      `db:"confidence" json:"confidence"`
	Evidence       EvidenceList `db:"evidence" json:"evidence"`
	PackName       string       `db:"pack_name" json:"pack_name"`
	Validated      bool         `db:"validated" json:"validated"`
	Metadata       JSONMap      `db:"metadata" json:"metadata"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// PromotionRequest is one regression-gated promotion attempt.
type PromotionRequest struct {
	ID           string    `db:"id" json:"id"`
	Component    string    `db:"component" json:"component"`
	BaselineTag  string    `db:"baseline_tag" json:"baseline_tag"`
	CandidateTag string    `db:"candidate_tag" json:"candidate_tag"`
	Status       string    `db:"status" json:"status"`
	WorkspaceID  *string   `db:"workspace_id" json:"workspace_id,omitempty"`
	RequestedBy  *int64    `db:"requested_by" json:"requested_by,omitempty"`
	ApprovedBy   *int64    `db:"approved_by" json:"approved_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// RegressionCheck records one baseline/candidate comparison.
type RegressionCheck struct {
	ID             int64     `db:"id" json:"id"`
	RequestID      string    `db:"request_id" json:"request_id"`
	SuiteName      string    `db:"suite_name" json:"suite_name"`
	BaselineScore  *float64  `db:"baseline_score" json:"baseline_score,omitempty"`
	CandidateScore *float64  `db:"candidate_score" json:"candidate_score,omitempty"`
	MinThreshold   float64   `db:"min_threshold" json:"min_threshold"`
	MaxDrop        float64   `db:"max_drop" json:"max_drop"`
	DropValue      *float64  `db:"drop_value" json:"drop_value,omitempty"`
	Passed         bool      `db:"passed" json:"passed"`
	Report         JSONMap   `db:"report" json:"report"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// RegressionThreshold is the per-component gate configuration.
type RegressionThreshold struct {
	Component    string    `db:"component" json:"component"`
	SuiteName    string    `db:"suite_name" json:"suite_name"`
	MinThreshold float64   `db:"min_threshold" json:"min_threshold"`
	MaxDrop      float64   `db:"max_drop" json:"max_drop"`
	Enabled      bool      `db:"enabled" json:"enabled"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ComponentVersion maps a component to its active tag. The tag is swapped
// atomically on promotion.
type ComponentVersion struct {
	Component  string    `db:"component" json:"component"`
	CurrentTag string    `db:"current_tag" json:"current_tag"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// EvaluationRun is one suite execution against a tagged component version.
type EvaluationRun struct {
	ID         string     `db:"id" json:"id"`
	SuiteName  string     `db:"suite_name" json:"suite_name"`
	Tag        string     `db:"tag" json:"tag"`
	Status     string     `db:"status" json:"status"`
	Score      *float64   `db:"score" json:"score,omitempty"`
	CasesTotal int        `db:"cases_total" json:"cases_total"`
	CasesPass  int        `db:"cases_pass" json:"cases_pass"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Error      *string    `db:"error" json:"error,omitempty"`
	Report     JSONMap    `db:"report" json:"report"`
}

// GroundTruthCase is one labeled case consumed by an evaluation suite.
type GroundTruthCase struct {
	ID        int64     `db:"id" json:"id"`
	SuiteName string    `db:"suite_name" json:"suite_name"`
	Input     JSONMap   `db:"input" json:"input"`
	Expected  JSONMap   `db:"expected" json:"expected"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
