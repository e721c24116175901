package models

import "github.com/google/uuid"

// PIISpan is a detected entity occurrence in raw text.
type PIISpan struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// RetrievalResult is one retrieved chunk with its hierarchical context
// attached: the parent's content one hop up and the immediate siblings
// ordered by position.
type RetrievalResult struct {
	ChunkID         uuid.UUID `json:"chunk_id"`
	SectionID       string    `json:"section_id"`
	Content         string    `json:"content"`
	Similarity      float64   `json:"similarity"`
	Position        int       `json:"position"`
	ParentContent   string    `json:"parent_content,omitempty"`
	SiblingContents []string  `json:"sibling_contents,omitempty"`
}

// Citation is a section reference found in a generated answer, resolved
// against the retrieved chunks. Confidence is the token-overlap ratio between
// the citing sentences and the cited chunk's content; a citation that
// resolves to no retrieved chunk is hallucinated and scores ~0.
type Citation struct {
	SectionID    string    `json:"section_id"`
	Content      string    `json:"content,omitempty"`
	ChunkID      uuid.UUID `json:"chunk_id,omitempty"`
	Confidence   float64   `json:"confidence"`
	Hallucinated bool      `json:"hallucinated,omitempty"`
}

// FactCheckResult is the independent local verifier's verdict.
type FactCheckResult struct {
	IsSupported bool   `json:"is_supported"`
	Details     string `json:"details"`
}

// VerificationResult composes the citation check and the optional local
// fact-check into a final verdict.
type VerificationResult struct {
	IsSupported           bool       `json:"is_supported"`
	Confidence            float64    `json:"confidence"`
	Citations             []Citation `json:"citations"`
	UnsupportedStatements []string   `json:"unsupported_statements"`
}

// GenerationResult is the external model's answer plus usage metadata.
type GenerationResult struct {
	AnswerText   string `json:"answer_text"`
	LatencyMs    int64  `json:"latency_ms"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	ModelVersion string `json:"model_version"`
}

// IngestResponse is returned after a document upload completes (or, for
// deduplicated uploads, immediately).
type IngestResponse struct {
	DocumentID    uuid.UUID `json:"document_id"`
	ChunksCreated int       `json:"chunks_created"`
	Deduplicated  bool      `json:"deduplicated,omitempty"`
	TaskID        string    `json:"task_id,omitempty"` // async ingest only
}

// QueryResponse is the assembled answer for one query request.
type QueryResponse struct {
	Answer            string         `json:"answer"`
	Citations         []Citation     `json:"citations"`
	Confidence        float64        `json:"confidence"`
	UnsupportedClaims []string       `json:"unsupported_claims"`
	RequestID         string         `json:"request_id"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// QueryRequest is the JSON body of the query endpoint.
type QueryRequest struct {
	FileID string `json:"file_id" binding:"required,uuid"`
	Query  string `json:"query" binding:"required,min=1,max=10000"`
	TopK   int    `json:"top_k,omitempty" binding:"omitempty,min=1,max=20"`
}
