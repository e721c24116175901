package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/store"
	"legal-rag-backend/models"
	"legal-rag-backend/utils"
)

type fakeUsageStore struct {
	quotaErr   error
	increments map[string]int64
	deleted    []string
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{increments: make(map[string]int64)}
}

func (f *fakeUsageStore) EnforceQuota(ctx context.Context, userID, kind string, amount int64) error {
	return f.quotaErr
}

func (f *fakeUsageStore) IncrementUsage(ctx context.Context, userID, kind string, amount int64) {
	f.increments[kind] += amount
}

func (f *fakeUsageStore) DeleteMapping(ctx context.Context, requestID string) error {
	f.deleted = append(f.deleted, requestID)
	return nil
}

type fakeDocumentRepo struct {
	docs      map[uuid.UUID]*models.Document
	chunks    map[uuid.UUID][]models.Chunk
	queryLogs []models.QueryLog
	creates   int
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{
		docs:   make(map[uuid.UUID]*models.Document),
		chunks: make(map[uuid.UUID][]models.Chunk),
	}
}

func (f *fakeDocumentRepo) FindActiveByHash(ctx context.Context, userID, hash string) (*models.Document, error) {
	for _, doc := range f.docs {
		if doc.UserID == userID && doc.DocHash == hash && doc.Status == models.StatusActive {
			return doc, nil
		}
	}
	return nil, nil
}

func (f *fakeDocumentRepo) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	doc, ok := f.docs[id]
	if !ok || doc.Status != models.StatusActive {
		return nil, models.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeDocumentRepo) CreateWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	f.docs[doc.ID] = doc
	f.chunks[doc.ID] = chunks
	f.creates++
	return nil
}

func (f *fakeDocumentRepo) SaveQueryLog(ctx context.Context, log *models.QueryLog) error {
	f.queryLogs = append(f.queryLogs, *log)
	return nil
}

type stubGenerator struct {
	result  *models.GenerationResult
	err     error
	prompts []string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt, requestID string) (*models.GenerationResult, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubFactCheck struct {
	result *models.FactCheckResult
}

func (s *stubFactCheck) Verify(ctx context.Context, answer, context string) *models.FactCheckResult {
	return s.result
}

type pipelineFixture struct {
	pipeline *Pipeline
	usage    *fakeUsageStore
	repo     *fakeDocumentRepo
	gen      *stubGenerator
	fact     *stubFactCheck
	mappings *fakeMappingStore
	searcher *fakeSearcher
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	cfg := &config.Config{
		OCRServiceEnabled:      false,
		OCRTimeout:             time.Minute,
		OCRConfidenceThreshold: 0.75,
		PIIConfidenceThreshold: 0.7,
		PIIMappingTTL:          5 * time.Minute,
		MaxChunkSize:           1000,
		ChunkOverlap:           100,
		DefaultTopK:            5,
		SimilarityThreshold:    0.35,
		SentenceThreshold:      0.4,
	}

	fx := &pipelineFixture{
		usage:    newFakeUsageStore(),
		repo:     newFakeDocumentRepo(),
		gen:      &stubGenerator{result: &models.GenerationResult{AnswerText: "ok", ModelVersion: "test"}},
		fact:     &stubFactCheck{result: &models.FactCheckResult{IsSupported: true, Details: "ok"}},
		mappings: newFakeMappingStore(),
		searcher: &fakeSearcher{},
	}

	fx.pipeline = NewPipeline(PipelineDeps{
		Config:     cfg,
		Classifier: NewClassifier(),
		PDF:        NewPDFExtractor(cfg),
		Email:      NewEmailExtractor(),
		Archive:    NewArchiveExtractor(),
		OCR:        NewOCRClient(cfg),
		Merger:     NewMerger(cfg),
		Parser:     NewParser(cfg),
		Anonymizer: NewAnonymizer(cfg, fx.mappings),
		Retriever:  NewRetriever(cfg, &fakeEmbedder{}, fx.searcher, nil),
		Generator:  fx.gen,
		Verifier:   NewVerifier(cfg),
		FactCheck:  fx.fact,
		KV:         fx.usage,
		Docs:       fx.repo,
	})

	return fx
}

const sampleEmail = "From: mandant@example.com\r\n" +
	"To: kanzlei@example.com\r\n" +
	"Subject: Mietvertrag\r\n" +
	"\r\n" +
	"§ 1 Mietgegenstand\n" +
	"Der Vermieter ueberlaesst dem Mieter die Wohnung zur Nutzung.\n\n" +
	"§ 2 Mietzins\n" +
	"Die monatliche Miete betraegt 800 Euro.\n"

func TestIngestEmailDocument(t *testing.T) {
	fx := newPipelineFixture(t)

	resp, err := fx.pipeline.Ingest(context.Background(), "user-1", "schreiben.eml", []byte(sampleEmail))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if resp.Deduplicated {
		t.Error("fresh upload reported as deduplicated")
	}
	if resp.ChunksCreated == 0 {
		t.Fatal("no chunks created")
	}

	chunks := fx.repo.chunks[resp.DocumentID]
	if len(chunks) != resp.ChunksCreated {
		t.Errorf("response reports %d chunks, repo holds %d", resp.ChunksCreated, len(chunks))
	}

	sections := make(map[string]bool, len(chunks))
	for i, c := range chunks {
		sections[c.SectionID] = true
		if c.Position != i {
			t.Errorf("chunk %d has position %d", i, c.Position)
		}
		if len(c.Embedding.Slice()) == 0 {
			t.Errorf("chunk %s has no embedding", c.SectionID)
		}
	}
	if !sections["§1"] || !sections["§2"] {
		t.Errorf("expected sections §1 and §2, got %v", sections)
	}

	doc := fx.repo.docs[resp.DocumentID]
	if doc == nil || doc.UserID != "user-1" || doc.DocHash == "" || doc.Status != models.StatusActive {
		t.Errorf("stored document malformed: %+v", doc)
	}
	if fx.usage.increments[store.UsageDocuments] != 1 {
		t.Errorf("document usage = %d, want 1", fx.usage.increments[store.UsageDocuments])
	}
}

func TestIngestDeduplicatesSameBytes(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()

	first, err := fx.pipeline.Ingest(ctx, "user-1", "schreiben.eml", []byte(sampleEmail))
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}

	second, err := fx.pipeline.Ingest(ctx, "user-1", "kopie.eml", []byte(sampleEmail))
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}

	if !second.Deduplicated {
		t.Error("re-upload not deduplicated")
	}
	if second.DocumentID != first.DocumentID {
		t.Error("dedupe returned a different document id")
	}
	if second.ChunksCreated != 0 {
		t.Errorf("dedupe created %d chunks", second.ChunksCreated)
	}
	if fx.repo.creates != 1 {
		t.Errorf("repo create called %d times, want 1", fx.repo.creates)
	}
}

func TestIngestQuotaExceeded(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.usage.quotaErr = models.ErrQuotaExceeded

	_, err := fx.pipeline.Ingest(context.Background(), "user-1", "schreiben.eml", []byte(sampleEmail))
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if fx.repo.creates != 0 {
		t.Error("document persisted despite exhausted quota")
	}
}

func TestIngestArchiveSkipsUnsupportedEntries(t *testing.T) {
	fx := newPipelineFixture(t)

	docx := buildZip(t, map[string]string{
		"[Content_Types].xml": "<Types/>",
		"word/document.xml": `<w:document><w:body>` +
			`<w:p><w:r><w:t>§ 1 Vertragsgegenstand</w:t></w:r></w:p>` +
			`<w:p><w:r><w:t>Gegenstand ist die Wohnung.</w:t></w:r></w:p>` +
			`</w:body></w:document>`,
	})
	archive := buildZip(t, map[string]string{
		"vertrag.docx": string(docx),
		"notizen.xyz":  "nur text",
	})

	resp, err := fx.pipeline.Ingest(context.Background(), "user-1", "akte.zip", archive)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if resp.ChunksCreated == 0 {
		t.Error("no chunks created from the supported archive entry")
	}
	if fx.repo.creates != 1 {
		t.Errorf("repo create called %d times, want 1", fx.repo.creates)
	}
}

func TestIngestArchiveNestingBounded(t *testing.T) {
	fx := newPipelineFixture(t)

	docx := buildZip(t, map[string]string{
		"[Content_Types].xml": "<Types/>",
		"word/document.xml": `<w:document><w:body>` +
			`<w:p><w:r><w:t>§ 1 Vertragsgegenstand</w:t></w:r></w:p>` +
			`</w:body></w:document>`,
	})
	// Documents buried three archives deep are skipped, not recursed into.
	level3 := buildZip(t, map[string]string{"tief.docx": string(docx)})
	level2 := buildZip(t, map[string]string{"ebene3.zip": string(level3)})
	archive := buildZip(t, map[string]string{
		"vertrag.docx": string(docx),
		"ebene2.zip":   string(level2),
	})

	resp, err := fx.pipeline.Ingest(context.Background(), "user-1", "akte.zip", archive)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if resp.ChunksCreated == 0 {
		t.Error("top-level entry not ingested")
	}
	if fx.repo.creates != 1 {
		t.Errorf("repo create called %d times, want 1 (deep entries skipped)", fx.repo.creates)
	}

	deepOnly := buildZip(t, map[string]string{"ebene2.zip": string(level2)})
	if _, err := fx.pipeline.Ingest(context.Background(), "user-2", "bombe.zip", deepOnly); !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat for an archive with only deep entries, got %v", err)
	}
}

func TestIngestArchiveAllUnsupported(t *testing.T) {
	fx := newPipelineFixture(t)
	archive := buildZip(t, map[string]string{"notizen.xyz": "nur text"})

	_, err := fx.pipeline.Ingest(context.Background(), "user-1", "akte.zip", archive)
	if !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func queryFixture(t *testing.T) (*pipelineFixture, *models.Document) {
	t.Helper()
	fx := newPipelineFixture(t)

	doc := &models.Document{ID: uuid.New(), UserID: "user-1", Status: models.StatusActive}
	fx.repo.docs[doc.ID] = doc

	fx.searcher.hits = []store.SearchHit{{
		ID:         uuid.New(),
		SectionID:  "§5.2",
		Content:    "Die Kündigungsfrist beträgt drei Monate.",
		Similarity: 0.9,
		Position:   1,
	}}
	fx.gen.result = &models.GenerationResult{
		AnswerText:   "Laut §5.2 beträgt die Kündigungsfrist drei Monate.",
		TokensUsed:   42,
		ModelVersion: "gemini-2.0-flash",
	}

	return fx, doc
}

func TestQueryAnswersWithVerification(t *testing.T) {
	fx, doc := queryFixture(t)
	query := "Wie lange ist die Frist?"

	resp, err := fx.pipeline.Query(context.Background(), "user-1", doc.ID, query, 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if resp.Answer != fx.gen.result.AnswerText {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].SectionID != "§5.2" {
		t.Errorf("citations = %+v", resp.Citations)
	}
	if resp.Citations[0].Hallucinated {
		t.Error("resolved citation flagged as hallucinated")
	}
	if resp.Confidence <= 0.7 {
		t.Errorf("confidence = %.2f, want > 0.7", resp.Confidence)
	}
	if resp.Metadata["is_supported"] != true {
		t.Error("supported answer not marked is_supported")
	}

	if len(fx.gen.prompts) != 1 {
		t.Fatalf("generator called %d times", len(fx.gen.prompts))
	}
	prompt := fx.gen.prompts[0]
	if !strings.Contains(prompt, "PROVIDED SECTIONS") || !strings.Contains(prompt, "[§5.2]") || !strings.Contains(prompt, query) {
		t.Errorf("prompt missing context or question: %q", prompt)
	}

	if fx.usage.increments[store.UsageTokens] != 42 {
		t.Errorf("token usage = %d, want 42", fx.usage.increments[store.UsageTokens])
	}
	if fx.usage.increments[store.UsageQueries] != 1 {
		t.Errorf("query usage = %d, want 1", fx.usage.increments[store.UsageQueries])
	}

	if len(fx.repo.queryLogs) != 1 {
		t.Fatalf("query logs = %d, want 1", len(fx.repo.queryLogs))
	}
	logged := fx.repo.queryLogs[0]
	if logged.QueryHash != utils.HashString(query) {
		t.Error("query log does not hold the query hash")
	}
	if logged.ResponseHash != utils.HashString(resp.Answer) {
		t.Error("query log does not hold the response hash")
	}
	if logged.CitationsCount != 1 {
		t.Errorf("logged citations = %d", logged.CitationsCount)
	}
}

func TestQueryRejectsForeignDocument(t *testing.T) {
	fx, doc := queryFixture(t)
	doc.UserID = "someone-else"

	_, err := fx.pipeline.Query(context.Background(), "user-1", doc.ID, "Frage?", 5)
	if !errors.Is(err, models.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if len(fx.gen.prompts) != 0 {
		t.Error("generator called for a foreign document")
	}
}

func TestQueryFactCheckVeto(t *testing.T) {
	fx, doc := queryFixture(t)
	fx.fact.result = &models.FactCheckResult{IsSupported: false, Details: "Unsupported: Aussage zu §9"}

	resp, err := fx.pipeline.Query(context.Background(), "user-1", doc.ID, "Wie lange ist die Frist?", 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if resp.Metadata["is_supported"] != false {
		t.Error("vetoed answer still marked supported")
	}
	found := false
	for _, s := range resp.UnsupportedClaims {
		if s == "Unsupported: Aussage zu §9" {
			found = true
		}
	}
	if !found {
		t.Errorf("fact-check details missing from unsupported claims: %v", resp.UnsupportedClaims)
	}
}

func TestQueryCleansUpMappingOnFailure(t *testing.T) {
	fx, doc := queryFixture(t)
	fx.gen.err = models.ErrGenerationFailed

	_, err := fx.pipeline.Query(context.Background(), "user-1", doc.ID, "Frau Anna Schmidt fragt nach der Frist.", 5)
	if !errors.Is(err, models.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if len(fx.usage.deleted) != 1 {
		t.Errorf("pending mapping not cleaned up, deletes = %d", len(fx.usage.deleted))
	}
}
