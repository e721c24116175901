package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/internal/store"
	"legal-rag-backend/models"
	"legal-rag-backend/utils"
)

// Generator is the generation client contract.
type Generator interface {
	Generate(ctx context.Context, prompt, requestID string) (*models.GenerationResult, error)
}

// FactCheckVerifier is the local fact-check contract. Implementations fail
// open, so Verify always returns a result.
type FactCheckVerifier interface {
	Verify(ctx context.Context, answer, context string) *models.FactCheckResult
}

// UsageStore tracks per-user quota counters and holds the per-request PII
// mappings the pipeline cleans up on abandoned requests.
type UsageStore interface {
	EnforceQuota(ctx context.Context, userID, kind string, amount int64) error
	IncrementUsage(ctx context.Context, userID, kind string, amount int64)
	DeleteMapping(ctx context.Context, requestID string) error
}

// DocumentRepository is the relational persistence contract of the pipeline.
type DocumentRepository interface {
	FindActiveByHash(ctx context.Context, userID, hash string) (*models.Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	CreateWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	SaveQueryLog(ctx context.Context, log *models.QueryLog) error
}

// Pipeline orchestrates ingest and query across the extraction, indexing,
// anonymization, generation and verification services. It is constructed once
// at startup and is safe for concurrent use; per-request state lives in the
// request_id and its PII mapping.
type Pipeline struct {
	cfg        *config.Config
	classifier *Classifier
	pdf        *PDFExtractor
	email      *EmailExtractor
	archive    *ArchiveExtractor
	ocr        *OCRClient
	merger     *Merger
	parser     *Parser
	anonymizer *Anonymizer
	retriever  *Retriever
	generator  Generator
	verifier   *Verifier
	factCheck  FactCheckVerifier
	kv         UsageStore
	docs       DocumentRepository
}

type PipelineDeps struct {
	Config     *config.Config
	Classifier *Classifier
	PDF        *PDFExtractor
	Email      *EmailExtractor
	Archive    *ArchiveExtractor
	OCR        *OCRClient
	Merger     *Merger
	Parser     *Parser
	Anonymizer *Anonymizer
	Retriever  *Retriever
	Generator  Generator
	Verifier   *Verifier
	FactCheck  FactCheckVerifier
	KV         UsageStore
	Docs       DocumentRepository
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		cfg:        deps.Config,
		classifier: deps.Classifier,
		pdf:        deps.PDF,
		email:      deps.Email,
		archive:    deps.Archive,
		ocr:        deps.OCR,
		merger:     deps.Merger,
		parser:     deps.Parser,
		anonymizer: deps.Anonymizer,
		retriever:  deps.Retriever,
		generator:  deps.Generator,
		verifier:   deps.Verifier,
		factCheck:  deps.FactCheck,
		kv:         deps.KV,
		docs:       deps.Docs,
	}
}

// maxArchiveDepth bounds zip-in-zip recursion; deeper entries are skipped.
const maxArchiveDepth = 2

// Ingest classifies, extracts, parses, persists and indexes one uploaded
// document. Re-uploads of the same bytes by the same user deduplicate onto
// the existing document.
func (p *Pipeline) Ingest(ctx context.Context, userID, filename string, data []byte) (*models.IngestResponse, error) {
	return p.ingest(ctx, userID, filename, data, 0)
}

func (p *Pipeline) ingest(ctx context.Context, userID, filename string, data []byte, depth int) (*models.IngestResponse, error) {
	if err := p.kv.EnforceQuota(ctx, userID, store.UsageDocuments, 1); err != nil {
		return nil, err
	}

	classified, err := p.classifier.Classify(data, filename)
	if err != nil {
		var classErr *models.ClassificationError
		if errors.As(err, &classErr) {
			return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, filename)
		}
		return nil, err
	}

	// Zip archives are containers: each entry goes back through the full
	// ingest path; the response aggregates chunk counts under the first
	// created document.
	if classified.Kind == models.FileKindZip {
		if depth >= maxArchiveDepth {
			return nil, fmt.Errorf("%w: archive %s nested deeper than %d levels", models.ErrUnsupportedFormat, filename, maxArchiveDepth)
		}
		return p.ingestArchive(ctx, userID, filename, data, depth)
	}

	if existing, err := p.docs.FindActiveByHash(ctx, userID, classified.Hash); err != nil {
		return nil, err
	} else if existing != nil {
		logger.Info("Upload deduplicated", "user_id", userID, "document_id", existing.ID)
		return &models.IngestResponse{DocumentID: existing.ID, ChunksCreated: 0, Deduplicated: true}, nil
	}

	merge, meta, err := p.extract(ctx, classified, data)
	if err != nil {
		return nil, err
	}

	sections := p.parser.Parse(merge.FullText)

	doc := &models.Document{
		ID:            uuid.New(),
		UserID:        userID,
		Filename:      filename,
		DocHash:       classified.Hash,
		FileSizeBytes: classified.Size,
		UploadedAt:    time.Now().UTC(),
		Status:        models.StatusActive,
		Version:       1,
	}
	meta.WordCount = len(strings.Fields(merge.FullText))
	if metaJSON, err := json.Marshal(meta); err == nil {
		doc.Metadata = metaJSON
	}

	chunks := buildChunks(doc.ID, sections)

	if len(chunks) > 0 {
		if err := p.retriever.EmbedChunks(ctx, chunks); err != nil {
			return nil, err
		}
	}

	if err := p.docs.CreateWithChunks(ctx, doc, chunks); err != nil {
		return nil, err
	}

	p.kv.IncrementUsage(ctx, userID, store.UsageDocuments, 1)

	logger.Info("Document ingested",
		"user_id", userID,
		"document_id", doc.ID,
		"kind", classified.Kind,
		"chunks", len(chunks))

	return &models.IngestResponse{DocumentID: doc.ID, ChunksCreated: len(chunks)}, nil
}

// ingestArchive routes every zip entry back through the ingest path.
func (p *Pipeline) ingestArchive(ctx context.Context, userID, filename string, data []byte, depth int) (*models.IngestResponse, error) {
	entries, err := p.archive.ListZipEntries(data)
	if err != nil {
		return nil, err
	}

	var first *models.IngestResponse
	totalChunks := 0
	ingested := 0

	for _, entry := range entries {
		resp, err := p.ingest(ctx, userID, entry.Name, entry.Data, depth+1)
		if err != nil {
			if errors.Is(err, models.ErrUnsupportedFormat) {
				logger.Warn("Skipping unsupported archive entry", "entry", entry.Name)
				continue
			}
			return nil, fmt.Errorf("archive entry %s: %w", entry.Name, err)
		}
		if first == nil {
			first = resp
		}
		totalChunks += resp.ChunksCreated
		ingested++
	}

	if first == nil {
		return nil, fmt.Errorf("%w: archive %s contains no supported documents", models.ErrUnsupportedFormat, filename)
	}

	first.ChunksCreated = totalChunks
	logger.Info("Archive ingested", "user_id", userID, "entries", ingested, "chunks", totalChunks)
	return first, nil
}

// extract produces the merged document text for any supported kind. Non-PDF
// kinds yield a single synthetic page at full confidence.
func (p *Pipeline) extract(ctx context.Context, classified *models.ClassifiedFile, data []byte) (*models.MergeResult, *models.DocumentMetadata, error) {
	meta := &models.DocumentMetadata{FileKind: classified.Kind}

	switch classified.Kind {
	case models.FileKindPDF:
		return p.extractPDF(ctx, classified, data, meta)

	case models.FileKindEmail:
		parsed, err := p.email.Parse(data)
		if err != nil {
			return nil, nil, err
		}
		meta.ExtractionMethod = "email"
		meta.PageCount = 1
		return singlePageResult(p.email.AsText(parsed)), meta, nil

	case models.FileKindDocx:
		text, err := p.archive.ExtractDocx(data)
		if err != nil {
			return nil, nil, err
		}
		meta.ExtractionMethod = "docx"
		meta.PageCount = 1
		return singlePageResult(text), meta, nil

	case models.FileKindODT:
		text, err := p.archive.ExtractODT(data)
		if err != nil {
			return nil, nil, err
		}
		meta.ExtractionMethod = "odt"
		meta.PageCount = 1
		return singlePageResult(text), meta, nil

	default:
		return nil, nil, models.ErrUnsupportedFormat
	}
}

func (p *Pipeline) extractPDF(ctx context.Context, classified *models.ClassifiedFile, data []byte, meta *models.DocumentMetadata) (*models.MergeResult, *models.DocumentMetadata, error) {
	embedded, err := p.pdf.ExtractPages(ctx, data)
	if err != nil {
		return nil, nil, err
	}

	var ocrResults []models.OCRPageResult
	ocrAttempted := false

	if classified.NeedsOCR && p.cfg.OCRServiceEnabled {
		ocrAttempted = true
		ocrResults, err = p.runOCR(ctx, data)
		if err != nil {
			// Degraded extraction: keep whatever embedded text exists
			logger.Warn("OCR degraded, continuing with embedded text", "error", err)
			ocrResults = nil
		}
	}

	merge := p.merger.Merge(embedded, ocrResults, classified.TextLayerQuality)

	if strings.TrimSpace(merge.FullText) == "" && ocrAttempted && ocrResults == nil {
		return nil, nil, fmt.Errorf("%w: no embedded text and OCR failed", models.ErrOCRUnavailable)
	}

	meta.PageCount = classified.TotalPages
	meta.TextLayerQuality = classified.TextLayerQuality
	meta.OCRUsed = len(ocrResults) > 0
	meta.MeanConfidence = merge.AvgConfidence
	meta.ExtractionMethod = "pdf"
	return merge, meta, nil
}

// runOCR renders all pages and submits them as one batch. Partial failures
// keep the successful pages; the failed ones are already blanked.
func (p *Pipeline) runOCR(ctx context.Context, data []byte) ([]models.OCRPageResult, error) {
	rendered, err := p.pdf.RenderPages(ctx, data)
	if err != nil {
		return nil, err
	}

	ocrCtx, cancel := context.WithTimeout(ctx, p.cfg.OCRTimeout)
	defer cancel()

	results, err := p.ocr.RecognizeBatch(ocrCtx, rendered)
	if err != nil {
		var partial *models.OCRPartialError
		if errors.As(err, &partial) {
			logger.Warn("OCR partial failure",
				"processed", partial.PagesProcessed,
				"failed", partial.PagesFailed)
			return results, nil
		}
		return nil, err
	}
	return results, nil
}

// Query answers one question against an indexed document and verifies the
// answer against the retrieved evidence.
func (p *Pipeline) Query(ctx context.Context, userID string, documentID uuid.UUID, query string, topK int) (*models.QueryResponse, error) {
	if err := p.kv.EnforceQuota(ctx, userID, store.UsageQueries, 1); err != nil {
		return nil, err
	}

	doc, err := p.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, models.ErrDocumentNotFound
	}

	requestID := uuid.NewString()
	start := time.Now()
	mappingConsumed := false
	defer func() {
		// Abandoned mappings would otherwise linger until TTL expiry
		if !mappingConsumed {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = p.kv.DeleteMapping(cleanupCtx, requestID)
		}
	}()

	anonQuery, _, err := p.anonymizer.Anonymize(ctx, query, requestID)
	if err != nil {
		return nil, err
	}

	retrieved, err := p.retriever.Retrieve(ctx, documentID, anonQuery, topK)
	if err != nil {
		return nil, err
	}

	contextBlock := FormatContext(retrieved)
	anonContext, err := p.anonymizer.AnonymizeAppend(ctx, contextBlock, requestID)
	if err != nil {
		return nil, err
	}

	prompt := buildCiteFirstPrompt(anonContext, anonQuery)
	generated, err := p.generator.Generate(ctx, prompt, requestID)
	if err != nil {
		return nil, err
	}

	answer, err := p.anonymizer.Deanonymize(ctx, generated.AnswerText, requestID)
	if err != nil {
		return nil, err
	}
	mappingConsumed = true

	// Citation verification and the independent fact-check run in parallel;
	// both must finish before the confidence is composed.
	var verification *models.VerificationResult
	var factCheck *models.FactCheckResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		verification = p.verifier.Verify(answer, retrieved, nil)
		return nil
	})
	g.Go(func() error {
		factCheck = p.factCheck.Verify(gctx, answer, contextBlock)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	verification.IsSupported = verification.IsSupported && factCheck.IsSupported
	if !factCheck.IsSupported {
		verification.UnsupportedStatements = append(verification.UnsupportedStatements, factCheck.Details)
	}

	p.kv.IncrementUsage(ctx, userID, store.UsageTokens, int64(generated.TokensUsed))
	p.kv.IncrementUsage(ctx, userID, store.UsageQueries, 1)

	latency := time.Since(start).Milliseconds()
	if err := p.docs.SaveQueryLog(ctx, &models.QueryLog{
		DocumentID:      documentID,
		QueryHash:       utils.HashString(query),
		ResponseHash:    utils.HashString(answer),
		LatencyMs:       latency,
		TokensUsed:      generated.TokensUsed,
		ModelVersion:    generated.ModelVersion,
		CitationsCount:  len(verification.Citations),
		ConfidenceScore: verification.Confidence,
	}); err != nil {
		logger.Warn("Query log write failed", "request_id", requestID, "error", err)
	}

	return &models.QueryResponse{
		Answer:            answer,
		Citations:         verification.Citations,
		Confidence:        verification.Confidence,
		UnsupportedClaims: verification.UnsupportedStatements,
		RequestID:         requestID,
		Metadata: map[string]any{
			"is_supported":     verification.IsSupported,
			"retrieved_chunks": len(retrieved),
			"latency_ms":       latency,
			"model_version":    generated.ModelVersion,
			"fact_check":       factCheck.Details,
		},
	}, nil
}

// buildChunks materializes parsed sections as persistable chunks, resolving
// parent indexes to chunk ids.
func buildChunks(documentID uuid.UUID, sections []models.ParsedSection) []models.Chunk {
	chunks := make([]models.Chunk, len(sections))
	ids := make([]uuid.UUID, len(sections))
	now := time.Now().UTC()

	for i := range sections {
		ids[i] = uuid.New()
	}
	for i, s := range sections {
		chunk := models.Chunk{
			ID:         ids[i],
			DocumentID: documentID,
			SectionID:  s.SectionID,
			Content:    s.Content,
			ChunkType:  s.ChunkType,
			Position:   s.Position,
			CreatedAt:  now,
		}
		if s.ParentIndex >= 0 {
			parentID := ids[s.ParentIndex]
			chunk.ParentID = &parentID
		}
		chunks[i] = chunk
	}

	return chunks
}

func singlePageResult(text string) *models.MergeResult {
	page := models.MergedPage{
		PageNum:    1,
		Text:       text,
		Source:     models.PageSourceEmbedded,
		Confidence: 1.0,
		Reason:     "native text",
	}
	return &models.MergeResult{
		FullText:        text,
		Pages:           []models.MergedPage{page},
		SourceHistogram: map[string]int{page.Source: 1},
		AvgConfidence:   1.0,
	}
}

// buildCiteFirstPrompt forces the model to name the supporting section before
// each claim and to flag missing information explicitly.
func buildCiteFirstPrompt(context, question string) string {
	return fmt.Sprintf(`You are a legal document assistant. Answer using ONLY the provided sections.

RULES:
- Before every claim, cite the section that supports it, e.g. "According to §5.2: ...".
- If the provided sections do not contain the answer, state "Not found in provided sections".
- Do not invent section numbers. Cite only sections listed below.
- Keep placeholder tokens like <PERSON_1> exactly as written.

PROVIDED SECTIONS:
%s

USER QUESTION:
%s

ANSWER:`, context, question)
}
