package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

// Entity types emitted by the detector.
const (
	EntityPerson     = "PERSON"
	EntityLocation   = "LOCATION"
	EntityOrg        = "ORG"
	EntityEmail      = "EMAIL"
	EntityPhone      = "PHONE"
	EntityIBAN       = "IBAN"
	EntityTaxID      = "TAX_ID"
	EntityCaseNumber = "CASE_NUMBER"
	EntityDOB        = "DATE_OF_BIRTH"
)

// MappingStore persists placeholder mappings per request for later
// de-anonymization. Mappings are single-use and expire after a TTL.
type MappingStore interface {
	SaveMapping(ctx context.Context, requestID string, mapping map[string]string, ttl time.Duration) error
	GetMapping(ctx context.Context, requestID string) (map[string]string, error)
	DeleteMapping(ctx context.Context, requestID string) error
	MappingExists(ctx context.Context, requestID string) (bool, error)
}

// piiPattern pairs a compiled regex with its entity type and a base confidence
// score. Confidence reflects how specifically the regex identifies the target:
// high scores mean low false-positive risk. group selects the submatch that is
// the PII surface; 0 means the whole match.
type piiPattern struct {
	re         *regexp.Regexp
	entityType string
	confidence float64
	group      int
}

// Recognizers for the German legal corpus plus generic structured PII.
var piiPatterns = []piiPattern{
	// Email: unambiguous structural markers
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), EntityEmail, 0.95, 0},
	// IBAN: country code + check digits + BBAN
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}(?:\s?[A-Z0-9]{4}){3,7}\b`), EntityIBAN, 0.95, 0},
	// Aktenzeichen: court docket numbers like "4 C 123/21" or "VI ZR 266/19"
	{regexp.MustCompile(`\b(?:\d{1,3}|[IVX]{1,4})\s?[A-Z][a-zA-Z]{0,3}\s?\d{1,5}/\d{2}\b`), EntityCaseNumber, 0.85, 0},
	// Steuer-ID: keyword-anchored 11-digit identifier
	{regexp.MustCompile(`(?i)steuer(?:nummer|[\- ]?id)[:\s]*(\d[\d\s/]{8,14}\d)`), EntityTaxID, 0.90, 1},
	// Date of birth: keyword-anchored German date
	{regexp.MustCompile(`(?i)geb(?:oren)?\.?\s*(?:am\s*)?:?\s*(\d{1,2}\.\s?\d{1,2}\.\s?\d{2,4})`), EntityDOB, 0.90, 1},
	// Phone: German formats with country or area prefix
	{regexp.MustCompile(`(?:\+49|0049|0)\s?\(?\d{2,5}\)?[\s\-/]?\d{3,8}(?:[\s\-]?\d{2,6})?`), EntityPhone, 0.75, 0},
	// Person: title-anchored names, the title stays in the text
	{regexp.MustCompile(`(?:Dr\.|Prof\.|Herr[n]?|Frau|RA|RAin)\s+((?:[A-ZÄÖÜ][a-zäöüß]+[\s\-]?){1,3})`), EntityPerson, 0.85, 1},
	// Organization: name with a German legal-form suffix
	{regexp.MustCompile(`\b((?:[A-ZÄÖÜ][\wäöüß&\.\-]+\s){1,4}(?:GmbH(?:\s?&\s?Co\.?\s?KG)?|AG|KG|OHG|e\.V\.|SE))`), EntityOrg, 0.80, 1},
	// Location: preposition-anchored place name
	{regexp.MustCompile(`(?:\bin|\baus|\bnach|\bbei|\bzu)\s+([A-ZÄÖÜ][a-zäöüß]+(?:\s[A-ZÄÖÜ][a-zäöüß]+)?)\b`), EntityLocation, 0.75, 1},
	// Bare capitalized name pair: broad, kept below the default threshold
	{regexp.MustCompile(`\b[A-ZÄÖÜ][a-zäöüß]+\s+[A-ZÄÖÜ][a-zäöüß]+\b`), EntityPerson, 0.50, 0},
}

// Anonymizer detects PII spans and replaces them with numbered placeholders.
// It holds no cross-request state; entity counters are created fresh per call
// and mappings live in the KV store keyed by request_id.
type Anonymizer struct {
	store     MappingStore
	threshold float64
	ttl       time.Duration
}

func NewAnonymizer(cfg *config.Config, store MappingStore) *Anonymizer {
	threshold := cfg.PIIConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	ttl := cfg.PIIMappingTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Anonymizer{store: store, threshold: threshold, ttl: ttl}
}

// Detect runs the recognizers and returns the retained, non-overlapping spans
// in ascending start order. Overlaps are resolved in favor of the higher
// confidence match.
func (a *Anonymizer) Detect(text string) []models.PIISpan {
	var spans []models.PIISpan

	for _, p := range piiPatterns {
		if p.confidence < a.threshold {
			continue
		}
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if p.group > 0 && 2*p.group+1 < len(loc) && loc[2*p.group] >= 0 {
				start, end = loc[2*p.group], loc[2*p.group+1]
			}
			// Greedy captures may swallow the separator after the last token.
			for end > start && (text[end-1] == ' ' || text[end-1] == '\t') {
				end--
			}
			if end == start {
				continue
			}
			spans = append(spans, models.PIISpan{
				EntityType: p.entityType,
				Start:      start,
				End:        end,
				Confidence: p.confidence,
			})
		}
	}

	return resolveOverlaps(spans)
}

// Anonymize replaces detected spans with placeholders and persists the
// placeholder-to-original mapping under request_id. Placeholders are numbered
// per entity type in order of appearance; replacement runs from the highest
// start index down so earlier offsets stay valid.
func (a *Anonymizer) Anonymize(ctx context.Context, text, requestID string) (string, map[string]string, error) {
	spans := a.Detect(text)
	if len(spans) == 0 {
		return text, nil, nil
	}

	mapping := make(map[string]string, len(spans))
	placeholders := make([]string, len(spans))
	counters := make(map[string]int)

	for i, span := range spans {
		counters[span.EntityType]++
		placeholder := fmt.Sprintf("<%s_%d>", span.EntityType, counters[span.EntityType])
		placeholders[i] = placeholder
		mapping[placeholder] = text[span.Start:span.End]
	}

	for i := len(spans) - 1; i >= 0; i-- {
		text = text[:spans[i].Start] + placeholders[i] + text[spans[i].End:]
	}

	if err := a.store.SaveMapping(ctx, requestID, mapping, a.ttl); err != nil {
		return "", nil, fmt.Errorf("failed to persist pii mapping: %w", err)
	}

	logger.Debug("Anonymized text", "request_id", requestID, "entities", len(spans))
	return text, mapping, nil
}

var placeholderRe = regexp.MustCompile(`^<([A-Z_]+)_(\d+)>$`)

// AnonymizeAppend anonymizes further text under an existing request mapping.
// Entity counters continue from the stored placeholders, and a surface that
// was already mapped reuses its placeholder so the query and the context stay
// consistent within one request.
func (a *Anonymizer) AnonymizeAppend(ctx context.Context, text, requestID string) (string, error) {
	spans := a.Detect(text)
	if len(spans) == 0 {
		return text, nil
	}

	mapping, err := a.store.GetMapping(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("failed to load pii mapping: %w", err)
	}
	if mapping == nil {
		mapping = make(map[string]string)
	}

	counters := make(map[string]int)
	bySurface := make(map[string]string, len(mapping))
	for placeholder, original := range mapping {
		bySurface[original] = placeholder
		if m := placeholderRe.FindStringSubmatch(placeholder); m != nil {
			var n int
			fmt.Sscanf(m[2], "%d", &n)
			if n > counters[m[1]] {
				counters[m[1]] = n
			}
		}
	}

	placeholders := make([]string, len(spans))
	for i, span := range spans {
		surface := text[span.Start:span.End]
		if existing, ok := bySurface[surface]; ok {
			placeholders[i] = existing
			continue
		}
		counters[span.EntityType]++
		placeholder := fmt.Sprintf("<%s_%d>", span.EntityType, counters[span.EntityType])
		placeholders[i] = placeholder
		mapping[placeholder] = surface
		bySurface[surface] = placeholder
	}

	for i := len(spans) - 1; i >= 0; i-- {
		text = text[:spans[i].Start] + placeholders[i] + text[spans[i].End:]
	}

	if err := a.store.SaveMapping(ctx, requestID, mapping, a.ttl); err != nil {
		return "", fmt.Errorf("failed to persist pii mapping: %w", err)
	}

	return text, nil
}

// Deanonymize restores the original surfaces for request_id and consumes the
// mapping. A missing mapping is not an error: the input is returned unchanged
// and the drop is logged, since it indicates TTL expiry or misuse.
func (a *Anonymizer) Deanonymize(ctx context.Context, text, requestID string) (string, error) {
	mapping, err := a.store.GetMapping(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("failed to load pii mapping: %w", err)
	}
	if len(mapping) == 0 {
		logger.Warn("PII mapping missing on deanonymize", "request_id", requestID)
		return text, nil
	}

	for placeholder, original := range mapping {
		text = strings.ReplaceAll(text, placeholder, original)
	}

	if err := a.store.DeleteMapping(ctx, requestID); err != nil {
		logger.Warn("Failed to delete consumed pii mapping", "request_id", requestID, "error", err)
	}

	return text, nil
}

// MappingExists reports whether a mapping is still stored for request_id.
func (a *Anonymizer) MappingExists(ctx context.Context, requestID string) (bool, error) {
	return a.store.MappingExists(ctx, requestID)
}

// VerifyClean reports whether the detector finds no spans in the text. Used to
// confirm that anonymization removed everything it recognizes.
func (a *Anonymizer) VerifyClean(text string) bool {
	return len(a.Detect(text)) == 0
}

// resolveOverlaps keeps the higher-confidence span when two spans intersect
// and returns the survivors sorted by start.
func resolveOverlaps(spans []models.PIISpan) []models.PIISpan {
	if len(spans) < 2 {
		return spans
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Confidence != spans[j].Confidence {
			return spans[i].Confidence > spans[j].Confidence
		}
		return spans[i].Start < spans[j].Start
	})

	var kept []models.PIISpan
	for _, span := range spans {
		overlaps := false
		for _, k := range kept {
			if span.Start < k.End && k.Start < span.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, span)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
