package services

import (
	"fmt"
	"regexp"
	"strings"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/models"
)

// citationRe matches section references inside running text, mirroring the
// heading patterns the parser recognizes.
var citationRe = regexp.MustCompile(
	`§\s*\d+[a-z]?(?:\.\d+)*` +
		`|Art(?:ikel)?\.?\s*\d+[a-z]?(?:\.\d+)*` +
		`|Abs(?:atz)?\.?\s*\d+[a-z]?` +
		`|(?:Ziffer|Ziff\.|Nr\.)\s*\d+[a-z]?`)

// sentenceRe splits on terminal punctuation followed by whitespace or end of
// text, so dotted section ids like §5.2 stay intact.
var sentenceRe = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Stopwords are excluded from overlap scoring; they inflate the union without
// carrying claim content.
var stopwords = map[string]bool{
	"der": true, "die": true, "das": true, "den": true, "dem": true, "des": true,
	"ein": true, "eine": true, "einer": true, "einem": true, "einen": true,
	"und": true, "oder": true, "aber": true, "ist": true, "sind": true, "war": true,
	"im": true, "in": true, "an": true, "am": true, "auf": true, "zu": true, "zum": true, "zur": true,
	"mit": true, "von": true, "vom": true, "für": true, "bei": true, "nach": true, "aus": true,
	"wird": true, "werden": true, "hat": true, "haben": true, "kann": true, "muss": true,
	"nicht": true, "auch": true, "als": true, "wie": true, "dass": true, "es": true, "sich": true,
	"the": true, "a": true, "and": true, "or": true, "of": true, "to": true,
	"is": true, "are": true, "was": true, "according": true, "per": true, "under": true,
	"section": true, "states": true, "says": true,
}

// Confidence composition weights.
const (
	weightCitations        = 0.5
	weightSimilarity       = 0.3
	weightSentenceCoverage = 0.2
)

// Verifier checks a generated answer against the retrieved evidence: every
// cited section must resolve to a retrieved chunk, and every sentence must be
// covered by some retrieved content.
type Verifier struct {
	sentenceThreshold float64
}

func NewVerifier(cfg *config.Config) *Verifier {
	threshold := cfg.SentenceThreshold
	if threshold <= 0 {
		threshold = 0.4
	}
	return &Verifier{sentenceThreshold: threshold}
}

// Verify resolves citations, scores them by token overlap, flags unsupported
// sentences and composes the final verdict. factCheck may be nil when the
// independent verifier did not run.
func (v *Verifier) Verify(answer string, retrieved []models.RetrievalResult, factCheck *models.FactCheckResult) *models.VerificationResult {
	result := &models.VerificationResult{}

	sentences := splitSentences(answer)
	citedIDs := map[string]bool{}

	// Resolve each distinct citation token
	for _, token := range citationRe.FindAllString(answer, -1) {
		id := canonicalSectionID(token)
		if citedIDs[id] {
			continue
		}
		citedIDs[id] = true

		match := resolveCitation(id, retrieved)
		if match == nil {
			result.Citations = append(result.Citations, models.Citation{
				SectionID:    id,
				Confidence:   0,
				Hallucinated: true,
			})
			result.UnsupportedStatements = append(result.UnsupportedStatements,
				fmt.Sprintf("Citation %s does not match any retrieved section", id))
			continue
		}

		citing := sentencesCiting(sentences, id)
		confidence := bagJaccard(wordBag(citing), wordBag(match.Content))
		result.Citations = append(result.Citations, models.Citation{
			SectionID:  id,
			Content:    match.Content,
			ChunkID:    match.ChunkID,
			Confidence: confidence,
		})
	}

	// Sentence-level unsupported detection
	supported := 0
	total := 0
	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) == "" {
			continue
		}
		total++

		hasCitation := citationRe.MatchString(sentence)
		best := 0.0
		bag := wordBag(sentence)
		for _, res := range retrieved {
			if overlap := bagJaccard(bag, wordBag(res.Content)); overlap > best {
				best = overlap
			}
		}

		if !hasCitation || best < v.sentenceThreshold {
			result.UnsupportedStatements = append(result.UnsupportedStatements, strings.TrimSpace(sentence))
			continue
		}
		supported++
	}

	// Compose confidence: mean citation confidence, mean retrieval
	// similarity, and sentence coverage.
	meanCitation := 0.0
	if len(result.Citations) > 0 {
		for _, c := range result.Citations {
			meanCitation += c.Confidence
		}
		meanCitation /= float64(len(result.Citations))
	}

	meanSimilarity := 0.0
	if len(retrieved) > 0 {
		for _, r := range retrieved {
			meanSimilarity += r.Similarity
		}
		meanSimilarity /= float64(len(retrieved))
	}

	coverage := 0.0
	if total > 0 {
		coverage = float64(supported) / float64(total)
	}

	confidence := weightCitations*meanCitation + weightSimilarity*meanSimilarity + weightSentenceCoverage*coverage
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	result.Confidence = confidence

	result.IsSupported = len(result.UnsupportedStatements) == 0 &&
		(factCheck == nil || factCheck.IsSupported)

	return result
}

// resolveCitation finds the retrieved result for a section id. Split chunks
// share the base id with a window suffix; among those the highest-similarity
// chunk wins.
func resolveCitation(id string, retrieved []models.RetrievalResult) *models.RetrievalResult {
	var best *models.RetrievalResult
	for i := range retrieved {
		res := &retrieved[i]
		if res.SectionID != id && !strings.HasPrefix(res.SectionID, id+"_") {
			continue
		}
		if best == nil || res.Similarity > best.Similarity {
			best = res
		}
	}
	return best
}

// canonicalSectionID normalizes a citation token to the parser's id form:
// "§ 5.2" → "§5.2", "Artikel 3" → "Art.3", "Absatz 2" → "Abs.2".
func canonicalSectionID(token string) string {
	token = strings.TrimSpace(token)
	switch {
	case strings.HasPrefix(token, "§"):
		return "§" + strings.TrimSpace(token[len("§"):])
	case strings.HasPrefix(token, "Art"):
		return "Art." + trimPrefixWord(token, "Artikel", "Art.", "Art")
	case strings.HasPrefix(token, "Abs"):
		return "Abs." + trimPrefixWord(token, "Absatz", "Abs.", "Abs")
	case strings.HasPrefix(token, "Ziffer"):
		return "Nr." + trimPrefixWord(token, "Ziffer")
	case strings.HasPrefix(token, "Ziff."):
		return "Nr." + trimPrefixWord(token, "Ziff.")
	case strings.HasPrefix(token, "Nr."):
		return "Nr." + trimPrefixWord(token, "Nr.")
	default:
		return token
	}
}

func trimPrefixWord(token string, prefixes ...string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(token, p) {
			return strings.TrimSpace(token[len(p):])
		}
	}
	return strings.TrimSpace(token)
}

// sentencesCiting concatenates the sentences that reference the given id.
func sentencesCiting(sentences []string, id string) string {
	var parts []string
	for _, sentence := range sentences {
		for _, token := range citationRe.FindAllString(sentence, -1) {
			if canonicalSectionID(token) == id {
				parts = append(parts, sentence)
				break
			}
		}
	}
	return strings.Join(parts, " ")
}

func splitSentences(text string) []string {
	return sentenceRe.Split(text, -1)
}

// wordBag builds a lowercased word multiset with stopwords and section-id
// digits removed.
func wordBag(text string) map[string]int {
	// Remove citation tokens so the section id itself does not score
	text = citationRe.ReplaceAllString(text, " ")

	bag := make(map[string]int)
	for _, word := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if stopwords[word] {
			continue
		}
		bag[word]++
	}
	return bag
}

// bagJaccard is |A ∩ B| / |A ∪ B| over word multisets.
func bagJaccard(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	union := 0

	for word, ca := range a {
		cb := b[word]
		if cb < ca {
			intersection += cb
			union += ca
		} else {
			intersection += ca
			union += cb
		}
	}
	for word, cb := range b {
		if _, seen := a[word]; !seen {
			union += cb
		}
	}

	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
