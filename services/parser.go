package services

import (
	"fmt"
	"regexp"
	"strings"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/models"
)

// headerPattern recognizes one class of legal section heading. Depth drives
// nesting: a header closes every open section of equal or greater depth.
type headerPattern struct {
	re        *regexp.Regexp
	depth     int
	chunkType string
	idPrefix  string
}

var headerPatterns = []headerPattern{
	{regexp.MustCompile(`^§\s*(\d+[a-z]?(?:\.\d+)*)`), 1, models.ChunkTypeSection, "§"},
	{regexp.MustCompile(`^Art(?:ikel)?\.?\s+(\d+[a-z]?(?:\.\d+)*)`), 1, models.ChunkTypeSection, "Art."},
	{regexp.MustCompile(`^Abs(?:atz)?\.?\s*(\d+[a-z]?)`), 2, models.ChunkTypeSubsection, "Abs."},
	{regexp.MustCompile(`^(?:Ziffer|Ziff\.|Nr\.)\s*(\d+[a-z]?)`), 3, models.ChunkTypeParagraph, "Nr."},
	{regexp.MustCompile(`^(\d+)\.\s+\S`), 4, models.ChunkTypeClause, ""},
}

var (
	multiSpaceRe   = regexp.MustCompile(`[ \t]+`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
	quoteReplacer  = strings.NewReplacer(
		"„", `"`, "“", `"`, "”", `"`,
		"‘", "'", "’", "'", "‚", "'",
		"«", `"`, "»", `"`,
		"–", "-", "—", "-",
	)
)

// Parser splits document text into a hierarchical forest of sections based on
// legal heading patterns. Oversized sections are split into overlapping
// windows that share the base section id.
type Parser struct {
	maxChunkSize int
	overlap      int
}

func NewParser(cfg *config.Config) *Parser {
	maxSize := cfg.MaxChunkSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= maxSize {
		overlap = 100
	}
	return &Parser{maxChunkSize: maxSize, overlap: overlap}
}

// openSection is a section being accumulated during the line scan.
type openSection struct {
	sectionID   string
	chunkType   string
	depth       int
	parentSlot  int // index into the emitted slice, -1 for roots
	lines       []string
	emittedSlot int
}

// Parse normalizes the text, detects section headers line by line and emits
// the sections in document order with parent links resolved.
func (p *Parser) Parse(text string) []models.ParsedSection {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}

	var sections []models.ParsedSection
	var stack []*openSection
	seenIDs := make(map[string]int)

	flushTop := func() {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		content := strings.TrimSpace(strings.Join(top.lines, "\n"))
		if content == "" {
			// Dropped sections leave a hole; remap children to the grandparent.
			for i := range sections {
				if sections[i].ParentIndex == top.emittedSlot {
					sections[i].ParentIndex = top.parentSlot
				}
			}
			sections[top.emittedSlot].Content = ""
			return
		}
		sections[top.emittedSlot].Content = content
	}

	open := func(id, chunkType string, depth int, headerLine string) {
		// Close everything at equal or greater depth
		for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
			flushTop()
		}

		parentSlot := -1
		if len(stack) > 0 {
			parentSlot = stack[len(stack)-1].emittedSlot
		}

		// section_id is unique per document; repeated headings get a counter
		seenIDs[id]++
		if n := seenIDs[id]; n > 1 {
			id = fmt.Sprintf("%s(%d)", id, n)
		}

		sections = append(sections, models.ParsedSection{
			SectionID:   id,
			ChunkType:   chunkType,
			Depth:       depth,
			ParentIndex: parentSlot,
		})

		stack = append(stack, &openSection{
			sectionID:   id,
			chunkType:   chunkType,
			depth:       depth,
			parentSlot:  parentSlot,
			lines:       []string{headerLine},
			emittedSlot: len(sections) - 1,
		})
	}

	for _, line := range strings.Split(normalized, "\n") {
		trimmed := strings.TrimSpace(line)

		if id, pat, ok := matchHeader(trimmed); ok {
			open(id, pat.chunkType, pat.depth, trimmed)
			continue
		}

		if len(stack) == 0 {
			if trimmed == "" {
				continue
			}
			// Text before the first header forms a synthetic root section
			open("Einleitung", models.ChunkTypeSection, 1, "")
		}
		stack[len(stack)-1].lines = append(stack[len(stack)-1].lines, line)
	}

	for len(stack) > 0 {
		flushTop()
	}

	return p.finalize(sections)
}

// finalize drops empty sections, splits oversized ones and assigns positions.
func (p *Parser) finalize(sections []models.ParsedSection) []models.ParsedSection {
	// Map original slot -> first final index, for parent remapping
	slotToFinal := make(map[int]int)
	var final []models.ParsedSection

	for slot, s := range sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}

		parent := -1
		if s.ParentIndex >= 0 {
			if mapped, ok := slotToFinal[s.ParentIndex]; ok {
				parent = mapped
			}
		}

		pieces := p.splitWindowed(s.Content)
		slotToFinal[slot] = len(final)

		for i, piece := range pieces {
			id := s.SectionID
			if len(pieces) > 1 {
				id = fmt.Sprintf("%s_%d", s.SectionID, i+1)
			}
			final = append(final, models.ParsedSection{
				SectionID:   id,
				Content:     piece,
				ChunkType:   s.ChunkType,
				Depth:       s.Depth,
				ParentIndex: parent,
				Position:    len(final),
			})
		}
	}

	return final
}

// splitWindowed cuts content longer than maxChunkSize into overlapping
// character windows.
func (p *Parser) splitWindowed(content string) []string {
	runes := []rune(content)
	if len(runes) <= p.maxChunkSize {
		return []string{content}
	}

	var pieces []string
	step := p.maxChunkSize - p.overlap
	for start := 0; start < len(runes); start += step {
		end := start + p.maxChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}

	return pieces
}

func matchHeader(line string) (string, *headerPattern, bool) {
	if line == "" {
		return "", nil, false
	}
	for i := range headerPatterns {
		pat := &headerPatterns[i]
		m := pat.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		num := m[1]
		id := pat.idPrefix + num
		if pat.idPrefix == "" {
			id = num + "."
		}
		return id, pat, true
	}
	return "", nil, false
}

// NormalizeText applies the canonical text cleanup: double paragraph signs,
// unicode quotes and dashes, horizontal whitespace runs, and newline runs
// capped at two.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "§§", "§ ")
	text = quoteReplacer.Replace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(multiSpaceRe.ReplaceAllString(line, " "), " ")
	}
	text = strings.Join(lines, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
