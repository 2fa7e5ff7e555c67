package text

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Page is the extracted text of one PDF page. Number is 1-based.
type Page struct {
	Number     int
	TotalPages int
	Text       string
}

type ChunkResult struct {
	Content    string
	Page       int
	TotalPages int
	PageChunk  int
}

var (
	hyphenBreakRe = regexp.MustCompile(`(\p{L})-\n(\p{Ll})`)
	spaceRunRe    = regexp.MustCompile(`[ \t\f\v]+`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	pageNumberRe  = regexp.MustCompile(`(?i)^(page\s+)?\d+(\s+(of|/)\s+\d+)?$`)
)

// CleanPageText normalises text extracted from a PDF page before chunking:
// words hyphenated across line breaks are joined, runs of horizontal
// whitespace collapse to one space and blank-line runs to one blank line.
func CleanPageText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = spaceRunRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// IsNoiseChunk identifies chunks that carry no retrievable content, such as
// a bare page number left over from a footer.
func IsNoiseChunk(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 {
		return true
	}
	return pageNumberRe.MatchString(trimmed)
}

// Chunker splits page text into overlapping chunks. Output order and content
// depend only on the input pages and the size/overlap settings.
type Chunker struct {
	size     int
	overlap  int
	splitter textsplitter.RecursiveCharacter
}

func NewChunker(size, overlap int) *Chunker {
	return &Chunker{
		size:    size,
		overlap: overlap,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

// ChunkPages chunks every page in page order. Pages that are empty after
// cleaning contribute no chunks.
func (c *Chunker) ChunkPages(pages []Page) ([]ChunkResult, error) {
	var results []ChunkResult

	for _, p := range pages {
		cleaned := CleanPageText(p.Text)
		if cleaned == "" {
			continue
		}

		parts, err := c.splitter.SplitText(cleaned)
		if err != nil {
			return nil, fmt.Errorf("split page %d: %w", p.Number, err)
		}

		pageChunk := 0
		for _, part := range parts {
			if IsNoiseChunk(part) {
				continue
			}
			results = append(results, ChunkResult{
				Content:    part,
				Page:       p.Number,
				TotalPages: p.TotalPages,
				PageChunk:  pageChunk,
			})
			pageChunk++
		}
	}

	return results, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }
