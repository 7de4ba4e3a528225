package hydration

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the maximum chunk length in runes.
const DefaultChunkSize = 800

// Chunk is one indexable span of extracted text.
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
}

var paragraphSplitRe = regexp.MustCompile(`\n[ \t]*\n+`)

// SplitParagraphs splits text into chunks of at most size runes, packing
// whole paragraphs together and hard-splitting only paragraphs that alone
// exceed the budget. Empty or blank text yields no chunks.
func SplitParagraphs(text string, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var (
		chunks []Chunk
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, Chunk{Ordinal: len(chunks), Text: s})
		}
		cur.Reset()
		curLen = 0
	}

	for _, para := range paragraphSplitRe.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range splitLong(para, size) {
			n := utf8.RuneCountInString(piece)
			if curLen > 0 && curLen+2+n > size {
				flush()
			}
			if curLen > 0 {
				cur.WriteString("\n\n")
				curLen += 2
			}
			cur.WriteString(piece)
			curLen += n
		}
	}
	flush()
	return chunks
}

// splitLong cuts an oversized paragraph into size-rune windows, preferring
// a space in the last quarter of the window over a mid-word cut.
func splitLong(s string, size int) []string {
	if utf8.RuneCountInString(s) <= size {
		return []string{s}
	}

	var out []string
	runes := []rune(s)
	for len(runes) > size {
		cut := size
		for i := size - 1; i > size*3/4; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		rest := strings.TrimSpace(string(runes[cut:]))
		runes = []rune(rest)
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
