package hydration

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitParagraphsEmpty(t *testing.T) {
	assert.Empty(t, SplitParagraphs("", 100))
	assert.Empty(t, SplitParagraphs("  \n\n \t\n ", 100))
}

func TestSplitParagraphsSingleChunk(t *testing.T) {
	chunks := SplitParagraphs("hello world", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, "hello world", chunks[0].Text)

	// Non-positive size falls back to the default budget.
	chunks = SplitParagraphs("hello world", 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0].Text)
}

func TestSplitParagraphsPacksWholeParagraphs(t *testing.T) {
	a := strings.Repeat("a", 30)
	b := strings.Repeat("b", 30)
	c := strings.Repeat("c", 30)
	text := a + "\n\n" + b + "\n\n" + c

	// a+b joined (62 runes) fit in the budget; c starts a fresh chunk.
	chunks := SplitParagraphs(text, 64)
	require.Len(t, chunks, 2)
	assert.Equal(t, a+"\n\n"+b, chunks[0].Text)
	assert.Equal(t, c, chunks[1].Text)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)
}

func TestSplitParagraphsHardSplitsOversized(t *testing.T) {
	text := strings.Repeat("x", 250)

	chunks := SplitParagraphs(text, 100)
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, utf8.RuneCountInString(chunks[0].Text))
	assert.Equal(t, 100, utf8.RuneCountInString(chunks[1].Text))
	assert.Equal(t, 50, utf8.RuneCountInString(chunks[2].Text))
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
}

func TestSplitParagraphsPrefersWordBoundaries(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("word ", 20))

	chunks := SplitParagraphs(text, 40)
	require.NotEmpty(t, chunks)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 40)
		for _, f := range strings.Fields(c.Text) {
			assert.Equal(t, "word", f, "cuts land on spaces, never mid-word")
		}
		total += len(strings.Fields(c.Text))
	}
	assert.Equal(t, 20, total, "no words lost or duplicated")
}
