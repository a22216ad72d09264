package adjudicator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildUserPrompt_Sections(t *testing.T) {
	note := "Thoracentesis performed on the left with 800cc serous fluid removed."
	hint := Hint{CodeHint: "32554", Reason: "learned signal above watch threshold", Confidence: 0.91}
	passages := []Passage{
		{NoteID: "n-1", Text: "Ultrasound-guided thoracentesis, left pleural space.", Score: 0.88},
	}

	prompt := buildUserPrompt(note, "pleural.thoracentesis", hint, passages, 12000)

	assert.Contains(t, prompt, "## Clinical Note")
	assert.Contains(t, prompt, note)
	assert.Contains(t, prompt, "Field: pleural.thoracentesis")
	assert.Contains(t, prompt, "Associated code: 32554")
	assert.Contains(t, prompt, "Signal confidence: 0.91")
	assert.Contains(t, prompt, "## Similar Documented Cases")
	assert.Contains(t, prompt, "Ultrasound-guided thoracentesis")
}

func TestBuildUserPrompt_NoPassagesOmitsSection(t *testing.T) {
	prompt := buildUserPrompt("note text", "bronch.lavage", Hint{}, nil, 12000)
	assert.NotContains(t, prompt, "Similar Documented Cases")
}

func TestBuildUserPrompt_PassagesTrimmedBeforeNote(t *testing.T) {
	note := strings.Repeat("Lavage performed. ", 10)
	passages := []Passage{{Text: strings.Repeat("similar case phrasing ", 400), Score: 0.8}}

	prompt := buildUserPrompt(note, "bronch.lavage", Hint{}, passages, 1200)

	// The note survives intact; the passage block takes the truncation.
	assert.Contains(t, prompt, note)
	assert.Contains(t, prompt, "[...truncated]")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("ok"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("a", 100)))
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("First sentence here. ", 40)
	got := truncateToTokens(text, 50)
	assert.True(t, strings.HasSuffix(got, "[...truncated]"))
	assert.Less(t, len(got), len(text))

	assert.Equal(t, "short", truncateToTokens("short", 100))
	assert.Equal(t, "", truncateToTokens(text, 0))
}
