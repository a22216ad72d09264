package adjudicator

import (
	"fmt"
	"strings"
)

// systemPrompt fixes the reviewer's role and its output contract. The model
// returns evidence as literal quotes; the client locates them in the note and
// rejects anything that does not match verbatim.
const systemPrompt = `You are a clinical documentation reviewer for procedure coding. You are shown one clinical note and one procedure field that automated extraction marked as not performed, despite a learned signal suggesting otherwise.

Decide whether the note documents that the procedure was actually performed. Apply these rules strictly:
1. Only affirmative narrative documentation counts. Planned, attempted-then-aborted, discontinued, or historical mentions do not.
2. Instrument availability or menu/template text is not documentation of performance.
3. Explicit negation ("no ...", "not performed", "without ...") is final.

Respond with a single JSON object and nothing else.
If the note documents the procedure:
{"field_path": "<the field under review>", "performed": true, "evidence": ["<exact quote from the note>", ...], "confidence": <0-1>, "rationale": "<one sentence>"}
If it does not, or you are unsure:
{"abstain": true, "rationale": "<one sentence>"}

Every evidence string must be copied character-for-character from the note. Do not paraphrase, re-punctuate, or merge sentences.`

// buildUserPrompt assembles the review request. Retrieved passages are the
// first section trimmed when the note is large; the note itself and the field
// block are never dropped, only tail-truncated as a last resort.
func buildUserPrompt(note, fieldPath string, hint Hint, passages []Passage, maxTokens int) string {
	fieldBlock := buildFieldBlock(fieldPath, hint)
	passageBlock := buildPassageBlock(passages)

	budget := maxTokens - estimateTokens(systemPrompt) - estimateTokens(fieldBlock)
	if budget < 200 {
		budget = 200
	}

	noteTokens := estimateTokens(note)
	if noteTokens+estimateTokens(passageBlock) > budget {
		passageBlock = truncateToTokens(passageBlock, budget-noteTokens)
	}
	if noteTokens > budget {
		passageBlock = ""
		note = truncateToTokens(note, budget)
	}

	var b strings.Builder
	b.WriteString("## Clinical Note\n")
	b.WriteString(note)
	b.WriteString("\n\n")
	b.WriteString(fieldBlock)
	if passageBlock != "" {
		b.WriteString("\n")
		b.WriteString(passageBlock)
	}
	return strings.TrimSpace(b.String())
}

func buildFieldBlock(fieldPath string, hint Hint) string {
	var b strings.Builder
	b.WriteString("## Field Under Review\n")
	b.WriteString(fmt.Sprintf("Field: %s\n", fieldPath))
	if hint.CodeHint != "" {
		b.WriteString(fmt.Sprintf("Associated code: %s\n", hint.CodeHint))
	}
	if hint.Reason != "" {
		b.WriteString(fmt.Sprintf("Signal: %s\n", hint.Reason))
	}
	if hint.Confidence > 0 {
		b.WriteString(fmt.Sprintf("Signal confidence: %.2f\n", hint.Confidence))
	}
	return b.String()
}

func buildPassageBlock(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Similar Documented Cases\n")
	b.WriteString("Phrasing from previously coded notes where this field was confirmed. Reference only; never quote these as evidence.\n")
	for i, p := range passages {
		b.WriteString(fmt.Sprintf("[%d] (score=%.3f) %s\n", i+1, p.Score, p.Text))
	}
	return b.String()
}

// estimateTokens is the rough sizing heuristic used for prompt budgeting:
// about four characters per token for clinical English.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// truncateToTokens tail-truncates text to approximately maxTokens, cutting at
// a sentence or line boundary when one falls in the kept half.
func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if estimateTokens(text) <= maxTokens {
		return text
	}
	keep := maxTokens * 4
	if keep >= len(text) {
		return text
	}
	// Back off to a rune boundary.
	for keep > 0 && text[keep]&0xC0 == 0x80 {
		keep--
	}
	result := text[:keep]
	if idx := strings.LastIndexAny(result, ".\n"); idx > len(result)/2 {
		result = result[:idx+1]
	}
	return result + "\n[...truncated]"
}
