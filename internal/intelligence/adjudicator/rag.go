package adjudicator

import "context"

// Passage is one retrieved snippet from a previously coded note where the
// field under review was confirmed. It feeds the review prompt as phrasing
// reference only.
type Passage struct {
	NoteID string  `json:"note_id"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// ContextRetriever fetches passages similar to the note for one field. The
// vector-store adapter implements it; retrieval failure degrades the review
// to a context-free prompt, never fails it.
type ContextRetriever interface {
	SimilarPassages(ctx context.Context, note, fieldPath string, topK int) ([]Passage, error)
}
