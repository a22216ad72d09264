package registry

import (
	"github.com/turtacn/MedCode-Intelligence/pkg/types/common"
)

// Domain events published to the message bus after a pipeline run. The note
// hash is the aggregate identity; raw note text never appears in an event.

// NoteSubmittedEvent records that a note entered the coding pipeline. The
// document key locates the raw text in object storage; consumers resolve it
// through the note store before running the pipeline.
type NoteSubmittedEvent struct {
	common.BaseEvent
	NoteHash    string `json:"note_hash"`
	DocumentKey string `json:"document_key"`
	Source      string `json:"source"`
	Expedited   bool   `json:"expedited"`
}

// NewNoteSubmittedEvent constructs the submission event.
func NewNoteSubmittedEvent(noteHash, documentKey, source string, expedited bool) *NoteSubmittedEvent {
	return &NoteSubmittedEvent{
		BaseEvent:   common.NewBaseEvent(noteHash),
		NoteHash:    noteHash,
		DocumentKey: documentKey,
		Source:      source,
		Expedited:   expedited,
	}
}

// NoteCodedEvent records a completed pipeline run and its outcome.
type NoteCodedEvent struct {
	common.BaseEvent
	ResultID       string   `json:"result_id"`
	NoteHash       string   `json:"note_hash"`
	Codes          []string `json:"codes"`
	Recommendation string   `json:"recommendation"`
	Corrected      bool     `json:"corrected"`
	OmissionCount  int      `json:"omission_count"`
}

// NewNoteCodedEvent constructs the completion event.
func NewNoteCodedEvent(resultID, noteHash string, codes []string, recommendation string, corrected bool, omissionCount int) *NoteCodedEvent {
	return &NoteCodedEvent{
		BaseEvent:      common.NewBaseEvent(noteHash),
		ResultID:       resultID,
		NoteHash:       noteHash,
		Codes:          codes,
		Recommendation: recommendation,
		Corrected:      corrected,
		OmissionCount:  omissionCount,
	}
}

// CodingFailedEvent records a pipeline run that could not produce a result.
// Consumers route these to the dead-letter topic for replay.
type CodingFailedEvent struct {
	common.BaseEvent
	NoteHash  string `json:"note_hash"`
	ErrorCode string `json:"error_code"`
	Reason    string `json:"reason"`
}

// NewCodingFailedEvent constructs the failure event.
func NewCodingFailedEvent(noteHash, errorCode, reason string) *CodingFailedEvent {
	return &CodingFailedEvent{
		BaseEvent: common.NewBaseEvent(noteHash),
		NoteHash:  noteHash,
		ErrorCode: errorCode,
		Reason:    reason,
	}
}
