// Package clinical defines the value types exchanged between extraction
// stages and exposed in coded-note payloads: evidence spans, candidate
// detections, derived code entries, reconciliation results, and omission
// warnings.
//
// The JSON shape of EvidenceSpan is a compatibility contract consumed by
// external evidence-highlighting tooling.  It must not change without a
// schema version bump.
package clinical

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ─────────────────────────────────────────────────────────────────────────────
// EvidenceSpan
// ─────────────────────────────────────────────────────────────────────────────

// EvidenceSpan cites a substring of the original note supporting a detected
// fact.  Span holds [start, end) character offsets into the original note
// text and serializes as a two-element JSON array.
//
// Confidence is assigned by the producing extractor and monotonically
// consumed downstream; no stage ever recomputes it.
type EvidenceSpan struct {
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Span       [2]int  `json:"span"`
	Confidence float64 `json:"confidence"`
}

// Start returns the inclusive start offset.
func (s EvidenceSpan) Start() int { return s.Span[0] }

// End returns the exclusive end offset.
func (s EvidenceSpan) End() int { return s.Span[1] }

// Validate checks the span invariant start <= end <= noteLen and that
// confidence lies in [0, 1].
func (s EvidenceSpan) Validate(noteLen int) error {
	if s.Span[0] < 0 || s.Span[0] > s.Span[1] || s.Span[1] > noteLen {
		return fmt.Errorf("evidence span [%d,%d) out of range for note length %d", s.Span[0], s.Span[1], noteLen)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("evidence confidence %f outside [0,1]", s.Confidence)
	}
	return nil
}

// VerbatimIn reports whether Text is the literal substring of note at the
// stated offsets.  Every extractor must satisfy this; it is re-checked at
// code emission.
func (s EvidenceSpan) VerbatimIn(note string) bool {
	if s.Span[0] < 0 || s.Span[1] > len(note) || s.Span[0] > s.Span[1] {
		return false
	}
	return note[s.Span[0]:s.Span[1]] == s.Text
}

// ─────────────────────────────────────────────────────────────────────────────
// CandidateDetection
// ─────────────────────────────────────────────────────────────────────────────

// PriorityClass classifies the textual context a candidate was detected in.
// The registry assembler's conflict hierarchy keys off these classes.
type PriorityClass string

const (
	PriorityHeader           PriorityClass = "header"
	PriorityCheckboxTemplate PriorityClass = "checkbox_template"
	PriorityNarrative        PriorityClass = "narrative"
	PriorityExplicitNegation PriorityClass = "explicit_negation"
)

// Rank orders priority classes for same-field tie-breaking.  Higher wins.
func (p PriorityClass) Rank() int {
	switch p {
	case PriorityExplicitNegation:
		return 4
	case PriorityNarrative:
		return 3
	case PriorityHeader:
		return 2
	case PriorityCheckboxTemplate:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the four defined classes.
func (p PriorityClass) Valid() bool {
	switch p {
	case PriorityHeader, PriorityCheckboxTemplate, PriorityNarrative, PriorityExplicitNegation:
		return true
	}
	return false
}

// Well-known extractor identifiers.  Extractors stamp these into
// CandidateDetection.ExtractorID and EvidenceSpan.Source.
const (
	ExtractorHeader     = "proc_header"
	ExtractorCheckbox   = "proc_checkbox"
	ExtractorNarrative  = "proc_narrative"
	ExtractorNegation   = "proc_negation"
	ExtractorNoteBERT   = "note_bert"
	ExtractorBackstop   = "uplift_backstop"
	ExtractorCorrective = "corrective_pass"
)

// CandidateDetection is a single extractor's claim about one registry field.
// Multiple candidates may target the same FieldPath; the assembler resolves
// conflicts.
type CandidateDetection struct {
	FieldPath     string         `json:"field_path"`
	Value         interface{}    `json:"value"`
	Evidence      []EvidenceSpan `json:"evidence"`
	ExtractorID   string         `json:"extractor_id"`
	PriorityClass PriorityClass  `json:"priority_class"`
}

// Validate checks structural invariants: a known priority class, at least one
// evidence span, and every span valid against the note length.
func (c CandidateDetection) Validate(noteLen int) error {
	if c.FieldPath == "" {
		return fmt.Errorf("candidate has empty field_path")
	}
	if !c.PriorityClass.Valid() {
		return fmt.Errorf("candidate %s has unknown priority class %q", c.FieldPath, c.PriorityClass)
	}
	if len(c.Evidence) == 0 {
		return fmt.Errorf("candidate %s carries no evidence", c.FieldPath)
	}
	for _, ev := range c.Evidence {
		if err := ev.Validate(noteLen); err != nil {
			return fmt.Errorf("candidate %s: %w", c.FieldPath, err)
		}
	}
	return nil
}

// MaxConfidence returns the highest confidence among the candidate's spans.
func (c CandidateDetection) MaxConfidence() float64 {
	max := 0.0
	for _, ev := range c.Evidence {
		if ev.Confidence > max {
			max = ev.Confidence
		}
	}
	return max
}

// ─────────────────────────────────────────────────────────────────────────────
// Derivation output
// ─────────────────────────────────────────────────────────────────────────────

// CodeEntry is one billing code derived from a finalized registry record.
// DerivedFrom lists the registry field paths whose truth made the code
// eligible; Evidence is the union of those fields' evidence.  An entry with
// empty DerivedFrom cannot exist.
type CodeEntry struct {
	Code        string         `json:"code"`
	Description string         `json:"description"`
	DerivedFrom []string       `json:"derived_from"`
	Evidence    []EvidenceSpan `json:"evidence"`
	Modifiers   []string       `json:"modifiers,omitempty"`
	Quantity    int            `json:"quantity"`
}

// HasModifier reports whether the entry already carries the given modifier.
func (e CodeEntry) HasModifier(mod string) bool {
	for _, m := range e.Modifiers {
		if m == mod {
			return true
		}
	}
	return false
}

// PredictedCode is one code proposed by the secondary predictor, used only
// for cross-validation.
type PredictedCode struct {
	Code       string  `json:"code"`
	Confidence float64 `json:"confidence"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ─────────────────────────────────────────────────────────────────────────────

// Recommendation is the review disposition assigned by the reconciler.
type Recommendation int

const (
	RecommendAutoApprove Recommendation = iota
	RecommendReviewNeeded
	RecommendFlagForAudit
)

var recommendationNames = map[Recommendation]string{
	RecommendAutoApprove:  "auto_approve",
	RecommendReviewNeeded: "review_needed",
	RecommendFlagForAudit: "flag_for_audit",
}

// String returns the wire name of the recommendation.
func (r Recommendation) String() string {
	if name, ok := recommendationNames[r]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON serializes the recommendation as its wire name.
func (r Recommendation) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON parses a recommendation from its wire name.
func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for rec, name := range recommendationNames {
		if name == strings.ToLower(s) {
			*r = rec
			return nil
		}
	}
	return fmt.Errorf("unknown recommendation %q", s)
}

// ReconciliationResult partitions the derived and predicted code sets and
// carries the review recommendation.
type ReconciliationResult struct {
	Matched        []string       `json:"matched"`
	DerivationOnly []string       `json:"derivation_only"`
	PredictorOnly  []string       `json:"predictor_only"`
	Recommendation Recommendation `json:"recommendation"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Omission warnings
// ─────────────────────────────────────────────────────────────────────────────

// OmissionWarning flags a high-value procedure the pipeline may have silently
// dropped: the learned extractor's raw confidence exceeded the watch
// threshold while the finalized record left the field unset.
type OmissionWarning struct {
	CodeHint             string  `json:"code_hint"`
	Reason               string  `json:"reason"`
	TriggeringConfidence float64 `json:"triggering_confidence"`
}
