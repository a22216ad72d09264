package registry

import (
	"fmt"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// extractorPrecedence breaks ties that survive priority class, evidence
// count and confidence. Rule-backed extractors outrank learned ones so the
// same note always assembles to the same record.
var extractorPrecedence = map[string]int{
	clinical.ExtractorNegation:   0,
	clinical.ExtractorNarrative:  1,
	clinical.ExtractorHeader:     2,
	clinical.ExtractorCheckbox:   3,
	clinical.ExtractorNoteBERT:   4,
	clinical.ExtractorBackstop:   5,
	clinical.ExtractorCorrective: 6,
}

// Assembler merges candidate detections from all extractors into one
// RegistryRecord, resolving conflicts by the fixed hierarchy: explicit
// negation > narrative > section header > checkbox template, then more
// evidence, then higher confidence, then extractor precedence.
type Assembler struct {
	logger logging.Logger
}

// NewAssembler returns an assembler logging through the given logger.
func NewAssembler(logger logging.Logger) *Assembler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Assembler{logger: logger.Named("assembler")}
}

// AssemblyResult is the assembled record plus the non-fatal findings worth
// surfacing to the caller: skipped candidates and unresolved ties.
type AssemblyResult struct {
	Record   *RegistryRecord
	Warnings []string
}

// scored pairs a candidate with its input position and, for flag paths, its
// coerced boolean value.
type scored struct {
	idx   int
	value bool
	cand  clinical.CandidateDetection
}

// Assemble builds an unfrozen record for the note. Candidates that fail
// validation, address unknown paths, or carry values of the wrong type are
// skipped with a warning rather than failing the whole note. The record is
// not frozen here: the corrective pass may still amend it.
func (a *Assembler) Assemble(noteHash string, noteLen int, candidates []clinical.CandidateDetection) *AssemblyResult {
	rec := NewRecord(noteHash)
	var warnings []string

	flagGroups := make(map[string][]scored)
	detailGroups := make(map[string][]scored)

	for i, cand := range candidates {
		if err := cand.Validate(noteLen); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"skipped candidate %s from %s: %v", cand.FieldPath, cand.ExtractorID, err))
			continue
		}
		switch {
		case IsFlagPath(cand.FieldPath):
			v, ok := cand.Value.(bool)
			if !ok {
				warnings = append(warnings, fmt.Sprintf(
					"skipped candidate %s from %s: flag value is %T, not bool",
					cand.FieldPath, cand.ExtractorID, cand.Value))
				continue
			}
			flagGroups[cand.FieldPath] = append(flagGroups[cand.FieldPath], scored{idx: i, value: v, cand: cand})
		case IsDetailPath(cand.FieldPath):
			detailGroups[cand.FieldPath] = append(detailGroups[cand.FieldPath], scored{idx: i, cand: cand})
		default:
			warnings = append(warnings, fmt.Sprintf(
				"skipped candidate from %s: unknown field path %q", cand.ExtractorID, cand.FieldPath))
		}
	}

	for _, path := range sortedKeys(flagGroups) {
		flag, ws := a.resolveFlagGroup(path, flagGroups[path])
		warnings = append(warnings, ws...)
		if err := rec.SetFlag(path, flag); err != nil {
			warnings = append(warnings, fmt.Sprintf("could not set %s: %v", path, err))
		}
	}

	for _, path := range sortedKeys(detailGroups) {
		winner := pickWinner(detailGroups[path])
		if err := rec.SetDetail(path, winner.cand.Value); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"skipped detail %s from %s: %v", path, winner.cand.ExtractorID, err))
		}
	}

	a.logger.Debug("assembled registry record",
		logging.String("note_hash", noteHash),
		logging.Int("candidates", len(candidates)),
		logging.Int("warnings", len(warnings)))

	return &AssemblyResult{Record: rec, Warnings: warnings}
}

// resolveFlagGroup picks the winning assertion for one flag path and merges
// evidence from every candidate that agrees with it.
func (a *Assembler) resolveFlagGroup(path string, group []scored) (Flag, []string) {
	winner := pickWinner(group)
	var warnings []string

	// An exact tie between opposing assertions cannot be resolved on
	// clinical grounds; extractor precedence decides, and the caller is told.
	for _, c := range group {
		if c.value != winner.value && sameStrength(c, winner) {
			warnings = append(warnings, fmt.Sprintf(
				"unresolved conflict for %s: %s=%t and %s=%t tie on priority, evidence and confidence; kept %s",
				path, winner.cand.ExtractorID, winner.value, c.cand.ExtractorID, c.value,
				winner.cand.ExtractorID))
			break
		}
	}

	if len(group) > 1 {
		a.logger.Debug("resolved conflicting candidates",
			logging.String("field_path", path),
			logging.Int("candidates", len(group)),
			logging.String("winner", winner.cand.ExtractorID),
			logging.Any("performed", winner.value))
	}

	var evidence []clinical.EvidenceSpan
	confidence := 0.0
	for _, c := range group {
		if c.value != winner.value {
			continue
		}
		evidence = append(evidence, c.cand.Evidence...)
		if mc := c.cand.MaxConfidence(); mc > confidence {
			confidence = mc
		}
	}

	return Flag{
		Performed:   winner.value,
		Evidence:    dedupeSpans(evidence),
		ExtractorID: winner.cand.ExtractorID,
		Confidence:  confidence,
	}, warnings
}

// pickWinner returns the strongest candidate in the group.
func pickWinner(group []scored) scored {
	winner := group[0]
	for _, c := range group[1:] {
		if beats(c, winner) {
			winner = c
		}
	}
	return winner
}

// beats reports whether a outranks b under the conflict hierarchy.
func beats(a, b scored) bool {
	ar, br := a.cand.PriorityClass.Rank(), b.cand.PriorityClass.Rank()
	if ar != br {
		return ar > br
	}
	if len(a.cand.Evidence) != len(b.cand.Evidence) {
		return len(a.cand.Evidence) > len(b.cand.Evidence)
	}
	ac, bc := a.cand.MaxConfidence(), b.cand.MaxConfidence()
	if ac != bc {
		return ac > bc
	}
	ap, bp := precedenceOf(a.cand.ExtractorID), precedenceOf(b.cand.ExtractorID)
	if ap != bp {
		return ap < bp
	}
	return a.idx < b.idx
}

// sameStrength reports whether two candidates tie on every clinical
// criterion, leaving only extractor precedence between them.
func sameStrength(a, b scored) bool {
	return a.cand.PriorityClass.Rank() == b.cand.PriorityClass.Rank() &&
		len(a.cand.Evidence) == len(b.cand.Evidence) &&
		a.cand.MaxConfidence() == b.cand.MaxConfidence()
}

func precedenceOf(extractorID string) int {
	if p, ok := extractorPrecedence[extractorID]; ok {
		return p
	}
	return len(extractorPrecedence)
}

// dedupeSpans drops exact duplicate spans while preserving first-seen order.
func dedupeSpans(spans []clinical.EvidenceSpan) []clinical.EvidenceSpan {
	if len(spans) <= 1 {
		return spans
	}
	type key struct {
		source     string
		start, end int
		text       string
	}
	seen := make(map[key]struct{}, len(spans))
	out := spans[:0]
	for _, s := range spans {
		k := key{source: s.Source, start: s.Start(), end: s.End(), text: s.Text}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedKeys(m map[string][]scored) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
