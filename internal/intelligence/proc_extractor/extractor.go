package proc_extractor

import (
	"context"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Config tunes the pattern extractor.
type Config struct {
	// MaskMenus controls whether billing-menu boilerplate is blanked
	// before scanning. Off only for debugging.
	MaskMenus bool

	// MinConfidence drops candidates whose best span falls below it.
	MinConfidence float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaskMenus:     true,
		MinConfidence: 0.5,
	}
}

// PatternExtractor runs the four deterministic extraction families over a
// note: header listings, checkbox templates, narrative action statements,
// and explicit negations. It is stateless after construction and safe for
// concurrent use.
type PatternExtractor struct {
	cfg    Config
	logger logging.Logger
}

// NewPatternExtractor builds an extractor with the given config. A nil
// logger is replaced with a no-op.
func NewPatternExtractor(cfg Config, logger logging.Logger) *PatternExtractor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &PatternExtractor{cfg: cfg, logger: logger.Named("proc_extractor")}
}

// ID implements common.Detector. Individual candidates carry their family
// identifier (proc_header, proc_checkbox, proc_narrative, proc_negation).
func (e *PatternExtractor) ID() string {
	return "proc_patterns"
}

// ruleMatch is one raw hit before overlap resolution and merging.
type ruleMatch struct {
	fieldPath  string
	value      bool
	family     string
	class      clinical.PriorityClass
	start      int
	end        int
	confidence float64
}

// Detect implements common.Detector. The returned spans always index into
// the note as given; masking replaces menu bytes with spaces rather than
// removing them, so offsets survive.
func (e *PatternExtractor) Detect(ctx context.Context, note string) ([]clinical.CandidateDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if note == "" {
		return nil, nil
	}

	scan := note
	if e.cfg.MaskMenus {
		scan = MaskMenuBlocks(note)
	}

	// 1. Collect raw matches from all four flag families.
	var matches []ruleMatch
	matches = append(matches, e.headerMatches(scan)...)
	matches = append(matches, e.checkboxMatches(scan)...)
	matches = append(matches, e.narrativeMatches(scan)...)
	matches = append(matches, e.negationMatches(scan)...)

	// 2. A match whose whitespace crosses a masked block would quote bytes
	// that differ from the original note; such matches are unusable as
	// evidence.
	matches = dropMaskStraddlers(note, scan, matches)

	// 3. Resolve overlaps: a match strictly contained in a longer one is a
	// less specific reading of the same text and is dropped.
	matches = dropContained(matches)

	// 4. Merge matches into one candidate per (family, field, value).
	// Span text is sliced from the original note, which the straddle filter
	// guarantees equals the scanned text.
	candidates := mergeMatches(note, matches)

	// 5. Detail rules run independently; their spans may overlap flag spans.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates = append(candidates, e.detailCandidates(note, scan)...)

	// 6. Confidence floor and deterministic order.
	candidates = filterByConfidence(candidates, e.cfg.MinConfidence)
	sortCandidates(candidates)

	e.logger.Debug("pattern extraction complete",
		logging.Int("raw_matches", len(matches)),
		logging.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Family scanners
// ─────────────────────────────────────────────────────────────────────────────

func (e *PatternExtractor) headerMatches(note string) []ruleMatch {
	var out []ruleMatch
	for _, blk := range findHeaderBlocks(note) {
		body := note[blk.start:blk.end]
		for _, path := range phraseOrder {
			for _, loc := range fieldPhraseRes[path].FindAllStringIndex(body, -1) {
				out = append(out, ruleMatch{
					fieldPath:  path,
					value:      true,
					family:     clinical.ExtractorHeader,
					class:      clinical.PriorityHeader,
					start:      blk.start + loc[0],
					end:        blk.start + loc[1],
					confidence: headerConfidence,
				})
			}
		}
	}
	return out
}

func (e *PatternExtractor) checkboxMatches(note string) []ruleMatch {
	var out []ruleMatch
	for _, m := range checkboxRe.FindAllStringSubmatchIndex(note, -1) {
		mark := note[m[2]:m[3]]
		checked := mark == "x" || mark == "X"
		labelStart, labelEnd := m[4], m[5]
		label := note[labelStart:labelEnd]
		conf := checkboxCheckedConfidence
		if !checked {
			conf = checkboxUncheckedConfidence
		}
		for _, path := range phraseOrder {
			for _, loc := range fieldPhraseRes[path].FindAllStringIndex(label, -1) {
				out = append(out, ruleMatch{
					fieldPath:  path,
					value:      checked,
					family:     clinical.ExtractorCheckbox,
					class:      clinical.PriorityCheckboxTemplate,
					start:      labelStart + loc[0],
					end:        labelStart + loc[1],
					confidence: conf,
				})
			}
		}
	}
	return out
}

func (e *PatternExtractor) narrativeMatches(note string) []ruleMatch {
	var out []ruleMatch
	for _, r := range narrativeRules {
		for _, loc := range r.re.FindAllStringIndex(note, -1) {
			out = append(out, ruleMatch{
				fieldPath:  r.fieldPath,
				value:      true,
				family:     clinical.ExtractorNarrative,
				class:      clinical.PriorityNarrative,
				start:      loc[0],
				end:        loc[1],
				confidence: r.confidence,
			})
		}
	}
	return out
}

func (e *PatternExtractor) negationMatches(note string) []ruleMatch {
	var out []ruleMatch
	for _, r := range negationRules {
		for _, loc := range r.re.FindAllStringIndex(note, -1) {
			out = append(out, ruleMatch{
				fieldPath:  r.fieldPath,
				value:      false,
				family:     clinical.ExtractorNegation,
				class:      clinical.PriorityExplicitNegation,
				start:      loc[0],
				end:        loc[1],
				confidence: r.confidence,
			})
		}
	}
	return out
}

func (e *PatternExtractor) detailCandidates(note, scan string) []clinical.CandidateDetection {
	var out []clinical.CandidateDetection
	for _, r := range detailRules {
		for _, m := range r.re.FindAllStringSubmatchIndex(scan, -1) {
			if len(m) < 4 || m[2] < 0 {
				continue
			}
			if note[m[0]:m[1]] != scan[m[0]:m[1]] {
				continue
			}
			value, ok := r.parse(scan[m[2]:m[3]])
			if !ok {
				continue
			}
			out = append(out, clinical.CandidateDetection{
				FieldPath:     r.fieldPath,
				Value:         value,
				Evidence:      []clinical.EvidenceSpan{spanFor(note, m[0], m[1], clinical.ExtractorNarrative, r.confidence)},
				ExtractorID:   clinical.ExtractorNarrative,
				PriorityClass: clinical.PriorityNarrative,
			})
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Overlap resolution and merging
// ─────────────────────────────────────────────────────────────────────────────

// dropMaskStraddlers removes matches whose quoted text would differ between
// the masked scan and the original note. When masking is off the two strings
// are identical and nothing is dropped.
func dropMaskStraddlers(note, scan string, matches []ruleMatch) []ruleMatch {
	if note == scan {
		return matches
	}
	out := matches[:0]
	for _, m := range matches {
		if note[m.start:m.end] == scan[m.start:m.end] {
			out = append(out, m)
		}
	}
	return out
}

// dropContained removes every match whose span lies strictly inside a longer
// match. "radial EBUS was performed" subsumes the bare "EBUS was performed"
// reading, and a negated statement subsumes the affirmative phrase inside it.
// Identical spans are deduplicated per (family, field, value).
func dropContained(matches []ruleMatch) []ruleMatch {
	if len(matches) < 2 {
		return matches
	}
	keep := make([]bool, len(matches))
	for i := range keep {
		keep[i] = true
	}
	for i, m := range matches {
		for j, o := range matches {
			if i == j || !keep[i] {
				continue
			}
			oLen, mLen := o.end-o.start, m.end-m.start
			if o.start <= m.start && m.end <= o.end && oLen > mLen {
				keep[i] = false
			}
		}
	}

	seen := make(map[ruleMatch]bool)
	var out []ruleMatch
	for i, m := range matches {
		if !keep[i] || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

type candidateKey struct {
	family string
	field  string
	value  bool
}

// mergeMatches folds every surviving match into one candidate per family,
// field, and asserted value, carrying the union of spans as evidence.
func mergeMatches(note string, matches []ruleMatch) []clinical.CandidateDetection {
	grouped := make(map[candidateKey][]ruleMatch)
	var order []candidateKey
	for _, m := range matches {
		k := candidateKey{family: m.family, field: m.fieldPath, value: m.value}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], m)
	}

	out := make([]clinical.CandidateDetection, 0, len(order))
	for _, k := range order {
		ms := grouped[k]
		sort.Slice(ms, func(i, j int) bool { return ms[i].start < ms[j].start })
		spans := make([]clinical.EvidenceSpan, 0, len(ms))
		for _, m := range ms {
			spans = append(spans, spanFor(note, m.start, m.end, k.family, m.confidence))
		}
		out = append(out, clinical.CandidateDetection{
			FieldPath:     k.field,
			Value:         k.value,
			Evidence:      spans,
			ExtractorID:   k.family,
			PriorityClass: ms[0].class,
		})
	}
	return out
}

func filterByConfidence(cands []clinical.CandidateDetection, min float64) []clinical.CandidateDetection {
	if min <= 0 {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if c.MaxConfidence() >= min {
			out = append(out, c)
		}
	}
	return out
}

func sortCandidates(cands []clinical.CandidateDetection) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.FieldPath != b.FieldPath {
			return a.FieldPath < b.FieldPath
		}
		if a.ExtractorID != b.ExtractorID {
			return a.ExtractorID < b.ExtractorID
		}
		as, bs := firstSpanStart(a), firstSpanStart(b)
		return as < bs
	})
}

func firstSpanStart(c clinical.CandidateDetection) int {
	if len(c.Evidence) == 0 {
		return 0
	}
	return c.Evidence[0].Span[0]
}
