package guardrails

import (
	"regexp"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/proc_extractor"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// backstopRule is one deterministic recall net for a field the learned
// extractor under-detects: the abbreviation and brand vocabulary notes use
// when they do not spell the procedure out.
type backstopRule struct {
	fieldPath  string
	re         *regexp.Regexp
	confidence float64
}

// backstopRules cover the high-value watch-list: lavage, endobronchial
// biopsy, radial-probe ultrasound, cryotherapy, navigational bronchoscopy,
// pleural drainage devices, and point-of-care chest ultrasound.
var backstopRules = []backstopRule{
	{"bronch.lavage", regexp.MustCompile(`(?i)\bBAL\s+(?:was\s+)?(?:performed|obtained|collected|done|sent)\b`), 0.75},
	{"bronch.lavage", regexp.MustCompile(`(?i)\bbronchial\s+washings?\s+(?:was|were)\s+(?:obtained|collected|sent)\b`), 0.70},
	{"bronch.lavage", regexp.MustCompile(`(?i)\blavage\s+return(?:ed)?\s+(?:was\s+)?\d+\s*(?:ml|cc)\b`), 0.72},

	{"bronch.endobronchial_biopsy", regexp.MustCompile(`(?i)\bEBBX\b`), 0.70},
	{"bronch.endobronchial_biopsy", regexp.MustCompile(`(?i)\bforceps\s+biops(?:y|ies)\s+(?:was|were)\s+(?:taken|obtained)\s+(?:of|from)\s+the\s+(?:endobronchial|airway)\b`), 0.75},

	{"bronch.radial_ebus", regexp.MustCompile(`(?i)\br-?EBUS\b`), 0.72},
	{"bronch.radial_ebus", regexp.MustCompile(`(?i)\bradial\s+probe\s+(?:was\s+)?(?:advanced|passed|used)\b`), 0.75},
	{"bronch.radial_ebus", regexp.MustCompile(`(?i)\b(?:a\s+)?concentric\s+(?:view|pattern)\s+(?:was\s+)?(?:obtained|seen|demonstrated)\b`), 0.72},

	{"bronch.cryotherapy", regexp.MustCompile(`(?i)\bcryoprobe\s+(?:was\s+)?(?:applied|activated|advanced|used)\b`), 0.75},
	{"bronch.cryotherapy", regexp.MustCompile(`(?i)\bfreeze[- ]thaw\s+cycles?\b`), 0.72},

	{"bronch.navigation", regexp.MustCompile(`(?i)\bENB\b`), 0.70},
	{"bronch.navigation", regexp.MustCompile(`(?i)\b(?:superDimension|Illumisite|Ion|Monarch)\b[^\n.]{0,60}\b(?:target|lesion|nodule|registration)\b`), 0.75},

	{"pleural.chest_tube.inserted", regexp.MustCompile(`(?i)\bpigtail\s+(?:was\s+)?(?:advanced|secured|sutured)\s+(?:in(?:to)?\s+place|to\s+the\s+(?:chest\s+wall|skin))\b`), 0.72},
	{"pleural.chest_tube.inserted", regexp.MustCompile(`(?i)\btube\s+thoracostomy\b`), 0.75},

	{"imaging.chest_ultrasound", regexp.MustCompile(`(?i)\bPOCUS\b`), 0.70},
	{"imaging.chest_ultrasound", regexp.MustCompile(`(?i)\bbedside\s+sonograph(?:y|ic)\b`), 0.70},
}

// Backstops is the second deterministic pass. It runs strictly after the
// filter pass and only fills gaps: a field already asserted, negated, or
// contested at equal-or-higher priority is left alone.
type Backstops struct {
	logger logging.Logger
}

// NewBackstops constructs the backstop pass.
func NewBackstops(logger logging.Logger) *Backstops {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Backstops{logger: logger.Named("backstops")}
}

// Apply scans the note for backstop vocabulary and appends one candidate per
// newly covered field path. Menu boilerplate is masked the same way the
// pattern extractors mask it, so a backstop can never quote a billing menu.
func (b *Backstops) Apply(note string, cands []clinical.CandidateDetection) []clinical.CandidateDetection {
	if note == "" {
		return cands
	}
	scan := proc_extractor.MaskMenuBlocks(note)

	type fieldState struct {
		negated  bool
		bestRank int
	}
	states := make(map[string]fieldState)
	for _, c := range cands {
		s := states[c.FieldPath]
		if c.PriorityClass == clinical.PriorityExplicitNegation {
			s.negated = true
		}
		if r := c.PriorityClass.Rank(); r > s.bestRank {
			s.bestRank = r
		}
		states[c.FieldPath] = s
	}

	backstopRank := clinical.PriorityNarrative.Rank()
	spansByField := make(map[string][]clinical.EvidenceSpan)
	for _, r := range backstopRules {
		s, covered := states[r.fieldPath]
		if covered && (s.negated || s.bestRank >= backstopRank) {
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(scan, -1) {
			// A hit that straddles a masked block would quote bytes the
			// original note does not contain.
			if note[loc[0]:loc[1]] != scan[loc[0]:loc[1]] {
				continue
			}
			spansByField[r.fieldPath] = append(spansByField[r.fieldPath], clinical.EvidenceSpan{
				Source:     clinical.ExtractorBackstop,
				Text:       note[loc[0]:loc[1]],
				Span:       [2]int{loc[0], loc[1]},
				Confidence: r.confidence,
			})
		}
	}

	paths := make([]string, 0, len(spansByField))
	for p := range spansByField {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		spans := spansByField[p]
		sort.Slice(spans, func(i, j int) bool { return spans[i].Span[0] < spans[j].Span[0] })
		cands = append(cands, clinical.CandidateDetection{
			FieldPath:     p,
			Value:         true,
			Evidence:      spans,
			ExtractorID:   clinical.ExtractorBackstop,
			PriorityClass: clinical.PriorityNarrative,
		})
		b.logger.Debug("backstop filled field",
			logging.String("field_path", p),
			logging.Int("spans", len(spans)))
	}
	return cands
}
