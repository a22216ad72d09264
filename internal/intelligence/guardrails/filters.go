// Package guardrails hardens raw candidate detections before registry
// assembly.  The filter pass suppresses or rewrites candidates whose local
// context shows a known false-positive pattern (a tool mention without an
// action, a device status remark, discontinuation phrased like insertion,
// pleural puncture vocabulary on the drainage flag).  The backstop pass then
// re-adds candidates for a short list of high-value fields the learned
// extractor is known to miss.
//
// Rules are evaluated per candidate against a window of note text around its
// evidence spans.  They never mutate the note and never invent evidence: a
// rewrite keeps the original spans, a drop discards the candidate whole.
package guardrails

import (
	"regexp"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// ─────────────────────────────────────────────────────────────────────────────
// Verdicts
// ─────────────────────────────────────────────────────────────────────────────

// Action is what a matched rule did to a candidate.
type Action string

const (
	ActionDrop      Action = "drop"
	ActionDowngrade Action = "downgrade"
	ActionRewrite   Action = "rewrite"
)

// Rule identifiers, stamped into verdicts and audit logs.
const (
	RuleToolMentionWithoutAction = "tool_mention_without_action"
	RuleStatusNotEvent           = "inspection_status_not_event"
	RuleDiscontinuationRewrite   = "discontinuation_not_insertion"
	RulePunctureNotDrainage      = "puncture_not_drainage_insertion"
)

// Verdict records one rule application for the audit trail.
type Verdict struct {
	Rule      string                 `json:"rule"`
	Action    Action                 `json:"action"`
	FieldPath string                 `json:"field_path"`
	NewPath   string                 `json:"new_path,omitempty"`
	NewClass  clinical.PriorityClass `json:"new_class,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Rule vocabulary
// ─────────────────────────────────────────────────────────────────────────────

// interventionalFlags are flag paths where a bare device or procedure noun in
// prose is never sufficient: an action verb must appear in the same window.
var interventionalFlags = map[string]bool{
	"bronch.endobronchial_biopsy":   true,
	"bronch.transbronchial_biopsy":  true,
	"bronch.cryotherapy":            true,
	"bronch.dilation":               true,
	"bronch.stent.placed":           true,
	"bronch.stent.removed":          true,
	"bronch.foreign_body":           true,
	"bronch.therapeutic_aspiration": true,
	"pleural.chest_tube.inserted":   true,
	"pleural.chest_tube.removed":    true,
	"pleural.thoracentesis":         true,
}

// mentionOnlyFlags are diagnostic-modality flags where a verb-less mention is
// weak but not disqualifying; such candidates are downgraded, not dropped.
var mentionOnlyFlags = map[string]bool{
	"bronch.diagnostic":        true,
	"bronch.lavage":            true,
	"bronch.ebus":              true,
	"bronch.radial_ebus":       true,
	"bronch.navigation":        true,
	"imaging.chest_ultrasound": true,
	"sedation.moderate":        true,
}

// insertionRewrites maps an insertion flag to its removal counterpart.
var insertionRewrites = map[string]string{
	"pleural.chest_tube.inserted": "pleural.chest_tube.removed",
	"bronch.stent.placed":         "bronch.stent.removed",
}

// deviceEventFlags are the placement/removal flags the status rule guards.
var deviceEventFlags = map[string]bool{
	"bronch.stent.placed":         true,
	"bronch.stent.removed":        true,
	"pleural.chest_tube.inserted": true,
	"pleural.chest_tube.removed":  true,
}

var (
	// actionVerbRe is the shared completed-action vocabulary.  Both the
	// tool-mention rule and the status rule consult the same list so their
	// outcomes cannot disagree on whether an event happened.
	actionVerbRe = regexp.MustCompile(`(?i)\b(?:performed|obtained|taken|placed|deployed|inserted|introduced|advanced|removed|retrieved|extracted|withdrawn|discontinued|applied|ablated|dilated|aspirated|suctioned|drained|biopsied|lavaged|instilled|exchanged|administered|achieved|completed|underwent|carried\s+out)\b`)

	// statusPhraseRe marks a device described as merely present or patent.
	statusPhraseRe = regexp.MustCompile(`(?i)\b(?:in\s+(?:good|satisfactory|stable|unchanged)\s+position|remains?\s+in\s+(?:place|position)|remains?\s+patent|patent|well[- ]positioned|previously\s+placed|existing|unchanged\s+in\s+position|without\s+migration)\b`)

	// deviceNounRe anchors the status and discontinuation rules to an actual
	// device mention in the window.
	deviceNounRe = regexp.MustCompile(`(?i)\b(?:stent|chest\s+tube|pigtail|catheter|drain|tube)\b`)

	// removalVerbRe and insertionVerbRe split the action vocabulary for the
	// discontinuation rule.
	removalVerbRe   = regexp.MustCompile(`(?i)\b(?:removed|discontinued|withdrawn|pulled|taken\s+out|retrieved|explanted)\b`)
	insertionVerbRe = regexp.MustCompile(`(?i)\b(?:inserted|placed|deployed|introduced|advanced|implanted|re-?positioned)\b`)

	// punctureVocabRe is the thoracentesis-not-drainage vocabulary.
	punctureVocabRe = regexp.MustCompile(`(?i)\b(?:thoracentesis|needle\s+aspiration|pleural\s+(?:puncture|tap)|fluid\s+(?:was\s+)?aspirated|aspirated\s+(?:\d+\s*m?L\s+of\s+)?(?:pleural|serous|straw[- ]colored)\s+fluid)\b`)

	// drainageVocabRe recognizes an actual drainage device event, which
	// exempts the candidate from the puncture rewrite.
	drainageVocabRe = regexp.MustCompile(`(?i)\b(?:chest\s+tube|pigtail|thoracostomy|drainage\s+catheter|catheter\s+(?:was\s+)?(?:left|secured|sutured|connected))\b`)

	// negationPrefixRe matches when a negation token precedes the position it
	// is anchored to within the same clause.  "no intervention performed"
	// must not count as a completed action.
	negationPrefixRe = regexp.MustCompile(`(?i)\b(?:no|not|without|never)\b[^.;:\n]{0,40}$`)
)

// anyAffirmativeAction reports whether any window contains a completed-action
// verb that is not negated within its clause.
func anyAffirmativeAction(windows []string) bool {
	for _, w := range windows {
		for _, loc := range actionVerbRe.FindAllStringIndex(w, -1) {
			if !negationPrefixRe.MatchString(w[:loc[0]]) {
				return true
			}
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Filter
// ─────────────────────────────────────────────────────────────────────────────

// FilterConfig parameterizes the filter pass.
type FilterConfig struct {
	// WindowChars is the radius, in bytes, of the context window taken
	// around each evidence span.
	WindowChars int `json:"window_chars" yaml:"window_chars"`
}

// DefaultFilterConfig returns the production defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{WindowChars: 80}
}

// Filter applies the suppression and rewrite rules.
type Filter struct {
	cfg    FilterConfig
	logger logging.Logger
}

// NewFilter constructs a Filter.  A nil logger falls back to the nop logger.
func NewFilter(cfg FilterConfig, logger logging.Logger) *Filter {
	if cfg.WindowChars <= 0 {
		cfg.WindowChars = DefaultFilterConfig().WindowChars
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Filter{cfg: cfg, logger: logger.Named("guardrails")}
}

// outcome is a matched rule's effect on one candidate.
type outcome struct {
	rule     string
	action   Action
	newPath  string
	newClass clinical.PriorityClass
}

// Apply runs every rule over every candidate and returns the surviving set
// plus the verdicts issued.  Candidates the rules do not touch pass through
// unchanged and in their original order.  Rules match disjoint candidate
// shapes, so evaluation order between them is immaterial.
func (f *Filter) Apply(note string, cands []clinical.CandidateDetection) ([]clinical.CandidateDetection, []Verdict) {
	if len(cands) == 0 {
		return nil, nil
	}

	out := make([]clinical.CandidateDetection, 0, len(cands))
	var verdicts []Verdict

	for _, c := range cands {
		o := f.evaluate(note, c)
		if o == nil {
			out = append(out, c)
			continue
		}

		v := Verdict{Rule: o.rule, Action: o.action, FieldPath: c.FieldPath}
		switch o.action {
		case ActionDrop:
			f.logger.Debug("guardrail dropped candidate",
				logging.String("rule", o.rule),
				logging.String("field_path", c.FieldPath),
				logging.String("extractor", c.ExtractorID))
		case ActionDowngrade:
			v.NewClass = o.newClass
			c.PriorityClass = o.newClass
			out = append(out, c)
			f.logger.Debug("guardrail downgraded candidate",
				logging.String("rule", o.rule),
				logging.String("field_path", c.FieldPath),
				logging.String("new_class", string(o.newClass)))
		case ActionRewrite:
			v.NewPath = o.newPath
			c.FieldPath = o.newPath
			out = append(out, c)
			f.logger.Debug("guardrail rewrote candidate",
				logging.String("rule", o.rule),
				logging.String("field_path", v.FieldPath),
				logging.String("new_path", o.newPath))
		}
		verdicts = append(verdicts, v)
	}
	return out, verdicts
}

// evaluate returns the first matching rule's outcome, or nil when no rule
// matches.  Each rule guards on a distinct (field set, context) shape.
func (f *Filter) evaluate(note string, c clinical.CandidateDetection) *outcome {
	// Negation candidates and detail values are never rule targets: the
	// former already assert absence, the latter only annotate a flag.
	if c.PriorityClass == clinical.PriorityExplicitNegation {
		return nil
	}
	if _, ok := c.Value.(bool); !ok {
		return nil
	}
	if c.Value != true {
		return nil
	}

	windows := f.windows(note, c)

	if o := f.ruleDiscontinuation(windows, c); o != nil {
		return o
	}
	if o := f.rulePuncture(windows, c); o != nil {
		return o
	}
	if o := f.ruleStatusNotEvent(windows, c); o != nil {
		return o
	}
	if o := f.ruleToolMention(windows, c); o != nil {
		return o
	}
	return nil
}

// windows slices the note around each evidence span, clamped to note bounds.
func (f *Filter) windows(note string, c clinical.CandidateDetection) []string {
	ws := make([]string, 0, len(c.Evidence))
	for _, ev := range c.Evidence {
		start := ev.Span[0] - f.cfg.WindowChars
		if start < 0 {
			start = 0
		}
		end := ev.Span[1] + f.cfg.WindowChars
		if end > len(note) {
			end = len(note)
		}
		if start >= end {
			continue
		}
		ws = append(ws, note[start:end])
	}
	return ws
}

func anyMatch(re *regexp.Regexp, windows []string) bool {
	for _, w := range windows {
		if re.MatchString(w) {
			return true
		}
	}
	return false
}

// ruleToolMention drops narrative candidates on interventional flags whose
// context has no completed-action verb, and downgrades verb-less mentions of
// diagnostic-modality flags to the weakest class instead.
func (f *Filter) ruleToolMention(windows []string, c clinical.CandidateDetection) *outcome {
	if c.PriorityClass != clinical.PriorityNarrative {
		return nil
	}
	if anyAffirmativeAction(windows) {
		return nil
	}
	if interventionalFlags[c.FieldPath] {
		return &outcome{rule: RuleToolMentionWithoutAction, action: ActionDrop}
	}
	if mentionOnlyFlags[c.FieldPath] {
		return &outcome{
			rule:     RuleToolMentionWithoutAction,
			action:   ActionDowngrade,
			newClass: clinical.PriorityCheckboxTemplate,
		}
	}
	return nil
}

// ruleStatusNotEvent drops placement/removal candidates whose context
// describes an already-present device rather than an event.  A completed
// action verb anywhere in the window exempts the candidate.
func (f *Filter) ruleStatusNotEvent(windows []string, c clinical.CandidateDetection) *outcome {
	if !deviceEventFlags[c.FieldPath] {
		return nil
	}
	if !anyMatch(statusPhraseRe, windows) || !anyMatch(deviceNounRe, windows) {
		return nil
	}
	if anyAffirmativeAction(windows) {
		return nil
	}
	return &outcome{rule: RuleStatusNotEvent, action: ActionDrop}
}

// ruleDiscontinuation rewrites an insertion candidate to its removal
// counterpart when the context pairs the device with a removal verb and no
// insertion verb.
func (f *Filter) ruleDiscontinuation(windows []string, c clinical.CandidateDetection) *outcome {
	target, ok := insertionRewrites[c.FieldPath]
	if !ok {
		return nil
	}
	if !anyMatch(deviceNounRe, windows) || !anyMatch(removalVerbRe, windows) {
		return nil
	}
	if anyMatch(insertionVerbRe, windows) {
		return nil
	}
	return &outcome{rule: RuleDiscontinuationRewrite, action: ActionRewrite, newPath: target}
}

// rulePuncture rewrites a drainage-insertion candidate to thoracentesis when
// the context carries puncture/aspiration vocabulary and no drainage-device
// event.
func (f *Filter) rulePuncture(windows []string, c clinical.CandidateDetection) *outcome {
	if c.FieldPath != "pleural.chest_tube.inserted" {
		return nil
	}
	if !anyMatch(punctureVocabRe, windows) {
		return nil
	}
	if anyMatch(drainageVocabRe, windows) {
		return nil
	}
	return &outcome{rule: RulePunctureNotDrainage, action: ActionRewrite, newPath: "pleural.thoracentesis"}
}
