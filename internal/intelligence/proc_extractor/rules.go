package proc_extractor

import (
	"regexp"
	"strings"

	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// ─────────────────────────────────────────────────────────────────────────────
// Field phrase lexicon
// ─────────────────────────────────────────────────────────────────────────────

// fieldPhrases maps each extractable flag path to an alternation matching how
// notes name the procedure. The same lexicon feeds the header scanner, the
// checkbox scanner, and the generated negation rules, so all four families
// agree on what counts as a mention.
var fieldPhrases = map[string]string{
	"bronch.diagnostic":             `(?:flexible\s+|rigid\s+)?bronchoscopy|bronchoscope`,
	"bronch.lavage":                 `bronchoalveolar\s+lavage|BAL\b|lavage`,
	"bronch.endobronchial_biopsy":   `endobronchial\s+biops(?:y|ies)|EBBX`,
	"bronch.transbronchial_biopsy":  `transbronchial\s+(?:lung\s+)?biops(?:y|ies)|TBBX`,
	"bronch.ebus":                   `EBUS(?:-TBNA)?|endobronchial\s+ultrasound(?:-guided)?`,
	"bronch.radial_ebus":            `radial\s+(?:probe\s+)?(?:EBUS|endobronchial\s+ultrasound)|r-EBUS`,
	"bronch.navigation":             `(?:electromagnetic\s+)?navigation(?:al)?\s+bronchoscopy|ENB\b`,
	"bronch.cryotherapy":            `cryo(?:therapy|ablation)`,
	"bronch.dilation":               `(?:balloon\s+)?(?:airway\s+|bronchial\s+|tracheal\s+)?dilat(?:ion|ation)`,
	"bronch.stent.placed":           `stent\s+(?:placement|deployment|insertion)`,
	"bronch.stent.removed":          `stent\s+(?:removal|retrieval)`,
	"bronch.foreign_body":           `foreign\s+body\s+(?:removal|retrieval|extraction)`,
	"bronch.therapeutic_aspiration": `therapeutic\s+aspiration`,
	"pleural.chest_tube.inserted":   `(?:chest\s+tube|pigtail\s+catheter|thoracostomy\s+tube)\s+(?:insertion|placement)`,
	"pleural.chest_tube.removed":    `(?:chest\s+tube|pigtail\s+catheter|thoracostomy\s+tube)\s+removal`,
	"pleural.thoracentesis":         `thoracentesis`,
	"imaging.chest_ultrasound":      `(?:bedside\s+|point[- ]of[- ]care\s+)?(?:chest|thoracic)\s+ultrasound|POCUS`,
	"sedation.moderate":             `moderate\s+(?:conscious\s+)?sedation|conscious\s+sedation`,
}

// phraseOrder fixes the iteration order over fieldPhrases so candidate output
// is deterministic. More specific procedures come before bronch.diagnostic,
// whose phrase would also match inside theirs.
var phraseOrder = []string{
	"bronch.lavage",
	"bronch.endobronchial_biopsy",
	"bronch.transbronchial_biopsy",
	"bronch.radial_ebus",
	"bronch.ebus",
	"bronch.navigation",
	"bronch.cryotherapy",
	"bronch.dilation",
	"bronch.stent.placed",
	"bronch.stent.removed",
	"bronch.foreign_body",
	"bronch.therapeutic_aspiration",
	"pleural.chest_tube.inserted",
	"pleural.chest_tube.removed",
	"pleural.thoracentesis",
	"imaging.chest_ultrasound",
	"sedation.moderate",
	"bronch.diagnostic",
}

// ─────────────────────────────────────────────────────────────────────────────
// Narrative action rules
// ─────────────────────────────────────────────────────────────────────────────

// narrativeRule asserts a flag when prose describes the act being done, not
// merely the tool or plan.
type narrativeRule struct {
	fieldPath  string
	re         *regexp.Regexp
	confidence float64
}

var narrativeRules = []narrativeRule{
	{"bronch.diagnostic", regexp.MustCompile(`(?i)\b(?:flexible\s+|rigid\s+)?bronchoscopy\s+was\s+(?:performed|carried\s+out|completed)`), 0.85},
	{"bronch.diagnostic", regexp.MustCompile(`(?i)\bthe\s+bronchoscope\s+was\s+(?:advanced|introduced|passed)\b`), 0.80},
	{"bronch.diagnostic", regexp.MustCompile(`(?i)\bairways?\s+(?:were|was)\s+(?:inspected|examined|surveyed)\b`), 0.70},
	{"bronch.lavage", regexp.MustCompile(`(?i)\b(?:bronchoalveolar\s+lavage|BAL)\s+was\s+(?:performed|obtained|collected|done)`), 0.88},
	{"bronch.lavage", regexp.MustCompile(`(?i)\blavage\s+(?:was\s+performed|returned\s+\d+\s*(?:ml|cc))`), 0.80},
	{"bronch.endobronchial_biopsy", regexp.MustCompile(`(?i)\bendobronchial\s+biops(?:y|ies)\s+(?:was|were)\s+(?:performed|obtained|taken)`), 0.88},
	{"bronch.transbronchial_biopsy", regexp.MustCompile(`(?i)\btransbronchial\s+(?:lung\s+)?biops(?:y|ies)\s+(?:was|were)\s+(?:performed|obtained|taken)`), 0.88},
	{"bronch.ebus", regexp.MustCompile(`(?i)\bEBUS(?:-TBNA)?\s+was\s+(?:performed|used\s+to\s+sample)`), 0.88},
	{"bronch.ebus", regexp.MustCompile(`(?i)\bendobronchial\s+ultrasound(?:-guided)?\s+(?:transbronchial\s+needle\s+aspiration\s+)?was\s+performed`), 0.85},
	{"bronch.ebus", regexp.MustCompile(`(?i)\bstations?\s+[0-9]{1,2}[RL]?\b[^\n.]{0,60}?\b(?:sampled|aspirated|punctured)`), 0.80},
	{"bronch.radial_ebus", regexp.MustCompile(`(?i)\bradial\s+(?:probe\s+)?(?:EBUS|endobronchial\s+ultrasound)\s+(?:was\s+)?(?:performed|used|confirmed|demonstrated)`), 0.85},
	{"bronch.navigation", regexp.MustCompile(`(?i)\b(?:electromagnetic\s+)?navigation(?:al)?\s+bronchoscopy\s+was\s+(?:performed|used)`), 0.85},
	{"bronch.navigation", regexp.MustCompile(`(?i)\bnavigated\s+to\s+the\s+(?:target|lesion|nodule)\b`), 0.78},
	{"bronch.cryotherapy", regexp.MustCompile(`(?i)\bcryo(?:therapy|ablation)\s+was\s+(?:performed|applied|delivered)`), 0.85},
	{"bronch.dilation", regexp.MustCompile(`(?i)\b(?:balloon\s+)?dilat(?:ion|ation)\s+was\s+performed`), 0.85},
	{"bronch.dilation", regexp.MustCompile(`(?i)\b(?:airway|stenosis|stricture)\s+was\s+dilated\b`), 0.82},
	{"bronch.stent.placed", regexp.MustCompile(`(?i)\bstent\s+was\s+(?:deployed|placed|positioned|inserted)`), 0.88},
	{"bronch.stent.placed", regexp.MustCompile(`(?i)\b(?:deployed|placed)\s+an?\s+(?:\w+\s+){0,3}stent\b`), 0.85},
	{"bronch.stent.removed", regexp.MustCompile(`(?i)\bstent\s+was\s+(?:removed|retrieved|extracted)`), 0.88},
	{"bronch.foreign_body", regexp.MustCompile(`(?i)\bforeign\s+body\s+was\s+(?:removed|retrieved|extracted)`), 0.88},
	{"bronch.therapeutic_aspiration", regexp.MustCompile(`(?i)\btherapeutic\s+aspiration\s+(?:of\s+\w+\s+)?was\s+performed`), 0.85},
	{"bronch.therapeutic_aspiration", regexp.MustCompile(`(?i)\b(?:copious\s+|thick\s+)?secretions\s+were\s+(?:therapeutically\s+)?aspirated\b`), 0.75},
	{"pleural.chest_tube.inserted", regexp.MustCompile(`(?i)\b(?:chest\s+tube|pigtail\s+catheter|thoracostomy\s+tube)\s+was\s+(?:inserted|placed|advanced|positioned)`), 0.88},
	{"pleural.chest_tube.removed", regexp.MustCompile(`(?i)\b(?:chest\s+tube|pigtail(?:\s+catheter)?|thoracostomy\s+tube)\s+was\s+(?:removed|withdrawn|pulled)`), 0.88},
	{"pleural.thoracentesis", regexp.MustCompile(`(?i)\bthoracentesis\s+was\s+performed`), 0.88},
	{"imaging.chest_ultrasound", regexp.MustCompile(`(?i)\b(?:bedside\s+|point[- ]of[- ]care\s+)?(?:chest|thoracic)\s+ultrasound\s+was\s+(?:performed|used|obtained)`), 0.82},
	{"imaging.chest_ultrasound", regexp.MustCompile(`(?i)\bunder\s+(?:real[- ]time\s+)?ultrasound\s+guidance\b`), 0.75},
	{"sedation.moderate", regexp.MustCompile(`(?i)\bmoderate\s+(?:conscious\s+)?sedation\s+was\s+(?:provided|administered|achieved|given|maintained)`), 0.85},
}

// ─────────────────────────────────────────────────────────────────────────────
// Explicit negation rules
// ─────────────────────────────────────────────────────────────────────────────

// negationTemplates wrap a field phrase into statements that the procedure
// did not happen. Generated once at init from the shared lexicon.
var negationTemplates = []string{
	`no\s+(?:%s)\s+(?:was\s+|were\s+)?(?:performed|obtained|attempted|done)`,
	`(?:%s)\s+(?:was|were)\s+not\s+(?:performed|obtained|attempted|done)`,
	`without\s+(?:performing\s+)?(?:%s)`,
	`(?:%s)\s+(?:was|were)\s+(?:deferred|aborted|abandoned|not\s+attempted)`,
	`decision\s+was\s+made\s+not\s+to\s+(?:perform|proceed\s+with)\s+(?:%s)`,
}

type negationRule struct {
	fieldPath  string
	re         *regexp.Regexp
	confidence float64
}

var negationRules = buildNegationRules()

func buildNegationRules() []negationRule {
	var rules []negationRule
	for _, path := range phraseOrder {
		phrase := fieldPhrases[path]
		for _, tpl := range negationTemplates {
			pattern := `(?i)\b` + strings.Replace(tpl, "%s", phrase, 1)
			rules = append(rules, negationRule{
				fieldPath:  path,
				re:         regexp.MustCompile(pattern),
				confidence: 0.90,
			})
		}
	}
	return rules
}

// ─────────────────────────────────────────────────────────────────────────────
// Header and checkbox scanners
// ─────────────────────────────────────────────────────────────────────────────

var (
	// The listing header itself. Matches "PROCEDURE(S) PERFORMED:",
	// "PROCEDURES:", "PROCEDURE PERFORMED:".
	headerRe = regexp.MustCompile(`(?im)^[ \t]*PROCEDURE(?:\(S\)|S)?(?:[ \t]+PERFORMED)?[ \t]*:`)

	// A subsequent all-caps section header ends the listing block.
	sectionBreakRe = regexp.MustCompile(`(?m)^[ \t]*[A-Z][A-Z /()]{2,}:`)

	// One checkbox with its label. A checked box carries x or X.
	checkboxRe = regexp.MustCompile(`(?m)^[ \t]*[\[(]([ xX])[\])][ \t]*(.+)$`)
)

const (
	headerConfidence            = 0.80
	checkboxCheckedConfidence   = 0.90
	checkboxUncheckedConfidence = 0.85
	detailConfidence            = 0.80
	maxHeaderBlockLen           = 2000
)

// headerBlock is the span of a procedure listing: from the end of the header
// line to the first blank line or next section header.
type headerBlock struct {
	start int
	end   int
}

func findHeaderBlocks(note string) []headerBlock {
	var blocks []headerBlock
	for _, loc := range headerRe.FindAllStringIndex(note, -1) {
		start := loc[1]
		end := len(note)
		if i := strings.Index(note[start:], "\n\n"); i >= 0 {
			end = start + i
		}
		if m := sectionBreakRe.FindStringIndex(note[start:]); m != nil && start+m[0] < end {
			end = start + m[0]
		}
		if end-start > maxHeaderBlockLen {
			end = start + maxHeaderBlockLen
		}
		blocks = append(blocks, headerBlock{start: start, end: end})
	}
	return blocks
}

// ─────────────────────────────────────────────────────────────────────────────
// Detail rules
// ─────────────────────────────────────────────────────────────────────────────

// detailRule extracts a typed value for a detail path from a capture group.
type detailRule struct {
	fieldPath string
	re        *regexp.Regexp
	// parse converts the first capture group into the candidate value.
	// Returning ok=false drops the match.
	parse      func(raw string) (interface{}, bool)
	confidence float64
}

var lobeTokenRe = regexp.MustCompile(`(?i)\b(RUL|RML|RLL|LUL|LLL|lingula|right\s+(?:upper|middle|lower)\s+lobe|left\s+(?:upper|lower)\s+lobe)\b`)

var detailRules = []detailRule{
	{
		fieldPath:  "bronch.ebus.stations",
		re:         regexp.MustCompile(`(?i)\bstations?\s+((?:\d{1,2}[RL]?)(?:\s*,\s*(?:and\s+)?\d{1,2}[RL]?)*(?:\s*,?\s*and\s+\d{1,2}[RL]?)?)`),
		parse:      parseStationList,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.ebus.needle_gauge",
		re:         regexp.MustCompile(`(?i)\b(\d{2})[- ]gauge\s+(?:TBNA\s+)?needle\b`),
		parse:      func(raw string) (interface{}, bool) { return raw + "G", true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.lavage.sites",
		re:         regexp.MustCompile(`(?i)\b(?:bronchoalveolar\s+lavage|BAL|lavage)\s+(?:was\s+)?(?:performed|obtained|collected|done)\s+(?:in|from|at)\s+the\s+([^\n.;]{2,60})`),
		parse:      parseLobeList,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.transbronchial_biopsy.lobes",
		re:         regexp.MustCompile(`(?i)\btransbronchial\s+(?:lung\s+)?biops(?:y|ies)\s+(?:was|were)\s+(?:performed|obtained|taken)\s+(?:in|from)\s+the\s+([^\n.;]{2,60})`),
		parse:      parseLobeList,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.endobronchial_biopsy.count",
		re:         regexp.MustCompile(`(?i)\b(\d{1,2})\s+endobronchial\s+biops(?:y|ies)\b`),
		parse:      parseSmallInt,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.endobronchial_biopsy.sites",
		re:         regexp.MustCompile(`(?i)\bendobronchial\s+biops(?:y|ies)\s+(?:was|were)\s+(?:performed|obtained|taken)\s+(?:in|from|at)\s+the\s+([^\n.;]{2,60})`),
		parse:      parseSiteList,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.navigation.platform",
		re:         regexp.MustCompile(`(?i)\bnavigation(?:al)?\s+bronchoscopy\s+(?:was\s+)?(?:performed|used)\s+(?:with|using)\s+the\s+([A-Za-z][\w -]{1,40}?)\s+(?:system|platform)`),
		parse:      func(raw string) (interface{}, bool) { return strings.TrimSpace(raw), true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.dilation.sites",
		re:         regexp.MustCompile(`(?i)\b(?:balloon\s+)?dilat(?:ion|ation)\s+(?:was\s+)?performed\s+(?:in|at|of)\s+the\s+([^\n.;]{2,60})`),
		parse:      parseSiteList,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.cryotherapy.sites",
		re:         regexp.MustCompile(`(?i)\bcryo(?:therapy|ablation)\s+(?:was\s+)?(?:performed|applied|delivered)\s+(?:to|in|at)\s+the\s+([^\n.;]{2,60})`),
		parse:      parseSiteList,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.stent.site",
		re:         regexp.MustCompile(`(?i)\bstent\s+was\s+(?:deployed|placed|positioned|inserted)\s+(?:in|into|at|across)\s+the\s+([^\n.;]{2,60})`),
		parse:      parseSite,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "bronch.stent.device",
		re:         regexp.MustCompile(`(?i)\ba\s+(\d+\s*(?:x|by)\s*\d+\s*mm\s+[\w-]+(?:\s+[\w-]+)?)\s+stent\b`),
		parse:      func(raw string) (interface{}, bool) { return strings.TrimSpace(raw), true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "pleural.chest_tube.side",
		re:         regexp.MustCompile(`(?i)\b(right|left)[- ](?:sided\s+)?(?:chest\s+tube|pigtail\s+catheter|thoracostomy\s+tube)\b`),
		parse:      parseSideToken,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "pleural.chest_tube.device",
		re:         regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:Fr|French)\s+(?:pigtail\s+catheter|chest\s+tube|thoracostomy\s+tube)\b`),
		parse:      func(raw string) (interface{}, bool) { return raw + " Fr", true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "pleural.thoracentesis.side",
		re:         regexp.MustCompile(`(?i)\b(right|left)[- ](?:sided\s+)?thoracentesis\b`),
		parse:      parseSideToken,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "sedation.moderate.start_time",
		re:         regexp.MustCompile(`(?i)\bsedation\s+start(?:\s+time)?\s*[:=]?\s*(\d{1,2}:\d{2})`),
		parse:      func(raw string) (interface{}, bool) { return padClock(raw), true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "sedation.moderate.end_time",
		re:         regexp.MustCompile(`(?i)\bsedation\s+(?:end|stop)(?:\s+time)?\s*[:=]?\s*(\d{1,2}:\d{2})`),
		parse:      func(raw string) (interface{}, bool) { return padClock(raw), true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "sedation.moderate.minutes",
		re:         regexp.MustCompile(`(?i)\b(?:total\s+)?sedation\s+time\s*(?:was\s+|[:=]\s*)?(\d{1,3})\s*min(?:ute)?s?\b`),
		parse:      parseSmallInt,
		confidence: detailConfidence,
	},
	{
		fieldPath:  "sedation.moderate.administered_by",
		re:         regexp.MustCompile(`(?i)\bsedation\s+(?:was\s+)?administered\s+by\s+the\s+((?:performing|same)\s+(?:physician|proceduralist|provider))`),
		parse:      func(string) (interface{}, bool) { return "same_physician", true },
		confidence: detailConfidence,
	},
	{
		fieldPath:  "sedation.moderate.administered_by",
		re:         regexp.MustCompile(`(?i)\bsedation\s+(?:was\s+)?administered\s+by\s+(?:the\s+)?(anesthesia(?:\s+team)?|CRNA|a\s+second\s+provider|nursing)`),
		parse:      func(string) (interface{}, bool) { return "other", true },
		confidence: detailConfidence,
	},
}

// ─────────────────────────────────────────────────────────────────────────────
// Parse helpers
// ─────────────────────────────────────────────────────────────────────────────

var stationSplitRe = regexp.MustCompile(`(?i)\s*,\s*(?:and\s+)?|\s+and\s+`)

func parseStationList(raw string) (interface{}, bool) {
	parts := stationSplitRe.Split(raw, -1)
	var stations []string
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			stations = append(stations, p)
		}
	}
	if len(stations) == 0 {
		return nil, false
	}
	return stations, true
}

func parseLobeList(raw string) (interface{}, bool) {
	tokens := lobeTokenRe.FindAllString(raw, -1)
	var lobes []string
	seen := make(map[string]bool)
	for _, tok := range tokens {
		c := canonicalLobe(tok)
		if !seen[c] {
			seen[c] = true
			lobes = append(lobes, c)
		}
	}
	if len(lobes) == 0 {
		return nil, false
	}
	return lobes, true
}

func canonicalLobe(tok string) string {
	t := strings.ToLower(strings.Join(strings.Fields(tok), " "))
	switch t {
	case "right upper lobe":
		return "RUL"
	case "right middle lobe":
		return "RML"
	case "right lower lobe":
		return "RLL"
	case "left upper lobe":
		return "LUL"
	case "left lower lobe":
		return "LLL"
	case "lingula":
		return "lingula"
	default:
		return strings.ToUpper(t)
	}
}

// parseSiteList keeps anatomic sites as written, split on commas and "and".
func parseSiteList(raw string) (interface{}, bool) {
	if lobes, ok := parseLobeList(raw); ok {
		return lobes, ok
	}
	parts := stationSplitRe.Split(raw, -1)
	var sites []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			sites = append(sites, p)
		}
	}
	if len(sites) == 0 {
		return nil, false
	}
	return sites, true
}

func parseSite(raw string) (interface{}, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}
	return s, true
}

func parseSideToken(raw string) (interface{}, bool) {
	return strings.ToLower(strings.TrimSpace(raw)), true
}

func parseSmallInt(raw string) (interface{}, bool) {
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return nil, false
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return nil, false
	}
	return n, true
}

// padClock normalizes "9:05" to "09:05" so registry clock parsing sees a
// fixed-width layout.
func padClock(raw string) string {
	if i := strings.Index(raw, ":"); i == 1 {
		return "0" + raw
	}
	return raw
}

// fieldPhraseRes holds the compiled lexicon, built once.
var fieldPhraseRes = buildPhraseRes()

func buildPhraseRes() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(fieldPhrases))
	for path, phrase := range fieldPhrases {
		res[path] = regexp.MustCompile(`(?i)\b(?:` + phrase + `)`)
	}
	return res
}

// spanFor builds an evidence span whose text is the literal note slice at
// the given offsets.
func spanFor(note string, start, end int, source string, confidence float64) clinical.EvidenceSpan {
	return clinical.EvidenceSpan{
		Source:     source,
		Text:       note[start:end],
		Span:       [2]int{start, end},
		Confidence: confidence,
	}
}
