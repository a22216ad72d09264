package coding

import (
	"fmt"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/note_bert"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Omission pairs the registry field that looks silently dropped with the
// warning surfaced to the caller. The field path stays internal: the
// corrective pass needs it to target its review, the response envelope only
// carries the warning.
type Omission struct {
	FieldPath string
	Warning   clinical.OmissionWarning
}

// watchEntry is one high-value procedure the scanner re-examines after
// assembly. Threshold of zero defers to the configured minimum.
type watchEntry struct {
	fieldPath string
	codeHint  string
	threshold float64
}

// The watch list covers the procedures where a guardrail over-suppression is
// expensive: each maps to a distinct billable code. Order is the emission
// order of warnings.
var watchList = []watchEntry{
	{fieldPath: "bronch.lavage", codeHint: "31624"},
	{fieldPath: "bronch.endobronchial_biopsy", codeHint: "31625"},
	{fieldPath: "bronch.transbronchial_biopsy", codeHint: "31628"},
	{fieldPath: "bronch.ebus", codeHint: "31652"},
	{fieldPath: "bronch.navigation", codeHint: "31627"},
	{fieldPath: "bronch.radial_ebus", codeHint: "31654"},
	{fieldPath: "bronch.cryotherapy", codeHint: "31641"},
	{fieldPath: "bronch.stent.placed", codeHint: "31636"},
	{fieldPath: "pleural.chest_tube.inserted", codeHint: "32551"},
	{fieldPath: "pleural.thoracentesis", codeHint: "32554"},
	{fieldPath: "imaging.chest_ultrasound", codeHint: "76604"},
}

// OmissionScanner is the pipeline's self-audit against its own filters: it
// re-reads the learned extractor's raw, pre-guardrail confidences and flags
// watch-listed fields the assembled record left unset. It never mutates the
// record.
type OmissionScanner struct {
	cfg    config.OmissionConfig
	logger logging.Logger
}

// NewOmissionScanner builds a scanner with the configured threshold.
func NewOmissionScanner(cfg config.OmissionConfig, logger logging.Logger) *OmissionScanner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &OmissionScanner{cfg: cfg, logger: logger.Named("omission")}
}

// Scan compares the raw learned signal against the assembled record. A watch
// entry raises a warning when its raw confidence meets the threshold while
// the record marks the field not performed. A nil signal (learned extractor
// disabled or unavailable) scans nothing.
func (s *OmissionScanner) Scan(rec *registry.RegistryRecord, signal note_bert.RawSignal) []Omission {
	if rec == nil || len(signal) == 0 {
		return nil
	}

	var out []Omission
	for _, entry := range watchList {
		raw, ok := signal[entry.fieldPath]
		if !ok {
			continue
		}
		threshold := entry.threshold
		if threshold <= 0 {
			threshold = s.cfg.MinConfidence
		}
		if raw < threshold {
			continue
		}

		flag, err := rec.FlagAt(entry.fieldPath)
		if err != nil {
			s.logger.Warn("watch list names an unknown field path",
				logging.String("field_path", entry.fieldPath),
				logging.Err(err))
			continue
		}
		if flag.Performed {
			continue
		}

		om := Omission{
			FieldPath: entry.fieldPath,
			Warning: clinical.OmissionWarning{
				CodeHint: entry.codeHint,
				Reason: fmt.Sprintf(
					"raw signal %.2f for %s meets the %.2f watch threshold but the record marks it not performed",
					raw, entry.fieldPath, threshold),
				TriggeringConfidence: raw,
			},
		}
		out = append(out, om)
		s.logger.Info("possible omission",
			logging.String("field_path", entry.fieldPath),
			logging.String("code_hint", entry.codeHint),
			logging.Float64("raw_confidence", raw))
	}
	return out
}

// Warnings strips the field paths off for the response envelope.
func Warnings(omissions []Omission) []clinical.OmissionWarning {
	if len(omissions) == 0 {
		return nil
	}
	out := make([]clinical.OmissionWarning, len(omissions))
	for i, om := range omissions {
		out[i] = om.Warning
	}
	return out
}
