package billing

import (
	"sort"

	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// ReconcileOptions carries the reconciler threshold.
type ReconcileOptions struct {
	// LowConfidence is the predictor confidence below which a single
	// predictor-only code asks for review rather than audit.
	LowConfidence float64
}

// DefaultReconcileOptions mirrors the configuration defaults.
func DefaultReconcileOptions() ReconcileOptions {
	return ReconcileOptions{LowConfidence: 0.50}
}

// Reconcile cross-checks the derived code set against the secondary
// predictor's proposals. The predictor never adds or removes codes; its only
// power is to change the review disposition:
//
//   - every predicted code also derived → auto_approve
//   - exactly one predictor-only code, below the low-confidence threshold →
//     review_needed (likely predictor noise, a human glance suffices)
//   - anything else the predictor saw and derivation missed → flag_for_audit
func Reconcile(derived []clinical.CodeEntry, predicted []clinical.PredictedCode, opts ReconcileOptions) clinical.ReconciliationResult {
	if opts.LowConfidence <= 0 {
		opts.LowConfidence = DefaultReconcileOptions().LowConfidence
	}

	derivedSet := make(map[string]bool, len(derived))
	for _, e := range derived {
		derivedSet[e.Code] = true
	}

	// Keep the highest confidence when the predictor repeats a code.
	predictedConf := make(map[string]float64, len(predicted))
	for _, p := range predicted {
		if conf, ok := predictedConf[p.Code]; !ok || p.Confidence > conf {
			predictedConf[p.Code] = p.Confidence
		}
	}

	var matched, derivationOnly, predictorOnly []string
	for code := range derivedSet {
		if _, ok := predictedConf[code]; ok {
			matched = append(matched, code)
		} else {
			derivationOnly = append(derivationOnly, code)
		}
	}
	for code := range predictedConf {
		if !derivedSet[code] {
			predictorOnly = append(predictorOnly, code)
		}
	}
	sort.Strings(matched)
	sort.Strings(derivationOnly)
	sort.Strings(predictorOnly)

	recommendation := clinical.RecommendFlagForAudit
	switch {
	case len(predictorOnly) == 0:
		recommendation = clinical.RecommendAutoApprove
	case len(predictorOnly) == 1 && predictedConf[predictorOnly[0]] < opts.LowConfidence:
		recommendation = clinical.RecommendReviewNeeded
	}

	return clinical.ReconciliationResult{
		Matched:        matched,
		DerivationOnly: derivationOnly,
		PredictorOnly:  predictorOnly,
		Recommendation: recommendation,
	}
}
