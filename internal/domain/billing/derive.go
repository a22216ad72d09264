package billing

import (
	"fmt"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Derive maps a frozen registry record to billing codes. It is a pure
// function of (record, catalog, opts): no I/O, no randomness, same inputs
// always produce the same entries in the same order.
//
// The pass walks the catalog in order, skipping add-ons whose qualifying
// primaries were not emitted, then applies bundling suppression, attaches
// distinct-site modifiers, and finally drops any entry whose evidence union
// came up empty, returning a warning per dropped entry.
func Derive(rec *registry.RegistryRecord, catalog []Descriptor, opts DeriveOptions) ([]clinical.CodeEntry, []string, error) {
	if rec == nil {
		return nil, nil, errors.New(errors.ErrCodeValidation, "derivation requires a registry record")
	}
	if !rec.Frozen() {
		return nil, nil, errors.New(errors.ErrCodeValidation, "derivation requires a frozen registry record")
	}
	if err := ValidateCatalog(catalog); err != nil {
		return nil, nil, err
	}
	opts = opts.normalized()

	emitted := make(map[string]bool, len(catalog))
	entries := make([]clinical.CodeEntry, 0, 8)

	for _, d := range catalog {
		if len(d.Requires) > 0 && !anyEmitted(emitted, d.Requires) {
			continue
		}
		em, ok := d.Predicate(rec, opts)
		if !ok {
			continue
		}
		quantity := em.Quantity
		if quantity < 1 {
			quantity = 1
		}
		entries = append(entries, clinical.CodeEntry{
			Code:        d.Code,
			Description: d.Description,
			DerivedFrom: em.DerivedFrom,
			Evidence:    evidenceUnion(rec, em.DerivedFrom),
			Quantity:    quantity,
		})
		emitted[d.Code] = true
	}

	entries, modifierTargets := applyBundling(entries, rec, catalog)
	entries = attachDistinctSiteModifier(entries, modifierTargets, opts.DistinctSiteModifier)

	var warnings []string
	kept := entries[:0]
	for _, e := range entries {
		if len(e.Evidence) == 0 {
			warnings = append(warnings, fmt.Sprintf(
				"%s: derived code %s dropped, evidence union is empty",
				errors.ErrCodeDerivationEvidenceEmpty, e.Code))
			continue
		}
		kept = append(kept, e)
	}
	return kept, warnings, nil
}

// normalized fills zero-valued options from the defaults so direct library
// callers get sane behavior without configuration plumbing.
func (o DeriveOptions) normalized() DeriveOptions {
	def := DefaultDeriveOptions()
	if o.StationTierBoundary < 1 {
		o.StationTierBoundary = def.StationTierBoundary
	}
	if o.MinSedationMinutes < 1 {
		o.MinSedationMinutes = def.MinSedationMinutes
	}
	if o.SedationUnitMinutes < 1 {
		o.SedationUnitMinutes = def.SedationUnitMinutes
	}
	if o.DistinctSiteModifier == "" {
		o.DistinctSiteModifier = def.DistinctSiteModifier
	}
	return o
}

func anyEmitted(emitted map[string]bool, codes []string) bool {
	for _, c := range codes {
		if emitted[c] {
			return true
		}
	}
	return false
}

// evidenceUnion collects the deduplicated evidence of every flag path the
// code derives from. Detail paths carry provenance but no spans of their own.
func evidenceUnion(rec *registry.RegistryRecord, paths []string) []clinical.EvidenceSpan {
	type key struct {
		source     string
		start, end int
		text       string
	}
	seen := make(map[key]struct{})
	var union []clinical.EvidenceSpan
	for _, path := range paths {
		if !registry.IsFlagPath(path) {
			continue
		}
		f, err := rec.FlagAt(path)
		if err != nil {
			continue
		}
		for _, s := range f.Evidence {
			k := key{source: s.Source, start: s.Start(), end: s.End(), text: s.Text}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			union = append(union, s)
		}
	}
	return union
}
