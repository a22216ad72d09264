package billing

import (
	"strings"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Bundling suppression. Two rules ship today:
//
//  1. The diagnostic bronchoscopy base code is included in every surgical
//     bronchoscopy and never bills alongside one.
//  2. Dilation at the site where a stent was then placed is part of the
//     stent placement. Dilation at a provably distinct site survives and
//     the modifier pass marks it.
//
// Suppression is not an error: the suppressed act happened, it is just not
// separately billable.

// applyBundling returns the surviving entries in their original order plus
// the codes the modifier pass must mark as distinct-site.
func applyBundling(entries []clinical.CodeEntry, rec *registry.RegistryRecord, catalog []Descriptor) ([]clinical.CodeEntry, []string) {
	if len(entries) == 0 {
		return entries, nil
	}

	byCode := make(map[string]Descriptor, len(catalog))
	for _, d := range catalog {
		byCode[d.Code] = d
	}

	suppressed := make(map[string]bool)
	var modifierTargets []string

	// Rule 1: any non-diagnostic primary of a family suppresses that family's
	// diagnostic base code. Add-ons do not count: they may be anchored to the
	// very base they would otherwise suppress.
	surgicalFamilies := make(map[string]bool)
	for _, e := range entries {
		d := byCode[e.Code]
		if d.Family != "" && !d.Diagnostic && len(d.Requires) == 0 {
			surgicalFamilies[d.Family] = true
		}
	}
	for _, e := range entries {
		d := byCode[e.Code]
		if d.Diagnostic && surgicalFamilies[d.Family] {
			suppressed[e.Code] = true
		}
	}

	// Rule 2: dilation vs stent placement, decided on anatomic sites.
	if hasCode(entries, CodeDilation) && hasCode(entries, CodeStentPlacement) {
		dilationSites := descriptorSites(byCode[CodeDilation], rec)
		stentSites := descriptorSites(byCode[CodeStentPlacement], rec)
		if sitesProvablyDistinct(dilationSites, stentSites) {
			modifierTargets = append(modifierTargets, CodeDilation)
		} else {
			// Same site, or sites not documented well enough to prove
			// otherwise: bundle conservatively.
			suppressed[CodeDilation] = true
		}
	}

	if len(suppressed) == 0 {
		return entries, modifierTargets
	}
	kept := entries[:0]
	for _, e := range entries {
		if suppressed[e.Code] {
			continue
		}
		kept = append(kept, e)
	}
	return kept, modifierTargets
}

func hasCode(entries []clinical.CodeEntry, code string) bool {
	for _, e := range entries {
		if e.Code == code {
			return true
		}
	}
	return false
}

func descriptorSites(d Descriptor, rec *registry.RegistryRecord) []string {
	if d.Sites == nil {
		return nil
	}
	return d.Sites(rec)
}

// sitesProvablyDistinct requires documented sites on both codes and no
// overlap between them after normalization.
func sitesProvablyDistinct(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[normalizeSite(s)] = true
	}
	for _, s := range b {
		if seen[normalizeSite(s)] {
			return false
		}
	}
	return true
}

// normalizeSite canonicalizes free-text anatomic sites for comparison.
func normalizeSite(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
