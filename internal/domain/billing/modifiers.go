package billing

import (
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// attachDistinctSiteModifier marks the codes the bundling pass cleared as
// distinct-site survivors. The modifier lands on the lower-ranked code of
// the pair (the one that would otherwise have been bundled), never on the
// anchor code.
func attachDistinctSiteModifier(entries []clinical.CodeEntry, targets []string, modifier string) []clinical.CodeEntry {
	if len(targets) == 0 || modifier == "" {
		return entries
	}
	targetSet := make(map[string]bool, len(targets))
	for _, code := range targets {
		targetSet[code] = true
	}
	for i := range entries {
		if !targetSet[entries[i].Code] || entries[i].HasModifier(modifier) {
			continue
		}
		entries[i].Modifiers = append(entries[i].Modifiers, modifier)
	}
	return entries
}
