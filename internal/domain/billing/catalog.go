// Package billing implements the code derivation engine and the reconciler:
// a catalog of billing-code descriptors with predicates over the frozen
// registry record, the deterministic derivation pass with bundling and
// modifier handling, and the cross-check against the secondary predictor's
// code set.
package billing

import (
	"fmt"
	"strings"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// DeriveOptions carries the tunable thresholds the derivation engine reads.
// The application layer maps these from configuration.
type DeriveOptions struct {
	// StationTierBoundary is the sampled-station count at which EBUS-TBNA
	// moves from the 1-2 station code to the 3-or-more code.
	StationTierBoundary int
	// MinSedationMinutes is the shortest documented sedation interval that
	// produces a sedation code at all.
	MinSedationMinutes int
	// SedationUnitMinutes is the block size of one sedation unit; additional
	// units accrue past the initial block using midpoint rounding.
	SedationUnitMinutes int
	// DistinctSiteModifier marks the lower-ranked code of a bundle pair
	// performed at distinct anatomic sites.
	DistinctSiteModifier string
}

// DefaultDeriveOptions mirrors the configuration defaults.
func DefaultDeriveOptions() DeriveOptions {
	return DeriveOptions{
		StationTierBoundary:  3,
		MinSedationMinutes:   10,
		SedationUnitMinutes:  15,
		DistinctSiteModifier: "59",
	}
}

// Emission is a predicate's positive answer: the registry field paths that
// made the code eligible and the billed quantity.
type Emission struct {
	DerivedFrom []string
	Quantity    int
}

// Descriptor defines one billing code: its predicate over the record, the
// primaries it depends on, and the bundling attributes the suppression pass
// reads.
type Descriptor struct {
	Code        string
	Description string

	// Requires lists codes of which at least one must already be emitted
	// before this descriptor is evaluated. Empty for primary codes.
	Requires []string

	// Family groups codes for bundling ("bronch", "pleural", "imaging",
	// "sedation").
	Family string

	// Diagnostic marks the base diagnostic code of a family, suppressed when
	// any non-diagnostic code of the same family is emitted.
	Diagnostic bool

	// Sites returns the anatomic sites the emitted code addresses, read from
	// the record. Only consulted for bundle pairs; nil means no site
	// semantics.
	Sites func(rec *registry.RegistryRecord) []string

	// Predicate reports whether the record supports the code and, if so,
	// where it derives from. A zero Quantity is normalized to 1.
	Predicate func(rec *registry.RegistryRecord, opts DeriveOptions) (Emission, bool)
}

// Code families used by the bundling pass.
const (
	FamilyBronch   = "bronch"
	FamilyPleural  = "pleural"
	FamilyImaging  = "imaging"
	FamilySedation = "sedation"
)

// Billing codes emitted by the default catalog.
const (
	CodeDiagnosticBronch     = "31622"
	CodeLavage               = "31624"
	CodeEndobronchialBiopsy  = "31625"
	CodeNavigation           = "31627"
	CodeTransbronchialBiopsy = "31628"
	CodeDilation             = "31630"
	CodeForeignBody          = "31635"
	CodeStentPlacement       = "31636"
	CodeStentRevision        = "31638"
	CodeTumorDestruction     = "31641"
	CodeTherapeuticAspirate  = "31645"
	CodeEBUSLow              = "31652"
	CodeEBUSHigh             = "31653"
	CodeRadialEBUS           = "31654"
	CodeThoracentesis        = "32554"
	CodeChestTube            = "32551"
	CodeChestUltrasound      = "76604"
	CodeSedationInitial      = "99152"
	CodeSedationAdditional   = "99153"
)

// bronchPrimaries qualify the bronchoscopy add-on codes.
var bronchPrimaries = []string{
	CodeDiagnosticBronch,
	CodeLavage,
	CodeEndobronchialBiopsy,
	CodeTransbronchialBiopsy,
	CodeDilation,
	CodeForeignBody,
	CodeStentPlacement,
	CodeStentRevision,
	CodeTumorDestruction,
	CodeTherapeuticAspirate,
	CodeEBUSLow,
	CodeEBUSHigh,
}

// flagEmission builds the common single-flag predicate.
func flagEmission(path string) func(*registry.RegistryRecord, DeriveOptions) (Emission, bool) {
	return func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
		f, err := rec.FlagAt(path)
		if err != nil || !f.Performed {
			return Emission{}, false
		}
		return Emission{DerivedFrom: []string{path}}, true
	}
}

// DefaultCatalog returns the descriptor set in dependency order: primaries
// first, add-ons after every primary they can attach to.
func DefaultCatalog() []Descriptor {
	return []Descriptor{
		{
			Code:        CodeDiagnosticBronch,
			Description: "Bronchoscopy, diagnostic, with or without cell washing",
			Family:      FamilyBronch,
			Diagnostic:  true,
			Predicate:   flagEmission("bronch.diagnostic"),
		},
		{
			Code:        CodeLavage,
			Description: "Bronchoscopy with bronchoalveolar lavage",
			Family:      FamilyBronch,
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.Lavage.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.lavage"}
				if len(rec.Bronch.Lavage.Sites) > 0 {
					from = append(from, "bronch.lavage.sites")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeEndobronchialBiopsy,
			Description: "Bronchoscopy with endobronchial biopsy, single or multiple sites",
			Family:      FamilyBronch,
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.EndobronchialBiopsy.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.endobronchial_biopsy"}
				if rec.Bronch.EndobronchialBiopsy.Count > 0 {
					from = append(from, "bronch.endobronchial_biopsy.count")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeTransbronchialBiopsy,
			Description: "Bronchoscopy with transbronchial lung biopsy, single lobe",
			Family:      FamilyBronch,
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.TransbronchialBiopsy.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.transbronchial_biopsy"}
				if len(rec.Bronch.TransbronchialBiopsy.Lobes) > 0 {
					from = append(from, "bronch.transbronchial_biopsy.lobes")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeDilation,
			Description: "Bronchoscopy with tracheal or bronchial dilation",
			Family:      FamilyBronch,
			Sites: func(rec *registry.RegistryRecord) []string {
				return rec.Bronch.Dilation.Sites
			},
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.Dilation.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.dilation"}
				if len(rec.Bronch.Dilation.Sites) > 0 {
					from = append(from, "bronch.dilation.sites")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeForeignBody,
			Description: "Bronchoscopy with removal of foreign body",
			Family:      FamilyBronch,
			Predicate:   flagEmission("bronch.foreign_body"),
		},
		{
			Code:        CodeStentPlacement,
			Description: "Bronchoscopy with placement of airway stent",
			Family:      FamilyBronch,
			Sites: func(rec *registry.RegistryRecord) []string {
				if rec.Bronch.Stent.Site == "" {
					return nil
				}
				return []string{rec.Bronch.Stent.Site}
			},
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.Stent.Placed.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.stent.placed"}
				if rec.Bronch.Stent.Site != "" {
					from = append(from, "bronch.stent.site")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeStentRevision,
			Description: "Bronchoscopy with revision or removal of airway stent",
			Family:      FamilyBronch,
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.Stent.Removed.Performed {
					return Emission{}, false
				}
				return Emission{DerivedFrom: []string{"bronch.stent.removed"}}, true
			},
		},
		{
			Code:        CodeTumorDestruction,
			Description: "Bronchoscopy with destruction of tumor or relief of stenosis (cryotherapy)",
			Family:      FamilyBronch,
			Sites: func(rec *registry.RegistryRecord) []string {
				return rec.Bronch.Cryotherapy.Sites
			},
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.Cryotherapy.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.cryotherapy"}
				if len(rec.Bronch.Cryotherapy.Sites) > 0 {
					from = append(from, "bronch.cryotherapy.sites")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeTherapeuticAspirate,
			Description: "Bronchoscopy with therapeutic aspiration of tracheobronchial tree",
			Family:      FamilyBronch,
			Predicate:   flagEmission("bronch.therapeutic_aspiration"),
		},
		{
			Code:        CodeEBUSLow,
			Description: "Bronchoscopy with EBUS-guided sampling, 1 or 2 nodal stations",
			Family:      FamilyBronch,
			Predicate: func(rec *registry.RegistryRecord, opts DeriveOptions) (Emission, bool) {
				if !rec.Bronch.EBUS.Performed || len(rec.Bronch.EBUS.Stations) >= opts.StationTierBoundary {
					return Emission{}, false
				}
				return Emission{DerivedFrom: ebusDerivedFrom(rec)}, true
			},
		},
		{
			Code:        CodeEBUSHigh,
			Description: "Bronchoscopy with EBUS-guided sampling, 3 or more nodal stations",
			Family:      FamilyBronch,
			Predicate: func(rec *registry.RegistryRecord, opts DeriveOptions) (Emission, bool) {
				if !rec.Bronch.EBUS.Performed || len(rec.Bronch.EBUS.Stations) < opts.StationTierBoundary {
					return Emission{}, false
				}
				return Emission{DerivedFrom: ebusDerivedFrom(rec)}, true
			},
		},
		{
			Code:        CodeRadialEBUS,
			Description: "Radial endobronchial ultrasound during bronchoscopic intervention",
			Family:      FamilyBronch,
			Requires:    bronchPrimaries,
			Predicate:   flagEmission("bronch.radial_ebus"),
		},
		{
			Code:        CodeNavigation,
			Description: "Navigational bronchoscopy, computer-assisted",
			Family:      FamilyBronch,
			Requires:    bronchPrimaries,
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				if !rec.Bronch.Navigation.Performed {
					return Emission{}, false
				}
				from := []string{"bronch.navigation"}
				if rec.Bronch.Navigation.Platform != "" {
					from = append(from, "bronch.navigation.platform")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeChestTube,
			Description: "Tube thoracostomy with insertion of pleural drainage device",
			Family:      FamilyPleural,
			Predicate: func(rec *registry.RegistryRecord, _ DeriveOptions) (Emission, bool) {
				// Removal of an existing tube is not separately billable and
				// must not satisfy this predicate.
				if !rec.Pleural.ChestTube.Inserted.Performed {
					return Emission{}, false
				}
				from := []string{"pleural.chest_tube.inserted"}
				if rec.Pleural.ChestTube.Side != "" {
					from = append(from, "pleural.chest_tube.side")
				}
				return Emission{DerivedFrom: from}, true
			},
		},
		{
			Code:        CodeThoracentesis,
			Description: "Thoracentesis, needle or catheter, aspiration of pleural space",
			Family:      FamilyPleural,
			Predicate:   flagEmission("pleural.thoracentesis"),
		},
		{
			Code:        CodeChestUltrasound,
			Description: "Ultrasound, chest, real time with image documentation",
			Family:      FamilyImaging,
			Predicate:   flagEmission("imaging.chest_ultrasound"),
		},
		{
			Code:        CodeSedationInitial,
			Description: "Moderate sedation by the physician performing the procedure, initial interval",
			Family:      FamilySedation,
			Predicate: func(rec *registry.RegistryRecord, opts DeriveOptions) (Emission, bool) {
				minutes, ok := rec.SedationMinutes()
				if !ok || minutes < opts.MinSedationMinutes {
					return Emission{}, false
				}
				if rec.Sedation.Moderate.AdministeredBy != registry.SedationBySamePhysician {
					return Emission{}, false
				}
				return Emission{DerivedFrom: sedationDerivedFrom(rec)}, true
			},
		},
		{
			Code:        CodeSedationAdditional,
			Description: "Moderate sedation, each additional interval",
			Family:      FamilySedation,
			Requires:    []string{CodeSedationInitial},
			Predicate: func(rec *registry.RegistryRecord, opts DeriveOptions) (Emission, bool) {
				minutes, ok := rec.SedationMinutes()
				if !ok {
					return Emission{}, false
				}
				extra := additionalSedationUnits(minutes, opts.SedationUnitMinutes)
				if extra < 1 {
					return Emission{}, false
				}
				return Emission{DerivedFrom: sedationDerivedFrom(rec), Quantity: extra}, true
			},
		},
	}
}

func ebusDerivedFrom(rec *registry.RegistryRecord) []string {
	from := []string{"bronch.ebus"}
	if len(rec.Bronch.EBUS.Stations) > 0 {
		from = append(from, "bronch.ebus.stations")
	}
	return from
}

func sedationDerivedFrom(rec *registry.RegistryRecord) []string {
	from := []string{"sedation.moderate"}
	if rec.Sedation.Moderate.Minutes > 0 {
		from = append(from, "sedation.moderate.minutes")
	} else if rec.Sedation.Moderate.StartTime != "" {
		from = append(from, "sedation.moderate.start_time", "sedation.moderate.end_time")
	}
	return from
}

// additionalSedationUnits counts full blocks past the initial one, rounding
// a partial final block up once it passes the midpoint.
func additionalSedationUnits(minutes, unitMinutes int) int {
	if unitMinutes < 1 || minutes <= unitMinutes {
		return 0
	}
	return (minutes - unitMinutes + unitMinutes/2) / unitMinutes
}

// ValidateCatalog checks the structural invariants the derivation pass
// relies on: unique non-empty codes, predicates present, and every Requires
// target defined earlier in the slice so one ordered pass suffices.
func ValidateCatalog(catalog []Descriptor) error {
	if len(catalog) == 0 {
		return errors.New(errors.ErrCodeCatalogInvalid, "catalog is empty")
	}
	seen := make(map[string]bool, len(catalog))
	for i, d := range catalog {
		if strings.TrimSpace(d.Code) == "" {
			return errors.New(errors.ErrCodeCatalogInvalid,
				fmt.Sprintf("catalog entry %d has an empty code", i))
		}
		if seen[d.Code] {
			return errors.New(errors.ErrCodeCatalogInvalid,
				fmt.Sprintf("catalog code %s is defined twice", d.Code))
		}
		if d.Description == "" {
			return errors.New(errors.ErrCodeCatalogInvalid,
				fmt.Sprintf("catalog code %s has no description", d.Code))
		}
		if d.Predicate == nil {
			return errors.New(errors.ErrCodeCatalogInvalid,
				fmt.Sprintf("catalog code %s has no predicate", d.Code))
		}
		for _, req := range d.Requires {
			if !seen[req] {
				return errors.New(errors.ErrCodeCatalogInvalid,
					fmt.Sprintf("catalog code %s requires %s, which is not defined before it", d.Code, req))
			}
		}
		seen[d.Code] = true
	}
	return nil
}
