package billing

import (
	"reflect"
	"strings"
	"testing"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

var spanCursor = 0

// perfFlag builds a performed flag with one evidence span at a fresh offset.
func perfFlag(extractorID string, conf float64) registry.Flag {
	start := spanCursor
	spanCursor += 30
	return registry.Flag{
		Performed: true,
		Evidence: []clinical.EvidenceSpan{{
			Source:     extractorID,
			Text:       "evidence",
			Span:       [2]int{start, start + 8},
			Confidence: conf,
		}},
		ExtractorID: extractorID,
		Confidence:  conf,
	}
}

func narrFlag() registry.Flag { return perfFlag(clinical.ExtractorNarrative, 0.9) }

func frozen(rec *registry.RegistryRecord) *registry.RegistryRecord {
	rec.Freeze()
	return rec
}

func derive(t *testing.T, rec *registry.RegistryRecord) ([]clinical.CodeEntry, []string) {
	t.Helper()
	entries, warnings, err := Derive(rec, DefaultCatalog(), DefaultDeriveOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return entries, warnings
}

func codesOf(entries []clinical.CodeEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Code
	}
	return out
}

func TestDeriveRequiresFrozenRecord(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Bronch.Diagnostic = narrFlag()

	if _, _, err := Derive(rec, DefaultCatalog(), DefaultDeriveOptions()); err == nil {
		t.Error("expected error deriving from an unfrozen record")
	}
	if _, _, err := Derive(nil, DefaultCatalog(), DefaultDeriveOptions()); err == nil {
		t.Error("expected error deriving from a nil record")
	}
}

func TestDeriveDiagnosticOnly(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Bronch.Diagnostic = narrFlag()

	entries, warnings := derive(t, frozen(rec))
	if got := codesOf(entries); !reflect.DeepEqual(got, []string{CodeDiagnosticBronch}) {
		t.Errorf("codes = %v", got)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if entries[0].Quantity != 1 {
		t.Errorf("quantity = %d", entries[0].Quantity)
	}
	if len(entries[0].Evidence) == 0 {
		t.Error("entry lost its evidence")
	}
}

func TestDeriveDiagnosticSuppressedBySurgical(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Bronch.Diagnostic = narrFlag()
	rec.Bronch.Lavage.Flag = narrFlag()
	rec.Bronch.Lavage.Sites = []string{"RML"}

	entries, _ := derive(t, frozen(rec))
	got := codesOf(entries)
	if !reflect.DeepEqual(got, []string{CodeLavage}) {
		t.Errorf("expected the lavage code alone, got %v", got)
	}
	if !contains(entries[0].DerivedFrom, "bronch.lavage.sites") {
		t.Errorf("derived_from = %v", entries[0].DerivedFrom)
	}
}

func TestDeriveAddOnKeepsDiagnosticBase(t *testing.T) {
	// Navigation is an add-on: it anchors to the diagnostic base instead of
	// suppressing it.
	rec := registry.NewRecord("h")
	rec.Bronch.Diagnostic = narrFlag()
	rec.Bronch.Navigation.Flag = narrFlag()

	entries, _ := derive(t, frozen(rec))
	got := codesOf(entries)
	if !reflect.DeepEqual(got, []string{CodeDiagnosticBronch, CodeNavigation}) {
		t.Errorf("codes = %v", got)
	}
}

func TestDeriveAddOnRequiresPrimary(t *testing.T) {
	// Navigation documented with no bronchoscopy primary at all: nothing to
	// anchor to, nothing emitted.
	rec := registry.NewRecord("h")
	rec.Bronch.Navigation.Flag = narrFlag()

	entries, _ := derive(t, frozen(rec))
	if len(entries) != 0 {
		t.Errorf("expected no codes, got %v", codesOf(entries))
	}
}

func TestDeriveEBUSStationTiers(t *testing.T) {
	tests := []struct {
		stations []string
		want     string
	}{
		{nil, CodeEBUSLow},
		{[]string{"4R"}, CodeEBUSLow},
		{[]string{"4R", "7"}, CodeEBUSLow},
		{[]string{"4R", "7", "11L"}, CodeEBUSHigh},
		{[]string{"4R", "7", "11L", "10R"}, CodeEBUSHigh},
	}

	for _, tc := range tests {
		rec := registry.NewRecord("h")
		rec.Bronch.EBUS.Flag = narrFlag()
		rec.Bronch.EBUS.Stations = tc.stations

		entries, _ := derive(t, frozen(rec))
		got := codesOf(entries)
		if !reflect.DeepEqual(got, []string{tc.want}) {
			t.Errorf("stations %v: codes = %v, want [%s]", tc.stations, got, tc.want)
		}
	}
}

func TestDeriveDilationBundledIntoSameSiteStent(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Bronch.Dilation.Flag = narrFlag()
	rec.Bronch.Dilation.Sites = []string{"Distal Trachea"}
	rec.Bronch.Stent.Placed = narrFlag()
	rec.Bronch.Stent.Site = "distal  trachea"

	entries, _ := derive(t, frozen(rec))
	got := codesOf(entries)
	if !reflect.DeepEqual(got, []string{CodeStentPlacement}) {
		t.Errorf("expected the stent code alone, got %v", got)
	}
}

func TestDeriveDilationAtDistinctSiteSurvivesWithModifier(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Bronch.Dilation.Flag = narrFlag()
	rec.Bronch.Dilation.Sites = []string{"left mainstem"}
	rec.Bronch.Stent.Placed = narrFlag()
	rec.Bronch.Stent.Site = "right mainstem"

	entries, _ := derive(t, frozen(rec))
	got := codesOf(entries)
	if !reflect.DeepEqual(got, []string{CodeDilation, CodeStentPlacement}) {
		t.Fatalf("codes = %v", got)
	}

	var dilation clinical.CodeEntry
	for _, e := range entries {
		if e.Code == CodeDilation {
			dilation = e
		}
	}
	if !dilation.HasModifier("59") {
		t.Errorf("dilation entry missing the distinct-site modifier: %+v", dilation.Modifiers)
	}
	for _, e := range entries {
		if e.Code == CodeStentPlacement && len(e.Modifiers) != 0 {
			t.Errorf("anchor code must stay unmodified, got %v", e.Modifiers)
		}
	}
}

func TestDeriveDilationBundledWhenSitesUndocumented(t *testing.T) {
	// Without documented sites on both codes, distinctness cannot be proven
	// and the bundle applies.
	rec := registry.NewRecord("h")
	rec.Bronch.Dilation.Flag = narrFlag()
	rec.Bronch.Stent.Placed = narrFlag()

	entries, _ := derive(t, frozen(rec))
	got := codesOf(entries)
	if !reflect.DeepEqual(got, []string{CodeStentPlacement}) {
		t.Errorf("expected conservative bundling, got %v", got)
	}
}

func TestDeriveStentRemovalBillsRevisionNotPlacement(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Bronch.Stent.Removed = narrFlag()

	entries, _ := derive(t, frozen(rec))
	got := codesOf(entries)
	if !reflect.DeepEqual(got, []string{CodeStentRevision}) {
		t.Errorf("codes = %v", got)
	}
}

func TestDeriveChestTubeRemovalNotBilled(t *testing.T) {
	rec := registry.NewRecord("h")
	rec.Pleural.ChestTube.Removed = narrFlag()

	entries, _ := derive(t, frozen(rec))
	if len(entries) != 0 {
		t.Errorf("tube removal must not bill, got %v", codesOf(entries))
	}

	rec2 := registry.NewRecord("h")
	rec2.Pleural.ChestTube.Inserted = narrFlag()
	rec2.Pleural.ChestTube.Side = "right"

	entries, _ = derive(t, frozen(rec2))
	if got := codesOf(entries); !reflect.DeepEqual(got, []string{CodeChestTube}) {
		t.Errorf("codes = %v", got)
	}
}

func TestDeriveSedation(t *testing.T) {
	tests := []struct {
		name         string
		minutes      int
		start, end   string
		administered string
		wantCodes    []string
		wantExtraQty int
	}{
		{
			name:         "below threshold",
			minutes:      8,
			administered: registry.SedationBySamePhysician,
			wantCodes:    nil,
		},
		{
			name:         "single unit",
			minutes:      12,
			administered: registry.SedationBySamePhysician,
			wantCodes:    []string{CodeSedationInitial},
		},
		{
			name:         "one additional unit",
			minutes:      25,
			administered: registry.SedationBySamePhysician,
			wantCodes:    []string{CodeSedationInitial, CodeSedationAdditional},
			wantExtraQty: 1,
		},
		{
			name:         "two additional units",
			minutes:      45,
			administered: registry.SedationBySamePhysician,
			wantCodes:    []string{CodeSedationInitial, CodeSedationAdditional},
			wantExtraQty: 2,
		},
		{
			name:         "computed from charted times",
			start:        "09:10",
			end:          "09:52",
			administered: registry.SedationBySamePhysician,
			wantCodes:    []string{CodeSedationInitial, CodeSedationAdditional},
			wantExtraQty: 2,
		},
		{
			name:         "administered by someone else",
			minutes:      45,
			administered: registry.SedationByOther,
			wantCodes:    nil,
		},
		{
			name:         "duration unknown",
			administered: registry.SedationBySamePhysician,
			wantCodes:    nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := registry.NewRecord("h")
			rec.Sedation.Moderate.Flag = narrFlag()
			rec.Sedation.Moderate.Minutes = tc.minutes
			rec.Sedation.Moderate.StartTime = tc.start
			rec.Sedation.Moderate.EndTime = tc.end
			rec.Sedation.Moderate.AdministeredBy = tc.administered

			entries, _ := derive(t, frozen(rec))
			got := codesOf(entries)
			if !reflect.DeepEqual(got, tc.wantCodes) && !(len(got) == 0 && len(tc.wantCodes) == 0) {
				t.Fatalf("codes = %v, want %v", got, tc.wantCodes)
			}
			if tc.wantExtraQty > 0 {
				last := entries[len(entries)-1]
				if last.Code != CodeSedationAdditional || last.Quantity != tc.wantExtraQty {
					t.Errorf("additional entry = %s qty %d, want qty %d", last.Code, last.Quantity, tc.wantExtraQty)
				}
			}
		})
	}
}

func TestDeriveEmptyEvidenceDropped(t *testing.T) {
	// A stored corrective field may legitimately carry no spans; the emission
	// check drops the code rather than billing without evidence.
	rec := registry.NewRecord("h")
	rec.Bronch.Lavage.Flag = registry.Flag{
		Performed:   true,
		ExtractorID: clinical.ExtractorCorrective,
		Confidence:  0.65,
	}

	entries, warnings := derive(t, frozen(rec))
	if len(entries) != 0 {
		t.Errorf("expected the entry dropped, got %v", codesOf(entries))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "evidence union is empty") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestDeriveDeterminism(t *testing.T) {
	build := func() *registry.RegistryRecord {
		rec := registry.NewRecord("h")
		rec.Bronch.Diagnostic = registry.Flag{
			Performed:   true,
			Evidence:    []clinical.EvidenceSpan{{Source: "note", Text: "bronchoscopy", Span: [2]int{5, 17}, Confidence: 0.9}},
			ExtractorID: clinical.ExtractorHeader,
			Confidence:  0.9,
		}
		rec.Bronch.EBUS.Flag = registry.Flag{
			Performed:   true,
			Evidence:    []clinical.EvidenceSpan{{Source: "note", Text: "EBUS-TBNA", Span: [2]int{40, 49}, Confidence: 0.95}},
			ExtractorID: clinical.ExtractorNarrative,
			Confidence:  0.95,
		}
		rec.Bronch.EBUS.Stations = []string{"4R", "7", "11L"}
		rec.Bronch.RadialEBUS = registry.Flag{
			Performed:   true,
			Evidence:    []clinical.EvidenceSpan{{Source: "note", Text: "radial probe", Span: [2]int{70, 82}, Confidence: 0.8}},
			ExtractorID: clinical.ExtractorBackstop,
			Confidence:  0.8,
		}
		rec.Sedation.Moderate.Flag = registry.Flag{
			Performed:   true,
			Evidence:    []clinical.EvidenceSpan{{Source: "note", Text: "moderate sedation", Span: [2]int{100, 117}, Confidence: 0.85}},
			ExtractorID: clinical.ExtractorCheckbox,
			Confidence:  0.85,
		}
		rec.Sedation.Moderate.Minutes = 40
		rec.Sedation.Moderate.AdministeredBy = registry.SedationBySamePhysician
		rec.Freeze()
		return rec
	}

	first, _, err := Derive(build(), DefaultCatalog(), DefaultDeriveOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := Derive(build(), DefaultCatalog(), DefaultDeriveOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("derivation is not deterministic:\n%v\n%v", first, second)
	}
	if got := codesOf(first); !reflect.DeepEqual(got, []string{CodeEBUSHigh, CodeRadialEBUS, CodeSedationInitial, CodeSedationAdditional}) {
		t.Errorf("codes = %v", got)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
