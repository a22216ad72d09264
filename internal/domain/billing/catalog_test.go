package billing

import (
	"testing"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

func TestDefaultCatalogValid(t *testing.T) {
	if err := ValidateCatalog(DefaultCatalog()); err != nil {
		t.Fatalf("default catalog must validate: %v", err)
	}
}

func TestValidateCatalogErrors(t *testing.T) {
	okPredicate := func(*registry.RegistryRecord, DeriveOptions) (Emission, bool) {
		return Emission{}, false
	}

	tests := []struct {
		name    string
		catalog []Descriptor
	}{
		{
			name:    "empty catalog",
			catalog: nil,
		},
		{
			name: "empty code",
			catalog: []Descriptor{
				{Code: "  ", Description: "x", Predicate: okPredicate},
			},
		},
		{
			name: "duplicate code",
			catalog: []Descriptor{
				{Code: "31622", Description: "x", Predicate: okPredicate},
				{Code: "31622", Description: "y", Predicate: okPredicate},
			},
		},
		{
			name: "missing description",
			catalog: []Descriptor{
				{Code: "31622", Predicate: okPredicate},
			},
		},
		{
			name: "missing predicate",
			catalog: []Descriptor{
				{Code: "31622", Description: "x"},
			},
		},
		{
			name: "requires a later code",
			catalog: []Descriptor{
				{Code: "99153", Description: "add-on", Requires: []string{"99152"}, Predicate: okPredicate},
				{Code: "99152", Description: "primary", Predicate: okPredicate},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCatalog(tc.catalog)
			if !errors.IsCode(err, errors.ErrCodeCatalogInvalid) {
				t.Errorf("expected %s, got %v", errors.ErrCodeCatalogInvalid, err)
			}
		})
	}
}

func TestAdditionalSedationUnits(t *testing.T) {
	tests := []struct {
		minutes, unit, want int
	}{
		{8, 15, 0},
		{15, 15, 0},
		{20, 15, 0}, // 5 extra minutes, under the midpoint
		{23, 15, 1}, // 8 extra minutes, at the midpoint
		{30, 15, 1}, // exactly one full additional block
		{38, 15, 2}, // one full block plus 8 minutes
		{45, 15, 2}, // two full additional blocks
		{60, 15, 3},
		{60, 0, 0}, // degenerate unit size
	}

	for _, tc := range tests {
		if got := additionalSedationUnits(tc.minutes, tc.unit); got != tc.want {
			t.Errorf("additionalSedationUnits(%d, %d) = %d, want %d", tc.minutes, tc.unit, got, tc.want)
		}
	}
}

func TestNormalizeSite(t *testing.T) {
	if normalizeSite("  Distal   Trachea ") != "distal trachea" {
		t.Errorf("normalizeSite mangled the site: %q", normalizeSite("  Distal   Trachea "))
	}
}
