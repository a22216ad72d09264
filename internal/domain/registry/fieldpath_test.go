package registry

import (
	"sort"
	"testing"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

func TestKnownFieldPathsSortedAndComplete(t *testing.T) {
	paths := KnownFieldPaths()
	if !sort.StringsAreSorted(paths) {
		t.Error("KnownFieldPaths must be sorted")
	}
	if len(paths) != len(KnownFlagPaths())+len(detailTable) {
		t.Errorf("expected %d paths, got %d", len(KnownFlagPaths())+len(detailTable), len(paths))
	}

	for _, want := range []string{
		"bronch.diagnostic",
		"bronch.stent.placed",
		"bronch.stent.removed",
		"bronch.ebus.stations",
		"pleural.chest_tube.inserted",
		"pleural.thoracentesis.side",
		"imaging.chest_ultrasound",
		"sedation.moderate",
		"sedation.moderate.administered_by",
	} {
		if !IsKnownFieldPath(want) {
			t.Errorf("expected %s to be a known field path", want)
		}
	}
}

func TestPathClassification(t *testing.T) {
	if !IsFlagPath("bronch.radial_ebus") {
		t.Error("bronch.radial_ebus should be a flag path")
	}
	if IsFlagPath("bronch.ebus.needle_gauge") {
		t.Error("bronch.ebus.needle_gauge should not be a flag path")
	}
	if !IsDetailPath("bronch.navigation.platform") {
		t.Error("bronch.navigation.platform should be a detail path")
	}
	if IsDetailPath("bronch.navigation") {
		t.Error("bronch.navigation should not be a detail path")
	}
	if IsKnownFieldPath("bronch.thermoplasty") {
		t.Error("bronch.thermoplasty should be unknown")
	}
}

func TestDetailAtRoundTrip(t *testing.T) {
	rec := NewRecord("h")

	if err := rec.SetDetail("sedation.moderate.administered_by", SedationBySamePhysician); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rec.SetDetail("sedation.moderate.minutes", 32); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rec.SetDetail("bronch.transbronchial_biopsy.lobes", []string{"RUL", "RML"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := rec.DetailAt("sedation.moderate.administered_by")
	if err != nil || got != SedationBySamePhysician {
		t.Errorf("administered_by = %v (%v)", got, err)
	}
	got, err = rec.DetailAt("sedation.moderate.minutes")
	if err != nil || got != 32 {
		t.Errorf("minutes = %v (%v)", got, err)
	}
	got, err = rec.DetailAt("bronch.transbronchial_biopsy.lobes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lobes, ok := got.([]string)
	if !ok || len(lobes) != 2 || lobes[0] != "RUL" {
		t.Errorf("lobes = %v", got)
	}
}

func TestDetailAtUnknownPath(t *testing.T) {
	rec := NewRecord("h")
	_, err := rec.DetailAt("bronch.ebus.balloon_size")
	if !errors.IsCode(err, errors.ErrCodeFieldPathUnknown) {
		t.Errorf("expected %s, got %v", errors.ErrCodeFieldPathUnknown, err)
	}
}
