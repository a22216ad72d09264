// Package registry implements the procedure registry bounded context: the
// versioned RegistryRecord assembled from candidate detections, the typed
// field-path vocabulary over it, the conflict-resolving assembler, and the
// schema adapter for records stored under older layouts.  Code derivation
// reads a frozen record; nothing outside this package and the corrective
// pass mutates one.
package registry

import (
	"fmt"
	"time"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// CurrentSchemaVersion identifies the registry layout this package produces.
// Version 1 used flat field names and {begin,finish} span objects; legacy.go
// upgrades stored v1 documents on load.
const CurrentSchemaVersion = 2

// strictFrozenChecks makes mutation of a frozen record panic instead of
// returning an error. Development binaries and tests enable it to surface
// ownership bugs immediately; production paths keep the error form.
var strictFrozenChecks = false

// SetStrictFrozenChecks toggles panic-on-frozen-mutation.
func SetStrictFrozenChecks(enabled bool) { strictFrozenChecks = enabled }

// ─────────────────────────────────────────────────────────────────────────────
// Flag and field value objects
// ─────────────────────────────────────────────────────────────────────────────

// Flag is one asserted clinical action together with its provenance. A
// Performed=true flag must carry at least one evidence span unless it was set
// by the corrective pass, which instead caps its confidence below the
// configured ceiling.
type Flag struct {
	Performed   bool                    `json:"performed"`
	Evidence    []clinical.EvidenceSpan `json:"evidence,omitempty"`
	ExtractorID string                  `json:"extractor_id,omitempty"`
	Confidence  float64                 `json:"confidence,omitempty"`
}

// LavageField records bronchoalveolar lavage and the lobes sampled.
type LavageField struct {
	Flag
	Sites []string `json:"sites,omitempty"`
}

// EndobronchialBiopsyField records endobronchial biopsies with specimen
// count and sites.
type EndobronchialBiopsyField struct {
	Flag
	Count int      `json:"count,omitempty"`
	Sites []string `json:"sites,omitempty"`
}

// TransbronchialBiopsyField records transbronchial biopsies by lobe.
type TransbronchialBiopsyField struct {
	Flag
	Lobes []string `json:"lobes,omitempty"`
}

// EBUSField records endobronchial-ultrasound needle aspiration. Stations use
// standard nodal map names ("4R", "7", "11L"); the count of distinct
// stations drives the derivation tier.
type EBUSField struct {
	Flag
	Stations    []string `json:"stations,omitempty"`
	NeedleGauge string   `json:"needle_gauge,omitempty"`
}

// NavigationField records navigational bronchoscopy and its platform.
type NavigationField struct {
	Flag
	Platform string `json:"platform,omitempty"`
}

// SiteListField records a treatment applied at one or more anatomic sites.
type SiteListField struct {
	Flag
	Sites []string `json:"sites,omitempty"`
}

// StentField records airway stent placement and removal independently;
// placement and removal in one encounter are distinct billable acts.
type StentField struct {
	Placed  Flag   `json:"placed"`
	Removed Flag   `json:"removed"`
	Site    string `json:"site,omitempty"`
	Device  string `json:"device,omitempty"`
}

// ChestTubeField records pleural drainage-device insertion and removal.
type ChestTubeField struct {
	Inserted Flag   `json:"inserted"`
	Removed  Flag   `json:"removed"`
	Side     string `json:"side,omitempty"`
	Device   string `json:"device,omitempty"`
}

// ThoracentesisField records needle aspiration of the pleural space.
type ThoracentesisField struct {
	Flag
	Side string `json:"side,omitempty"`
}

// Values accepted for sedation.moderate.administered_by.
const (
	SedationBySamePhysician = "same_physician"
	SedationByOther         = "other"
)

// SedationField records moderate sedation. Times are 24-hour clock strings
// ("14:05"); Minutes, when present, overrides the computed end-start span.
type SedationField struct {
	Flag
	StartTime      string `json:"start_time,omitempty"`
	EndTime        string `json:"end_time,omitempty"`
	Minutes        int    `json:"minutes,omitempty"`
	AdministeredBy string `json:"administered_by,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Sections
// ─────────────────────────────────────────────────────────────────────────────

// BronchSection groups the airway procedures.
type BronchSection struct {
	Diagnostic            Flag                      `json:"diagnostic"`
	Lavage                LavageField               `json:"lavage"`
	EndobronchialBiopsy   EndobronchialBiopsyField  `json:"endobronchial_biopsy"`
	TransbronchialBiopsy  TransbronchialBiopsyField `json:"transbronchial_biopsy"`
	EBUS                  EBUSField                 `json:"ebus"`
	RadialEBUS            Flag                      `json:"radial_ebus"`
	Navigation            NavigationField           `json:"navigation"`
	Cryotherapy           SiteListField             `json:"cryotherapy"`
	Dilation              SiteListField             `json:"dilation"`
	Stent                 StentField                `json:"stent"`
	ForeignBody           Flag                      `json:"foreign_body"`
	TherapeuticAspiration Flag                      `json:"therapeutic_aspiration"`
}

// PleuralSection groups the pleural-space procedures.
type PleuralSection struct {
	ChestTube     ChestTubeField     `json:"chest_tube"`
	Thoracentesis ThoracentesisField `json:"thoracentesis"`
}

// ImagingSection groups point-of-care imaging performed during the encounter.
type ImagingSection struct {
	ChestUltrasound Flag `json:"chest_ultrasound"`
}

// SedationSection groups sedation administration.
type SedationSection struct {
	Moderate SedationField `json:"moderate"`
}

// ─────────────────────────────────────────────────────────────────────────────
// RegistryRecord
// ─────────────────────────────────────────────────────────────────────────────

// RegistryRecord is the structured account of what was clinically done in
// one note. It is created empty by the assembler, mutated only by the
// assembler and the corrective pass, and frozen before code derivation.
//
// Consumers must mutate fields through SetFlag/SetDetail/ApplyCorrection so
// the freeze and evidence invariants hold.
type RegistryRecord struct {
	SchemaVersion int    `json:"schema_version"`
	NoteHash      string `json:"note_hash,omitempty"`

	Bronch   BronchSection   `json:"bronch"`
	Pleural  PleuralSection  `json:"pleural"`
	Imaging  ImagingSection  `json:"imaging"`
	Sedation SedationSection `json:"sedation"`

	frozen bool
}

// NewRecord returns an empty current-version record for the given note hash.
func NewRecord(noteHash string) *RegistryRecord {
	return &RegistryRecord{
		SchemaVersion: CurrentSchemaVersion,
		NoteHash:      noteHash,
	}
}

// Freeze marks the record immutable. Derivation requires a frozen record.
func (r *RegistryRecord) Freeze() { r.frozen = true }

// Frozen reports whether the record has been frozen.
func (r *RegistryRecord) Frozen() bool { return r.frozen }

// mutableCheck guards every mutation against the freeze invariant.
func (r *RegistryRecord) mutableCheck() error {
	if !r.frozen {
		return nil
	}
	if strictFrozenChecks {
		panic("registry: mutation of frozen record")
	}
	return errors.New(errors.ErrCodeRecordFrozen, "registry record is frozen")
}

// SetFlag writes the flag at a field path, replacing any previous value.
func (r *RegistryRecord) SetFlag(path string, f Flag) error {
	if err := r.mutableCheck(); err != nil {
		return err
	}
	target, err := flagAt(r, path)
	if err != nil {
		return err
	}
	*target = f
	return nil
}

// FlagAt returns a copy of the flag at a field path.
func (r *RegistryRecord) FlagAt(path string) (Flag, error) {
	target, err := flagAt(r, path)
	if err != nil {
		return Flag{}, err
	}
	return *target, nil
}

// SetDetail writes a structured detail value (sites, counts, devices, times)
// at a field path, coercing from the loosely-typed candidate value.
func (r *RegistryRecord) SetDetail(path string, value interface{}) error {
	if err := r.mutableCheck(); err != nil {
		return err
	}
	return setDetail(r, path, value)
}

// DetailAt returns the structured detail value at a field path.
func (r *RegistryRecord) DetailAt(path string) (interface{}, error) {
	return detailAt(r, path)
}

// ApplyCorrection applies one corrective-pass patch to a flag path. The
// patch is all-or-nothing: it is validated in full (mutable record, known
// path, non-empty evidence) before anything is written. The stored
// confidence is capped strictly below ceiling.
func (r *RegistryRecord) ApplyCorrection(path string, value bool, evidence []clinical.EvidenceSpan, confidence, ceiling float64) error {
	if err := r.mutableCheck(); err != nil {
		return err
	}
	target, err := flagAt(r, path)
	if err != nil {
		return err
	}
	if len(evidence) == 0 {
		return errors.New(errors.ErrCodeEvidenceMissing,
			fmt.Sprintf("corrective patch for %s carries no evidence", path))
	}

	capped := confidence
	if capped >= ceiling {
		capped = ceiling - 0.01
	}
	if capped < 0 {
		capped = 0
	}

	*target = Flag{
		Performed:   value,
		Evidence:    evidence,
		ExtractorID: clinical.ExtractorCorrective,
		Confidence:  capped,
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Invariants
// ─────────────────────────────────────────────────────────────────────────────

// Validate checks the record-wide invariants: every Performed=true flag set
// by an extractor carries evidence, and every corrective-pass flag keeps its
// confidence strictly below ceiling.
func (r *RegistryRecord) Validate(ceiling float64) error {
	for _, path := range KnownFlagPaths() {
		f, err := flagAt(r, path)
		if err != nil {
			return err
		}
		if !f.Performed {
			continue
		}
		if f.ExtractorID == clinical.ExtractorCorrective {
			if f.Confidence >= ceiling {
				return errors.New(errors.ErrCodeCandidateValueInvalid,
					fmt.Sprintf("corrective field %s has confidence %.2f at or above ceiling %.2f",
						path, f.Confidence, ceiling))
			}
			continue
		}
		if len(f.Evidence) == 0 {
			return errors.New(errors.ErrCodeEvidenceMissing,
				fmt.Sprintf("field %s is performed without evidence", path))
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sedation duration
// ─────────────────────────────────────────────────────────────────────────────

// sedationClockLayout parses intra-service clock times as charted.
const sedationClockLayout = "15:04"

// SedationMinutes returns the moderate-sedation duration in minutes and
// whether it could be determined. Explicitly charted minutes win; otherwise
// the span end-start is computed, treating a negative span as crossing
// midnight.
func (r *RegistryRecord) SedationMinutes() (int, bool) {
	s := r.Sedation.Moderate
	if !s.Performed {
		return 0, false
	}
	if s.Minutes > 0 {
		return s.Minutes, true
	}
	if s.StartTime == "" || s.EndTime == "" {
		return 0, false
	}
	start, err := time.Parse(sedationClockLayout, s.StartTime)
	if err != nil {
		return 0, false
	}
	end, err := time.Parse(sedationClockLayout, s.EndTime)
	if err != nil {
		return 0, false
	}
	d := end.Sub(start)
	if d < 0 {
		d += 24 * time.Hour
	}
	return int(d.Minutes()), true
}

// ─────────────────────────────────────────────────────────────────────────────
// Copying
// ─────────────────────────────────────────────────────────────────────────────

// Clone returns a deep, unfrozen copy of the record. The corrective pass
// stages patches on a clone so a failed patch never leaves a half-written
// record behind.
func (r *RegistryRecord) Clone() *RegistryRecord {
	cp := *r
	cp.frozen = false

	cp.Bronch.Diagnostic.Evidence = copySpans(r.Bronch.Diagnostic.Evidence)
	cp.Bronch.Lavage.Evidence = copySpans(r.Bronch.Lavage.Evidence)
	cp.Bronch.Lavage.Sites = copyStrings(r.Bronch.Lavage.Sites)
	cp.Bronch.EndobronchialBiopsy.Evidence = copySpans(r.Bronch.EndobronchialBiopsy.Evidence)
	cp.Bronch.EndobronchialBiopsy.Sites = copyStrings(r.Bronch.EndobronchialBiopsy.Sites)
	cp.Bronch.TransbronchialBiopsy.Evidence = copySpans(r.Bronch.TransbronchialBiopsy.Evidence)
	cp.Bronch.TransbronchialBiopsy.Lobes = copyStrings(r.Bronch.TransbronchialBiopsy.Lobes)
	cp.Bronch.EBUS.Evidence = copySpans(r.Bronch.EBUS.Evidence)
	cp.Bronch.EBUS.Stations = copyStrings(r.Bronch.EBUS.Stations)
	cp.Bronch.RadialEBUS.Evidence = copySpans(r.Bronch.RadialEBUS.Evidence)
	cp.Bronch.Navigation.Evidence = copySpans(r.Bronch.Navigation.Evidence)
	cp.Bronch.Cryotherapy.Evidence = copySpans(r.Bronch.Cryotherapy.Evidence)
	cp.Bronch.Cryotherapy.Sites = copyStrings(r.Bronch.Cryotherapy.Sites)
	cp.Bronch.Dilation.Evidence = copySpans(r.Bronch.Dilation.Evidence)
	cp.Bronch.Dilation.Sites = copyStrings(r.Bronch.Dilation.Sites)
	cp.Bronch.Stent.Placed.Evidence = copySpans(r.Bronch.Stent.Placed.Evidence)
	cp.Bronch.Stent.Removed.Evidence = copySpans(r.Bronch.Stent.Removed.Evidence)
	cp.Bronch.ForeignBody.Evidence = copySpans(r.Bronch.ForeignBody.Evidence)
	cp.Bronch.TherapeuticAspiration.Evidence = copySpans(r.Bronch.TherapeuticAspiration.Evidence)
	cp.Pleural.ChestTube.Inserted.Evidence = copySpans(r.Pleural.ChestTube.Inserted.Evidence)
	cp.Pleural.ChestTube.Removed.Evidence = copySpans(r.Pleural.ChestTube.Removed.Evidence)
	cp.Pleural.Thoracentesis.Evidence = copySpans(r.Pleural.Thoracentesis.Evidence)
	cp.Imaging.ChestUltrasound.Evidence = copySpans(r.Imaging.ChestUltrasound.Evidence)
	cp.Sedation.Moderate.Evidence = copySpans(r.Sedation.Moderate.Evidence)

	return &cp
}

// ReplaceWith overwrites this record's contents with another record's,
// keeping the receiver identity. Used to commit a staged corrective clone.
func (r *RegistryRecord) ReplaceWith(other *RegistryRecord) error {
	if err := r.mutableCheck(); err != nil {
		return err
	}
	frozen := r.frozen
	*r = *other
	r.frozen = frozen
	return nil
}

func copySpans(in []clinical.EvidenceSpan) []clinical.EvidenceSpan {
	if in == nil {
		return nil
	}
	out := make([]clinical.EvidenceSpan, len(in))
	copy(out, in)
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
