package registry

import (
	"encoding/json"
	"fmt"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Stored records are upgraded on read, never migrated in place. Version 1
// used flat snake_case field names and {begin,finish} span objects; version
// 2 is the nested layout in record.go with [start,end) span pairs.

// UpgradeRecordJSON parses a stored registry record of any supported schema
// version into the current shape. Documents without a schema_version are
// treated as version 1, which predates the field.
func UpgradeRecordJSON(raw []byte) (*RegistryRecord, error) {
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNoteCorrupt, "registry record is not valid JSON")
	}

	version := 1
	if probe.SchemaVersion != nil {
		version = *probe.SchemaVersion
	}

	switch version {
	case CurrentSchemaVersion:
		var rec RegistryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeNoteCorrupt, "registry record v2 does not parse")
		}
		rec.SchemaVersion = CurrentSchemaVersion
		return &rec, nil
	case 1:
		var legacy recordV1
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeNoteCorrupt, "registry record v1 does not parse")
		}
		return legacy.upgrade(), nil
	default:
		return nil, errors.New(errors.ErrCodeSchemaVersionUnknown,
			fmt.Sprintf("registry schema version %d is not supported", version))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Version 1 layout
// ─────────────────────────────────────────────────────────────────────────────

// spanV1 is the old evidence span shape with named offsets.
type spanV1 struct {
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Begin      int     `json:"begin"`
	Finish     int     `json:"finish"`
	Confidence float64 `json:"confidence"`
}

// flagV1 matches the current Flag apart from the span shape.
type flagV1 struct {
	Performed   bool     `json:"performed"`
	Evidence    []spanV1 `json:"evidence"`
	ExtractorID string   `json:"extractor_id"`
	Confidence  float64  `json:"confidence"`
}

// recordV1 is the flat version-1 document. Fields added in v2 (radial EBUS,
// navigation, cryotherapy, dilation, foreign body, therapeutic aspiration,
// stent removal, devices) have no v1 counterpart and stay zero after upgrade.
type recordV1 struct {
	SchemaVersion int    `json:"schema_version"`
	NoteHash      string `json:"note_hash"`

	BronchDiagnostic       flagV1   `json:"bronch_diagnostic"`
	BronchLavage           flagV1   `json:"bronch_lavage"`
	BronchLavageSites      []string `json:"bronch_lavage_sites"`
	BronchEndobronchialBx  flagV1   `json:"bronch_endobronchial_biopsy"`
	BronchEndobronchialN   int      `json:"bronch_endobronchial_biopsy_count"`
	BronchTransbronchialBx flagV1   `json:"bronch_transbronchial_biopsy"`
	BronchTransbronchLobes []string `json:"bronch_transbronchial_lobes"`
	BronchEBUS             flagV1   `json:"bronch_ebus"`
	BronchEBUSStations     []string `json:"bronch_ebus_stations"`
	BronchStentPlaced      flagV1   `json:"bronch_stent_placed"`
	BronchStentSite        string   `json:"bronch_stent_site"`

	PleuralChestTubeIn   flagV1 `json:"pleural_chest_tube_inserted"`
	PleuralChestTubeOut  flagV1 `json:"pleural_chest_tube_removed"`
	PleuralChestTubeSide string `json:"pleural_chest_tube_side"`
	PleuralThoracentesis flagV1 `json:"pleural_thoracentesis"`

	ImagingChestUS flagV1 `json:"imaging_chest_ultrasound"`

	SedationModerate flagV1 `json:"sedation_moderate"`
	SedationStart    string `json:"sedation_start_time"`
	SedationEnd      string `json:"sedation_end_time"`
	SedationMinutes  int    `json:"sedation_minutes"`
	SedationBy       string `json:"sedation_administered_by"`
}

func (l *recordV1) upgrade() *RegistryRecord {
	rec := NewRecord(l.NoteHash)

	rec.Bronch.Diagnostic = l.BronchDiagnostic.upgrade()
	rec.Bronch.Lavage.Flag = l.BronchLavage.upgrade()
	rec.Bronch.Lavage.Sites = l.BronchLavageSites
	rec.Bronch.EndobronchialBiopsy.Flag = l.BronchEndobronchialBx.upgrade()
	rec.Bronch.EndobronchialBiopsy.Count = l.BronchEndobronchialN
	rec.Bronch.TransbronchialBiopsy.Flag = l.BronchTransbronchialBx.upgrade()
	rec.Bronch.TransbronchialBiopsy.Lobes = l.BronchTransbronchLobes
	rec.Bronch.EBUS.Flag = l.BronchEBUS.upgrade()
	rec.Bronch.EBUS.Stations = l.BronchEBUSStations
	rec.Bronch.Stent.Placed = l.BronchStentPlaced.upgrade()
	rec.Bronch.Stent.Site = l.BronchStentSite

	rec.Pleural.ChestTube.Inserted = l.PleuralChestTubeIn.upgrade()
	rec.Pleural.ChestTube.Removed = l.PleuralChestTubeOut.upgrade()
	rec.Pleural.ChestTube.Side = l.PleuralChestTubeSide
	rec.Pleural.Thoracentesis.Flag = l.PleuralThoracentesis.upgrade()

	rec.Imaging.ChestUltrasound = l.ImagingChestUS.upgrade()

	rec.Sedation.Moderate.Flag = l.SedationModerate.upgrade()
	rec.Sedation.Moderate.StartTime = l.SedationStart
	rec.Sedation.Moderate.EndTime = l.SedationEnd
	rec.Sedation.Moderate.Minutes = l.SedationMinutes
	rec.Sedation.Moderate.AdministeredBy = l.SedationBy

	return rec
}

func (f flagV1) upgrade() Flag {
	out := Flag{
		Performed:   f.Performed,
		ExtractorID: f.ExtractorID,
		Confidence:  f.Confidence,
	}
	if len(f.Evidence) > 0 {
		out.Evidence = make([]clinical.EvidenceSpan, len(f.Evidence))
		for i, s := range f.Evidence {
			out.Evidence[i] = clinical.EvidenceSpan{
				Source:     s.Source,
				Text:       s.Text,
				Span:       [2]int{s.Begin, s.Finish},
				Confidence: s.Confidence,
			}
		}
	}
	return out
}
