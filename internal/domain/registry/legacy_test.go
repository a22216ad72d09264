package registry

import (
	"encoding/json"
	"testing"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

const v1Document = `{
	"schema_version": 1,
	"note_hash": "sha256:aa11",
	"bronch_diagnostic": {
		"performed": true,
		"evidence": [{"source": "note", "text": "flexible bronchoscopy", "begin": 14, "finish": 35, "confidence": 0.9}],
		"extractor_id": "proc_narrative",
		"confidence": 0.9
	},
	"bronch_lavage": {
		"performed": true,
		"evidence": [{"source": "note", "text": "BAL performed", "begin": 60, "finish": 73, "confidence": 0.85}],
		"extractor_id": "proc_narrative",
		"confidence": 0.85
	},
	"bronch_lavage_sites": ["RML"],
	"bronch_ebus": {
		"performed": true,
		"evidence": [{"source": "note", "text": "EBUS-TBNA", "begin": 90, "finish": 99, "confidence": 0.95}],
		"extractor_id": "proc_header",
		"confidence": 0.95
	},
	"bronch_ebus_stations": ["4R", "7"],
	"bronch_stent_placed": {
		"performed": true,
		"evidence": [{"source": "note", "text": "stent deployed", "begin": 120, "finish": 134, "confidence": 0.8}],
		"extractor_id": "proc_narrative",
		"confidence": 0.8
	},
	"bronch_stent_site": "left mainstem",
	"pleural_chest_tube_inserted": {
		"performed": true,
		"evidence": [{"source": "note", "text": "pigtail placed", "begin": 150, "finish": 164, "confidence": 0.88}],
		"extractor_id": "proc_narrative",
		"confidence": 0.88
	},
	"pleural_chest_tube_side": "right",
	"sedation_moderate": {
		"performed": true,
		"evidence": [{"source": "note", "text": "moderate sedation", "begin": 180, "finish": 197, "confidence": 0.9}],
		"extractor_id": "proc_checkbox",
		"confidence": 0.9
	},
	"sedation_start_time": "09:10",
	"sedation_end_time": "09:55",
	"sedation_administered_by": "same_physician"
}`

func TestUpgradeV1(t *testing.T) {
	rec, err := UpgradeRecordJSON([]byte(v1Document))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("schema version = %d", rec.SchemaVersion)
	}
	if rec.NoteHash != "sha256:aa11" {
		t.Errorf("note hash = %s", rec.NoteHash)
	}

	// Flat keys land in the nested layout.
	if !rec.Bronch.Diagnostic.Performed {
		t.Error("diagnostic flag lost")
	}
	if !rec.Bronch.Lavage.Performed || rec.Bronch.Lavage.Sites[0] != "RML" {
		t.Errorf("lavage = %+v", rec.Bronch.Lavage)
	}
	if len(rec.Bronch.EBUS.Stations) != 2 || rec.Bronch.EBUS.Stations[1] != "7" {
		t.Errorf("ebus stations = %v", rec.Bronch.EBUS.Stations)
	}
	if !rec.Bronch.Stent.Placed.Performed || rec.Bronch.Stent.Site != "left mainstem" {
		t.Errorf("stent = %+v", rec.Bronch.Stent)
	}
	if !rec.Pleural.ChestTube.Inserted.Performed || rec.Pleural.ChestTube.Side != "right" {
		t.Errorf("chest tube = %+v", rec.Pleural.ChestTube)
	}

	// {begin,finish} spans become [start,end) pairs.
	ev := rec.Bronch.Diagnostic.Evidence
	if len(ev) != 1 || ev[0].Span != [2]int{14, 35} || ev[0].Text != "flexible bronchoscopy" {
		t.Errorf("evidence = %+v", ev)
	}

	// The sedation block stays computable.
	if minutes, ok := rec.SedationMinutes(); !ok || minutes != 45 {
		t.Errorf("sedation minutes = %d (%v)", minutes, ok)
	}
	if rec.Sedation.Moderate.AdministeredBy != SedationBySamePhysician {
		t.Errorf("administered by = %s", rec.Sedation.Moderate.AdministeredBy)
	}

	// v2-only fields stay zero.
	if rec.Bronch.RadialEBUS.Performed || rec.Bronch.Navigation.Performed || rec.Bronch.Stent.Removed.Performed {
		t.Error("fields without a v1 counterpart must stay unset")
	}

	if err := rec.Validate(0.8); err != nil {
		t.Errorf("upgraded record must validate: %v", err)
	}
}

func TestUpgradeV2Passthrough(t *testing.T) {
	orig := NewRecord("sha256:bb22")
	orig.Bronch.EBUS.Flag = Flag{
		Performed:   true,
		Evidence:    []clinical.EvidenceSpan{span(5, 14, 0.9)},
		ExtractorID: clinical.ExtractorNarrative,
		Confidence:  0.9,
	}
	orig.Bronch.EBUS.Stations = []string{"4R", "7", "11L"}

	raw, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec, err := UpgradeRecordJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.NoteHash != "sha256:bb22" {
		t.Errorf("note hash = %s", rec.NoteHash)
	}
	if len(rec.Bronch.EBUS.Stations) != 3 {
		t.Errorf("stations = %v", rec.Bronch.EBUS.Stations)
	}
	if rec.Bronch.EBUS.Evidence[0].Span != [2]int{5, 14} {
		t.Errorf("evidence span = %v", rec.Bronch.EBUS.Evidence[0].Span)
	}
}

func TestUpgradeMissingVersionTreatedAsV1(t *testing.T) {
	raw := []byte(`{
		"note_hash": "sha256:cc33",
		"bronch_diagnostic": {
			"performed": true,
			"evidence": [{"source": "note", "text": "bronchoscopy", "begin": 0, "finish": 12, "confidence": 0.8}],
			"extractor_id": "proc_header",
			"confidence": 0.8
		}
	}`)

	rec, err := UpgradeRecordJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Bronch.Diagnostic.Performed {
		t.Error("pre-versioning document must parse as v1")
	}
}

func TestUpgradeUnknownVersion(t *testing.T) {
	_, err := UpgradeRecordJSON([]byte(`{"schema_version": 7}`))
	if !errors.IsCode(err, errors.ErrCodeSchemaVersionUnknown) {
		t.Errorf("expected %s, got %v", errors.ErrCodeSchemaVersionUnknown, err)
	}
}

func TestUpgradeCorruptDocument(t *testing.T) {
	_, err := UpgradeRecordJSON([]byte(`{"schema_version": `))
	if !errors.IsCode(err, errors.ErrCodeNoteCorrupt) {
		t.Errorf("expected %s, got %v", errors.ErrCodeNoteCorrupt, err)
	}
}
