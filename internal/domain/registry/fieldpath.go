package registry

import (
	"fmt"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// Field paths are the only names the rest of the system uses to address
// registry fields. Extractors emit them, the assembler and corrective pass
// write through them, and derivation predicates read through them. Unknown
// paths are rejected, never silently created.

// detailKind types the non-flag detail paths.
type detailKind int

const (
	detailString detailKind = iota
	detailStringList
	detailInt
)

// flagTable maps every boolean field path to its storage slot.
var flagTable = map[string]func(*RegistryRecord) *Flag{
	"bronch.diagnostic":             func(r *RegistryRecord) *Flag { return &r.Bronch.Diagnostic },
	"bronch.lavage":                 func(r *RegistryRecord) *Flag { return &r.Bronch.Lavage.Flag },
	"bronch.endobronchial_biopsy":   func(r *RegistryRecord) *Flag { return &r.Bronch.EndobronchialBiopsy.Flag },
	"bronch.transbronchial_biopsy":  func(r *RegistryRecord) *Flag { return &r.Bronch.TransbronchialBiopsy.Flag },
	"bronch.ebus":                   func(r *RegistryRecord) *Flag { return &r.Bronch.EBUS.Flag },
	"bronch.radial_ebus":            func(r *RegistryRecord) *Flag { return &r.Bronch.RadialEBUS },
	"bronch.navigation":             func(r *RegistryRecord) *Flag { return &r.Bronch.Navigation.Flag },
	"bronch.cryotherapy":            func(r *RegistryRecord) *Flag { return &r.Bronch.Cryotherapy.Flag },
	"bronch.dilation":               func(r *RegistryRecord) *Flag { return &r.Bronch.Dilation.Flag },
	"bronch.stent.placed":           func(r *RegistryRecord) *Flag { return &r.Bronch.Stent.Placed },
	"bronch.stent.removed":          func(r *RegistryRecord) *Flag { return &r.Bronch.Stent.Removed },
	"bronch.foreign_body":           func(r *RegistryRecord) *Flag { return &r.Bronch.ForeignBody },
	"bronch.therapeutic_aspiration": func(r *RegistryRecord) *Flag { return &r.Bronch.TherapeuticAspiration },
	"pleural.chest_tube.inserted":   func(r *RegistryRecord) *Flag { return &r.Pleural.ChestTube.Inserted },
	"pleural.chest_tube.removed":    func(r *RegistryRecord) *Flag { return &r.Pleural.ChestTube.Removed },
	"pleural.thoracentesis":         func(r *RegistryRecord) *Flag { return &r.Pleural.Thoracentesis.Flag },
	"imaging.chest_ultrasound":      func(r *RegistryRecord) *Flag { return &r.Imaging.ChestUltrasound },
	"sedation.moderate":             func(r *RegistryRecord) *Flag { return &r.Sedation.Moderate.Flag },
}

// detailTable maps every detail path to its kind and storage slot. Exactly
// one of the accessor funcs is non-nil per entry.
type detailAccessor struct {
	kind detailKind
	str  func(*RegistryRecord) *string
	list func(*RegistryRecord) *[]string
	num  func(*RegistryRecord) *int
}

var detailTable = map[string]detailAccessor{
	"bronch.lavage.sites": {
		kind: detailStringList,
		list: func(r *RegistryRecord) *[]string { return &r.Bronch.Lavage.Sites },
	},
	"bronch.endobronchial_biopsy.count": {
		kind: detailInt,
		num:  func(r *RegistryRecord) *int { return &r.Bronch.EndobronchialBiopsy.Count },
	},
	"bronch.endobronchial_biopsy.sites": {
		kind: detailStringList,
		list: func(r *RegistryRecord) *[]string { return &r.Bronch.EndobronchialBiopsy.Sites },
	},
	"bronch.transbronchial_biopsy.lobes": {
		kind: detailStringList,
		list: func(r *RegistryRecord) *[]string { return &r.Bronch.TransbronchialBiopsy.Lobes },
	},
	"bronch.ebus.stations": {
		kind: detailStringList,
		list: func(r *RegistryRecord) *[]string { return &r.Bronch.EBUS.Stations },
	},
	"bronch.ebus.needle_gauge": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Bronch.EBUS.NeedleGauge },
	},
	"bronch.navigation.platform": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Bronch.Navigation.Platform },
	},
	"bronch.cryotherapy.sites": {
		kind: detailStringList,
		list: func(r *RegistryRecord) *[]string { return &r.Bronch.Cryotherapy.Sites },
	},
	"bronch.dilation.sites": {
		kind: detailStringList,
		list: func(r *RegistryRecord) *[]string { return &r.Bronch.Dilation.Sites },
	},
	"bronch.stent.site": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Bronch.Stent.Site },
	},
	"bronch.stent.device": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Bronch.Stent.Device },
	},
	"pleural.chest_tube.side": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Pleural.ChestTube.Side },
	},
	"pleural.chest_tube.device": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Pleural.ChestTube.Device },
	},
	"pleural.thoracentesis.side": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Pleural.Thoracentesis.Side },
	},
	"sedation.moderate.start_time": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Sedation.Moderate.StartTime },
	},
	"sedation.moderate.end_time": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Sedation.Moderate.EndTime },
	},
	"sedation.moderate.minutes": {
		kind: detailInt,
		num:  func(r *RegistryRecord) *int { return &r.Sedation.Moderate.Minutes },
	},
	"sedation.moderate.administered_by": {
		kind: detailString,
		str:  func(r *RegistryRecord) *string { return &r.Sedation.Moderate.AdministeredBy },
	},
}

// ─────────────────────────────────────────────────────────────────────────────
// Lookups
// ─────────────────────────────────────────────────────────────────────────────

// IsFlagPath reports whether path addresses a boolean procedure flag.
func IsFlagPath(path string) bool {
	_, ok := flagTable[path]
	return ok
}

// IsDetailPath reports whether path addresses a structured detail field.
func IsDetailPath(path string) bool {
	_, ok := detailTable[path]
	return ok
}

// IsKnownFieldPath reports whether path addresses any registry field.
func IsKnownFieldPath(path string) bool {
	return IsFlagPath(path) || IsDetailPath(path)
}

// KnownFlagPaths returns every flag path in lexical order.
func KnownFlagPaths() []string {
	paths := make([]string, 0, len(flagTable))
	for p := range flagTable {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// KnownFieldPaths returns every addressable path, flags and details, in
// lexical order.
func KnownFieldPaths() []string {
	paths := make([]string, 0, len(flagTable)+len(detailTable))
	for p := range flagTable {
		paths = append(paths, p)
	}
	for p := range detailTable {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func unknownPathError(path string) error {
	return errors.New(errors.ErrCodeFieldPathUnknown,
		fmt.Sprintf("unknown registry field path: %q", path))
}

func flagAt(r *RegistryRecord, path string) (*Flag, error) {
	get, ok := flagTable[path]
	if !ok {
		if IsDetailPath(path) {
			return nil, errors.New(errors.ErrCodeCandidateValueInvalid,
				fmt.Sprintf("field path %q is a detail field, not a flag", path))
		}
		return nil, unknownPathError(path)
	}
	return get(r), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Detail coercion
// ─────────────────────────────────────────────────────────────────────────────

// setDetail coerces and stores a candidate detail value. Candidates arrive
// with loosely typed values (JSON decoding yields float64 and []interface{});
// anything that does not coerce cleanly is rejected.
func setDetail(r *RegistryRecord, path string, value interface{}) error {
	acc, ok := detailTable[path]
	if !ok {
		if IsFlagPath(path) {
			return errors.New(errors.ErrCodeCandidateValueInvalid,
				fmt.Sprintf("field path %q is a flag, not a detail field", path))
		}
		return unknownPathError(path)
	}

	switch acc.kind {
	case detailString:
		s, ok := value.(string)
		if !ok {
			return coercionError(path, "string", value)
		}
		*acc.str(r) = s
	case detailStringList:
		list, err := coerceStringList(value)
		if err != nil {
			return coercionError(path, "string list", value)
		}
		*acc.list(r) = list
	case detailInt:
		n, ok := coerceInt(value)
		if !ok {
			return coercionError(path, "integer", value)
		}
		*acc.num(r) = n
	}
	return nil
}

// detailAt returns the typed detail value at path.
func detailAt(r *RegistryRecord, path string) (interface{}, error) {
	acc, ok := detailTable[path]
	if !ok {
		return nil, unknownPathError(path)
	}
	switch acc.kind {
	case detailString:
		return *acc.str(r), nil
	case detailStringList:
		return *acc.list(r), nil
	default:
		return *acc.num(r), nil
	}
}

func coercionError(path, want string, got interface{}) error {
	return errors.New(errors.ErrCodeCandidateValueInvalid,
		fmt.Sprintf("field path %q expects a %s value, got %T", path, want, got))
}

func coerceStringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list element is %T, not string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value is %T", value)
	}
}

func coerceInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
