package note_bert

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// RawSignal is the pre-filter view of the model output: the highest span
// confidence per field path, including spans too weak to become candidates.
// The omission scanner compares these against the finalized record.
type RawSignal map[string]float64

// LearnedExtractor adapts the served span labeler to the Detector contract.
// One instance is safe for concurrent use.
type LearnedExtractor struct {
	cfg    *Config
	client common.ServingClient
	logger logging.Logger
}

// NewLearnedExtractor validates cfg and wires the serving client.
func NewLearnedExtractor(cfg *Config, client common.ServingClient, logger logging.Logger) (*LearnedExtractor, error) {
	if cfg == nil {
		cfg = NewConfig(nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New(errors.ErrCodeValidation, "serving client is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LearnedExtractor{
		cfg:    cfg,
		client: client,
		logger: logger.Named("note_bert"),
	}, nil
}

// ID implements common.Detector.
func (e *LearnedExtractor) ID() string {
	return clinical.ExtractorNoteBERT
}

// Detect implements common.Detector, discarding the omission signal.
func (e *LearnedExtractor) Detect(ctx context.Context, note string) ([]clinical.CandidateDetection, error) {
	cands, _, err := e.DetectWithSignal(ctx, note)
	return cands, err
}

// DetectWithSignal runs one inference call and maps the output. Any defect
// in the response — transport failure, missing output, a row that does not
// parse, an unknown label, offsets outside the note — fails the whole call;
// the caller degrades to pattern extraction with a warning. Partial model
// output is never trusted.
func (e *LearnedExtractor) DetectWithSignal(ctx context.Context, note string) ([]clinical.CandidateDetection, RawSignal, error) {
	if note == "" {
		return nil, nil, nil
	}

	req := &common.PredictRequest{
		ModelName:    e.cfg.ModelName,
		ModelVersion: e.cfg.ModelVersion,
		InputData:    []byte(note),
		InputFormat:  common.FormatText,
	}
	resp, err := e.client.Predict(ctx, req)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeExtractorUnavailable, "note_bert inference failed")
	}

	raw, err := resp.Output("spans")
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeExtractorMalformed, "note_bert response has no spans output")
	}

	rows, err := decodeSpanRows(raw)
	if err != nil {
		return nil, nil, err
	}

	signal := make(RawSignal, len(rows))
	grouped := make(map[string][]clinical.EvidenceSpan)
	var order []string
	for i, row := range rows {
		path, ok := FieldPathForLabel(row.label)
		if !ok {
			return nil, nil, errors.Newf(errors.ErrCodeLabelUnknown,
				"note_bert row %d uses unknown label %q", i, row.label)
		}
		if row.start < 0 || row.end <= row.start || row.end > len(note) {
			return nil, nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d span [%d,%d) out of range for note of %d bytes",
				i, row.start, row.end, len(note))
		}
		if row.confidence < 0 || row.confidence > 1 {
			return nil, nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d confidence %g outside [0,1]", i, row.confidence)
		}

		if row.confidence > signal[path] {
			signal[path] = row.confidence
		}
		if row.confidence < e.cfg.MinSpanConfidence {
			continue
		}
		if _, seen := grouped[path]; !seen {
			order = append(order, path)
		}
		grouped[path] = append(grouped[path], clinical.EvidenceSpan{
			Source:     clinical.ExtractorNoteBERT,
			Text:       note[row.start:row.end],
			Span:       [2]int{row.start, row.end},
			Confidence: row.confidence,
		})
	}

	cands := make([]clinical.CandidateDetection, 0, len(order))
	for _, path := range order {
		spans := grouped[path]
		sort.Slice(spans, func(i, j int) bool { return spans[i].Span[0] < spans[j].Span[0] })
		cands = append(cands, clinical.CandidateDetection{
			FieldPath:     path,
			Value:         true,
			Evidence:      spans,
			ExtractorID:   clinical.ExtractorNoteBERT,
			PriorityClass: clinical.PriorityNarrative,
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].FieldPath < cands[j].FieldPath })

	e.logger.Debug("note_bert spans mapped",
		logging.Int("rows", len(rows)),
		logging.Int("candidates", len(cands)),
	)
	return cands, signal, nil
}

// spanRow is one decoded [label, start, end, confidence] row.
type spanRow struct {
	label      string
	start      int
	end        int
	confidence float64
}

func decodeSpanRows(raw []byte) ([]spanRow, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExtractorMalformed, "note_bert spans output is not a JSON matrix")
	}

	out := make([]spanRow, 0, len(rows))
	for i, r := range rows {
		if len(r) != 4 {
			return nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d has %d elements, want 4", i, len(r))
		}
		label, ok := r[0].(string)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d label is %T, want string", i, r[0])
		}
		start, err := intCell(r[1])
		if err != nil {
			return nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d start offset: %v", i, err)
		}
		end, err := intCell(r[2])
		if err != nil {
			return nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d end offset: %v", i, err)
		}
		conf, ok := r[3].(float64)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeExtractorMalformed,
				"note_bert row %d confidence is %T, want number", i, r[3])
		}
		out = append(out, spanRow{label: label, start: start, end: end, confidence: conf})
	}
	return out, nil
}

func intCell(v interface{}) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, errors.Newf(errors.ErrCodeExtractorMalformed, "offset is %T, want integer", v)
	}
	if f != math.Trunc(f) {
		return 0, errors.Newf(errors.ErrCodeExtractorMalformed, "offset %g is not an integer", f)
	}
	return int(f), nil
}
