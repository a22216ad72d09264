package code_net

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Predictor runs the code classifier over raw note text. It is read-only
// cross-validation: the caller feeds its output to the reconciler and
// nowhere else. One instance is safe for concurrent use.
type Predictor struct {
	cfg     *Config
	client  common.ServingClient
	allowed map[string]bool
	logger  logging.Logger
}

// NewPredictor validates cfg and wires the serving client.
func NewPredictor(cfg *Config, client common.ServingClient, logger logging.Logger) (*Predictor, error) {
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
	var allowed map[string]bool
	if len(cfg.AllowedCodes) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedCodes))
		for _, c := range cfg.AllowedCodes {
			allowed[c] = true
		}
	}
	return &Predictor{
		cfg:     cfg,
		client:  client,
		allowed: allowed,
		logger:  logger.Named("code_net"),
	}, nil
}

// Predict runs one inference call and decodes the proposed code set. Output
// contract: a "codes" output holding a JSON matrix [[code, confidence], ...].
// Any defective row fails the whole call; the pipeline then reconciles
// against an empty prediction with a warning, exactly as if the predictor
// were down. Duplicate codes keep their highest confidence.
func (p *Predictor) Predict(ctx context.Context, note string) ([]clinical.PredictedCode, error) {
	if note == "" {
		return nil, nil
	}

	req := &common.PredictRequest{
		ModelName:    p.cfg.ModelName,
		ModelVersion: p.cfg.ModelVersion,
		InputData:    []byte(note),
		InputFormat:  common.FormatText,
	}
	resp, err := p.client.Predict(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePredictorUnavailable, "code_net inference failed")
	}

	raw, err := resp.Output("codes")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePredictorMalformed, "code_net response has no codes output")
	}

	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePredictorMalformed, "code_net codes output is not a JSON matrix")
	}

	best := make(map[string]float64, len(rows))
	for i, row := range rows {
		if len(row) != 2 {
			return nil, errors.Newf(errors.ErrCodePredictorMalformed,
				"code_net row %d has %d elements, want 2", i, len(row))
		}
		code, ok := row[0].(string)
		if !ok {
			return nil, errors.Newf(errors.ErrCodePredictorMalformed,
				"code_net row %d code is %T, want string", i, row[0])
		}
		conf, ok := row[1].(float64)
		if !ok {
			return nil, errors.Newf(errors.ErrCodePredictorMalformed,
				"code_net row %d confidence is %T, want number", i, row[1])
		}
		if conf < 0 || conf > 1 {
			return nil, errors.Newf(errors.ErrCodePredictorMalformed,
				"code_net row %d confidence %g outside [0,1]", i, conf)
		}
		if !codeShapeRe.MatchString(code) {
			return nil, errors.Newf(errors.ErrCodePredictorMalformed,
				"code_net row %d code %q is not a valid code shape", i, code)
		}
		if p.allowed != nil && !p.allowed[code] {
			return nil, errors.Newf(errors.ErrCodePredictorMalformed,
				"code_net row %d code %q is outside the catalog", i, code)
		}
		if conf < p.cfg.MinConfidence {
			continue
		}
		if conf > best[code] {
			best[code] = conf
		}
	}

	out := make([]clinical.PredictedCode, 0, len(best))
	for code, conf := range best {
		out = append(out, clinical.PredictedCode{Code: code, Confidence: conf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })

	p.logger.Debug("code_net prediction mapped",
		logging.Int("rows", len(rows)),
		logging.Int("codes", len(out)),
	)
	return out, nil
}
