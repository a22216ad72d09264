package coding

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/adjudicator"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/code_net"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/note_bert"
	"github.com/turtacn/MedCode-Intelligence/internal/testutil"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

const lavageNote = "Bronchoalveolar lavage was performed in the right middle lobe with 60cc return."

// suppressionNote documents a biopsy tool without an action: the pattern path
// sees nothing, the learned path signals strongly, and the guardrails drop
// the verb-less candidate. The watch list is built for exactly this shape.
const suppressionNote = "Flexible bronchoscopy was performed without difficulty. " +
	"The airways were inspected bilaterally to the subsegmental level. " +
	"Transbronchial biopsy forceps were available in the room for possible sampling."

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Corrective: config.CorrectiveConfig{
			MaxConcurrent:     2,
			Timeout:           time.Second,
			ConfidenceCeiling: 0.70,
			KeywordGuards: map[string][]string{
				"bronch.transbronchial_biopsy": {"transbronchial"},
			},
		},
		Omission:   config.OmissionConfig{MinConfidence: 0.75},
		Derivation: config.DerivationConfig{StationTierBoundary: 3, MinSedationMinutes: 10, SedationUnitMinutes: 15, DistinctSiteModifier: "59"},
		Reconcile:  config.ReconcileConfig{LowConfidence: 0.50},
	}
}

// spanClient serves one learned span per call, locating phrase in whatever
// note the extractor sends.
func spanClient(t *testing.T, label, phrase string, confidence float64) *common.MockServingClient {
	t.Helper()
	return &common.MockServingClient{
		PredictFunc: func(_ context.Context, req *common.PredictRequest) (*common.PredictResponse, error) {
			note := string(req.InputData)
			start := strings.Index(note, phrase)
			require.GreaterOrEqual(t, start, 0, "phrase %q not in note", phrase)
			rows := [][]interface{}{{label, start, start + len(phrase), confidence}}
			raw, err := json.Marshal(rows)
			require.NoError(t, err)
			return &common.PredictResponse{
				ModelName:    req.ModelName,
				Outputs:      map[string][]byte{"spans": raw},
				OutputFormat: common.FormatJSON,
			}, nil
		},
	}
}

func failingClient(code errors.ErrorCode) *common.MockServingClient {
	return &common.MockServingClient{
		PredictFunc: func(context.Context, *common.PredictRequest) (*common.PredictResponse, error) {
			return nil, errors.New(code, "serving backend down")
		},
	}
}

func codesClient(codesJSON string) *common.MockServingClient {
	return &common.MockServingClient{
		PredictFunc: func(_ context.Context, req *common.PredictRequest) (*common.PredictResponse, error) {
			return &common.PredictResponse{
				ModelName:    req.ModelName,
				Outputs:      map[string][]byte{"codes": []byte(codesJSON)},
				OutputFormat: common.FormatJSON,
			}, nil
		},
	}
}

func newLearned(t *testing.T, client common.ServingClient) *note_bert.LearnedExtractor {
	t.Helper()
	ex, err := note_bert.NewLearnedExtractor(note_bert.NewConfig(nil), client, nil)
	require.NoError(t, err)
	return ex
}

func newSecondary(t *testing.T, client common.ServingClient) *code_net.Predictor {
	t.Helper()
	p, err := code_net.NewPredictor(code_net.NewConfig(nil), client, nil)
	require.NoError(t, err)
	return p
}

func codesOf(entries []clinical.CodeEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Code)
	}
	return out
}

func TestProcess_CorruptNote(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{})

	for name, note := range map[string]string{
		"empty":        "",
		"whitespace":   " \n\t ",
		"invalid utf8": "Bronchoscopy \xff\xfe note",
	} {
		t.Run(name, func(t *testing.T) {
			res, err := p.Process(context.Background(), note, Options{})
			assert.Nil(t, res)
			assert.True(t, errors.IsCode(err, errors.ErrCodeNoteCorrupt), "got %v", err)
		})
	}
}

func TestProcess_DeterministicPathOnly(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{})

	res, err := p.Process(context.Background(), lavageNote, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"31624"}, codesOf(res.Codes))
	assert.Equal(t, clinical.RecommendAutoApprove, res.Reconciliation.Recommendation)
	assert.False(t, res.Corrected)
	assert.Empty(t, res.OmissionWarnings)
	require.NotNil(t, res.Registry)
	assert.True(t, res.Registry.Frozen())
	assert.True(t, res.Registry.Bronch.Lavage.Performed)
}

func TestProcess_EvidenceIsVerbatim(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{})

	res, err := p.Process(context.Background(), lavageNote, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Codes)
	for _, e := range res.Codes {
		for _, ev := range e.Evidence {
			assert.True(t, ev.VerbatimIn(lavageNote), "span %v text %q", ev.Span, ev.Text)
		}
	}
}

func TestProcess_LearnedExtractorFailureDegrades(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{
		Learned: newLearned(t, failingClient(errors.ErrCodeServingUnavailable)),
	})

	res, err := p.Process(context.Background(), lavageNote, Options{EnableLearnedExtractor: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"31624"}, codesOf(res.Codes))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "learned extractor unavailable")
}

func TestProcess_LearnedExtractorRequestedButNotWired(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{})

	res, err := p.Process(context.Background(), lavageNote, Options{EnableLearnedExtractor: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "not configured")
}

func TestProcess_LearnedDegradationIsLogged(t *testing.T) {
	rec := testutil.NewRecordingLogger()
	p := NewPipeline(pipelineConfig(), Deps{
		Learned: newLearned(t, failingClient(errors.ErrCodeServingUnavailable)),
		Logger:  rec,
	})

	_, err := p.Process(context.Background(), lavageNote, Options{EnableLearnedExtractor: true})
	require.NoError(t, err)
	assert.True(t, rec.Has("warn", "proceeding pattern-only"), "entries: %+v", rec.Entries())
}

func TestProcess_SecondaryPredictorAgreement(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{
		Predictor: newSecondary(t, codesClient(`[["31624", 0.91]]`)),
	})

	res, err := p.Process(context.Background(), lavageNote, Options{EnableSecondaryPredictor: true})
	require.NoError(t, err)

	assert.Equal(t, clinical.RecommendAutoApprove, res.Reconciliation.Recommendation)
	assert.Equal(t, []string{"31624"}, res.Reconciliation.Matched)
	assert.Empty(t, res.Reconciliation.PredictorOnly)
}

func TestProcess_SecondaryPredictorHighConfidenceMissFlagsAudit(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{
		Predictor: newSecondary(t, codesClient(`[["31624", 0.91], ["31653", 0.88]]`)),
	})

	res, err := p.Process(context.Background(), lavageNote, Options{EnableSecondaryPredictor: true})
	require.NoError(t, err)

	assert.Equal(t, clinical.RecommendFlagForAudit, res.Reconciliation.Recommendation)
	assert.Equal(t, []string{"31653"}, res.Reconciliation.PredictorOnly)
	// The predictor never adds codes.
	assert.Equal(t, []string{"31624"}, codesOf(res.Codes))
}

func TestProcess_SecondaryPredictorLowConfidenceMissNeedsReview(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{
		Predictor: newSecondary(t, codesClient(`[["31624", 0.91], ["31653", 0.30]]`)),
	})

	res, err := p.Process(context.Background(), lavageNote, Options{EnableSecondaryPredictor: true})
	require.NoError(t, err)

	assert.Equal(t, clinical.RecommendReviewNeeded, res.Reconciliation.Recommendation)
}

func TestProcess_SecondaryPredictorFailureDegrades(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{
		Predictor: newSecondary(t, failingClient(errors.ErrCodeServingUnavailable)),
	})

	res, err := p.Process(context.Background(), lavageNote, Options{EnableSecondaryPredictor: true})
	require.NoError(t, err)

	assert.Equal(t, clinical.RecommendAutoApprove, res.Reconciliation.Recommendation)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "secondary predictor unavailable")
}

func TestProcess_OmissionWithCorrectiveDisabled(t *testing.T) {
	p := NewPipeline(pipelineConfig(), Deps{
		Learned: newLearned(t, spanClient(t, "TBBX", "Transbronchial biopsy", 0.90)),
	})

	res, err := p.Process(context.Background(), suppressionNote, Options{EnableLearnedExtractor: true})
	require.NoError(t, err)

	// The guardrails dropped the verb-less candidate, the raw signal kept it.
	require.Len(t, res.OmissionWarnings, 1)
	assert.Equal(t, "31628", res.OmissionWarnings[0].CodeHint)
	assert.False(t, res.Corrected)
	assert.False(t, res.Registry.Bronch.TransbronchialBiopsy.Performed)
	assert.Equal(t, []string{"31622"}, codesOf(res.Codes))

	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], SkipDisabled)
}

func TestProcess_CorrectiveGateKeywordGuardFailure(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Corrective.KeywordGuards["bronch.transbronchial_biopsy"] = []string{"cryoprobe"}
	adj := &fakeAdjudicator{
		reviewFn: func(context.Context, string, string, adjudicator.Hint) (*adjudicator.Patch, error) {
			return tbbxPatch(), nil
		},
	}
	p := NewPipeline(cfg, Deps{
		Learned:    newLearned(t, spanClient(t, "TBBX", "Transbronchial biopsy", 0.90)),
		Corrective: NewCorrectivePass(cfg.Corrective, adj, nil, nil),
	})

	res, err := p.Process(context.Background(), suppressionNote, Options{
		EnableLearnedExtractor: true,
		EnableCorrectivePass:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, adj.callCount())
	assert.False(t, res.Corrected)
	require.Len(t, res.OmissionWarnings, 1)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], SkipKeywordGuardFailed)
}

func TestProcess_CorrectivePatchFlowsIntoDerivation(t *testing.T) {
	cfg := pipelineConfig()
	adj := &fakeAdjudicator{
		reviewFn: func(_ context.Context, note, fieldPath string, _ adjudicator.Hint) (*adjudicator.Patch, error) {
			start := strings.Index(note, "Transbronchial biopsy")
			require.GreaterOrEqual(t, start, 0)
			return &adjudicator.Patch{
				FieldPath: fieldPath,
				NewValue:  true,
				Evidence: []clinical.EvidenceSpan{{
					Source:     clinical.ExtractorCorrective,
					Text:       "Transbronchial biopsy",
					Span:       [2]int{start, start + len("Transbronchial biopsy")},
					Confidence: 0.90,
				}},
				Confidence: 0.90,
			}, nil
		},
	}
	p := NewPipeline(cfg, Deps{
		Learned:    newLearned(t, spanClient(t, "TBBX", "Transbronchial biopsy", 0.90)),
		Corrective: NewCorrectivePass(cfg.Corrective, adj, nil, nil),
	})

	res, err := p.Process(context.Background(), suppressionNote, Options{
		EnableLearnedExtractor: true,
		EnableCorrectivePass:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, adj.callCount())
	assert.True(t, res.Corrected)
	require.Len(t, res.OmissionWarnings, 1)

	flag := res.Registry.Bronch.TransbronchialBiopsy.Flag
	assert.True(t, flag.Performed)
	assert.Equal(t, clinical.ExtractorCorrective, flag.ExtractorID)
	assert.Less(t, flag.Confidence, cfg.Corrective.ConfidenceCeiling)

	// 31628 now derives and bundles away the diagnostic base code.
	assert.Equal(t, []string{"31628"}, codesOf(res.Codes))
}

func TestProcess_CorrectiveFailureNeverFailsRequest(t *testing.T) {
	cfg := pipelineConfig()
	adj := &fakeAdjudicator{
		reviewFn: func(context.Context, string, string, adjudicator.Hint) (*adjudicator.Patch, error) {
			return nil, errors.New(errors.ErrCodeAdjudicationUnavailable, "retries exhausted")
		},
	}
	p := NewPipeline(cfg, Deps{
		Learned:    newLearned(t, spanClient(t, "TBBX", "Transbronchial biopsy", 0.90)),
		Corrective: NewCorrectivePass(cfg.Corrective, adj, nil, nil),
	})

	res, err := p.Process(context.Background(), suppressionNote, Options{
		EnableLearnedExtractor: true,
		EnableCorrectivePass:   true,
	})
	require.NoError(t, err)

	assert.False(t, res.Corrected)
	assert.Equal(t, []string{"31622"}, codesOf(res.Codes))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "failed")
}

func TestDefaultOptions_MirrorsConfig(t *testing.T) {
	cfg := pipelineConfig()
	cfg.EnableLearnedExtractor = true
	cfg.EnableSecondaryPredictor = true

	opts := DefaultOptions(cfg)
	assert.True(t, opts.EnableLearnedExtractor)
	assert.False(t, opts.EnableCorrectivePass)
	assert.True(t, opts.EnableSecondaryPredictor)
}
