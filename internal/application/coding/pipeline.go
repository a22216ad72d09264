// Package coding orchestrates the note-to-codes pipeline: concurrent
// extraction, guardrail filtering, registry assembly, the omission self-audit
// with its gated corrective pass, deterministic code derivation, and
// reconciliation against the secondary predictor.
package coding

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/redis"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/code_net"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/guardrails"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/note_bert"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/proc_extractor"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Options are the per-request feature gates. A gate only enables a stage
// whose dependency was actually wired; requesting the learned extractor on a
// pipeline built without one degrades with a warning.
type Options struct {
	EnableLearnedExtractor   bool `json:"enable_learned_extractor"`
	EnableCorrectivePass     bool `json:"enable_corrective_pass"`
	EnableSecondaryPredictor bool `json:"enable_secondary_predictor"`
}

// DefaultOptions derives the per-request gates from the pipeline config.
func DefaultOptions(cfg config.PipelineConfig) Options {
	return Options{
		EnableLearnedExtractor:   cfg.EnableLearnedExtractor,
		EnableCorrectivePass:     cfg.EnableCorrectivePass,
		EnableSecondaryPredictor: cfg.EnableSecondaryPredictor,
	}
}

// Result is the response envelope for one coded note.
type Result struct {
	Registry         *registry.RegistryRecord      `json:"registry"`
	Codes            []clinical.CodeEntry          `json:"codes"`
	Reconciliation   clinical.ReconciliationResult `json:"reconciliation"`
	OmissionWarnings []clinical.OmissionWarning    `json:"omission_warnings"`
	Corrected        bool                          `json:"corrected"`
	Warnings         []string                      `json:"warnings,omitempty"`
}

// Deps are the model-backed and external collaborators. Learned, Predictor,
// Adjudicator and Verdicts are optional; the pipeline degrades to the
// deterministic path without them.
type Deps struct {
	Learned    *note_bert.LearnedExtractor
	Predictor  *code_net.Predictor
	Corrective *CorrectivePass
	Verdicts   *redis.VerdictCache
	Logger     logging.Logger
}

// Pipeline owns one note's journey from raw text to reconciled codes. It is
// safe for concurrent use: every execution works on its own record and the
// only shared mutable state is the corrective pass semaphore.
type Pipeline struct {
	cfg        config.PipelineConfig
	patterns   *proc_extractor.PatternExtractor
	learned    *note_bert.LearnedExtractor
	predictor  *code_net.Predictor
	filter     *guardrails.Filter
	backstops  *guardrails.Backstops
	assembler  *registry.Assembler
	omissions  *OmissionScanner
	corrective *CorrectivePass
	catalog    []billing.Descriptor
	logger     logging.Logger
}

// NewPipeline assembles the deterministic stages around the wired deps.
func NewPipeline(cfg config.PipelineConfig, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("pipeline")

	return &Pipeline{
		cfg:        cfg,
		patterns:   proc_extractor.NewPatternExtractor(proc_extractor.DefaultConfig(), logger),
		learned:    deps.Learned,
		predictor:  deps.Predictor,
		filter:     guardrails.NewFilter(guardrails.DefaultFilterConfig(), logger),
		backstops:  guardrails.NewBackstops(logger),
		assembler:  registry.NewAssembler(logger),
		omissions:  NewOmissionScanner(cfg.Omission, logger),
		corrective: deps.Corrective,
		catalog:    billing.DefaultCatalog(),
		logger:     logger,
	}
}

// Process codes one note. The only hard failures are a corrupt note (empty
// or invalid UTF-8) and a derivation catalog fault; every model-path problem
// degrades into the Warnings list.
func (p *Pipeline) Process(ctx context.Context, rawNote string, opts Options) (*Result, error) {
	if strings.TrimSpace(rawNote) == "" {
		return nil, errors.New(errors.ErrCodeNoteCorrupt, "note text is empty")
	}
	if !utf8.ValidString(rawNote) {
		return nil, errors.New(errors.ErrCodeNoteCorrupt, "note text is not valid UTF-8")
	}

	note := proc_extractor.CanonicalNote(rawNote)
	noteHash := redis.NoteHash(note)
	var warnings []string

	// Pattern extraction, learned extraction and the secondary predictor
	// all read the same immutable text; run them together. Only the pattern
	// path can fail the request.
	var (
		patternCands []clinical.CandidateDetection
		learnedCands []clinical.CandidateDetection
		signal       note_bert.RawSignal
		learnedWarn  string
		predicted    []clinical.PredictedCode
		predictWarn  string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cands, err := p.patterns.Detect(gctx, note)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeExtractionFailed, "pattern extraction failed")
		}
		patternCands = cands
		return nil
	})
	if opts.EnableLearnedExtractor {
		g.Go(func() error {
			cands, sig, err := p.detectLearned(gctx, note)
			if err != nil {
				learnedWarn = "learned extractor unavailable: " + err.Error()
				return nil
			}
			learnedCands, signal = cands, sig
			return nil
		})
	}
	if opts.EnableSecondaryPredictor {
		g.Go(func() error {
			codes, err := p.predictCodes(gctx, note)
			if err != nil {
				predictWarn = "secondary predictor unavailable: " + err.Error()
				return nil
			}
			predicted = codes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if learnedWarn != "" {
		warnings = append(warnings, learnedWarn)
		p.logger.Warn("proceeding pattern-only", logging.String("note_hash", noteHash))
	}
	if predictWarn != "" {
		warnings = append(warnings, predictWarn)
	}

	merged := append(patternCands, learnedCands...)
	kept, verdicts := p.filter.Apply(note, merged)
	p.logger.Debug("guardrails applied",
		logging.String("note_hash", noteHash),
		logging.Int("candidates", len(merged)),
		logging.Int("kept", len(kept)),
		logging.Int("verdicts", len(verdicts)))
	kept = p.backstops.Apply(note, kept)

	assembly := p.assembler.Assemble(noteHash, len(note), kept)
	warnings = append(warnings, assembly.Warnings...)
	rec := assembly.Record

	omissions := p.omissions.Scan(rec, signal)

	corrected := false
	switch {
	case len(omissions) == 0:
		// Nothing to correct; no warning either.
	case !opts.EnableCorrectivePass || p.corrective == nil:
		for _, om := range omissions {
			warnings = append(warnings, skipWarning(om.FieldPath, SkipDisabled))
		}
	default:
		var passWarnings []string
		corrected, passWarnings = p.corrective.Apply(ctx, note, rec, omissions)
		warnings = append(warnings, passWarnings...)
	}

	rec.Freeze()

	codes, deriveWarnings, err := billing.Derive(rec, p.catalog, p.deriveOptions())
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, deriveWarnings...)

	recon := billing.Reconcile(codes, predicted, billing.ReconcileOptions{
		LowConfidence: p.cfg.Reconcile.LowConfidence,
	})

	p.logger.Info("note coded",
		logging.String("note_hash", noteHash),
		logging.Int("codes", len(codes)),
		logging.String("recommendation", recon.Recommendation.String()),
		logging.Int("omission_warnings", len(omissions)))

	return &Result{
		Registry:         rec,
		Codes:            codes,
		Reconciliation:   recon,
		OmissionWarnings: Warnings(omissions),
		Corrected:        corrected,
		Warnings:         warnings,
	}, nil
}

// detectLearned runs the learned extractor under its own timeout so a stuck
// model server cannot stall the deterministic path.
func (p *Pipeline) detectLearned(ctx context.Context, note string) ([]clinical.CandidateDetection, note_bert.RawSignal, error) {
	if p.learned == nil {
		return nil, nil, errors.New(errors.ErrCodeExtractorUnavailable, "learned extractor not configured")
	}
	if p.cfg.LearnedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.LearnedTimeout)
		defer cancel()
	}
	return p.learned.DetectWithSignal(ctx, note)
}

func (p *Pipeline) predictCodes(ctx context.Context, note string) ([]clinical.PredictedCode, error) {
	if p.predictor == nil {
		return nil, errors.New(errors.ErrCodePredictorUnavailable, "secondary predictor not configured")
	}
	return p.predictor.Predict(ctx, note)
}

func (p *Pipeline) deriveOptions() billing.DeriveOptions {
	d := p.cfg.Derivation
	return billing.DeriveOptions{
		StationTierBoundary:  d.StationTierBoundary,
		MinSedationMinutes:   d.MinSedationMinutes,
		SedationUnitMinutes:  d.SedationUnitMinutes,
		DistinctSiteModifier: d.DistinctSiteModifier,
	}
}
