package coding

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/redis"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/adjudicator"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

// Corrective-pass skip reasons, surfaced verbatim in the response warnings.
const (
	SkipDisabled             = "disabled"
	SkipNoOmission           = "no_omission"
	SkipKeywordGuardFailed   = "keyword_guard_failed"
	SkipConcurrencyExhausted = "concurrency_exhausted"
)

// CorrectivePass runs the pipeline's only blocking external call: one
// adjudication per omission-flagged field, gated by a per-field keyword
// guard, bounded by a semaphore and a per-call timeout, and memoized in
// redis by (note hash, field). Failure of any single review degrades to a
// warning; the pass never fails the request.
type CorrectivePass struct {
	cfg      config.CorrectiveConfig
	reviewer adjudicator.Adjudicator
	verdicts *redis.VerdictCache
	sem      *semaphore.Weighted
	logger   logging.Logger
}

// NewCorrectivePass wires the adjudicator behind the configured concurrency
// bound. verdicts may be nil, in which case every review goes to the
// adjudicator directly.
func NewCorrectivePass(cfg config.CorrectiveConfig, reviewer adjudicator.Adjudicator, verdicts *redis.VerdictCache, logger logging.Logger) *CorrectivePass {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &CorrectivePass{
		cfg:      cfg,
		reviewer: reviewer,
		verdicts: verdicts,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logger.Named("corrective"),
	}
}

// Apply reviews each flagged field and patches the record in place. It
// returns whether any patch landed, plus human-readable warnings for every
// field that was skipped or whose review failed. The record must still be
// mutable.
func (p *CorrectivePass) Apply(ctx context.Context, note string, rec *registry.RegistryRecord, omissions []Omission) (bool, []string) {
	var (
		corrected bool
		warnings  []string
	)
	for _, om := range omissions {
		if !p.guardMatches(note, om.FieldPath) {
			warnings = append(warnings, skipWarning(om.FieldPath, SkipKeywordGuardFailed))
			p.logger.Info("corrective review skipped",
				logging.String("field_path", om.FieldPath),
				logging.String("reason", SkipKeywordGuardFailed))
			continue
		}

		if !p.sem.TryAcquire(1) {
			warnings = append(warnings, skipWarning(om.FieldPath, SkipConcurrencyExhausted))
			p.logger.Warn("corrective review skipped",
				logging.String("field_path", om.FieldPath),
				logging.String("reason", SkipConcurrencyExhausted))
			continue
		}

		patch, err := p.review(ctx, note, om)
		p.sem.Release(1)

		if err != nil {
			warnings = append(warnings, reviewWarning(om.FieldPath, err))
			p.logger.Warn("corrective review failed",
				logging.String("field_path", om.FieldPath),
				logging.Err(err))
			continue
		}
		if patch == nil {
			p.logger.Debug("adjudicator abstained",
				logging.String("field_path", om.FieldPath))
			continue
		}

		if err := rec.ApplyCorrection(patch.FieldPath, patch.NewValue, patch.Evidence, patch.Confidence, p.cfg.ConfidenceCeiling); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"corrective patch for %s discarded: %v", patch.FieldPath, err))
			p.logger.Warn("corrective patch discarded",
				logging.String("field_path", patch.FieldPath),
				logging.Err(err))
			continue
		}

		corrected = true
		p.logger.Info("corrective patch applied",
			logging.String("field_path", patch.FieldPath),
			logging.Float64("confidence", patch.Confidence))
	}
	return corrected, warnings
}

// review runs one adjudication under the per-call timeout, going through the
// verdict cache when one is wired.
func (p *CorrectivePass) review(ctx context.Context, note string, om Omission) (*adjudicator.Patch, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	hint := adjudicator.Hint{
		CodeHint:   om.Warning.CodeHint,
		Reason:     om.Warning.Reason,
		Confidence: om.Warning.TriggeringConfidence,
	}

	if p.verdicts == nil {
		return p.reviewer.Review(ctx, note, om.FieldPath, hint)
	}

	verdict, err := p.verdicts.GetOrReview(ctx, note, om.FieldPath, func(ctx context.Context) (*adjudicator.Patch, error) {
		return p.reviewer.Review(ctx, note, om.FieldPath, hint)
	})
	if err != nil {
		return nil, err
	}
	if verdict.Abstained {
		return nil, nil
	}
	return verdict.Patch, nil
}

// guardMatches reports whether the curated keyword list for the field
// co-occurs with the note. A field with no configured guard never reaches
// the adjudicator.
func (p *CorrectivePass) guardMatches(note, fieldPath string) bool {
	guards := p.cfg.KeywordGuards[fieldPath]
	if len(guards) == 0 {
		return false
	}
	lower := strings.ToLower(note)
	for _, kw := range guards {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func skipWarning(fieldPath, reason string) string {
	return fmt.Sprintf("corrective pass skipped for %s: %s", fieldPath, reason)
}

func reviewWarning(fieldPath string, err error) string {
	if errors.IsCode(err, errors.ErrCodeAdjudicationTimeout) {
		return fmt.Sprintf("corrective review of %s timed out", fieldPath)
	}
	return fmt.Sprintf("corrective review of %s failed: %v", fieldPath, err)
}
