package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/MedCode-Intelligence/internal/application/coding"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres/repositories"
	redisdb "github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/redis"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/milvus"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/opensearch"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/storage/minio"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

const eventSource = "worker"

// codingJob carries one submission through the batch processor.
type codingJob struct {
	noteHash string
	note     string
	opts     coding.Options
}

// noteProcessor consumes note.submitted events: it resolves the raw text
// from object storage, serialises per-note work through a distributed lock,
// runs the coding pipeline, persists and mirrors the result, and announces
// the outcome on the bus. Handler errors propagate to the consumer, which
// owns retry and dead-lettering.
type noteProcessor struct {
	notes    *minio.NoteStore
	locks    *redisdb.LockFactory
	pipeline *coding.Pipeline
	opts     coding.Options
	results  *repositories.ResultRepository
	audits   *repositories.AuditRepository
	producer *kafka.Producer             // optional
	index    *opensearch.CodedNoteIndex  // optional
	passages *milvus.PassageStore        // optional
	batch    *common.BatchProcessor[codingJob, *coding.Result]
	metrics  *prometheus.PipelineMetrics // optional
	logger   logging.Logger
}

// Handle processes one note.submitted message. A nil return commits the
// offset; an error hands the message back to the consumer's retry loop.
func (p *noteProcessor) Handle(ctx context.Context, msg *kafka.Message) error {
	env, err := kafka.MessageToEventEnvelope(msg)
	if err != nil {
		return err
	}
	var ev registry.NoteSubmittedEvent
	if err := env.DecodePayload(&ev); err != nil {
		return err
	}
	if ev.NoteHash == "" || ev.DocumentKey == "" {
		return errors.New(errors.ErrCodeValidation, "submission event missing note hash or document key")
	}

	log := p.logger.With(
		logging.String("note_hash", ev.NoteHash),
		logging.String("document_key", ev.DocumentKey))

	// One pipeline run per note across all replicas. A held lock means a
	// sibling is already coding this note; the duplicate commits cleanly.
	lock := p.locks.ForNote(ev.NoteHash)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info("note already being coded elsewhere, skipping duplicate")
		return nil
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			log.Warn("note lock release failed", logging.Err(err))
		}
	}()

	note, err := p.notes.FetchNote(ctx, ev.DocumentKey)
	if err != nil {
		log.Error("note fetch failed", logging.Err(err))
		return err
	}

	start := time.Now()
	result, err := p.runPipeline(ctx, codingJob{noteHash: ev.NoteHash, note: note, opts: p.opts})
	if err != nil {
		// Malformed notes never succeed on redelivery; record the failure
		// and commit. Everything else goes back for retry.
		if errors.IsCode(err, errors.ErrCodeValidation) || errors.IsCode(err, errors.ErrCodeNoteCorrupt) {
			p.reportFailure(ctx, &ev, err, log)
			return nil
		}
		if p.metrics != nil {
			prometheus.RecordError(p.metrics, "worker", string(errors.GetCode(err)), "error")
		}
		return err
	}
	if p.metrics != nil {
		prometheus.RecordStage(p.metrics, "worker_pipeline", time.Since(start))
	}

	return p.store(ctx, &ev, result, log)
}

// runPipeline executes the pipeline under the batch processor so every run
// shares the worker's concurrency cap, per-item timeout, retry budget and
// circuit breaker.
func (p *noteProcessor) runPipeline(ctx context.Context, job codingJob) (*coding.Result, error) {
	batch, err := p.batch.Process(ctx, []codingJob{job}, func(ctx context.Context, item codingJob) (*coding.Result, error) {
		return p.pipeline.Process(ctx, item.note, item.opts)
	})
	if err != nil {
		return nil, err
	}
	item := batch.Results[0]
	if item.Error != nil {
		return nil, item.Error
	}
	return item.Result, nil
}

// store persists the result, mirrors it into the search and vector indexes,
// and publishes note.coded. Only the postgres write can fail the message;
// the mirrors are best-effort and self-heal on the next write.
func (p *noteProcessor) store(ctx context.Context, ev *registry.NoteSubmittedEvent, result *coding.Result, log logging.Logger) error {
	stored := &repositories.CodedResult{
		ID:               uuid.New(),
		NoteHash:         result.Registry.NoteHash,
		Registry:         result.Registry,
		Codes:            result.Codes,
		Reconciliation:   result.Reconciliation,
		OmissionWarnings: result.OmissionWarnings,
		Corrected:        result.Corrected,
		Warnings:         result.Warnings,
	}
	if err := p.results.Save(ctx, stored); err != nil {
		log.Error("failed to persist coded result", logging.Err(err))
		return err
	}

	codes := make([]string, 0, len(result.Codes))
	for _, entry := range result.Codes {
		codes = append(codes, entry.Code)
	}
	coded := registry.NewNoteCodedEvent(stored.ID.String(), stored.NoteHash, codes,
		result.Reconciliation.Recommendation.String(), result.Corrected, len(result.OmissionWarnings))

	if err := p.audits.RecordPayload(ctx, &stored.ID, stored.NoteHash, repositories.AuditNoteCoded, coded); err != nil {
		log.Warn("audit record failed", logging.Err(err))
	}

	if p.index != nil {
		doc := opensearch.NewCodedNoteDocument(stored.ID.String(), stored.NoteHash,
			result.Codes, result.Reconciliation, result.OmissionWarnings,
			result.Corrected, result.Warnings, time.Now())
		if err := p.index.Index(ctx, doc); err != nil {
			log.Warn("search index mirror failed", logging.Err(err))
		}
	}
	if p.passages != nil {
		if err := p.passages.IndexPassages(ctx, evidencePassages(stored.NoteHash, result.Codes)); err != nil {
			log.Warn("passage index mirror failed", logging.Err(err))
		}
	}

	if p.producer != nil {
		msg, err := kafka.NewNoteCodedMessage(eventSource, coded)
		if err != nil {
			log.Warn("note.coded message build failed", logging.Err(err))
		} else if err := p.producer.Publish(ctx, msg); err != nil {
			log.Warn("note.coded publish failed", logging.Err(err))
		}
	}

	log.Info("note coded",
		logging.String("result_id", stored.ID.String()),
		logging.Strings("codes", codes),
		logging.String("recommendation", result.Reconciliation.Recommendation.String()))
	return nil
}

// reportFailure records a terminal pipeline failure in the audit trail and
// announces it on the bus so submitters can surface it.
func (p *noteProcessor) reportFailure(ctx context.Context, ev *registry.NoteSubmittedEvent, cause error, log logging.Logger) {
	failed := registry.NewCodingFailedEvent(ev.NoteHash, string(errors.GetCode(cause)), cause.Error())

	if err := p.audits.RecordPayload(ctx, nil, ev.NoteHash, repositories.AuditCodingFailed, failed); err != nil {
		log.Warn("audit record failed", logging.Err(err))
	}
	if p.producer != nil {
		msg, err := kafka.NewCodingFailedMessage(eventSource, failed)
		if err != nil {
			log.Warn("coding.failed message build failed", logging.Err(err))
		} else if err := p.producer.Publish(ctx, msg); err != nil {
			log.Warn("coding.failed publish failed", logging.Err(err))
		}
	}
	if p.metrics != nil {
		prometheus.RecordError(p.metrics, "worker", string(errors.GetCode(cause)), "warning")
	}
	log.Error("note coding failed terminally", logging.Err(cause))
}

// evidencePassages flattens the confirmed evidence spans of a coded result
// into passages for similar-case retrieval. Each passage is keyed by the
// registry field the code was derived from.
func evidencePassages(noteHash string, codes []clinical.CodeEntry) []milvus.NotePassage {
	var passages []milvus.NotePassage
	seen := make(map[string]struct{})
	for _, entry := range codes {
		fieldPath := entry.Code
		if len(entry.DerivedFrom) > 0 {
			fieldPath = entry.DerivedFrom[0]
		}
		for _, span := range entry.Evidence {
			if span.Text == "" {
				continue
			}
			key := fieldPath + "\x00" + span.Text
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			passages = append(passages, milvus.NotePassage{
				NoteHash:  noteHash,
				FieldPath: fieldPath,
				Text:      span.Text,
			})
		}
	}
	return passages
}
