// Package repositories provides PostgreSQL-backed persistence for coded
// results and their audit trail. All queries are parameterised and every
// public method accepts a context.Context for cancellation propagation.
package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// CodedResult is the persisted outcome of one coding run: the frozen
// findings record plus the derived codes, reconciliation verdict and any
// warnings the run accumulated.
type CodedResult struct {
	ID               uuid.UUID
	NoteHash         string
	Registry         *registry.RegistryRecord
	Codes            []clinical.CodeEntry
	Reconciliation   clinical.ReconciliationResult
	OmissionWarnings []clinical.OmissionWarning
	Corrected        bool
	Warnings         []string
	CreatedAt        time.Time
}

// ListFilter narrows and pages List queries. A zero Recommendation filter
// (empty string) matches every disposition.
type ListFilter struct {
	Recommendation string
	Limit          int
	Offset         int
}

const defaultListLimit = 50

// ResultRepository stores and loads CodedResult rows. Registry snapshots are
// kept as JSONB and pass through the schema upgrade path on load, so rows
// written by older releases stay readable.
type ResultRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewResultRepository constructs a ready-to-use ResultRepository.
func NewResultRepository(pool *pgxpool.Pool, logger logging.Logger) *ResultRepository {
	return &ResultRepository{pool: pool, logger: logger.Named("result_repo")}
}

// Save persists a coded result. The caller owns ID assignment; a zero ID is
// replaced with a fresh one. CreatedAt is stamped by the database.
func (r *ResultRepository) Save(ctx context.Context, res *CodedResult) error {
	if res == nil || res.Registry == nil {
		return errors.New(errors.ErrCodeValidation, "coded result requires a findings record")
	}
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	r.logger.Debug("saving coded result",
		logging.String("result_id", res.ID.String()),
		logging.String("note_hash", res.NoteHash))

	registryJSON, err := json.Marshal(res.Registry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to encode findings record")
	}
	codesJSON, err := json.Marshal(emptySlice(res.Codes))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to encode code entries")
	}
	reconJSON, err := json.Marshal(res.Reconciliation)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to encode reconciliation")
	}
	omissionsJSON, err := json.Marshal(emptySlice(res.OmissionWarnings))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to encode omission warnings")
	}
	warningsJSON, err := json.Marshal(emptySlice(res.Warnings))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to encode warnings")
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO coded_results (
			id, note_hash, registry, codes, reconciliation,
			omission_warnings, corrected, warnings, recommendation
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		res.ID, res.NoteHash, registryJSON, codesJSON, reconJSON,
		omissionsJSON, res.Corrected, warningsJSON,
		res.Reconciliation.Recommendation.String(),
	)
	if err := row.Scan(&res.CreatedAt); err != nil {
		r.logger.Error("insert coded result failed",
			logging.String("result_id", res.ID.String()), logging.Err(err))
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to insert coded result")
	}
	return nil
}

// FindByID loads one coded result by primary key.
func (r *ResultRepository) FindByID(ctx context.Context, id uuid.UUID) (*CodedResult, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, note_hash, registry, codes, reconciliation,
		       omission_warnings, corrected, warnings, created_at
		FROM coded_results WHERE id = $1`, id)
	res, err := scanResult(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.Newf(errors.ErrCodeResultNotFound, "coded result %s not found", id)
		}
		r.logger.Error("load coded result failed",
			logging.String("result_id", id.String()), logging.Err(err))
		return nil, err
	}
	return res, nil
}

// FindByNoteHash returns the most recent coded result for a note hash.
func (r *ResultRepository) FindByNoteHash(ctx context.Context, noteHash string) (*CodedResult, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, note_hash, registry, codes, reconciliation,
		       omission_warnings, corrected, warnings, created_at
		FROM coded_results
		WHERE note_hash = $1
		ORDER BY created_at DESC
		LIMIT 1`, noteHash)
	res, err := scanResult(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.Newf(errors.ErrCodeResultNotFound, "no coded result for note hash %s", noteHash)
		}
		r.logger.Error("load coded result by note hash failed",
			logging.String("note_hash", noteHash), logging.Err(err))
		return nil, err
	}
	return res, nil
}

// List pages coded results newest-first, optionally filtered by
// reconciliation recommendation.
func (r *ResultRepository) List(ctx context.Context, filter ListFilter) ([]*CodedResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, note_hash, registry, codes, reconciliation,
		       omission_warnings, corrected, warnings, created_at
		FROM coded_results`
	args := []interface{}{}
	if filter.Recommendation != "" {
		query += ` WHERE recommendation = $1`
		args = append(args, filter.Recommendation)
	}
	query += ` ORDER BY created_at DESC`
	query += argPlaceholders(len(args))
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list coded results failed", logging.Err(err))
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to list coded results")
	}
	defer rows.Close()

	results := make([]*CodedResult, 0, limit)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to iterate coded results")
	}
	return results, nil
}

// argPlaceholders returns the LIMIT/OFFSET clause numbered after any
// preceding filter placeholders.
func argPlaceholders(preceding int) string {
	if preceding == 1 {
		return ` LIMIT $2 OFFSET $3`
	}
	return ` LIMIT $1 OFFSET $2`
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*CodedResult, error) {
	var (
		res           CodedResult
		registryJSON  []byte
		codesJSON     []byte
		reconJSON     []byte
		omissionsJSON []byte
		warningsJSON  []byte
	)
	if err := row.Scan(
		&res.ID, &res.NoteHash, &registryJSON, &codesJSON, &reconJSON,
		&omissionsJSON, &res.Corrected, &warningsJSON, &res.CreatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to scan coded result row")
	}

	// Older rows may carry a previous registry schema; the upgrade path
	// normalises them before they reach callers.
	rec, err := registry.UpgradeRecordJSON(registryJSON)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to decode stored findings record")
	}
	rec.Freeze()
	res.Registry = rec

	if err := json.Unmarshal(codesJSON, &res.Codes); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to decode stored code entries")
	}
	if err := json.Unmarshal(reconJSON, &res.Reconciliation); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to decode stored reconciliation")
	}
	if err := json.Unmarshal(omissionsJSON, &res.OmissionWarnings); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to decode stored omission warnings")
	}
	if err := json.Unmarshal(warningsJSON, &res.Warnings); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to decode stored warnings")
	}
	return &res, nil
}

// emptySlice keeps nil slices out of JSONB columns so stored documents are
// always arrays.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
