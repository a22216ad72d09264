//go:build integration

// Integration tests for the PostgreSQL repositories. They require Docker and
// are gated behind the "integration" build tag.
package repositories_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// startPostgres launches a PostgreSQL 16 container, runs the real migrations
// against it and returns a connected pool.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "medcode_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/medcode_test?sslmode=disable", host, port.Port())

	migrationsPath, err := filepath.Abs("../../../../../migrations")
	require.NoError(t, err)
	require.NoError(t, postgres.RunMigrations(dsn, migrationsPath))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newTestResult(noteHash string) *repositories.CodedResult {
	rec := registry.NewRecord(noteHash)
	rec.Bronch.Lavage.Flag = registry.Flag{
		Performed:   true,
		ExtractorID: "pattern:lavage",
		Confidence:  0.91,
		Evidence: []clinical.EvidenceSpan{
			{Source: "pattern:lavage", Text: "lavage was performed", Span: [2]int{16, 36}, Confidence: 0.91},
		},
	}
	rec.Freeze()

	return &repositories.CodedResult{
		NoteHash: noteHash,
		Registry: rec,
		Codes: []clinical.CodeEntry{
			{
				Code:        "31624",
				Description: "Bronchoscopy with bronchoalveolar lavage",
				DerivedFrom: []string{"bronch.lavage"},
				Evidence: []clinical.EvidenceSpan{
					{Source: "pattern:lavage", Text: "lavage was performed", Span: [2]int{16, 36}, Confidence: 0.91},
				},
				Quantity: 1,
			},
		},
		Reconciliation: clinical.ReconciliationResult{
			Matched:        []string{"31624"},
			Recommendation: clinical.RecommendAutoApprove,
		},
		Corrected: false,
	}
}

func TestResultRepository_SaveAndFindByID(t *testing.T) {
	pool := startPostgres(t)
	repo := repositories.NewResultRepository(pool, logging.NewNopLogger())
	ctx := context.Background()

	res := newTestResult("sha256:aaaa01")
	require.NoError(t, repo.Save(ctx, res))
	require.NotEqual(t, uuid.Nil, res.ID)
	require.False(t, res.CreatedAt.IsZero())

	found, err := repo.FindByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.NoteHash, found.NoteHash)
	assert.Equal(t, []string{"31624"}, []string{found.Codes[0].Code})
	assert.True(t, found.Registry.Frozen())
	assert.True(t, found.Registry.Bronch.Lavage.Flag.Performed)
	assert.Equal(t, clinical.RecommendAutoApprove, found.Reconciliation.Recommendation)
}

func TestResultRepository_FindByID_NotFound(t *testing.T) {
	pool := startPostgres(t)
	repo := repositories.NewResultRepository(pool, logging.NewNopLogger())

	_, err := repo.FindByID(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeResultNotFound))
}

func TestResultRepository_FindByNoteHash_ReturnsNewest(t *testing.T) {
	pool := startPostgres(t)
	repo := repositories.NewResultRepository(pool, logging.NewNopLogger())
	ctx := context.Background()

	first := newTestResult("sha256:aaaa02")
	require.NoError(t, repo.Save(ctx, first))

	second := newTestResult("sha256:aaaa02")
	second.Corrected = true
	// created_at has microsecond resolution; keep the inserts apart.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.Save(ctx, second))

	found, err := repo.FindByNoteHash(ctx, "sha256:aaaa02")
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
	assert.True(t, found.Corrected)
}

func TestResultRepository_List_FiltersByRecommendation(t *testing.T) {
	pool := startPostgres(t)
	repo := repositories.NewResultRepository(pool, logging.NewNopLogger())
	ctx := context.Background()

	approved := newTestResult("sha256:aaaa03")
	require.NoError(t, repo.Save(ctx, approved))

	audited := newTestResult("sha256:aaaa04")
	audited.Reconciliation.Recommendation = clinical.RecommendFlagForAudit
	audited.Reconciliation.PredictorOnly = []string{"31653"}
	require.NoError(t, repo.Save(ctx, audited))

	results, err := repo.List(ctx, repositories.ListFilter{Recommendation: "flag_for_audit", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, audited.ID, results[0].ID)
}

func TestResultRepository_LegacyRegistryRowUpgradesOnLoad(t *testing.T) {
	pool := startPostgres(t)
	repo := repositories.NewResultRepository(pool, logging.NewNopLogger())
	ctx := context.Background()

	// Simulate a row written before the nested registry layout existed.
	legacyRegistry := `{
		"note_hash": "sha256:legacy01",
		"bronch_lavage": {
			"performed": true,
			"extractor_id": "pattern:lavage",
			"confidence": 0.88,
			"evidence": [{"source":"pattern:lavage","text":"lavage performed","begin":10,"finish":26,"confidence":0.88}]
		}
	}`
	id := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO coded_results (id, note_hash, registry, codes, reconciliation, recommendation)
		VALUES ($1,$2,$3,'[]','{"matched":["31624"],"derivation_only":null,"predictor_only":null,"recommendation":"auto_approve"}','auto_approve')`,
		id, "sha256:legacy01", legacyRegistry)
	require.NoError(t, err)

	found, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, found.Registry.Bronch.Lavage.Flag.Performed)
	assert.Equal(t, [2]int{10, 26}, found.Registry.Bronch.Lavage.Flag.Evidence[0].Span)
	assert.Equal(t, registry.CurrentSchemaVersion, found.Registry.SchemaVersion)
}

func TestAuditRepository_RecordAndListByResult(t *testing.T) {
	pool := startPostgres(t)
	results := repositories.NewResultRepository(pool, logging.NewNopLogger())
	audits := repositories.NewAuditRepository(pool, logging.NewNopLogger())
	ctx := context.Background()

	res := newTestResult("sha256:aaaa05")
	require.NoError(t, results.Save(ctx, res))

	submitted := registry.NewNoteSubmittedEvent(res.NoteHash, "notes/aaaa05.txt", "api", false)
	require.NoError(t, audits.RecordPayload(ctx, nil, res.NoteHash, repositories.AuditNoteSubmitted, submitted))

	coded := registry.NewNoteCodedEvent(res.ID.String(), res.NoteHash, []string{"31624"}, "auto_approve", false, 0)
	require.NoError(t, audits.RecordPayload(ctx, &res.ID, res.NoteHash, repositories.AuditNoteCoded, coded))

	trail, err := audits.ListByResult(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, repositories.AuditNoteCoded, trail[0].EventType)

	full, err := audits.ListByNoteHash(ctx, res.NoteHash)
	require.NoError(t, err)
	require.Len(t, full, 2)
	assert.Equal(t, repositories.AuditNoteSubmitted, full[0].EventType)
}

func TestAuditRepository_CascadeDeleteWithResult(t *testing.T) {
	pool := startPostgres(t)
	results := repositories.NewResultRepository(pool, logging.NewNopLogger())
	audits := repositories.NewAuditRepository(pool, logging.NewNopLogger())
	ctx := context.Background()

	res := newTestResult("sha256:aaaa06")
	require.NoError(t, results.Save(ctx, res))
	require.NoError(t, audits.RecordPayload(ctx, &res.ID, res.NoteHash, repositories.AuditNoteCoded, map[string]string{"k": "v"}))

	_, err := pool.Exec(ctx, `DELETE FROM coded_results WHERE id = $1`, res.ID)
	require.NoError(t, err)

	trail, err := audits.ListByResult(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, trail)
}
