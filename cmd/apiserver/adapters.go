package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/neo4j"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres/repositories"
	redisdb "github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/redis"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/opensearch"
)

// Health checker adapters for the readiness and detail probes.

type postgresChecker struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

func (c *postgresChecker) Name() string { return "postgres" }

func (c *postgresChecker) Check(ctx context.Context) error {
	return postgres.HealthCheck(ctx, c.pool, c.logger)
}

type redisChecker struct {
	client *redisdb.Client
}

func (c *redisChecker) Name() string { return "redis" }

func (c *redisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx)
}

type opensearchChecker struct {
	client *opensearch.Client
}

func (c *opensearchChecker) Name() string { return "opensearch" }

func (c *opensearchChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx)
}

type neo4jChecker struct {
	driver *neo4j.Driver
}

func (c *neo4jChecker) Name() string { return "neo4j" }

func (c *neo4jChecker) Check(ctx context.Context) error {
	return c.driver.HealthCheck(ctx)
}

// publishingResultStore persists a coded result, appends the audit trail
// row, and announces the outcome on the bus. The postgres row is the source
// of truth: audit and publish failures are logged, never surfaced.
type publishingResultStore struct {
	results  *repositories.ResultRepository
	audits   *repositories.AuditRepository
	producer *kafka.Producer
	logger   logging.Logger
}

func (s *publishingResultStore) Save(ctx context.Context, res *repositories.CodedResult) error {
	if err := s.results.Save(ctx, res); err != nil {
		return err
	}

	codes := make([]string, 0, len(res.Codes))
	for _, entry := range res.Codes {
		codes = append(codes, entry.Code)
	}
	ev := registry.NewNoteCodedEvent(res.ID.String(), res.NoteHash, codes,
		res.Reconciliation.Recommendation.String(), res.Corrected, len(res.OmissionWarnings))

	if err := s.audits.RecordPayload(ctx, &res.ID, res.NoteHash, repositories.AuditNoteCoded, ev); err != nil {
		s.logger.Warn("audit trail write failed",
			logging.Err(err),
			logging.String("note_hash", res.NoteHash))
	}

	if s.producer != nil {
		msg, err := kafka.NewNoteCodedMessage("apiserver", ev)
		if err == nil {
			err = s.producer.Publish(ctx, msg)
		}
		if err != nil {
			s.logger.Warn("note.coded publish failed",
				logging.Err(err),
				logging.String("note_hash", res.NoteHash))
		}
	}
	return nil
}
