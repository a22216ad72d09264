// Command apiserver serves the synchronous coding API: pipeline execution,
// result retrieval, catalog and graph queries, reviewer search, model
// registry, probes and metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/MedCode-Intelligence/internal/application/coding"
	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/neo4j"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres/repositories"
	redisdb "github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/redis"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/milvus"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/opensearch"
	minioStorage "github.com/turtacn/MedCode-Intelligence/internal/infrastructure/storage/minio"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/adjudicator"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/code_net"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/note_bert"
	httpserver "github.com/turtacn/MedCode-Intelligence/internal/interfaces/http"
	"github.com/turtacn/MedCode-Intelligence/internal/interfaces/http/handlers"
)

const defaultConfigPath = "configs/config.yaml"

var version = "dev" // injected via ldflags

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	skipMigrations := flag.Bool("skip-migrations", false, "do not run schema migrations at startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("apiserver")
	defer logger.Sync()
	logger.Info("starting coding API server",
		logging.String("version", version),
		logging.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres is the source of truth; without it the server cannot start.
	if !*skipMigrations {
		if err := postgres.RunMigrations(postgres.DSN(cfg.Database), cfg.Database.MigrationPath); err != nil {
			logger.Fatal("schema migrations failed", logging.Err(err))
		}
	}
	pool, err := postgres.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("postgres connection failed", logging.Err(err))
	}
	defer pool.Close()

	resultRepo := repositories.NewResultRepository(pool, logger)
	auditRepo := repositories.NewAuditRepository(pool, logger)

	// Redis backs the adjudication verdict cache. The server starts without
	// it; every corrective review then goes to the adjudicator directly.
	var (
		redisClient *redisdb.Client
		verdicts    *redisdb.VerdictCache
	)
	redisClient, err = redisdb.NewClient(redisConfig(cfg.Redis), logger)
	if err != nil {
		logger.Warn("redis unavailable, verdict caching disabled", logging.Err(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
		cache := redisdb.NewCache(redisClient, logger,
			redisdb.WithDefaultTTL(cfg.Redis.DefaultTTL),
			redisdb.WithPrefix(cfg.Redis.KeyPrefix))
		verdicts = redisdb.NewVerdictCache(cache, cfg.Pipeline.Corrective.CacheTTL)
	}

	// Kafka producer announces coded notes. Best-effort: the synchronous
	// path works without the bus.
	var producer *kafka.Producer
	producer, err = kafka.NewProducer(kafka.NewProducerConfig(cfg.Kafka), logger)
	if err != nil {
		logger.Warn("kafka producer unavailable, note.coded events disabled", logging.Err(err))
		producer = nil
	} else {
		defer producer.Close()
	}

	// OpenSearch mirrors results for reviewer search.
	var (
		osClient  *opensearch.Client
		noteIndex *opensearch.CodedNoteIndex
	)
	osClient, err = opensearch.NewClient(opensearch.NewClientConfig(cfg.OpenSearch), logger)
	if err != nil {
		logger.Warn("opensearch unavailable, reviewer search disabled", logging.Err(err))
		osClient = nil
	} else {
		defer osClient.Close()
		noteIndex = opensearch.NewCodedNoteIndex(osClient, cfg.OpenSearch, logger)
		if err := noteIndex.EnsureIndex(ctx); err != nil {
			logger.Warn("coded-note index bootstrap failed", logging.Err(err))
		}
	}

	// Neo4j serves the related-codes graph, synced from the catalog.
	var (
		graphDriver *neo4j.Driver
		codeGraph   *neo4j.CodeGraph
	)
	graphDriver, err = neo4j.NewDriver(cfg.Neo4j, logger)
	if err != nil {
		logger.Warn("neo4j unavailable, related-codes endpoint disabled", logging.Err(err))
		graphDriver = nil
	} else {
		defer graphDriver.Close()
		codeGraph = neo4j.NewCodeGraph(graphDriver, logger)
		if err := codeGraph.EnsureSchema(ctx); err != nil {
			logger.Warn("code graph schema bootstrap failed", logging.Err(err))
		} else if err := codeGraph.SyncCatalog(ctx, billing.DefaultCatalog()); err != nil {
			logger.Warn("code graph catalog sync failed", logging.Err(err))
		}
	}

	// MinIO backs audit-bundle exports; without it the export endpoint
	// answers 503.
	var exporter handlers.BundleExporter
	if minioClient, err := minioStorage.NewClient(cfg.MinIO, logger); err != nil {
		logger.Warn("minio unavailable, audit export disabled", logging.Err(err))
	} else {
		defer minioClient.Close()
		exporter = minioStorage.NewAuditExporter(minioClient, logger)
	}

	// Model-backed pipeline stages degrade into result warnings when the
	// serving backend or adjudicator endpoint is not configured.
	serving := buildServingClient(cfg.Serving, logger)
	if serving != nil {
		defer serving.Close()
	}
	deps := buildPipelineDeps(ctx, cfg, serving, verdicts, logger)
	pipeline := coding.NewPipeline(cfg.Pipeline, deps)

	modelRegistry := common.NewInMemoryModelRegistry(logger)
	registerModels(ctx, modelRegistry, cfg.Serving, logger)

	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
		Namespace:            cfg.Metrics.Namespace,
		EnableGoMetrics:      true,
		EnableProcessMetrics: true,
	}, logger)
	if err != nil {
		logger.Fatal("metrics collector construction failed", logging.Err(err))
	}
	pipelineMetrics := prometheus.NewPipelineMetrics(collector)

	saver := &publishingResultStore{
		results:  resultRepo,
		audits:   auditRepo,
		producer: producer,
		logger:   logger,
	}
	var indexer handlers.ResultIndexer
	if noteIndex != nil {
		indexer = noteIndex
	}
	var relater handlers.CodeRelater
	if codeGraph != nil {
		relater = codeGraph
	}
	var searcher handlers.ReviewSearcher
	if noteIndex != nil {
		searcher = noteIndex
	}

	checkers := []handlers.HealthChecker{&postgresChecker{pool: pool, logger: logger}}
	if redisClient != nil {
		checkers = append(checkers, &redisChecker{client: redisClient})
	}
	if osClient != nil {
		checkers = append(checkers, &opensearchChecker{client: osClient})
	}
	if graphDriver != nil {
		checkers = append(checkers, &neo4jChecker{driver: graphDriver})
	}

	router := httpserver.NewRouter(httpserver.RouterConfig{
		CodingHandler:    handlers.NewCodingHandler(pipeline, saver, indexer, coding.DefaultOptions(cfg.Pipeline), logger),
		ResultsHandler:   handlers.NewResultsHandler(resultRepo, auditRepo, exporter, logger),
		CodesHandler:     handlers.NewCodesHandler(billing.DefaultCatalog(), relater, logger),
		SearchHandler:    handlers.NewSearchHandler(searcher, logger),
		ModelsHandler:    handlers.NewModelsHandler(modelRegistry, logger),
		HealthHandler:    handlers.NewHealthHandler(version, checkers...),
		Logger:           logger,
		MetricsCollector: collector,
		PipelineMetrics:  pipelineMetrics,
	})

	server := httpserver.NewServer(cfg.Server, router, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", logging.Err(err))
		}
	}

	if err := server.Stop(context.Background()); err != nil {
		logger.Error("http server shutdown failed", logging.Err(err))
	}
	logger.Info("coding API server stopped")
}

// loadConfig reads the YAML file when present, otherwise falls back to
// MEDCODE_* environment variables for containerised deployments.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func redisConfig(cfg config.RedisConfig) *redisdb.Config {
	return &redisdb.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// buildServingClient dials the model-serving backend. Protocol "mock" and
// dial failures both return nil; the pipeline degrades without it.
func buildServingClient(cfg config.ServingConfig, logger logging.Logger) common.ServingClient {
	switch cfg.Protocol {
	case "grpc":
		client, err := common.NewGRPCServingClient(common.GRPCClientConfig{
			Addr:    cfg.Addr,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("grpc serving backend unavailable", logging.Err(err))
			return nil
		}
		return client
	case "http":
		client, err := common.NewHTTPServingClient(common.HTTPClientConfig{
			BaseURL: "http://" + cfg.Addr,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("http serving backend unavailable", logging.Err(err))
			return nil
		}
		return client
	default:
		return nil
	}
}

// buildPipelineDeps assembles the optional model-backed collaborators: the
// learned extractor and secondary predictor over the serving client, and
// the corrective pass over the adjudicator endpoint with vector-store RAG
// context when Milvus is reachable.
func buildPipelineDeps(ctx context.Context, cfg *config.Config, serving common.ServingClient,
	verdicts *redisdb.VerdictCache, logger logging.Logger) coding.Deps {

	deps := coding.Deps{Verdicts: verdicts, Logger: logger}

	if serving != nil {
		learned, err := note_bert.NewLearnedExtractor(
			note_bert.NewConfig(&note_bert.Config{ModelName: cfg.Serving.NoteBERTModel}), serving, logger)
		if err != nil {
			logger.Warn("learned extractor construction failed", logging.Err(err))
		} else {
			deps.Learned = learned
		}

		predictor, err := code_net.NewPredictor(
			code_net.NewConfig(&code_net.Config{ModelName: cfg.Serving.CodeNetModel}), serving, logger)
		if err != nil {
			logger.Warn("secondary predictor construction failed", logging.Err(err))
		} else {
			deps.Predictor = predictor
		}
	}

	if cfg.Pipeline.Corrective.Endpoint != "" {
		retriever := buildRetriever(ctx, cfg, serving, logger)
		reviewer, err := adjudicator.NewClient(adjudicator.NewConfig(&adjudicator.Config{
			Backend:  adjudicator.Backend(cfg.Pipeline.Corrective.Backend),
			Endpoint: cfg.Pipeline.Corrective.Endpoint,
			APIKey:   cfg.Pipeline.Corrective.APIKey,
			Model:    cfg.Pipeline.Corrective.Model,
			RAGTopK:  cfg.Pipeline.Corrective.RagTopK,
		}), nil, retriever, logger)
		if err != nil {
			logger.Warn("adjudicator construction failed, corrective pass disabled", logging.Err(err))
		} else {
			deps.Corrective = coding.NewCorrectivePass(cfg.Pipeline.Corrective, reviewer, verdicts, logger)
		}
	}

	return deps
}

// buildRetriever wires the Milvus passage store as the adjudicator's
// similar-case context source. Requires the serving client for embeddings;
// returns nil when either side is unavailable.
func buildRetriever(ctx context.Context, cfg *config.Config, serving common.ServingClient,
	logger logging.Logger) adjudicator.ContextRetriever {

	if serving == nil {
		return nil
	}
	embedder, err := note_bert.NewEmbedder(
		note_bert.NewConfig(&note_bert.Config{ModelName: cfg.Serving.NoteBERTModel}), serving, logger)
	if err != nil {
		logger.Warn("embedder construction failed", logging.Err(err))
		return nil
	}

	client, err := milvus.NewClient(milvus.NewClientConfig(cfg.Milvus), logger)
	if err != nil {
		logger.Warn("milvus unavailable, adjudicator runs without RAG context", logging.Err(err))
		return nil
	}
	store := milvus.NewPassageStore(client, cfg.Milvus, embedder, logger)
	if err := store.EnsureCollection(ctx, cfg.Milvus); err != nil {
		logger.Warn("passage collection bootstrap failed", logging.Err(err))
	}
	return store
}

// registerModels records the served model versions so GET /api/v1/models can
// report what the pipeline routes to.
func registerModels(ctx context.Context, reg common.ModelRegistry, cfg config.ServingConfig, logger logging.Logger) {
	descriptors := []common.ModelDescriptor{
		{
			Name:        orDefault(cfg.NoteBERTModel, note_bert.DefaultModelName),
			Version:     "1",
			Type:        common.ModelTypeSpanTagger,
			Backend:     common.BackendTriton,
			ArtifactURI: "s3://medcode-models/note_bert/1",
		},
		{
			Name:        orDefault(cfg.CodeNetModel, code_net.DefaultModelName),
			Version:     "1",
			Type:        common.ModelTypeClassifier,
			Backend:     common.BackendTriton,
			ArtifactURI: "s3://medcode-models/code_net/1",
		},
	}
	for _, desc := range descriptors {
		if err := reg.Register(ctx, desc); err != nil {
			logger.Warn("model registration failed",
				logging.Err(err),
				logging.String("model", desc.Name))
			continue
		}
		if err := reg.SetState(ctx, desc.Name, desc.Version, common.StateReady, ""); err != nil {
			logger.Warn("model state transition failed", logging.Err(err), logging.String("model", desc.Name))
			continue
		}
		if err := reg.SetActiveVersion(ctx, desc.Name, desc.Version); err != nil {
			logger.Warn("model activation failed", logging.Err(err), logging.String("model", desc.Name))
		}
	}
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
