// Command worker consumes note.submitted events from Kafka and runs the
// coding pipeline asynchronously: fetch the note from object storage, code
// it, persist and mirror the result, publish the outcome. Retry and
// dead-lettering are owned by the consumer; the worker's handler only
// decides whether a failure is worth redelivering.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/MedCode-Intelligence/internal/application/coding"
	"github.com/turtacn/MedCode-Intelligence/internal/config"
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
)

const (
	defaultConfigPath = "configs/config.yaml"

	// pipelineItemTimeout bounds one pipeline run inside the batch
	// processor, corrective pass included.
	pipelineItemTimeout = 2 * time.Minute
)

var version = "dev" // injected via ldflags

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
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
	logger = logger.Named("worker")
	defer logger.Sync()
	logger.Info("starting coding worker",
		logging.String("version", version),
		logging.Int("concurrency", cfg.Worker.Concurrency))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hard dependencies: postgres for results, redis for per-note locks,
	// minio for the note text, kafka for the submission stream.
	pool, err := postgres.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("postgres connection failed", logging.Err(err))
	}
	defer pool.Close()
	resultRepo := repositories.NewResultRepository(pool, logger)
	auditRepo := repositories.NewAuditRepository(pool, logger)

	redisClient, err := redisdb.NewClient(redisConfig(cfg.Redis), logger)
	if err != nil {
		logger.Fatal("redis connection failed", logging.Err(err))
	}
	defer redisClient.Close()
	locks := redisdb.NewLockFactory(redisClient, logger)
	cache := redisdb.NewCache(redisClient, logger,
		redisdb.WithDefaultTTL(cfg.Redis.DefaultTTL),
		redisdb.WithPrefix(cfg.Redis.KeyPrefix))
	verdicts := redisdb.NewVerdictCache(cache, cfg.Pipeline.Corrective.CacheTTL)

	minioClient, err := minioStorage.NewClient(cfg.MinIO, logger)
	if err != nil {
		logger.Fatal("minio connection failed", logging.Err(err))
	}
	defer minioClient.Close()
	notes := minioStorage.NewNoteStore(minioClient, logger)

	if manager, err := kafka.NewTopicManager(cfg.Kafka.Brokers, logger); err != nil {
		logger.Warn("topic manager unavailable", logging.Err(err))
	} else {
		if err := manager.EnsureDefaultTopics(ctx); err != nil {
			logger.Warn("topic bootstrap failed", logging.Err(err))
		}
		manager.Close()
	}

	consumer, err := kafka.NewConsumer(kafka.NewConsumerConfig(cfg.Kafka), logger)
	if err != nil {
		logger.Fatal("kafka consumer construction failed", logging.Err(err))
	}

	producer, err := kafka.NewProducer(kafka.NewProducerConfig(cfg.Kafka), logger)
	if err != nil {
		logger.Warn("kafka producer unavailable, outcome events disabled", logging.Err(err))
		producer = nil
	} else {
		defer producer.Close()
	}

	// Best-effort mirrors.
	var noteIndex *opensearch.CodedNoteIndex
	if osClient, err := opensearch.NewClient(opensearch.NewClientConfig(cfg.OpenSearch), logger); err != nil {
		logger.Warn("opensearch unavailable, search mirror disabled", logging.Err(err))
	} else {
		defer osClient.Close()
		noteIndex = opensearch.NewCodedNoteIndex(osClient, cfg.OpenSearch, logger)
		if err := noteIndex.EnsureIndex(ctx); err != nil {
			logger.Warn("coded-note index bootstrap failed", logging.Err(err))
		}
	}

	serving := buildServingClient(cfg.Serving, logger)
	if serving != nil {
		defer serving.Close()
	}
	passages := buildPassageStore(ctx, cfg, serving, logger)
	pipeline := coding.NewPipeline(cfg.Pipeline, buildPipelineDeps(cfg, serving, passages, verdicts, logger))

	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
		Namespace:            cfg.Metrics.Namespace,
		Subsystem:            "worker",
		EnableGoMetrics:      true,
		EnableProcessMetrics: true,
	}, logger)
	if err != nil {
		logger.Fatal("metrics collector construction failed", logging.Err(err))
	}
	pipelineMetrics := prometheus.NewPipelineMetrics(collector)

	processor := &noteProcessor{
		notes:    notes,
		locks:    locks,
		pipeline: pipeline,
		opts:     coding.DefaultOptions(cfg.Pipeline),
		results:  resultRepo,
		audits:   auditRepo,
		producer: producer,
		index:    noteIndex,
		passages: passages,
		batch: common.NewBatchProcessor[codingJob, *coding.Result](
			common.WithMaxConcurrency(cfg.Worker.Concurrency),
			common.WithItemTimeout(pipelineItemTimeout),
			common.WithRetry(cfg.Worker.MaxRetries, cfg.Worker.RetryBackoffMS),
			common.WithCircuitBreaker(5, 30*time.Second),
			common.WithBatchLogger(logger),
		),
		metrics: pipelineMetrics,
		logger:  logger.Named("processor"),
	}

	if err := consumer.Subscribe(kafka.TopicNoteSubmitted, processor.Handle); err != nil {
		logger.Fatal("topic subscription failed", logging.Err(err))
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal("consumer start failed", logging.Err(err))
	}

	probeServer := startProbeServer(cfg.Metrics, pool, redisClient, collector, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", logging.String("signal", sig.String()))

	cancel()
	if err := consumer.Close(); err != nil {
		logger.Error("consumer shutdown failed", logging.Err(err))
	}
	if probeServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := probeServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("probe server shutdown failed", logging.Err(err))
		}
	}
	logger.Info("coding worker stopped")
}

// loadConfig reads the YAML file when present, otherwise falls back to
// MEDCODE_* environment variables.
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

// buildPassageStore provisions the Milvus evidence-passage store, used both
// as the outcome mirror and as the adjudicator's similar-case source.
func buildPassageStore(ctx context.Context, cfg *config.Config, serving common.ServingClient, logger logging.Logger) *milvus.PassageStore {
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
		logger.Warn("milvus unavailable, passage mirror disabled", logging.Err(err))
		return nil
	}
	store := milvus.NewPassageStore(client, cfg.Milvus, embedder, logger)
	if err := store.EnsureCollection(ctx, cfg.Milvus); err != nil {
		logger.Warn("passage collection bootstrap failed", logging.Err(err))
	}
	return store
}

func buildPipelineDeps(cfg *config.Config, serving common.ServingClient,
	passages *milvus.PassageStore, verdicts *redisdb.VerdictCache, logger logging.Logger) coding.Deps {

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
		var retriever adjudicator.ContextRetriever
		if passages != nil {
			retriever = passages
		}
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

// startProbeServer exposes liveness, readiness and Prometheus metrics on the
// metrics port. Returns nil when metrics are disabled.
func startProbeServer(cfg config.MetricsConfig, pool *pgxpool.Pool, redisClient *redisdb.Client,
	collector prometheus.MetricsCollector, logger logging.Logger) *http.Server {
	if !cfg.Enabled {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("probe server failed", logging.Err(err))
		}
	}()
	logger.Info("probe server listening", logging.Int("port", cfg.Port), logging.String("path", path))
	return server
}
