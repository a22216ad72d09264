package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

var (
	ErrCollectionAlreadyExists = errors.New(errors.ErrCodeConflict, "collection already exists")
	ErrCollectionNotFound      = errors.New(errors.ErrCodeNotFound, "collection not found")
)

// CollectionConfig holds configuration for the CollectionManager.
type CollectionConfig struct {
	ShardsNum         int32
	ConsistencyLevel  entity.ConsistencyLevel
	DefaultIndexType  entity.IndexType
	DefaultMetricType entity.MetricType
	DefaultNList      int
	LoadTimeout       time.Duration
	IndexBuildTimeout time.Duration
}

// CollectionSchema defines a collection schema.
type CollectionSchema struct {
	Name               string
	Description        string
	Fields             []*entity.Field
	EnableDynamicField bool
}

// IndexConfig defines an index on one field. Params carries index-type
// specific knobs (nlist for IVF, M and efConstruction for HNSW).
type IndexConfig struct {
	FieldName  string
	IndexType  entity.IndexType
	MetricType entity.MetricType
	Params     map[string]string
}

// CollectionManager manages Milvus collections.
type CollectionManager struct {
	client *Client
	config CollectionConfig
	logger logging.Logger
}

// NewCollectionManager creates a new CollectionManager.
func NewCollectionManager(client *Client, cfg CollectionConfig, logger logging.Logger) *CollectionManager {
	if cfg.ShardsNum == 0 {
		cfg.ShardsNum = 2
	}
	if cfg.ConsistencyLevel == 0 {
		cfg.ConsistencyLevel = entity.ClBounded
	}
	if cfg.DefaultIndexType == "" {
		cfg.DefaultIndexType = entity.HNSW
	}
	if cfg.DefaultMetricType == "" {
		cfg.DefaultMetricType = entity.COSINE
	}
	if cfg.DefaultNList == 0 {
		cfg.DefaultNList = 1024
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = 120 * time.Second
	}
	if cfg.IndexBuildTimeout == 0 {
		cfg.IndexBuildTimeout = 300 * time.Second
	}

	return &CollectionManager{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// CreateCollection creates a new collection.
func (m *CollectionManager) CreateCollection(ctx context.Context, schema CollectionSchema) error {
	has, err := m.HasCollection(ctx, schema.Name)
	if err != nil {
		return err
	}
	if has {
		return ErrCollectionAlreadyExists
	}

	s := &entity.Schema{
		CollectionName:     schema.Name,
		Description:        schema.Description,
		Fields:             schema.Fields,
		EnableDynamicField: schema.EnableDynamicField,
	}

	err = m.client.GetMilvusClient().CreateCollection(ctx, s, m.config.ShardsNum)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to create collection")
	}

	m.logger.Info("Collection created", logging.String("name", schema.Name))
	return nil
}

// DropCollection drops a collection.
func (m *CollectionManager) DropCollection(ctx context.Context, name string) error {
	has, err := m.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !has {
		return ErrCollectionNotFound
	}

	err = m.client.GetMilvusClient().DropCollection(ctx, name)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to drop collection")
	}

	m.logger.Warn("Collection dropped", logging.String("name", name))
	return nil
}

// HasCollection checks if a collection exists.
func (m *CollectionManager) HasCollection(ctx context.Context, name string) (bool, error) {
	has, err := m.client.GetMilvusClient().HasCollection(ctx, name)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to check collection existence")
	}
	return has, nil
}

// CollectionInfo holds collection metadata.
type CollectionInfo struct {
	Name             string
	Description      string
	Fields           []*entity.Field
	ConsistencyLevel entity.ConsistencyLevel
	RowCount         int64
}

// DescribeCollection returns collection details.
func (m *CollectionManager) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	coll, err := m.client.GetMilvusClient().DescribeCollection(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to describe collection")
	}

	var rowCount int64
	stats, err := m.client.GetMilvusClient().GetCollectionStatistics(ctx, name)
	if err == nil {
		if raw, ok := stats["row_count"]; ok {
			rowCount, _ = strconv.ParseInt(raw, 10, 64)
		}
	}

	var desc string
	var fields []*entity.Field
	if coll.Schema != nil {
		desc = coll.Schema.Description
		fields = coll.Schema.Fields
	}

	return &CollectionInfo{
		Name:             coll.Name,
		Description:      desc,
		Fields:           fields,
		ConsistencyLevel: coll.ConsistencyLevel,
		RowCount:         rowCount,
	}, nil
}

// CreateIndex builds an index on one field. Knobs missing from
// IndexConfig.Params fall back to the manager defaults.
func (m *CollectionManager) CreateIndex(ctx context.Context, collectionName string, indexCfg IndexConfig) error {
	idxType := indexCfg.IndexType
	if idxType == "" {
		idxType = m.config.DefaultIndexType
	}
	metricType := indexCfg.MetricType
	if metricType == "" {
		metricType = m.config.DefaultMetricType
	}

	var idx entity.Index
	var err error
	switch idxType {
	case entity.IvfFlat:
		idx, err = entity.NewIndexIvfFlat(metricType, paramInt(indexCfg.Params, "nlist", m.config.DefaultNList))
	case entity.HNSW:
		idx, err = entity.NewIndexHNSW(metricType,
			paramInt(indexCfg.Params, "M", 16),
			paramInt(indexCfg.Params, "efConstruction", 200))
	case entity.Flat:
		idx, err = entity.NewIndexFlat(metricType)
	default:
		return errors.Newf(errors.ErrCodeValidation, "unsupported index type: %s", idxType)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "failed to build index definition")
	}

	buildCtx, cancel := context.WithTimeout(ctx, m.config.IndexBuildTimeout)
	defer cancel()

	err = m.client.GetMilvusClient().CreateIndex(buildCtx, collectionName, indexCfg.FieldName, idx, false)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to create index")
	}

	m.logger.Info("Index created",
		logging.String("collection", collectionName),
		logging.String("field", indexCfg.FieldName),
		logging.String("type", string(idxType)))
	return nil
}

func paramInt(params map[string]string, key string, fallback int) int {
	if raw, ok := params[key]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// DropIndex drops the index on a field.
func (m *CollectionManager) DropIndex(ctx context.Context, collectionName string, fieldName string) error {
	err := m.client.GetMilvusClient().DropIndex(ctx, collectionName, fieldName)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to drop index")
	}
	return nil
}

// LoadCollection loads a collection into memory and waits for completion.
func (m *CollectionManager) LoadCollection(ctx context.Context, name string) error {
	loadCtx, cancel := context.WithTimeout(ctx, m.config.LoadTimeout)
	defer cancel()

	err := m.client.GetMilvusClient().LoadCollection(loadCtx, name, false)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to load collection")
	}
	m.logger.Info("Collection loaded", logging.String("name", name))
	return nil
}

// ReleaseCollection releases a collection from memory.
func (m *CollectionManager) ReleaseCollection(ctx context.Context, name string) error {
	err := m.client.GetMilvusClient().ReleaseCollection(ctx, name)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to release collection")
	}
	m.logger.Info("Collection released", logging.String("name", name))
	return nil
}

// GetLoadState reports whether a collection is loaded, loading or cold.
func (m *CollectionManager) GetLoadState(ctx context.Context, name string) (string, error) {
	progress, err := m.client.GetMilvusClient().GetLoadingProgress(ctx, name, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to get load state")
	}
	if progress >= 100 {
		return "Loaded", nil
	}
	if progress > 0 {
		return "Loading", nil
	}
	return "NotLoaded", nil
}

// EnsureCollection creates the collection if absent, ensures its indexes
// and loads it. Index creation on an already-indexed field is tolerated.
func (m *CollectionManager) EnsureCollection(ctx context.Context, schema CollectionSchema, indexConfigs []IndexConfig) error {
	exists, err := m.HasCollection(ctx, schema.Name)
	if err != nil {
		return err
	}

	if !exists {
		if err := m.CreateCollection(ctx, schema); err != nil {
			return err
		}
	}

	for _, idxCfg := range indexConfigs {
		existing, err := m.client.GetMilvusClient().DescribeIndex(ctx, schema.Name, idxCfg.FieldName)
		if err == nil && len(existing) > 0 {
			continue
		}
		if err := m.CreateIndex(ctx, schema.Name, idxCfg); err != nil {
			return err
		}
	}

	return m.LoadCollection(ctx, schema.Name)
}

// NotePassageCollectionName is the base name of the similar-passage index.
const NotePassageCollectionName = "note_passages"

// NotePassageSchema describes the passage collection backing similar-case
// retrieval for the corrective pass. Passages are keyed by an auto id and
// partitioned by the registry field path they evidence.
func NotePassageSchema(cfg config.MilvusConfig) CollectionSchema {
	name := NotePassageCollectionName
	if cfg.CollectionPrefix != "" {
		name = cfg.CollectionPrefix + "_" + name
	}
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = 768
	}
	return CollectionSchema{
		Name:        name,
		Description: "Evidence passages from confirmed coded notes",
		Fields: []*entity.Field{
			{Name: "id", DataType: entity.FieldTypeInt64, PrimaryKey: true, AutoID: true},
			{Name: "note_hash", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: "field_path", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}, IsPartitionKey: true},
			{Name: "text", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "2048"}},
			{Name: "embedding", DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprint(dim)}},
		},
	}
}

// NotePassageIndexes returns the index set for the passage collection.
func NotePassageIndexes(cfg config.MilvusConfig) []IndexConfig {
	params := map[string]string{}
	if cfg.HNSWM > 0 {
		params["M"] = strconv.Itoa(cfg.HNSWM)
	}
	if cfg.HNSWEfConstruction > 0 {
		params["efConstruction"] = strconv.Itoa(cfg.HNSWEfConstruction)
	}
	idxType := entity.IndexType(cfg.IndexType)
	if idxType == "" {
		idxType = entity.HNSW
	}
	return []IndexConfig{{
		FieldName:  "embedding",
		IndexType:  idxType,
		MetricType: entity.COSINE,
		Params:     params,
	}}
}
