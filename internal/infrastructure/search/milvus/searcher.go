package milvus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// SearcherConfig holds configuration for the Searcher.
type SearcherConfig struct {
	DefaultTopK      int
	MaxTopK          int
	DefaultNProbe    int
	DefaultEf        int
	IndexType        entity.IndexType
	SearchTimeout    time.Duration
	InsertBatchSize  int
	InsertTimeout    time.Duration
	ConsistencyLevel entity.ConsistencyLevel
}

// VectorSearchRequest defines a vector search query.
type VectorSearchRequest struct {
	CollectionName     string
	VectorFieldName    string
	Vectors            [][]float32
	TopK               int
	MetricType         entity.MetricType
	Filters            string
	OutputFields       []string
	SearchParams       map[string]interface{}
	GuaranteeTimestamp uint64
}

// VectorSearchResult holds the search response, one hit list per query
// vector.
type VectorSearchResult struct {
	Results [][]VectorHit
	TookMs  int64
}

// VectorHit represents a single search hit.
type VectorHit struct {
	ID     int64
	Score  float32
	Fields map[string]interface{}
}

// InsertRequest defines data to insert as rows.
type InsertRequest struct {
	CollectionName string
	Data           []map[string]interface{}
}

// InsertResult holds the insertion result.
type InsertResult struct {
	InsertedCount int64
	IDs           []int64
}

// Reranker fuses hit lists from multiple vector fields into one ranking.
type Reranker interface {
	Rerank(results [][]VectorHit, topK int) []VectorHit
}

// RRFReranker implements reciprocal rank fusion.
type RRFReranker struct {
	K int
}

func (r *RRFReranker) Rerank(results [][]VectorHit, topK int) []VectorHit {
	k := r.K
	if k <= 0 {
		k = 60
	}
	scores := make(map[int64]float32)
	fields := make(map[int64]map[string]interface{})

	for _, resultList := range results {
		for rank, hit := range resultList {
			scores[hit.ID] += 1.0 / float32(k+rank+1)
			if fields[hit.ID] == nil {
				fields[hit.ID] = hit.Fields
			}
		}
	}

	return topHits(scores, fields, topK)
}

// WeightedReranker fuses by weighted score sum. Weights must align with the
// result lists one to one.
type WeightedReranker struct {
	Weights []float32
}

func (r *WeightedReranker) Rerank(results [][]VectorHit, topK int) []VectorHit {
	if len(results) != len(r.Weights) {
		return nil
	}

	scores := make(map[int64]float32)
	fields := make(map[int64]map[string]interface{})

	for i, resultList := range results {
		w := r.Weights[i]
		for _, hit := range resultList {
			scores[hit.ID] += hit.Score * w
			if fields[hit.ID] == nil {
				fields[hit.ID] = hit.Fields
			}
		}
	}

	return topHits(scores, fields, topK)
}

func topHits(scores map[int64]float32, fields map[int64]map[string]interface{}, topK int) []VectorHit {
	hits := make([]VectorHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, VectorHit{ID: id, Score: score, Fields: fields[id]})
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Searcher performs vector reads and writes against loaded collections.
type Searcher struct {
	client        *Client
	collectionMgr *CollectionManager
	config        SearcherConfig
	logger        logging.Logger
}

// NewSearcher creates a new Searcher.
func NewSearcher(client *Client, collMgr *CollectionManager, cfg SearcherConfig, logger logging.Logger) *Searcher {
	if cfg.DefaultTopK == 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.MaxTopK == 0 {
		cfg.MaxTopK = 16384
	}
	if cfg.DefaultNProbe == 0 {
		cfg.DefaultNProbe = 16
	}
	if cfg.DefaultEf == 0 {
		cfg.DefaultEf = 64
	}
	if cfg.IndexType == "" {
		cfg.IndexType = entity.HNSW
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = 10 * time.Second
	}
	if cfg.InsertBatchSize == 0 {
		cfg.InsertBatchSize = 1000
	}
	if cfg.InsertTimeout == 0 {
		cfg.InsertTimeout = 60 * time.Second
	}
	if cfg.ConsistencyLevel == 0 {
		cfg.ConsistencyLevel = entity.ClBounded
	}

	return &Searcher{
		client:        client,
		collectionMgr: collMgr,
		config:        cfg,
		logger:        logger,
	}
}

// Insert writes rows in batches of InsertBatchSize.
func (s *Searcher) Insert(ctx context.Context, req InsertRequest) (*InsertResult, error) {
	if req.CollectionName == "" {
		return nil, errors.New(errors.ErrCodeValidation, "CollectionName is required")
	}
	if len(req.Data) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "Data is empty")
	}

	total := len(req.Data)
	batchSize := s.config.InsertBatchSize
	result := &InsertResult{}

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}

		columns, err := s.convertToColumns(ctx, req.CollectionName, req.Data[start:end])
		if err != nil {
			return nil, err
		}

		insertCtx, cancel := context.WithTimeout(ctx, s.config.InsertTimeout)
		idCol, err := s.client.GetMilvusClient().Insert(insertCtx, req.CollectionName, "", columns...)
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to insert vectors")
		}

		result.IDs = append(result.IDs, int64IDs(idCol)...)
		result.InsertedCount += int64(end - start)
	}

	s.logger.Info("Inserted entities",
		logging.String("collection", req.CollectionName),
		logging.Int64("count", result.InsertedCount))
	return result, nil
}

// Upsert updates or inserts rows.
func (s *Searcher) Upsert(ctx context.Context, req InsertRequest) (*InsertResult, error) {
	if req.CollectionName == "" {
		return nil, errors.New(errors.ErrCodeValidation, "CollectionName is required")
	}
	if len(req.Data) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "Data is empty")
	}

	columns, err := s.convertToColumns(ctx, req.CollectionName, req.Data)
	if err != nil {
		return nil, err
	}

	idCol, err := s.client.GetMilvusClient().Upsert(ctx, req.CollectionName, "", columns...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to upsert vectors")
	}

	return &InsertResult{
		InsertedCount: int64(len(req.Data)),
		IDs:           int64IDs(idCol),
	}, nil
}

func int64IDs(col entity.Column) []int64 {
	if col == nil {
		return nil
	}
	if ints, ok := col.(*entity.ColumnInt64); ok {
		return ints.Data()
	}
	return nil
}

// Delete removes rows by primary key.
func (s *Searcher) Delete(ctx context.Context, collectionName string, ids []int64) error {
	if len(ids) == 0 {
		return errors.New(errors.ErrCodeValidation, "IDs cannot be empty")
	}

	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = strconv.FormatInt(id, 10)
	}
	expr := fmt.Sprintf("id in [%s]", strings.Join(idStrs, ","))

	err := s.client.GetMilvusClient().Delete(ctx, collectionName, "", expr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to delete vectors")
	}

	s.logger.Info("Deleted entities",
		logging.String("collection", collectionName),
		logging.Int("count", len(ids)))
	return nil
}

// DeleteByExpr removes rows matching a boolean expression.
func (s *Searcher) DeleteByExpr(ctx context.Context, collectionName, expr string) error {
	if expr == "" {
		return errors.New(errors.ErrCodeValidation, "expression cannot be empty")
	}
	err := s.client.GetMilvusClient().Delete(ctx, collectionName, "", expr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to delete vectors")
	}
	return nil
}

// Search executes a vector search.
func (s *Searcher) Search(ctx context.Context, req VectorSearchRequest) (*VectorSearchResult, error) {
	if req.CollectionName == "" || req.VectorFieldName == "" {
		return nil, errors.New(errors.ErrCodeValidation, "CollectionName and VectorFieldName required")
	}
	if len(req.Vectors) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "Vectors cannot be empty")
	}
	if req.TopK <= 0 {
		req.TopK = s.config.DefaultTopK
	}
	if req.TopK > s.config.MaxTopK {
		req.TopK = s.config.MaxTopK
	}
	metricType := req.MetricType
	if metricType == "" {
		metricType = entity.COSINE
	}

	sp, err := s.buildSearchParam(req.SearchParams)
	if err != nil {
		return nil, err
	}

	vectors := make([]entity.Vector, len(req.Vectors))
	for i, v := range req.Vectors {
		vectors[i] = entity.FloatVector(v)
	}

	opts := []client.SearchQueryOptionFunc{
		client.WithSearchQueryConsistencyLevel(s.config.ConsistencyLevel),
	}
	if req.GuaranteeTimestamp > 0 {
		opts = append(opts, client.WithGuaranteeTimestamp(req.GuaranteeTimestamp))
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.config.SearchTimeout)
	defer cancel()

	start := time.Now()
	results, err := s.client.GetMilvusClient().Search(searchCtx, req.CollectionName, nil,
		req.Filters, req.OutputFields, vectors, req.VectorFieldName, metricType, req.TopK, sp, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchQuery, "vector search failed")
	}

	result := &VectorSearchResult{
		TookMs:  time.Since(start).Milliseconds(),
		Results: convertSearchResults(results),
	}

	s.logger.Debug("Vector search executed",
		logging.String("collection", req.CollectionName),
		logging.Int("queries", len(result.Results)),
		logging.Int64("took_ms", result.TookMs))
	return result, nil
}

// HybridSearch runs one search per vector field and fuses the hit lists.
// All requests must carry the same number of query vectors.
func (s *Searcher) HybridSearch(ctx context.Context, collectionName string, requests []VectorSearchRequest, reranker Reranker, topK int) (*VectorSearchResult, error) {
	if len(requests) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "at least one search request required")
	}
	if reranker == nil {
		reranker = &RRFReranker{}
	}
	if topK <= 0 {
		topK = s.config.DefaultTopK
	}

	batchSize := len(requests[0].Vectors)
	for _, req := range requests {
		if len(req.Vectors) != batchSize {
			return nil, errors.New(errors.ErrCodeValidation, "batch size mismatch in hybrid search")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	resultsPerRequest := make([][][]VectorHit, len(requests))

	for i, req := range requests {
		i, req := i, req
		req.CollectionName = collectionName
		// Over-fetch candidates so fusion has room to rerank.
		req.TopK = topK * 2

		g.Go(func() error {
			res, err := s.Search(gctx, req)
			if err != nil {
				return err
			}
			resultsPerRequest[i] = res.Results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := make([][]VectorHit, batchSize)
	for i := 0; i < batchSize; i++ {
		queryResults := make([][]VectorHit, len(requests))
		for j := range requests {
			queryResults[j] = resultsPerRequest[j][i]
		}
		fused[i] = reranker.Rerank(queryResults, topK)
	}

	return &VectorSearchResult{Results: fused}, nil
}

// SearchByID finds entities similar to an already-stored one.
func (s *Searcher) SearchByID(ctx context.Context, collectionName string, vectorFieldName string, id int64, topK int, filters string, outputFields []string) ([]VectorHit, error) {
	res, err := s.client.GetMilvusClient().QueryByPks(ctx, collectionName, nil,
		entity.NewColumnInt64("id", []int64{id}), []string{vectorFieldName})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchQuery, "failed to query source entity")
	}
	if res.Len() == 0 {
		return nil, errors.New(errors.ErrCodeNotFound, "entity not found")
	}

	col := res.GetColumn(vectorFieldName)
	fvc, ok := col.(*entity.ColumnFloatVector)
	if !ok || fvc.Len() == 0 {
		return nil, errors.New(errors.ErrCodeSearchQuery, "source entity has no float vector")
	}
	vec := fvc.Data()[0]

	searchRes, err := s.Search(ctx, VectorSearchRequest{
		CollectionName:  collectionName,
		VectorFieldName: vectorFieldName,
		Vectors:         [][]float32{vec},
		TopK:            topK,
		Filters:         filters,
		OutputFields:    outputFields,
	})
	if err != nil {
		return nil, err
	}
	return searchRes.Results[0], nil
}

// BatchSearch runs independent searches concurrently. A failed sub-request
// yields a nil slot, never fails the batch.
func (s *Searcher) BatchSearch(ctx context.Context, requests []VectorSearchRequest) ([]*VectorSearchResult, error) {
	results := make([]*VectorSearchResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)

	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			res, err := s.Search(gctx, req)
			if err != nil {
				s.logger.Warn("Batch search sub-request failed", logging.Err(err))
				return nil
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetEntityByIDs retrieves stored rows by primary key.
func (s *Searcher) GetEntityByIDs(ctx context.Context, collectionName string, ids []int64, outputFields []string) ([]map[string]interface{}, error) {
	idCol := entity.NewColumnInt64("id", ids)
	res, err := s.client.GetMilvusClient().QueryByPks(ctx, collectionName, nil, idCol, outputFields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchQuery, "failed to query entities")
	}

	count := res.Len()
	rows := make([]map[string]interface{}, count)
	for i := range rows {
		rows[i] = make(map[string]interface{})
	}
	for _, col := range res {
		for i := 0; i < count; i++ {
			val, err := col.Get(i)
			if err != nil {
				continue
			}
			rows[i][col.Name()] = val
		}
	}
	return rows, nil
}

// GetEntityCount returns the stored row count for a collection.
func (s *Searcher) GetEntityCount(ctx context.Context, collectionName string) (int64, error) {
	info, err := s.collectionMgr.DescribeCollection(ctx, collectionName)
	if err != nil {
		return 0, err
	}
	return info.RowCount, nil
}

func (s *Searcher) convertToColumns(ctx context.Context, collectionName string, data []map[string]interface{}) ([]entity.Column, error) {
	info, err := s.collectionMgr.DescribeCollection(ctx, collectionName)
	if err != nil {
		return nil, err
	}

	fieldData := make(map[string][]interface{})
	for _, row := range data {
		for k, v := range row {
			fieldData[k] = append(fieldData[k], v)
		}
	}

	columns := make([]entity.Column, 0, len(info.Fields))
	for _, field := range info.Fields {
		values, ok := fieldData[field.Name]
		if !ok {
			if field.AutoID {
				continue
			}
			return nil, errors.Newf(errors.ErrCodeValidation, "missing required field: %s", field.Name)
		}
		if len(values) != len(data) {
			return nil, errors.Newf(errors.ErrCodeValidation, "field %s set on only %d of %d rows", field.Name, len(values), len(data))
		}

		col, err := buildColumn(field, values)
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, nil
}

func buildColumn(field *entity.Field, values []interface{}) (entity.Column, error) {
	switch field.DataType {
	case entity.FieldTypeInt64:
		ints := make([]int64, len(values))
		for i, v := range values {
			switch n := v.(type) {
			case int64:
				ints[i] = n
			case int:
				ints[i] = int64(n)
			case float64:
				ints[i] = int64(n)
			default:
				return nil, errors.Newf(errors.ErrCodeValidation, "field %s: cannot convert %T to int64", field.Name, v)
			}
		}
		return entity.NewColumnInt64(field.Name, ints), nil

	case entity.FieldTypeVarChar:
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = fmt.Sprint(v)
		}
		return entity.NewColumnVarChar(field.Name, strs), nil

	case entity.FieldTypeFloat:
		floats := make([]float32, len(values))
		for i, v := range values {
			switch f := v.(type) {
			case float32:
				floats[i] = f
			case float64:
				floats[i] = float32(f)
			default:
				return nil, errors.Newf(errors.ErrCodeValidation, "field %s: cannot convert %T to float32", field.Name, v)
			}
		}
		return entity.NewColumnFloat(field.Name, floats), nil

	case entity.FieldTypeBool:
		bools := make([]bool, len(values))
		for i, v := range values {
			b, ok := v.(bool)
			if !ok {
				return nil, errors.Newf(errors.ErrCodeValidation, "field %s: cannot convert %T to bool", field.Name, v)
			}
			bools[i] = b
		}
		return entity.NewColumnBool(field.Name, bools), nil

	case entity.FieldTypeFloatVector:
		vecs := make([][]float32, len(values))
		for i, v := range values {
			vec, ok := v.([]float32)
			if !ok {
				return nil, errors.Newf(errors.ErrCodeValidation, "field %s: cannot convert %T to []float32", field.Name, v)
			}
			vecs[i] = vec
		}
		dim := 0
		if raw, ok := field.TypeParams["dim"]; ok {
			dim, _ = strconv.Atoi(raw)
		}
		if dim == 0 && len(vecs) > 0 {
			dim = len(vecs[0])
		}
		return entity.NewColumnFloatVector(field.Name, dim, vecs), nil
	}

	return nil, errors.Newf(errors.ErrCodeValidation, "field %s: unsupported data type", field.Name)
}

func convertSearchResults(results []client.SearchResult) [][]VectorHit {
	hits := make([][]VectorHit, len(results))
	for i, res := range results {
		count := res.ResultCount
		hits[i] = make([]VectorHit, count)
		for j := 0; j < count; j++ {
			id, _ := res.IDs.GetAsInt64(j)
			fields := make(map[string]interface{}, len(res.Fields))
			for _, col := range res.Fields {
				if val, err := col.Get(j); err == nil {
					fields[col.Name()] = val
				}
			}
			hits[i][j] = VectorHit{
				ID:     id,
				Score:  res.Scores[j],
				Fields: fields,
			}
		}
	}
	return hits
}

func (s *Searcher) buildSearchParam(params map[string]interface{}) (entity.SearchParam, error) {
	switch s.config.IndexType {
	case entity.HNSW:
		ef := s.config.DefaultEf
		if v, ok := params["ef"]; ok {
			if n, ok := v.(int); ok && n > 0 {
				ef = n
			}
		}
		return entity.NewIndexHNSWSearchParam(ef)
	case entity.Flat:
		return entity.NewIndexFlatSearchParam()
	default:
		nprobe := s.config.DefaultNProbe
		if v, ok := params["nprobe"]; ok {
			if n, ok := v.(int); ok && n > 0 {
				nprobe = n
			}
		}
		return entity.NewIndexIvfFlatSearchParam(nprobe)
	}
}
