package common

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

// Sentinel errors surfaced by serving clients. Callers branch on these to
// decide between degrading gracefully (extractor unavailable) and failing
// the request.
var (
	ErrServingUnavailable   = errors.New("serving backend unavailable")
	ErrModelNotDeployed     = errors.New("model not deployed")
	ErrInferenceTimeout     = errors.New("inference timed out")
	ErrClientClosed         = errors.New("serving client closed")
	ErrStreamingUnsupported = errors.New("streaming not supported by this client")
)

// ServingClient is the transport-agnostic interface to a model-serving
// backend. Implementations must be safe for concurrent use.
type ServingClient interface {
	// Predict runs a single inference call.
	Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error)

	// BatchPredict runs the requests in order and returns responses in the
	// same order. It stops at the first failing request.
	BatchPredict(ctx context.Context, reqs []*PredictRequest) ([]*PredictResponse, error)

	// StreamPredict starts a server-streaming inference. The returned
	// channel is closed when the stream ends or the context is canceled.
	StreamPredict(ctx context.Context, req *PredictRequest) (<-chan *PredictResponse, error)

	// GetModelStatus reports deployment state for one model.
	GetModelStatus(ctx context.Context, modelName string) (*ServingModelStatus, error)

	// ListServingModels returns the names of all deployed models.
	ListServingModels(ctx context.Context) ([]string, error)

	// Healthy reports whether the backend is ready to serve.
	Healthy(ctx context.Context) bool

	// Close releases the underlying connection. The client is unusable
	// afterwards.
	Close() error
}

// ServingModelStatus is the deployment state of one served model.
type ServingModelStatus struct {
	ModelName   string          `json:"model_name"`
	State       string          `json:"state"`
	Versions    []VersionStatus `json:"versions,omitempty"`
	LastUpdated time.Time       `json:"last_updated,omitempty"`
}

// VersionStatus is the deployment state of one model version.
type VersionStatus struct {
	Version      string `json:"version"`
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// gRPC client
// ─────────────────────────────────────────────────────────────────────────────

// Inference service methods. The serving shim exposes a generic
// struct-valued API so the client needs no generated stubs.
const (
	methodPredict       = "/medcode.serving.v1.InferenceService/Predict"
	methodStreamPredict = "/medcode.serving.v1.InferenceService/StreamPredict"
	methodModelStatus   = "/medcode.serving.v1.InferenceService/ModelStatus"
	methodListModels    = "/medcode.serving.v1.InferenceService/ListModels"
)

var streamPredictDesc = &grpc.StreamDesc{
	StreamName:    "StreamPredict",
	ServerStreams: true,
}

// GRPCClientConfig configures the gRPC serving client.
type GRPCClientConfig struct {
	Addr           string
	Timeout        time.Duration
	MaxRecvMsgSize int
	UserAgent      string
}

type grpcServingClient struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	timeout time.Duration
	logger  logging.Logger
	closed  atomic.Bool
}

// NewGRPCServingClient dials the serving backend at cfg.Addr. The dial is
// lazy; connection failures surface on the first call.
func NewGRPCServingClient(cfg GRPCClientConfig, logger logging.Logger) (ServingClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: serving address is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize)))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, grpc.WithUserAgent(cfg.UserAgent))
	}

	conn, err := grpc.Dial(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial serving backend %s: %w", cfg.Addr, err)
	}

	return &grpcServingClient{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		timeout: cfg.Timeout,
		logger:  logger.Named("serving.grpc"),
	}, nil
}

func (c *grpcServingClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *grpcServingClient) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	in, err := requestToStruct(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodPredict, in, out); err != nil {
		return nil, c.mapGRPCError(req.ModelName, err)
	}
	return responseFromStruct(out)
}

func (c *grpcServingClient) BatchPredict(ctx context.Context, reqs []*PredictRequest) ([]*PredictResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	responses := make([]*PredictResponse, 0, len(reqs))
	for i, req := range reqs {
		resp, err := c.Predict(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (c *grpcServingClient) StreamPredict(ctx context.Context, req *PredictRequest) (<-chan *PredictResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	in, err := requestToStruct(req)
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, streamPredictDesc, methodStreamPredict)
	if err != nil {
		return nil, c.mapGRPCError(req.ModelName, err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, c.mapGRPCError(req.ModelName, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, c.mapGRPCError(req.ModelName, err)
	}

	ch := make(chan *PredictResponse, 8)
	go func() {
		defer close(ch)
		for {
			out := &structpb.Struct{}
			if err := stream.RecvMsg(out); err != nil {
				if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
					c.logger.Warn("stream predict terminated",
						logging.String("model", req.ModelName),
						logging.Err(err))
				}
				return
			}
			resp, err := responseFromStruct(out)
			if err != nil {
				c.logger.Warn("dropping malformed stream message",
					logging.String("model", req.ModelName),
					logging.Err(err))
				continue
			}
			select {
			case ch <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *grpcServingClient) GetModelStatus(ctx context.Context, modelName string) (*ServingModelStatus, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if modelName == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidInput)
	}

	in, err := structpb.NewStruct(map[string]interface{}{"model_name": modelName})
	if err != nil {
		return nil, fmt.Errorf("encode model status request: %w", err)
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodModelStatus, in, out); err != nil {
		return nil, c.mapGRPCError(modelName, err)
	}
	return modelStatusFromStruct(out)
}

func (c *grpcServingClient) ListServingModels(ctx context.Context) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodListModels, &structpb.Struct{}, out); err != nil {
		return nil, c.mapGRPCError("", err)
	}

	listVal, ok := out.Fields["models"]
	if !ok {
		return nil, nil
	}
	var names []string
	for _, v := range listVal.GetListValue().GetValues() {
		if name := v.GetStringValue(); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *grpcServingClient) Healthy(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (c *grpcServingClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *grpcServingClient) mapGRPCError(modelName string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrServingUnavailable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: model %s", ErrInferenceTimeout, modelName)
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrModelNotDeployed, modelName)
	default:
		return fmt.Errorf("serving call failed (%s): %s", st.Code(), st.Message())
	}
}

// requestToStruct encodes a PredictRequest as a generic struct message.
// Binary payloads travel base64-encoded, matching the HTTP wire form.
func requestToStruct(req *PredictRequest) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"model_name":   req.ModelName,
		"input_format": string(req.InputFormat),
		"input_data":   base64.StdEncoding.EncodeToString(req.InputData),
	}
	if req.ModelVersion != "" {
		m["model_version"] = req.ModelVersion
	}
	if len(req.Metadata) > 0 {
		meta := make(map[string]interface{}, len(req.Metadata))
		for k, v := range req.Metadata {
			meta[k] = v
		}
		m["metadata"] = meta
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}
	return s, nil
}

func responseFromStruct(s *structpb.Struct) (*PredictResponse, error) {
	resp := &PredictResponse{
		ModelName:       s.Fields["model_name"].GetStringValue(),
		ModelVersion:    s.Fields["model_version"].GetStringValue(),
		OutputFormat:    InputFormat(s.Fields["output_format"].GetStringValue()),
		InferenceTimeMs: int64(s.Fields["inference_time_ms"].GetNumberValue()),
	}
	if resp.OutputFormat == "" {
		resp.OutputFormat = FormatJSON
	}

	if outs := s.Fields["outputs"].GetStructValue(); outs != nil {
		resp.Outputs = make(map[string][]byte, len(outs.Fields))
		for name, v := range outs.Fields {
			raw, err := base64.StdEncoding.DecodeString(v.GetStringValue())
			if err != nil {
				return nil, fmt.Errorf("decode output %q: %w", name, err)
			}
			resp.Outputs[name] = raw
		}
	}
	if meta := s.Fields["metadata"].GetStructValue(); meta != nil {
		resp.Metadata = make(map[string]string, len(meta.Fields))
		for k, v := range meta.Fields {
			resp.Metadata[k] = v.GetStringValue()
		}
	}
	return resp, nil
}

func modelStatusFromStruct(s *structpb.Struct) (*ServingModelStatus, error) {
	st := &ServingModelStatus{
		ModelName: s.Fields["model_name"].GetStringValue(),
		State:     s.Fields["state"].GetStringValue(),
	}
	if ts := s.Fields["last_updated"].GetStringValue(); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse last_updated: %w", err)
		}
		st.LastUpdated = parsed
	}
	for _, v := range s.Fields["versions"].GetListValue().GetValues() {
		vs := v.GetStructValue()
		if vs == nil {
			continue
		}
		st.Versions = append(st.Versions, VersionStatus{
			Version:      vs.Fields["version"].GetStringValue(),
			State:        vs.Fields["state"].GetStringValue(),
			ErrorMessage: vs.Fields["error_message"].GetStringValue(),
		})
	}
	return st, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP client
// ─────────────────────────────────────────────────────────────────────────────

// HTTPClientConfig configures the HTTP serving client.
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string
}

type httpServingClient struct {
	base   string
	apiKey string
	client *http.Client
	logger logging.Logger
	closed atomic.Bool
}

// NewHTTPServingClient builds a client for serving shims that speak the
// JSON inference protocol under /v2.
func NewHTTPServingClient(cfg HTTPClientConfig, logger logging.Logger) (ServingClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: serving base URL is required", ErrInvalidInput)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: bad base URL: %v", ErrInvalidInput, err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &httpServingClient{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("serving.http"),
	}, nil
}

func (c *httpServingClient) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	endpoint := c.base + "/v2/models/" + url.PathEscape(req.ModelName)
	if req.ModelVersion != "" {
		endpoint += "/versions/" + url.PathEscape(req.ModelVersion)
	}
	endpoint += "/infer"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	var resp PredictResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, c.mapHTTPError(req.ModelName, err)
	}
	return &resp, nil
}

func (c *httpServingClient) BatchPredict(ctx context.Context, reqs []*PredictRequest) ([]*PredictResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	responses := make([]*PredictResponse, 0, len(reqs))
	for i, req := range reqs {
		resp, err := c.Predict(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (c *httpServingClient) StreamPredict(ctx context.Context, req *PredictRequest) (<-chan *PredictResponse, error) {
	return nil, ErrStreamingUnsupported
}

func (c *httpServingClient) GetModelStatus(ctx context.Context, modelName string) (*ServingModelStatus, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if modelName == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidInput)
	}

	var st ServingModelStatus
	endpoint := c.base + "/v2/models/" + url.PathEscape(modelName)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &st); err != nil {
		return nil, c.mapHTTPError(modelName, err)
	}
	return &st, nil
}

func (c *httpServingClient) ListServingModels(ctx context.Context) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	var out struct {
		Models []string `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.base+"/v2/models", nil, &out); err != nil {
		return nil, c.mapHTTPError("", err)
	}
	return out.Models, nil
}

func (c *httpServingClient) Healthy(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v2/health/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *httpServingClient) Close() error {
	if !c.closed.Swap(true) {
		c.client.CloseIdleConnections()
	}
	return nil
}

// httpStatusError carries a non-2xx response through to mapHTTPError.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func (c *httpServingClient) doJSON(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, body: truncate(string(raw), 256)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *httpServingClient) mapHTTPError(modelName string, err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		switch se.status {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrModelNotDeployed, modelName)
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			return fmt.Errorf("%w: %v", ErrServingUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: model %s", ErrInferenceTimeout, modelName)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return fmt.Errorf("%w: model %s", ErrInferenceTimeout, modelName)
		}
		return fmt.Errorf("%w: %v", ErrServingUnavailable, err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ─────────────────────────────────────────────────────────────────────────────
// Mock client
// ─────────────────────────────────────────────────────────────────────────────

// MockServingClient is a test double. Unset funcs fall back to benign
// defaults so tests only stub what they assert on.
type MockServingClient struct {
	PredictFunc           func(ctx context.Context, req *PredictRequest) (*PredictResponse, error)
	BatchPredictFunc      func(ctx context.Context, reqs []*PredictRequest) ([]*PredictResponse, error)
	StreamPredictFunc     func(ctx context.Context, req *PredictRequest) (<-chan *PredictResponse, error)
	GetModelStatusFunc    func(ctx context.Context, modelName string) (*ServingModelStatus, error)
	ListServingModelsFunc func(ctx context.Context) ([]string, error)
	HealthyFunc           func(ctx context.Context) bool
	CloseFunc             func() error

	predictCalls atomic.Int32
}

// PredictCallCount returns how many times Predict was invoked.
func (m *MockServingClient) PredictCallCount() int {
	return int(m.predictCalls.Load())
}

func (m *MockServingClient) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	m.predictCalls.Add(1)
	if m.PredictFunc != nil {
		return m.PredictFunc(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &PredictResponse{
		ModelName:    req.ModelName,
		ModelVersion: req.ModelVersion,
		Outputs:      map[string][]byte{},
		OutputFormat: FormatJSON,
	}, nil
}

func (m *MockServingClient) BatchPredict(ctx context.Context, reqs []*PredictRequest) ([]*PredictResponse, error) {
	if m.BatchPredictFunc != nil {
		return m.BatchPredictFunc(ctx, reqs)
	}
	responses := make([]*PredictResponse, 0, len(reqs))
	for i, req := range reqs {
		resp, err := m.Predict(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (m *MockServingClient) StreamPredict(ctx context.Context, req *PredictRequest) (<-chan *PredictResponse, error) {
	if m.StreamPredictFunc != nil {
		return m.StreamPredictFunc(ctx, req)
	}
	resp, err := m.Predict(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *PredictResponse, 1)
	ch <- resp
	close(ch)
	return ch, nil
}

func (m *MockServingClient) GetModelStatus(ctx context.Context, modelName string) (*ServingModelStatus, error) {
	if m.GetModelStatusFunc != nil {
		return m.GetModelStatusFunc(ctx, modelName)
	}
	return &ServingModelStatus{
		ModelName: modelName,
		State:     "READY",
		Versions:  []VersionStatus{{Version: "1", State: "READY"}},
	}, nil
}

func (m *MockServingClient) ListServingModels(ctx context.Context) ([]string, error) {
	if m.ListServingModelsFunc != nil {
		return m.ListServingModelsFunc(ctx)
	}
	return nil, nil
}

func (m *MockServingClient) Healthy(ctx context.Context) bool {
	if m.HealthyFunc != nil {
		return m.HealthyFunc(ctx)
	}
	return true
}

func (m *MockServingClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
