package common

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

// Registry errors.
var (
	ErrModelNotFound    = errors.New("model not found")
	ErrVersionNotFound  = errors.New("model version not found")
	ErrVersionExists    = errors.New("model version already registered")
	ErrVersionActive    = errors.New("model version is active")
	ErrNoActiveVersion  = errors.New("model has no active version")
	ErrInvalidABTest    = errors.New("invalid A/B test")
	ErrABTestNotRunning = errors.New("no A/B test running")
)

// ModelState tracks a registered version through its lifecycle.
type ModelState string

const (
	StateRegistered ModelState = "registered"
	StateLoading    ModelState = "loading"
	StateReady      ModelState = "ready"
	StateFailed     ModelState = "failed"
	StateRetired    ModelState = "retired"
)

// RegisteredModel is the registry's view of one model version.
type RegisteredModel struct {
	Descriptor   ModelDescriptor `json:"descriptor"`
	State        ModelState      `json:"state"`
	LastError    string          `json:"last_error,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ABTest routes a percentage of requests for a model to version A and the
// rest to version B. Routing is deterministic per request ID so repeated
// derivations of the same note hit the same version.
type ABTest struct {
	ModelName string `json:"model_name"`
	VersionA  string `json:"version_a"`
	VersionB  string `json:"version_b"`
	PercentA  int    `json:"percent_a"`
}

// Validate checks the test parameters are routable.
func (t *ABTest) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil test", ErrInvalidABTest)
	}
	if t.ModelName == "" || t.VersionA == "" || t.VersionB == "" {
		return fmt.Errorf("%w: model and both versions are required", ErrInvalidABTest)
	}
	if t.VersionA == t.VersionB {
		return fmt.Errorf("%w: versions must differ", ErrInvalidABTest)
	}
	if t.PercentA <= 0 || t.PercentA >= 100 {
		return fmt.Errorf("%w: percent_a must be in (0,100), got %d", ErrInvalidABTest, t.PercentA)
	}
	return nil
}

// RegistryHealth summarizes the registry for health endpoints.
type RegistryHealth struct {
	TotalModels         int       `json:"total_models"`
	TotalVersions       int       `json:"total_versions"`
	ReadyVersions       int       `json:"ready_versions"`
	FailedVersions      int       `json:"failed_versions"`
	ModelsWithoutActive []string  `json:"models_without_active,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
}

// ModelRegistry tracks the model versions available to the pipeline and
// routes requests across them.
type ModelRegistry interface {
	// Register adds a model version in state registered.
	Register(ctx context.Context, desc ModelDescriptor) error

	// Unregister removes a version. The active version cannot be removed.
	Unregister(ctx context.Context, name, version string) error

	// GetModel returns one registered version.
	GetModel(ctx context.Context, name, version string) (*RegisteredModel, error)

	// ListModels returns every registered version, ordered by model name
	// then version.
	ListModels(ctx context.Context) []*RegisteredModel

	// SetState moves a version through its lifecycle.
	SetState(ctx context.Context, name, version string, state ModelState, errMsg string) error

	// SetActiveVersion makes a version the default routing target. Only
	// ready versions can be activated.
	SetActiveVersion(ctx context.Context, name, version string) error

	// ActiveVersion returns the current default version for a model.
	ActiveVersion(ctx context.Context, name string) (*RegisteredModel, error)

	// RouteRequest picks the version that should serve requestID, honoring
	// any running A/B test and falling back to the active version.
	RouteRequest(ctx context.Context, name, requestID string) (*RegisteredModel, error)

	// SetABTest starts or replaces the A/B test for a model.
	SetABTest(ctx context.Context, test *ABTest) error

	// ClearABTest stops the A/B test for a model.
	ClearABTest(ctx context.Context, name string) error

	// HealthCheck summarizes registry state.
	HealthCheck(ctx context.Context) *RegistryHealth
}

// modelEntry holds all versions of one model. The entry-level mutex keeps
// version maps, the active pointer, and the A/B test consistent; the outer
// sync.Map only maps names to entries.
type modelEntry struct {
	mu       sync.RWMutex
	versions map[string]*RegisteredModel
	active   string
	abTest   *ABTest
}

type inMemoryModelRegistry struct {
	models sync.Map // model name -> *modelEntry
	logger logging.Logger
}

// NewInMemoryModelRegistry builds an empty in-process registry.
func NewInMemoryModelRegistry(logger logging.Logger) ModelRegistry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &inMemoryModelRegistry{logger: logger.Named("model_registry")}
}

func (r *inMemoryModelRegistry) entry(name string) (*modelEntry, bool) {
	v, ok := r.models.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*modelEntry), true
}

func (r *inMemoryModelRegistry) Register(ctx context.Context, desc ModelDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	v, _ := r.models.LoadOrStore(desc.Name, &modelEntry{versions: make(map[string]*RegisteredModel)})
	entry := v.(*modelEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, exists := entry.versions[desc.Version]; exists {
		return fmt.Errorf("%w: %s@%s", ErrVersionExists, desc.Name, desc.Version)
	}

	now := time.Now()
	entry.versions[desc.Version] = &RegisteredModel{
		Descriptor:   desc,
		State:        StateRegistered,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	r.logger.Info("model version registered",
		logging.String("model", desc.Name),
		logging.String("version", desc.Version),
		logging.String("type", string(desc.Type)))
	return nil
}

func (r *inMemoryModelRegistry) Unregister(ctx context.Context, name, version string) error {
	entry, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, exists := entry.versions[version]; !exists {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	if entry.active == version {
		return fmt.Errorf("%w: %s@%s, activate another version first", ErrVersionActive, name, version)
	}
	if entry.abTest != nil && (entry.abTest.VersionA == version || entry.abTest.VersionB == version) {
		return fmt.Errorf("%w: %s@%s is part of a running A/B test", ErrVersionActive, name, version)
	}

	delete(entry.versions, version)
	r.logger.Info("model version unregistered",
		logging.String("model", name),
		logging.String("version", version))
	return nil
}

func (r *inMemoryModelRegistry) GetModel(ctx context.Context, name, version string) (*RegisteredModel, error) {
	entry, ok := r.entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	m, exists := entry.versions[version]
	if !exists {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	cp := *m
	return &cp, nil
}

func (r *inMemoryModelRegistry) ListModels(ctx context.Context) []*RegisteredModel {
	var out []*RegisteredModel
	r.models.Range(func(_, v interface{}) bool {
		entry := v.(*modelEntry)
		entry.mu.RLock()
		for _, m := range entry.versions {
			cp := *m
			out = append(out, &cp)
		}
		entry.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Descriptor.Name != out[j].Descriptor.Name {
			return out[i].Descriptor.Name < out[j].Descriptor.Name
		}
		return out[i].Descriptor.Version < out[j].Descriptor.Version
	})
	return out
}

func (r *inMemoryModelRegistry) SetState(ctx context.Context, name, version string, state ModelState, errMsg string) error {
	entry, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m, exists := entry.versions[version]
	if !exists {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}

	m.State = state
	m.LastError = errMsg
	m.UpdatedAt = time.Now()

	if state == StateFailed {
		r.logger.Warn("model version failed",
			logging.String("model", name),
			logging.String("version", version),
			logging.String("error", errMsg))
	}
	return nil
}

func (r *inMemoryModelRegistry) SetActiveVersion(ctx context.Context, name, version string) error {
	entry, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m, exists := entry.versions[version]
	if !exists {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	if m.State != StateReady {
		return fmt.Errorf("cannot activate %s@%s: state is %s, want %s", name, version, m.State, StateReady)
	}

	previous := entry.active
	entry.active = version
	r.logger.Info("active model version changed",
		logging.String("model", name),
		logging.String("from", previous),
		logging.String("to", version))
	return nil
}

func (r *inMemoryModelRegistry) ActiveVersion(ctx context.Context, name string) (*RegisteredModel, error) {
	entry, ok := r.entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if entry.active == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveVersion, name)
	}
	cp := *entry.versions[entry.active]
	return &cp, nil
}

func (r *inMemoryModelRegistry) RouteRequest(ctx context.Context, name, requestID string) (*RegisteredModel, error) {
	entry, ok := r.entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if entry.abTest != nil {
		version := entry.abTest.VersionB
		if bucketOf(requestID) < entry.abTest.PercentA {
			version = entry.abTest.VersionA
		}
		if m, exists := entry.versions[version]; exists {
			cp := *m
			return &cp, nil
		}
		// Test references a vanished version; fall through to active.
	}

	if entry.active == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveVersion, name)
	}
	cp := *entry.versions[entry.active]
	return &cp, nil
}

func (r *inMemoryModelRegistry) SetABTest(ctx context.Context, test *ABTest) error {
	if err := test.Validate(); err != nil {
		return err
	}

	entry, ok := r.entry(test.ModelName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, test.ModelName)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, v := range []string{test.VersionA, test.VersionB} {
		m, exists := entry.versions[v]
		if !exists {
			return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, test.ModelName, v)
		}
		if m.State != StateReady {
			return fmt.Errorf("%w: %s@%s is not ready", ErrInvalidABTest, test.ModelName, v)
		}
	}

	cp := *test
	entry.abTest = &cp
	r.logger.Info("A/B test started",
		logging.String("model", test.ModelName),
		logging.String("version_a", test.VersionA),
		logging.String("version_b", test.VersionB),
		logging.Int("percent_a", test.PercentA))
	return nil
}

func (r *inMemoryModelRegistry) ClearABTest(ctx context.Context, name string) error {
	entry, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.abTest == nil {
		return fmt.Errorf("%w: %s", ErrABTestNotRunning, name)
	}
	entry.abTest = nil
	r.logger.Info("A/B test cleared", logging.String("model", name))
	return nil
}

func (r *inMemoryModelRegistry) HealthCheck(ctx context.Context) *RegistryHealth {
	health := &RegistryHealth{CheckedAt: time.Now()}

	r.models.Range(func(k, v interface{}) bool {
		entry := v.(*modelEntry)
		entry.mu.RLock()
		health.TotalModels++
		health.TotalVersions += len(entry.versions)
		for _, m := range entry.versions {
			switch m.State {
			case StateReady:
				health.ReadyVersions++
			case StateFailed:
				health.FailedVersions++
			}
		}
		if entry.active == "" {
			health.ModelsWithoutActive = append(health.ModelsWithoutActive, k.(string))
		}
		entry.mu.RUnlock()
		return true
	})

	sort.Strings(health.ModelsWithoutActive)
	return health
}

// bucketOf maps a request ID to a stable bucket in [0,100).
func bucketOf(requestID string) int {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return int(h.Sum32() % 100)
}
