package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/providers"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
)

// Mocks

type MockTrialRepository struct {
	mock.Mock
}

func (m *MockTrialRepository) EnsureSchema(ctx context.Context, embeddingDim int) error {
	args := m.Called(ctx, embeddingDim)
	return args.Error(0)
}

func (m *MockTrialRepository) UpsertTrials(ctx context.Context, trials []*entities.Trial) (int, error) {
	args := m.Called(ctx, trials)
	return args.Int(0), args.Error(1)
}

func (m *MockTrialRepository) GetByID(ctx context.Context, nctID string) (*entities.Trial, error) {
	args := m.Called(ctx, nctID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.Trial), args.Error(1)
}

func (m *MockTrialRepository) ListTrials(ctx context.Context, after string, limit int) ([]*entities.Trial, error) {
	args := m.Called(ctx, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.Trial), args.Error(1)
}

func (m *MockTrialRepository) CountNeedingEmbedding(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockTrialRepository) ListNeedingEmbedding(ctx context.Context, after string, limit int) ([]*entities.Trial, error) {
	args := m.Called(ctx, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.Trial), args.Error(1)
}

func (m *MockTrialRepository) SaveEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	args := m.Called(ctx, embeddings)
	return args.Error(0)
}

func (m *MockTrialRepository) CountNeedingExtraction(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockTrialRepository) ListNeedingExtraction(ctx context.Context, after string, limit int) ([]*entities.Trial, error) {
	args := m.Called(ctx, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.Trial), args.Error(1)
}

func (m *MockTrialRepository) SaveEligibility(ctx context.Context, results []repositories.EligibilityUpdate) error {
	args := m.Called(ctx, results)
	return args.Error(0)
}

func (m *MockTrialRepository) ResetExtractionErrors(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTrialRepository) SearchByEmbedding(ctx context.Context, vector []float32, filter entities.SearchFilter, limit int) ([]entities.ScoredTrial, error) {
	args := m.Called(ctx, vector, filter, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entities.ScoredTrial), args.Error(1)
}

func (m *MockTrialRepository) ListMatchCandidates(ctx context.Context, condition string, limit int) ([]*entities.Trial, error) {
	args := m.Called(ctx, condition, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.Trial), args.Error(1)
}

type MockEmbeddingProvider struct {
	mock.Mock
}

func (m *MockEmbeddingProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbeddingProvider) Model() string {
	return "test-embedding"
}

type MockCompletionProvider struct {
	mock.Mock
}

func (m *MockCompletionProvider) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type MockRegistryProvider struct {
	mock.Mock
}

func (m *MockRegistryProvider) ListStudies(ctx context.Context, pageToken string) (*providers.RegistryPage, error) {
	args := m.Called(ctx, pageToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.RegistryPage), args.Error(1)
}

type MockTrialSearchIndex struct {
	mock.Mock
}

func (m *MockTrialSearchIndex) EnsureCollection(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTrialSearchIndex) Reset(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTrialSearchIndex) Index(ctx context.Context, trial *entities.Trial) error {
	return m.Called(ctx, trial).Error(0)
}

// MockCacheProvider is an in-memory cache for testing
type MockCacheProvider struct {
	mu   sync.RWMutex
	data map[string][]byte
	ttls map[string]int
}

func NewMockCacheProvider() *MockCacheProvider {
	return &MockCacheProvider{
		data: make(map[string][]byte),
		ttls: make(map[string]int),
	}
}

func (m *MockCacheProvider) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if val, ok := m.data[key]; ok {
		return val, nil
	}
	return nil, providers.ErrCacheMiss
}

func (m *MockCacheProvider) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = expirationSeconds
	return nil
}

func (m *MockCacheProvider) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MockCacheProvider) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }
