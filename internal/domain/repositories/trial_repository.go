package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
)

// TrialRepository defines the interface for trial storage
type TrialRepository interface {
	// EnsureSchema creates the vector extension, the trials table and its indexes
	EnsureSchema(ctx context.Context, embeddingDim int) error

	// UpsertTrials writes canonical and raw columns keyed by nct_id in one transaction.
	// Embedding and parsed eligibility are left untouched on conflict.
	UpsertTrials(ctx context.Context, trials []*entities.Trial) (int, error)

	// GetByID retrieves a trial by NCT id
	GetByID(ctx context.Context, nctID string) (*entities.Trial, error)

	// ListTrials pages through all trials ordered by nct_id
	ListTrials(ctx context.Context, after string, limit int) ([]*entities.Trial, error)

	CountNeedingEmbedding(ctx context.Context) (int, error)
	// ListNeedingEmbedding returns the next trials without an embedding after the given id
	ListNeedingEmbedding(ctx context.Context, after string, limit int) ([]*entities.Trial, error)

	// SaveEmbeddings writes only the embedding column, in one transaction
	SaveEmbeddings(ctx context.Context, embeddings map[string][]float32) error

	CountNeedingExtraction(ctx context.Context) (int, error)
	ListNeedingExtraction(ctx context.Context, after string, limit int) ([]*entities.Trial, error)

	// SaveEligibility writes only eligibility_parsed and eligibility_parsed_at, in one transaction
	SaveEligibility(ctx context.Context, results []EligibilityUpdate) error

	// ResetExtractionErrors clears error markers and returns the number of rows reset
	ResetExtractionErrors(ctx context.Context) (int64, error)

	// SearchByEmbedding ranks embedded trials by cosine distance after applying filters
	SearchByEmbedding(ctx context.Context, vector []float32, filter entities.SearchFilter, limit int) ([]entities.ScoredTrial, error)

	// ListMatchCandidates returns recruiting trials whose conditions mention condition
	ListMatchCandidates(ctx context.Context, condition string, limit int) ([]*entities.Trial, error)
}

// EligibilityUpdate is one extraction outcome to persist.
type EligibilityUpdate struct {
	NCTID    string
	Parsed   *entities.ParsedEligibility
	ParsedAt time.Time
}

// TrialSearchIndex mirrors trials into the keyword search engine
type TrialSearchIndex interface {
	EnsureCollection(ctx context.Context) error
	Reset(ctx context.Context) error
	Index(ctx context.Context, trial *entities.Trial) error
}
