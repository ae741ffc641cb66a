package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/cleartrial/backend/pkg/errors"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
)

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	}
}

func TestBuildDigest(t *testing.T) {
	tests := []struct {
		name  string
		trial *entities.Trial
		want  string
	}{
		{
			name: "all parts",
			trial: &entities.Trial{
				BriefTitle:          "Short",
				OfficialTitle:       "Long Official",
				Conditions:          []string{"Asthma", "COPD"},
				Interventions:       []entities.Intervention{{Name: strPtr("Drug A")}, {Name: strPtr("")}, {}, {Name: strPtr("Drug B")}},
				BriefSummary:        "Summary text.",
				EligibilityCriteria: "Adults only",
			},
			want: "Short\nLong Official\nConditions: Asthma, COPD\nInterventions: Drug A, Drug B\nSummary text.\nEligibility: Adults only",
		},
		{
			name:  "official title equal to brief title",
			trial: &entities.Trial{BriefTitle: "Same", OfficialTitle: "Same"},
			want:  "Same",
		},
		{
			name:  "empty trial",
			trial: &entities.Trial{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildDigest(tt.trial))
		})
	}
}

func TestBuildDigest_Truncates(t *testing.T) {
	trial := &entities.Trial{
		BriefSummary:        strings.Repeat("é", 1500),
		EligibilityCriteria: strings.Repeat("x", 800),
	}
	parts := strings.Split(BuildDigest(trial), "\n")
	require.Len(t, parts, 2)
	assert.Equal(t, 1000, len([]rune(parts[0])))
	assert.Equal(t, "Eligibility: "+strings.Repeat("x", 500), parts[1])
}

func TestEmbeddingService_Run(t *testing.T) {
	ctx := context.Background()
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)

	batch := []*entities.Trial{
		{NCTID: "NCT1", BriefTitle: "One"},
		{NCTID: "NCT2", BriefTitle: "Two"},
	}
	repo.On("CountNeedingEmbedding", mock.Anything).Return(2, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 2).Return(batch, nil).Once()
	repo.On("ListNeedingEmbedding", mock.Anything, "NCT2", 2).Return([]*entities.Trial{}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, []string{"One", "Two"}).
		Return([][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}, nil).Once()
	repo.On("SaveEmbeddings", mock.Anything, map[string][]float32{
		"NCT1": {0.1, 0.2, 0.3},
		"NCT2": {0.4, 0.5, 0.6},
	}).Return(nil).Once()

	svc := NewEmbeddingService(repo, embedder, 2, 3)
	summary, err := svc.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, &RunSummary{Batches: 1, Embedded: 2}, summary)
	repo.AssertExpectations(t)
	embedder.AssertExpectations(t)
}

func TestEmbeddingService_Run_RetriesThenSucceeds(t *testing.T) {
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)

	repo.On("CountNeedingEmbedding", mock.Anything).Return(1, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 100).Return([]*entities.Trial{{NCTID: "NCT1", BriefTitle: "One"}}, nil).Once()
	repo.On("ListNeedingEmbedding", mock.Anything, "NCT1", 100).Return([]*entities.Trial{}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, mock.Anything).Return(nil, errors.New("429")).Twice()
	embedder.On("EmbedTexts", mock.Anything, mock.Anything).Return([][]float32{{1, 0}}, nil).Once()
	repo.On("SaveEmbeddings", mock.Anything, mock.Anything).Return(nil).Once()

	svc := NewEmbeddingService(repo, embedder, 0, 2)
	svc.retryCfg = fastRetry(5)

	summary, err := svc.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Embedded)
	embedder.AssertNumberOfCalls(t, "EmbedTexts", 3)
}

func TestEmbeddingService_Run_ExhaustedRetriesKeepEarlierBatches(t *testing.T) {
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)

	repo.On("CountNeedingEmbedding", mock.Anything).Return(2, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 1).Return([]*entities.Trial{{NCTID: "NCT1", BriefTitle: "One"}}, nil).Once()
	repo.On("ListNeedingEmbedding", mock.Anything, "NCT1", 1).Return([]*entities.Trial{{NCTID: "NCT2", BriefTitle: "Two"}}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, []string{"One"}).Return([][]float32{{1}}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, []string{"Two"}).Return(nil, errors.New("upstream down"))
	repo.On("SaveEmbeddings", mock.Anything, map[string][]float32{"NCT1": {1}}).Return(nil).Once()

	svc := NewEmbeddingService(repo, embedder, 1, 1)
	svc.retryCfg = fastRetry(2)

	summary, err := svc.Run(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
	assert.Equal(t, 1, summary.Batches)
	assert.Equal(t, 1, summary.Embedded)
	embedder.AssertNumberOfCalls(t, "EmbedTexts", 3)
	repo.AssertNumberOfCalls(t, "SaveEmbeddings", 1)
}

func TestEmbeddingService_Run_VectorCountMismatch(t *testing.T) {
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)

	repo.On("CountNeedingEmbedding", mock.Anything).Return(2, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 100).
		Return([]*entities.Trial{{NCTID: "NCT1", BriefTitle: "One"}, {NCTID: "NCT2", BriefTitle: "Two"}}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, mock.Anything).Return([][]float32{{1}}, nil).Once()

	svc := NewEmbeddingService(repo, embedder, 100, 0)
	_, err := svc.Run(context.Background())

	require.Error(t, err)
	repo.AssertNotCalled(t, "SaveEmbeddings", mock.Anything, mock.Anything)
}

func TestEmbeddingService_Run_DimensionMismatch(t *testing.T) {
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)

	repo.On("CountNeedingEmbedding", mock.Anything).Return(1, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 100).Return([]*entities.Trial{{NCTID: "NCT1", BriefTitle: "One"}}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, mock.Anything).Return([][]float32{{1, 2}}, nil).Once()

	svc := NewEmbeddingService(repo, embedder, 100, 3)
	_, err := svc.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension 2")
	repo.AssertNotCalled(t, "SaveEmbeddings", mock.Anything, mock.Anything)
}

func TestEmbeddingService_Run_NothingPending(t *testing.T) {
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)
	repo.On("CountNeedingEmbedding", mock.Anything).Return(0, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 100).Return([]*entities.Trial{}, nil).Once()

	summary, err := NewEmbeddingService(repo, embedder, 100, 3).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Batches)
	embedder.AssertNotCalled(t, "EmbedTexts", mock.Anything, mock.Anything)
}

func TestEmbeddingService_Run_SkipsTrialsWithoutText(t *testing.T) {
	repo := new(MockTrialRepository)
	embedder := new(MockEmbeddingProvider)

	repo.On("CountNeedingEmbedding", mock.Anything).Return(3, nil)
	repo.On("ListNeedingEmbedding", mock.Anything, "", 2).
		Return([]*entities.Trial{{NCTID: "NCT0"}, {NCTID: "NCT00"}}, nil).Once()
	repo.On("ListNeedingEmbedding", mock.Anything, "NCT00", 2).
		Return([]*entities.Trial{{NCTID: "NCT000", BriefSummary: "   "}, {NCTID: "NCT1", BriefTitle: "One"}}, nil).Once()
	repo.On("ListNeedingEmbedding", mock.Anything, "NCT1", 2).Return([]*entities.Trial{}, nil).Once()
	embedder.On("EmbedTexts", mock.Anything, []string{"One"}).Return([][]float32{{1, 0}}, nil).Once()
	repo.On("SaveEmbeddings", mock.Anything, map[string][]float32{"NCT1": {1, 0}}).Return(nil).Once()

	summary, err := NewEmbeddingService(repo, embedder, 2, 2).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, &RunSummary{Batches: 1, Embedded: 1, Skipped: 3}, summary)
	embedder.AssertNumberOfCalls(t, "EmbedTexts", 1)
	repo.AssertExpectations(t)
}
