package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/cleartrial/backend/pkg/errors"
)

func setupMockAdapter(t *testing.T) (*TrialAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrialAdapter(postgres.NewClientFromDB(db)).(*TrialAdapter), mock
}

func columnNames(extra ...string) []string {
	names := make([]string, 0, len(trialColumns)+len(extra))
	for _, c := range trialColumns {
		names = append(names, c.(string))
	}
	return append(names, extra...)
}

// trialRow returns one row of trialColumns values with overrides by column name.
func trialRow(nctID string, overrides map[string]driver.Value) []driver.Value {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	values := map[string]driver.Value{
		"nct_id":         nctID,
		"brief_title":    "Study " + nctID,
		"overall_status": entities.StatusRecruiting,
		"ingested_at":    now,
		"updated_at":     now,
	}
	for k, v := range overrides {
		values[k] = v
	}
	row := make([]driver.Value, 0, len(trialColumns))
	for _, c := range trialColumns {
		row = append(row, values[c.(string)])
	}
	return row
}

func TestTrialAdapter_EnsureSchema(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS vector`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS pg_trgm`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS trials .*embedding\s+vector\(1536\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`idx_trials_status`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`idx_trials_phase`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`USING GIN ((conditions::text) gin_trgm_ops)`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`USING hnsw (embedding vector_cosine_ops)`)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, adapter.EnsureSchema(context.Background(), 1536))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_EnsureSchemaRejectsZeroDimension(t *testing.T) {
	adapter, _ := setupMockAdapter(t)
	err := adapter.EnsureSchema(context.Background(), 0)
	assert.True(t, apperrors.IsValidation(err))
}

func TestTrialAdapter_UpsertTrials(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "trials" .* ON CONFLICT \(nct_id\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := adapter.UpsertTrials(context.Background(), []*entities.Trial{
		{NCTID: "NCT00000001", BriefTitle: "first", Conditions: []string{"Asthma"}, RawJSON: []byte(`{}`)},
		{NCTID: "NCT00000002", BriefTitle: "second"},
		{NCTID: "NCT00000001", BriefTitle: "first, revised"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_UpsertTrialsRollsBackOnError(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "trials"`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := adapter.UpsertTrials(context.Background(), []*entities.Trial{{NCTID: "NCT00000001"}})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_UpsertTrialsEmpty(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	n, err := adapter.UpsertTrials(context.Background(), []*entities.Trial{{NCTID: ""}, nil})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshedColumns_LeaveDerivedColumnsAlone(t *testing.T) {
	for _, col := range []string{"nct_id", "embedding", "eligibility_parsed", "eligibility_parsed_at", "ingested_at"} {
		assert.NotContains(t, refreshedColumns, col)
	}
	assert.Contains(t, refreshedColumns, "raw_json")
	assert.Contains(t, refreshedColumns, "eligibility_criteria")
}

func TestTrialRecord_NullsAbsentLists(t *testing.T) {
	now := time.Now()
	record, err := trialRecord(&entities.Trial{
		NCTID:      "NCT00000001",
		Conditions: []string{"Asthma"},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, `["Asthma"]`, record["conditions"])
	assert.Nil(t, record["locations"])
	assert.Nil(t, record["raw_json"])
	assert.NotContains(t, record, "embedding")
	assert.NotContains(t, record, "eligibility_parsed")
}

func TestTrialAdapter_GetByIDDecodesColumns(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(columnNames()).AddRow(trialRow("NCT00000001", map[string]driver.Value{
		"start_date":         start,
		"enrollment_count":   int64(120),
		"conditions":         []byte(`["Lung Cancer","NSCLC"]`),
		"locations":          []byte(`[{"facility":"Mayo","country":"United States"}]`),
		"eligibility_parsed": []byte(`{"_error":"unparsable"}`),
	})...)
	mock.ExpectQuery(`SELECT .* FROM "trials" WHERE \("nct_id" = \$1\)`).
		WithArgs("NCT00000001").
		WillReturnRows(rows)

	trial, err := adapter.GetByID(context.Background(), "NCT00000001")
	require.NoError(t, err)

	assert.Equal(t, "Study NCT00000001", trial.BriefTitle)
	assert.Equal(t, []string{"Lung Cancer", "NSCLC"}, trial.Conditions)
	require.NotNil(t, trial.StartDate)
	assert.True(t, start.Equal(*trial.StartDate))
	assert.Nil(t, trial.CompletionDate)
	require.NotNil(t, trial.EnrollmentCount)
	assert.Equal(t, 120, *trial.EnrollmentCount)
	require.Len(t, trial.Locations, 1)
	assert.Equal(t, "United States", *trial.Locations[0].Country)
	assert.Nil(t, trial.Interventions)
	assert.Equal(t, entities.EligibilityExtractionError, trial.EligibilityParsed.Kind())
	assert.Equal(t, "", trial.EligibilityCriteria)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_GetByIDNotFound(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "trials"`).WillReturnRows(sqlmock.NewRows(columnNames()))

	_, err := adapter.GetByID(context.Background(), "NCT99999999")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTrialAdapter_ListNeedingExtractionUsesCursor(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	rows := sqlmock.NewRows(columnNames()).
		AddRow(trialRow("NCT00000005", map[string]driver.Value{"eligibility_criteria": "Inclusion Criteria: adults"})...)
	mock.ExpectQuery(regexp.QuoteMeta(`"eligibility_criteria" IS NOT NULL`) + `.*` +
		regexp.QuoteMeta(`"eligibility_parsed" IS NULL`) + `.*` +
		regexp.QuoteMeta(`"nct_id" > $1`) + `.*ORDER BY "nct_id" ASC LIMIT \$2`).
		WithArgs("NCT00000004", int64(10)).
		WillReturnRows(rows)

	trials, err := adapter.ListNeedingExtraction(context.Background(), "NCT00000004", 10)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "Inclusion Criteria: adults", trials[0].EligibilityCriteria)
	assert.Nil(t, trials[0].EligibilityParsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_CountNeedingEmbedding(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) .*FROM "trials" WHERE \("embedding" IS NULL\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := adapter.CountNeedingEmbedding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestTrialAdapter_ListNeedingEmbeddingUsesCursor(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	rows := sqlmock.NewRows(columnNames()).
		AddRow(trialRow("NCT00000007", map[string]driver.Value{"brief_title": "Seven"})...)
	mock.ExpectQuery(regexp.QuoteMeta(`"embedding" IS NULL`) + `.*` +
		regexp.QuoteMeta(`"nct_id" > $1`) + `.*ORDER BY "nct_id" ASC LIMIT \$2`).
		WithArgs("NCT00000006", int64(100)).
		WillReturnRows(rows)

	trials, err := adapter.ListNeedingEmbedding(context.Background(), "NCT00000006", 100)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "NCT00000007", trials[0].NCTID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_SaveEmbeddingsInOneTransaction(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "trials" SET "embedding"=\$1 WHERE \("nct_id" = \$2\)`).
		WithArgs("[0.1,0.2]", "NCT00000001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "trials" SET "embedding"=\$1 WHERE \("nct_id" = \$2\)`).
		WithArgs("[0.3,0.4]", "NCT00000002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := adapter.SaveEmbeddings(context.Background(), map[string][]float32{
		"NCT00000002": {0.3, 0.4},
		"NCT00000001": {0.1, 0.2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_SaveEligibility(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "trials" SET "eligibility_parsed"=\$1,"eligibility_parsed_at"=\$2 WHERE \("nct_id" = \$3\)`).
		WithArgs(`{"_error":"timeout","_error_at":"2025-02-01T00:00:00Z"}`, sqlmock.AnyArg(), "NCT00000001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := adapter.SaveEligibility(context.Background(), []repositories.EligibilityUpdate{
		{NCTID: "NCT00000001", Parsed: entities.NewExtractionError("timeout", at), ParsedAt: at},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialAdapter_ResetExtractionErrors(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectExec(regexp.QuoteMeta(`eligibility_parsed ->> '_error' IS NOT NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := adapter.ResetExtractionErrors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestTrialAdapter_SearchByEmbedding(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	rows := sqlmock.NewRows(columnNames("distance")).
		AddRow(append(trialRow("NCT00000001", nil), 0.1234)...).
		AddRow(append(trialRow("NCT00000002", nil), 1.4)...)
	mock.ExpectQuery(regexp.QuoteMeta(`"embedding" IS NOT NULL`) + `.*` +
		regexp.QuoteMeta(`"overall_status" IN (`) + `.*ORDER BY embedding <=> \$\d+::vector ASC LIMIT`).
		WillReturnRows(rows)

	results, err := adapter.SearchByEmbedding(context.Background(), []float32{1, 0}, entities.SearchFilter{
		Statuses: []string{entities.StatusRecruiting},
	}, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "NCT00000001", results[0].Trial.NCTID)
	assert.Equal(t, 0.8766, results[0].Similarity)
	assert.Equal(t, 0.0, results[1].Similarity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterExpressions(t *testing.T) {
	query, args, err := goqu.Dialect("postgres").From("trials").
		Where(filterExpressions(entities.SearchFilter{
			Statuses:  []string{"RECRUITING", "COMPLETED"},
			Phases:    []string{"PHASE2"},
			StudyType: "INTERVENTIONAL",
			Condition: "100%_cure",
			Country:   "Canada",
		})...).
		Prepared(true).
		ToSQL()
	require.NoError(t, err)

	assert.Contains(t, query, `"overall_status" IN (`)
	assert.Contains(t, query, `"phase" IN (`)
	assert.Contains(t, query, `"study_type" = `)
	assert.Contains(t, query, `conditions::text ILIKE`)
	assert.Contains(t, query, `jsonb_array_elements(locations)`)
	assert.Contains(t, args, `%100\%\_cure%`)
	assert.Contains(t, args, "Canada")
	assert.Len(t, args, 6)
}

func TestDedupeByID_KeepsLastVersionInFirstPosition(t *testing.T) {
	out := dedupeByID([]*entities.Trial{
		{NCTID: "A", BriefTitle: "old"},
		{NCTID: "B"},
		{NCTID: "A", BriefTitle: "new"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].NCTID)
	assert.Equal(t, "new", out[0].BriefTitle)
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements(1536)
	assert.Equal(t, "CREATE EXTENSION IF NOT EXISTS vector", stmts[0])
	assert.Contains(t, stmts[1], "embedding             vector(1536)")
	assert.Contains(t, stmts[len(stmts)-1], "vector_cosine_ops")
}
