package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pgvector/pgvector-go"
	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/cleartrial/backend/pkg/errors"
)

const (
	trialsTable     = "trials"
	upsertChunkSize = 200
)

// trialColumns is the read projection. raw_json and embedding are write-mostly
// and never selected.
var trialColumns = []interface{}{
	"nct_id", "brief_title", "official_title", "acronym", "org_name", "org_class",
	"overall_status", "start_date", "completion_date", "last_update_date",
	"brief_summary", "detailed_description", "study_type", "phase",
	"enrollment_count", "enrollment_type", "conditions", "interventions",
	"eligibility_criteria", "eligibility_sex", "eligibility_min_age", "eligibility_max_age",
	"eligibility_std_ages", "eligibility_parsed", "eligibility_parsed_at",
	"primary_outcomes", "secondary_outcomes", "lead_sponsor", "lead_sponsor_class",
	"collaborators", "locations", "contacts", "officials", "ingested_at", "updated_at",
}

// refreshedColumns are overwritten on re-ingestion. Embedding, parsed
// eligibility and ingested_at keep their stored values.
var refreshedColumns = []string{
	"brief_title", "official_title", "acronym", "org_name", "org_class",
	"overall_status", "start_date", "completion_date", "last_update_date",
	"brief_summary", "detailed_description", "study_type", "phase",
	"enrollment_count", "enrollment_type", "conditions", "interventions",
	"eligibility_criteria", "eligibility_sex", "eligibility_min_age", "eligibility_max_age",
	"eligibility_std_ages", "primary_outcomes", "secondary_outcomes",
	"lead_sponsor", "lead_sponsor_class", "collaborators", "locations", "contacts",
	"officials", "raw_json", "updated_at",
}

// TrialAdapter implements TrialRepository on PostgreSQL with pgvector
type TrialAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewTrialAdapter creates a new trial adapter
func NewTrialAdapter(client *postgres.Client) repositories.TrialRepository {
	return &TrialAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// EnsureSchema creates the vector extension, the trials table and its indexes
func (a *TrialAdapter) EnsureSchema(ctx context.Context, embeddingDim int) error {
	if embeddingDim <= 0 {
		return apperrors.NewValidationError("embedding dimension must be positive")
	}
	for _, stmt := range schemaStatements(embeddingDim) {
		if _, err := a.client.DB().ExecContext(ctx, stmt); err != nil {
			return apperrors.NewInternalError("failed to apply trials schema", err)
		}
	}
	return nil
}

func schemaStatements(dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trials (
	nct_id                TEXT PRIMARY KEY,
	brief_title           TEXT,
	official_title        TEXT,
	acronym               TEXT,
	org_name              TEXT,
	org_class             TEXT,
	overall_status        TEXT,
	start_date            DATE,
	completion_date       DATE,
	last_update_date      DATE,
	brief_summary         TEXT,
	detailed_description  TEXT,
	study_type            TEXT,
	phase                 TEXT,
	enrollment_count      INTEGER,
	enrollment_type       TEXT,
	conditions            JSONB,
	interventions         JSONB,
	eligibility_criteria  TEXT,
	eligibility_sex       TEXT,
	eligibility_min_age   TEXT,
	eligibility_max_age   TEXT,
	eligibility_std_ages  JSONB,
	eligibility_parsed    JSONB,
	eligibility_parsed_at TIMESTAMPTZ,
	primary_outcomes      JSONB,
	secondary_outcomes    JSONB,
	lead_sponsor          TEXT,
	lead_sponsor_class    TEXT,
	collaborators         JSONB,
	locations             JSONB,
	contacts              JSONB,
	officials             JSONB,
	raw_json              JSONB,
	embedding             vector(%d),
	ingested_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, dim),
		`CREATE INDEX IF NOT EXISTS idx_trials_status ON trials (overall_status)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_phase ON trials (phase)`,
		// condition filters match ILIKE against the text form of the array
		`CREATE INDEX IF NOT EXISTS idx_trials_conditions_trgm ON trials USING GIN ((conditions::text) gin_trgm_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_embedding ON trials USING hnsw (embedding vector_cosine_ops)`,
	}
}

// UpsertTrials writes a page of canonical trials in one transaction
func (a *TrialAdapter) UpsertTrials(ctx context.Context, trials []*entities.Trial) (int, error) {
	trials = dedupeByID(trials)
	if len(trials) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() { observability.RecordDBMetric(ctx, "upsert_trials", time.Since(start)) }()

	set := goqu.Record{}
	for _, col := range refreshedColumns {
		set[col] = goqu.L("EXCLUDED." + col)
	}

	now := time.Now().UTC()
	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to begin upsert transaction", err)
	}

	for i := 0; i < len(trials); i += upsertChunkSize {
		end := min(i+upsertChunkSize, len(trials))
		rows := make([]interface{}, 0, end-i)
		for _, trial := range trials[i:end] {
			record, err := trialRecord(trial, now)
			if err != nil {
				_ = tx.Rollback()
				return 0, apperrors.NewInternalError(fmt.Sprintf("failed to encode trial %s", trial.NCTID), err)
			}
			rows = append(rows, record)
		}

		query, args, err := a.db.Insert(trialsTable).
			Rows(rows...).
			OnConflict(goqu.DoUpdate("nct_id", set)).
			Prepared(true).
			ToSQL()
		if err != nil {
			_ = tx.Rollback()
			return 0, apperrors.NewInternalError("failed to build upsert query", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return 0, apperrors.NewInternalError("failed to upsert trials", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewInternalError("failed to commit trial upsert", err)
	}
	return len(trials), nil
}

// GetByID retrieves a trial by NCT id
func (a *TrialAdapter) GetByID(ctx context.Context, nctID string) (*entities.Trial, error) {
	query, args, err := a.db.Select(trialColumns...).
		From(trialsTable).
		Where(goqu.Ex{"nct_id": nctID}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	trial, err := scanTrial(a.client.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("trial %s not found", nctID))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get trial", err)
	}
	return trial, nil
}

// ListTrials pages through all trials ordered by nct_id
func (a *TrialAdapter) ListTrials(ctx context.Context, after string, limit int) ([]*entities.Trial, error) {
	where := []exp.Expression{}
	if after != "" {
		where = append(where, goqu.C("nct_id").Gt(after))
	}
	return a.list(ctx, "list_trials", where, limit)
}

// CountNeedingEmbedding counts trials without an embedding
func (a *TrialAdapter) CountNeedingEmbedding(ctx context.Context) (int, error) {
	return a.count(ctx, goqu.C("embedding").IsNull())
}

// ListNeedingEmbedding returns the next trials without an embedding after the given id
func (a *TrialAdapter) ListNeedingEmbedding(ctx context.Context, after string, limit int) ([]*entities.Trial, error) {
	where := []exp.Expression{goqu.C("embedding").IsNull()}
	if after != "" {
		where = append(where, goqu.C("nct_id").Gt(after))
	}
	return a.list(ctx, "list_needing_embedding", where, limit)
}

// SaveEmbeddings writes only the embedding column, in one transaction
func (a *TrialAdapter) SaveEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { observability.RecordDBMetric(ctx, "save_embeddings", time.Since(start)) }()

	ids := make([]string, 0, len(embeddings))
	for id := range embeddings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewInternalError("failed to begin embedding transaction", err)
	}
	for _, id := range ids {
		query, args, err := a.db.Update(trialsTable).
			Set(goqu.Record{"embedding": pgvector.NewVector(embeddings[id])}).
			Where(goqu.C("nct_id").Eq(id)).
			Prepared(true).
			ToSQL()
		if err != nil {
			_ = tx.Rollback()
			return apperrors.NewInternalError("failed to build embedding update", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return apperrors.NewInternalError(fmt.Sprintf("failed to save embedding for %s", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewInternalError("failed to commit embeddings", err)
	}
	return nil
}

func needingExtraction() []exp.Expression {
	return []exp.Expression{
		goqu.C("eligibility_criteria").IsNotNull(),
		goqu.C("eligibility_parsed").IsNull(),
	}
}

// CountNeedingExtraction counts trials with raw criteria and no parsed eligibility
func (a *TrialAdapter) CountNeedingExtraction(ctx context.Context) (int, error) {
	return a.count(ctx, needingExtraction()...)
}

// ListNeedingExtraction returns the next pending trials after the given id
func (a *TrialAdapter) ListNeedingExtraction(ctx context.Context, after string, limit int) ([]*entities.Trial, error) {
	where := needingExtraction()
	if after != "" {
		where = append(where, goqu.C("nct_id").Gt(after))
	}
	return a.list(ctx, "list_needing_extraction", where, limit)
}

// SaveEligibility writes only eligibility_parsed and eligibility_parsed_at, in one transaction
func (a *TrialAdapter) SaveEligibility(ctx context.Context, results []repositories.EligibilityUpdate) error {
	if len(results) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { observability.RecordDBMetric(ctx, "save_eligibility", time.Since(start)) }()

	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewInternalError("failed to begin eligibility transaction", err)
	}
	for _, r := range results {
		parsed, err := json.Marshal(r.Parsed)
		if err != nil {
			_ = tx.Rollback()
			return apperrors.NewInternalError(fmt.Sprintf("failed to encode eligibility for %s", r.NCTID), err)
		}
		query, args, err := a.db.Update(trialsTable).
			Set(goqu.Record{
				"eligibility_parsed":    string(parsed),
				"eligibility_parsed_at": r.ParsedAt.UTC(),
			}).
			Where(goqu.C("nct_id").Eq(r.NCTID)).
			Prepared(true).
			ToSQL()
		if err != nil {
			_ = tx.Rollback()
			return apperrors.NewInternalError("failed to build eligibility update", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return apperrors.NewInternalError(fmt.Sprintf("failed to save eligibility for %s", r.NCTID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewInternalError("failed to commit eligibility", err)
	}
	return nil
}

// ResetExtractionErrors clears error markers so the trials are pending again
func (a *TrialAdapter) ResetExtractionErrors(ctx context.Context) (int64, error) {
	query, args, err := a.db.Update(trialsTable).
		Set(goqu.Record{
			"eligibility_parsed":    nil,
			"eligibility_parsed_at": nil,
		}).
		Where(goqu.L("eligibility_parsed ->> '_error' IS NOT NULL")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build reset query", err)
	}

	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to reset extraction errors", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to read reset count", err)
	}
	return n, nil
}

// SearchByEmbedding ranks embedded trials by cosine distance. Filters apply
// before ranking.
func (a *TrialAdapter) SearchByEmbedding(ctx context.Context, vector []float32, filter entities.SearchFilter, limit int) ([]entities.ScoredTrial, error) {
	start := time.Now()
	defer func() { observability.RecordDBMetric(ctx, "search_by_embedding", time.Since(start)) }()

	vec := pgvector.NewVector(vector)
	where := append([]exp.Expression{goqu.C("embedding").IsNotNull()}, filterExpressions(filter)...)

	cols := append(append([]interface{}{}, trialColumns...), goqu.L("embedding <=> ?::vector", vec).As("distance"))
	query, args, err := a.db.Select(cols...).
		From(trialsTable).
		Where(where...).
		Order(goqu.L("embedding <=> ?::vector", vec).Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build search query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to search trials", err)
	}
	defer rows.Close()

	var results []entities.ScoredTrial
	for rows.Next() {
		var distance float64
		trial, err := scanTrial(rows, &distance)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan trial", err)
		}
		results = append(results, entities.ScoredTrial{
			Trial:      trial,
			Distance:   distance,
			Similarity: entities.SimilarityFromDistance(distance),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate search results", err)
	}
	return results, nil
}

func filterExpressions(filter entities.SearchFilter) []exp.Expression {
	var where []exp.Expression
	if len(filter.Statuses) > 0 {
		where = append(where, goqu.C("overall_status").In(filter.Statuses))
	}
	if len(filter.Phases) > 0 {
		where = append(where, goqu.C("phase").In(filter.Phases))
	}
	if filter.StudyType != "" {
		where = append(where, goqu.C("study_type").Eq(filter.StudyType))
	}
	if filter.Condition != "" {
		where = append(where, goqu.L("conditions::text ILIKE ?", likePattern(filter.Condition)))
	}
	if filter.Country != "" {
		where = append(where, goqu.L(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(locations) AS loc WHERE lower(loc->>'country') = lower(?))",
			filter.Country,
		))
	}
	return where
}

// ListMatchCandidates returns recruiting trials whose conditions mention condition
func (a *TrialAdapter) ListMatchCandidates(ctx context.Context, condition string, limit int) ([]*entities.Trial, error) {
	where := []exp.Expression{
		goqu.C("overall_status").In(entities.RecruitingStatuses),
		goqu.L("conditions::text ILIKE ?", likePattern(condition)),
	}
	return a.list(ctx, "list_match_candidates", where, limit)
}

func (a *TrialAdapter) list(ctx context.Context, op string, where []exp.Expression, limit int) ([]*entities.Trial, error) {
	start := time.Now()
	defer func() { observability.RecordDBMetric(ctx, op, time.Since(start)) }()

	ds := a.db.Select(trialColumns...).From(trialsTable).Order(goqu.C("nct_id").Asc())
	if len(where) > 0 {
		ds = ds.Where(where...)
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list trials", err)
	}
	defer rows.Close()

	var trials []*entities.Trial
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan trial", err)
		}
		trials = append(trials, trial)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate trials", err)
	}
	return trials, nil
}

func (a *TrialAdapter) count(ctx context.Context, where ...exp.Expression) (int, error) {
	query, args, err := a.db.Select(goqu.COUNT("*")).
		From(trialsTable).
		Where(where...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build count query", err)
	}

	var n int
	if err := a.client.DB().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.NewInternalError("failed to count trials", err)
	}
	return n, nil
}

// likePattern wraps s for a substring ILIKE, escaping LIKE metacharacters.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func dedupeByID(trials []*entities.Trial) []*entities.Trial {
	index := make(map[string]int, len(trials))
	out := make([]*entities.Trial, 0, len(trials))
	for _, t := range trials {
		if t == nil || t.NCTID == "" {
			continue
		}
		if i, ok := index[t.NCTID]; ok {
			out[i] = t
			continue
		}
		index[t.NCTID] = len(out)
		out = append(out, t)
	}
	return out
}

func trialRecord(t *entities.Trial, now time.Time) (goqu.Record, error) {
	record := goqu.Record{
		"nct_id":               t.NCTID,
		"brief_title":          nullString(t.BriefTitle),
		"official_title":       nullString(t.OfficialTitle),
		"acronym":              nullString(t.Acronym),
		"org_name":             nullString(t.OrgName),
		"org_class":            nullString(t.OrgClass),
		"overall_status":       nullString(t.OverallStatus),
		"start_date":           nullTime(t.StartDate),
		"completion_date":      nullTime(t.CompletionDate),
		"last_update_date":     nullTime(t.LastUpdateDate),
		"brief_summary":        nullString(t.BriefSummary),
		"detailed_description": nullString(t.DetailedDescription),
		"study_type":           nullString(t.StudyType),
		"phase":                nullString(t.Phase),
		"enrollment_count":     nullInt(t.EnrollmentCount),
		"enrollment_type":      nullString(t.EnrollmentType),
		"eligibility_criteria": nullString(t.EligibilityCriteria),
		"eligibility_sex":      nullString(t.EligibilitySex),
		"eligibility_min_age":  nullString(t.EligibilityMinAge),
		"eligibility_max_age":  nullString(t.EligibilityMaxAge),
		"lead_sponsor":         nullString(t.LeadSponsor),
		"lead_sponsor_class":   nullString(t.LeadSponsorClass),
		"ingested_at":          now,
		"updated_at":           now,
	}

	var raw interface{}
	if len(t.RawJSON) > 0 {
		raw = string(t.RawJSON)
	}
	record["raw_json"] = raw

	jsonCols := []struct {
		col    string
		value  interface{}
		absent bool
	}{
		{"conditions", t.Conditions, t.Conditions == nil},
		{"interventions", t.Interventions, t.Interventions == nil},
		{"eligibility_std_ages", t.EligibilityStdAges, t.EligibilityStdAges == nil},
		{"primary_outcomes", t.PrimaryOutcomes, t.PrimaryOutcomes == nil},
		{"secondary_outcomes", t.SecondaryOutcomes, t.SecondaryOutcomes == nil},
		{"collaborators", t.Collaborators, t.Collaborators == nil},
		{"locations", t.Locations, t.Locations == nil},
		{"contacts", t.Contacts, t.Contacts == nil},
		{"officials", t.Officials, t.Officials == nil},
	}
	for _, c := range jsonCols {
		if c.absent {
			record[c.col] = nil
			continue
		}
		encoded, err := json.Marshal(c.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.col, err)
		}
		record[c.col] = string(encoded)
	}
	return record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrial(row rowScanner, extra ...interface{}) (*entities.Trial, error) {
	t := &entities.Trial{}
	dest := []interface{}{
		textColumn{&t.NCTID},
		textColumn{&t.BriefTitle},
		textColumn{&t.OfficialTitle},
		textColumn{&t.Acronym},
		textColumn{&t.OrgName},
		textColumn{&t.OrgClass},
		textColumn{&t.OverallStatus},
		timeColumn{&t.StartDate},
		timeColumn{&t.CompletionDate},
		timeColumn{&t.LastUpdateDate},
		textColumn{&t.BriefSummary},
		textColumn{&t.DetailedDescription},
		textColumn{&t.StudyType},
		textColumn{&t.Phase},
		intColumn{&t.EnrollmentCount},
		textColumn{&t.EnrollmentType},
		jsonColumn{&t.Conditions},
		jsonColumn{&t.Interventions},
		textColumn{&t.EligibilityCriteria},
		textColumn{&t.EligibilitySex},
		textColumn{&t.EligibilityMinAge},
		textColumn{&t.EligibilityMaxAge},
		jsonColumn{&t.EligibilityStdAges},
		jsonColumn{&t.EligibilityParsed},
		timeColumn{&t.EligibilityParsedAt},
		jsonColumn{&t.PrimaryOutcomes},
		jsonColumn{&t.SecondaryOutcomes},
		textColumn{&t.LeadSponsor},
		textColumn{&t.LeadSponsorClass},
		jsonColumn{&t.Collaborators},
		jsonColumn{&t.Locations},
		jsonColumn{&t.Contacts},
		jsonColumn{&t.Officials},
		&t.IngestedAt,
		&t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return t, nil
}
