package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
)

// DocumentStore is the part of the Typesense client the index adapter uses.
type DocumentStore interface {
	InitSchema(ctx context.Context) error
	DropCollection(ctx context.Context) error
	UpsertDocument(ctx context.Context, document map[string]interface{}) error
}

// TrialIndexAdapter mirrors trials into the keyword-search collection
type TrialIndexAdapter struct {
	store DocumentStore
}

// NewTrialIndexAdapter creates a new index adapter
func NewTrialIndexAdapter(store DocumentStore) repositories.TrialSearchIndex {
	return &TrialIndexAdapter{store: store}
}

// EnsureCollection creates the trials collection if it does not exist
func (a *TrialIndexAdapter) EnsureCollection(ctx context.Context) error {
	return a.store.InitSchema(ctx)
}

// Reset drops the collection and recreates it empty
func (a *TrialIndexAdapter) Reset(ctx context.Context) error {
	if err := a.store.DropCollection(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to drop trials collection: %w", err)
	}
	return a.store.InitSchema(ctx)
}

// Index upserts one trial document
func (a *TrialIndexAdapter) Index(ctx context.Context, trial *entities.Trial) error {
	if trial == nil || trial.NCTID == "" {
		return nil
	}
	if err := a.store.UpsertDocument(ctx, buildTrialDocument(trial)); err != nil {
		return fmt.Errorf("failed to index trial %s: %w", trial.NCTID, err)
	}
	return nil
}

func buildTrialDocument(t *entities.Trial) map[string]interface{} {
	doc := map[string]interface{}{
		"id":                         t.NCTID,
		"title":                      strings.TrimSpace(t.BriefTitle),
		"status":                     t.OverallStatus,
		"has_structured_eligibility": t.EligibilityParsed.Structured() != nil,
		"last_update":                int64(0),
	}
	if t.LastUpdateDate != nil {
		doc["last_update"] = t.LastUpdateDate.Unix()
	}
	if t.Phase != "" {
		doc["phase"] = t.Phase
	}
	if t.StudyType != "" {
		doc["study_type"] = t.StudyType
	}
	if sponsor := firstNonEmpty(t.LeadSponsor, t.OrgName); sponsor != "" {
		doc["sponsor"] = sponsor
	}
	if conditions := cleanList(t.Conditions); len(conditions) > 0 {
		doc["conditions"] = conditions
	}
	if countries := t.Countries(); len(countries) > 0 {
		doc["countries"] = countries
	}
	return doc
}

func cleanList(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(v)]; ok {
			continue
		}
		seen[strings.ToLower(v)] = struct{}{}
		out = append(out, v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var httpErr *typesense.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}
