package cli

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zatekoja/cleartrial/backend/internal/application/services"
	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
)

// matchOutput is one printed match: the trial summary plus the eligibility
// source that admitted it.
type matchOutput struct {
	entities.TrialSummary
	Source entities.MatchSource `json:"source"`
}

func newSearchCommand(a *app) *cobra.Command {
	var (
		statuses  []string
		phases    []string
		studyType string
		condition string
		country   string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Rank trials by semantic similarity to a free-text query",
		Example: `  cleartrial search "EGFR lung cancer after osimertinib" --status RECRUITING --phase PHASE2,PHASE3
  cleartrial search "pediatric asthma" --country "United States" --limit 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			embedder, err := a.embedder()
			if err != nil {
				return err
			}
			svc := services.NewSemanticSearchService(repo, embedder, a.queryCache(ctx), a.cfg.Pipeline.QueryCacheTTLSecond)

			results, err := svc.Search(ctx, entities.SearchQuery{
				Text: strings.Join(args, " "),
				Filter: entities.SearchFilter{
					Statuses:  cleanValues(statuses),
					Phases:    cleanValues(phases),
					StudyType: strings.TrimSpace(studyType),
					Condition: strings.TrimSpace(condition),
					Country:   strings.TrimSpace(country),
				},
				Limit: limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summarizeScored(results))
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "overall status filter (repeatable or comma-separated)")
	cmd.Flags().StringSliceVar(&phases, "phase", nil, "phase filter (repeatable or comma-separated)")
	cmd.Flags().StringVar(&studyType, "study-type", "", "study type filter (e.g. INTERVENTIONAL)")
	cmd.Flags().StringVar(&condition, "condition", "", "condition substring filter")
	cmd.Flags().StringVar(&country, "country", "", "require a site in this country")
	cmd.Flags().IntVar(&limit, "limit", entities.DefaultSearchLimit, "maximum results (capped at 100)")
	return cmd
}

func newMatchCommand(a *app) *cobra.Command {
	var (
		profile entities.PatientProfile
		limit   int
	)
	cmd := &cobra.Command{
		Use:     "match",
		Short:   "List recruiting trials a patient appears eligible for",
		Example: `  cleartrial match --age 52 --sex female --condition "breast cancer" --country Canada`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.trialRepository(ctx)
			if err != nil {
				return err
			}
			results, err := services.NewMatchingService(repo).Match(ctx, profile, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summarizeMatches(results))
		},
	}
	cmd.Flags().IntVar(&profile.Age, "age", 0, "patient age in years")
	cmd.Flags().StringVar(&profile.Sex, "sex", "", "patient sex (male or female)")
	cmd.Flags().StringVar(&profile.Condition, "condition", "", "condition to match against trial conditions")
	cmd.Flags().StringVar(&profile.Country, "country", "", "require a site in this country when the trial lists sites")
	cmd.Flags().IntVar(&limit, "limit", entities.DefaultMatchLimit, "maximum matches")
	_ = cmd.MarkFlagRequired("age")
	_ = cmd.MarkFlagRequired("sex")
	_ = cmd.MarkFlagRequired("condition")
	return cmd
}

func summarizeScored(results []entities.ScoredTrial) []entities.TrialSummary {
	out := make([]entities.TrialSummary, 0, len(results))
	for _, r := range results {
		out = append(out, entities.Summarize(r.Trial, r.Similarity))
	}
	return out
}

func summarizeMatches(results []entities.MatchResult) []matchOutput {
	out := make([]matchOutput, 0, len(results))
	for _, r := range results {
		out = append(out, matchOutput{TrialSummary: entities.Summarize(r.Trial, r.Score), Source: r.Source})
	}
	return out
}

func cleanValues(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
