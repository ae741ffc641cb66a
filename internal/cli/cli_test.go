package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand("test")

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"migrate", "ingest", "embed", "extract", "index", "search", "match", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand_SkipsSetup(t *testing.T) {
	root := NewRootCommand("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "cleartrial 1.2.3\n", out.String())
}

func TestSearchCommand_RequiresQuery(t *testing.T) {
	root := NewRootCommand("test")
	root.SetArgs([]string{"search"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestMatchCommand_RequiresProfileFlags(t *testing.T) {
	root := NewRootCommand("test")
	root.SetArgs([]string{"match", "--age", "40"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestParseInterval(t *testing.T) {
	d, err := parseInterval("", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = parseInterval("", "30m")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	d, err = parseInterval(" 6h ", "30m")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, d)

	_, err = parseInterval("soon", "")
	assert.Error(t, err)

	_, err = parseInterval("-1m", "")
	assert.Error(t, err)
}

func TestSummarizeScored(t *testing.T) {
	country := "Canada"
	results := []entities.ScoredTrial{{
		Trial: &entities.Trial{
			NCTID:         "NCT1",
			BriefTitle:    "Trial One",
			OverallStatus: entities.StatusRecruiting,
			Locations:     []entities.Location{{Country: &country}},
		},
		Distance:   0.2,
		Similarity: 0.8,
	}}

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, summarizeScored(results)))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "NCT1", decoded[0]["nct_id"])
	assert.Equal(t, 0.8, decoded[0]["score"])
	assert.Equal(t, "1 sites in Canada", decoded[0]["locations_summary"])
	assert.NotContains(t, decoded[0], "eligibility_summary")
}

func TestSummarizeMatches_IncludesSource(t *testing.T) {
	results := []entities.MatchResult{{
		Trial:  &entities.Trial{NCTID: "NCT2"},
		Score:  entities.FallbackMatchScore,
		Source: entities.MatchSourceRaw,
	}}

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, summarizeMatches(results)))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "NCT2", decoded[0]["nct_id"])
	assert.Equal(t, "raw", decoded[0]["source"])
	assert.Equal(t, 0.5, decoded[0]["score"])
}

func TestCleanValues(t *testing.T) {
	assert.Equal(t, []string{"RECRUITING", "COMPLETED"}, cleanValues([]string{" RECRUITING", "", "COMPLETED "}))
	assert.Nil(t, cleanValues(nil))
}
