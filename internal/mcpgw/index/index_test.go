package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocs() []Document {
	return []Document{
		{Name: "weather__forecast", Description: "get the weather forecast for a city"},
		{Name: "weather__alerts", Description: "get active severe weather alerts for a region"},
		{Name: "github__search_issues", Description: "search github issues by keyword"},
		{Name: "github__create_issue", Description: "create a new github issue"},
	}
}

func TestSearchRanksByBM25Relevance(t *testing.T) {
	idx := New()
	idx.Rebuild(sampleDocs())

	results := idx.Search([]string{"weather"}, 0)
	require.Len(t, results, 2)
	names := []string{results[0].Name, results[1].Name}
	assert.ElementsMatch(t, []string{"weather__forecast", "weather__alerts"}, names)
}

func TestSearchBreaksTiesByLexicalName(t *testing.T) {
	idx := New()
	idx.Rebuild([]Document{
		{Name: "zeta__ping", Description: "ping"},
		{Name: "alpha__ping", Description: "ping"},
	})

	results := idx.Search([]string{"ping"}, 0)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha__ping", results[0].Name)
	assert.Equal(t, "zeta__ping", results[1].Name)
}

func TestSearchRespectsLimit(t *testing.T) {
	idx := New()
	idx.Rebuild(sampleDocs())

	results := idx.Search([]string{"github"}, 1)
	assert.Len(t, results, 1)
}

func TestSearchFuzzyFallbackMatchesTypo(t *testing.T) {
	idx := New()
	idx.Rebuild(sampleDocs())

	results := idx.Search([]string{"githib"}, 0)
	assert.NotEmpty(t, results)
}

func TestSearchNoMatchReturnsEmpty(t *testing.T) {
	idx := New()
	idx.Rebuild(sampleDocs())

	results := idx.Search([]string{"zzzznomatch"}, 0)
	assert.Empty(t, results)
}

func TestRebuildIsAtomicSnapshotSwap(t *testing.T) {
	idx := New()
	idx.Rebuild(sampleDocs())
	assert.Equal(t, 4, idx.Len())

	idx.Rebuild([]Document{{Name: "only__one", Description: "solo"}})
	assert.Equal(t, 1, idx.Len())
}

func TestSearchOnEmptyIndexReturnsNil(t *testing.T) {
	idx := New()
	assert.Empty(t, idx.Search([]string{"anything"}, 0))
}
