package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecheck/internal/config"
	"sitecheck/internal/core/business"
)

func newTestSearcher(apiURL string) *WebSearcher {
	return NewWebSearcher(config.Config{
		SearchAPIURL:      apiURL,
		SearchAPIKey:      "test-key",
		SearchResultLimit: 3,
		SearchTimeout:     5 * time.Second,
	})
}

func TestWebSearcherSearch(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotQuery, _ = req["q"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]string{
				{"title": "Joe's Plumbing", "link": "https://www.joesplumbing.com", "snippet": "Austin plumber"},
				{"title": "Joe's on Yelp", "link": "https://yelp.com/biz/joes", "snippet": "reviews"},
				{"title": "missing link", "link": "", "snippet": "skipped"},
				{"title": "extra", "link": "https://a.example", "snippet": ""},
				{"title": "beyond limit", "link": "https://b.example", "snippet": ""},
			},
		})
	}))
	defer srv.Close()

	results, err := newTestSearcher(srv.URL).Search(context.Background(), `"Joe's Plumbing" Austin TX website`)
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, `"Joe's Plumbing" Austin TX website`, gotQuery)

	// Empty links dropped, result count capped at the configured limit.
	require.Len(t, results, 3)
	assert.Equal(t, "joesplumbing.com", results[0].Domain)
	assert.Equal(t, "yelp.com", results[1].Domain)
}

func TestWebSearcherErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestSearcher(srv.URL).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestFormatBusinessFacts(t *testing.T) {
	facts := formatBusinessFacts(&business.Candidate{
		Name:  "Joe's Plumbing",
		Phone: "555-123-4567",
		City:  "Austin",
		State: "TX",
	})
	assert.Contains(t, facts, "Name: Joe's Plumbing")
	assert.Contains(t, facts, "Phone: 555-123-4567")
	assert.Contains(t, facts, "Location: Austin TX")
}

func TestFormatSearchResults(t *testing.T) {
	out := formatSearchResults([]SearchResult{
		{Title: "A", URL: "https://a.example", Domain: "a.example"},
		{Title: "B", URL: "https://b.example", Domain: "b.example"},
	})
	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, "2. ")
	assert.Contains(t, out, "a.example")
}
