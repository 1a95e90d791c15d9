package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"sitecheck/internal/config"
	"sitecheck/internal/logger"
)

// SearchResult is one organic hit handed to the adjudicator.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Domain  string `json:"domain"`
}

// WebSearcher queries a Serper-compatible search API.
type WebSearcher struct {
	log    *logger.Logger
	apiURL string
	apiKey string
	limit  int
	http   *http.Client
}

func NewWebSearcher(cfg config.Config) *WebSearcher {
	return &WebSearcher{
		log:    logger.New("WebSearcher"),
		apiURL: cfg.SearchAPIURL,
		apiKey: cfg.SearchAPIKey,
		limit:  cfg.SearchResultLimit,
		http:   &http.Client{Timeout: cfg.SearchTimeout},
	}
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (s *WebSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: s.limit})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d", resp.StatusCode)
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Organic))
	for _, hit := range parsed.Organic {
		if hit.Link == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:   hit.Title,
			Snippet: hit.Snippet,
			URL:     hit.Link,
			Domain:  domainOf(hit.Link),
		})
		if len(results) >= s.limit {
			break
		}
	}
	s.log.LogDebugf("search %q returned %d results", query, len(results))
	return results, nil
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
