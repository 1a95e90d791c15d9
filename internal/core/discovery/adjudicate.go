package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sitecheck/internal/core/business"
	"sitecheck/internal/logger"
	"sitecheck/internal/platform/eino"
	"sitecheck/prompts"
)

// MatchSignals records which evidence the adjudicator matched between the
// business record and the chosen page.
type MatchSignals struct {
	PhoneMatch    bool `json:"phone_match"`
	NameMatch     bool `json:"name_match"`
	LocationMatch bool `json:"location_match"`
}

type RejectedURL struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Adjudication is the structured judgment over a result set. ChosenURL is nil
// when no result is the business's own website.
type Adjudication struct {
	ChosenURL       *string       `json:"chosen_url"`
	Confidence      float64       `json:"confidence"`
	Reasoning       string        `json:"reasoning"`
	MatchSignals    MatchSignals  `json:"match_signals"`
	RejectedURLs    []RejectedURL `json:"rejected_urls,omitempty"`
	AlternativeURLs []string      `json:"alternative_urls,omitempty"`
}

// outputSpec is the exact JSON shape the model must return. Kept in lockstep
// with the Adjudication struct tags.
const outputSpec = `{
  "chosen_url": "https://... or null if no result is the business's own website",
  "confidence": 0.0,
  "reasoning": "one or two sentences explaining the decision",
  "match_signals": {
    "phone_match": false,
    "name_match": false,
    "location_match": false
  },
  "rejected_urls": [{"url": "https://...", "reason": "why it was rejected"}],
  "alternative_urls": ["https://..."]
}`

// Adjudicator judges a search result set against a business record.
type Adjudicator interface {
	Adjudicate(ctx context.Context, cand *business.Candidate, results []SearchResult) (*Adjudication, error)
}

// LLMAdjudicator asks a chat model to pick the business's own website out of
// the search results, or to conclude none of them is it.
type LLMAdjudicator struct {
	log     *logger.Logger
	llm     *eino.Service
	timeout time.Duration
}

func NewLLMAdjudicator(llm *eino.Service, timeout time.Duration) *LLMAdjudicator {
	return &LLMAdjudicator{log: logger.New("Adjudicator"), llm: llm, timeout: timeout}
}

func (a *LLMAdjudicator) Adjudicate(ctx context.Context, cand *business.Candidate, results []SearchResult) (*Adjudication, error) {
	if len(results) == 0 {
		return &Adjudication{Reasoning: "no search results to judge"}, nil
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	vars := map[string]any{
		"output_spec":    outputSpec,
		"business_facts": formatBusinessFacts(cand),
		"search_results": formatSearchResults(results),
	}
	var adj Adjudication
	if err := a.llm.GenerateJSON(ctx, prompts.AdjudicationTemplate(), vars, &adj); err != nil {
		return nil, fmt.Errorf("adjudication failed: %w", err)
	}
	if adj.ChosenURL != nil && *adj.ChosenURL == "" {
		adj.ChosenURL = nil
	}
	a.log.LogDebugf("adjudicated %s: chosen=%v confidence=%.2f", cand.ID, adj.ChosenURL != nil, adj.Confidence)
	return &adj, nil
}

func formatBusinessFacts(cand *business.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", cand.Name)
	if cand.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", cand.Phone)
	}
	if cand.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", cand.Address)
	}
	if cand.City != "" || cand.State != "" {
		fmt.Fprintf(&b, "Location: %s %s\n", cand.City, cand.State)
	}
	return b.String()
}

func formatSearchResults(results []SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		entry, _ := json.Marshal(r)
		fmt.Fprintf(&b, "%d. %s\n", i+1, entry)
	}
	return b.String()
}
