package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentdesk/internal/providers"
)

const (
	braveSearchEndpoint  = "https://api.search.brave.com/res/v1/web/search"
	searchTimeoutSeconds = 15
	searchResultCount    = 5
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Searcher is the web search backend, an external black box.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// --- Brave Search backend ---

type braveSearcher struct {
	apiKey string
	client *http.Client
}

// NewBraveSearcher returns a Searcher backed by the Brave Search API.
func NewBraveSearcher(apiKey string) Searcher {
	return &braveSearcher{
		apiKey: apiKey,
		client: &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (p *braveSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", searchResultCount))

	req, err := http.NewRequestWithContext(ctx, "GET", braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d", resp.StatusCode)
	}

	var braveResp struct {
		Web struct {
			Results []SearchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return braveResp.Web.Results, nil
}

// WebSearch searches the web through a pluggable backend.
type WebSearch struct {
	Backend Searcher
}

func (WebSearch) Name() string { return "web_search" }

func (WebSearch) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "web_search",
		Description: "Search the internet for information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t WebSearch) Execute(ctx context.Context, _ ExecContext, args map[string]any) *Result {
	query := stringArg(args, "query")
	if query == "" {
		return ErrorResult("web_search: missing query argument")
	}
	if t.Backend == nil {
		return ErrorResult("web_search: no search backend configured")
	}

	results, err := t.Backend.Search(ctx, query)
	if err != nil {
		return ErrorResult("web_search: %v", err)
	}
	if len(results) == 0 {
		return NewResult("No results found for %q.", query)
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return NewResult("%s", strings.TrimSpace(b.String()))
}
