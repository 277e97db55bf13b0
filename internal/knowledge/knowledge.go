// Package knowledge implements the knowledge-base search capability
// against an external search API. Search is read-only: it is never
// qualification-gated and is always safe to retry.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/resilience"
)

// Config holds the search API connection settings.
type Config struct {
	BaseURL     string
	APIKey      string
	AssistantID string // optional
	SourceAppID string // restricts search to one content source
	PageSize    int
	Timeout     time.Duration
}

// Client calls the search API over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a search client. Zero config fields get defaults.
func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SourceAppID == "" {
		cfg.SourceAppID = "intercom"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Query is one knowledge-base search.
type Query struct {
	Text     string
	Category string // optional type filter
}

// Result is one search hit.
type Result struct {
	Title       string   `json:"title"`
	Snippet     string   `json:"snippet"`
	Description string   `json:"description,omitempty"`
	Highlights  []string `json:"highlights,omitempty"`
}

// Response holds the hits for one query. Empty results are a valid
// response, not a failure.
type Response struct {
	Results      []Result `json:"results"`
	TotalResults int      `json:"total_results"`
	RequestID    string   `json:"request_id,omitempty"`
}

type searchRequest struct {
	Query          string         `json:"query"`
	ContentSearch  bool           `json:"contentSearch"`
	SemanticSearch bool           `json:"semanticSearch"`
	Paging         searchPaging   `json:"paging"`
	Filters        map[string]any `json:"filters"`
	AssistantID    string         `json:"assistantId,omitempty"`
}

type searchPaging struct {
	PageSize   int `json:"pageSize"`
	PageNumber int `json:"pageNumber"`
}

type searchResponse struct {
	Results []struct {
		Resource struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"resource"`
		Snippet    string   `json:"snippet"`
		Highlights []string `json:"highlights"`
	} `json:"results"`
	TotalResults int    `json:"totalResults"`
	RequestID    string `json:"requestId"`
}

// Search executes one query. Errors are classified for the resilience
// layer: timeouts and 5xx are transient, auth and bad requests are
// permanent.
func (c *Client) Search(ctx context.Context, q Query) (Response, error) {
	filters := map[string]any{
		"appId": []string{c.cfg.SourceAppID},
	}
	if q.Category != "" {
		filters["type"] = []string{q.Category}
	}

	reqBody, err := json.Marshal(searchRequest{
		Query:          q.Text,
		ContentSearch:  true,
		SemanticSearch: true,
		Paging:         searchPaging{PageSize: c.cfg.PageSize},
		Filters:        filters,
		AssistantID:    c.cfg.AssistantID,
	})
	if err != nil {
		return Response{}, resilience.Permanent(fmt.Errorf("knowledge: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(reqBody))
	if err != nil {
		return Response{}, resilience.Permanent(fmt.Errorf("knowledge: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, resilience.Transient(fmt.Errorf("knowledge: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, resilience.FromHTTPStatus(resp.StatusCode,
			fmt.Errorf("knowledge: status %d: %s", resp.StatusCode, string(body)))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, resilience.Transient(fmt.Errorf("knowledge: decode response: %w", err))
	}

	out := Response{
		TotalResults: result.TotalResults,
		RequestID:    result.RequestID,
	}
	for _, r := range result.Results {
		out.Results = append(out.Results, Result{
			Title:       r.Resource.Title,
			Snippet:     r.Snippet,
			Description: r.Resource.Description,
			Highlights:  r.Highlights,
		})
	}
	return out, nil
}

// DependencyName is the circuit breaker key for the search API.
const DependencyName = "knowledge_search"

// SearchProvider adapts Client to the fallback chain.
type SearchProvider struct {
	client *Client
}

// NewSearchProvider wraps a client for chain dispatch.
func NewSearchProvider(client *Client) *SearchProvider {
	return &SearchProvider{client: client}
}

// Name implements fallback.Provider.
func (p *SearchProvider) Name() string { return DependencyName }

// Idempotent implements fallback.Provider. Search has no side effects.
func (p *SearchProvider) Idempotent() bool { return true }

// Invoke implements fallback.Provider. Arguments: "query" (required),
// "category" (optional).
func (p *SearchProvider) Invoke(ctx context.Context, req fallback.Request) (fallback.Result, error) {
	query, _ := req.Arguments["query"].(string)
	if query == "" {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("knowledge: missing query argument"))
	}
	category, _ := req.Arguments["category"].(string)

	resp, err := p.client.Search(ctx, Query{Text: query, Category: category})
	if err != nil {
		return fallback.Result{}, err
	}

	payload := map[string]any{
		"found":         len(resp.Results) > 0,
		"total_results": resp.TotalResults,
	}
	if len(resp.Results) > 0 {
		top := resp.Results[0]
		answer := top.Snippet
		if answer == "" {
			answer = top.Title
		}
		payload["answer"] = answer
		payload["details"] = top.Description
		results := make([]map[string]any, len(resp.Results))
		for i, r := range resp.Results {
			results[i] = map[string]any{"title": r.Title, "snippet": r.Snippet}
		}
		payload["results"] = results
	}
	return fallback.Result{Payload: payload, Via: "search"}, nil
}
