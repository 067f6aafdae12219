package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/validate"
)

func (g *Gateway) executeSearch(ctx context.Context, params *validate.ValidatedParams) (map[string]any, error) {
	results, err := g.search.Search(ctx, params.Get("query"))
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return map[string]any{
		"results": results,
		"count":   len(results),
	}, nil
}

// HTTPSearchProvider calls an external web-search endpoint.
type HTTPSearchProvider struct {
	cfg    config.SearchConfig
	client *http.Client
}

// NewHTTPSearchProvider creates a provider from config.
func NewHTTPSearchProvider(cfg config.SearchConfig) *HTTPSearchProvider {
	return &HTTPSearchProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u, err := url.Parse(p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider: status %d", resp.StatusCode)
	}

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Results, nil
}
