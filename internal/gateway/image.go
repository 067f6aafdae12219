package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/validate"
)

func (g *Gateway) executeImage(ctx context.Context, params *validate.ValidatedParams) (map[string]any, error) {
	aspect := params.Get("aspectRatio")
	if aspect == "" {
		aspect = "1:1"
	}

	url, err := g.images.Generate(ctx, params.Get("prompt"), aspect)
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}

	return map[string]any{
		"image_url":    url,
		"aspect_ratio": aspect,
	}, nil
}

// HTTPImageProvider calls an external image-generation endpoint. The
// request inherits the caller's context, so the per-call budget and
// connection teardown both cancel in-flight generations.
type HTTPImageProvider struct {
	cfg    config.ImageConfig
	client *http.Client
}

// NewHTTPImageProvider creates a provider from config.
func NewHTTPImageProvider(cfg config.ImageConfig) *HTTPImageProvider {
	return &HTTPImageProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPImageProvider) Generate(ctx context.Context, prompt, aspectRatio string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":       prompt,
		"aspect_ratio": aspectRatio,
	})
	if err != nil {
		return "", fmt.Errorf("encode image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("image provider: status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode image response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("image provider returned no url")
	}
	return out.URL, nil
}
