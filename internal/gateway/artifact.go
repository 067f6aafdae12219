package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/bundlecache"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/safeerr"
	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/internal/validate"
	"github.com/toolgate/toolgate/pkg/models"
)

// importRe matches static import/re-export statements with a bare
// (non-relative) module specifier.
var importRe = regexp.MustCompile(`(?m)^\s*(?:import|export)\s+(?:[\w*{},\s]+\s+from\s+)?["']([^"'./][^"']*)["']`)

// pinnedVersions are the package versions bundles are built against.
// Unpinned packages resolve to the CDN's latest tag.
var pinnedVersions = map[string]string{
	"react":     "18.2.0",
	"react-dom": "18.2.0",
}

// extractImports returns the sorted, de-duplicated set of bare package
// specifiers in source. Scoped packages keep their scope; subpath
// imports collapse to the package root.
func extractImports(source string) []string {
	seen := map[string]bool{}
	for _, m := range importRe.FindAllStringSubmatch(source, -1) {
		seen[packageRoot(m[1])] = true
	}
	out := make([]string, 0, len(seen))
	for pkg := range seen {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// packageRoot maps "react-dom/client" to "react-dom" and
// "@scope/pkg/sub" to "@scope/pkg".
func packageRoot(specifier string) string {
	parts := strings.Split(specifier, "/")
	if strings.HasPrefix(specifier, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func pinnedVersion(pkg string) string {
	if v, ok := pinnedVersions[pkg]; ok {
		return v
	}
	return "latest"
}

// rewriteImports replaces bare specifiers with their resolved CDN URLs.
// Subpath imports inherit the root package's URL base.
func rewriteImports(source string, urls map[string]string) string {
	return importRe.ReplaceAllStringFunc(source, func(stmt string) string {
		m := importRe.FindStringSubmatch(stmt)
		specifier := m[1]
		root := packageRoot(specifier)
		base, ok := urls[root]
		if !ok {
			return stmt
		}
		resolved := base
		if sub := strings.TrimPrefix(specifier, root); sub != "" {
			resolved += sub
		}
		return strings.Replace(stmt, specifier, resolved, 1)
	})
}

// HTTPArtifactProvider calls the external generation service that
// turns a validated prompt into artifact source code.
type HTTPArtifactProvider struct {
	cfg    config.ArtifactConfig
	client *http.Client
}

// NewHTTPArtifactProvider creates a provider from config.
func NewHTTPArtifactProvider(cfg config.ArtifactConfig) *HTTPArtifactProvider {
	return &HTTPArtifactProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPArtifactProvider) Generate(ctx context.Context, artifactType, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"type":   artifactType,
		"prompt": prompt,
	})
	if err != nil {
		return "", fmt.Errorf("encode artifact request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build artifact request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact provider: status %d", resp.StatusCode)
	}

	var out struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode artifact response: %w", err)
	}
	if out.Source == "" {
		return "", fmt.Errorf("artifact provider returned no source")
	}
	return out.Source, nil
}

// executeArtifact builds or retrieves a bundled artifact: generate
// source, content-hash it against its dependency set, serve from the
// bundle cache on hit, otherwise resolve dependencies through the CDN
// chain, rewrite imports, upload, and cache.
func (g *Gateway) executeArtifact(ctx context.Context, params *validate.ValidatedParams, rlctx models.RateLimitContext, out *stream.Writer) (map[string]any, error) {
	artifactType := params.Get("type")
	artifactID := uuid.NewString()
	buildStart := time.Now()

	g.progress(out, rlctx, "generating", "")

	source, err := g.artifacts.Generate(ctx, artifactType, params.Get("prompt"))
	if err != nil {
		return nil, fmt.Errorf("artifact generation: %w", err)
	}

	imports := extractImports(source)
	deps := make([]string, 0, len(imports))
	for _, pkg := range imports {
		deps = append(deps, pkg+"@"+pinnedVersion(pkg))
	}
	hash := bundlecache.ContentHash(source, deps)

	if hit, result, err := g.artifactFromCache(ctx, hash, artifactType, artifactID, rlctx, len(deps), buildStart); err != nil {
		return nil, err
	} else if hit {
		return result, nil
	}

	g.progress(out, rlctx, "resolving_dependencies", "")

	urls := make(map[string]string, len(imports))
	provider := ""
	fallback := false
	for _, pkg := range imports {
		res, err := g.chain.Resolve(ctx, pkg, pinnedVersion(pkg), true)
		if err != nil {
			return nil, &safeerr.StorageError{Op: "cdn.resolve", Resource: pkg, Err: err}
		}
		urls[pkg] = res.URL
		metrics.CDNResolutions.WithLabelValues(res.Provider, fmt.Sprintf("%t", res.FromCache)).Inc()
		provider = res.Provider
		fallback = fallback || res.Fallback
	}

	g.progress(out, rlctx, "bundling", "")

	bundle := rewriteImports(source, urls)
	storagePath := "bundles/" + hash + ".js"

	size, err := g.objects.Upload(ctx, storagePath, []byte(bundle))
	if err != nil {
		return nil, &safeerr.StorageError{Op: "bundle.upload", Resource: storagePath, Err: err}
	}

	url, err := g.objects.SignedURL(ctx, storagePath, g.cfg.Cache.SignedURLTTL)
	if err != nil {
		return nil, &safeerr.StorageError{Op: "bundle.sign_url", Resource: storagePath, Err: err}
	}

	if _, err := g.cache.Store(ctx, hash, storagePath, url, size, len(deps)); err != nil {
		// The bundle exists and the client has a working URL; a cache row
		// failure costs a rebuild next time, not this request.
		log.Error().
			Err(err).
			Str("content_hash", hash).
			Str("request_id", rlctx.RequestID).
			Msg("bundle cache store failed after successful build")
	}

	metrics.BundleCacheLookups.WithLabelValues("miss").Inc()
	g.recorder.RecordBundle(ctx, models.BundleMetric{
		ArtifactID:      artifactID,
		SessionID:       rlctx.RequestID,
		BundleTimeMs:    time.Since(buildStart).Milliseconds(),
		CacheHit:        false,
		CDNProvider:     provider,
		BundleSize:      size,
		FallbackUsed:    fallback,
		DependencyCount: len(deps),
	})

	return map[string]any{
		"artifact_id":      artifactID,
		"artifact_type":    artifactType,
		"bundle_url":       url,
		"content_hash":     hash,
		"cache_hit":        false,
		"dependency_count": len(deps),
	}, nil
}

func (g *Gateway) artifactFromCache(ctx context.Context, hash, artifactType, artifactID string, rlctx models.RateLimitContext, depCount int, buildStart time.Time) (bool, map[string]any, error) {
	res, err := g.cache.Lookup(ctx, hash)
	if err != nil {
		return false, nil, err
	}
	if !res.Hit {
		return false, nil, nil
	}

	metrics.BundleCacheLookups.WithLabelValues("hit").Inc()
	g.recorder.RecordBundle(ctx, models.BundleMetric{
		ArtifactID:      artifactID,
		SessionID:       rlctx.RequestID,
		BundleTimeMs:    time.Since(buildStart).Milliseconds(),
		CacheHit:        true,
		BundleSize:      res.Entry.BundleSizeBytes,
		DependencyCount: res.Entry.DependencyCount,
	})

	return true, map[string]any{
		"artifact_id":      artifactID,
		"artifact_type":    artifactType,
		"bundle_url":       res.URL,
		"content_hash":     hash,
		"cache_hit":        true,
		"dependency_count": res.Entry.DependencyCount,
	}, nil
}
