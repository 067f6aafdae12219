// Package gateway orchestrates one tool call end to end: validation,
// injection logging, rate limiting, budgeted execution, and progress
// streaming, with every failure classified before it reaches the client.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/toolgate/internal/bundlecache"
	"github.com/toolgate/toolgate/internal/cdn"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/objectstore"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/safeerr"
	"github.com/toolgate/toolgate/internal/sanitize"
	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/internal/tracker"
	"github.com/toolgate/toolgate/internal/validate"
	"github.com/toolgate/toolgate/pkg/models"
)

// ArtifactGenerator produces source code for a validated artifact
// request. Generation itself is an external collaborator; the gateway
// only validates, authorizes, bundles, and caches.
type ArtifactGenerator interface {
	Generate(ctx context.Context, artifactType, prompt string) (source string, err error)
}

// ImageGenerator produces an image URL for a validated prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, aspectRatio string) (url string, err error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher runs a validated web search query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Gateway wires the security and caching layers around tool execution.
// One instance per process, shared by all requests.
type Gateway struct {
	limiter   *ratelimit.Limiter
	cache     *bundlecache.Cache
	chain     *cdn.Chain
	objects   objectstore.Bundles
	recorder  *metrics.Recorder
	artifacts ArtifactGenerator
	images    ImageGenerator
	search    Searcher
	cfg       *config.Config
	tracer    trace.Tracer
}

// Deps bundles the Gateway's collaborators.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Cache     *bundlecache.Cache
	Chain     *cdn.Chain
	Objects   objectstore.Bundles
	Recorder  *metrics.Recorder
	Artifacts ArtifactGenerator
	Images    ImageGenerator
	Search    Searcher
}

// New creates a Gateway.
func New(cfg *config.Config, deps Deps) *Gateway {
	return &Gateway{
		limiter:   deps.Limiter,
		cache:     deps.Cache,
		chain:     deps.Chain,
		objects:   deps.Objects,
		recorder:  deps.Recorder,
		artifacts: deps.Artifacts,
		images:    deps.Images,
		search:    deps.Search,
		cfg:       cfg,
		tracer:    otel.Tracer("toolgate/gateway"),
	}
}

// Execute runs one tool call and drives the progress stream to its
// terminal frame. It never returns an error to the transport layer:
// every failure is classified and reported on the stream.
func (g *Gateway) Execute(ctx context.Context, call models.ToolCall, rlctx models.RateLimitContext, tr *tracker.Tracker, out *stream.Writer) {
	// A call may arrive with a mode hint instead of an explicit tool
	// name. The hint is untrusted: anything that does not fold to a
	// known mode stays empty and fails validation as an unknown tool.
	if call.ToolName == "" {
		if hint := sanitize.ModeHint(call.Mode); hint != sanitize.ModeAuto {
			call.ToolName = hint
		}
	}

	ctx, span := g.tracer.Start(ctx, "gateway.execute",
		trace.WithAttributes(attribute.String("tool", call.ToolName)))
	defer span.End()

	start := time.Now()
	result, err := g.run(ctx, call, rlctx, tr, out)
	metrics.ToolDuration.WithLabelValues(call.ToolName).Observe(time.Since(start).Seconds())
	if err != nil {
		g.fail(call.ToolName, rlctx, out, err)
		return
	}

	metrics.ToolExecutions.WithLabelValues(call.ToolName, "success").Inc()
	if werr := out.Complete(models.CompletePayload{
		Result:    result,
		Stats:     tr.Stats(),
		RequestID: rlctx.RequestID,
	}); werr != nil {
		log.Warn().Err(werr).Str("request_id", rlctx.RequestID).Msg("complete frame write failed")
	}
}

func (g *Gateway) run(ctx context.Context, call models.ToolCall, rlctx models.RateLimitContext, tr *tracker.Tracker, out *stream.Writer) (map[string]any, error) {
	g.progress(out, rlctx, "validating", "")

	params, err := validate.Validate(call.ToolName, call.RawArgs)
	if err != nil {
		return nil, err
	}

	// Injection detection is advisory: the sanitized value proceeds, the
	// attempt is logged and counted.
	for field, value := range params.Fields() {
		if sanitize.DetectInjection(value) {
			metrics.InjectionDetections.WithLabelValues(call.ToolName).Inc()
			log.Warn().
				Str("tool", call.ToolName).
				Str("field", field).
				Str("request_id", rlctx.RequestID).
				Str("user_id", rlctx.UserID).
				Bool("guest", rlctx.IsGuest).
				Msg("prompt injection pattern detected in tool arguments")
		}
	}

	g.progress(out, rlctx, "checking_limits", "")

	limit, err := g.limiter.Check(ctx, call.ToolName, rlctx)
	if err != nil {
		var rle *ratelimit.Error
		if errors.As(err, &rle) {
			metrics.RateLimitDenials.WithLabelValues(call.ToolName, rle.Kind).Inc()
		}
		return nil, err
	}
	log.Debug().
		Str("tool", call.ToolName).
		Int("remaining", limit.Remaining).
		Str("request_id", rlctx.RequestID).
		Msg("tool call allowed")

	return tr.Execute(ctx, call.ToolName, func(callCtx context.Context) (map[string]any, error) {
		switch call.ToolName {
		case "artifact":
			return g.executeArtifact(callCtx, params, rlctx, out)
		case "image":
			return g.executeImage(callCtx, params)
		case "search":
			return g.executeSearch(callCtx, params)
		default:
			// Unreachable: the limiter's static config and the validator's
			// schema registry both gate on tool name first.
			return nil, &ratelimit.Error{Kind: ratelimit.KindUnknownTool, Tool: call.ToolName}
		}
	})
}

func (g *Gateway) progress(out *stream.Writer, rlctx models.RateLimitContext, stage, msg string) {
	if err := out.Progress(models.ProgressPayload{
		Stage:     stage,
		Message:   msg,
		RequestID: rlctx.RequestID,
	}); err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("progress frame write failed")
	}
}

func (g *Gateway) fail(toolName string, rlctx models.RateLimitContext, out *stream.Writer, err error) {
	classified := safeerr.Classify(err)
	metrics.ToolExecutions.WithLabelValues(toolName, classified.Category).Inc()

	evt := log.Error().
		Err(err).
		Str("tool", toolName).
		Str("category", classified.Category).
		Str("kind", classified.Kind).
		Str("request_id", rlctx.RequestID)
	if classified.Category == safeerr.CategoryValidation || classified.Category == safeerr.CategoryRateLimit {
		evt = log.Warn().
			Str("tool", toolName).
			Str("kind", classified.Kind).
			Str("request_id", rlctx.RequestID)
	}
	evt.Msg("tool call failed")

	if werr := out.Error(models.ErrorPayload{
		Error:     classified.Kind,
		Details:   classified.Message,
		Retryable: classified.Retryable,
		RequestID: rlctx.RequestID,
	}); werr != nil && werr != stream.ErrStreamClosed {
		log.Error().Err(werr).Str("request_id", rlctx.RequestID).Msg("error frame write failed")
	}
}
