package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// API styles understood by HTTPEmbedder.
const (
	StyleOllama = "ollama"
	StyleOpenAI = "openai"
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	URL         string
	Model       string
	APIStyle    string
	APIKey      string
	Dimensions  int
	BatchSize   int
	Concurrency int
	MaxRetries  int
	RateLimit   float64
	Timeout     time.Duration
}

// HTTPEmbedder calls a remote embedding server (Ollama /api/embed or an
// OpenAI compatible /v1/embeddings endpoint).
type HTTPEmbedder struct {
	client   *http.Client
	limiter  *rate.Limiter
	cfg      HTTPConfig
	endpoint string
	dims     atomic.Int64
}

// NewHTTPEmbedder creates an HTTP embedder with retries and rate limiting.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http embedder: url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("http embedder: model is required")
	}
	if cfg.APIStyle == "" {
		cfg.APIStyle = StyleOllama
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	base := strings.TrimRight(cfg.URL, "/")
	var endpoint string
	switch cfg.APIStyle {
	case StyleOllama:
		endpoint = base + "/api/embed"
	case StyleOpenAI:
		endpoint = base + "/v1/embeddings"
	default:
		return nil, fmt.Errorf("http embedder: unknown api style %q", cfg.APIStyle)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.CheckRetry = dontRetryClientErrors(retryablehttp.ErrorPropagatedRetryPolicy)
	retryClient.Logger = retryLogger{}

	client := retryClient.StandardClient()
	client.Timeout = cfg.Timeout

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	e := &HTTPEmbedder{
		client:   client,
		limiter:  rate.NewLimiter(limit, cfg.Concurrency),
		cfg:      cfg,
		endpoint: endpoint,
	}
	e.dims.Store(int64(cfg.Dimensions))
	return e, nil
}

// Dimensions implements Embedder. It is 0 until the first response unless
// configured.
func (e *HTTPEmbedder) Dimensions() int { return int(e.dims.Load()) }

// ModelVersion implements Embedder.
func (e *HTTPEmbedder) ModelVersion() string {
	return e.cfg.APIStyle + ":" + e.cfg.Model
}

// Embed implements Embedder. Texts are sent in batches of BatchSize with at
// most Concurrency requests in flight.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body any = ollamaRequest{Model: e.cfg.Model, Input: batch}
	if e.cfg.APIStyle == StyleOpenAI {
		body = openAIRequest{Model: e.cfg.Model, Input: batch}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, unavailable("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, truncate(string(data), 200))
	}

	vecs, err := e.decode(data, len(batch))
	if err != nil {
		return nil, err
	}
	if err := e.checkDimensions(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (e *HTTPEmbedder) decode(data []byte, want int) ([][]float32, error) {
	var vecs [][]float32
	if e.cfg.APIStyle == StyleOpenAI {
		var r openAIResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, unavailable("decode response: %v", err)
		}
		vecs = make([][]float32, len(r.Data))
		for _, d := range r.Data {
			if d.Index < 0 || d.Index >= len(vecs) {
				return nil, unavailable("response index %d out of range", d.Index)
			}
			vecs[d.Index] = d.Embedding
		}
	} else {
		var r ollamaResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, unavailable("decode response: %v", err)
		}
		vecs = r.Embeddings
	}
	if len(vecs) != want {
		return nil, unavailable("got %d vectors for %d texts", len(vecs), want)
	}
	return vecs, nil
}

func (e *HTTPEmbedder) checkDimensions(vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) == 0 {
			return unavailable("backend returned an empty vector")
		}
		want := e.dims.Load()
		if want == 0 {
			e.dims.CompareAndSwap(0, int64(len(v)))
			want = e.dims.Load()
		}
		if int64(len(v)) != want {
			return unavailable("vector has %d dimensions, expected %d", len(v), want)
		}
	}
	return nil
}

// statusError classifies a non-200 response. Payloads the backend refuses
// to embed are invalid input; other client errors other than 408 and 429
// are permanent rejections.
func statusError(status int, body string) error {
	switch {
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: embedding backend refused input (status %d): %s", ErrInvalidInput, status, body)
	case isClientError(status):
		return fmt.Errorf("%w: %w: status %d: %s", ErrUnavailable, ErrRejected, status, body)
	default:
		return unavailable("status %d: %s", status, body)
	}
}

func isClientError(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

// dontRetryClientErrors stops retries on 4xx responses and cancelled contexts.
func dontRetryClientErrors(policy retryablehttp.CheckRetry) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp != nil && isClientError(resp.StatusCode) {
			return false, err
		}
		return policy(ctx, resp, err)
	}
}

// retryLogger forwards retryablehttp messages to zerolog at debug level.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { log.Warn().Fields(kv).Msg(msg) }
func (retryLogger) Info(msg string, kv ...interface{})  { log.Debug().Fields(kv).Msg(msg) }
func (retryLogger) Debug(msg string, kv ...interface{}) { log.Debug().Fields(kv).Msg(msg) }
func (retryLogger) Warn(msg string, kv ...interface{})  { log.Debug().Fields(kv).Msg(msg) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
