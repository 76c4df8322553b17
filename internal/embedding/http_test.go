package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// HTTPEmbedderSuite exercises the HTTP backend against a fake server.
type HTTPEmbedderSuite struct {
	suite.Suite
	server   *httptest.Server
	requests atomic.Int64
	status   atomic.Int64
	dims     int
}

func (s *HTTPEmbedderSuite) SetupTest() {
	s.requests.Store(0)
	s.status.Store(http.StatusOK)
	s.dims = 3
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
}

func (s *HTTPEmbedderSuite) TearDownTest() {
	s.server.Close()
}

func TestHTTPEmbedderSuite(t *testing.T) {
	suite.Run(t, new(HTTPEmbedderSuite))
}

// handle returns vector [len(text), i, 1] for each input text.
func (s *HTTPEmbedderSuite) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if status := int(s.status.Load()); status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	var req struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	vecs := make([][]float32, len(req.Input))
	for i, t := range req.Input {
		v := make([]float32, s.dims)
		v[0] = float32(len(t))
		if s.dims > 1 {
			v[1] = float32(i)
		}
		vecs[i] = v
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/embed":
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	case "/v1/embeddings":
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		data := make([]map[string]any, len(vecs))
		// Reverse order to check index handling.
		for i := range vecs {
			j := len(vecs) - 1 - i
			data[i] = map[string]any{"index": j, "embedding": vecs[j]}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *HTTPEmbedderSuite) newEmbedder(style string, batch int) *HTTPEmbedder {
	e, err := NewHTTPEmbedder(HTTPConfig{
		URL:         s.server.URL,
		Model:       "test-model",
		APIStyle:    style,
		APIKey:      "secret",
		BatchSize:   batch,
		Concurrency: 2,
	})
	s.Require().NoError(err)
	return e
}

func (s *HTTPEmbedderSuite) TestOllamaBatches() {
	e := s.newEmbedder(StyleOllama, 2)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}

	vecs, err := e.Embed(context.Background(), texts)
	s.Require().NoError(err)
	s.Require().Len(vecs, 5)
	for i, v := range vecs {
		s.Equal(float32(len(texts[i])), v[0], "order must match input")
	}
	s.Equal(int64(3), s.requests.Load())
	s.Equal(3, e.Dimensions())
	s.Equal("ollama:test-model", e.ModelVersion())
}

func (s *HTTPEmbedderSuite) TestOpenAIIndexOrdering() {
	e := s.newEmbedder(StyleOpenAI, 10)
	vecs, err := e.Embed(context.Background(), []string{"a", "bb", "ccc"})
	s.Require().NoError(err)
	s.Equal([]float32{1, 0, 0}, vecs[0])
	s.Equal([]float32{2, 1, 0}, vecs[1])
	s.Equal([]float32{3, 2, 0}, vecs[2])
}

func (s *HTTPEmbedderSuite) TestServerErrorIsUnavailable() {
	s.status.Store(http.StatusServiceUnavailable)
	e := s.newEmbedder(StyleOllama, 10)

	_, err := e.Embed(context.Background(), []string{"seo"})
	s.ErrorIs(err, ErrUnavailable)
	s.False(IsPermanent(err))
}

func (s *HTTPEmbedderSuite) TestClientErrorIsNotRetried() {
	s.status.Store(http.StatusBadRequest)
	e, err := NewHTTPEmbedder(HTTPConfig{URL: s.server.URL, Model: "m", MaxRetries: 3})
	s.Require().NoError(err)

	_, err = e.Embed(context.Background(), []string{"seo"})
	s.ErrorIs(err, ErrInvalidInput)
	s.NotErrorIs(err, ErrUnavailable)
	s.True(IsPermanent(err))
	s.Equal(int64(1), s.requests.Load())
}

func (s *HTTPEmbedderSuite) TestUnauthorizedIsPermanent() {
	s.status.Store(http.StatusUnauthorized)
	e, err := NewHTTPEmbedder(HTTPConfig{URL: s.server.URL, Model: "m", MaxRetries: 3})
	s.Require().NoError(err)

	_, err = e.Embed(context.Background(), []string{"seo"})
	s.ErrorIs(err, ErrUnavailable)
	s.ErrorIs(err, ErrRejected)
	s.True(IsPermanent(err))
	s.Equal(int64(1), s.requests.Load())
}

func (s *HTTPEmbedderSuite) TestDimensionMismatch() {
	e, err := NewHTTPEmbedder(HTTPConfig{URL: s.server.URL, Model: "m", Dimensions: 8})
	s.Require().NoError(err)

	_, err = e.Embed(context.Background(), []string{"seo"})
	s.ErrorIs(err, ErrUnavailable)
}

func (s *HTTPEmbedderSuite) TestEmptyTextNeverSent() {
	e := s.newEmbedder(StyleOllama, 10)
	_, err := e.Embed(context.Background(), []string{"seo", ""})
	s.ErrorIs(err, ErrInvalidInput)
	s.Equal(int64(0), s.requests.Load())
}

func (s *HTTPEmbedderSuite) TestNoTexts() {
	e := s.newEmbedder(StyleOllama, 10)
	vecs, err := e.Embed(context.Background(), nil)
	s.NoError(err)
	s.Empty(vecs)
	s.Equal(int64(0), s.requests.Load())
}

func TestNewHTTPEmbedder_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  HTTPConfig
	}{
		{name: "missing url", cfg: HTTPConfig{Model: "m"}},
		{name: "missing model", cfg: HTTPConfig{URL: "http://x"}},
		{name: "unknown style", cfg: HTTPConfig{URL: "http://x", Model: "m", APIStyle: "grpc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPEmbedder(tt.cfg)
			assert.Error(t, err)
		})
	}

	e, err := NewHTTPEmbedder(HTTPConfig{URL: "http://x/", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "http://x/api/embed", e.endpoint)
}
