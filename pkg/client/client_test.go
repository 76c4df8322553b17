package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetWorkerPort(t *testing.T) {
	t.Setenv("KWGROUP_WORKER_PORT", "")
	assert.Equal(t, DefaultWorkerPort, GetWorkerPort())

	t.Setenv("KWGROUP_WORKER_PORT", "12345")
	assert.Equal(t, 12345, GetWorkerPort())

	t.Setenv("KWGROUP_WORKER_PORT", "invalid")
	assert.Equal(t, DefaultWorkerPort, GetWorkerPort())

	t.Setenv("KWGROUP_WORKER_PORT", "70000")
	assert.Equal(t, DefaultWorkerPort, GetWorkerPort())
}

func TestIsPortInUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	_, portStr, _ := strings.Cut(strings.TrimPrefix(server.URL, "http://"), ":")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	assert.True(t, IsPortInUse(port))
}

func TestClient_Requests(t *testing.T) {
	type seen struct {
		method string
		path   string
		body   map[string]any
	}
	var got []seen

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.RequestURI()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &s.body))
		}
		got = append(got, s)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/health":
			_, _ = w.Write([]byte(`{"status":"ok","version":"1.2.3","db_ok":true}`))
		case "/api/keywords":
			_, _ = w.Write([]byte(`{"added":2,"skipped":1,"pending":2,"keywords":[]}`))
		case "/api/groups":
			_, _ = w.Write([]byte(`{"run_id":"r1","k":1,"groups":[{"group_id":0,"label":"seo","members":["seo"]}]}`))
		case "/api/history":
			_, _ = w.Write([]byte(`[{"id":2,"run_id":"r1","outlines":[]},{"id":1,"run_id":"r1","outlines":[]}]`))
		case "/api/users/a b/email":
			_, _ = w.Write([]byte(`{"owner":"a b","email":"x@example.com"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", h.Version)
	assert.True(t, c.IsRunning(ctx))

	added, err := c.AddKeywords(ctx, "alice", "seo, baking")
	require.NoError(t, err)
	assert.Equal(t, 2, added.Added)
	assert.Equal(t, 1, added.Skipped)

	run, err := c.Group(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "r1", run.RunID)
	assert.Equal(t, []string{"seo"}, run.Labels())

	history, err := c.History(ctx, "alice", 5)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	email, err := c.SetEmail(ctx, "a b", "X <x@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "x@example.com", email)

	require.Len(t, got, 6)
	assert.Equal(t, http.MethodPost, got[2].method)
	assert.Equal(t, "seo, baking", got[2].body["text"])
	assert.Equal(t, "/api/history?limit=5&owner=alice", got[4].path)
	assert.Equal(t, http.MethodPut, got[5].method)
}

func TestClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/groups":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"cannot group keywords right now","kind":"embedding_unavailable","retryable":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer server.Close()

	c := New(server.URL)

	_, err := c.Group(context.Background(), "alice")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "embedding_unavailable", apiErr.Kind)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, "cannot group keywords right now", apiErr.Error())

	_, err = c.LatestGroups(context.Background(), "alice")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "worker returned 404", err.Error())
}

func TestClient_WorkerDown(t *testing.T) {
	c := NewLocal(1)
	assert.False(t, c.IsRunning(context.Background()))
	_, err := c.Health(context.Background())
	assert.Error(t, err)
}
