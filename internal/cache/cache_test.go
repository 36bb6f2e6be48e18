package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestModels_SortsAndDropsEmpty(t *testing.T) {
	srv := tagsServer(t, http.StatusOK, `{"models":[{"name":"zeta"},{"name":"alpha"},{"name":""}]}`, nil)

	r := NewDirectory(nil, nil).Models(context.Background(), srv.URL)
	assert.Equal(t, []string{"alpha", "zeta"}, r.Models)
	assert.Empty(t, r.Warning)
}

func TestModels_FailuresBecomeWarnings(t *testing.T) {
	for name, body := range map[string]struct {
		status int
		body   string
	}{
		"server error":   {http.StatusInternalServerError, `boom`},
		"malformed body": {http.StatusOK, `{"models":[`},
	} {
		t.Run(name, func(t *testing.T) {
			srv := tagsServer(t, body.status, body.body, nil)

			r := NewDirectory(nil, nil).Models(context.Background(), srv.URL)
			assert.NotNil(t, r.Models)
			assert.Empty(t, r.Models)
			assert.Contains(t, r.Warning, "Could not fetch models from Ollama at "+srv.URL+": ")
		})
	}
}

func TestModels_MemoizedPerAddress(t *testing.T) {
	var hits atomic.Int32
	srv := tagsServer(t, http.StatusOK, `{"models":[{"name":"llama3"}]}`, &hits)
	dir := NewDirectory(nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"llama3"}, dir.Models(ctx, srv.URL).Models)
	}
	assert.Equal(t, int32(1), hits.Load())

	dir.Invalidate(srv.URL)
	dir.Models(ctx, srv.URL)
	assert.Equal(t, int32(2), hits.Load())
}

func TestModels_FailureIsMemoizedUntilInvalidated(t *testing.T) {
	calls := 0
	fail := true
	dir := NewDirectory(func(ctx context.Context, baseURL string) ([]string, error) {
		calls++
		if fail {
			return nil, errors.New("connection refused")
		}
		return []string{"phi3"}, nil
	}, nil)
	ctx := context.Background()

	r := dir.Models(ctx, "http://down:11434")
	assert.Equal(t, "Could not fetch models from Ollama at http://down:11434: connection refused", r.Warning)

	fail = false
	r = dir.Models(ctx, "http://down:11434")
	assert.NotEmpty(t, r.Warning)
	assert.Equal(t, 1, calls)

	dir.Invalidate("http://down:11434")
	r = dir.Models(ctx, "http://down:11434")
	assert.Empty(t, r.Warning)
	assert.Equal(t, []string{"phi3"}, r.Models)
}

func TestModels_InvalidateDuringFetchIsNotUndone(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	dir := NewDirectory(func(ctx context.Context, baseURL string) ([]string, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return nil, errors.New("server down")
		}
		return []string{"llama3"}, nil
	}, nil)

	done := make(chan Result)
	go func() { done <- dir.Models(context.Background(), "http://h") }()

	<-entered
	dir.Invalidate("http://h")
	close(release)
	assert.Contains(t, (<-done).Warning, "server down")

	r := dir.Models(context.Background(), "http://h")
	assert.Empty(t, r.Warning)
	assert.Equal(t, []string{"llama3"}, r.Models)
	assert.Equal(t, int32(2), calls.Load())
}

func TestModels_CollapsesConcurrentFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	dir := NewDirectory(func(ctx context.Context, baseURL string) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"a"}, nil
	}, nil)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = dir.Models(context.Background(), "http://x")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, []string{"a"}, r.Models)
	}
}

func TestModels_ReturnsCopies(t *testing.T) {
	dir := NewDirectory(func(context.Context, string) ([]string, error) {
		return []string{"a", "b"}, nil
	}, nil)
	r := dir.Models(context.Background(), "http://x")
	r.Models[0] = "mutated"
	require.Equal(t, []string{"a", "b"}, dir.Models(context.Background(), "http://x").Models)
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "llama3", ResolveModel(nil, "llama3"))
	assert.Equal(t, "mistral", ResolveModel([]string{"alpha", "mistral"}, "mistral"))
	assert.Equal(t, "alpha", ResolveModel([]string{"alpha", "zeta"}, "llama3"))
}
