package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CaisaChat/internal/backend"
	"CaisaChat/internal/cache"
	"CaisaChat/internal/chatbot"
	"CaisaChat/internal/session"
)

type scriptedStreamer struct {
	chunks []string
	err    error
	delay  time.Duration
}

func (s *scriptedStreamer) ChatStream(ctx context.Context, req backend.ChatRequest, fn backend.StreamCallback) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, c := range s.chunks {
		if err := fn(backend.StreamChunk{Content: c}); err != nil {
			return err
		}
	}
	if s.err != nil {
		return s.err
	}
	return fn(backend.StreamChunk{Done: true})
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	client   *http.Client
	registry *session.Registry
	streamer *scriptedStreamer

	mu       sync.Mutex
	fetched  []string
	models   []string
	fetchErr error
}

func newHarness(t *testing.T, opts Options, configure ...func(*http.Server)) *harness {
	t.Helper()
	h := &harness{t: t, streamer: &scriptedStreamer{}, models: []string{"llama3", "mistral"}}

	store := session.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	h.registry = session.NewRegistry(store, session.Defaults{
		SystemPrompt: "S",
		BaseURL:      "http://ollama:11434",
	})

	dir := cache.NewDirectory(func(ctx context.Context, baseURL string) ([]string, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.fetched = append(h.fetched, baseURL)
		return h.models, h.fetchErr
	}, nil)

	bot := chatbot.NewChatBot(nil, chatbot.WithStreamerFactory(func(string) chatbot.Streamer {
		return h.streamer
	}))

	if opts.PageTitle == "" {
		opts.PageTitle = "CAISA for CBT Practitioners 🩺"
	}
	s, err := NewServer(opts, h.registry, dir, bot, nil)
	require.NoError(t, err)

	h.srv = httptest.NewUnstartedServer(s.Handler())
	for _, fn := range configure {
		fn(h.srv.Config)
	}
	h.srv.Start()
	t.Cleanup(h.srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{Jar: jar}
	t.Cleanup(h.client.CloseIdleConnections)
	return h
}

func (h *harness) get(path string) (*http.Response, string) {
	h.t.Helper()
	resp, err := h.client.Get(h.srv.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, string(body)
}

func (h *harness) post(path string, form url.Values, accept string) (*http.Response, string) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, string(body)
}

func (h *harness) sessionID() string {
	h.t.Helper()
	u, _ := url.Parse(h.srv.URL)
	for _, c := range h.client.Jar.Cookies(u) {
		if c.Name == SessionCookie {
			return c.Value
		}
	}
	h.t.Fatal("no session cookie")
	return ""
}

func (h *harness) state() *session.State {
	h.t.Helper()
	st, err := h.registry.Load(context.Background(), h.sessionID())
	require.NoError(h.t, err)
	return st
}

type sseEvent struct {
	name string
	data map[string]string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestIndex_RendersPageAndSetsCookie(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := h.get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<title>CAISA for CBT Practitioners 🩺</title>")
	assert.Contains(t, body, `value="http://ollama:11434"`)
	assert.Contains(t, body, `<option value="llama3" selected>llama3</option>`)
	assert.Contains(t, body, `<option value="mistral">mistral</option>`)
	assert.NotContains(t, body, "No models found")
	assert.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"))

	id := h.sessionID()
	assert.NotEmpty(t, id)
	h.get("/")
	assert.Equal(t, id, h.sessionID(), "cookie must be reused")
}

func TestIndex_DirectoryFailureShowsWarning(t *testing.T) {
	h := newHarness(t, Options{})
	h.models = nil
	h.fetchErr = errors.New("connection refused")

	_, body := h.get("/")
	assert.Contains(t, body, "Could not fetch models from Ollama at http://ollama:11434: connection refused")
	assert.Contains(t, body, "No models found.")
	// The current model stays selectable.
	assert.Contains(t, body, `<option value="llama3" selected>llama3</option>`)
}

func TestTurn_StreamsAndCommits(t *testing.T) {
	h := newHarness(t, Options{})
	h.streamer.chunks = []string{"Hi", " there"}
	h.get("/")

	resp, body := h.post("/turn", url.Values{"message": {"hello"}}, "text/event-stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := parseSSE(t, body)
	require.Len(t, events, 4)
	assert.Equal(t, "user", events[0].name)
	assert.Contains(t, events[0].data["html"], "bubble user")
	assert.Contains(t, events[0].data["html"], "hello")
	assert.Equal(t, "delta", events[1].name)
	assert.Contains(t, events[1].data["html"], "Hi")
	assert.Contains(t, events[2].data["html"], "Hi there")
	assert.Equal(t, "done", events[3].name)
	assert.Equal(t, "completed", events[3].data["outcome"])

	msgs := h.state().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hi there", msgs[2].Content)

	_, page := h.get("/")
	assert.Contains(t, page, `<div class="bubble assistant"><p>Hi there</p>`)
	assert.NotContains(t, page, "<p>S</p>", "system prompt is never rendered as a bubble")
}

func TestTurn_FailureShowsErrorAndKeepsUserMessage(t *testing.T) {
	h := newHarness(t, Options{})
	h.streamer.chunks = []string{"Hi"}
	h.streamer.err = errors.New("model crashed")
	h.get("/")

	_, body := h.post("/turn", url.Values{"message": {"hello"}}, "text/event-stream")
	events := parseSSE(t, body)
	require.Len(t, events, 4)
	assert.Equal(t, "error", events[2].name)
	assert.Contains(t, events[2].data["html"], "<strong>Error:</strong> model crashed")
	assert.Equal(t, "failed", events[3].data["outcome"])

	msgs := h.state().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[1].Role)
}

func TestTurn_FormPostWithoutScript(t *testing.T) {
	h := newHarness(t, Options{})
	h.streamer.err = errors.New("boom")
	h.get("/")

	resp, body := h.post("/turn", url.Values{"message": {"hello"}}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/", resp.Request.URL.Path)
	assert.Contains(t, body, "<strong>Error:</strong> boom")
	assert.Len(t, h.state().Messages(), 2)

	// The annotation is shown once.
	_, body = h.get("/")
	assert.NotContains(t, body, "boom")
}

func TestIndex_IgnoresErrorQuery(t *testing.T) {
	h := newHarness(t, Options{})

	_, body := h.get("/?error=" + url.QueryEscape("**Error:** please call 555-0100"))
	assert.NotContains(t, body, "555-0100")
}

func TestTurn_FormPostOutlastsWriteTimeout(t *testing.T) {
	h := newHarness(t, Options{}, func(srv *http.Server) {
		srv.WriteTimeout = 50 * time.Millisecond
	})
	h.streamer.chunks = []string{"slow reply"}
	h.streamer.delay = 200 * time.Millisecond
	h.get("/")

	resp, body := h.post("/turn", url.Values{"message": {"hello"}}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "slow reply")
	assert.Len(t, h.state().Messages(), 3)
}

func TestTurn_BlankMessageIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.get("/")

	resp, _ := h.post("/turn", url.Values{"message": {"   "}}, "text/event-stream")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, h.state().Messages(), 1)
}

func TestTurn_RejectsOverlap(t *testing.T) {
	h := newHarness(t, Options{})
	h.get("/")

	release, ok := h.registry.TryAcquire(h.sessionID())
	require.True(t, ok)
	defer release()

	resp, _ := h.post("/turn", url.Values{"message": {"hello"}}, "text/event-stream")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.post("/clear", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, h.state().Messages(), 1)
}

func TestTurn_RateLimited(t *testing.T) {
	h := newHarness(t, Options{TurnRate: 0.001, TurnBurst: 1})
	h.streamer.chunks = []string{"ok"}
	h.get("/")

	resp, _ := h.post("/turn", url.Values{"message": {"one"}}, "text/event-stream")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.post("/turn", url.Values{"message": {"two"}}, "text/event-stream")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSettings_AddressChangeInvalidates(t *testing.T) {
	h := newHarness(t, Options{})
	h.get("/")
	h.get("/")
	assert.Equal(t, []string{"http://ollama:11434"}, h.fetched)

	h.post("/settings", url.Values{
		"base_url":    {"gpu-box:11434"},
		"model":       {"mistral"},
		"temperature": {"0.7"},
	}, "")

	st := h.state()
	assert.Equal(t, "http://gpu-box:11434", st.BaseURL())
	assert.Equal(t, "mistral", st.SelectedModel())
	assert.Equal(t, 0.7, st.Temperature())
	assert.Equal(t, []string{"http://ollama:11434", "http://gpu-box:11434"}, h.fetched)

	// Same address, no refresh: memo is reused.
	h.post("/settings", url.Values{"base_url": {"http://gpu-box:11434"}}, "")
	assert.Len(t, h.fetched, 2)

	// Explicit refresh fetches again.
	h.post("/settings", url.Values{"base_url": {"http://gpu-box:11434"}, "refresh": {"1"}}, "")
	assert.Len(t, h.fetched, 3)
}

func TestSettings_TemperatureClamped(t *testing.T) {
	h := newHarness(t, Options{})
	h.get("/")

	h.post("/settings", url.Values{"temperature": {"3"}}, "")
	assert.Equal(t, 1.0, h.state().Temperature())

	resp, _ := h.post("/settings", url.Values{"temperature": {"warm"}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoleAndClear(t *testing.T) {
	h := newHarness(t, Options{})
	h.streamer.chunks = []string{"a"}
	h.get("/")
	h.post("/turn", url.Values{"message": {"q"}}, "text/event-stream")
	require.Len(t, h.state().Messages(), 3)

	h.post("/role", url.Values{"system_prompt": {"   "}}, "")
	assert.Len(t, h.state().Messages(), 3, "blank prompt is ignored")

	_, page := h.post("/role", url.Values{"system_prompt": {"Be brief."}}, "")
	msgs := h.state().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Be brief.", msgs[0].Content)
	assert.Contains(t, page, ">Be brief.</textarea>")

	h.post("/turn", url.Values{"message": {"q"}}, "text/event-stream")
	h.post("/clear", nil, "")
	msgs = h.state().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Be brief.", msgs[0].Content)
}

func TestAPIModels(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := h.get("/api/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got modelsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, []string{"llama3", "mistral"}, got.Models)
	assert.Equal(t, "llama3", got.Selected)
	assert.Empty(t, got.Warning)
}

func TestHealthzAndStatic(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := h.get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, body = h.get("/static/style.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, ".bubble.user")

	resp, _ = h.get("/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(slogDiscard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTurnLimiter(t *testing.T) {
	assert.True(t, (*turnLimiter)(nil).allow("x"), "nil limiter allows everything")

	l := newTurnLimiter(0.001, 2)
	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "buckets are per session")
}
