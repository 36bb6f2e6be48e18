// Package web serves the browser chat UI: one page, a few form posts and
// a server-sent-events stream per turn.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"CaisaChat/internal/backend"
	"CaisaChat/internal/cache"
	"CaisaChat/internal/chatbot"
	"CaisaChat/internal/render"
	"CaisaChat/internal/session"
)

//go:embed templates/* static/*
var embeddedFS embed.FS

const (
	// SessionCookie carries the browser's session id
	SessionCookie = "caisachat_session"

	// FlashCookie carries a failed form turn's error annotation to the next
	// page render, which clears it.
	FlashCookie = "caisachat_flash"

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout = 10 * time.Second

	maxFormBytes = 1 << 20
)

type ctxKey struct{}

// Options configures a Server
type Options struct {
	Addr      string
	PageTitle string
	// TurnRate is turns per second per session; 0 disables limiting.
	TurnRate  float64
	TurnBurst int
}

// Server is the chat web front end
type Server struct {
	opts      Options
	logger    *slog.Logger
	sessions  *session.Registry
	directory *cache.Directory
	bot       *chatbot.ChatBot
	limiter   *turnLimiter
	templates *template.Template
	server    *http.Server
}

// NewServer wires the handlers. Returns an error if templates cannot be parsed.
func NewServer(opts Options, sessions *session.Registry, directory *cache.Directory, bot *chatbot.ChatBot, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := template.ParseFS(embeddedFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		opts:      opts,
		logger:    logger,
		sessions:  sessions,
		directory: directory,
		bot:       bot,
		limiter:   newTurnLimiter(opts.TurnRate, opts.TurnBurst),
		templates: tmpl,
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	return Chain(
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		s.sessionMiddleware,
	)(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", http.FileServer(http.FS(embeddedFS)))

	mux.HandleFunc("POST /settings", s.handleSettings)
	mux.HandleFunc("POST /role", s.handleRole)
	mux.HandleFunc("POST /clear", s.handleClear)
	mux.HandleFunc("POST /turn", s.handleTurn)

	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting web server", "addr", s.opts.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.logger.Info("web server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// sessionMiddleware makes sure every request carries a session id
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = session.NewID()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func setFlash(w http.ResponseWriter, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlashCookie,
		Value:    url.QueryEscape(msg),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// takeFlash returns and clears the pending flash message, if any
func takeFlash(w http.ResponseWriter, r *http.Request) string {
	c, err := r.Cookie(FlashCookie)
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{Name: FlashCookie, Path: "/", MaxAge: -1})
	msg, err := url.QueryUnescape(c.Value)
	if err != nil {
		return ""
	}
	return msg
}

func sessionID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) loadState(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	st, err := s.sessions.Load(r.Context(), sessionID(r.Context()))
	if err != nil {
		s.logger.Error("failed to load session", "session_id", sessionID(r.Context()), "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return st, true
}

func (s *Server) saveState(ctx context.Context, st *session.State) {
	if err := s.sessions.Save(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Error("failed to save session", "session_id", st.ID(), "error", err)
	}
}

// acquire claims the session for a state-changing request, answering 409
// when a turn is still streaming.
func (s *Server) acquire(w http.ResponseWriter, r *http.Request) (func(), bool) {
	release, ok := s.sessions.TryAcquire(sessionID(r.Context()))
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status":  "error",
			"message": "a reply is still streaming for this session",
		})
		return nil, false
	}
	return release, true
}

// indexTemplateData holds data passed to the index.html template
type indexTemplateData struct {
	Title        string
	BaseURL      string
	Models       []string
	Selected     string
	Temperature  float64
	SystemPrompt string
	Warning      string
	NoModels     bool
	History      []template.HTML
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loadState(w, r)
	if !ok {
		return
	}

	dir := s.directory.Models(r.Context(), st.BaseURL())
	options := dir.Models
	if release, ok := s.sessions.TryAcquire(st.ID()); ok {
		st.SetModel(cache.ResolveModel(dir.Models, st.SelectedModel()))
		s.saveState(r.Context(), st)
		release()
	}
	if len(options) == 0 {
		options = []string{st.SelectedModel()}
	}

	history := render.History(st.History())
	if msg := takeFlash(w, r); msg != "" {
		history = append(history, render.Bubble(session.RoleAssistant, msg))
	}

	data := indexTemplateData{
		Title:        s.opts.PageTitle,
		BaseURL:      st.BaseURL(),
		Models:       options,
		Selected:     st.SelectedModel(),
		Temperature:  st.Temperature(),
		SystemPrompt: st.SystemPrompt(),
		Warning:      dir.Warning,
		NoModels:     len(dir.Models) == 0,
		History:      history,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("failed to execute template", "error", err)
	}
}

// handleSettings applies the sidebar form. A changed address or an
// explicit refresh drops the memoized model list for the new address.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	release, ok := s.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	if !s.parseForm(w, r) {
		return
	}

	if r.PostForm.Has("base_url") {
		normalized := backend.NormalizeBaseURL(r.PostForm.Get("base_url"))
		if normalized != st.BaseURL() || r.PostForm.Get("refresh") != "" {
			st.SetBaseURL(normalized)
			s.directory.Invalidate(normalized)
			s.logger.Info("model list invalidated", "session_id", st.ID(), "base_url", normalized)
		}
	} else if r.PostForm.Get("refresh") != "" {
		s.directory.Invalidate(st.BaseURL())
	}

	if model := strings.TrimSpace(r.PostForm.Get("model")); model != "" {
		st.SetModel(model)
	}
	if raw := r.PostForm.Get("temperature"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "invalid temperature", http.StatusBadRequest)
			return
		}
		st.SetTemperature(t)
	}

	s.saveState(r.Context(), st)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleRole(w http.ResponseWriter, r *http.Request) {
	release, ok := s.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	if !s.parseForm(w, r) {
		return
	}

	if st.ApplySystemPrompt(r.PostForm.Get("system_prompt")) {
		s.saveState(r.Context(), st)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	release, ok := s.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	st.Reset()
	s.saveState(r.Context(), st)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleTurn runs one chat turn. Browsers asking for text/event-stream get
// the reply live; plain form posts are redirected back to the page.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	release, ok := s.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	id := sessionID(r.Context())
	if !s.limiter.allow(id) {
		s.logger.Warn("turn rate limit exceeded", "session_id", id)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"status":  "error",
			"message": "Too many requests. Please wait a moment.",
		})
		return
	}

	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	if !s.parseForm(w, r) {
		return
	}
	text := r.PostForm.Get("message")

	// Replies can outlast the server's WriteTimeout.
	rc := http.NewResponseController(w)

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		_ = rc.SetWriteDeadline(time.Time{})
		d := &formDisplay{}
		res := s.bot.HandleTurn(r.Context(), st, text, d)
		if res.Outcome != chatbot.OutcomeSkipped {
			s.saveState(r.Context(), st)
		}
		if d.annotation != "" {
			setFlash(w, d.annotation)
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if strings.TrimSpace(text) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_ = rc.SetWriteDeadline(time.Time{})

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	res := s.bot.HandleTurn(r.Context(), st, text, &sseDisplay{w: w, rc: rc})
	s.saveState(r.Context(), st)

	if err := writeSSEEvent(w, "done", doneEvent{Outcome: string(res.Outcome)}); err == nil {
		_ = rc.Flush()
	}
}

type modelsResponse struct {
	BaseURL  string   `json:"base_url"`
	Models   []string `json:"models"`
	Selected string   `json:"selected"`
	Warning  string   `json:"warning,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	dir := s.directory.Models(r.Context(), st.BaseURL())
	writeJSON(w, http.StatusOK, modelsResponse{
		BaseURL:  st.BaseURL(),
		Models:   dir.Models,
		Selected: cache.ResolveModel(dir.Models, st.SelectedModel()),
		Warning:  dir.Warning,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
