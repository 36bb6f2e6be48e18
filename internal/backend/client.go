package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ListModelsTimeout bounds the /api/tags request.
const ListModelsTimeout = 5 * time.Second

const instrumentationName = "CaisaChat/internal/backend"

// ErrorType categorizes client errors for handling
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeInvalidResponse
)

// ClientError represents an error talking to the Ollama server
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches any ClientError of the same type, so callers can compare
// against the sentinels below with errors.Is.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Type == e.Type
}

var (
	ErrNotRunning      = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not reachable"}
	ErrTimeout         = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound   = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
	ErrInvalidResponse = &ClientError{Type: ErrTypeInvalidResponse, Message: "invalid response from Ollama"}
)

// StreamCallback receives each increment in delivery order. Returning an
// error aborts the stream.
type StreamCallback func(chunk StreamChunk) error

// Client talks to a single Ollama server.
// A Client is cheap to build; the turn handler makes a fresh one per turn.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(NormalizeBaseURL(baseURL), "/"),
		// No client-wide timeout: streams are bounded by the caller's context.
		httpClient: &http.Client{},
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	histogram, err := otel.Meter(instrumentationName).Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		c.duration = histogram
	}
	return c
}

// BaseURL returns the server address this client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListModels fetches the installed models from /api/tags
func (c *Client) ListModels(ctx context.Context) ([]OllamaModel, error) {
	ctx, span := c.tracer.Start(ctx, "ollama.list_models",
		trace.WithAttributes(attribute.String("ollama.base_url", c.baseURL)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, ListModelsTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, c.fail(span, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to create request", Cause: err})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(span, transportError(err))
	}
	defer resp.Body.Close()
	c.record(ctx, start, "/api/tags")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.fail(span, statusError(resp))
	}

	var tags OllamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, c.fail(span, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode model list", Cause: err})
	}
	span.SetAttributes(attribute.Int("ollama.model_count", len(tags.Models)))
	return tags.Models, nil
}

// ModelNames returns the non-empty model names sorted ascending
func (c *Client) ModelNames(ctx context.Context) ([]string, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ChatStream posts the whole transcript to /api/chat and calls fn for
// every increment. It returns nil only after Ollama reports done.
func (c *Client) ChatStream(ctx context.Context, chat ChatRequest, fn StreamCallback) error {
	ctx, span := c.tracer.Start(ctx, "ollama.chat_stream", trace.WithAttributes(
		attribute.String("ollama.base_url", c.baseURL),
		attribute.String("ollama.model", chat.Model),
		attribute.Float64("ollama.temperature", chat.Temperature),
		attribute.Int("ollama.message_count", len(chat.Messages)),
	))
	defer span.End()

	body, err := json.Marshal(OllamaRequest{
		Model:    chat.Model,
		Messages: chat.Messages,
		Stream:   true,
		Options:  &Options{Temperature: chat.Temperature},
	})
	if err != nil {
		return c.fail(span, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err})
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return c.fail(span, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to create request", Cause: err})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.fail(span, transportError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(span, statusError(resp))
	}

	chunks, err := readStream(resp.Body, fn)
	c.record(ctx, start, "/api/chat")
	span.SetAttributes(attribute.Int("ollama.chunk_count", chunks))
	if err != nil {
		return c.fail(span, err)
	}
	return nil
}

// readStream decodes newline-delimited JSON until a done line arrives.
func readStream(r io.Reader, fn StreamCallback) (int, error) {
	reader := bufio.NewReader(r)
	count := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var msg OllamaResponse
			if err := json.Unmarshal(line, &msg); err != nil {
				return count, &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed stream line", Cause: err}
			}
			if msg.Error != "" {
				return count, &ClientError{Type: ErrTypeInvalidResponse, Message: msg.Error}
			}

			count++
			chunk := StreamChunk{
				Content:    msg.Message.Content,
				Done:       msg.Done,
				DoneReason: msg.DoneReason,
			}
			if msg.Done {
				chunk.PromptTokens = msg.PromptEvalCount
				chunk.CompletionTokens = msg.EvalCount
			}
			if err := fn(chunk); err != nil {
				return count, err
			}
			if msg.Done {
				return count, nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return count, &ClientError{Type: ErrTypeInvalidResponse, Message: "stream ended before completion"}
			}
			return count, transportError(readErr)
		}
	}
}

func (c *Client) record(ctx context.Context, start time.Time, route string) {
	if c.duration == nil {
		return
	}
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("http.route", route)))
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	return &ClientError{Type: ErrTypeNotRunning, Message: "failed to reach Ollama", Cause: err}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		var body OllamaError
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			return &ClientError{Type: ErrTypeModelNotFound, Message: body.Error}
		}
		return &ClientError{Type: ErrTypeModelNotFound, Message: "not found: " + resp.Status}
	}

	var body OllamaError
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: fmt.Sprintf("%s (%s)", body.Error, resp.Status)}
	}
	return &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from Ollama: " + resp.Status}
}

// IsNotRunning reports whether err means the server could not be reached
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsModelNotFound reports whether the server did not know the requested model
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
