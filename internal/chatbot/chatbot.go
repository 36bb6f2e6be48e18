package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"CaisaChat/internal/backend"
	"CaisaChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "CaisaChat/internal/chatbot"

// Display receives the live rendering of a turn. Update is called with the
// whole reply accumulated so far, never with a bare increment.
type Display interface {
	ShowUser(text string) error
	Update(accumulated string) error
	ShowError(annotation string) error
}

// Streamer streams one completion
type Streamer interface {
	ChatStream(ctx context.Context, req backend.ChatRequest, fn backend.StreamCallback) error
}

// StreamerFactory builds a fresh Streamer for every turn
type StreamerFactory func(baseURL string) Streamer

// Archiver records completed turns outside the live transcript
type Archiver interface {
	SaveTurn(ctx context.Context, sessionID string, started time.Time, msgs ...session.Message) error
}

// Outcome is how a turn ended
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// TurnResult represents the result of one HandleTurn call
type TurnResult struct {
	Outcome Outcome
	Reply   string
	Err     error

	DoneReason       string
	PromptTokens     int
	CompletionTokens int
}

// ChatBot runs chat turns against Ollama
type ChatBot struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	newStreamer StreamerFactory
	archiver    Archiver

	turns            metric.Int64Counter
	duration         metric.Float64Histogram
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
}

// Option configures a ChatBot
type Option func(*ChatBot)

// WithStreamerFactory replaces the Ollama client used for turns
func WithStreamerFactory(f StreamerFactory) Option {
	return func(cb *ChatBot) {
		cb.newStreamer = f
	}
}

// WithArchiver records every completed turn
func WithArchiver(a Archiver) Option {
	return func(cb *ChatBot) {
		cb.archiver = a
	}
}

// WithTelemetry sets the tracer and meter; the global providers are used otherwise
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(cb *ChatBot) {
		cb.tracer = tracer
		cb.meter = meter
	}
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(logger *slog.Logger, opts ...Option) *ChatBot {
	if logger == nil {
		logger = slog.Default()
	}
	cb := &ChatBot{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		newStreamer: func(baseURL string) Streamer {
			return backend.NewClient(baseURL)
		},
	}
	for _, opt := range opts {
		opt(cb)
	}

	counter, err := cb.meter.Int64Counter(
		"caisachat.turns",
		metric.WithDescription("Chat turns by outcome"),
	)
	if err != nil {
		cb.logger.Warn("failed to create counter", "name", "caisachat.turns", "error", err)
	} else {
		cb.turns = counter
	}

	histogram, err := cb.meter.Float64Histogram(
		"caisachat.turn.duration",
		metric.WithDescription("Turn duration in milliseconds"),
	)
	if err != nil {
		cb.logger.Warn("failed to create histogram", "name", "caisachat.turn.duration", "error", err)
	} else {
		cb.duration = histogram
	}

	cb.promptTokens = cb.usageCounter("prompt_tokens")
	cb.completionTokens = cb.usageCounter("completion_tokens")

	return cb
}

func (cb *ChatBot) usageCounter(key string) metric.Int64Counter {
	counter, err := cb.meter.Int64Counter(
		fmt.Sprintf("llm.usage.%s", key),
		metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
	)
	if err != nil {
		cb.logger.Warn("failed to create counter", "key", key, "error", err)
		return nil
	}
	return counter
}

// ErrorAnnotation is shown in place of the assistant reply when a turn fails
func ErrorAnnotation(err error) string {
	return "**Error:** " + err.Error()
}

// HandleTurn runs one user turn on st.
//
// The user message is appended before anything is streamed and stays even
// when the turn fails. The assistant reply is appended only after the
// stream completes, so st never holds a partial reply. Callers must not
// run two turns on the same state concurrently.
func (cb *ChatBot) HandleTurn(ctx context.Context, st *session.State, text string, d Display) TurnResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{Outcome: OutcomeSkipped}
	}

	model := st.SelectedModel()
	baseURL := st.BaseURL()
	ctx, span := cb.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", st.ID()),
		attribute.String("ollama.model", model),
	))
	defer span.End()
	start := time.Now()

	st.AppendUser(text)
	if err := d.ShowUser(text); err != nil {
		return cb.fail(ctx, span, st, start, d, err)
	}

	req := backend.ChatRequest{
		Model:       model,
		Messages:    toWire(st.Messages()),
		Temperature: st.Temperature(),
	}

	var reply strings.Builder
	var done backend.StreamChunk
	err := cb.newStreamer(baseURL).ChatStream(ctx, req, func(chunk backend.StreamChunk) error {
		if chunk.Done {
			done = chunk
		}
		if chunk.Content == "" {
			return nil
		}
		reply.WriteString(chunk.Content)
		return d.Update(reply.String())
	})
	if err != nil {
		return cb.fail(ctx, span, st, start, d, err)
	}

	st.AppendAssistant(reply.String())
	cb.archive(ctx, st)
	cb.record(ctx, start, OutcomeCompleted, "")
	cb.recordUsage(ctx, model, done)
	span.SetAttributes(
		attribute.String("ollama.done_reason", done.DoneReason),
		attribute.Int("llm.usage.prompt_tokens", done.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", done.CompletionTokens),
	)
	cb.logger.Info("turn completed",
		"session_id", st.ID(),
		"model", model,
		"done_reason", done.DoneReason,
		"prompt_tokens", done.PromptTokens,
		"completion_tokens", done.CompletionTokens,
		"reply_chars", reply.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return TurnResult{
		Outcome:          OutcomeCompleted,
		Reply:            reply.String(),
		DoneReason:       done.DoneReason,
		PromptTokens:     done.PromptTokens,
		CompletionTokens: done.CompletionTokens,
	}
}

func (cb *ChatBot) fail(ctx context.Context, span trace.Span, st *session.State, start time.Time, d Display, err error) TurnResult {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if showErr := d.ShowError(ErrorAnnotation(err)); showErr != nil {
		cb.logger.Debug("failed to show turn error", "session_id", st.ID(), "error", showErr)
	}
	kind := failureKind(err)
	cb.record(ctx, start, OutcomeFailed, kind)

	// Unclassified failures are bugs on our side.
	level := slog.LevelWarn
	if kind == "internal" {
		level = slog.LevelError
	}
	cb.logger.Log(ctx, level, "turn failed",
		"session_id", st.ID(),
		"model", st.SelectedModel(),
		"base_url", st.BaseURL(),
		"error_type", kind,
		"error", err,
	)
	return TurnResult{Outcome: OutcomeFailed, Err: err}
}

// failureKind classifies why a turn failed
func failureKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case backend.IsNotRunning(err):
		return "not_running"
	case backend.IsTimeout(err):
		return "timeout"
	case backend.IsModelNotFound(err):
		return "model_not_found"
	case errors.Is(err, backend.ErrInvalidResponse):
		return "invalid_response"
	}
	return "internal"
}

// archive stores the last user/assistant pair. A browser that left after
// the reply completed does not cancel it.
func (cb *ChatBot) archive(ctx context.Context, st *session.State) {
	if cb.archiver == nil {
		return
	}
	msgs := st.Messages()
	if len(msgs) < 3 {
		return
	}
	if err := cb.archiver.SaveTurn(context.WithoutCancel(ctx), st.ID(), st.StartTime(), msgs[len(msgs)-2:]...); err != nil {
		cb.logger.Error("failed to archive turn", "session_id", st.ID(), "error", err)
	}
}

func (cb *ChatBot) record(ctx context.Context, start time.Time, outcome Outcome, errorType string) {
	kv := []attribute.KeyValue{attribute.String("outcome", string(outcome))}
	if errorType != "" {
		kv = append(kv, attribute.String("error.type", errorType))
	}
	attrs := metric.WithAttributes(kv...)
	if cb.turns != nil {
		cb.turns.Add(ctx, 1, attrs)
	}
	if cb.duration != nil {
		cb.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

func (cb *ChatBot) recordUsage(ctx context.Context, model string, done backend.StreamChunk) {
	attrs := metric.WithAttributes(attribute.String("ollama.model", model))
	if cb.promptTokens != nil && done.PromptTokens > 0 {
		cb.promptTokens.Add(ctx, int64(done.PromptTokens), attrs)
	}
	if cb.completionTokens != nil && done.CompletionTokens > 0 {
		cb.completionTokens.Add(ctx, int64(done.CompletionTokens), attrs)
	}
}

func toWire(msgs []session.Message) []backend.ChatMessage {
	out := make([]backend.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = backend.ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}
