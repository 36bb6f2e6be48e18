package session

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"CaisaChat/internal/backend"
)

// DefaultModel is selected until the model directory offers something else
const DefaultModel = "llama3"

// Role tags who authored a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single chat message
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current time
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// Defaults seed a fresh State
type Defaults struct {
	SystemPrompt string
	// BaseURL is normalized on use; empty defers to OLLAMA_HOST.
	BaseURL string
	// Model falls back to DefaultModel when empty.
	Model string
}

// State is the conversation state of one browser session.
//
// Messages[0] is always the system message built from SystemPrompt, and
// the transcript never holds a partial assistant reply. State is safe for
// concurrent use, but callers must not run two turns on it at once (see
// Registry.TryAcquire).
type State struct {
	mu sync.RWMutex

	id            string
	startTime     time.Time
	systemPrompt  string
	messages      []Message
	baseURL       string
	selectedModel string
	temperature   float64
}

// NewState returns an empty state; call Init before use
func NewState(id string) *State {
	return &State{id: id, startTime: time.Now()}
}

// Init fills every field that is still unset and leaves the rest alone,
// so calling it on every page load is harmless.
func (s *State) Init(d Defaults) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.systemPrompt == "" {
		s.systemPrompt = d.SystemPrompt
	}
	if len(s.messages) == 0 {
		s.messages = []Message{NewMessage(RoleSystem, s.systemPrompt)}
	}
	if s.baseURL == "" {
		s.baseURL = backend.NormalizeBaseURL(d.BaseURL)
	}
	if s.selectedModel == "" {
		s.selectedModel = d.Model
	}
	if s.selectedModel == "" {
		s.selectedModel = DefaultModel
	}
	// temperature's zero value is its default
}

// Reset discards every turn and re-seeds the transcript from the current
// system prompt.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *State) reset() {
	s.messages = []Message{NewMessage(RoleSystem, s.systemPrompt)}
}

// ApplySystemPrompt replaces the system prompt and resets the transcript.
// Blank prompts are ignored; it reports whether anything changed.
func (s *State) ApplySystemPrompt(prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
	s.reset()
	return true
}

// AppendUser appends a user message
func (s *State) AppendUser(content string) {
	s.append(NewMessage(RoleUser, content))
}

// AppendAssistant appends a finished assistant reply
func (s *State) AppendAssistant(content string) {
	s.append(NewMessage(RoleAssistant, content))
}

func (s *State) append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Messages returns a copy of the whole transcript, system message included
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// History returns the transcript without the leading system message
func (s *State) History() []Message {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[1:]
}

func (s *State) ID() string {
	return s.id
}

func (s *State) StartTime() time.Time {
	return s.startTime
}

func (s *State) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

func (s *State) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// SetBaseURL stores an already normalized address
func (s *State) SetBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = u
}

func (s *State) SelectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedModel
}

func (s *State) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedModel = model
}

func (s *State) Temperature() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.temperature
}

// SetTemperature clamps t to [0, 1]
func (s *State) SetTemperature(t float64) {
	switch {
	case math.IsNaN(t), t < 0:
		t = 0
	case t > 1:
		t = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = t
}

// stateJSON is the persisted form used by non-memory stores
type stateJSON struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	SystemPrompt  string    `json:"system_prompt"`
	Messages      []Message `json:"messages"`
	BaseURL       string    `json:"base_url"`
	SelectedModel string    `json:"selected_model"`
	Temperature   float64   `json:"temperature"`
}

func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(stateJSON{
		ID:            s.id,
		StartTime:     s.startTime,
		SystemPrompt:  s.systemPrompt,
		Messages:      s.messages,
		BaseURL:       s.baseURL,
		SelectedModel: s.selectedModel,
		Temperature:   s.temperature,
	})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var v stateJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for i, m := range v.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = v.ID
	s.startTime = v.StartTime
	s.systemPrompt = v.SystemPrompt
	s.messages = v.Messages
	s.baseURL = v.BaseURL
	s.selectedModel = v.SelectedModel
	s.temperature = v.Temperature
	return nil
}
