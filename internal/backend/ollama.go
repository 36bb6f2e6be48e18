package backend

// ChatMessage is a single message on the Ollama wire
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries model parameters for a chat request.
// Temperature is always sent since 0 is a meaningful setting.
type Options struct {
	Temperature float64 `json:"temperature"`
}

// OllamaRequest represents the request body for the Ollama /api/chat endpoint
type OllamaRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *Options      `json:"options,omitempty"`
}

// OllamaResponse represents one line of a streamed /api/chat response
type OllamaResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// OllamaError is the body Ollama returns alongside non-2xx statuses
type OllamaError struct {
	Error string `json:"error"`
}

// ChatRequest describes one streamed completion over a full transcript
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
}

// StreamChunk is one increment delivered while a completion streams
type StreamChunk struct {
	Content          string
	Done             bool
	DoneReason       string
	PromptTokens     int
	CompletionTokens int
}
