package httpapi

import "encoding/json"

// ChatMessage is the OpenAI wire shape for one conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions, extended
// with Runestone's own routing knobs alongside the OpenAI-standard fields.
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float32      `json:"temperature,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             *float32      `json:"top_p,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	User             string        `json:"user,omitempty"`
	FrequencyPenalty *float32      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32      `json:"presence_penalty,omitempty"`

	// Runestone extensions.
	Provider        string   `json:"provider,omitempty"`
	TenantID        string   `json:"tenant_id,omitempty"`
	ModelFamily     string   `json:"model_family,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	MaxCostPerToken float64  `json:"max_cost_per_token,omitempty"`
	RequestID       string   `json:"request_id,omitempty"`
}

// CompletionRequest is the legacy prompt-based body of POST /v1/completions.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	Provider        string   `json:"provider,omitempty"`
	TenantID        string   `json:"tenant_id,omitempty"`
	ModelFamily     string   `json:"model_family,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	MaxCostPerToken float64  `json:"max_cost_per_token,omitempty"`
	RequestID       string   `json:"request_id,omitempty"`
}

// ChatCompletionChoice is one entry of a non-streaming response.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// Usage mirrors OpenAI's token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the non-streaming response body, byte-compatible
// with OpenAI's chat-completion object.
type ChatCompletionResponse struct {
	ID       string                 `json:"id"`
	Object   string                 `json:"object"`
	Created  int64                  `json:"created"`
	Model    string                 `json:"model"`
	Choices  []ChatCompletionChoice `json:"choices"`
	Usage    Usage                  `json:"usage"`
	Provider string                 `json:"provider,omitempty"`
}

// Model is one entry of GET /v1/models, carrying Runestone's routing
// metadata alongside the OpenAI-standard fields.
type Model struct {
	ID              string   `json:"id"`
	Object          string   `json:"object"`
	Created         int64    `json:"created"`
	OwnedBy         string   `json:"owned_by"`
	Provider        string   `json:"provider"`
	Capabilities    []string `json:"capabilities,omitempty"`
	CostPer1kTokens float64  `json:"cost_per_1k_tokens"`
}

// ModelList is the GET /v1/models response envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// EmbeddingsRequest is the body of POST /v1/embeddings. Input accepts either
// a single string or an array of strings per the OpenAI wire format.
type EmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
}

// Embedding is one vector result.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingsResponse is the POST /v1/embeddings response envelope.
type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// DecodedInputs normalizes EmbeddingsRequest.Input, which may be a single
// string or an array of strings, into a slice.
func (r *EmbeddingsRequest) DecodedInputs() ([]string, error) {
	var single string
	if err := json.Unmarshal(r.Input, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, err
	}
	return many, nil
}
